package alerts

import (
	"context"
	"strings"
	"testing"
	"time"

	sse "github.com/alexandrevicenzi/go-sse"
	"github.com/aquawatch/water-quality-mgmt/internal/pkg/infrastructure/storage"
	"github.com/aquawatch/water-quality-mgmt/pkg/types"
	"github.com/matryer/is"
)

func TestCrossingRaisesNewAlert(t *testing.T) {
	is := is.New(t)

	store := &storageMock{
		mergeOpenAlert: func(ctx context.Context, deviceID string, parameter types.Parameter, severity types.Severity, value float64, occurredAt, openedAfter time.Time) (types.Alert, error) {
			return types.Alert{}, storage.ErrNoRows
		},
	}
	events := &eventsMock{}
	notifier := &notifierMock{}

	svc := New(store, DefaultConfig(), events, notifier)

	touched, err := svc.HandleReading(context.Background(), device(), reading(9.5, 0.5, 100))
	is.NoErr(err)
	is.Equal(len(touched), 1)

	alert := touched[0]
	is.Equal(alert.Parameter, types.ParameterPH)
	is.Equal(alert.Severity, types.SeverityCritical)
	is.Equal(alert.Threshold, 8.5) // the warning bound is crossed first
	is.Equal(alert.OccurrenceCount, 1)
	is.Equal(alert.Status, types.AlertUnacknowledged)
	is.True(strings.Contains(alert.Message, "above"))

	is.Equal(len(store.added), 1)
	is.Equal(events.published, []string{"alert:new"})
	is.Equal(len(notifier.notified), 1)
	is.Equal(store.emailSent, []string{alert.ID})
}

func TestHealthyReadingRaisesNothing(t *testing.T) {
	is := is.New(t)

	store := &storageMock{}
	svc := New(store, DefaultConfig(), &eventsMock{}, nil)

	touched, err := svc.HandleReading(context.Background(), device(), reading(7.0, 0.5, 100))
	is.NoErr(err)
	is.Equal(len(touched), 0)
	is.Equal(len(store.added), 0)
}

func TestFlaggedChannelIsSkipped(t *testing.T) {
	is := is.New(t)

	store := &storageMock{}
	svc := New(store, DefaultConfig(), &eventsMock{}, nil)

	r := reading(9.5, 0.5, 100)
	r.PHValid = false

	touched, err := svc.HandleReading(context.Background(), device(), r)
	is.NoErr(err)
	is.Equal(len(touched), 0)
}

func TestRepeatCrossingMergesQuietlyWithinCooldown(t *testing.T) {
	is := is.New(t)

	store := &storageMock{
		mergeOpenAlert: func(ctx context.Context, deviceID string, parameter types.Parameter, severity types.Severity, value float64, occurredAt, openedAfter time.Time) (types.Alert, error) {
			return types.Alert{
				ID:              "alert-1",
				OccurrenceCount: 2,
				CreatedAt:       time.Now().UTC().Add(-time.Minute),
			}, nil
		},
	}
	events := &eventsMock{}
	notifier := &notifierMock{}

	svc := New(store, DefaultConfig(), events, notifier)

	touched, err := svc.HandleReading(context.Background(), device(), reading(9.5, 0.5, 100))
	is.NoErr(err)
	is.Equal(len(touched), 1)
	is.Equal(touched[0].OccurrenceCount, 2)

	is.Equal(events.published, []string{"alert:updated"})
	is.Equal(len(notifier.notified), 0)
}

func TestCrossingAfterCooldownRaisesFreshAlert(t *testing.T) {
	is := is.New(t)

	// the only open alert for the key is older than the critical cooldown
	// of five minutes, so the merge finds nothing inside the window
	store := &storageMock{
		mergeOpenAlert: func(ctx context.Context, deviceID string, parameter types.Parameter, severity types.Severity, value float64, occurredAt, openedAfter time.Time) (types.Alert, error) {
			window := time.Since(openedAfter)
			is.True(window > 4*time.Minute && window < 6*time.Minute)
			return types.Alert{}, storage.ErrNoRows
		},
	}
	events := &eventsMock{}
	notifier := &notifierMock{}

	svc := New(store, DefaultConfig(), events, notifier)

	touched, err := svc.HandleReading(context.Background(), device(), reading(9.5, 0.5, 100))
	is.NoErr(err)
	is.Equal(len(touched), 1)

	// the stale alert is retired as a merge target and a new alert starts
	// its own occurrence count
	is.Equal(len(store.superseded), 1)
	is.Equal(len(store.added), 1)
	is.Equal(touched[0].OccurrenceCount, 1)
	is.Equal(events.published, []string{"alert:new"})
	is.Equal(len(notifier.notified), 1)
}

func TestLostInsertRaceRetriesAsMerge(t *testing.T) {
	is := is.New(t)

	merges := 0
	store := &storageMock{
		mergeOpenAlert: func(ctx context.Context, deviceID string, parameter types.Parameter, severity types.Severity, value float64, occurredAt, openedAfter time.Time) (types.Alert, error) {
			merges++
			if merges == 1 {
				return types.Alert{}, storage.ErrNoRows
			}
			return types.Alert{ID: "alert-1", OccurrenceCount: 2, CreatedAt: time.Now().UTC()}, nil
		},
		addAlert: func(ctx context.Context, alert types.Alert) error {
			return storage.ErrAlreadyExist
		},
	}

	svc := New(store, DefaultConfig(), &eventsMock{}, nil)

	touched, err := svc.HandleReading(context.Background(), device(), reading(9.5, 0.5, 100))
	is.NoErr(err)
	is.Equal(len(touched), 1)
	is.Equal(touched[0].ID, "alert-1")
	is.Equal(merges, 2)
}

func TestNotifierFailureLeavesEmailUnsent(t *testing.T) {
	is := is.New(t)

	store := &storageMock{
		mergeOpenAlert: func(ctx context.Context, deviceID string, parameter types.Parameter, severity types.Severity, value float64, occurredAt, openedAfter time.Time) (types.Alert, error) {
			return types.Alert{}, storage.ErrNoRows
		},
	}
	notifier := &notifierMock{fail: true}

	svc := New(store, DefaultConfig(), &eventsMock{}, notifier)

	_, err := svc.HandleReading(context.Background(), device(), reading(9.5, 0.5, 100))
	is.NoErr(err)
	is.Equal(len(store.emailSent), 0)
}

func TestAcknowledgeTwiceIsConflict(t *testing.T) {
	is := is.New(t)

	store := &storageMock{
		acknowledgeAlert: func(ctx context.Context, alertID, by string, at time.Time) (types.Alert, error) {
			return types.Alert{}, storage.ErrAlreadyExist
		},
	}

	svc := New(store, DefaultConfig(), &eventsMock{}, nil)

	_, err := svc.Acknowledge(context.Background(), "alert-1", "operator")
	is.True(err == ErrAlreadyAcknowledged)
}

func TestResolveUnknownAlertIsNotFound(t *testing.T) {
	is := is.New(t)

	store := &storageMock{
		resolveAlert: func(ctx context.Context, alertID, by, notes string, at time.Time) (types.Alert, error) {
			return types.Alert{}, storage.ErrNoRows
		},
	}

	svc := New(store, DefaultConfig(), &eventsMock{}, nil)

	_, err := svc.Resolve(context.Background(), "nosuchalert", "operator", "")
	is.True(err == ErrAlertNotFound)
}

func TestResolveAllSkipsAlreadyResolved(t *testing.T) {
	is := is.New(t)

	resolves := 0
	store := &storageMock{
		queryAlerts: func(ctx context.Context, conditions ...storage.ConditionFunc) (types.Collection[types.Alert], error) {
			return types.Collection[types.Alert]{
				Data:       []types.Alert{{ID: "a1"}, {ID: "a2"}, {ID: "a3"}},
				TotalCount: 3,
			}, nil
		},
		resolveAlert: func(ctx context.Context, alertID, by, notes string, at time.Time) (types.Alert, error) {
			resolves++
			if alertID == "a2" {
				return types.Alert{}, storage.ErrAlreadyExist
			}
			return types.Alert{ID: alertID, Status: types.AlertResolved}, nil
		},
	}

	svc := New(store, DefaultConfig(), &eventsMock{}, nil)

	resolved, err := svc.ResolveAll(context.Background(), "operator", "maintenance", nil)
	is.NoErr(err)
	is.Equal(resolved, 2)
	is.Equal(resolves, 3)
}

func TestQueryAcceptsCamelCasedFilterNames(t *testing.T) {
	is := is.New(t)

	var collected storage.Condition
	store := &storageMock{
		queryAlerts: func(ctx context.Context, conditions ...storage.ConditionFunc) (types.Collection[types.Alert], error) {
			for _, condition := range conditions {
				condition(&collected)
			}
			return types.Collection[types.Alert]{}, nil
		},
	}

	svc := New(store, DefaultConfig(), &eventsMock{}, nil)

	_, err := svc.Query(context.Background(), map[string][]string{
		"deviceId":  {"sensor-01"},
		"startDate": {"2026-08-01T00:00:00Z"},
		"endDate":   {"2026-08-24T00:00:00Z"},
	})
	is.NoErr(err)

	is.Equal(collected.DeviceID, "sensor-01")
	is.Equal(collected.Start, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	is.Equal(collected.End, time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC))
}

func device() types.Device {
	return types.Device{DeviceID: "sensor-01", Name: "Intake basin"}
}

func reading(ph, turbidity, tds float64) types.Reading {
	return types.Reading{
		DeviceID:       "sensor-01",
		Timestamp:      time.Now().UTC(),
		PH:             &ph,
		Turbidity:      &turbidity,
		TDS:            &tds,
		PHValid:        true,
		TurbidityValid: true,
		TDSValid:       true,
	}
}

type storageMock struct {
	added      []types.Alert
	superseded []string
	emailSent  []string

	addAlert         func(ctx context.Context, alert types.Alert) error
	mergeOpenAlert   func(ctx context.Context, deviceID string, parameter types.Parameter, severity types.Severity, value float64, occurredAt, openedAfter time.Time) (types.Alert, error)
	getAlert         func(ctx context.Context, conditions ...storage.ConditionFunc) (types.Alert, error)
	queryAlerts      func(ctx context.Context, conditions ...storage.ConditionFunc) (types.Collection[types.Alert], error)
	acknowledgeAlert func(ctx context.Context, alertID, by string, at time.Time) (types.Alert, error)
	resolveAlert     func(ctx context.Context, alertID, by, notes string, at time.Time) (types.Alert, error)
}

func (m *storageMock) AddAlert(ctx context.Context, alert types.Alert) error {
	if m.addAlert != nil {
		return m.addAlert(ctx, alert)
	}
	m.added = append(m.added, alert)
	return nil
}

func (m *storageMock) MergeOpenAlert(ctx context.Context, deviceID string, parameter types.Parameter, severity types.Severity, value float64, occurredAt, openedAfter time.Time) (types.Alert, error) {
	if m.mergeOpenAlert != nil {
		return m.mergeOpenAlert(ctx, deviceID, parameter, severity, value, occurredAt, openedAfter)
	}
	return types.Alert{}, storage.ErrNoRows
}

func (m *storageMock) SupersedeOpenAlert(ctx context.Context, deviceID string, parameter types.Parameter, severity types.Severity, openedBefore time.Time) error {
	m.superseded = append(m.superseded, deviceID)
	return nil
}

func (m *storageMock) GetAlert(ctx context.Context, conditions ...storage.ConditionFunc) (types.Alert, error) {
	if m.getAlert != nil {
		return m.getAlert(ctx, conditions...)
	}
	return types.Alert{}, storage.ErrNoRows
}

func (m *storageMock) QueryAlerts(ctx context.Context, conditions ...storage.ConditionFunc) (types.Collection[types.Alert], error) {
	if m.queryAlerts != nil {
		return m.queryAlerts(ctx, conditions...)
	}
	return types.Collection[types.Alert]{}, nil
}

func (m *storageMock) AcknowledgeAlert(ctx context.Context, alertID, by string, at time.Time) (types.Alert, error) {
	if m.acknowledgeAlert != nil {
		return m.acknowledgeAlert(ctx, alertID, by, at)
	}
	return types.Alert{ID: alertID}, nil
}

func (m *storageMock) ResolveAlert(ctx context.Context, alertID, by, notes string, at time.Time) (types.Alert, error) {
	if m.resolveAlert != nil {
		return m.resolveAlert(ctx, alertID, by, notes, at)
	}
	return types.Alert{ID: alertID}, nil
}

func (m *storageMock) MarkAlertEmailSent(ctx context.Context, alertID string) error {
	m.emailSent = append(m.emailSent, alertID)
	return nil
}

func (m *storageMock) CountAlerts(ctx context.Context, conditions ...storage.ConditionFunc) (types.AlertStats, error) {
	return types.AlertStats{}, nil
}

func (m *storageMock) SoftDeleteAlert(ctx context.Context, alertID string, deletedOn, purgeAfter time.Time) error {
	return nil
}

type eventsMock struct {
	published []string
}

func (m *eventsMock) Server() *sse.Server { return nil }
func (m *eventsMock) Shutdown()           {}

func (m *eventsMock) Publish(event string, data any) error {
	m.published = append(m.published, event)
	return nil
}

func (m *eventsMock) PublishReading(reading types.Reading) error {
	return m.Publish("sensor:data", reading)
}

func (m *eventsMock) PublishAlert(event string, alert types.Alert) error {
	return m.Publish(event, alert)
}

func (m *eventsMock) PublishDeviceStatus(deviceID, status string) error {
	return m.Publish("device:status", status)
}

func (m *eventsMock) PublishDevice(device types.Device) error {
	return m.Publish("device:new", device)
}

type notifierMock struct {
	fail     bool
	notified []types.Alert
}

func (m *notifierMock) Notify(ctx context.Context, alert types.Alert) error {
	if m.fail {
		return context.DeadlineExceeded
	}
	m.notified = append(m.notified, alert)
	return nil
}

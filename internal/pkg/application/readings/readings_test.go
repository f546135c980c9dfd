package readings

import (
	"context"
	"errors"
	"testing"
	"time"

	sse "github.com/alexandrevicenzi/go-sse"
	"github.com/aquawatch/water-quality-mgmt/internal/pkg/infrastructure/storage"
	"github.com/aquawatch/water-quality-mgmt/pkg/types"
	"github.com/matryer/is"
)

func TestIngestPersistsAndPublishes(t *testing.T) {
	is := is.New(t)

	store := newStorageMock()
	events := &eventsMock{}
	svc := New(store, events)

	ph := 7.2
	ts := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC).UnixMilli()

	reading, err := svc.Ingest(context.Background(), "sensor-01", types.SensorPayload{
		PH:        &ph,
		Timestamp: &ts,
	})
	is.NoErr(err)
	is.Equal(reading.DeviceID, "sensor-01")
	is.Equal(*reading.PH, 7.2)
	is.True(reading.PHValid)
	is.True(!reading.TurbidityValid)
	is.Equal(reading.Timestamp, time.UnixMilli(ts).UTC())

	is.Equal(len(store.added), 1)
	is.Equal(store.retention, ReadingRetention)
	is.Equal(events.readings, 1)
}

func TestIngestRejectsEmptyPayload(t *testing.T) {
	is := is.New(t)

	svc := New(newStorageMock(), &eventsMock{})

	_, err := svc.Ingest(context.Background(), "sensor-01", types.SensorPayload{})
	is.True(errors.Is(err, ErrValidation))
}

func TestIngestRejectsFlagWithoutValue(t *testing.T) {
	is := is.New(t)

	svc := New(newStorageMock(), &eventsMock{})

	flag := true
	ph := 7.0

	_, err := svc.Ingest(context.Background(), "sensor-01", types.SensorPayload{
		PH:             &ph,
		TurbidityValid: &flag,
	})
	is.True(errors.Is(err, ErrValidation))
}

func TestIngestRequiresKnownDevice(t *testing.T) {
	is := is.New(t)

	store := newStorageMock()
	store.getDevice = func(ctx context.Context, conditions ...storage.ConditionFunc) (types.Device, error) {
		return types.Device{}, storage.ErrNoRows
	}

	svc := New(store, &eventsMock{})

	ph := 7.2
	_, err := svc.Ingest(context.Background(), "ghost", types.SensorPayload{PH: &ph})
	is.True(errors.Is(err, ErrUnknownDevice))
	is.Equal(len(store.added), 0)
}

func TestExplicitInvalidFlagIsKept(t *testing.T) {
	is := is.New(t)

	store := newStorageMock()
	svc := New(store, &eventsMock{})

	invalid := false
	ph := 14.7

	reading, err := svc.Ingest(context.Background(), "sensor-01", types.SensorPayload{
		PH:      &ph,
		PHValid: &invalid,
	})
	is.NoErr(err)
	is.True(!reading.PHValid)
	is.Equal(*reading.PH, 14.7)
}

func TestBulkIngestDropsInvalidRows(t *testing.T) {
	is := is.New(t)

	store := newStorageMock()
	svc := New(store, &eventsMock{})

	ph := 7.0

	accepted, err := svc.IngestBulk(context.Background(), []types.Reading{
		{DeviceID: "sensor-01", PH: &ph, PHValid: true},
		{DeviceID: "", PH: &ph},
		{DeviceID: "sensor-02"},
	})
	is.NoErr(err)
	is.Equal(accepted, 1)
	is.Equal(len(store.bulk), 1)
}

func TestBulkIngestAllInvalidIsValidationError(t *testing.T) {
	is := is.New(t)

	svc := New(newStorageMock(), &eventsMock{})

	_, err := svc.IngestBulk(context.Background(), []types.Reading{{DeviceID: ""}})
	is.True(errors.Is(err, ErrValidation))
}

func TestStatisticsDefaultsToTrailingDay(t *testing.T) {
	is := is.New(t)

	store := newStorageMock()
	svc := New(store, &eventsMock{})

	_, err := svc.Statistics(context.Background(), "sensor-01", time.Time{}, time.Time{})
	is.NoErr(err)

	window := store.statsCondition.End.Sub(store.statsCondition.Start)
	is.Equal(window, DefaultStatisticsWindow)
}

func TestStatisticsKeepsExplicitRange(t *testing.T) {
	is := is.New(t)

	store := newStorageMock()
	svc := New(store, &eventsMock{})

	start := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 7, 8, 0, 0, 0, 0, time.UTC)

	_, err := svc.Statistics(context.Background(), "", start, end)
	is.NoErr(err)
	is.Equal(store.statsCondition.Start, start)
	is.Equal(store.statsCondition.End, end)
}

func TestAggregateRequiresExplicitRange(t *testing.T) {
	is := is.New(t)

	svc := New(newStorageMock(), &eventsMock{})

	_, err := svc.Aggregate(context.Background(), "sensor-01", time.Time{}, time.Now(), types.GranularityHour)
	is.True(errors.Is(err, ErrValidation))

	end := time.Now().UTC()
	_, err = svc.Aggregate(context.Background(), "sensor-01", end, end.Add(-time.Hour), types.GranularityHour)
	is.True(errors.Is(err, ErrValidation))
}

func TestAggregateRejectsUnknownGranularity(t *testing.T) {
	is := is.New(t)

	svc := New(newStorageMock(), &eventsMock{})

	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	// an unchecked bucket size would reach date_trunc and surface as a
	// database error instead of a validation failure
	_, err := svc.Aggregate(context.Background(), "sensor-01", start, end, types.Granularity("fortnight"))
	is.True(errors.Is(err, ErrValidation))
}

func TestQueryAcceptsCamelCasedFilterNames(t *testing.T) {
	is := is.New(t)

	store := newStorageMock()
	svc := New(store, &eventsMock{})

	_, err := svc.Query(context.Background(), map[string][]string{
		"deviceId":  {"sensor-01"},
		"startDate": {"2026-08-01T00:00:00Z"},
		"endDate":   {"2026-08-24T00:00:00Z"},
	})
	is.NoErr(err)

	is.Equal(store.queryCondition.DeviceID, "sensor-01")
	is.Equal(store.queryCondition.Start, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	is.Equal(store.queryCondition.End, time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC))
}

func TestQueryTranslatesChannelRangeParams(t *testing.T) {
	is := is.New(t)

	store := newStorageMock()
	svc := New(store, &eventsMock{})

	_, err := svc.Query(context.Background(), map[string][]string{
		"device_id": {"sensor-01"},
		"ph_min":    {"6.5"},
		"ph_max":    {"8.5"},
	})
	is.NoErr(err)

	is.Equal(store.queryCondition.DeviceID, "sensor-01")
	is.Equal(store.queryCondition.ValueMin["ph"], 6.5)
	is.Equal(store.queryCondition.ValueMax["ph"], 8.5)
}

type storageMock struct {
	added     []types.Reading
	bulk      []types.Reading
	retention time.Duration

	statsCondition storage.Condition
	queryCondition storage.Condition

	getDevice func(ctx context.Context, conditions ...storage.ConditionFunc) (types.Device, error)
}

func newStorageMock() *storageMock {
	return &storageMock{}
}

func (m *storageMock) AddReading(ctx context.Context, reading types.Reading, retention time.Duration) error {
	m.added = append(m.added, reading)
	m.retention = retention
	return nil
}

func (m *storageMock) AddReadings(ctx context.Context, readings []types.Reading, retention time.Duration) (int, error) {
	m.bulk = append(m.bulk, readings...)
	m.retention = retention
	return len(readings), nil
}

func (m *storageMock) GetLatestReading(ctx context.Context, deviceID string) (types.Reading, error) {
	return types.Reading{}, storage.ErrNoRows
}

func (m *storageMock) QueryReadings(ctx context.Context, conditions ...storage.ConditionFunc) (types.Collection[types.Reading], error) {
	m.queryCondition = collect(conditions)
	return types.Collection[types.Reading]{}, nil
}

func (m *storageMock) ReadingStatistics(ctx context.Context, conditions ...storage.ConditionFunc) (types.ReadingStats, error) {
	m.statsCondition = collect(conditions)
	return types.ReadingStats{}, nil
}

func (m *storageMock) AggregateReadings(ctx context.Context, deviceID string, start, end time.Time, granularity types.Granularity) ([]types.ReadingBucket, error) {
	return nil, nil
}

func (m *storageMock) DeleteReadingsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (m *storageMock) GetDevice(ctx context.Context, conditions ...storage.ConditionFunc) (types.Device, error) {
	if m.getDevice != nil {
		return m.getDevice(ctx, conditions...)
	}
	return types.Device{DeviceID: "sensor-01"}, nil
}

func collect(conditions []storage.ConditionFunc) storage.Condition {
	c := storage.Condition{}
	for _, apply := range conditions {
		apply(&c)
	}
	return c
}

type eventsMock struct {
	readings int
}

func (m *eventsMock) Server() *sse.Server { return nil }
func (m *eventsMock) Shutdown()           {}

func (m *eventsMock) Publish(event string, data any) error { return nil }

func (m *eventsMock) PublishReading(reading types.Reading) error {
	m.readings++
	return nil
}

func (m *eventsMock) PublishAlert(event string, alert types.Alert) error       { return nil }
func (m *eventsMock) PublishDeviceStatus(deviceID, status string) error        { return nil }
func (m *eventsMock) PublishDevice(device types.Device) error                  { return nil }

package devicemanagement

import (
	"context"
	"errors"
	"testing"
	"time"

	sse "github.com/alexandrevicenzi/go-sse"
	"github.com/aquawatch/water-quality-mgmt/internal/pkg/infrastructure/storage"
	"github.com/aquawatch/water-quality-mgmt/pkg/types"
	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/matryer/is"
)

func TestRegisterForcesPendingAndOffline(t *testing.T) {
	is := is.New(t)

	store := newStorageMock()
	svc := New(store, &publisherMock{}, &eventsMock{})

	_, err := svc.Register(context.Background(), types.Device{
		DeviceID:           "sensor-01",
		Status:             types.DeviceOnline,
		RegistrationStatus: types.RegistrationRegistered,
		IsRegistered:       true,
	})
	is.NoErr(err)

	added := store.devices["sensor-01"]
	is.Equal(added.Status, types.DeviceOffline)
	is.Equal(added.RegistrationStatus, types.RegistrationPending)
	is.True(!added.IsRegistered)
}

func TestRegisterDuplicateIsConflict(t *testing.T) {
	is := is.New(t)

	store := newStorageMock()
	store.addDevice = func(ctx context.Context, device types.Device) error {
		return storage.ErrAlreadyExist
	}

	svc := New(store, &publisherMock{}, &eventsMock{})

	_, err := svc.Register(context.Background(), types.Device{DeviceID: "sensor-01"})
	is.True(errors.Is(err, ErrDeviceAlreadyExist))
}

func TestRegisterPurgesStaleTombstone(t *testing.T) {
	is := is.New(t)

	store := newStorageMock()
	svc := New(store, &publisherMock{}, &eventsMock{})

	// a leftover tombstone from an earlier life of the id must not linger
	// once the id is successfully reused
	_, err := svc.Register(context.Background(), types.Device{DeviceID: "sensor-01"})
	is.NoErr(err)
	is.Equal(store.tombstonePurges, []string{"sensor-01"})
}

func TestQueryAcceptsCamelCasedFilterNames(t *testing.T) {
	is := is.New(t)

	var collected storage.Condition
	store := newStorageMock()
	store.queryDevices = func(ctx context.Context, conditions ...storage.ConditionFunc) (types.Collection[types.Device], error) {
		for _, condition := range conditions {
			condition(&collected)
		}
		return types.Collection[types.Device]{}, nil
	}

	svc := New(store, &publisherMock{}, &eventsMock{})

	_, err := svc.Query(context.Background(), map[string][]string{
		"registrationStatus": {types.RegistrationPending},
		"isRegistered":       {"false"},
	})
	is.NoErr(err)

	is.Equal(collected.RegistrationStatus, types.RegistrationPending)
	is.True(collected.Registered != nil)
	is.True(!*collected.Registered)
}

func TestApproveSendsGoCommand(t *testing.T) {
	is := is.New(t)

	store := newStorageMock()
	store.devices["sensor-01"] = types.Device{
		DeviceID:           "sensor-01",
		RegistrationStatus: types.RegistrationRegistered,
		IsRegistered:       true,
	}
	store.approveDevice = func(ctx context.Context, deviceID string, at time.Time) (int64, error) {
		return 1, nil
	}

	publisher := &publisherMock{}
	svc := New(store, publisher, &eventsMock{})

	_, err := svc.Approve(context.Background(), "sensor-01")
	is.NoErr(err)

	is.Equal(len(publisher.messages), 1)
	cmd, ok := publisher.messages[0].(*types.CommandMessage)
	is.True(ok)
	is.Equal(cmd.Command, "go")
	is.Equal(cmd.TopicName(), "device.command.sensor-01")
}

func TestApproveNonPendingIsConflict(t *testing.T) {
	is := is.New(t)

	store := newStorageMock()
	store.devices["sensor-01"] = types.Device{DeviceID: "sensor-01", IsRegistered: true}
	store.approveDevice = func(ctx context.Context, deviceID string, at time.Time) (int64, error) {
		return 0, nil
	}

	svc := New(store, &publisherMock{}, &eventsMock{})

	_, err := svc.Approve(context.Background(), "sensor-01")
	is.True(errors.Is(err, ErrDeviceNotPending))
}

func TestApproveUnknownDeviceIsNotFound(t *testing.T) {
	is := is.New(t)

	store := newStorageMock()
	store.approveDevice = func(ctx context.Context, deviceID string, at time.Time) (int64, error) {
		return 0, nil
	}

	svc := New(store, &publisherMock{}, &eventsMock{})

	_, err := svc.Approve(context.Background(), "nosuchdevice")
	is.True(errors.Is(err, ErrDeviceNotFound))
}

func TestAutoRegisterIgnoresTombstonedDevice(t *testing.T) {
	is := is.New(t)

	deletedAt := time.Now().UTC().Add(-time.Hour)

	store := newStorageMock()
	store.getDevice = func(ctx context.Context, conditions ...storage.ConditionFunc) (types.Device, error) {
		return types.Device{
			DeviceID:  "sensor-01",
			Tombstone: types.Tombstone{IsDeleted: true, DeletedAt: &deletedAt},
		}, nil
	}

	svc := New(store, &publisherMock{}, &eventsMock{})

	_, err := svc.AutoRegister(context.Background(), types.RegistrationPayload{DeviceID: "sensor-01"})
	is.True(errors.Is(err, ErrDeviceDeleted))
}

func TestHeartbeatAnnouncesOfflineToOnlineTransition(t *testing.T) {
	is := is.New(t)

	store := newStorageMock()
	store.devices["sensor-01"] = types.Device{DeviceID: "sensor-01", Status: types.DeviceOffline}

	events := &eventsMock{}
	svc := New(store, &publisherMock{}, events)

	err := svc.Heartbeat(context.Background(), "sensor-01", time.Now().UTC())
	is.NoErr(err)
	is.Equal(events.statuses, []string{types.DeviceOnline})

	// a second heartbeat while online stays quiet
	store.devices["sensor-01"] = types.Device{DeviceID: "sensor-01", Status: types.DeviceOnline}
	err = svc.Heartbeat(context.Background(), "sensor-01", time.Now().UTC())
	is.NoErr(err)
	is.Equal(len(events.statuses), 1)
}

func TestObserveTouchesLastSeenOnly(t *testing.T) {
	is := is.New(t)

	store := newStorageMock()
	events := &eventsMock{}
	svc := New(store, &publisherMock{}, events)

	err := svc.Observe(context.Background(), "sensor-01", time.Now().UTC())
	is.NoErr(err)
	is.Equal(len(store.lastSeen), 1)
	is.Equal(len(store.heartbeats), 0)
	is.Equal(len(events.statuses), 0)
}

func TestSendCommandRequiresOnlineRegisteredDevice(t *testing.T) {
	is := is.New(t)

	store := newStorageMock()
	publisher := &publisherMock{}
	svc := New(store, publisher, &eventsMock{})

	err := svc.SendCommand(context.Background(), "nosuchdevice", "reboot", nil)
	is.True(errors.Is(err, ErrDeviceNotFound))

	store.devices["sensor-01"] = types.Device{DeviceID: "sensor-01", Status: types.DeviceOnline}
	err = svc.SendCommand(context.Background(), "sensor-01", "reboot", nil)
	is.True(errors.Is(err, ErrDeviceNotRegistered))

	store.devices["sensor-01"] = types.Device{DeviceID: "sensor-01", IsRegistered: true, Status: types.DeviceOffline}
	err = svc.SendCommand(context.Background(), "sensor-01", "reboot", nil)
	is.True(errors.Is(err, ErrDeviceOffline))

	store.devices["sensor-01"] = types.Device{DeviceID: "sensor-01", IsRegistered: true, Status: types.DeviceOnline}
	err = svc.SendCommand(context.Background(), "sensor-01", "reboot", nil)
	is.NoErr(err)
	is.Equal(len(publisher.messages), 1)
}

func TestDeleteCascadesWithSharedMarkers(t *testing.T) {
	is := is.New(t)

	store := newStorageMock()
	store.devices["sensor-01"] = types.Device{DeviceID: "sensor-01"}

	svc := New(store, &publisherMock{}, &eventsMock{})

	err := svc.Delete(context.Background(), "sensor-01")
	is.NoErr(err)

	is.Equal(len(store.tombstonedReadings), 1)
	is.Equal(len(store.tombstonedAlerts), 1)
	is.Equal(store.tombstonedReadings[0], store.softDeletes[0])
	is.Equal(store.tombstonedAlerts[0], store.softDeletes[0])
}

func TestDeleteRerunReusesOriginalMarkers(t *testing.T) {
	is := is.New(t)

	deletedOn := time.Now().UTC().Add(-2 * time.Hour)
	purgeAfter := deletedOn.Add(TombstoneRetention)

	store := newStorageMock()
	store.softDeleteDevice = func(ctx context.Context, deviceID string, d, p time.Time) error {
		return storage.ErrNoRows
	}
	store.getDevice = func(ctx context.Context, conditions ...storage.ConditionFunc) (types.Device, error) {
		return types.Device{
			DeviceID: "sensor-01",
			Tombstone: types.Tombstone{
				IsDeleted:                    true,
				DeletedAt:                    &deletedOn,
				ScheduledPermanentDeletionAt: &purgeAfter,
			},
		}, nil
	}

	svc := New(store, &publisherMock{}, &eventsMock{})

	err := svc.Delete(context.Background(), "sensor-01")
	is.True(errors.Is(err, ErrDeviceAlreadyDeleted))

	// the cascade is re-applied with the tombstone's own markers before
	// the conflict is reported
	is.Equal(store.tombstonedReadings[0].deletedOn, deletedOn)
	is.Equal(store.tombstonedReadings[0].purgeAfter, purgeAfter)
}

func TestDeleteUnknownDeviceIsNotFound(t *testing.T) {
	is := is.New(t)

	store := newStorageMock()
	store.softDeleteDevice = func(ctx context.Context, deviceID string, d, p time.Time) error {
		return storage.ErrNoRows
	}
	store.getDevice = func(ctx context.Context, conditions ...storage.ConditionFunc) (types.Device, error) {
		return types.Device{}, storage.ErrNoRows
	}

	svc := New(store, &publisherMock{}, &eventsMock{})

	err := svc.Delete(context.Background(), "nosuchdevice")
	is.True(errors.Is(err, ErrDeviceNotFound))
}

func TestRecoverRestoresChildren(t *testing.T) {
	is := is.New(t)

	store := newStorageMock()
	store.devices["sensor-01"] = types.Device{DeviceID: "sensor-01"}

	publisher := &publisherMock{}
	svc := New(store, publisher, &eventsMock{})

	_, err := svc.Recover(context.Background(), "sensor-01")
	is.NoErr(err)

	is.Equal(store.restoredReadings, []string{"sensor-01"})
	is.Equal(store.restoredAlerts, []string{"sensor-01"})
	is.Equal(len(publisher.messages), 1)
}

func TestRecoverScopesAlertRestoreToCascadeMarker(t *testing.T) {
	is := is.New(t)

	deletedOn := time.Now().UTC().Add(-2 * time.Hour)

	store := newStorageMock()
	store.getDevice = func(ctx context.Context, conditions ...storage.ConditionFunc) (types.Device, error) {
		return types.Device{
			DeviceID:  "sensor-01",
			Tombstone: types.Tombstone{IsDeleted: true, DeletedAt: &deletedOn},
		}, nil
	}

	svc := New(store, &publisherMock{}, &eventsMock{})

	_, err := svc.Recover(context.Background(), "sensor-01")
	is.NoErr(err)

	// only alerts tombstoned by the device's own cascade come back;
	// individually deleted alerts carry a different marker and stay put
	is.Equal(store.restoredAlerts, []string{"sensor-01"})
	is.Equal(store.alertRestoreMarks, []time.Time{deletedOn})
}

func TestRecoverAfterPurgeWindowIsForbidden(t *testing.T) {
	is := is.New(t)

	store := newStorageMock()
	store.recoverDevice = func(ctx context.Context, deviceID string, now time.Time) error {
		return storage.ErrNoRows
	}
	store.getDevice = func(ctx context.Context, conditions ...storage.ConditionFunc) (types.Device, error) {
		return types.Device{DeviceID: "sensor-01"}, nil
	}

	svc := New(store, &publisherMock{}, &eventsMock{})

	_, err := svc.Recover(context.Background(), "sensor-01")
	is.True(errors.Is(err, ErrRecoveryExpired))
}

func TestPatchMergesKnownFields(t *testing.T) {
	is := is.New(t)

	store := newStorageMock()
	store.devices["sensor-01"] = types.Device{DeviceID: "sensor-01", Name: "old name"}

	svc := New(store, &publisherMock{}, &eventsMock{})

	_, err := svc.Patch(context.Background(), "sensor-01", map[string]any{
		"name": "intake basin",
		"location": map[string]any{
			"building": "plant 2",
		},
		"unknownField": 42,
	})
	is.NoErr(err)

	updated := store.devices["sensor-01"]
	is.Equal(updated.Name, "intake basin")
	is.Equal(updated.Location.Building, "plant 2")
}

type tombstoneCall struct {
	deletedOn  time.Time
	purgeAfter time.Time
}

type storageMock struct {
	devices    map[string]types.Device
	heartbeats []time.Time
	lastSeen   []time.Time

	softDeletes        []tombstoneCall
	tombstonedReadings []tombstoneCall
	tombstonedAlerts   []tombstoneCall
	restoredReadings   []string
	restoredAlerts     []string
	alertRestoreMarks  []time.Time
	tombstonePurges    []string

	addDevice        func(ctx context.Context, device types.Device) error
	getDevice        func(ctx context.Context, conditions ...storage.ConditionFunc) (types.Device, error)
	queryDevices     func(ctx context.Context, conditions ...storage.ConditionFunc) (types.Collection[types.Device], error)
	approveDevice    func(ctx context.Context, deviceID string, at time.Time) (int64, error)
	softDeleteDevice func(ctx context.Context, deviceID string, deletedOn, purgeAfter time.Time) error
	recoverDevice    func(ctx context.Context, deviceID string, now time.Time) error
}

func newStorageMock() *storageMock {
	return &storageMock{devices: map[string]types.Device{}}
}

func (m *storageMock) AddDevice(ctx context.Context, device types.Device) error {
	if m.addDevice != nil {
		return m.addDevice(ctx, device)
	}
	m.devices[device.DeviceID] = device
	return nil
}

func (m *storageMock) UpsertDevice(ctx context.Context, device types.Device) error {
	m.devices[device.DeviceID] = device
	return nil
}

func (m *storageMock) UpdateDeviceData(ctx context.Context, deviceID string, device types.Device) error {
	m.devices[deviceID] = device
	return nil
}

func (m *storageMock) GetDevice(ctx context.Context, conditions ...storage.ConditionFunc) (types.Device, error) {
	if m.getDevice != nil {
		return m.getDevice(ctx, conditions...)
	}

	condition := storage.Condition{}
	for _, apply := range conditions {
		apply(&condition)
	}

	device, found := m.devices[condition.DeviceID]
	if !found {
		return types.Device{}, storage.ErrNoRows
	}
	return device, nil
}

func (m *storageMock) QueryDevices(ctx context.Context, conditions ...storage.ConditionFunc) (types.Collection[types.Device], error) {
	if m.queryDevices != nil {
		return m.queryDevices(ctx, conditions...)
	}
	return types.Collection[types.Device]{}, nil
}

func (m *storageMock) SetDeviceStatus(ctx context.Context, deviceID, status string) error {
	device, found := m.devices[deviceID]
	if !found {
		return storage.ErrNoRows
	}
	device.Status = status
	m.devices[deviceID] = device
	return nil
}

func (m *storageMock) UpdateHeartbeat(ctx context.Context, deviceID string, seenAt time.Time) error {
	m.heartbeats = append(m.heartbeats, seenAt)
	return nil
}

func (m *storageMock) UpdateLastSeen(ctx context.Context, deviceID string, seenAt time.Time) error {
	m.lastSeen = append(m.lastSeen, seenAt)
	return nil
}

func (m *storageMock) ApproveDevice(ctx context.Context, deviceID string, registeredAt time.Time) (int64, error) {
	if m.approveDevice != nil {
		return m.approveDevice(ctx, deviceID, registeredAt)
	}
	return 1, nil
}

func (m *storageMock) SweepOffline(ctx context.Context, cutoff time.Time) ([]string, error) {
	return nil, nil
}

func (m *storageMock) SoftDeleteDevice(ctx context.Context, deviceID string, deletedOn, purgeAfter time.Time) error {
	if m.softDeleteDevice != nil {
		err := m.softDeleteDevice(ctx, deviceID, deletedOn, purgeAfter)
		if err != nil {
			return err
		}
	}
	m.softDeletes = append(m.softDeletes, tombstoneCall{deletedOn, purgeAfter})
	return nil
}

func (m *storageMock) RecoverDevice(ctx context.Context, deviceID string, now time.Time) error {
	if m.recoverDevice != nil {
		return m.recoverDevice(ctx, deviceID, now)
	}
	return nil
}

func (m *storageMock) CountDevices(ctx context.Context) (types.DeviceStats, error) {
	return types.DeviceStats{}, nil
}

func (m *storageMock) GetLatestReading(ctx context.Context, deviceID string) (types.Reading, error) {
	return types.Reading{}, storage.ErrNoRows
}

func (m *storageMock) TombstoneReadings(ctx context.Context, deviceID string, deletedOn, purgeAfter time.Time) error {
	m.tombstonedReadings = append(m.tombstonedReadings, tombstoneCall{deletedOn, purgeAfter})
	return nil
}

func (m *storageMock) RestoreReadings(ctx context.Context, deviceID string) error {
	m.restoredReadings = append(m.restoredReadings, deviceID)
	return nil
}

func (m *storageMock) TombstoneAlerts(ctx context.Context, deviceID string, deletedOn, purgeAfter time.Time) error {
	m.tombstonedAlerts = append(m.tombstonedAlerts, tombstoneCall{deletedOn, purgeAfter})
	return nil
}

func (m *storageMock) RestoreAlerts(ctx context.Context, deviceID string, deletedOn time.Time) error {
	m.restoredAlerts = append(m.restoredAlerts, deviceID)
	m.alertRestoreMarks = append(m.alertRestoreMarks, deletedOn)
	return nil
}

func (m *storageMock) DeleteDeviceTombstone(ctx context.Context, deviceID string) error {
	m.tombstonePurges = append(m.tombstonePurges, deviceID)
	return nil
}

type publisherMock struct {
	messages []messaging.TopicMessage
	fail     bool
}

func (m *publisherMock) PublishOnTopic(ctx context.Context, message messaging.TopicMessage) error {
	if m.fail {
		return errors.New("broker unavailable")
	}
	m.messages = append(m.messages, message)
	return nil
}

type eventsMock struct {
	published []string
	statuses  []string
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
	m.statuses = append(m.statuses, status)
	return m.Publish("device:status", status)
}

func (m *eventsMock) PublishDevice(device types.Device) error {
	return m.Publish("device:new", device)
}

package devicemanagement

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aquawatch/water-quality-mgmt/internal/pkg/application/webevents"
	"github.com/aquawatch/water-quality-mgmt/internal/pkg/infrastructure/storage"
	"github.com/aquawatch/water-quality-mgmt/pkg/types"
	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
)

var ErrDeviceNotFound = fmt.Errorf("device not found")
var ErrDeviceAlreadyExist = fmt.Errorf("device already exists")
var ErrDeviceNotPending = fmt.Errorf("device is not pending approval")
var ErrDeviceNotRegistered = fmt.Errorf("device is not registered")
var ErrDeviceOffline = fmt.Errorf("device is offline")
var ErrDeviceDeleted = fmt.Errorf("device is deleted")
var ErrDeviceAlreadyDeleted = fmt.Errorf("device is already deleted")
var ErrRecoveryExpired = fmt.Errorf("recovery window has passed")

// TombstoneRetention is how long soft deleted data survives before the
// sweeper removes it permanently.
const TombstoneRetention = 30 * 24 * time.Hour

type DeviceManagement interface {
	Get(ctx context.Context, deviceID string) (types.Device, error)
	Query(ctx context.Context, params map[string][]string) (types.Collection[types.Device], error)
	Stats(ctx context.Context) (types.DeviceStats, error)

	Register(ctx context.Context, device types.Device) (types.Device, error)
	AutoRegister(ctx context.Context, reg types.RegistrationPayload) (types.Device, error)
	Approve(ctx context.Context, deviceID string) (types.Device, error)
	Patch(ctx context.Context, deviceID string, fields map[string]any) (types.Device, error)

	SetStatus(ctx context.Context, deviceID, status string, seenAt time.Time) error
	Heartbeat(ctx context.Context, deviceID string, seenAt time.Time) error
	Observe(ctx context.Context, deviceID string, seenAt time.Time) error
	SweepOffline(ctx context.Context, timeout time.Duration) ([]string, error)

	SendCommand(ctx context.Context, deviceID, command string, payload any) error
	RequestDiscovery(ctx context.Context) error

	Delete(ctx context.Context, deviceID string) error
	Recover(ctx context.Context, deviceID string) (types.Device, error)
}

type DeviceStorage interface {
	AddDevice(ctx context.Context, device types.Device) error
	UpsertDevice(ctx context.Context, device types.Device) error
	UpdateDeviceData(ctx context.Context, deviceID string, device types.Device) error
	GetDevice(ctx context.Context, conditions ...storage.ConditionFunc) (types.Device, error)
	QueryDevices(ctx context.Context, conditions ...storage.ConditionFunc) (types.Collection[types.Device], error)
	SetDeviceStatus(ctx context.Context, deviceID, status string) error
	UpdateHeartbeat(ctx context.Context, deviceID string, seenAt time.Time) error
	UpdateLastSeen(ctx context.Context, deviceID string, seenAt time.Time) error
	ApproveDevice(ctx context.Context, deviceID string, registeredAt time.Time) (int64, error)
	SweepOffline(ctx context.Context, cutoff time.Time) ([]string, error)
	SoftDeleteDevice(ctx context.Context, deviceID string, deletedOn, purgeAfter time.Time) error
	RecoverDevice(ctx context.Context, deviceID string, now time.Time) error
	DeleteDeviceTombstone(ctx context.Context, deviceID string) error
	CountDevices(ctx context.Context) (types.DeviceStats, error)

	GetLatestReading(ctx context.Context, deviceID string) (types.Reading, error)
	TombstoneReadings(ctx context.Context, deviceID string, deletedOn, purgeAfter time.Time) error
	RestoreReadings(ctx context.Context, deviceID string) error
	TombstoneAlerts(ctx context.Context, deviceID string, deletedOn, purgeAfter time.Time) error
	RestoreAlerts(ctx context.Context, deviceID string, deletedOn time.Time) error
}

// CommandPublisher is the outbound half of the broker bridge. Command
// publishing goes through it so the circuit breaker applies.
type CommandPublisher interface {
	PublishOnTopic(ctx context.Context, message messaging.TopicMessage) error
}

type service struct {
	storage   DeviceStorage
	messenger CommandPublisher
	events    webevents.WebEvents
}

func New(s DeviceStorage, messenger CommandPublisher, events webevents.WebEvents) DeviceManagement {
	return &service{
		storage:   s,
		messenger: messenger,
		events:    events,
	}
}

func (s *service) Get(ctx context.Context, deviceID string) (types.Device, error) {
	device, err := s.storage.GetDevice(ctx, storage.WithDeviceID(deviceID))
	if err != nil {
		if errors.Is(err, storage.ErrNoRows) {
			return types.Device{}, ErrDeviceNotFound
		}
		return types.Device{}, err
	}

	s.enrich(ctx, &device)

	return device, nil
}

func (s *service) enrich(ctx context.Context, device *types.Device) {
	latest, err := s.storage.GetLatestReading(ctx, device.DeviceID)
	if err == nil {
		device.LatestReading = &latest
	}
}

func (s *service) Query(ctx context.Context, params map[string][]string) (types.Collection[types.Device], error) {
	conditions := make([]storage.ConditionFunc, 0)

	for k, v := range params {
		// lowercasing folds the api's camelCase filter names onto the
		// concatenated spellings
		switch strings.ToLower(k) {
		case "device_id", "deviceid":
			conditions = append(conditions, storage.WithDeviceID(v[0]))
		case "status":
			conditions = append(conditions, storage.WithStatus(v[0]))
		case "registration_status", "registrationstatus":
			conditions = append(conditions, storage.WithRegistrationStatus(v[0]))
		case "registered", "isregistered":
			registered, _ := strconv.ParseBool(v[0])
			conditions = append(conditions, storage.WithRegistered(registered))
		case "search":
			conditions = append(conditions, storage.WithSearch(v[0]))
		case "deleted":
			deleted, _ := strconv.ParseBool(v[0])
			if deleted {
				conditions = append(conditions, storage.WithOnlyDeleted())
			}
		case "limit":
			limit, _ := strconv.Atoi(v[0])
			conditions = append(conditions, storage.WithLimit(limit))
		case "offset":
			offset, _ := strconv.Atoi(v[0])
			conditions = append(conditions, storage.WithOffset(offset))
		case "sortby":
			conditions = append(conditions, storage.WithSortBy(v[0]))
		case "sortorder":
			conditions = append(conditions, storage.WithSortDesc(strings.EqualFold(v[0], "desc")))
		}
	}

	collection, err := s.storage.QueryDevices(ctx, conditions...)
	if err != nil {
		return types.Collection[types.Device]{}, err
	}

	for i := range collection.Data {
		s.enrich(ctx, &collection.Data[i])
	}

	return collection, nil
}

func (s *service) Stats(ctx context.Context) (types.DeviceStats, error) {
	return s.storage.CountDevices(ctx)
}

// Register creates a device through the API. It starts out pending and
// offline regardless of what the caller sent.
func (s *service) Register(ctx context.Context, device types.Device) (types.Device, error) {
	if device.DeviceID == "" {
		return types.Device{}, fmt.Errorf("no deviceID set on device")
	}

	device.Status = types.DeviceOffline
	device.RegistrationStatus = types.RegistrationPending
	device.IsRegistered = false
	device.RegisteredAt = nil
	device.Tombstone = types.Tombstone{}

	err := s.storage.AddDevice(ctx, device)
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyExist) {
			return types.Device{}, ErrDeviceAlreadyExist
		}
		return types.Device{}, err
	}

	// a tombstone left from an earlier life of this id would collide with
	// the new row's own soft delete, so it is purged once the id is reused
	err = s.storage.DeleteDeviceTombstone(ctx, device.DeviceID)
	if err != nil {
		return types.Device{}, err
	}

	s.events.PublishDevice(device)

	return s.Get(ctx, device.DeviceID)
}

// AutoRegister handles an announcement from the device itself. A new device
// is created pending; a known device only gets its metadata and presence
// refreshed, so an operator decision is never overwritten.
func (s *service) AutoRegister(ctx context.Context, reg types.RegistrationPayload) (types.Device, error) {
	log := logging.GetFromContext(ctx)

	if reg.DeviceID == "" {
		return types.Device{}, fmt.Errorf("no deviceID in registration")
	}

	existing, err := s.storage.GetDevice(ctx, storage.WithDeviceID(reg.DeviceID), storage.WithOnlyDeleted())
	if err == nil && existing.IsDeleted {
		log.Debug("registration from tombstoned device ignored", "device_id", reg.DeviceID)
		return types.Device{}, ErrDeviceDeleted
	}

	device := types.Device{
		DeviceID:           reg.DeviceID,
		Name:               reg.Name,
		Type:               reg.Type,
		FirmwareVersion:    reg.FirmwareVersion,
		MACAddress:         reg.MACAddress,
		IPAddress:          reg.IPAddress,
		Sensors:            reg.Sensors,
		Status:             types.DeviceOnline,
		RegistrationStatus: types.RegistrationPending,
		LastSeen:           time.Now().UTC(),
	}

	err = s.storage.UpsertDevice(ctx, device)
	if err != nil {
		return types.Device{}, err
	}

	registered, err := s.Get(ctx, reg.DeviceID)
	if err != nil {
		return types.Device{}, err
	}

	if !registered.IsRegistered {
		s.events.PublishDevice(registered)
	}

	return registered, nil
}

func (s *service) Approve(ctx context.Context, deviceID string) (types.Device, error) {
	n, err := s.storage.ApproveDevice(ctx, deviceID, time.Now().UTC())
	if err != nil {
		return types.Device{}, err
	}

	if n == 0 {
		_, err := s.storage.GetDevice(ctx, storage.WithDeviceID(deviceID))
		if err != nil {
			return types.Device{}, ErrDeviceNotFound
		}
		return types.Device{}, ErrDeviceNotPending
	}

	device, err := s.Get(ctx, deviceID)
	if err != nil {
		return types.Device{}, err
	}

	// tell the device it may start transmitting
	err = s.messenger.PublishOnTopic(ctx, &types.CommandMessage{
		DeviceID:  deviceID,
		Command:   "go",
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		logging.GetFromContext(ctx).Error("could not publish go command", "device_id", deviceID, "err", err.Error())
	}

	s.events.Publish(webevents.EventDeviceStatus, device)

	return device, nil
}

// Patch merges editable metadata fields into the device document. Lifecycle
// columns are not reachable this way.
func (s *service) Patch(ctx context.Context, deviceID string, fields map[string]any) (types.Device, error) {
	log := logging.GetFromContext(ctx)

	device, err := s.storage.GetDevice(ctx, storage.WithDeviceID(deviceID))
	if err != nil {
		if errors.Is(err, storage.ErrNoRows) {
			return types.Device{}, ErrDeviceNotFound
		}
		return types.Device{}, err
	}

	for k, v := range fields {
		switch k {
		case "name":
			if name, ok := v.(string); ok {
				device.Name = name
			}
		case "type":
			if t, ok := v.(string); ok {
				device.Type = t
			}
		case "firmwareVersion":
			if fw, ok := v.(string); ok {
				device.FirmwareVersion = fw
			}
		case "location":
			if loc, ok := v.(map[string]any); ok {
				if b, ok := loc["building"].(string); ok {
					device.Location.Building = b
				}
				if f, ok := loc["floor"].(string); ok {
					device.Location.Floor = f
				}
				if n, ok := loc["notes"].(string); ok {
					device.Location.Notes = n
				}
			}
		case "sensors":
			if sensors, ok := v.([]any); ok {
				names := make([]string, 0, len(sensors))
				for _, sensor := range sensors {
					if name, ok := sensor.(string); ok {
						names = append(names, name)
					}
				}
				device.Sensors = names
			}
		case "deviceID":
			continue
		default:
			log.Debug("field not mapped for patch", "device_id", deviceID, "name", k)
		}
	}

	err = s.storage.UpdateDeviceData(ctx, deviceID, device)
	if err != nil {
		return types.Device{}, err
	}

	return s.Get(ctx, deviceID)
}

func (s *service) SetStatus(ctx context.Context, deviceID, status string, seenAt time.Time) error {
	if status != types.DeviceOnline && status != types.DeviceOffline {
		return fmt.Errorf("unknown device status %q", status)
	}

	err := s.storage.SetDeviceStatus(ctx, deviceID, status)
	if err != nil {
		if errors.Is(err, storage.ErrNoRows) {
			return ErrDeviceNotFound
		}
		return err
	}

	err = s.storage.UpdateLastSeen(ctx, deviceID, seenAt)
	if err != nil {
		return err
	}

	s.events.PublishDeviceStatus(deviceID, status)

	return nil
}

func (s *service) Heartbeat(ctx context.Context, deviceID string, seenAt time.Time) error {
	device, err := s.storage.GetDevice(ctx, storage.WithDeviceID(deviceID))
	if err != nil {
		if errors.Is(err, storage.ErrNoRows) {
			return ErrDeviceNotFound
		}
		return err
	}

	err = s.storage.UpdateHeartbeat(ctx, deviceID, seenAt)
	if err != nil {
		return err
	}

	if device.Status != types.DeviceOnline {
		s.events.PublishDeviceStatus(deviceID, types.DeviceOnline)
	}

	return nil
}

// Observe refreshes last seen without changing status. Sensor data proves
// the device can transmit, not that it answers heartbeats.
func (s *service) Observe(ctx context.Context, deviceID string, seenAt time.Time) error {
	err := s.storage.UpdateLastSeen(ctx, deviceID, seenAt)
	if err != nil {
		if errors.Is(err, storage.ErrNoRows) {
			return ErrDeviceNotFound
		}
		return err
	}

	return nil
}

func (s *service) SweepOffline(ctx context.Context, timeout time.Duration) ([]string, error) {
	log := logging.GetFromContext(ctx)

	cutoff := time.Now().UTC().Add(-timeout)

	transitioned, err := s.storage.SweepOffline(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	for _, deviceID := range transitioned {
		log.Info("device went offline", "device_id", deviceID)
		s.events.PublishDeviceStatus(deviceID, types.DeviceOffline)
	}

	return transitioned, nil
}

func (s *service) SendCommand(ctx context.Context, deviceID, command string, payload any) error {
	device, err := s.storage.GetDevice(ctx, storage.WithDeviceID(deviceID))
	if err != nil {
		if errors.Is(err, storage.ErrNoRows) {
			return ErrDeviceNotFound
		}
		return err
	}

	if !device.IsRegistered {
		return ErrDeviceNotRegistered
	}

	if device.Status != types.DeviceOnline {
		return ErrDeviceOffline
	}

	return s.messenger.PublishOnTopic(ctx, &types.CommandMessage{
		DeviceID:  device.DeviceID,
		Command:   command,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
}

func (s *service) RequestDiscovery(ctx context.Context) error {
	return s.messenger.PublishOnTopic(ctx, &types.DiscoveryRequest{
		Timestamp: time.Now().UTC(),
	})
}

// Delete tombstones the device together with its readings and alerts. The
// cascade shares one deletion timestamp and purge deadline, and each step
// is idempotent so a partial cascade can be run again. Deleting an already
// deleted device re-applies the cascade for stragglers but reports a
// conflict.
func (s *service) Delete(ctx context.Context, deviceID string) error {
	log := logging.GetFromContext(ctx)

	deletedOn := time.Now().UTC()
	purgeAfter := deletedOn.Add(TombstoneRetention)

	alreadyDeleted := false

	err := s.storage.SoftDeleteDevice(ctx, deviceID, deletedOn, purgeAfter)
	if err != nil {
		if !errors.Is(err, storage.ErrNoRows) {
			return err
		}

		existing, getErr := s.storage.GetDevice(ctx, storage.WithDeviceID(deviceID), storage.WithOnlyDeleted())
		if getErr != nil {
			return ErrDeviceNotFound
		}

		// already tombstoned, rerun the cascade with the original markers
		alreadyDeleted = true
		if existing.DeletedAt != nil {
			deletedOn = *existing.DeletedAt
		}
		if existing.ScheduledPermanentDeletionAt != nil {
			purgeAfter = *existing.ScheduledPermanentDeletionAt
		}
	}

	err = s.storage.TombstoneReadings(ctx, deviceID, deletedOn, purgeAfter)
	if err != nil {
		log.Error("could not tombstone readings", "device_id", deviceID, "err", err.Error())
		return err
	}

	err = s.storage.TombstoneAlerts(ctx, deviceID, deletedOn, purgeAfter)
	if err != nil {
		log.Error("could not tombstone alerts", "device_id", deviceID, "err", err.Error())
		return err
	}

	if alreadyDeleted {
		return ErrDeviceAlreadyDeleted
	}

	err = s.messenger.PublishOnTopic(ctx, &types.CommandMessage{
		DeviceID:  deviceID,
		Command:   "deregister",
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		log.Error("could not publish deregister command", "device_id", deviceID, "err", err.Error())
	}

	s.events.PublishDeviceStatus(deviceID, "deleted")

	return nil
}

// Recover undoes a soft delete while the purge deadline has not passed.
// Only rows the delete cascade tombstoned come back; alerts an operator
// removed individually stay deleted.
func (s *service) Recover(ctx context.Context, deviceID string) (types.Device, error) {
	tombstoned, err := s.storage.GetDevice(ctx, storage.WithDeviceID(deviceID), storage.WithOnlyDeleted())
	if err != nil {
		return types.Device{}, ErrDeviceNotFound
	}

	err = s.storage.RecoverDevice(ctx, deviceID, time.Now().UTC())
	if err != nil {
		if !errors.Is(err, storage.ErrNoRows) {
			return types.Device{}, err
		}
		return types.Device{}, ErrRecoveryExpired
	}

	cascadeMark := time.Time{}
	if tombstoned.DeletedAt != nil {
		cascadeMark = *tombstoned.DeletedAt
	}

	err = s.storage.RestoreReadings(ctx, deviceID)
	if err != nil {
		return types.Device{}, err
	}

	err = s.storage.RestoreAlerts(ctx, deviceID, cascadeMark)
	if err != nil {
		return types.Device{}, err
	}

	device, err := s.Get(ctx, deviceID)
	if err != nil {
		return types.Device{}, err
	}

	err = s.messenger.PublishOnTopic(ctx, &types.CommandMessage{
		DeviceID:  deviceID,
		Command:   "go",
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		logging.GetFromContext(ctx).Error("could not publish go command", "device_id", deviceID, "err", err.Error())
	}

	s.events.PublishDevice(device)

	return device, nil
}

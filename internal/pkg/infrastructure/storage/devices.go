package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aquawatch/water-quality-mgmt/pkg/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func deviceData(device types.Device) string {
	b, _ := json.Marshal(device)

	var m map[string]any
	json.Unmarshal(b, &m)

	delete(m, "deviceID")
	delete(m, "status")
	delete(m, "registrationStatus")
	delete(m, "isRegistered")
	delete(m, "registeredAt")
	delete(m, "lastSeen")
	delete(m, "isDeleted")
	delete(m, "deletedAt")
	delete(m, "scheduledPermanentDeletionAt")
	delete(m, "latestReading")

	b, _ = json.Marshal(m)
	return string(b)
}

func (s *Storage) AddDevice(ctx context.Context, device types.Device) error {
	args := pgx.NamedArgs{
		"device_id":           device.DeviceID,
		"data":                deviceData(device),
		"status":              device.Status,
		"registration_status": device.RegistrationStatus,
		"last_seen":           device.LastSeen.UTC(),
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO devices (device_id, data, status, registration_status, last_seen)
		VALUES (@device_id, @data, @status, @registration_status, @last_seen)
	`, args)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyExist
		}
		return err
	}

	return nil
}

// UpsertDevice inserts the device or refreshes metadata and presence on an
// existing live row. Registration status of an existing row is left alone.
func (s *Storage) UpsertDevice(ctx context.Context, device types.Device) error {
	args := pgx.NamedArgs{
		"device_id":           device.DeviceID,
		"data":                deviceData(device),
		"status":              device.Status,
		"registration_status": device.RegistrationStatus,
		"last_seen":           device.LastSeen.UTC(),
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO devices (device_id, data, status, registration_status, last_seen)
		VALUES (@device_id, @data, @status, @registration_status, @last_seen)
		ON CONFLICT (device_id, deleted) DO UPDATE
		SET data = EXCLUDED.data, status = EXCLUDED.status, last_seen = EXCLUDED.last_seen, modified_on = CURRENT_TIMESTAMP
	`, args)

	return err
}

func (s *Storage) UpdateDeviceData(ctx context.Context, deviceID string, device types.Device) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE devices
		SET data = @data, modified_on = CURRENT_TIMESTAMP
		WHERE device_id = @device_id AND deleted = FALSE
	`, pgx.NamedArgs{
		"device_id": deviceID,
		"data":      deviceData(device),
	})
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNoRows
	}

	return nil
}

func scanDevice(deviceID string, data []byte, status, registrationStatus string, registeredOn *time.Time, lastSeen time.Time, deleted bool, deletedOn, purgeAfter *time.Time) (types.Device, error) {
	var device types.Device
	err := json.Unmarshal(data, &device)
	if err != nil {
		return types.Device{}, err
	}

	device.DeviceID = deviceID
	device.Status = status
	device.RegistrationStatus = registrationStatus
	device.IsRegistered = registrationStatus == types.RegistrationRegistered
	device.RegisteredAt = registeredOn
	device.LastSeen = lastSeen
	device.IsDeleted = deleted
	device.DeletedAt = deletedOn
	device.ScheduledPermanentDeletionAt = purgeAfter

	return device, nil
}

func (s *Storage) GetDevice(ctx context.Context, conditions ...ConditionFunc) (types.Device, error) {
	condition := &Condition{}
	for _, f := range conditions {
		f(condition)
	}

	var deviceID, status, registrationStatus string
	var registeredOn, deletedOn, purgeAfter *time.Time
	var lastSeen time.Time
	var deleted bool
	var data json.RawMessage

	query := fmt.Sprintf(`
		SELECT device_id, data, status, registration_status, registered_on, last_seen, deleted, deleted_on, purge_after
		FROM devices
		%s
	`, condition.Where())

	err := s.pool.QueryRow(ctx, query, condition.NamedArgs()).
		Scan(&deviceID, &data, &status, &registrationStatus, &registeredOn, &lastSeen, &deleted, &deletedOn, &purgeAfter)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.Device{}, ErrNoRows
		}
		return types.Device{}, err
	}

	return scanDevice(deviceID, data, status, registrationStatus, registeredOn, lastSeen, deleted, deletedOn, purgeAfter)
}

func (s *Storage) QueryDevices(ctx context.Context, conditions ...ConditionFunc) (types.Collection[types.Device], error) {
	condition := &Condition{}
	for _, f := range conditions {
		f(condition)
	}

	if condition.sortBy == "" {
		condition.sortBy = "device_id"
		condition.sortOrder = "ASC"
	}

	var offsetLimit string
	if condition.offset != nil {
		offsetLimit += fmt.Sprintf("OFFSET %d ", condition.Offset())
	}
	if condition.limit != nil {
		offsetLimit += fmt.Sprintf("LIMIT %d ", condition.Limit())
	}

	query := fmt.Sprintf(`
		SELECT device_id, data, status, registration_status, registered_on, last_seen, deleted, deleted_on, purge_after, count(*) OVER () AS count
		FROM devices
		%s
		ORDER BY %s %s
		%s
	`, condition.Where(), condition.SortBy(), condition.SortOrder(), offsetLimit)

	rows, err := s.pool.Query(ctx, query, condition.NamedArgs())
	if err != nil {
		return types.Collection[types.Device]{}, err
	}

	var deviceID, status, registrationStatus string
	var registeredOn, deletedOn, purgeAfter *time.Time
	var lastSeen time.Time
	var deleted bool
	var data json.RawMessage
	var count int64

	devices := make([]types.Device, 0)

	_, err = pgx.ForEachRow(rows, []any{&deviceID, &data, &status, &registrationStatus, &registeredOn, &lastSeen, &deleted, &deletedOn, &purgeAfter, &count}, func() error {
		device, err := scanDevice(deviceID, data, status, registrationStatus, registeredOn, lastSeen, deleted, deletedOn, purgeAfter)
		if err != nil {
			return err
		}
		devices = append(devices, device)
		return nil
	})
	if err != nil {
		return types.Collection[types.Device]{}, err
	}

	return types.Collection[types.Device]{
		Data:       devices,
		Count:      uint64(len(devices)),
		Offset:     uint64(condition.Offset()),
		Limit:      uint64(condition.Limit()),
		TotalCount: uint64(count),
	}, nil
}

func (s *Storage) SetDeviceStatus(ctx context.Context, deviceID, status string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE devices
		SET status = @status, modified_on = CURRENT_TIMESTAMP
		WHERE device_id = @device_id AND deleted = FALSE
	`, pgx.NamedArgs{"device_id": deviceID, "status": status})
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNoRows
	}

	return nil
}

// UpdateHeartbeat marks the device online and refreshes last_seen in one
// statement. Used for presence replies only.
func (s *Storage) UpdateHeartbeat(ctx context.Context, deviceID string, seenAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE devices
		SET status = 'online', last_seen = @last_seen, modified_on = CURRENT_TIMESTAMP
		WHERE device_id = @device_id AND deleted = FALSE
	`, pgx.NamedArgs{"device_id": deviceID, "last_seen": seenAt.UTC()})
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNoRows
	}

	return nil
}

// UpdateLastSeen refreshes last_seen without touching status. Data messages
// never flip a device online; only heartbeat replies do.
func (s *Storage) UpdateLastSeen(ctx context.Context, deviceID string, seenAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE devices
		SET last_seen = @last_seen, modified_on = CURRENT_TIMESTAMP
		WHERE device_id = @device_id AND deleted = FALSE
	`, pgx.NamedArgs{"device_id": deviceID, "last_seen": seenAt.UTC()})
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNoRows
	}

	return nil
}

// ApproveDevice transitions pending to registered. Returns the number of
// affected rows so the caller can distinguish conflict from not found.
func (s *Storage) ApproveDevice(ctx context.Context, deviceID string, registeredAt time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE devices
		SET registration_status = 'registered', registered_on = @registered_on, modified_on = CURRENT_TIMESTAMP
		WHERE device_id = @device_id AND registration_status = 'pending' AND deleted = FALSE
	`, pgx.NamedArgs{"device_id": deviceID, "registered_on": registeredAt.UTC()})
	if err != nil {
		return 0, err
	}

	return tag.RowsAffected(), nil
}

// SweepOffline flips every silent online device to offline and returns the
// ids that transitioned.
func (s *Storage) SweepOffline(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE devices
		SET status = 'offline', modified_on = CURRENT_TIMESTAMP
		WHERE status = 'online' AND last_seen < @cutoff AND deleted = FALSE
		RETURNING device_id
	`, pgx.NamedArgs{"cutoff": cutoff.UTC()})
	if err != nil {
		return nil, err
	}

	var deviceID string
	transitioned := make([]string, 0)

	_, err = pgx.ForEachRow(rows, []any{&deviceID}, func() error {
		transitioned = append(transitioned, deviceID)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return transitioned, nil
}

func (s *Storage) SoftDeleteDevice(ctx context.Context, deviceID string, deletedOn, purgeAfter time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE devices
		SET deleted = TRUE, deleted_on = @deleted_on, purge_after = @purge_after, modified_on = CURRENT_TIMESTAMP
		WHERE device_id = @device_id AND deleted = FALSE
	`, pgx.NamedArgs{
		"device_id":   deviceID,
		"deleted_on":  deletedOn.UTC(),
		"purge_after": purgeAfter.UTC(),
	})
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNoRows
	}

	return nil
}

// DeleteDeviceTombstone removes a leftover tombstoned row for the id. The
// primary key spans (device_id, deleted), so a stale tombstone would
// collide with the soft delete of a re-registered device.
func (s *Storage) DeleteDeviceTombstone(ctx context.Context, deviceID string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM devices
		WHERE device_id = @device_id AND deleted = TRUE
	`, pgx.NamedArgs{"device_id": deviceID})

	return err
}

func (s *Storage) RecoverDevice(ctx context.Context, deviceID string, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE devices
		SET deleted = FALSE, deleted_on = NULL, purge_after = NULL, modified_on = CURRENT_TIMESTAMP
		WHERE device_id = @device_id AND deleted = TRUE AND purge_after > @now
	`, pgx.NamedArgs{"device_id": deviceID, "now": now.UTC()})
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNoRows
	}

	return nil
}

func (s *Storage) PurgeDevices(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM devices
		WHERE deleted = TRUE AND purge_after < @now
	`, pgx.NamedArgs{"now": now.UTC()})
	if err != nil {
		return 0, err
	}

	return tag.RowsAffected(), nil
}

func (s *Storage) CountDevices(ctx context.Context) (types.DeviceStats, error) {
	var stats types.DeviceStats

	err := s.pool.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE NOT deleted),
			count(*) FILTER (WHERE NOT deleted AND status = 'online'),
			count(*) FILTER (WHERE NOT deleted AND status = 'offline'),
			count(*) FILTER (WHERE NOT deleted AND registration_status = 'pending'),
			count(*) FILTER (WHERE NOT deleted AND registration_status = 'registered'),
			count(*) FILTER (WHERE deleted)
		FROM devices
	`).Scan(&stats.Total, &stats.Online, &stats.Offline, &stats.Pending, &stats.Registered, &stats.Deleted)
	if err != nil {
		return types.DeviceStats{}, err
	}

	return stats, nil
}

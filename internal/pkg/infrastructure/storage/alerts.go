package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aquawatch/water-quality-mgmt/pkg/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const alertColumns = `alert_id, device_id, device_name, parameter, severity, value, threshold, current_value, message,
	status, acknowledged, acknowledged_on, acknowledged_by, resolved_on, resolved_by, resolution_notes,
	occurrence_count, first_occurrence, last_occurrence, email_sent, created_on, deleted, deleted_on, purge_after`

type alertRow struct {
	alertID         string
	deviceID        string
	deviceName      *string
	parameter       string
	severity        string
	value           float64
	threshold       float64
	currentValue    float64
	message         *string
	status          string
	acknowledged    bool
	acknowledgedOn  *time.Time
	acknowledgedBy  *string
	resolvedOn      *time.Time
	resolvedBy      *string
	resolutionNotes *string
	occurrenceCount int
	firstOccurrence time.Time
	lastOccurrence  time.Time
	emailSent       bool
	createdOn       time.Time
	deleted         bool
	deletedOn       *time.Time
	purgeAfter      *time.Time
}

func (r *alertRow) fields() []any {
	return []any{
		&r.alertID, &r.deviceID, &r.deviceName, &r.parameter, &r.severity, &r.value, &r.threshold, &r.currentValue, &r.message,
		&r.status, &r.acknowledged, &r.acknowledgedOn, &r.acknowledgedBy, &r.resolvedOn, &r.resolvedBy, &r.resolutionNotes,
		&r.occurrenceCount, &r.firstOccurrence, &r.lastOccurrence, &r.emailSent, &r.createdOn, &r.deleted, &r.deletedOn, &r.purgeAfter,
	}
}

func (r alertRow) toAlert() types.Alert {
	a := types.Alert{
		ID:              r.alertID,
		DeviceID:        r.deviceID,
		Parameter:       types.Parameter(r.parameter),
		Severity:        types.Severity(r.severity),
		Value:           r.value,
		Threshold:       r.threshold,
		CurrentValue:    r.currentValue,
		Status:          types.AlertStatus(r.status),
		Acknowledged:    r.acknowledged,
		AcknowledgedAt:  r.acknowledgedOn,
		ResolvedAt:      r.resolvedOn,
		OccurrenceCount: r.occurrenceCount,
		FirstOccurrence: r.firstOccurrence,
		LastOccurrence:  r.lastOccurrence,
		EmailSent:       r.emailSent,
		CreatedAt:       r.createdOn,
		Tombstone: types.Tombstone{
			IsDeleted:                    r.deleted,
			DeletedAt:                    r.deletedOn,
			ScheduledPermanentDeletionAt: r.purgeAfter,
		},
	}

	if r.deviceName != nil {
		a.DeviceName = *r.deviceName
	}
	if r.message != nil {
		a.Message = *r.message
	}
	if r.acknowledgedBy != nil {
		a.AcknowledgedBy = *r.acknowledgedBy
	}
	if r.resolvedBy != nil {
		a.ResolvedBy = *r.resolvedBy
	}
	if r.resolutionNotes != nil {
		a.ResolutionNotes = *r.resolutionNotes
	}

	return a
}

// AddAlert inserts a new open alert. The partial unique index over
// (device_id, parameter, severity) guarantees at most one open merge
// target per key, so concurrent inserts for the same breach collapse into
// ErrAlreadyExist and the loser should retry as a merge.
func (s *Storage) AddAlert(ctx context.Context, alert types.Alert) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO alerts (alert_id, device_id, device_name, parameter, severity, value, threshold, current_value, message,
			status, acknowledged, occurrence_count, first_occurrence, last_occurrence, email_sent)
		VALUES (@alert_id, @device_id, @device_name, @parameter, @severity, @value, @threshold, @current_value, @message,
			@status, FALSE, 1, @first_occurrence, @last_occurrence, @email_sent)
	`, pgx.NamedArgs{
		"alert_id":         alert.ID,
		"device_id":        alert.DeviceID,
		"device_name":      alert.DeviceName,
		"parameter":        string(alert.Parameter),
		"severity":         string(alert.Severity),
		"value":            alert.Value,
		"threshold":        alert.Threshold,
		"current_value":    alert.CurrentValue,
		"message":          alert.Message,
		"status":           string(types.AlertUnacknowledged),
		"first_occurrence": alert.FirstOccurrence.UTC(),
		"last_occurrence":  alert.LastOccurrence.UTC(),
		"email_sent":       alert.EmailSent,
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyExist
		}
		return err
	}

	return nil
}

// MergeOpenAlert folds a repeated breach into the open alert for the same
// device, parameter and severity, provided that alert was raised at or
// after openedAfter. Older open alerts are never merge targets; the caller
// supersedes them and inserts a fresh row. Returns ErrNoRows when no
// mergeable alert exists.
func (s *Storage) MergeOpenAlert(ctx context.Context, deviceID string, parameter types.Parameter, severity types.Severity, currentValue float64, occurredAt, openedAfter time.Time) (types.Alert, error) {
	query := fmt.Sprintf(`
		UPDATE alerts
		SET occurrence_count = occurrence_count + 1,
			current_value = @current_value,
			last_occurrence = @last_occurrence,
			modified_on = CURRENT_TIMESTAMP
		WHERE device_id = @device_id AND parameter = @parameter AND severity = @severity
			AND acknowledged = FALSE AND superseded = FALSE AND deleted = FALSE
			AND created_on >= @opened_after
		RETURNING %s
	`, alertColumns)

	var row alertRow
	err := s.pool.QueryRow(ctx, query, pgx.NamedArgs{
		"device_id":       deviceID,
		"parameter":       string(parameter),
		"severity":        string(severity),
		"current_value":   currentValue,
		"last_occurrence": occurredAt.UTC(),
		"opened_after":    openedAfter.UTC(),
	}).Scan(row.fields()...)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.Alert{}, ErrNoRows
		}
		return types.Alert{}, err
	}

	return row.toAlert(), nil
}

// SupersedeOpenAlert retires the open merge target for a key when it was
// raised before openedBefore. The alert stays open for operators; it only
// stops absorbing new crossings, which frees the unique slot for a fresh
// row.
func (s *Storage) SupersedeOpenAlert(ctx context.Context, deviceID string, parameter types.Parameter, severity types.Severity, openedBefore time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE alerts
		SET superseded = TRUE, modified_on = CURRENT_TIMESTAMP
		WHERE device_id = @device_id AND parameter = @parameter AND severity = @severity
			AND acknowledged = FALSE AND superseded = FALSE AND deleted = FALSE
			AND created_on < @opened_before
	`, pgx.NamedArgs{
		"device_id":     deviceID,
		"parameter":     string(parameter),
		"severity":      string(severity),
		"opened_before": openedBefore.UTC(),
	})

	return err
}

func (s *Storage) GetAlert(ctx context.Context, conditions ...ConditionFunc) (types.Alert, error) {
	condition := &Condition{}
	for _, f := range conditions {
		f(condition)
	}

	query := fmt.Sprintf(`SELECT %s FROM alerts %s`, alertColumns, condition.Where())

	var row alertRow
	err := s.pool.QueryRow(ctx, query, condition.NamedArgs()).Scan(row.fields()...)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.Alert{}, ErrNoRows
		}
		return types.Alert{}, err
	}

	alert := row.toAlert()
	if alert.IsDeleted && !condition.IncludeDeleted {
		return types.Alert{}, ErrDeleted
	}

	return alert, nil
}

func (s *Storage) QueryAlerts(ctx context.Context, conditions ...ConditionFunc) (types.Collection[types.Alert], error) {
	condition := &Condition{}
	for _, f := range conditions {
		f(condition)
	}

	var offsetLimit string
	if condition.offset != nil {
		offsetLimit += fmt.Sprintf("OFFSET %d ", condition.Offset())
	}
	if condition.limit != nil {
		offsetLimit += fmt.Sprintf("LIMIT %d ", condition.Limit())
	}

	query := fmt.Sprintf(`
		SELECT %s, count(*) OVER () AS count
		FROM alerts
		%s
		ORDER BY %s %s
		%s
	`, alertColumns, condition.Where(), condition.SortBy(), condition.SortOrder(), offsetLimit)

	rows, err := s.pool.Query(ctx, query, condition.NamedArgs())
	if err != nil {
		return types.Collection[types.Alert]{}, err
	}

	var row alertRow
	var count int64

	alerts := make([]types.Alert, 0)

	_, err = pgx.ForEachRow(rows, append(row.fields(), &count), func() error {
		alerts = append(alerts, row.toAlert())
		return nil
	})
	if err != nil {
		return types.Collection[types.Alert]{}, err
	}

	return types.Collection[types.Alert]{
		Data:       alerts,
		Count:      uint64(len(alerts)),
		Offset:     uint64(condition.Offset()),
		Limit:      uint64(condition.Limit()),
		TotalCount: uint64(count),
	}, nil
}

// AcknowledgeAlert transitions an open alert to acknowledged. Returns
// ErrAlreadyExist when the alert exists but is no longer open, ErrNoRows
// when it does not exist at all.
func (s *Storage) AcknowledgeAlert(ctx context.Context, alertID, acknowledgedBy string, acknowledgedAt time.Time) (types.Alert, error) {
	query := fmt.Sprintf(`
		UPDATE alerts
		SET status = 'acknowledged',
			acknowledged = TRUE,
			acknowledged_on = @acknowledged_on,
			acknowledged_by = @acknowledged_by,
			modified_on = CURRENT_TIMESTAMP
		WHERE alert_id = @alert_id AND acknowledged = FALSE AND deleted = FALSE
		RETURNING %s
	`, alertColumns)

	var row alertRow
	err := s.pool.QueryRow(ctx, query, pgx.NamedArgs{
		"alert_id":        alertID,
		"acknowledged_on": acknowledgedAt.UTC(),
		"acknowledged_by": acknowledgedBy,
	}).Scan(row.fields()...)
	if err == nil {
		return row.toAlert(), nil
	}

	if !errors.Is(err, pgx.ErrNoRows) {
		return types.Alert{}, err
	}

	_, err = s.GetAlert(ctx, WithAlertID(alertID))
	if err != nil {
		return types.Alert{}, err
	}

	return types.Alert{}, ErrAlreadyExist
}

// ResolveAlert closes an alert from either open or acknowledged state.
// Resolving also acknowledges, which releases the open alert slot for the
// device, parameter and severity.
func (s *Storage) ResolveAlert(ctx context.Context, alertID, resolvedBy, notes string, resolvedAt time.Time) (types.Alert, error) {
	query := fmt.Sprintf(`
		UPDATE alerts
		SET status = 'resolved',
			acknowledged = TRUE,
			acknowledged_on = COALESCE(acknowledged_on, @resolved_on),
			acknowledged_by = COALESCE(acknowledged_by, @resolved_by),
			resolved_on = @resolved_on,
			resolved_by = @resolved_by,
			resolution_notes = @resolution_notes,
			modified_on = CURRENT_TIMESTAMP
		WHERE alert_id = @alert_id AND status <> 'resolved' AND deleted = FALSE
		RETURNING %s
	`, alertColumns)

	var row alertRow
	err := s.pool.QueryRow(ctx, query, pgx.NamedArgs{
		"alert_id":         alertID,
		"resolved_on":      resolvedAt.UTC(),
		"resolved_by":      resolvedBy,
		"resolution_notes": notes,
	}).Scan(row.fields()...)
	if err == nil {
		return row.toAlert(), nil
	}

	if !errors.Is(err, pgx.ErrNoRows) {
		return types.Alert{}, err
	}

	_, err = s.GetAlert(ctx, WithAlertID(alertID))
	if err != nil {
		return types.Alert{}, err
	}

	return types.Alert{}, ErrAlreadyExist
}

// ResolveAlertsForDevice closes every unresolved alert on a device and
// returns how many were affected.
func (s *Storage) ResolveAlertsForDevice(ctx context.Context, deviceID, resolvedBy, notes string, resolvedAt time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE alerts
		SET status = 'resolved',
			acknowledged = TRUE,
			acknowledged_on = COALESCE(acknowledged_on, @resolved_on),
			acknowledged_by = COALESCE(acknowledged_by, @resolved_by),
			resolved_on = @resolved_on,
			resolved_by = @resolved_by,
			resolution_notes = @resolution_notes,
			modified_on = CURRENT_TIMESTAMP
		WHERE device_id = @device_id AND status <> 'resolved' AND deleted = FALSE
	`, pgx.NamedArgs{
		"device_id":        deviceID,
		"resolved_on":      resolvedAt.UTC(),
		"resolved_by":      resolvedBy,
		"resolution_notes": notes,
	})
	if err != nil {
		return 0, err
	}

	return tag.RowsAffected(), nil
}

func (s *Storage) MarkAlertEmailSent(ctx context.Context, alertID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE alerts SET email_sent = TRUE, modified_on = CURRENT_TIMESTAMP
		WHERE alert_id = @alert_id
	`, pgx.NamedArgs{"alert_id": alertID})

	return err
}

func (s *Storage) CountAlerts(ctx context.Context, conditions ...ConditionFunc) (types.AlertStats, error) {
	condition := &Condition{}
	for _, f := range conditions {
		f(condition)
	}

	stats := types.AlertStats{
		BySeverity:  map[string]int64{},
		ByStatus:    map[string]int64{},
		ByParameter: map[string]int64{},
	}

	query := fmt.Sprintf(`SELECT severity, status, parameter, count(*) FROM alerts %s GROUP BY severity, status, parameter`, condition.Where())

	rows, err := s.pool.Query(ctx, query, condition.NamedArgs())
	if err != nil {
		return types.AlertStats{}, err
	}

	var severity, status, parameter string
	var count int64

	_, err = pgx.ForEachRow(rows, []any{&severity, &status, &parameter, &count}, func() error {
		stats.Total += count
		stats.BySeverity[severity] += count
		stats.ByStatus[status] += count
		stats.ByParameter[parameter] += count
		return nil
	})
	if err != nil {
		return types.AlertStats{}, err
	}

	return stats, nil
}

// SoftDeleteAlert tombstones a single alert, which also releases its open
// alert slot.
func (s *Storage) SoftDeleteAlert(ctx context.Context, alertID string, deletedOn, purgeAfter time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE alerts
		SET deleted = TRUE, deleted_on = @deleted_on, purge_after = @purge_after, modified_on = CURRENT_TIMESTAMP
		WHERE alert_id = @alert_id AND deleted = FALSE
	`, pgx.NamedArgs{
		"alert_id":    alertID,
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

func (s *Storage) TombstoneAlerts(ctx context.Context, deviceID string, deletedOn, purgeAfter time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE alerts
		SET deleted = TRUE, deleted_on = @deleted_on, purge_after = @purge_after, modified_on = CURRENT_TIMESTAMP
		WHERE device_id = @device_id AND deleted = FALSE
	`, pgx.NamedArgs{
		"device_id":   deviceID,
		"deleted_on":  deletedOn.UTC(),
		"purge_after": purgeAfter.UTC(),
	})

	return err
}

// RestoreAlerts clears the tombstones a delete cascade wrote. Only rows
// carrying the cascade's deleted_on marker come back; alerts an operator
// removed individually keep their own marker and stay deleted.
func (s *Storage) RestoreAlerts(ctx context.Context, deviceID string, deletedOn time.Time) error {
	args := pgx.NamedArgs{"device_id": deviceID, "deleted_on": deletedOn.UTC()}

	// An open alert raised after the delete occupies the unique slot, so a
	// tombstoned copy for the same key is retired as a merge target before
	// it comes back.
	_, err := s.pool.Exec(ctx, `
		UPDATE alerts
		SET superseded = TRUE, modified_on = CURRENT_TIMESTAMP
		WHERE device_id = @device_id AND deleted = TRUE AND deleted_on = @deleted_on
			AND acknowledged = FALSE AND superseded = FALSE
			AND EXISTS (
				SELECT 1 FROM alerts live
				WHERE live.device_id = alerts.device_id AND live.parameter = alerts.parameter AND live.severity = alerts.severity
					AND live.deleted = FALSE AND live.acknowledged = FALSE AND live.superseded = FALSE
			)
	`, args)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE alerts
		SET deleted = FALSE, deleted_on = NULL, purge_after = NULL, modified_on = CURRENT_TIMESTAMP
		WHERE device_id = @device_id AND deleted = TRUE AND deleted_on = @deleted_on
	`, args)

	return err
}

func (s *Storage) PurgeAlerts(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM alerts
		WHERE deleted = TRUE AND purge_after < @now
	`, pgx.NamedArgs{"now": now.UTC()})
	if err != nil {
		return 0, err
	}

	return tag.RowsAffected(), nil
}

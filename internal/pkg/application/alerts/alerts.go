package alerts

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
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/google/uuid"
)

var ErrAlertNotFound = fmt.Errorf("alert not found")
var ErrAlreadyAcknowledged = fmt.Errorf("alert is already acknowledged")
var ErrAlreadyResolved = fmt.Errorf("alert is already resolved")

type AlertService interface {
	Get(ctx context.Context, alertID string) (types.Alert, error)
	Query(ctx context.Context, params map[string][]string) (types.Collection[types.Alert], error)
	Statistics(ctx context.Context, deviceID string) (types.AlertStats, error)

	HandleReading(ctx context.Context, device types.Device, reading types.Reading) ([]types.Alert, error)

	Acknowledge(ctx context.Context, alertID, userID string) (types.Alert, error)
	Resolve(ctx context.Context, alertID, userID, notes string) (types.Alert, error)
	ResolveAll(ctx context.Context, userID, notes string, params map[string][]string) (int, error)
	Delete(ctx context.Context, alertID string) error
}

type AlertStorage interface {
	AddAlert(ctx context.Context, alert types.Alert) error
	MergeOpenAlert(ctx context.Context, deviceID string, parameter types.Parameter, severity types.Severity, currentValue float64, occurredAt, openedAfter time.Time) (types.Alert, error)
	SupersedeOpenAlert(ctx context.Context, deviceID string, parameter types.Parameter, severity types.Severity, openedBefore time.Time) error
	GetAlert(ctx context.Context, conditions ...storage.ConditionFunc) (types.Alert, error)
	QueryAlerts(ctx context.Context, conditions ...storage.ConditionFunc) (types.Collection[types.Alert], error)
	AcknowledgeAlert(ctx context.Context, alertID, acknowledgedBy string, acknowledgedAt time.Time) (types.Alert, error)
	ResolveAlert(ctx context.Context, alertID, resolvedBy, notes string, resolvedAt time.Time) (types.Alert, error)
	MarkAlertEmailSent(ctx context.Context, alertID string) error
	CountAlerts(ctx context.Context, conditions ...storage.ConditionFunc) (types.AlertStats, error)
	SoftDeleteAlert(ctx context.Context, alertID string, deletedOn, purgeAfter time.Time) error
}

// Notifier hands a newly raised alert to an external dispatcher, typically
// an email gateway.
type Notifier interface {
	Notify(ctx context.Context, alert types.Alert) error
}

type service struct {
	storage  AlertStorage
	config   *Config
	events   webevents.WebEvents
	notifier Notifier
}

func New(s AlertStorage, config *Config, events webevents.WebEvents, notifier Notifier) AlertService {
	if config == nil {
		config = DefaultConfig()
	}

	return &service{
		storage:  s,
		config:   config,
		events:   events,
		notifier: notifier,
	}
}

func (s *service) Get(ctx context.Context, alertID string) (types.Alert, error) {
	alert, err := s.storage.GetAlert(ctx, storage.WithAlertID(alertID))
	if err != nil {
		if errors.Is(err, storage.ErrNoRows) || errors.Is(err, storage.ErrDeleted) {
			return types.Alert{}, ErrAlertNotFound
		}
		return types.Alert{}, err
	}

	return alert, nil
}

func (s *service) Query(ctx context.Context, params map[string][]string) (types.Collection[types.Alert], error) {
	return s.storage.QueryAlerts(ctx, conditionsFromParams(params)...)
}

func conditionsFromParams(params map[string][]string) []storage.ConditionFunc {
	conditions := make([]storage.ConditionFunc, 0)

	var start, end time.Time

	for k, v := range params {
		// query parameters arrive camelCased from the api, snake_cased
		// from internal callers; lowercasing folds the former onto the
		// concatenated spellings
		switch strings.ToLower(k) {
		case "device_id", "deviceid":
			conditions = append(conditions, storage.WithDeviceID(v[0]))
		case "parameter":
			conditions = append(conditions, storage.WithParameter(v[0]))
		case "severity":
			conditions = append(conditions, storage.WithSeverities(v))
		case "status":
			conditions = append(conditions, storage.WithStatuses(v))
		case "acknowledged":
			acknowledged, _ := strconv.ParseBool(v[0])
			conditions = append(conditions, storage.WithAcknowledged(acknowledged))
		case "start_date", "startdate", "start":
			if t, err := time.Parse(time.RFC3339, v[0]); err == nil {
				start = t
			}
		case "end_date", "enddate", "end":
			if t, err := time.Parse(time.RFC3339, v[0]); err == nil {
				end = t
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

	if !start.IsZero() || !end.IsZero() {
		conditions = append(conditions, storage.WithTimeRange(start, end))
	}

	return conditions
}

func (s *service) Statistics(ctx context.Context, deviceID string) (types.AlertStats, error) {
	conditions := make([]storage.ConditionFunc, 0)
	if deviceID != "" {
		conditions = append(conditions, storage.WithDeviceID(deviceID))
	}

	return s.storage.CountAlerts(ctx, conditions...)
}

// HandleReading evaluates every healthy channel of the reading and raises
// or merges alerts. Returns the alerts that were touched.
func (s *service) HandleReading(ctx context.Context, device types.Device, reading types.Reading) ([]types.Alert, error) {
	touched := make([]types.Alert, 0)

	channels := []struct {
		parameter types.Parameter
		value     *float64
		valid     bool
	}{
		{types.ParameterPH, reading.PH, reading.PHValid},
		{types.ParameterTurbidity, reading.Turbidity, reading.TurbidityValid},
		{types.ParameterTDS, reading.TDS, reading.TDSValid},
	}

	for _, ch := range channels {
		if !ch.valid || ch.value == nil {
			continue
		}

		severity, threshold, breached := s.config.Evaluate(ch.parameter, *ch.value)
		if !breached {
			continue
		}

		alert, err := s.createOrMerge(ctx, device, ch.parameter, severity, *ch.value, threshold, reading.Timestamp)
		if err != nil {
			return touched, err
		}

		touched = append(touched, alert)
	}

	return touched, nil
}

// createOrMerge folds the crossing into the open alert for the key when
// that alert was raised within the severity's cooldown, and raises a new
// one otherwise. An open alert older than the cooldown stays open but is
// superseded as a merge target, so a persistent condition surfaces as a
// fresh alert with its own occurrence count. The unique guard on open
// merge targets means two concurrent evaluations cannot both insert; the
// loser retries as a merge.
func (s *service) createOrMerge(ctx context.Context, device types.Device, parameter types.Parameter, severity types.Severity, value, threshold float64, occurredAt time.Time) (types.Alert, error) {
	log := logging.GetFromContext(ctx)

	openedAfter := time.Now().UTC().Add(-s.config.Cooldown(severity))

	for attempt := 0; attempt < 2; attempt++ {
		merged, err := s.storage.MergeOpenAlert(ctx, device.DeviceID, parameter, severity, value, occurredAt, openedAfter)
		if err == nil {
			s.events.PublishAlert(webevents.EventAlertUpdated, merged)
			return merged, nil
		}

		if !errors.Is(err, storage.ErrNoRows) {
			return types.Alert{}, err
		}

		err = s.storage.SupersedeOpenAlert(ctx, device.DeviceID, parameter, severity, openedAfter)
		if err != nil {
			return types.Alert{}, err
		}

		alert := types.Alert{
			ID:              uuid.NewString(),
			DeviceID:        device.DeviceID,
			DeviceName:      device.Name,
			Parameter:       parameter,
			Severity:        severity,
			Value:           value,
			Threshold:       threshold,
			CurrentValue:    value,
			Message:         alertMessage(parameter, severity, value, threshold),
			Status:          types.AlertUnacknowledged,
			OccurrenceCount: 1,
			FirstOccurrence: occurredAt,
			LastOccurrence:  occurredAt,
			CreatedAt:       time.Now().UTC(),
		}

		err = s.storage.AddAlert(ctx, alert)
		if err != nil {
			if errors.Is(err, storage.ErrAlreadyExist) {
				log.Debug("lost insert race, retrying as merge", "device_id", device.DeviceID, "parameter", parameter)
				continue
			}
			return types.Alert{}, err
		}

		s.events.PublishAlert(webevents.EventAlertNew, alert)
		s.notify(ctx, alert)

		return alert, nil
	}

	return types.Alert{}, fmt.Errorf("could not create or merge alert for %s/%s", device.DeviceID, parameter)
}

// notify is best effort. Delivery failures are logged and the alert keeps
// emailSent=false.
func (s *service) notify(ctx context.Context, alert types.Alert) {
	log := logging.GetFromContext(ctx)

	if s.notifier == nil {
		return
	}

	err := s.notifier.Notify(ctx, alert)
	if err != nil {
		log.Error("could not notify about alert", "alert_id", alert.ID, "err", err.Error())
		return
	}

	err = s.storage.MarkAlertEmailSent(ctx, alert.ID)
	if err != nil {
		log.Error("could not mark alert notification as sent", "alert_id", alert.ID, "err", err.Error())
	}
}

func alertMessage(parameter types.Parameter, severity types.Severity, value, threshold float64) string {
	direction := "above"
	if value < threshold {
		direction = "below"
	}

	return fmt.Sprintf("%s %s: %s %.2f is %s threshold %.2f", parameter, severity, parameter, value, direction, threshold)
}

func (s *service) Acknowledge(ctx context.Context, alertID, userID string) (types.Alert, error) {
	alert, err := s.storage.AcknowledgeAlert(ctx, alertID, userID, time.Now().UTC())
	if err != nil {
		if errors.Is(err, storage.ErrNoRows) || errors.Is(err, storage.ErrDeleted) {
			return types.Alert{}, ErrAlertNotFound
		}
		if errors.Is(err, storage.ErrAlreadyExist) {
			return types.Alert{}, ErrAlreadyAcknowledged
		}
		return types.Alert{}, err
	}

	s.events.PublishAlert(webevents.EventAlertUpdated, alert)

	return alert, nil
}

func (s *service) Resolve(ctx context.Context, alertID, userID, notes string) (types.Alert, error) {
	alert, err := s.storage.ResolveAlert(ctx, alertID, userID, notes, time.Now().UTC())
	if err != nil {
		if errors.Is(err, storage.ErrNoRows) || errors.Is(err, storage.ErrDeleted) {
			return types.Alert{}, ErrAlertNotFound
		}
		if errors.Is(err, storage.ErrAlreadyExist) {
			return types.Alert{}, ErrAlreadyResolved
		}
		return types.Alert{}, err
	}

	s.events.PublishAlert(webevents.EventAlertResolved, alert)

	return alert, nil
}

// ResolveAll closes every unresolved alert matching the filter, one at a
// time so each closure is pushed to connected sessions.
func (s *service) ResolveAll(ctx context.Context, userID, notes string, params map[string][]string) (int, error) {
	log := logging.GetFromContext(ctx)

	conditions := conditionsFromParams(params)
	conditions = append(conditions, storage.WithStatuses([]string{
		string(types.AlertUnacknowledged),
		string(types.AlertAcknowledged),
	}))

	collection, err := s.storage.QueryAlerts(ctx, conditions...)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, alert := range collection.Data {
		_, err := s.Resolve(ctx, alert.ID, userID, notes)
		if err != nil {
			if errors.Is(err, ErrAlreadyResolved) || errors.Is(err, ErrAlertNotFound) {
				continue
			}
			log.Error("could not resolve alert", "alert_id", alert.ID, "err", err.Error())
			return resolved, err
		}
		resolved++
	}

	return resolved, nil
}

func (s *service) Delete(ctx context.Context, alertID string) error {
	now := time.Now().UTC()

	err := s.storage.SoftDeleteAlert(ctx, alertID, now, now.Add(30*24*time.Hour))
	if err != nil {
		if errors.Is(err, storage.ErrNoRows) {
			return ErrAlertNotFound
		}
		return err
	}

	return nil
}

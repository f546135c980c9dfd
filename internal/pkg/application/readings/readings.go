package readings

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
)

var ErrNoReadings = fmt.Errorf("no readings found")
var ErrValidation = fmt.Errorf("invalid reading")
var ErrUnknownDevice = fmt.Errorf("unknown device")

// ReadingRetention is how long rows survive at the ingest clock before the
// retention sweeper removes them.
const ReadingRetention = 90 * 24 * time.Hour

// DefaultStatisticsWindow applies when statistics is called without a time
// range. Aggregation has no such default; it requires an explicit range.
const DefaultStatisticsWindow = 24 * time.Hour

type ReadingService interface {
	Ingest(ctx context.Context, deviceID string, payload types.SensorPayload) (types.Reading, error)
	IngestBulk(ctx context.Context, readings []types.Reading) (int, error)

	Latest(ctx context.Context, deviceID string) (types.Reading, error)
	Query(ctx context.Context, params map[string][]string) (types.Collection[types.Reading], error)
	Statistics(ctx context.Context, deviceID string, start, end time.Time) (types.ReadingStats, error)
	Aggregate(ctx context.Context, deviceID string, start, end time.Time, granularity types.Granularity) ([]types.ReadingBucket, error)

	RemoveExpired(ctx context.Context) (int64, error)
}

type ReadingStorage interface {
	AddReading(ctx context.Context, reading types.Reading, retention time.Duration) error
	AddReadings(ctx context.Context, readings []types.Reading, retention time.Duration) (int, error)
	GetLatestReading(ctx context.Context, deviceID string) (types.Reading, error)
	QueryReadings(ctx context.Context, conditions ...storage.ConditionFunc) (types.Collection[types.Reading], error)
	ReadingStatistics(ctx context.Context, conditions ...storage.ConditionFunc) (types.ReadingStats, error)
	AggregateReadings(ctx context.Context, deviceID string, start, end time.Time, granularity types.Granularity) ([]types.ReadingBucket, error)
	DeleteReadingsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	GetDevice(ctx context.Context, conditions ...storage.ConditionFunc) (types.Device, error)
}

type service struct {
	storage ReadingStorage
	events  webevents.WebEvents
}

func New(s ReadingStorage, events webevents.WebEvents) ReadingService {
	return &service{
		storage: s,
		events:  events,
	}
}

// Ingest validates and persists one sample. The device must already exist;
// ingestion never creates devices.
func (s *service) Ingest(ctx context.Context, deviceID string, payload types.SensorPayload) (types.Reading, error) {
	reading, err := fromPayload(deviceID, payload)
	if err != nil {
		return types.Reading{}, err
	}

	_, err = s.storage.GetDevice(ctx, storage.WithDeviceID(deviceID))
	if err != nil {
		if errors.Is(err, storage.ErrNoRows) {
			return types.Reading{}, ErrUnknownDevice
		}
		return types.Reading{}, err
	}

	err = s.storage.AddReading(ctx, reading, ReadingRetention)
	if err != nil {
		return types.Reading{}, err
	}

	s.events.PublishReading(reading)

	return reading, nil
}

func fromPayload(deviceID string, payload types.SensorPayload) (types.Reading, error) {
	if deviceID == "" {
		return types.Reading{}, fmt.Errorf("%w: no deviceID", ErrValidation)
	}

	if payload.PH == nil && payload.Turbidity == nil && payload.TDS == nil {
		return types.Reading{}, fmt.Errorf("%w: no channel values", ErrValidation)
	}

	flagged := func(name string, value *float64, flag *bool) error {
		if flag != nil && *flag && value == nil {
			return fmt.Errorf("%w: %s flagged valid but has no value", ErrValidation, name)
		}
		return nil
	}
	for _, err := range []error{
		flagged("pH", payload.PH, payload.PHValid),
		flagged("turbidity", payload.Turbidity, payload.TurbidityValid),
		flagged("tds", payload.TDS, payload.TDSValid),
	} {
		if err != nil {
			return types.Reading{}, err
		}
	}

	ts := time.Now().UTC()
	if payload.Timestamp != nil {
		ts = time.UnixMilli(*payload.Timestamp).UTC()
	}

	valid := func(value *float64, flag *bool) bool {
		if value == nil {
			return false
		}
		if flag == nil {
			return true
		}
		return *flag
	}

	return types.Reading{
		DeviceID:       deviceID,
		Timestamp:      ts,
		PH:             payload.PH,
		Turbidity:      payload.Turbidity,
		TDS:            payload.TDS,
		PHValid:        valid(payload.PH, payload.PHValid),
		TurbidityValid: valid(payload.Turbidity, payload.TurbidityValid),
		TDSValid:       valid(payload.TDS, payload.TDSValid),
	}, nil
}

// IngestBulk accepts rows best effort and unordered. Rows with no deviceID
// or no channel values are dropped before they reach the store.
func (s *service) IngestBulk(ctx context.Context, incoming []types.Reading) (int, error) {
	accepted := make([]types.Reading, 0, len(incoming))

	for _, r := range incoming {
		if r.DeviceID == "" {
			continue
		}
		if r.PH == nil && r.Turbidity == nil && r.TDS == nil {
			continue
		}
		if r.Timestamp.IsZero() {
			r.Timestamp = time.Now().UTC()
		}
		accepted = append(accepted, r)
	}

	if len(accepted) == 0 {
		return 0, fmt.Errorf("%w: no valid readings in batch", ErrValidation)
	}

	return s.storage.AddReadings(ctx, accepted, ReadingRetention)
}

func (s *service) Latest(ctx context.Context, deviceID string) (types.Reading, error) {
	reading, err := s.storage.GetLatestReading(ctx, deviceID)
	if err != nil {
		if errors.Is(err, storage.ErrNoRows) {
			return types.Reading{}, ErrNoReadings
		}
		return types.Reading{}, err
	}

	return reading, nil
}

func (s *service) Query(ctx context.Context, params map[string][]string) (types.Collection[types.Reading], error) {
	conditions := make([]storage.ConditionFunc, 0)

	var start, end time.Time

	parseFloat := func(s string) *float64 {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil
		}
		return &f
	}

	ranges := map[string]struct{ min, max *float64 }{}

	for k, v := range params {
		key := strings.ToLower(k)
		switch key {
		case "device_id", "deviceid":
			conditions = append(conditions, storage.WithDeviceID(v[0]))
		case "start", "start_date", "startdate":
			if t, err := time.Parse(time.RFC3339, v[0]); err == nil {
				start = t
			}
		case "end", "end_date", "enddate":
			if t, err := time.Parse(time.RFC3339, v[0]); err == nil {
				end = t
			}
		case "limit":
			limit, _ := strconv.Atoi(v[0])
			conditions = append(conditions, storage.WithLimit(limit))
		case "offset":
			offset, _ := strconv.Atoi(v[0])
			conditions = append(conditions, storage.WithOffset(offset))
		case "sortorder":
			conditions = append(conditions, storage.WithSortDesc(strings.EqualFold(v[0], "desc")))
		default:
			for _, p := range types.Parameters() {
				col := columnFor(p)
				if key == strings.ToLower(string(p))+"_min" || key == col+"_min" {
					r := ranges[col]
					r.min = parseFloat(v[0])
					ranges[col] = r
				}
				if key == strings.ToLower(string(p))+"_max" || key == col+"_max" {
					r := ranges[col]
					r.max = parseFloat(v[0])
					ranges[col] = r
				}
			}
		}
	}

	if !start.IsZero() || !end.IsZero() {
		conditions = append(conditions, storage.WithTimeRange(start, end))
	}

	for col, r := range ranges {
		conditions = append(conditions, storage.WithValueRange(col, r.min, r.max))
	}

	return s.storage.QueryReadings(ctx, conditions...)
}

func columnFor(p types.Parameter) string {
	switch p {
	case types.ParameterPH:
		return "ph"
	case types.ParameterTurbidity:
		return "turbidity"
	case types.ParameterTDS:
		return "tds"
	}
	return ""
}

// Statistics defaults to the trailing 24 hours when no range is given.
func (s *service) Statistics(ctx context.Context, deviceID string, start, end time.Time) (types.ReadingStats, error) {
	if start.IsZero() && end.IsZero() {
		end = time.Now().UTC()
		start = end.Add(-DefaultStatisticsWindow)
	}

	conditions := []storage.ConditionFunc{storage.WithTimeRange(start, end)}
	if deviceID != "" {
		conditions = append(conditions, storage.WithDeviceID(deviceID))
	}

	stats, err := s.storage.ReadingStatistics(ctx, conditions...)
	if err != nil {
		if errors.Is(err, storage.ErrNoRows) {
			return types.ReadingStats{}, ErrNoReadings
		}
		return types.ReadingStats{}, err
	}

	return stats, nil
}

// Aggregate requires an explicit range; there is no default window here.
// The granularity is checked against the known bucket sizes before it
// reaches the database.
func (s *service) Aggregate(ctx context.Context, deviceID string, start, end time.Time, granularity types.Granularity) ([]types.ReadingBucket, error) {
	if start.IsZero() || end.IsZero() {
		return nil, fmt.Errorf("%w: aggregation requires an explicit time range", ErrValidation)
	}

	if end.Before(start) {
		return nil, fmt.Errorf("%w: end precedes start", ErrValidation)
	}

	switch granularity {
	case types.GranularityMinute, types.GranularityHour, types.GranularityDay, types.GranularityWeek, types.GranularityMonth:
	default:
		return nil, fmt.Errorf("%w: unknown granularity %q", ErrValidation, granularity)
	}

	return s.storage.AggregateReadings(ctx, deviceID, start, end, granularity)
}

func (s *service) RemoveExpired(ctx context.Context) (int64, error) {
	return s.storage.DeleteReadingsBefore(ctx, time.Now().UTC().Add(-ReadingRetention))
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aquawatch/water-quality-mgmt/pkg/types"
	"github.com/jackc/pgx/v5"
)

const insertReadingSQL = `
	INSERT INTO readings (device_id, ts, ph, turbidity, tds, ph_valid, turbidity_valid, tds_valid, purge_after)
	VALUES (@device_id, @ts, @ph, @turbidity, @tds, @ph_valid, @turbidity_valid, @tds_valid, @purge_after)
`

func readingArgs(r types.Reading, retention time.Duration) pgx.NamedArgs {
	return pgx.NamedArgs{
		"device_id":       r.DeviceID,
		"ts":              r.Timestamp.UTC(),
		"ph":              r.PH,
		"turbidity":       r.Turbidity,
		"tds":             r.TDS,
		"ph_valid":        r.PHValid,
		"turbidity_valid": r.TurbidityValid,
		"tds_valid":       r.TDSValid,
		"purge_after":     time.Now().UTC().Add(retention),
	}
}

func (s *Storage) AddReading(ctx context.Context, reading types.Reading, retention time.Duration) error {
	_, err := s.pool.Exec(ctx, insertReadingSQL, readingArgs(reading, retention))
	return err
}

// AddReadings inserts best effort and unordered; rows that fail do not roll
// back rows already accepted. Returns the number of accepted rows.
func (s *Storage) AddReadings(ctx context.Context, readings []types.Reading, retention time.Duration) (int, error) {
	batch := &pgx.Batch{}
	for _, r := range readings {
		batch.Queue(insertReadingSQL, readingArgs(r, retention))
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	accepted := 0
	var errs []error

	for range readings {
		_, err := results.Exec()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		accepted++
	}

	if accepted == 0 && len(errs) > 0 {
		return 0, errors.Join(errs...)
	}

	return accepted, nil
}

func scanReading(deviceID string, ts time.Time, ph, turbidity, tds *float64, phValid, turbidityValid, tdsValid, deleted bool, deletedOn, purgeAfter *time.Time) types.Reading {
	return types.Reading{
		DeviceID:       deviceID,
		Timestamp:      ts,
		PH:             ph,
		Turbidity:      turbidity,
		TDS:            tds,
		PHValid:        phValid,
		TurbidityValid: turbidityValid,
		TDSValid:       tdsValid,
		Tombstone: types.Tombstone{
			IsDeleted:                    deleted,
			DeletedAt:                    deletedOn,
			ScheduledPermanentDeletionAt: purgeAfter,
		},
	}
}

func (s *Storage) GetLatestReading(ctx context.Context, deviceID string) (types.Reading, error) {
	var ts time.Time
	var ph, turbidity, tds *float64
	var phValid, turbidityValid, tdsValid bool

	err := s.pool.QueryRow(ctx, `
		SELECT ts, ph, turbidity, tds, ph_valid, turbidity_valid, tds_valid
		FROM readings
		WHERE device_id = @device_id AND deleted = FALSE
		ORDER BY ts DESC
		LIMIT 1
	`, pgx.NamedArgs{"device_id": deviceID}).
		Scan(&ts, &ph, &turbidity, &tds, &phValid, &turbidityValid, &tdsValid)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.Reading{}, ErrNoRows
		}
		return types.Reading{}, err
	}

	return scanReading(deviceID, ts, ph, turbidity, tds, phValid, turbidityValid, tdsValid, false, nil, nil), nil
}

func (s *Storage) QueryReadings(ctx context.Context, conditions ...ConditionFunc) (types.Collection[types.Reading], error) {
	condition := &Condition{timeColumn: "ts"}
	for _, f := range conditions {
		f(condition)
	}

	if condition.sortBy == "" {
		condition.sortBy = "ts"
		condition.sortOrder = "DESC"
	}

	var offsetLimit string
	if condition.offset != nil {
		offsetLimit += fmt.Sprintf("OFFSET %d ", condition.Offset())
	}
	if condition.limit != nil {
		offsetLimit += fmt.Sprintf("LIMIT %d ", condition.Limit())
	}

	query := fmt.Sprintf(`
		SELECT device_id, ts, ph, turbidity, tds, ph_valid, turbidity_valid, tds_valid, deleted, deleted_on, purge_after, count(*) OVER () AS count
		FROM readings
		%s
		ORDER BY %s %s
		%s
	`, condition.Where(), condition.SortBy(), condition.SortOrder(), offsetLimit)

	rows, err := s.pool.Query(ctx, query, condition.NamedArgs())
	if err != nil {
		return types.Collection[types.Reading]{}, err
	}

	var deviceID string
	var ts time.Time
	var ph, turbidity, tds *float64
	var phValid, turbidityValid, tdsValid, deleted bool
	var deletedOn, purgeAfter *time.Time
	var count int64

	readings := make([]types.Reading, 0)

	_, err = pgx.ForEachRow(rows, []any{&deviceID, &ts, &ph, &turbidity, &tds, &phValid, &turbidityValid, &tdsValid, &deleted, &deletedOn, &purgeAfter, &count}, func() error {
		readings = append(readings, scanReading(deviceID, ts, ph, turbidity, tds, phValid, turbidityValid, tdsValid, deleted, deletedOn, purgeAfter))
		return nil
	})
	if err != nil {
		return types.Collection[types.Reading]{}, err
	}

	return types.Collection[types.Reading]{
		Data:       readings,
		Count:      uint64(len(readings)),
		Offset:     uint64(condition.Offset()),
		Limit:      uint64(condition.Limit()),
		TotalCount: uint64(count),
	}, nil
}

func (s *Storage) CountReadings(ctx context.Context, conditions ...ConditionFunc) (int64, error) {
	condition := &Condition{timeColumn: "ts"}
	for _, f := range conditions {
		f(condition)
	}

	var count int64
	query := fmt.Sprintf(`SELECT count(*) FROM readings %s`, condition.Where())

	err := s.pool.QueryRow(ctx, query, condition.NamedArgs()).Scan(&count)
	if err != nil {
		return 0, err
	}

	return count, nil
}

// ReadingStatistics computes summary statistics server side. Channels whose
// validity flag is false at capture time are excluded from the aggregates.
func (s *Storage) ReadingStatistics(ctx context.Context, conditions ...ConditionFunc) (types.ReadingStats, error) {
	condition := &Condition{timeColumn: "ts"}
	for _, f := range conditions {
		f(condition)
	}

	var count int64
	var start, end *time.Time
	channels := map[types.Parameter]struct {
		count    int64
		min, max *float64
		avg      *float64
	}{}

	var phCount, turbidityCount, tdsCount int64
	var phMin, phMax, phAvg, tMin, tMax, tAvg, dMin, dMax, dAvg *float64

	query := fmt.Sprintf(`
		SELECT count(*),
			min(ts), max(ts),
			count(ph) FILTER (WHERE ph_valid), min(ph) FILTER (WHERE ph_valid), max(ph) FILTER (WHERE ph_valid), avg(ph) FILTER (WHERE ph_valid),
			count(turbidity) FILTER (WHERE turbidity_valid), min(turbidity) FILTER (WHERE turbidity_valid), max(turbidity) FILTER (WHERE turbidity_valid), avg(turbidity) FILTER (WHERE turbidity_valid),
			count(tds) FILTER (WHERE tds_valid), min(tds) FILTER (WHERE tds_valid), max(tds) FILTER (WHERE tds_valid), avg(tds) FILTER (WHERE tds_valid)
		FROM readings
		%s
	`, condition.Where())

	err := s.pool.QueryRow(ctx, query, condition.NamedArgs()).Scan(
		&count, &start, &end,
		&phCount, &phMin, &phMax, &phAvg,
		&turbidityCount, &tMin, &tMax, &tAvg,
		&tdsCount, &dMin, &dMax, &dAvg,
	)
	if err != nil {
		return types.ReadingStats{}, err
	}

	if count == 0 {
		return types.ReadingStats{}, ErrNoRows
	}

	channels[types.ParameterPH] = struct {
		count    int64
		min, max *float64
		avg      *float64
	}{phCount, phMin, phMax, phAvg}
	channels[types.ParameterTurbidity] = struct {
		count    int64
		min, max *float64
		avg      *float64
	}{turbidityCount, tMin, tMax, tAvg}
	channels[types.ParameterTDS] = struct {
		count    int64
		min, max *float64
		avg      *float64
	}{tdsCount, dMin, dMax, dAvg}

	stats := types.ReadingStats{
		Count:    count,
		Channels: map[types.Parameter]types.ChannelStats{},
	}
	if start != nil {
		stats.Start = *start
	}
	if end != nil {
		stats.End = *end
	}

	for p, c := range channels {
		if c.count == 0 {
			continue
		}
		stats.Channels[p] = types.ChannelStats{
			Count: c.count,
			Min:   *c.min,
			Max:   *c.max,
			Avg:   *c.avg,
		}
	}

	return stats, nil
}

var bucketKeyLayouts = map[types.Granularity]string{
	types.GranularityMinute: "2006-01-02T15:04",
	types.GranularityHour:   "2006-01-02T15",
	types.GranularityDay:    "2006-01-02",
	types.GranularityWeek:   "2006-01-02",
	types.GranularityMonth:  "2006-01",
}

// AggregateReadings groups readings into UTC calendar buckets. Empty buckets
// are omitted and results are ordered ascending by bucket time.
func (s *Storage) AggregateReadings(ctx context.Context, deviceID string, start, end time.Time, granularity types.Granularity) ([]types.ReadingBucket, error) {
	layout, ok := bucketKeyLayouts[granularity]
	if !ok {
		return nil, fmt.Errorf("unsupported granularity %q", granularity)
	}

	condition := &Condition{timeColumn: "ts"}
	WithTimeRange(start, end)(condition)
	if deviceID != "" {
		WithDeviceID(deviceID)(condition)
	}

	args := condition.NamedArgs()
	args["granularity"] = string(granularity)

	query := fmt.Sprintf(`
		SELECT date_trunc(@granularity, ts AT TIME ZONE 'UTC') AS bucket,
			count(*),
			count(ph) FILTER (WHERE ph_valid), min(ph) FILTER (WHERE ph_valid), max(ph) FILTER (WHERE ph_valid), avg(ph) FILTER (WHERE ph_valid),
			count(turbidity) FILTER (WHERE turbidity_valid), min(turbidity) FILTER (WHERE turbidity_valid), max(turbidity) FILTER (WHERE turbidity_valid), avg(turbidity) FILTER (WHERE turbidity_valid),
			count(tds) FILTER (WHERE tds_valid), min(tds) FILTER (WHERE tds_valid), max(tds) FILTER (WHERE tds_valid), avg(tds) FILTER (WHERE tds_valid)
		FROM readings
		%s
		GROUP BY bucket
		ORDER BY bucket ASC
	`, condition.Where())

	rows, err := s.pool.Query(ctx, query, args)
	if err != nil {
		return nil, err
	}

	var bucket time.Time
	var count int64
	var phCount, turbidityCount, tdsCount int64
	var phMin, phMax, phAvg, tMin, tMax, tAvg, dMin, dMax, dAvg *float64

	buckets := make([]types.ReadingBucket, 0)

	_, err = pgx.ForEachRow(rows, []any{
		&bucket, &count,
		&phCount, &phMin, &phMax, &phAvg,
		&turbidityCount, &tMin, &tMax, &tAvg,
		&tdsCount, &dMin, &dMax, &dAvg,
	}, func() error {
		ts := time.Date(bucket.Year(), bucket.Month(), bucket.Day(), bucket.Hour(), bucket.Minute(), 0, 0, time.UTC)

		b := types.ReadingBucket{
			BucketKey: ts.Format(layout),
			Timestamp: ts,
			Count:     count,
			Channels:  map[types.Parameter]types.ChannelStats{},
		}
		if phCount > 0 {
			b.Channels[types.ParameterPH] = types.ChannelStats{Count: phCount, Min: *phMin, Max: *phMax, Avg: *phAvg}
		}
		if turbidityCount > 0 {
			b.Channels[types.ParameterTurbidity] = types.ChannelStats{Count: turbidityCount, Min: *tMin, Max: *tMax, Avg: *tAvg}
		}
		if tdsCount > 0 {
			b.Channels[types.ParameterTDS] = types.ChannelStats{Count: tdsCount, Min: *dMin, Max: *dMax, Avg: *dAvg}
		}

		buckets = append(buckets, b)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return buckets, nil
}

// DeleteReadingsBefore removes rows whose ingest clock is older than the
// cutoff. Retention runs on created_on, not the device timestamp.
func (s *Storage) DeleteReadingsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM readings
		WHERE created_on < @cutoff
	`, pgx.NamedArgs{"cutoff": cutoff.UTC()})
	if err != nil {
		return 0, err
	}

	return tag.RowsAffected(), nil
}

func (s *Storage) TombstoneReadings(ctx context.Context, deviceID string, deletedOn, purgeAfter time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE readings
		SET deleted = TRUE, deleted_on = @deleted_on, purge_after = @purge_after
		WHERE device_id = @device_id AND deleted = FALSE
	`, pgx.NamedArgs{
		"device_id":   deviceID,
		"deleted_on":  deletedOn.UTC(),
		"purge_after": purgeAfter.UTC(),
	})

	return err
}

func (s *Storage) RestoreReadings(ctx context.Context, deviceID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE readings
		SET deleted = FALSE, deleted_on = NULL, purge_after = to_timestamp(extract(epoch from created_on)) + interval '90 days'
		WHERE device_id = @device_id AND deleted = TRUE
	`, pgx.NamedArgs{"device_id": deviceID})

	return err
}

func (s *Storage) PurgeReadings(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM readings
		WHERE deleted = TRUE AND purge_after < @now
	`, pgx.NamedArgs{"now": now.UTC()})
	if err != nil {
		return 0, err
	}

	return tag.RowsAffected(), nil
}

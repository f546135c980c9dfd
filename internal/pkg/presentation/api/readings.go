package api

import (
	"net/http"
	"time"

	"github.com/aquawatch/water-quality-mgmt/internal/pkg/application/readings"
	"github.com/aquawatch/water-quality-mgmt/pkg/types"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
)

// Raw readings allow a larger page than the other collections.
const maxReadingLimit = 1000

func queryReadingsHandler(svc readings.ReadingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "query-readings")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, _ = o11y.AddTraceIDToLoggerAndStoreInContext(span, logging.GetFromContext(ctx), ctx)

		p := parsePage(r, maxReadingLimit)

		collection, err := svc.Query(ctx, p.params(r))
		if err != nil {
			writeError(w, err)
			return
		}

		okPage(w, collection.Data, p, collection.TotalCount)
	}
}

// timeWindow parses optional start/end query parameters. Zero values mean
// the caller did not constrain that edge.
func timeWindow(r *http.Request) (time.Time, time.Time, bool) {
	var start, end time.Time

	if v := r.URL.Query().Get("start"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return start, end, false
		}
		start = parsed
	}
	if v := r.URL.Query().Get("end"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return start, end, false
		}
		end = parsed
	}

	return start, end, true
}

func readingStatisticsHandler(svc readings.ReadingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "reading-statistics")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, _ = o11y.AddTraceIDToLoggerAndStoreInContext(span, logging.GetFromContext(ctx), ctx)

		start, end, valid := timeWindow(r)
		if !valid {
			fail(w, http.StatusBadRequest, "validation_error", "start and end must be RFC3339 timestamps")
			return
		}

		stats, err := svc.Statistics(ctx, r.URL.Query().Get("device_id"), start, end)
		if err != nil {
			writeError(w, err)
			return
		}

		ok(w, stats)
	}
}

func aggregatedReadingsHandler(svc readings.ReadingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "aggregated-readings")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, _ = o11y.AddTraceIDToLoggerAndStoreInContext(span, logging.GetFromContext(ctx), ctx)

		start, end, valid := timeWindow(r)
		if !valid {
			fail(w, http.StatusBadRequest, "validation_error", "start and end must be RFC3339 timestamps")
			return
		}

		granularity := types.Granularity(r.URL.Query().Get("granularity"))
		if granularity == "" {
			granularity = types.GranularityHour
		}

		buckets, err := svc.Aggregate(ctx, r.URL.Query().Get("device_id"), start, end, granularity)
		if err != nil {
			writeError(w, err)
			return
		}

		ok(w, buckets)
	}
}

func readingCountHandler(svc readings.ReadingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "reading-count")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, _ = o11y.AddTraceIDToLoggerAndStoreInContext(span, logging.GetFromContext(ctx), ctx)

		params := map[string][]string{"limit": {"1"}}
		for k, v := range r.URL.Query() {
			params[k] = v
		}

		collection, err := svc.Query(ctx, params)
		if err != nil {
			writeError(w, err)
			return
		}

		ok(w, map[string]uint64{"count": collection.TotalCount})
	}
}

type ingestRequest struct {
	DeviceID string `json:"deviceID"`
	types.SensorPayload
}

func ingestReadingHandler(svc readings.ReadingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "ingest-reading")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, _ = o11y.AddTraceIDToLoggerAndStoreInContext(span, logging.GetFromContext(ctx), ctx)

		req := ingestRequest{}
		if err = decodeBody(r, &req); err != nil {
			fail(w, http.StatusBadRequest, "validation_error", "invalid request body", err.Error())
			return
		}

		reading, err := svc.Ingest(ctx, req.DeviceID, req.SensorPayload)
		if err != nil {
			writeError(w, err)
			return
		}

		created(w, reading)
	}
}

func bulkIngestHandler(svc readings.ReadingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "bulk-ingest")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, log := o11y.AddTraceIDToLoggerAndStoreInContext(span, logging.GetFromContext(ctx), ctx)

		batch := []types.Reading{}
		if err = decodeBody(r, &batch); err != nil {
			fail(w, http.StatusBadRequest, "validation_error", "invalid request body", err.Error())
			return
		}

		accepted, err := svc.IngestBulk(ctx, batch)
		if err != nil {
			writeError(w, err)
			return
		}

		log.Info("bulk ingest", "received", len(batch), "accepted", accepted)

		created(w, map[string]int{
			"received": len(batch),
			"accepted": accepted,
		})
	}
}

func deleteOldReadingsHandler(svc readings.ReadingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "delete-old-readings")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, log := o11y.AddTraceIDToLoggerAndStoreInContext(span, logging.GetFromContext(ctx), ctx)

		removed, err := svc.RemoveExpired(ctx)
		if err != nil {
			writeError(w, err)
			return
		}

		log.Info("expired readings removed", "count", removed)

		ok(w, map[string]int64{"removed": removed})
	}
}

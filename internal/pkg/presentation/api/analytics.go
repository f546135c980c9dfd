package api

import (
	"net/http"
	"time"

	"github.com/aquawatch/water-quality-mgmt/internal/pkg/application/alerts"
	"github.com/aquawatch/water-quality-mgmt/internal/pkg/application/devicemanagement"
	"github.com/aquawatch/water-quality-mgmt/internal/pkg/application/readings"
	"github.com/aquawatch/water-quality-mgmt/pkg/types"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
)

func analyticsSummaryHandler(r readings.ReadingService, d devicemanagement.DeviceManagement, a alerts.AlertService) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var err error

		ctx, span := tracer.Start(req.Context(), "analytics-summary")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, _ = o11y.AddTraceIDToLoggerAndStoreInContext(span, logging.GetFromContext(ctx), ctx)

		deviceStats, err := d.Stats(ctx)
		if err != nil {
			writeError(w, err)
			return
		}

		alertStats, err := a.Statistics(ctx, "")
		if err != nil {
			writeError(w, err)
			return
		}

		summary := map[string]any{
			"devices": deviceStats,
			"alerts":  alertStats,
		}

		// reading stats cover the trailing day; no data is not an error here
		readingStats, err := r.Statistics(ctx, req.URL.Query().Get("device_id"), time.Time{}, time.Time{})
		if err == nil {
			summary["readings"] = readingStats
		}
		err = nil

		ok(w, summary)
	}
}

// trendWindows maps the requested interval onto a bucket granularity and
// a trailing window wide enough to chart it.
var trendWindows = map[string]struct {
	granularity types.Granularity
	window      time.Duration
}{
	"minute": {types.GranularityMinute, time.Hour},
	"hour":   {types.GranularityHour, 24 * time.Hour},
	"day":    {types.GranularityDay, 30 * 24 * time.Hour},
	"week":   {types.GranularityWeek, 12 * 7 * 24 * time.Hour},
	"month":  {types.GranularityMonth, 365 * 24 * time.Hour},
}

func analyticsTrendsHandler(svc readings.ReadingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "analytics-trends")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, _ = o11y.AddTraceIDToLoggerAndStoreInContext(span, logging.GetFromContext(ctx), ctx)

		interval := r.URL.Query().Get("interval")
		if interval == "" {
			interval = "day"
		}

		trend, found := trendWindows[interval]
		if !found {
			fail(w, http.StatusBadRequest, "validation_error", "interval must be one of minute, hour, day, week, month")
			return
		}

		end := time.Now().UTC()
		start := end.Add(-trend.window)

		buckets, err := svc.Aggregate(ctx, r.URL.Query().Get("device_id"), start, end, trend.granularity)
		if err != nil {
			writeError(w, err)
			return
		}

		ok(w, map[string]any{
			"interval": interval,
			"start":    start,
			"end":      end,
			"buckets":  buckets,
		})
	}
}

type parameterInfo struct {
	Parameter   types.Parameter `json:"parameter"`
	Unit        string          `json:"unit"`
	Description string          `json:"description"`
}

func analyticsParametersHandler() http.HandlerFunc {
	parameters := []parameterInfo{
		{types.ParameterPH, "pH", "acidity of the water on the 0-14 pH scale"},
		{types.ParameterTurbidity, "NTU", "cloudiness caused by suspended particles"},
		{types.ParameterTDS, "ppm", "total dissolved solids"},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		ok(w, parameters)
	}
}

package api

import (
	"net/http"

	"github.com/aquawatch/water-quality-mgmt/internal/pkg/application/alerts"
	"github.com/aquawatch/water-quality-mgmt/internal/pkg/presentation/api/auth"
	"github.com/aquawatch/water-quality-mgmt/pkg/types"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/go-chi/chi/v5"
)

func queryAlertsHandler(svc alerts.AlertService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "query-alerts")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, _ = o11y.AddTraceIDToLoggerAndStoreInContext(span, logging.GetFromContext(ctx), ctx)

		p := parsePage(r, 100)

		collection, err := svc.Query(ctx, p.params(r))
		if err != nil {
			writeError(w, err)
			return
		}

		okPage(w, collection.Data, p, collection.TotalCount)
	}
}

func alertsForDeviceHandler(svc alerts.AlertService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "alerts-for-device")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, _ = o11y.AddTraceIDToLoggerAndStoreInContext(span, logging.GetFromContext(ctx), ctx)

		p := parsePage(r, 100)
		params := p.params(r)
		params["device_id"] = []string{chi.URLParam(r, "deviceID")}

		collection, err := svc.Query(ctx, params)
		if err != nil {
			writeError(w, err)
			return
		}

		okPage(w, collection.Data, p, collection.TotalCount)
	}
}

func alertStatisticsHandler(svc alerts.AlertService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "alert-statistics")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		stats, err := svc.Statistics(ctx, r.URL.Query().Get("device_id"))
		if err != nil {
			writeError(w, err)
			return
		}

		ok(w, stats)
	}
}

func unacknowledgedCountHandler(svc alerts.AlertService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "unacknowledged-count")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		stats, err := svc.Statistics(ctx, "")
		if err != nil {
			writeError(w, err)
			return
		}

		ok(w, map[string]int64{
			"count": stats.ByStatus[string(types.AlertUnacknowledged)],
		})
	}
}

func acknowledgeAlertHandler(svc alerts.AlertService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "acknowledge-alert")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, _ = o11y.AddTraceIDToLoggerAndStoreInContext(span, logging.GetFromContext(ctx), ctx)

		principal := auth.GetPrincipalFromContext(ctx)

		alert, err := svc.Acknowledge(ctx, chi.URLParam(r, "alertID"), principal.Name)
		if err != nil {
			writeError(w, err)
			return
		}

		ok(w, alert)
	}
}

type resolveRequest struct {
	Notes string `json:"notes,omitempty"`
}

func resolveAlertHandler(svc alerts.AlertService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "resolve-alert")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, _ = o11y.AddTraceIDToLoggerAndStoreInContext(span, logging.GetFromContext(ctx), ctx)

		req := resolveRequest{}
		if r.ContentLength > 0 {
			if err = decodeBody(r, &req); err != nil {
				fail(w, http.StatusBadRequest, "validation_error", "invalid request body", err.Error())
				return
			}
		}

		principal := auth.GetPrincipalFromContext(ctx)

		alert, err := svc.Resolve(ctx, chi.URLParam(r, "alertID"), principal.Name, req.Notes)
		if err != nil {
			writeError(w, err)
			return
		}

		ok(w, alert)
	}
}

func resolveAllAlertsHandler(svc alerts.AlertService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "resolve-all-alerts")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, log := o11y.AddTraceIDToLoggerAndStoreInContext(span, logging.GetFromContext(ctx), ctx)

		req := resolveRequest{}
		if r.ContentLength > 0 {
			if err = decodeBody(r, &req); err != nil {
				fail(w, http.StatusBadRequest, "validation_error", "invalid request body", err.Error())
				return
			}
		}

		principal := auth.GetPrincipalFromContext(ctx)

		resolved, err := svc.ResolveAll(ctx, principal.Name, req.Notes, r.URL.Query())
		if err != nil {
			writeError(w, err)
			return
		}

		log.Info("bulk resolve", "count", resolved, "resolved_by", principal.Name)

		ok(w, map[string]int{"resolved": resolved})
	}
}

func deleteAlertHandler(svc alerts.AlertService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "delete-alert")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, _ = o11y.AddTraceIDToLoggerAndStoreInContext(span, logging.GetFromContext(ctx), ctx)

		err = svc.Delete(ctx, chi.URLParam(r, "alertID"))
		if err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, response{Success: true, Message: "alert deleted"})
	}
}

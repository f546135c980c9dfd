package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/aquawatch/water-quality-mgmt/internal/pkg/application/reports"
	"github.com/aquawatch/water-quality-mgmt/internal/pkg/presentation/api/auth"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/go-chi/chi/v5"
)

type createReportRequest struct {
	Type        string         `json:"type"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Format      string         `json:"format,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

func createReportHandler(svc reports.ReportService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "create-report")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, log := o11y.AddTraceIDToLoggerAndStoreInContext(span, logging.GetFromContext(ctx), ctx)

		req := createReportRequest{}
		if err = decodeBody(r, &req); err != nil {
			fail(w, http.StatusBadRequest, "validation_error", "invalid request body", err.Error())
			return
		}

		if req.Title == "" {
			err = nil
			fail(w, http.StatusBadRequest, "validation_error", "title is required")
			return
		}

		principal := auth.GetPrincipalFromContext(ctx)

		report, err := svc.Create(ctx, req.Type, req.Title, req.Description, req.Format, req.Parameters, principal.Name)
		if err != nil {
			writeError(w, err)
			return
		}

		log.Info("report queued", "report_id", report.ID, "type", report.Type)

		writeJSON(w, http.StatusAccepted, response{Success: true, Data: report})
	}
}

func queryReportsHandler(svc reports.ReportService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "query-reports")
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

func getReportHandler(svc reports.ReportService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "get-report")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, _ = o11y.AddTraceIDToLoggerAndStoreInContext(span, logging.GetFromContext(ctx), ctx)

		report, err := svc.Get(ctx, chi.URLParam(r, "reportID"))
		if err != nil {
			writeError(w, err)
			return
		}

		ok(w, report)
	}
}

func downloadReportHandler(svc reports.ReportService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "download-report")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, log := o11y.AddTraceIDToLoggerAndStoreInContext(span, logging.GetFromContext(ctx), ctx)

		body, file, err := svc.Download(ctx, chi.URLParam(r, "reportID"))
		if err != nil {
			writeError(w, err)
			return
		}
		defer body.Close()

		w.Header().Set("Content-Type", file.ContentType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", file.Filename))
		if file.Size > 0 {
			w.Header().Set("Content-Length", strconv.FormatInt(file.Size, 10))
		}

		_, err = io.Copy(w, body)
		if err != nil {
			log.Error("report download interrupted", "err", err.Error())
		}
	}
}

func deleteReportHandler(svc reports.ReportService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "delete-report")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, _ = o11y.AddTraceIDToLoggerAndStoreInContext(span, logging.GetFromContext(ctx), ctx)

		err = svc.Delete(ctx, chi.URLParam(r, "reportID"))
		if err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, response{Success: true, Message: "report deleted"})
	}
}

func deleteExpiredReportsHandler(svc reports.ReportService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "delete-expired-reports")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, log := o11y.AddTraceIDToLoggerAndStoreInContext(span, logging.GetFromContext(ctx), ctx)

		removed, err := svc.RemoveExpired(ctx)
		if err != nil {
			writeError(w, err)
			return
		}

		log.Info("expired reports removed", "count", removed)

		ok(w, map[string]int{"removed": removed})
	}
}

func reportStatisticsHandler(svc reports.ReportService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "report-statistics")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		stats, err := svc.Statistics(ctx)
		if err != nil {
			writeError(w, err)
			return
		}

		ok(w, stats)
	}
}

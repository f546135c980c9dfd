package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/aquawatch/water-quality-mgmt/internal/pkg/application/alerts"
	"github.com/aquawatch/water-quality-mgmt/internal/pkg/application/devicemanagement"
	"github.com/aquawatch/water-quality-mgmt/internal/pkg/application/readings"
	"github.com/aquawatch/water-quality-mgmt/internal/pkg/application/reports"
	"github.com/aquawatch/water-quality-mgmt/internal/pkg/application/webevents"
	"github.com/aquawatch/water-quality-mgmt/internal/pkg/infrastructure/bridge"
	"github.com/aquawatch/water-quality-mgmt/internal/pkg/presentation/api/auth"
	"github.com/aquawatch/water-quality-mgmt/pkg/types"
	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("water-quality-mgmt/api")

// Pinger is what the health endpoint needs from the database.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Services struct {
	Devices  devicemanagement.DeviceManagement
	Alerts   alerts.AlertService
	Readings readings.ReadingService
	Reports  reports.ReportService
	Events   webevents.WebEvents
	Bridge   *bridge.Metrics
	DB       Pinger
}

func RegisterHandlers(ctx context.Context, router *chi.Mux, policies io.Reader, svcs Services) (*chi.Mux, error) {
	authenticator, err := auth.NewAuthenticator(ctx, policies)
	if err != nil {
		return nil, fmt.Errorf("failed to create api authenticator: %w", err)
	}

	router.Use(cors.New(cors.Options{
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler)

	router.Get("/health", newHealthHandler(svcs.DB, svcs.Bridge))

	staff := authenticator.RequireRole(auth.RoleStaff, auth.RoleAdmin)
	admin := authenticator.RequireRole(auth.RoleAdmin)

	router.Route("/api/v1", func(r chi.Router) {
		r.Route("/devices", func(r chi.Router) {
			r.With(staff).Get("/", queryDevicesHandler(svcs.Devices))
			r.With(staff).Get("/stats", deviceStatsHandler(svcs.Devices))
			r.With(admin).Get("/pending", pendingDevicesHandler(svcs.Devices))
			r.With(admin).Get("/deleted", deletedDevicesHandler(svcs.Devices))
			r.Post("/register", registerDeviceHandler(svcs.Devices))
			r.With(admin).Post("/check-offline", checkOfflineHandler(svcs.Devices))
			r.With(admin).Post("/discover", requestDiscoveryHandler(svcs.Devices))
			r.With(staff).Get("/{deviceID}", getDeviceHandler(svcs.Devices))
			r.With(admin).Patch("/{deviceID}", patchDeviceHandler(svcs.Devices))
			r.With(admin).Patch("/{deviceID}/approve", approveDeviceHandler(svcs.Devices))
			r.With(admin).Patch("/{deviceID}/status", setDeviceStatusHandler(svcs.Devices))
			r.With(admin).Post("/{deviceID}/command", sendCommandHandler(svcs.Devices))
			r.With(staff).Post("/{deviceID}/send-now", sendNowHandler(svcs.Devices))
			r.With(admin).Post("/{deviceID}/recover", recoverDeviceHandler(svcs.Devices))
			r.With(admin).Delete("/{deviceID}", deleteDeviceHandler(svcs.Devices))
		})

		r.Route("/alerts", func(r chi.Router) {
			r.With(staff).Get("/", queryAlertsHandler(svcs.Alerts))
			r.With(staff).Get("/statistics", alertStatisticsHandler(svcs.Alerts))
			r.With(staff).Get("/unacknowledged/count", unacknowledgedCountHandler(svcs.Alerts))
			r.With(staff).Get("/device/{deviceID}", alertsForDeviceHandler(svcs.Alerts))
			r.With(staff).Patch("/resolve-all", resolveAllAlertsHandler(svcs.Alerts))
			r.With(staff).Patch("/{alertID}/acknowledge", acknowledgeAlertHandler(svcs.Alerts))
			r.With(staff).Patch("/{alertID}/resolve", resolveAlertHandler(svcs.Alerts))
			r.With(admin).Delete("/{alertID}", deleteAlertHandler(svcs.Alerts))
		})

		r.Route("/sensor-readings", func(r chi.Router) {
			r.With(staff).Get("/", queryReadingsHandler(svcs.Readings))
			r.With(staff).Get("/statistics", readingStatisticsHandler(svcs.Readings))
			r.With(staff).Get("/aggregated", aggregatedReadingsHandler(svcs.Readings))
			r.With(staff).Get("/count", readingCountHandler(svcs.Readings))
			r.Post("/", ingestReadingHandler(svcs.Readings))
			r.With(admin).Post("/bulk", bulkIngestHandler(svcs.Readings))
			r.With(admin).Delete("/old", deleteOldReadingsHandler(svcs.Readings))
		})

		r.Route("/reports", func(r chi.Router) {
			r.With(staff).Post("/", createReportHandler(svcs.Reports))
			r.With(staff).Get("/", queryReportsHandler(svcs.Reports))
			r.With(staff).Get("/statistics", reportStatisticsHandler(svcs.Reports))
			r.With(admin).Delete("/expired", deleteExpiredReportsHandler(svcs.Reports))
			r.With(staff).Get("/{reportID}", getReportHandler(svcs.Reports))
			r.With(staff).Get("/{reportID}/download", downloadReportHandler(svcs.Reports))
			r.With(admin).Delete("/{reportID}", deleteReportHandler(svcs.Reports))
		})

		r.Route("/analytics", func(r chi.Router) {
			r.With(staff).Get("/summary", analyticsSummaryHandler(svcs.Readings, svcs.Devices, svcs.Alerts))
			r.With(staff).Get("/trends", analyticsTrendsHandler(svcs.Readings))
			r.With(staff).Get("/parameters", analyticsParametersHandler())
		})
	})

	router.Mount("/events", svcs.Events.Server())

	return router, nil
}

// Every response carries this envelope.
type response struct {
	Success    bool        `json:"success"`
	Data       any         `json:"data,omitempty"`
	Pagination *pagination `json:"pagination,omitempty"`
	Message    string      `json:"message,omitempty"`
	Error      *apiError   `json:"error,omitempty"`
}

type apiError struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

type pagination struct {
	Page       int    `json:"page"`
	Limit      int    `json:"limit"`
	Total      uint64 `json:"total"`
	TotalPages int    `json:"totalPages"`
}

func writeJSON(w http.ResponseWriter, status int, body response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func ok(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, response{Success: true, Data: data})
}

func created(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusCreated, response{Success: true, Data: data})
}

func okPage(w http.ResponseWriter, data any, page page, total uint64) {
	totalPages := 0
	if page.limit > 0 {
		totalPages = int((total + uint64(page.limit) - 1) / uint64(page.limit))
	}

	writeJSON(w, http.StatusOK, response{
		Success: true,
		Data:    data,
		Pagination: &pagination{
			Page:       page.number,
			Limit:      page.limit,
			Total:      total,
			TotalPages: totalPages,
		},
	})
}

func fail(w http.ResponseWriter, status int, code, message string, details ...string) {
	writeJSON(w, status, response{
		Success: false,
		Error:   &apiError{Code: code, Message: message, Details: details},
	})
}

// writeError maps service errors onto the wire taxonomy.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, devicemanagement.ErrDeviceNotFound),
		errors.Is(err, alerts.ErrAlertNotFound),
		errors.Is(err, readings.ErrNoReadings),
		errors.Is(err, readings.ErrUnknownDevice),
		errors.Is(err, reports.ErrReportNotFound):
		fail(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, devicemanagement.ErrDeviceAlreadyExist),
		errors.Is(err, devicemanagement.ErrDeviceAlreadyDeleted),
		errors.Is(err, devicemanagement.ErrDeviceNotPending),
		errors.Is(err, devicemanagement.ErrDeviceNotRegistered),
		errors.Is(err, devicemanagement.ErrDeviceOffline),
		errors.Is(err, alerts.ErrAlreadyAcknowledged),
		errors.Is(err, alerts.ErrAlreadyResolved),
		errors.Is(err, reports.ErrReportNotReady):
		fail(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, devicemanagement.ErrRecoveryExpired),
		errors.Is(err, devicemanagement.ErrDeviceDeleted):
		fail(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, readings.ErrValidation),
		errors.Is(err, reports.ErrUnknownReportType):
		fail(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, bridge.ErrBrokerUnavailable):
		fail(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	default:
		fail(w, http.StatusInternalServerError, "internal", "internal server error")
	}
}

type page struct {
	number int
	limit  int
}

// parsePage reads page/limit query parameters and clamps the limit.
func parsePage(r *http.Request, maxLimit int) page {
	p := page{number: 1, limit: 20}

	if v := r.URL.Query().Get("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 1 {
			p.number = n
		}
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 1 {
			p.limit = n
		}
	}
	if p.limit > maxLimit {
		p.limit = maxLimit
	}

	return p
}

func (p page) offset() int {
	return (p.number - 1) * p.limit
}

// params converts query values to service filter params, adding the
// translated offset/limit.
func (p page) params(r *http.Request) map[string][]string {
	params := map[string][]string{}
	for k, v := range r.URL.Query() {
		params[k] = v
	}

	delete(params, "page")
	params["limit"] = []string{strconv.Itoa(p.limit)}
	params["offset"] = []string{strconv.Itoa(p.offset())}

	return params
}

func decodeBody(r *http.Request, into any) error {
	defer r.Body.Close()

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	return decoder.Decode(into)
}

// remainingDays is the countdown shown for soft deleted devices.
func remainingDays(device types.Device) int {
	if device.ScheduledPermanentDeletionAt == nil {
		return 0
	}

	days := int(device.ScheduledPermanentDeletionAt.Sub(time.Now().UTC()).Hours() / 24)
	if days < 0 {
		days = 0
	}

	return days
}

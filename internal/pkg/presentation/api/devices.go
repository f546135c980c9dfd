package api

import (
	"net/http"
	"time"

	"github.com/aquawatch/water-quality-mgmt/internal/pkg/application/devicemanagement"
	"github.com/aquawatch/water-quality-mgmt/internal/pkg/application/watchdog"
	"github.com/aquawatch/water-quality-mgmt/internal/pkg/presentation/api/auth"
	"github.com/aquawatch/water-quality-mgmt/pkg/types"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/go-chi/chi/v5"
)

func queryDevicesHandler(svc devicemanagement.DeviceManagement) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "query-devices")
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

func getDeviceHandler(svc devicemanagement.DeviceManagement) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "get-device")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, _ = o11y.AddTraceIDToLoggerAndStoreInContext(span, logging.GetFromContext(ctx), ctx)

		device, err := svc.Get(ctx, chi.URLParam(r, "deviceID"))
		if err != nil {
			writeError(w, err)
			return
		}

		ok(w, device)
	}
}

func deviceStatsHandler(svc devicemanagement.DeviceManagement) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "device-stats")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		stats, err := svc.Stats(ctx)
		if err != nil {
			writeError(w, err)
			return
		}

		ok(w, stats)
	}
}

func pendingDevicesHandler(svc devicemanagement.DeviceManagement) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "pending-devices")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		p := parsePage(r, 100)
		params := p.params(r)
		params["registration_status"] = []string{types.RegistrationPending}

		collection, err := svc.Query(ctx, params)
		if err != nil {
			writeError(w, err)
			return
		}

		okPage(w, collection.Data, p, collection.TotalCount)
	}
}

type deletedDevice struct {
	types.Device
	DaysUntilPurge int `json:"daysUntilPurge"`
}

func deletedDevicesHandler(svc devicemanagement.DeviceManagement) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "deleted-devices")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		p := parsePage(r, 100)
		params := p.params(r)
		params["deleted"] = []string{"true"}

		collection, err := svc.Query(ctx, params)
		if err != nil {
			writeError(w, err)
			return
		}

		deleted := make([]deletedDevice, 0, len(collection.Data))
		for _, device := range collection.Data {
			deleted = append(deleted, deletedDevice{
				Device:         device,
				DaysUntilPurge: remainingDays(device),
			})
		}

		okPage(w, deleted, p, collection.TotalCount)
	}
}

type registerDeviceRequest struct {
	DeviceID        string         `json:"deviceID"`
	Name            string         `json:"name,omitempty"`
	Type            string         `json:"type,omitempty"`
	FirmwareVersion string         `json:"firmwareVersion,omitempty"`
	MACAddress      string         `json:"macAddress,omitempty"`
	IPAddress       string         `json:"ipAddress,omitempty"`
	Sensors         []string       `json:"sensors,omitempty"`
	Location        types.Location `json:"location,omitempty"`
}

func registerDeviceHandler(svc devicemanagement.DeviceManagement) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "register-device")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, log := o11y.AddTraceIDToLoggerAndStoreInContext(span, logging.GetFromContext(ctx), ctx)

		req := registerDeviceRequest{}
		if err = decodeBody(r, &req); err != nil {
			fail(w, http.StatusBadRequest, "validation_error", "invalid request body", err.Error())
			return
		}

		if req.DeviceID == "" {
			err = nil
			fail(w, http.StatusBadRequest, "validation_error", "deviceID is required")
			return
		}

		device, err := svc.Register(ctx, types.Device{
			DeviceID:        req.DeviceID,
			Name:            req.Name,
			Type:            req.Type,
			FirmwareVersion: req.FirmwareVersion,
			MACAddress:      req.MACAddress,
			IPAddress:       req.IPAddress,
			Sensors:         req.Sensors,
			Location:        req.Location,
		})
		if err != nil {
			writeError(w, err)
			return
		}

		log.Info("device registered", "device_id", device.DeviceID)

		created(w, device)
	}
}

func approveDeviceHandler(svc devicemanagement.DeviceManagement) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "approve-device")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, log := o11y.AddTraceIDToLoggerAndStoreInContext(span, logging.GetFromContext(ctx), ctx)

		deviceID := chi.URLParam(r, "deviceID")

		device, err := svc.Approve(ctx, deviceID)
		if err != nil {
			writeError(w, err)
			return
		}

		principal := auth.GetPrincipalFromContext(ctx)
		log.Info("device approved", "device_id", deviceID, "approved_by", principal.Name)

		ok(w, device)
	}
}

func patchDeviceHandler(svc devicemanagement.DeviceManagement) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "patch-device")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, _ = o11y.AddTraceIDToLoggerAndStoreInContext(span, logging.GetFromContext(ctx), ctx)

		fields := map[string]any{}
		if err = decodeBody(r, &fields); err != nil {
			fail(w, http.StatusBadRequest, "validation_error", "invalid request body", err.Error())
			return
		}

		device, err := svc.Patch(ctx, chi.URLParam(r, "deviceID"), fields)
		if err != nil {
			writeError(w, err)
			return
		}

		ok(w, device)
	}
}

type setStatusRequest struct {
	Status string `json:"status"`
}

func setDeviceStatusHandler(svc devicemanagement.DeviceManagement) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "set-device-status")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, _ = o11y.AddTraceIDToLoggerAndStoreInContext(span, logging.GetFromContext(ctx), ctx)

		req := setStatusRequest{}
		if err = decodeBody(r, &req); err != nil {
			fail(w, http.StatusBadRequest, "validation_error", "invalid request body", err.Error())
			return
		}

		if req.Status != types.DeviceOnline && req.Status != types.DeviceOffline {
			err = nil
			fail(w, http.StatusBadRequest, "validation_error", "status must be online or offline")
			return
		}

		err = svc.SetStatus(ctx, chi.URLParam(r, "deviceID"), req.Status, time.Now().UTC())
		if err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, response{Success: true, Message: "status updated"})
	}
}

type commandRequest struct {
	Command string `json:"command"`
	Payload any    `json:"payload,omitempty"`
}

func sendCommandHandler(svc devicemanagement.DeviceManagement) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "send-command")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, _ = o11y.AddTraceIDToLoggerAndStoreInContext(span, logging.GetFromContext(ctx), ctx)

		req := commandRequest{}
		if err = decodeBody(r, &req); err != nil {
			fail(w, http.StatusBadRequest, "validation_error", "invalid request body", err.Error())
			return
		}

		if req.Command == "" {
			err = nil
			fail(w, http.StatusBadRequest, "validation_error", "command is required")
			return
		}

		err = svc.SendCommand(ctx, chi.URLParam(r, "deviceID"), req.Command, req.Payload)
		if err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, response{Success: true, Message: "command sent"})
	}
}

// sendNowHandler asks the device for an immediate sample outside its
// normal reporting cadence.
func sendNowHandler(svc devicemanagement.DeviceManagement) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "send-now")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, _ = o11y.AddTraceIDToLoggerAndStoreInContext(span, logging.GetFromContext(ctx), ctx)

		err = svc.SendCommand(ctx, chi.URLParam(r, "deviceID"), "send-now", nil)
		if err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, response{Success: true, Message: "sample requested"})
	}
}

func recoverDeviceHandler(svc devicemanagement.DeviceManagement) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "recover-device")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, log := o11y.AddTraceIDToLoggerAndStoreInContext(span, logging.GetFromContext(ctx), ctx)

		deviceID := chi.URLParam(r, "deviceID")

		device, err := svc.Recover(ctx, deviceID)
		if err != nil {
			writeError(w, err)
			return
		}

		log.Info("device recovered", "device_id", deviceID)

		ok(w, device)
	}
}

func deleteDeviceHandler(svc devicemanagement.DeviceManagement) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "delete-device")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, log := o11y.AddTraceIDToLoggerAndStoreInContext(span, logging.GetFromContext(ctx), ctx)

		deviceID := chi.URLParam(r, "deviceID")

		err = svc.Delete(ctx, deviceID)
		if err != nil {
			writeError(w, err)
			return
		}

		log.Info("device deleted", "device_id", deviceID)

		writeJSON(w, http.StatusOK, response{Success: true, Message: "device deleted"})
	}
}

// requestDiscoveryHandler solicits registrations from devices that have
// not announced themselves yet.
func requestDiscoveryHandler(svc devicemanagement.DeviceManagement) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "request-discovery")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, _ = o11y.AddTraceIDToLoggerAndStoreInContext(span, logging.GetFromContext(ctx), ctx)

		err = svc.RequestDiscovery(ctx)
		if err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, response{Success: true, Message: "discovery requested"})
	}
}

func checkOfflineHandler(svc devicemanagement.DeviceManagement) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "check-offline")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, _ = o11y.AddTraceIDToLoggerAndStoreInContext(span, logging.GetFromContext(ctx), ctx)

		transitioned, err := svc.SweepOffline(ctx, watchdog.OfflineThreshold)
		if err != nil {
			writeError(w, err)
			return
		}

		ok(w, map[string]any{
			"markedOffline": len(transitioned),
			"deviceIDs":     transitioned,
		})
	}
}

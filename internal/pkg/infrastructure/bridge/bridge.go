package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aquawatch/water-quality-mgmt/internal/pkg/application/alerts"
	"github.com/aquawatch/water-quality-mgmt/internal/pkg/application/devicemanagement"
	"github.com/aquawatch/water-quality-mgmt/internal/pkg/application/readings"
	"github.com/aquawatch/water-quality-mgmt/pkg/types"
	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("water-quality-mgmt/bridge")

// messageDeadline bounds how long one broker message may occupy its
// device's executor.
const messageDeadline = 10 * time.Second

// Bridge translates broker traffic into service calls. Messages for the
// same device run in arrival order on a per-device serial executor;
// different devices proceed in parallel.
type Bridge struct {
	messenger messaging.MsgContext
	devices   devicemanagement.DeviceManagement
	readings  readings.ReadingService
	alerts    alerts.AlertService
	metrics   *Metrics

	mu        sync.Mutex
	executors map[string]chan func()
	wg        sync.WaitGroup
	closed    bool
}

func New(messenger messaging.MsgContext, devices devicemanagement.DeviceManagement, r readings.ReadingService, a alerts.AlertService, metrics *Metrics) *Bridge {
	return &Bridge{
		messenger: messenger,
		devices:   devices,
		readings:  r,
		alerts:    a,
		metrics:   metrics,
		executors: make(map[string]chan func()),
	}
}

// Start registers the topic handlers. The registration, sensor data and
// status families each match any device id in the trailing segment.
func (b *Bridge) Start(ctx context.Context) error {
	handlers := map[string]messaging.TopicMessageHandler{
		"device.registration.*": b.newRegistrationHandler(),
		"device.sensordata.*":   b.newSensorDataHandler(),
		"device.status.*":       b.newStatusHandler(),
	}

	for routingKey, handler := range handlers {
		err := b.messenger.RegisterTopicMessageHandler(routingKey, handler)
		if err != nil {
			return fmt.Errorf("could not register handler for %s: %w", routingKey, err)
		}
	}

	b.metrics.SetConnected(true)

	return nil
}

func (b *Bridge) Stop() {
	b.mu.Lock()
	b.closed = true
	for _, queue := range b.executors {
		close(queue)
	}
	b.mu.Unlock()

	b.wg.Wait()
	b.metrics.SetConnected(false)
}

// dispatch queues work on the device's serial executor, creating it on
// first use. Work for one device never runs concurrently with itself.
func (b *Bridge) dispatch(deviceID string, work func()) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}

	queue, ok := b.executors[deviceID]
	if !ok {
		queue = make(chan func(), 64)
		b.executors[deviceID] = queue

		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			for w := range queue {
				w()
			}
		}()
	}
	b.mu.Unlock()

	select {
	case queue <- work:
	default:
		// the device is flooding faster than we can persist; shed load
		b.metrics.IncFailed("overflow")
	}
}

// deviceIDFromTopic returns the trailing segment of the routing key.
func deviceIDFromTopic(topic string) string {
	idx := strings.LastIndex(topic, ".")
	if idx < 0 || idx == len(topic)-1 {
		return ""
	}
	return topic[idx+1:]
}

func (b *Bridge) newSensorDataHandler() messaging.TopicMessageHandler {
	return func(ctx context.Context, itm messaging.IncomingTopicMessage, l *slog.Logger) {
		b.metrics.IncReceived("sensordata")

		deviceID := deviceIDFromTopic(itm.TopicName())
		if deviceID == "" {
			b.metrics.IncFailed("sensordata")
			l.Error("sensor data without device id in topic", "topic", itm.TopicName())
			return
		}

		payload := types.SensorPayload{}
		err := json.Unmarshal(itm.Body(), &payload)
		if err != nil {
			b.metrics.IncFailed("sensordata")
			l.Error("malformed sensor payload", "device_id", deviceID, "err", err.Error())
			return
		}

		b.dispatch(deviceID, func() {
			b.handleSensorData(ctx, l, deviceID, payload)
		})
	}
}

func (b *Bridge) handleSensorData(ctx context.Context, l *slog.Logger, deviceID string, payload types.SensorPayload) {
	var err error

	ctx, cancel := context.WithTimeout(ctx, messageDeadline)
	defer cancel()

	ctx, span := tracer.Start(ctx, "sensor-data")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
	_, ctx, log := o11y.AddTraceIDToLoggerAndStoreInContext(span, l, ctx)

	device, err := b.devices.Get(ctx, deviceID)
	if err != nil {
		b.metrics.IncFailed("sensordata")
		log.Debug("sensor data from unknown device dropped", "device_id", deviceID)
		return
	}

	reading, err := b.readings.Ingest(ctx, deviceID, payload)
	if err != nil {
		b.metrics.IncFailed("sensordata")
		log.Error("could not persist reading", "device_id", deviceID, "err", err.Error())
		return
	}

	// presence touch and threshold evaluation are independent of each other
	var wg sync.WaitGroup
	var observeErr, evalErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		observeErr = b.devices.Observe(ctx, deviceID, reading.Timestamp)
	}()
	go func() {
		defer wg.Done()
		_, evalErr = b.alerts.HandleReading(ctx, device, reading)
	}()
	wg.Wait()

	if observeErr != nil {
		log.Error("could not update last seen", "device_id", deviceID, "err", observeErr.Error())
	}
	if evalErr != nil {
		log.Error("could not evaluate thresholds", "device_id", deviceID, "err", evalErr.Error())
	}

	if err = ctx.Err(); err != nil {
		b.metrics.IncFailed("sensordata")
	}
}

func (b *Bridge) newRegistrationHandler() messaging.TopicMessageHandler {
	return func(ctx context.Context, itm messaging.IncomingTopicMessage, l *slog.Logger) {
		b.metrics.IncReceived("registration")

		reg := types.RegistrationPayload{}
		err := json.Unmarshal(itm.Body(), &reg)
		if err != nil {
			b.metrics.IncFailed("registration")
			l.Error("malformed registration payload", "err", err.Error())
			return
		}

		if reg.DeviceID == "" {
			reg.DeviceID = deviceIDFromTopic(itm.TopicName())
		}
		if reg.DeviceID == "" {
			b.metrics.IncFailed("registration")
			l.Error("registration without device id", "topic", itm.TopicName())
			return
		}

		b.dispatch(reg.DeviceID, func() {
			b.handleRegistration(ctx, l, reg)
		})
	}
}

func (b *Bridge) handleRegistration(ctx context.Context, l *slog.Logger, reg types.RegistrationPayload) {
	var err error

	ctx, cancel := context.WithTimeout(ctx, messageDeadline)
	defer cancel()

	ctx, span := tracer.Start(ctx, "device-registration")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
	_, ctx, log := o11y.AddTraceIDToLoggerAndStoreInContext(span, l, ctx)

	_, err = b.devices.AutoRegister(ctx, reg)
	if err != nil {
		b.metrics.IncFailed("registration")
		log.Error("could not autoregister device", "device_id", reg.DeviceID, "err", err.Error())
		return
	}

	err = b.devices.Heartbeat(ctx, reg.DeviceID, time.Now().UTC())
	if err != nil {
		log.Error("could not record heartbeat after registration", "device_id", reg.DeviceID, "err", err.Error())
	}
}

func (b *Bridge) newStatusHandler() messaging.TopicMessageHandler {
	return func(ctx context.Context, itm messaging.IncomingTopicMessage, l *slog.Logger) {
		b.metrics.IncReceived("status")

		deviceID := deviceIDFromTopic(itm.TopicName())
		if deviceID == "" {
			b.metrics.IncFailed("status")
			l.Error("status without device id in topic", "topic", itm.TopicName())
			return
		}

		status := types.StatusPayload{}
		err := json.Unmarshal(itm.Body(), &status)
		if err != nil {
			b.metrics.IncFailed("status")
			l.Error("malformed status payload", "device_id", deviceID, "err", err.Error())
			return
		}

		b.dispatch(deviceID, func() {
			b.handleStatus(ctx, l, deviceID, status)
		})
	}
}

func (b *Bridge) handleStatus(ctx context.Context, l *slog.Logger, deviceID string, status types.StatusPayload) {
	var err error

	ctx, cancel := context.WithTimeout(ctx, messageDeadline)
	defer cancel()

	ctx, span := tracer.Start(ctx, "device-status")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
	_, ctx, log := o11y.AddTraceIDToLoggerAndStoreInContext(span, l, ctx)

	now := time.Now().UTC()

	if status.Status == types.DeviceOnline {
		err = b.devices.Heartbeat(ctx, deviceID, now)
	} else {
		err = b.devices.SetStatus(ctx, deviceID, types.DeviceOffline, now)
	}

	if err != nil {
		b.metrics.IncFailed("status")
		log.Error("could not handle device status", "device_id", deviceID, "status", status.Status, "err", err.Error())
	}
}

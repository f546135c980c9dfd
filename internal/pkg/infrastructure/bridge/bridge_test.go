package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/aquawatch/water-quality-mgmt/pkg/types"
	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/matryer/is"
	"github.com/prometheus/client_golang/prometheus"
)

func TestDeviceIDFromTopic(t *testing.T) {
	is := is.New(t)

	is.Equal(deviceIDFromTopic("device.sensordata.sensor-01"), "sensor-01")
	is.Equal(deviceIDFromTopic("device.sensordata."), "")
	is.Equal(deviceIDFromTopic("sensordata"), "")
}

func TestSensorDataFlowsThroughPipeline(t *testing.T) {
	is := is.New(t)

	devices := newDevicesMock()
	r := &readingsMock{}
	a := &alertsMock{}

	b, metrics := newBridge(devices, r, a)

	handler := b.newSensorDataHandler()
	handler(context.Background(), incoming("device.sensordata.sensor-01", `{"pH": 7.2}`), slog.Default())

	b.Stop()

	is.Equal(len(r.ingested), 1)
	is.Equal(r.ingested[0], "sensor-01")
	is.Equal(len(devices.observed), 1)
	is.Equal(a.handled, 1)

	snap := metrics.Snapshot()
	is.Equal(snap.Received, int64(1))
	is.Equal(snap.Failed, int64(0))
}

func TestMalformedSensorPayloadIsCountedFailed(t *testing.T) {
	is := is.New(t)

	r := &readingsMock{}
	b, metrics := newBridge(newDevicesMock(), r, &alertsMock{})

	handler := b.newSensorDataHandler()
	handler(context.Background(), incoming("device.sensordata.sensor-01", `{"pH": `), slog.Default())

	b.Stop()

	is.Equal(len(r.ingested), 0)
	is.Equal(metrics.Snapshot().Failed, int64(1))
}

func TestSensorDataWithoutDeviceIDIsDropped(t *testing.T) {
	is := is.New(t)

	r := &readingsMock{}
	b, metrics := newBridge(newDevicesMock(), r, &alertsMock{})

	handler := b.newSensorDataHandler()
	handler(context.Background(), incoming("sensordata", `{"pH": 7.2}`), slog.Default())

	b.Stop()

	is.Equal(len(r.ingested), 0)
	is.Equal(metrics.Snapshot().Failed, int64(1))
}

func TestReadingFromUnknownDeviceIsDropped(t *testing.T) {
	is := is.New(t)

	devices := newDevicesMock()
	devices.get = func(ctx context.Context, deviceID string) (types.Device, error) {
		return types.Device{}, errors.New("no such device")
	}

	r := &readingsMock{}
	b, metrics := newBridge(devices, r, &alertsMock{})

	handler := b.newSensorDataHandler()
	handler(context.Background(), incoming("device.sensordata.ghost", `{"pH": 7.2}`), slog.Default())

	b.Stop()

	is.Equal(len(r.ingested), 0)
	is.Equal(metrics.Snapshot().Failed, int64(1))
}

func TestRegistrationFallsBackToTopicDeviceID(t *testing.T) {
	is := is.New(t)

	devices := newDevicesMock()
	b, _ := newBridge(devices, &readingsMock{}, &alertsMock{})

	handler := b.newRegistrationHandler()
	handler(context.Background(), incoming("device.registration.sensor-09", `{"name": "intake"}`), slog.Default())

	b.Stop()

	is.Equal(len(devices.registered), 1)
	is.Equal(devices.registered[0].DeviceID, "sensor-09")
	is.Equal(len(devices.heartbeats), 1)
}

func TestRegistrationWithoutAnyDeviceIDIsDropped(t *testing.T) {
	is := is.New(t)

	devices := newDevicesMock()
	b, metrics := newBridge(devices, &readingsMock{}, &alertsMock{})

	handler := b.newRegistrationHandler()
	handler(context.Background(), incoming("device.registration.", `{}`), slog.Default())

	b.Stop()

	is.Equal(len(devices.registered), 0)
	is.Equal(metrics.Snapshot().Failed, int64(1))
}

func TestStatusRoutesOnlineToHeartbeat(t *testing.T) {
	is := is.New(t)

	devices := newDevicesMock()
	b, _ := newBridge(devices, &readingsMock{}, &alertsMock{})

	handler := b.newStatusHandler()
	handler(context.Background(), incoming("device.status.sensor-01", `{"status": "online"}`), slog.Default())
	handler(context.Background(), incoming("device.status.sensor-01", `{"status": "offline"}`), slog.Default())

	b.Stop()

	is.Equal(len(devices.heartbeats), 1)
	is.Equal(len(devices.statuses), 1)
	is.Equal(devices.statuses[0], types.DeviceOffline)
}

func TestWorkForOneDeviceRunsInArrivalOrder(t *testing.T) {
	is := is.New(t)

	b, _ := newBridge(newDevicesMock(), &readingsMock{}, &alertsMock{})

	order := make([]int, 0, 50)
	for i := 0; i < 50; i++ {
		i := i
		b.dispatch("sensor-01", func() {
			order = append(order, i)
		})
	}

	b.Stop()

	is.Equal(len(order), 50)
	for i, got := range order {
		is.Equal(got, i)
	}
}

func TestFloodedDeviceShedsLoad(t *testing.T) {
	is := is.New(t)

	b, metrics := newBridge(newDevicesMock(), &readingsMock{}, &alertsMock{})

	started := make(chan struct{})
	release := make(chan struct{})
	b.dispatch("sensor-01", func() {
		close(started)
		<-release
	})
	<-started

	// fill the executor queue, then one more to overflow it
	for i := 0; i < 64; i++ {
		b.dispatch("sensor-01", func() {})
	}
	b.dispatch("sensor-01", func() {})

	close(release)
	b.Stop()

	is.Equal(metrics.Snapshot().Failed, int64(1))
}

func newBridge(devices *devicesMock, r *readingsMock, a *alertsMock) (*Bridge, *Metrics) {
	metrics := NewMetrics(prometheus.NewRegistry())
	return New(nil, devices, r, a, metrics), metrics
}

func incoming(topic, body string) messaging.IncomingTopicMessage {
	return &messaging.IncomingTopicMessageMock{
		TopicNameFunc:   func() string { return topic },
		ContentTypeFunc: func() string { return "application/json" },
		BodyFunc:        func() []byte { return []byte(body) },
	}
}

type devicesMock struct {
	mu         sync.Mutex
	registered []types.RegistrationPayload
	heartbeats []string
	observed   []string
	statuses   []string

	get func(ctx context.Context, deviceID string) (types.Device, error)
}

func newDevicesMock() *devicesMock {
	return &devicesMock{}
}

func (m *devicesMock) Get(ctx context.Context, deviceID string) (types.Device, error) {
	if m.get != nil {
		return m.get(ctx, deviceID)
	}
	return types.Device{DeviceID: deviceID}, nil
}

func (m *devicesMock) Query(ctx context.Context, params map[string][]string) (types.Collection[types.Device], error) {
	return types.Collection[types.Device]{}, nil
}

func (m *devicesMock) Stats(ctx context.Context) (types.DeviceStats, error) {
	return types.DeviceStats{}, nil
}

func (m *devicesMock) Register(ctx context.Context, device types.Device) (types.Device, error) {
	return device, nil
}

func (m *devicesMock) AutoRegister(ctx context.Context, reg types.RegistrationPayload) (types.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registered = append(m.registered, reg)
	return types.Device{DeviceID: reg.DeviceID}, nil
}

func (m *devicesMock) Approve(ctx context.Context, deviceID string) (types.Device, error) {
	return types.Device{}, nil
}

func (m *devicesMock) Patch(ctx context.Context, deviceID string, fields map[string]any) (types.Device, error) {
	return types.Device{}, nil
}

func (m *devicesMock) SetStatus(ctx context.Context, deviceID, status string, seenAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, status)
	return nil
}

func (m *devicesMock) Heartbeat(ctx context.Context, deviceID string, seenAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heartbeats = append(m.heartbeats, deviceID)
	return nil
}

func (m *devicesMock) Observe(ctx context.Context, deviceID string, seenAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observed = append(m.observed, deviceID)
	return nil
}

func (m *devicesMock) SweepOffline(ctx context.Context, timeout time.Duration) ([]string, error) {
	return nil, nil
}

func (m *devicesMock) SendCommand(ctx context.Context, deviceID, command string, payload any) error {
	return nil
}

func (m *devicesMock) RequestDiscovery(ctx context.Context) error {
	return nil
}

func (m *devicesMock) Delete(ctx context.Context, deviceID string) error {
	return nil
}

func (m *devicesMock) Recover(ctx context.Context, deviceID string) (types.Device, error) {
	return types.Device{}, nil
}

type readingsMock struct {
	mu       sync.Mutex
	ingested []string
}

func (m *readingsMock) Ingest(ctx context.Context, deviceID string, payload types.SensorPayload) (types.Reading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ingested = append(m.ingested, deviceID)
	return types.Reading{DeviceID: deviceID, Timestamp: time.Now().UTC()}, nil
}

func (m *readingsMock) IngestBulk(ctx context.Context, readings []types.Reading) (int, error) {
	return 0, nil
}

func (m *readingsMock) Latest(ctx context.Context, deviceID string) (types.Reading, error) {
	return types.Reading{}, nil
}

func (m *readingsMock) Query(ctx context.Context, params map[string][]string) (types.Collection[types.Reading], error) {
	return types.Collection[types.Reading]{}, nil
}

func (m *readingsMock) Statistics(ctx context.Context, deviceID string, start, end time.Time) (types.ReadingStats, error) {
	return types.ReadingStats{}, nil
}

func (m *readingsMock) Aggregate(ctx context.Context, deviceID string, start, end time.Time, granularity types.Granularity) ([]types.ReadingBucket, error) {
	return nil, nil
}

func (m *readingsMock) RemoveExpired(ctx context.Context) (int64, error) {
	return 0, nil
}

type alertsMock struct {
	mu      sync.Mutex
	handled int
}

func (m *alertsMock) Get(ctx context.Context, alertID string) (types.Alert, error) {
	return types.Alert{}, nil
}

func (m *alertsMock) Query(ctx context.Context, params map[string][]string) (types.Collection[types.Alert], error) {
	return types.Collection[types.Alert]{}, nil
}

func (m *alertsMock) Statistics(ctx context.Context, deviceID string) (types.AlertStats, error) {
	return types.AlertStats{}, nil
}

func (m *alertsMock) HandleReading(ctx context.Context, device types.Device, reading types.Reading) ([]types.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handled++
	return nil, nil
}

func (m *alertsMock) Acknowledge(ctx context.Context, alertID, userID string) (types.Alert, error) {
	return types.Alert{}, nil
}

func (m *alertsMock) Resolve(ctx context.Context, alertID, userID, notes string) (types.Alert, error) {
	return types.Alert{}, nil
}

func (m *alertsMock) ResolveAll(ctx context.Context, userID, notes string, params map[string][]string) (int, error) {
	return 0, nil
}

func (m *alertsMock) Delete(ctx context.Context, alertID string) error {
	return nil
}

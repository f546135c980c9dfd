package watchdog

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aquawatch/water-quality-mgmt/pkg/types"
	"github.com/matryer/is"
)

func TestJobRunsOnItsInterval(t *testing.T) {
	is := is.New(t)

	var runs atomic.Int32
	fired := make(chan struct{}, 8)

	w := New()
	w.Register(Job{
		Name:     "tick",
		Interval: 5 * time.Millisecond,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			fired <- struct{}{}
			return nil
		},
	})

	w.Start(context.Background())

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("job never ran")
	}

	w.Stop()
	is.True(runs.Load() >= 1)
}

func TestFailingJobKeepsTicking(t *testing.T) {
	is := is.New(t)

	var runs atomic.Int32
	fired := make(chan struct{}, 8)

	w := New()
	w.Register(Job{
		Name:     "flaky",
		Interval: 5 * time.Millisecond,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			select {
			case fired <- struct{}{}:
			default:
			}
			return errors.New("boom")
		},
	})

	w.Start(context.Background())

	<-fired
	<-fired

	w.Stop()
	is.True(runs.Load() >= 2)
}

func TestStopIsIdempotent(t *testing.T) {
	w := New()
	w.Register(Job{
		Name:     "noop",
		Interval: time.Hour,
		Run:      func(ctx context.Context) error { return nil },
	})

	w.Start(context.Background())
	w.Stop()
	w.Stop()
}

func TestCancelledContextStopsJobs(t *testing.T) {
	is := is.New(t)

	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{}, 1)

	w := New()
	w.Register(Job{
		Name:     "ctx",
		Interval: 5 * time.Millisecond,
		Run: func(ctx context.Context) error {
			select {
			case started <- struct{}{}:
			default:
			}
			return nil
		},
	})

	w.Start(ctx)
	<-started
	cancel()

	done := make(chan struct{})
	go func() {
		w.(*watchdog).wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("jobs did not stop on context cancel")
	}

	is.True(true)
}

func TestMaintenanceJobsAreRegistered(t *testing.T) {
	is := is.New(t)

	w := New()
	RegisterMaintenanceJobs(w, &sweepDevicesMock{}, &retentionMock{}, &expiryMock{}, &sweeperMock{})

	jobs := w.(*watchdog).jobs
	is.Equal(len(jobs), 4)

	names := map[string]bool{}
	for _, job := range jobs {
		names[job.Name] = true
		is.True(job.Interval > 0)
		is.NoErr(job.Run(context.Background()))
	}

	is.True(names["offline-sweep"])
	is.True(names["reading-retention"])
	is.True(names["tombstone-sweep"])
	is.True(names["report-expiry"])
}

type sweepDevicesMock struct{}

func (m *sweepDevicesMock) Get(ctx context.Context, deviceID string) (types.Device, error) {
	return types.Device{}, nil
}

func (m *sweepDevicesMock) Query(ctx context.Context, params map[string][]string) (types.Collection[types.Device], error) {
	return types.Collection[types.Device]{}, nil
}

func (m *sweepDevicesMock) Stats(ctx context.Context) (types.DeviceStats, error) {
	return types.DeviceStats{}, nil
}

func (m *sweepDevicesMock) Register(ctx context.Context, device types.Device) (types.Device, error) {
	return device, nil
}

func (m *sweepDevicesMock) AutoRegister(ctx context.Context, reg types.RegistrationPayload) (types.Device, error) {
	return types.Device{}, nil
}

func (m *sweepDevicesMock) Approve(ctx context.Context, deviceID string) (types.Device, error) {
	return types.Device{}, nil
}

func (m *sweepDevicesMock) Patch(ctx context.Context, deviceID string, fields map[string]any) (types.Device, error) {
	return types.Device{}, nil
}

func (m *sweepDevicesMock) SetStatus(ctx context.Context, deviceID, status string, seenAt time.Time) error {
	return nil
}

func (m *sweepDevicesMock) Heartbeat(ctx context.Context, deviceID string, seenAt time.Time) error {
	return nil
}

func (m *sweepDevicesMock) Observe(ctx context.Context, deviceID string, seenAt time.Time) error {
	return nil
}

func (m *sweepDevicesMock) SweepOffline(ctx context.Context, timeout time.Duration) ([]string, error) {
	return []string{"sensor-01"}, nil
}

func (m *sweepDevicesMock) SendCommand(ctx context.Context, deviceID, command string, payload any) error {
	return nil
}

func (m *sweepDevicesMock) RequestDiscovery(ctx context.Context) error {
	return nil
}

func (m *sweepDevicesMock) Delete(ctx context.Context, deviceID string) error {
	return nil
}

func (m *sweepDevicesMock) Recover(ctx context.Context, deviceID string) (types.Device, error) {
	return types.Device{}, nil
}

type retentionMock struct{}

func (m *retentionMock) Ingest(ctx context.Context, deviceID string, payload types.SensorPayload) (types.Reading, error) {
	return types.Reading{}, nil
}

func (m *retentionMock) IngestBulk(ctx context.Context, readings []types.Reading) (int, error) {
	return 0, nil
}

func (m *retentionMock) Latest(ctx context.Context, deviceID string) (types.Reading, error) {
	return types.Reading{}, nil
}

func (m *retentionMock) Query(ctx context.Context, params map[string][]string) (types.Collection[types.Reading], error) {
	return types.Collection[types.Reading]{}, nil
}

func (m *retentionMock) Statistics(ctx context.Context, deviceID string, start, end time.Time) (types.ReadingStats, error) {
	return types.ReadingStats{}, nil
}

func (m *retentionMock) Aggregate(ctx context.Context, deviceID string, start, end time.Time, granularity types.Granularity) ([]types.ReadingBucket, error) {
	return nil, nil
}

func (m *retentionMock) RemoveExpired(ctx context.Context) (int64, error) {
	return 3, nil
}

type expiryMock struct{}

func (m *expiryMock) Create(ctx context.Context, reportType, title, description, format string, parameters map[string]any, generatedBy string) (types.Report, error) {
	return types.Report{}, nil
}

func (m *expiryMock) Get(ctx context.Context, reportID string) (types.Report, error) {
	return types.Report{}, nil
}

func (m *expiryMock) Query(ctx context.Context, params map[string][]string) (types.Collection[types.Report], error) {
	return types.Collection[types.Report]{}, nil
}

func (m *expiryMock) Download(ctx context.Context, reportID string) (io.ReadCloser, types.ReportFile, error) {
	return nil, types.ReportFile{}, nil
}

func (m *expiryMock) Delete(ctx context.Context, reportID string) error {
	return nil
}

func (m *expiryMock) Statistics(ctx context.Context) (types.ReportStats, error) {
	return types.ReportStats{}, nil
}

func (m *expiryMock) RemoveExpired(ctx context.Context) (int, error) {
	return 1, nil
}

func (m *expiryMock) Start(ctx context.Context) error { return nil }
func (m *expiryMock) Shutdown()                       {}

type sweeperMock struct{}

func (m *sweeperMock) PurgeDevices(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

func (m *sweeperMock) PurgeReadings(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

func (m *sweeperMock) PurgeAlerts(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

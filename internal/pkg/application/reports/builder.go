package reports

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/aquawatch/water-quality-mgmt/internal/pkg/infrastructure/storage"
	"github.com/aquawatch/water-quality-mgmt/pkg/types"
	"github.com/samber/lo"
)

// readingsCap bounds how many rows a single report pulls from the store.
const readingsCap = 10000

// BundleSources exposes the read operations a build job may use. Build jobs
// never mutate.
type BundleSources interface {
	QueryDevices(ctx context.Context, conditions ...storage.ConditionFunc) (types.Collection[types.Device], error)
	QueryReadings(ctx context.Context, conditions ...storage.ConditionFunc) (types.Collection[types.Reading], error)
	QueryAlerts(ctx context.Context, conditions ...storage.ConditionFunc) (types.Collection[types.Alert], error)
}

type builder struct {
	sources BundleSources
}

func newBuilder(sources BundleSources) *builder {
	return &builder{sources: sources}
}

type channelSummary struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Avg    float64 `json:"avg"`
	Median float64 `json:"median"`
	StdDev float64 `json:"stddev"`
}

func (b *builder) buildParams(ctx context.Context, report types.Report) (any, error) {
	start, end := windowFromParameters(report.Parameters)
	deviceIDs := deviceIDsFromParameters(report.Parameters)

	switch report.Type {
	case TypeWaterQuality:
		return b.waterQuality(ctx, deviceIDs, start, end)
	case TypeDeviceStatus:
		return b.deviceStatus(ctx)
	case TypeCompliance:
		return b.compliance(ctx, deviceIDs, start, end)
	case TypeAlertSummary:
		return b.alertSummary(ctx, deviceIDs, start, end)
	}

	return nil, fmt.Errorf("%w: %s", ErrUnknownReportType, report.Type)
}

func windowFromParameters(params map[string]any) (time.Time, time.Time) {
	end := time.Now().UTC()
	start := end.Add(-30 * 24 * time.Hour)

	if v, ok := params["start"].(string); ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			start = t
		}
	}
	if v, ok := params["end"].(string); ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			end = t
		}
	}

	return start, end
}

func deviceIDsFromParameters(params map[string]any) []string {
	if id, ok := params["deviceId"].(string); ok && id != "" {
		return []string{id}
	}

	if ids, ok := params["deviceIds"].([]any); ok {
		out := make([]string, 0, len(ids))
		for _, id := range ids {
			if s, ok := id.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}

	return nil
}

func (b *builder) fetch(ctx context.Context, deviceIDs []string, start, end time.Time) ([]types.Device, []types.Reading, []types.Alert, error) {
	deviceConds := []storage.ConditionFunc{}
	windowConds := []storage.ConditionFunc{storage.WithTimeRange(start, end)}

	if len(deviceIDs) > 0 {
		deviceConds = append(deviceConds, storage.WithDeviceIDs(deviceIDs))
		windowConds = append(windowConds, storage.WithDeviceIDs(deviceIDs))
	}

	devices, err := b.sources.QueryDevices(ctx, deviceConds...)
	if err != nil {
		return nil, nil, nil, err
	}

	readings, err := b.sources.QueryReadings(ctx, append(windowConds, storage.WithLimit(readingsCap))...)
	if err != nil {
		return nil, nil, nil, err
	}

	alerts, err := b.sources.QueryAlerts(ctx, windowConds...)
	if err != nil {
		return nil, nil, nil, err
	}

	return devices.Data, readings.Data, alerts.Data, nil
}

func (b *builder) waterQuality(ctx context.Context, deviceIDs []string, start, end time.Time) (any, error) {
	devices, readings, alerts, err := b.fetch(ctx, deviceIDs, start, end)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"type":     TypeWaterQuality,
		"start":    start,
		"end":      end,
		"devices":  devices,
		"readings": readings,
		"channels": map[types.Parameter]channelSummary{
			types.ParameterPH:        summarize(values(readings, types.ParameterPH)),
			types.ParameterTurbidity: summarize(values(readings, types.ParameterTurbidity)),
			types.ParameterTDS:       summarize(values(readings, types.ParameterTDS)),
		},
		"alerts":           alerts,
		"alertsBySeverity": lo.CountValuesBy(alerts, func(a types.Alert) string { return string(a.Severity) }),
		"alertsByStatus":   lo.CountValuesBy(alerts, func(a types.Alert) string { return string(a.Status) }),
	}, nil
}

func (b *builder) deviceStatus(ctx context.Context) (any, error) {
	devices, err := b.sources.QueryDevices(ctx)
	if err != nil {
		return nil, err
	}

	openAlerts, err := b.sources.QueryAlerts(ctx, storage.WithAcknowledged(false))
	if err != nil {
		return nil, err
	}

	byDevice := lo.GroupBy(openAlerts.Data, func(a types.Alert) string { return a.DeviceID })

	type deviceHealth struct {
		types.Device
		OpenAlerts int  `json:"openAlerts"`
		Healthy    bool `json:"healthy"`
	}

	rows := make([]deviceHealth, 0, len(devices.Data))
	for _, d := range devices.Data {
		open := len(byDevice[d.DeviceID])
		rows = append(rows, deviceHealth{
			Device:     d,
			OpenAlerts: open,
			Healthy:    d.Status == types.DeviceOnline && open == 0,
		})
	}

	return map[string]any{
		"type":    TypeDeviceStatus,
		"devices": rows,
		"byStatus": lo.CountValuesBy(devices.Data, func(d types.Device) string {
			return d.Status
		}),
	}, nil
}

func (b *builder) compliance(ctx context.Context, deviceIDs []string, start, end time.Time) (any, error) {
	devices, readings, alerts, err := b.fetch(ctx, deviceIDs, start, end)
	if err != nil {
		return nil, err
	}

	violationsByDevice := lo.GroupBy(alerts, func(a types.Alert) string { return a.DeviceID })
	readingsByDevice := lo.GroupBy(readings, func(r types.Reading) string { return r.DeviceID })

	type deviceCompliance struct {
		DeviceID   string                     `json:"deviceID"`
		Name       string                     `json:"name"`
		Channels   map[types.Parameter]float64 `json:"compliancePct"`
		Violations int                        `json:"violations"`
	}

	rows := make([]deviceCompliance, 0, len(devices))
	for _, d := range devices {
		deviceReadings := readingsByDevice[d.DeviceID]

		channels := map[types.Parameter]float64{}
		for _, p := range types.Parameters() {
			channels[p] = compliancePct(deviceReadings, violationsByDevice[d.DeviceID], p)
		}

		rows = append(rows, deviceCompliance{
			DeviceID:   d.DeviceID,
			Name:       d.Name,
			Channels:   channels,
			Violations: len(violationsByDevice[d.DeviceID]),
		})
	}

	return map[string]any{
		"type":       TypeCompliance,
		"start":      start,
		"end":        end,
		"devices":    rows,
		"violations": lo.CountValuesBy(alerts, func(a types.Alert) string { return string(a.Severity) }),
	}, nil
}

// compliancePct is the share of in-range samples for the channel. A sample
// is out of range when it fed an alert occurrence in the window.
func compliancePct(readings []types.Reading, violations []types.Alert, parameter types.Parameter) float64 {
	total := 0
	for _, r := range readings {
		if value(r, parameter) != nil {
			total++
		}
	}

	if total == 0 {
		return 100
	}

	outOfRange := 0
	for _, v := range violations {
		if v.Parameter == parameter {
			outOfRange += v.OccurrenceCount
		}
	}
	if outOfRange > total {
		outOfRange = total
	}

	return float64(total-outOfRange) / float64(total) * 100
}

func (b *builder) alertSummary(ctx context.Context, deviceIDs []string, start, end time.Time) (any, error) {
	conditions := []storage.ConditionFunc{storage.WithTimeRange(start, end)}
	if len(deviceIDs) > 0 {
		conditions = append(conditions, storage.WithDeviceIDs(deviceIDs))
	}

	alerts, err := b.sources.QueryAlerts(ctx, conditions...)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"type":       TypeAlertSummary,
		"start":      start,
		"end":        end,
		"alerts":     alerts.Data,
		"byStatus":   lo.CountValuesBy(alerts.Data, func(a types.Alert) string { return string(a.Status) }),
		"bySeverity": lo.CountValuesBy(alerts.Data, func(a types.Alert) string { return string(a.Severity) }),
	}, nil
}

func value(r types.Reading, p types.Parameter) *float64 {
	switch p {
	case types.ParameterPH:
		if r.PHValid {
			return r.PH
		}
	case types.ParameterTurbidity:
		if r.TurbidityValid {
			return r.Turbidity
		}
	case types.ParameterTDS:
		if r.TDSValid {
			return r.TDS
		}
	}
	return nil
}

func values(readings []types.Reading, p types.Parameter) []float64 {
	out := make([]float64, 0, len(readings))
	for _, r := range readings {
		if v := value(r, p); v != nil {
			out = append(out, *v)
		}
	}
	return out
}

func summarize(values []float64) channelSummary {
	if len(values) == 0 {
		return channelSummary{}
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	sum := 0.0
	for _, v := range sorted {
		sum += v
	}
	avg := sum / float64(len(sorted))

	variance := 0.0
	for _, v := range sorted {
		variance += (v - avg) * (v - avg)
	}
	variance /= float64(len(sorted))

	median := sorted[len(sorted)/2]
	if len(sorted)%2 == 0 {
		median = (sorted[len(sorted)/2-1] + sorted[len(sorted)/2]) / 2
	}

	return channelSummary{
		Count:  len(sorted),
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
		Avg:    avg,
		Median: median,
		StdDev: math.Sqrt(variance),
	}
}

package watchdog

import (
	"context"
	"time"

	"github.com/aquawatch/water-quality-mgmt/internal/pkg/application/devicemanagement"
	"github.com/aquawatch/water-quality-mgmt/internal/pkg/application/readings"
	"github.com/aquawatch/water-quality-mgmt/internal/pkg/application/reports"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
)

// OfflineThreshold is how long a device may stay silent before the sweep
// flips it offline.
const OfflineThreshold = 5 * time.Minute

type TombstoneSweeper interface {
	PurgeDevices(ctx context.Context, now time.Time) (int64, error)
	PurgeReadings(ctx context.Context, now time.Time) (int64, error)
	PurgeAlerts(ctx context.Context, now time.Time) (int64, error)
}

// RegisterMaintenanceJobs wires the periodic sweeps: presence, reading
// retention, tombstone purge and report expiry.
func RegisterMaintenanceJobs(w Watchdog, devices devicemanagement.DeviceManagement, r readings.ReadingService, rep reports.ReportService, sweeper TombstoneSweeper) {
	w.Register(Job{
		Name:     "offline-sweep",
		Interval: 60 * time.Second,
		Run: func(ctx context.Context) error {
			transitioned, err := devices.SweepOffline(ctx, OfflineThreshold)
			if err != nil {
				return err
			}
			if len(transitioned) > 0 {
				logging.GetFromContext(ctx).Info("swept devices offline", "count", len(transitioned))
			}
			return nil
		},
	})

	w.Register(Job{
		Name:     "reading-retention",
		Interval: time.Hour,
		Run: func(ctx context.Context) error {
			n, err := r.RemoveExpired(ctx)
			if err != nil {
				return err
			}
			if n > 0 {
				logging.GetFromContext(ctx).Info("removed expired readings", "count", n)
			}
			return nil
		},
	})

	w.Register(Job{
		Name:     "tombstone-sweep",
		Interval: time.Hour,
		Run: func(ctx context.Context) error {
			now := time.Now().UTC()
			log := logging.GetFromContext(ctx)

			// children first so a device tombstone never outlives its rows
			if n, err := sweeper.PurgeReadings(ctx, now); err != nil {
				return err
			} else if n > 0 {
				log.Info("purged tombstoned readings", "count", n)
			}

			if n, err := sweeper.PurgeAlerts(ctx, now); err != nil {
				return err
			} else if n > 0 {
				log.Info("purged tombstoned alerts", "count", n)
			}

			if n, err := sweeper.PurgeDevices(ctx, now); err != nil {
				return err
			} else if n > 0 {
				log.Info("purged tombstoned devices", "count", n)
			}

			return nil
		},
	})

	w.Register(Job{
		Name:     "report-expiry",
		Interval: time.Hour,
		Run: func(ctx context.Context) error {
			n, err := rep.RemoveExpired(ctx)
			if err != nil {
				return err
			}
			if n > 0 {
				logging.GetFromContext(ctx).Info("removed expired reports", "count", n)
			}
			return nil
		},
	})
}

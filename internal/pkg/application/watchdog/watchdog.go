package watchdog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
)

// jobDeadline bounds a single run so a stuck sweep cannot block its
// successors forever.
const jobDeadline = 5 * time.Minute

// Job is one periodic maintenance task. Jobs run serially per job but
// concurrently with each other.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

type Watchdog interface {
	Register(job Job)
	Start(ctx context.Context)
	Stop()
}

type watchdog struct {
	jobs []Job
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func New() Watchdog {
	return &watchdog{
		done: make(chan struct{}),
	}
}

func (w *watchdog) Register(job Job) {
	w.jobs = append(w.jobs, job)
}

func (w *watchdog) Start(ctx context.Context) {
	for _, job := range w.jobs {
		w.wg.Add(1)
		go w.run(ctx, job)
	}
}

func (w *watchdog) Stop() {
	w.once.Do(func() { close(w.done) })
	w.wg.Wait()
}

func (w *watchdog) run(ctx context.Context, job Job) {
	defer w.wg.Done()

	log := logging.GetFromContext(ctx).With(slog.String("job", job.Name))
	ctx = logging.NewContextWithLogger(ctx, log)

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-ticker.C:
			started := time.Now()

			runCtx, cancel := context.WithTimeout(ctx, jobDeadline)
			err := job.Run(runCtx)
			cancel()

			if err != nil {
				log.Error("job failed", "err", err.Error())
				continue
			}

			log.Debug("job completed", "duration", time.Since(started).String())
		}
	}
}

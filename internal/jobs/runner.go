package jobs

import (
	"context"
	"log"
	"time"

	"github.com/tetherapp/tether-session-core/internal/coordinator"
	"github.com/tetherapp/tether-session-core/internal/metrics"
)

type Reconciler interface {
	Reconcile(context.Context) (coordinator.ReconcileResult, error)
}

type Runner struct {
	reconciler Reconciler
	interval   time.Duration
}

func NewRunner(reconciler Reconciler, interval time.Duration) *Runner {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Runner{reconciler: reconciler, interval: interval}
}

// Start runs the reconciliation job once immediately, then on every interval.
func (r *Runner) Start(ctx context.Context) {
	go r.runEvery(ctx, "session_reconcile", r.interval, func(c context.Context) error {
		res, err := r.reconciler.Reconcile(c)
		if res.Started+res.Stopped+res.Abandoned > 0 {
			log.Printf("event=session_reconcile started=%d stopped=%d abandoned=%d", res.Started, res.Stopped, res.Abandoned)
		}
		return err
	})
}

func (r *Runner) runEvery(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	r.runOnce(ctx, name, fn)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx, name, fn)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context, name string, fn func(context.Context) error) {
	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)

	status := "ok"
	if err != nil {
		status = "error"
		log.Printf("metric=job_run name=%s status=error duration_ms=%d err=%q", name, elapsed.Milliseconds(), err.Error())
	}
	metrics.Default().IncCounter("tether_job_runs_total", map[string]string{"job": name, "status": status})
	metrics.Default().ObserveHistogram("tether_job_duration_ms", float64(elapsed.Milliseconds()), map[string]string{"job": name})
}

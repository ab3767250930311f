package recovery

import (
	"context"
	"time"
)

// Run drives PollActiveOnce on a ticker until ctx is cancelled. A tick is
// skipped if the previous pass is still in flight; consecutive failures back
// the interval off up to the configured cap, resetting on the next success.
func (r *Runner) Run(ctx context.Context) {
	interval := time.Duration(r.cfg.Recovery.PollIntervalSeconds) * time.Second
	maxInterval := time.Duration(r.cfg.Recovery.PollBackoffMaxSeconds) * time.Second
	if maxInterval < interval {
		maxInterval = interval
	}

	r.logger.Info("session recovery started", "interval", interval)

	current := interval
	ticker := time.NewTicker(current)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("session recovery stopped")
			return
		case <-ticker.C:
		}

		if !r.inFlight.CompareAndSwap(false, true) {
			continue
		}
		_, err := r.PollActiveOnce(ctx)
		r.inFlight.Store(false)

		next := interval
		if err != nil {
			r.logger.Error("poll failed", "error", err)
			next = current * 2
			if next > maxInterval {
				next = maxInterval
			}
		}
		if next != current {
			current = next
			ticker.Reset(current)
		}
	}
}

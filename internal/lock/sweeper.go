package lock

import (
	"context"
	"log/slog"
	"time"
)

const DefaultSweepInterval = 5 * time.Second

// Sweeper runs a background goroutine that periodically expires locks whose
// holders stopped heartbeating.
type Sweeper struct {
	manager  *Manager
	interval time.Duration
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewSweeper creates a new Sweeper. Call Start() to begin sweeping.
func NewSweeper(manager *Manager, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		manager:  manager,
		interval: interval,
		logger:   manager.logger.With("component", "sweeper"),
		done:     make(chan struct{}),
	}
}

// Start launches the background sweep goroutine.
func (sw *Sweeper) Start(ctx context.Context) {
	ctx, sw.cancel = context.WithCancel(ctx)

	go func() {
		defer close(sw.done)

		// Locks left over from a previous run are swept immediately.
		sw.runSweep(ctx)

		ticker := time.NewTicker(sw.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sw.runSweep(ctx)
			}
		}
	}()
}

// Stop cancels the sweep goroutine and waits for it to finish.
func (sw *Sweeper) Stop() {
	if sw.cancel == nil {
		return
	}
	sw.cancel()
	<-sw.done
}

func (sw *Sweeper) runSweep(ctx context.Context) {
	expired, err := sw.manager.Expire(ctx)
	if err != nil {
		if ctx.Err() == nil {
			sw.logger.Error("sweep failed", "error", err)
		}
		return
	}
	if len(expired) > 0 {
		sw.logger.Info("expired stale locks", "count", len(expired))
	}
}

package router

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultWatchdogInterval is the reconnect period used when none is set.
const DefaultWatchdogInterval = 2 * time.Second

// Watchdog runs a single action on a fixed period until stopped.
type Watchdog struct {
	interval time.Duration
	action   func()
	log      zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatchdog creates a stopped watchdog. A non-positive interval falls
// back to DefaultWatchdogInterval.
func NewWatchdog(interval time.Duration, action func(), log zerolog.Logger) *Watchdog {
	if interval <= 0 {
		interval = DefaultWatchdogInterval
	}
	return &Watchdog{
		interval: interval,
		action:   action,
		log:      log,
	}
}

// Start begins ticking. Calling Start on a running watchdog is a no-op.
func (w *Watchdog) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel != nil {
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.run(ctx)

	w.log.Debug().Dur("interval", w.interval).Msg("Watchdog started")
}

// Stop cancels the ticker and waits for an in-flight action to finish or
// for ctx to expire.
func (w *Watchdog) Stop(ctx context.Context) error {
	w.mu.Lock()
	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.log.Debug().Msg("Watchdog stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Watchdog) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.action()
		}
	}
}

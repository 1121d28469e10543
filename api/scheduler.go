/*
scheduler.go - Background transaction resync

PURPOSE:
  Periodically reloads every data-store analysis whose scope changed since
  its last load (NeedsTransactionResync) so the user does not have to
  trigger the resync by hand.

DESIGN:
  - Runs a background goroutine with a fixed interval
  - Runs one pass immediately on start
  - A failed analysis is logged and the pass continues

CONFIGURATION:
  - RESYNC_INTERVAL: period between passes; zero disables the scheduler

USAGE:
  s := NewResyncScheduler(engine, cfg.ResyncInterval)
  s.Start()
  // ... later
  s.Stop()

SEE ALSO:
  - handlers.go: Resync endpoint (manual resync)
  - engine/load.go: ResyncAll
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dioptra/analysis-engine/engine"
)

// ResyncScheduler runs Engine.ResyncAll on an interval.
type ResyncScheduler struct {
	Engine        *engine.Engine
	CheckInterval time.Duration

	ticker *time.Ticker
	cancel context.CancelFunc
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewResyncScheduler(e *engine.Engine, interval time.Duration) *ResyncScheduler {
	return &ResyncScheduler{
		Engine:        e,
		CheckInterval: interval,
		stop:          make(chan struct{}),
	}
}

// Enabled reports whether Start will run anything.
func (rs *ResyncScheduler) Enabled() bool {
	return rs.CheckInterval > 0 && rs.Engine.Source != nil
}

// Start begins the scheduler. It is a no-op when disabled or already
// started.
func (rs *ResyncScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled() {
		log.Info().Msg("resync scheduler disabled")
		return
	}
	if rs.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	rs.cancel = cancel
	rs.stop = make(chan struct{})
	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.wg.Add(1)

	go rs.run(ctx)

	log.Info().Dur("interval", rs.CheckInterval).Msg("resync scheduler started")
}

// Stop cancels a running pass and waits for the goroutine to exit.
func (rs *ResyncScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker == nil {
		return
	}
	rs.ticker.Stop()
	rs.cancel()
	close(rs.stop)
	rs.wg.Wait()
	rs.ticker = nil
	log.Info().Msg("resync scheduler stopped")
}

func (rs *ResyncScheduler) run(ctx context.Context) {
	defer rs.wg.Done()

	rs.RunNow(ctx)

	for {
		select {
		case <-rs.ticker.C:
			rs.RunNow(ctx)
		case <-rs.stop:
			return
		}
	}
}

// RunNow performs one resync pass.
func (rs *ResyncScheduler) RunNow(ctx context.Context) {
	n, err := rs.Engine.ResyncAll(ctx)
	if err != nil {
		log.Error().Err(err).Int("resynced", n).Msg("resync pass failed")
		return
	}
	if n > 0 {
		log.Info().Int("resynced", n).Msg("resync pass completed")
	}
}

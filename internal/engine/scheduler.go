package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Ticker is one pipeline pass. The engine implements it.
type Ticker interface {
	Tick(ctx context.Context) error
}

// Scheduler drives the engine at a fixed cadence with single-flight
// ticks: if a tick is still running when the next fires, the new one
// is dropped and logged, never queued.
type Scheduler struct {
	engine   Ticker
	interval time.Duration

	running  atomic.Bool
	inFlight atomic.Bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewScheduler creates a scheduler for the engine.
func NewScheduler(engine Ticker, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Scheduler{engine: engine, interval: interval}
}

// Start launches the tick loop. Calling Start on a running scheduler is
// a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		log.Warn().Msg("Scheduler already running, ignoring start")
		return
	}

	s.stopCh = make(chan struct{})
	s.wg.Add(1)

	log.Info().Dur("interval", s.interval).Msg("⏱️ Scheduler started")

	go func() {
		defer s.wg.Done()

		// First tick immediately, then on cadence.
		s.fire(ctx)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.fire(ctx)
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the cadence and waits for an in-flight tick to finish.
func (s *Scheduler) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	close(s.stopCh)
	s.wg.Wait()
	log.Info().Msg("Scheduler stopped")
}

func (s *Scheduler) fire(ctx context.Context) {
	if !s.inFlight.CompareAndSwap(false, true) {
		log.Warn().Msg("Previous tick still running, dropping this one")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.inFlight.Store(false)

		start := time.Now()
		if err := s.engine.Tick(ctx); err != nil {
			log.Error().Err(err).Msg("Tick failed")
		}
		log.Debug().Dur("took", time.Since(start)).Msg("Tick complete")
	}()
}

package app

import (
	"context"
	"sync"
	"time"

	"github.com/artpar/runmeter/domain/billing"
	"github.com/artpar/runmeter/ports"
	"github.com/rs/zerolog"
)

// Sweeper periodically renews billing periods whose end date has passed
// and retries invoicing for completed periods left uninvoiced. Each due
// account is renewed as an independent job through a bounded worker pool:
// one account's failure never blocks the others.
type Sweeper struct {
	lifecycle *Lifecycle
	periods   ports.PeriodStore
	clock     ports.Clock
	logger    zerolog.Logger
	metrics   ports.MeterMetrics

	interval  time.Duration
	workers   int
	batchSize int
}

// SweeperConfig tunes the background sweep.
type SweeperConfig struct {
	Interval  time.Duration // default 5m
	Workers   int           // default 4
	BatchSize int           // periods fetched per pass, default 100

	// Metrics is optional; nil disables collection.
	Metrics ports.MeterMetrics
}

// NewSweeper creates a new renewal sweeper.
func NewSweeper(lifecycle *Lifecycle, periods ports.PeriodStore, clock ports.Clock, logger zerolog.Logger, cfg SweeperConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Sweeper{
		lifecycle: lifecycle,
		periods:   periods,
		clock:     clock,
		logger:    logger,
		metrics:   cfg.Metrics,
		interval:  cfg.Interval,
		workers:   cfg.Workers,
		batchSize: cfg.BatchSize,
	}
}

// Run drives the sweep loop until ctx is canceled. Cancellation stops
// intake and waits for in-flight renewals so no account is ever left
// mid-transition.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info().
		Dur("interval", s.interval).
		Int("workers", s.workers).
		Msg("renewal sweeper started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("renewal sweeper stopped")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce performs a single pass: renew all due periods, then retry
// pending invoices. Exposed for the one-shot CLI command and tests.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	start := s.clock.Now()

	due, err := s.periods.ListDue(ctx, start.UTC(), s.batchSize)
	if err != nil {
		s.logger.Error().Err(err).Msg("sweep: listing due periods failed")
		return
	}

	renewed, failed := s.renewAll(ctx, due)
	s.retryInvoices(ctx)

	took := s.clock.Now().Sub(start)
	if s.metrics != nil {
		s.metrics.SweepCompleted(took, len(due))
	}
	if len(due) > 0 {
		s.logger.Info().
			Int("due", len(due)).
			Int("renewed", renewed).
			Int("failed", failed).
			Dur("took", took).
			Msg("renewal sweep completed")
	}
}

// renewAll fans due periods out to the worker pool.
func (s *Sweeper) renewAll(ctx context.Context, due []billing.Period) (renewed, failed int) {
	jobs := make(chan billing.Period)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for period := range jobs {
				if _, err := s.lifecycle.RenewPeriod(ctx, period.ID); err != nil {
					s.logger.Error().Err(err).
						Str("period_id", period.ID).
						Str("account_id", period.AccountID).
						Msg("sweep: renewal failed")
					mu.Lock()
					failed++
					mu.Unlock()
					continue
				}
				mu.Lock()
				renewed++
				mu.Unlock()
			}
		}()
	}

	for _, period := range due {
		select {
		case <-ctx.Done():
			// Stop intake; workers drain what they already hold.
			close(jobs)
			wg.Wait()
			return renewed, failed
		case jobs <- period:
		}
	}
	close(jobs)
	wg.Wait()
	return renewed, failed
}

// retryInvoices re-attempts invoicing for completed periods an earlier
// gateway failure left uninvoiced. Retrying cannot double-charge: a period
// flips to invoiced the moment a provider invoice is created.
func (s *Sweeper) retryInvoices(ctx context.Context) {
	pending, err := s.periods.ListUninvoiced(ctx, s.batchSize)
	if err != nil {
		s.logger.Error().Err(err).Msg("sweep: listing uninvoiced periods failed")
		return
	}
	for _, period := range pending {
		if ctx.Err() != nil {
			return
		}
		if err := s.lifecycle.RetryInvoicing(ctx, period.ID); err != nil {
			s.logger.Warn().Err(err).
				Str("period_id", period.ID).
				Msg("sweep: invoice retry failed")
		}
	}
}

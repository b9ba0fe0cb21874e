// Package schedule runs the periodic candle archive sync: on a cron
// schedule, the most recent candles of every configured (symbol,
// interval) job are fetched and merged into the Parquet archive.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"tradeforge/internal/config"
	"tradeforge/internal/domain"
	"tradeforge/internal/feed"
	"tradeforge/internal/store"
)

// syncBatch is how many recent candles each job pulls per tick. Archive
// writes deduplicate, so overlap between ticks is harmless.
const syncBatch = 1000

// Backfiller owns the cron schedule and the per-job sync work.
type Backfiller struct {
	cron    *cron.Cron
	source  feed.CandleSource
	candles store.CandleStore
	env     domain.Environment
	jobs    []config.BackfillJob
	logger  *slog.Logger
}

// NewBackfiller wires a backfiller; Register then Start arm it.
func NewBackfiller(source feed.CandleSource, candles store.CandleStore, env domain.Environment, jobs []config.BackfillJob, logger *slog.Logger) *Backfiller {
	return &Backfiller{
		cron:    cron.New(cron.WithSeconds()),
		source:  source,
		candles: candles,
		env:     env,
		jobs:    jobs,
		logger:  logger,
	}
}

// Register adds the sync task under the given cron spec
// (seconds-resolution, e.g. "0 */15 * * * *").
func (b *Backfiller) Register(spec string) error {
	if _, err := b.cron.AddFunc(spec, func() { b.RunOnce(context.Background()) }); err != nil {
		return fmt.Errorf("register backfill task %q: %w", spec, err)
	}
	return nil
}

// Start starts the scheduler.
func (b *Backfiller) Start() {
	b.cron.Start()
	b.logger.Info("backfill scheduler started", "jobs", len(b.jobs))
}

// Stop stops the scheduler and waits for a running tick to finish.
func (b *Backfiller) Stop() {
	<-b.cron.Stop().Done()
	b.logger.Info("backfill scheduler stopped")
}

// RunOnce syncs every job immediately. A failing job is logged and
// skipped; the remaining jobs still run.
func (b *Backfiller) RunOnce(ctx context.Context) {
	for _, job := range b.jobs {
		if err := b.syncJob(ctx, job); err != nil {
			b.logger.Error("candle sync failed",
				"symbol", job.Symbol,
				"interval", job.Interval,
				"error", err)
			continue
		}
	}
}

func (b *Backfiller) syncJob(ctx context.Context, job config.BackfillJob) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	interval := domain.Interval(job.Interval)
	candles, err := b.source.Fetch(ctx, job.Symbol, interval, syncBatch, time.Time{}, time.Time{})
	if err != nil {
		return err
	}
	// The newest candle may still be forming; the archive holds only
	// finalized ones.
	if n := len(candles); n > 0 && candles[n-1].CloseTime.After(time.Now().UTC()) {
		candles = candles[:n-1]
	}
	if len(candles) == 0 {
		return nil
	}
	if err := b.candles.WriteCandles(ctx, b.env, job.Symbol, interval, candles); err != nil {
		return err
	}
	b.logger.Info("candles archived",
		"symbol", job.Symbol,
		"interval", job.Interval,
		"count", len(candles),
		"through", candles[len(candles)-1].CloseTime)
	return nil
}

// Copyright (C) 2024  wwhai
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, see <https://www.gnu.org/licenses/>.

package syncer

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hootrhino/sensorpipe/internal/cache"
	"github.com/hootrhino/sensorpipe/internal/config"
)

// reportInterval is how often the runner logs its counters.
const reportInterval = 30 * time.Second

// Runner is the continuous cache-to-document-store replicator: one
// self-clocked worker per data type plus a periodic counter report.
type Runner struct {
	*Syncer
	periods config.SyncConfig
}

// NewRunner wraps a syncer with the configured cycle periods.
func NewRunner(s *Syncer, periods config.SyncConfig) *Runner {
	return &Runner{Syncer: s, periods: periods}
}

// Run blocks until ctx is cancelled. Each worker finishes its current
// page before exiting.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.loop(ctx, DataRealtime, r.period(r.periods.RealtimePeriodMs, time.Second), r.realtimeCycle)
	})
	g.Go(func() error {
		return r.loop(ctx, DataHistorical, r.period(r.periods.HistoricalPeriodMs, 5*time.Second), r.historicalCycle)
	})
	g.Go(func() error {
		return r.loop(ctx, DataTimeseries, r.period(r.periods.TimeseriesPeriodMs, 2*time.Second), r.timeseriesCycle)
	})
	g.Go(func() error {
		return r.loop(ctx, DataStatistics, r.period(r.periods.StatisticsPeriodMs, 10*time.Second), r.statisticsCycle)
	})
	g.Go(func() error {
		return r.report(ctx)
	})
	return g.Wait()
}

func (r *Runner) period(ms int, fallback time.Duration) time.Duration {
	if ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}

// loop runs one cycle after another. Self-clocked: a cycle that
// overruns its period is followed immediately by the next one, and a
// per-cycle deadline bounds total work so unfinished keys are picked up
// next time around.
func (r *Runner) loop(ctx context.Context, name string, period time.Duration, cycle func(ctx context.Context) error) error {
	for {
		start := time.Now()
		cctx, cancel := context.WithTimeout(ctx, period)
		err := cycle(cctx)
		cancel()
		if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			r.counters.Errors.Add(1)
			r.log.Warn("sync cycle failed", zap.String("data_type", name), zap.Error(err))
		}

		wait := period - time.Since(start)
		if wait < 0 {
			wait = 0
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (r *Runner) forEachKey(ctx context.Context, kind string, fn func(ctx context.Context, key string, info cache.KeyInfo) error) error {
	byKind, err := r.discoverKeys(ctx)
	if err != nil {
		return err
	}
	var firstErr error
	for _, key := range byKind[kind] {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		info, _ := cache.ParseKey(key)
		if err := fn(ctx, key, info); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Runner) realtimeCycle(ctx context.Context) error {
	return r.forEachKey(ctx, cache.KindRealtime, func(ctx context.Context, key string, info cache.KeyInfo) error {
		_, err := r.syncRealtimeKey(ctx, key, info)
		return err
	})
}

func (r *Runner) historicalCycle(ctx context.Context) error {
	return r.forEachKey(ctx, cache.KindHistory, func(ctx context.Context, key string, info cache.KeyInfo) error {
		_, err := r.syncHistoryKey(ctx, key, info)
		return err
	})
}

func (r *Runner) timeseriesCycle(ctx context.Context) error {
	return r.forEachKey(ctx, cache.KindTimeseries, func(ctx context.Context, key string, info cache.KeyInfo) error {
		_, err := r.syncTimeseriesKey(ctx, key, info)
		return err
	})
}

func (r *Runner) statisticsCycle(ctx context.Context) error {
	return r.forEachKey(ctx, cache.KindStatistics, r.syncStatisticsKey)
}

func (r *Runner) report(ctx context.Context) error {
	ticker := time.NewTicker(reportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.log.Info("sync progress",
				zap.Int64("realtime", r.counters.Realtime.Load()),
				zap.Int64("historical", r.counters.Historical.Load()),
				zap.Int64("timeseries", r.counters.Timeseries.Load()),
				zap.Int64("statistics", r.counters.Statistics.Load()),
				zap.Int64("errors", r.counters.Errors.Load()))
		}
	}
}

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
	"time"

	"go.uber.org/zap"

	"github.com/hootrhino/sensorpipe/internal/cache"
)

// Summary is the outcome of one migration run.
type Summary struct {
	Attempted    int               `json:"attempted"`
	Succeeded    int               `json:"succeeded"`
	Failed       int               `json:"failed"`
	Documents    int               `json:"documents"`
	PerKeyErrors map[string]string `json:"per_key_errors,omitempty"`
	Duration     time.Duration     `json:"duration"`
}

// Migrate copies the whole cache into the document store. Resumable:
// timeseries keys resume from sync_progress.last_score and everything
// else upserts by natural key, so re-running a completed migration is
// a no-op. A failing key is recorded and the run continues.
func (s *Syncer) Migrate(ctx context.Context) (Summary, error) {
	start := time.Now()
	summary := Summary{PerKeyErrors: make(map[string]string)}

	byKind, err := s.discoverKeys(ctx)
	if err != nil {
		return summary, err
	}

	migrateKind := func(kind string, fn func(ctx context.Context, key string, info cache.KeyInfo) (int, error)) {
		for _, key := range byKind[kind] {
			if ctx.Err() != nil {
				return
			}
			info, _ := cache.ParseKey(key)
			summary.Attempted++
			n, err := fn(ctx, key, info)
			if err != nil {
				summary.Failed++
				summary.PerKeyErrors[key] = err.Error()
				s.counters.Errors.Add(1)
				s.log.Warn("migration key failed", zap.String("key", key), zap.Error(err))
				continue
			}
			summary.Succeeded++
			summary.Documents += n
		}
	}

	migrateKind(cache.KindRealtime, func(ctx context.Context, key string, info cache.KeyInfo) (int, error) {
		synced, err := s.syncRealtimeKey(ctx, key, info)
		if synced {
			return 1, err
		}
		return 0, err
	})
	migrateKind(cache.KindHistory, s.syncHistoryKey)
	migrateKind(cache.KindTimeseries, s.syncTimeseriesKey)
	migrateKind(cache.KindStatistics, func(ctx context.Context, key string, info cache.KeyInfo) (int, error) {
		if err := s.syncStatisticsKey(ctx, key, info); err != nil {
			return 0, err
		}
		return 1, nil
	})

	summary.Duration = time.Since(start)
	s.log.Info("migration finished",
		zap.Int("attempted", summary.Attempted),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("documents", summary.Documents),
		zap.Duration("duration", summary.Duration))
	if err := ctx.Err(); err != nil {
		return summary, err
	}
	return summary, nil
}

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

package cache

import (
	"context"
	"encoding/json"
	"math"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hootrhino/sensorpipe/internal/sensor"
)

const (
	// RealtimeTTL is refreshed on every realtime-hash write.
	RealtimeTTL = 3600 * time.Second
	// HistoryMaxLen bounds each history list.
	HistoryMaxLen = 1000
	// TimeseriesMaxLen bounds each sorted set.
	TimeseriesMaxLen = 10000

	// TimestampLayout is the wall-clock format stored in cache fields,
	// millisecond resolution.
	TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

	batchMaxCmds = 64
	batchMaxWait = 50 * time.Millisecond
)

// WriterStats is a snapshot of the cache writer's counters.
type WriterStats struct {
	Commands uint64 `json:"commands"`
	Flushes  uint64 `json:"flushes"`
	Errors   uint64 `json:"errors"`
}

// Writer drains the reading stream into Redis. Writes are fire and
// forget: a failed pipeline flush bumps a counter and the stream keeps
// moving. Single consumer; only Stats is safe to call concurrently.
type Writer struct {
	rdb *redis.Client
	log *zap.Logger

	pipe redis.Pipeliner
	cmds int

	pending map[string]*pollGroup
	stats   map[sensor.Type]*TypeStats
	seq     map[string]uint64
	seqBase uint64

	commands atomic.Uint64
	flushes  atomic.Uint64
	errors   atomic.Uint64
}

// pollGroup accumulates one module poll into one history entry.
type pollGroup struct {
	typ      sensor.Type
	moduleID string
	ts       time.Time
	values   []float64
}

// NewWriter wraps an already-constructed Redis client.
func NewWriter(rdb *redis.Client, log *zap.Logger) *Writer {
	return &Writer{
		rdb:     rdb,
		log:     log,
		pending: make(map[string]*pollGroup),
		stats:   make(map[sensor.Type]*TypeStats),
		seq:     make(map[string]uint64),
		seqBase: uint64(time.Now().UnixNano()),
	}
}

// Ping verifies the cache backend is reachable.
func (w *Writer) Ping(ctx context.Context) error {
	return w.rdb.Ping(ctx).Err()
}

// Stats returns the writer's counters.
func (w *Writer) Stats() WriterStats {
	return WriterStats{
		Commands: w.commands.Load(),
		Flushes:  w.flushes.Load(),
		Errors:   w.errors.Load(),
	}
}

// Run consumes readings until the stream closes or ctx is cancelled,
// then flushes whatever is buffered.
func (w *Writer) Run(ctx context.Context, in <-chan sensor.Reading) {
	ticker := time.NewTicker(batchMaxWait)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.finalFlush()
			return
		case r, ok := <-in:
			if !ok {
				w.finalFlush()
				return
			}
			w.enqueue(ctx, r)
			if w.cmds >= batchMaxCmds {
				w.flush(ctx)
			}
		case <-ticker.C:
			w.flushPendingHistory(ctx)
			w.flush(ctx)
		}
	}
}

// finalFlush runs with its own short deadline so shutdown is bounded
// even when the parent context is already cancelled.
func (w *Writer) finalFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	w.flushPendingHistory(ctx)
	w.flush(ctx)
}

func (w *Writer) pipeline() redis.Pipeliner {
	if w.pipe == nil {
		w.pipe = w.rdb.Pipeline()
	}
	return w.pipe
}

func (w *Writer) enqueue(ctx context.Context, r sensor.Reading) {
	pipe := w.pipeline()

	rk := RealtimeKey(r.Type, r.SensorID)
	pipe.HSet(ctx, rk, map[string]interface{}{
		"timestamp": r.Timestamp.Format(TimestampLayout),
		"value":     r.Value,
		"raw":       int64(r.Raw),
		"unit":      r.Unit,
		"channel":   r.Channel,
		"module_id": r.ModuleID,
	})
	pipe.Expire(ctx, rk, RealtimeTTL)
	w.cmds += 2

	tk := TimeseriesKey(r.Type, r.SensorID)
	pipe.ZAdd(ctx, tk, redis.Z{
		Score:  float64(r.Timestamp.UnixNano()) / float64(time.Second),
		Member: TimeseriesMember(r.Value, w.nextSeq(r.SensorID)),
	})
	pipe.ZRemRangeByRank(ctx, tk, 0, -int64(TimeseriesMaxLen)-1)
	w.cmds += 2

	w.groupHistory(ctx, r)

	st := w.statsFor(r.Type)
	st.Observe(r.Channel, r.Value)
}

// nextSeq returns a member tiebreaker unique across process restarts.
// The sorted-set key outlives the process; a plain per-process counter
// would restart at 1 and a repeated value at a colliding counter makes
// ZADD move the old member's score instead of adding a new point,
// silently dropping a not-yet-synced sample. Offsetting by the writer's
// start time keeps counters from different runs disjoint.
func (w *Writer) nextSeq(sensorID string) uint64 {
	w.seq[sensorID]++
	return w.seqBase + w.seq[sensorID]
}

func (w *Writer) statsFor(t sensor.Type) *TypeStats {
	st := w.stats[t]
	if st == nil {
		st = NewTypeStats()
		w.stats[t] = st
	}
	return st
}

// groupHistory folds the reading into its module's pending poll group.
// A new timestamp from the same module means the previous poll is
// complete and becomes one history entry.
func (w *Writer) groupHistory(ctx context.Context, r sensor.Reading) {
	gk := string(r.Type) + "|" + r.ModuleID
	g := w.pending[gk]
	if g != nil && !g.ts.Equal(r.Timestamp) {
		w.appendHistory(ctx, g)
		g = nil
	}
	if g == nil {
		g = &pollGroup{typ: r.Type, moduleID: r.ModuleID, ts: r.Timestamp}
		w.pending[gk] = g
	}
	v := r.Value
	if r.Type == sensor.Temperature {
		// History carries temperatures at one-decimal resolution.
		v = math.Round(v*10) / 10
	}
	g.values = append(g.values, v)
}

func (w *Writer) flushPendingHistory(ctx context.Context) {
	for k, g := range w.pending {
		w.appendHistory(ctx, g)
		delete(w.pending, k)
	}
}

func (w *Writer) appendHistory(ctx context.Context, g *pollGroup) {
	entry, err := json.Marshal(HistoryEntry{
		Timestamp: g.ts.Format(TimestampLayout),
		Values:    g.values,
	})
	if err != nil {
		w.errors.Add(1)
		return
	}
	pipe := w.pipeline()
	hk := HistoryKey(g.typ, g.moduleID)
	pipe.LPush(ctx, hk, entry)
	pipe.LTrim(ctx, hk, 0, HistoryMaxLen-1)
	w.cmds += 2
}

func (w *Writer) flush(ctx context.Context) {
	// Dirty statistics hashes ride along with every flush.
	for t, st := range w.stats {
		if fields := st.TakeDirty(time.Now()); fields != nil {
			w.pipeline().HSet(ctx, StatisticsKey(t), fields)
			w.cmds++
		}
	}
	if w.pipe == nil || w.cmds == 0 {
		return
	}
	n := w.cmds
	_, err := w.pipe.Exec(ctx)
	w.pipe = nil
	w.cmds = 0
	w.flushes.Add(1)
	if err != nil {
		w.errors.Add(1)
		w.log.Warn("cache flush failed", zap.Int("commands", n), zap.Error(err))
		return
	}
	w.commands.Add(uint64(n))
}

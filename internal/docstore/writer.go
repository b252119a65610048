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

package docstore

import (
	"context"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/hootrhino/sensorpipe/internal/sensor"
)

const (
	batchMaxDocs = 500
	batchMaxWait = time.Second
	// backlogMaxModels bounds the write models held across flushes
	// after failed bulk writes; beyond it the oldest batch is lost.
	backlogMaxModels = 4 * batchMaxDocs
)

// WriterStats is a snapshot of the document writer's counters.
type WriterStats struct {
	Batches   uint64 `json:"batches"`
	Documents uint64 `json:"documents"`
	Errors    uint64 `json:"errors"`
	Held      int64  `json:"held"`
	Lost      uint64 `json:"lost"`
}

// Writer batches readings into unordered bulk upserts. Natural-key
// replace-upserts make replays idempotent apart from synced_at. A
// failed bulk write is retried once and surfaced, then held in memory
// for the next flush up to a bounded backlog; the input stream is
// never blocked by the backend.
type Writer struct {
	store   *Store
	log     *zap.Logger
	session string

	batch      []sensor.Reading
	stats      map[sensor.Type]*sessionStats
	backlog    []heldBatch
	backlogLen int

	batches   atomic.Uint64
	documents atomic.Uint64
	errors    atomic.Uint64
	held      atomic.Int64
	lost      atomic.Uint64
}

// heldBatch is one failed bulk write awaiting another attempt.
type heldBatch struct {
	coll   string
	models []mongo.WriteModel
}

// NewWriter wraps a connected store for one acquisition session.
func NewWriter(store *Store, session string, log *zap.Logger) *Writer {
	return &Writer{
		store:   store,
		log:     log,
		session: session,
		stats:   make(map[sensor.Type]*sessionStats),
	}
}

// Stats returns the writer's counters.
func (w *Writer) Stats() WriterStats {
	return WriterStats{
		Batches:   w.batches.Load(),
		Documents: w.documents.Load(),
		Errors:    w.errors.Load(),
		Held:      w.held.Load(),
		Lost:      w.lost.Load(),
	}
}

// Run consumes readings until the stream closes or ctx is cancelled,
// flushing the final batch either way.
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
			w.batch = append(w.batch, r)
			st := w.stats[r.Type]
			if st == nil {
				st = newSessionStats()
				w.stats[r.Type] = st
			}
			st.observe(r)
			if len(w.batch) >= batchMaxDocs {
				w.flush(ctx)
			}
		case <-ticker.C:
			w.flush(ctx)
		}
	}
}

func (w *Writer) finalFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	w.flush(ctx)
}

func (w *Writer) flush(ctx context.Context) {
	w.retryHeld(ctx)
	if len(w.batch) == 0 {
		return
	}
	now := time.Now()
	models := BuildModels(w.batch, w.session, now)
	w.batch = w.batch[:0]

	for t, st := range w.stats {
		if doc, ok := st.takeDirty(w.session, now); ok {
			coll := StatisticsCollection(t)
			models[coll] = append(models[coll], replaceUpsert(doc.NaturalKey(), doc))
		}
	}

	colls := make([]string, 0, len(models))
	for coll := range models {
		colls = append(colls, coll)
	}
	sort.Strings(colls)
	for _, coll := range colls {
		w.bulkWrite(ctx, coll, models[coll])
	}
}

func (w *Writer) bulkWrite(ctx context.Context, coll string, models []mongo.WriteModel) {
	if len(models) == 0 {
		return
	}
	opts := options.BulkWrite().SetOrdered(false)
	_, err := w.store.Collection(coll).BulkWrite(ctx, models, opts)
	if err != nil {
		// One retry, then the batch is surfaced and held for the next
		// flush.
		if _, err = w.store.Collection(coll).BulkWrite(ctx, models, opts); err != nil {
			w.errors.Add(1)
			w.log.Warn("bulk write failed",
				zap.String("collection", coll),
				zap.Int("documents", len(models)),
				zap.Error(err))
			w.hold(coll, models)
			return
		}
	}
	w.batches.Add(1)
	w.documents.Add(uint64(len(models)))
}

// hold keeps a failed batch for the next flush. When the backlog bound
// is exceeded the oldest batches are lost first.
func (w *Writer) hold(coll string, models []mongo.WriteModel) {
	w.backlog = append(w.backlog, heldBatch{coll: coll, models: models})
	w.backlogLen += len(models)
	for w.backlogLen > backlogMaxModels && len(w.backlog) > 0 {
		drop := w.backlog[0]
		w.backlog = w.backlog[1:]
		w.backlogLen -= len(drop.models)
		w.lost.Add(uint64(len(drop.models)))
		w.log.Warn("backlog bound exceeded, discarding oldest batch",
			zap.String("collection", drop.coll),
			zap.Int("documents", len(drop.models)))
	}
	w.held.Store(int64(w.backlogLen))
}

// retryHeld re-attempts every held batch; failures go back on the
// backlog through bulkWrite.
func (w *Writer) retryHeld(ctx context.Context) {
	if len(w.backlog) == 0 {
		return
	}
	pending := w.backlog
	w.backlog = nil
	w.backlogLen = 0
	w.held.Store(0)
	for _, b := range pending {
		w.bulkWrite(ctx, b.coll, b.models)
	}
}

func replaceUpsert(filter interface{}, doc interface{}) mongo.WriteModel {
	return mongo.NewReplaceOneModel().
		SetFilter(filter).
		SetReplacement(doc).
		SetUpsert(true)
}

// BuildModels turns one batch of readings into per-collection
// replace-upsert models: one timeseries document per reading, one
// historical document per (type, poll timestamp), and one realtime
// snapshot per type.
func BuildModels(batch []sensor.Reading, session string, syncedAt time.Time) map[string][]mongo.WriteModel {
	models := make(map[string][]mongo.WriteModel)

	type histKey struct {
		t  sensor.Type
		ts time.Time
	}
	hist := make(map[histKey]map[int]float64)
	histOrder := make([]histKey, 0)
	realtime := make(map[sensor.Type]*RealtimeDoc)

	for _, r := range batch {
		ts := TimeseriesDoc{
			SessionPrefix: session,
			Channel:       r.Channel,
			Timestamp:     r.Timestamp,
			Value:         r.Value,
			TimestampUnix: unixSeconds(r.Timestamp),
			SyncedAt:      syncedAt,
		}
		coll := TimeseriesCollection(r.Type)
		models[coll] = append(models[coll], replaceUpsert(ts.NaturalKey(), ts))

		hk := histKey{t: r.Type, ts: r.Timestamp}
		if hist[hk] == nil {
			hist[hk] = make(map[int]float64)
			histOrder = append(histOrder, hk)
		}
		hist[hk][r.Channel] = r.Value

		rt := realtime[r.Type]
		if rt == nil {
			rt = &RealtimeDoc{
				SessionPrefix: session,
				Channels:      make(map[string]ChannelSample),
				SyncedAt:      syncedAt,
			}
			realtime[r.Type] = rt
		}
		rt.Channels[ChannelField(r.Channel)] = ChannelSample{Value: r.Value, Raw: int64(r.Raw)}
		if r.Timestamp.After(rt.Timestamp) {
			rt.Timestamp = r.Timestamp
		}
	}

	for _, hk := range histOrder {
		byChannel := hist[hk]
		channels := make([]int, 0, len(byChannel))
		for ch := range byChannel {
			channels = append(channels, ch)
		}
		sort.Ints(channels)
		values := make([]float64, 0, len(channels))
		for _, ch := range channels {
			values = append(values, byChannel[ch])
		}
		doc := HistoricalDoc{
			SessionPrefix: session,
			Timestamp:     hk.ts,
			Values:        values,
			ChannelCount:  len(values),
			SyncedAt:      syncedAt,
		}
		coll := HistoricalCollection(hk.t)
		models[coll] = append(models[coll], replaceUpsert(doc.NaturalKey(), doc))
	}

	for t, doc := range realtime {
		doc.ChannelCount = len(doc.Channels)
		coll := RealtimeCollection(t)
		models[coll] = append(models[coll], replaceUpsert(doc.NaturalKey(), *doc))
	}
	return models
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// sessionStats is the rolling per-type state behind statistics_{type}.
type sessionStats struct {
	count uint64
	sum   float64
	min   float64
	max   float64
	last  map[int]float64
	ts    time.Time
	dirty bool
}

func newSessionStats() *sessionStats {
	return &sessionStats{
		min:  math.Inf(1),
		max:  math.Inf(-1),
		last: make(map[int]float64),
	}
}

func (s *sessionStats) observe(r sensor.Reading) {
	s.count++
	s.sum += r.Value
	if r.Value < s.min {
		s.min = r.Value
	}
	if r.Value > s.max {
		s.max = r.Value
	}
	s.last[r.Channel] = r.Value
	if r.Timestamp.After(s.ts) {
		s.ts = r.Timestamp
	}
	s.dirty = true
}

func (s *sessionStats) takeDirty(session string, syncedAt time.Time) (StatisticsDoc, bool) {
	if !s.dirty {
		return StatisticsDoc{}, false
	}
	s.dirty = false

	channels := make([]int, 0, len(s.last))
	for ch := range s.last {
		channels = append(channels, ch)
	}
	sort.Ints(channels)

	chValues := make(map[string]float64, len(channels))
	minCh, maxCh := -1, -1
	for _, ch := range channels {
		v := s.last[ch]
		chValues[ChannelField(ch)] = v
		if minCh < 0 || v < s.last[minCh] {
			minCh = ch
		}
		if maxCh < 0 || v > s.last[maxCh] {
			maxCh = ch
		}
	}
	doc := StatisticsDoc{
		SessionPrefix: session,
		LastUpdate:    s.ts,
		ChannelCount:  len(channels),
		Statistics: StatSummary{
			Min: s.min,
			Max: s.max,
			Avg: s.sum / float64(s.count),
		},
		Channels: chValues,
		SyncedAt: syncedAt,
	}
	if minCh >= 0 {
		doc.Statistics.ChannelMin = ChannelField(minCh)[len("channel_"):]
		doc.Statistics.ChannelMax = ChannelField(maxCh)[len("channel_"):]
	}
	return doc, true
}

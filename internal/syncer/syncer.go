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
	"fmt"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/hootrhino/sensorpipe/internal/cache"
	"github.com/hootrhino/sensorpipe/internal/docstore"
)

// Data types recorded in the sync ledgers.
const (
	DataRealtime   = "realtime"
	DataHistorical = "historical"
	DataTimeseries = "timeseries"
	DataStatistics = "statistics"
)

// Counters aggregates synced-document and error counts per data type.
type Counters struct {
	Realtime   atomic.Int64
	Historical atomic.Int64
	Timeseries atomic.Int64
	Statistics atomic.Int64
	Errors     atomic.Int64
}

// Syncer is the shared machinery of migration and realtime sync: key
// discovery, ledger access, and per-key replication.
type Syncer struct {
	rdb      *redis.Client
	store    *docstore.Store
	log      *zap.Logger
	session  string // assigned to keys that carry no session prefix
	instance string
	pageSize int

	counters Counters
}

// New builds a syncer. session names the acquisition run that flat
// (non-prefixed) cache keys belong to.
func New(rdb *redis.Client, store *docstore.Store, session string, pageSize int, log *zap.Logger) *Syncer {
	if pageSize <= 0 {
		pageSize = 200
	}
	return &Syncer{
		rdb:      rdb,
		store:    store,
		log:      log,
		session:  session,
		instance: uuid.NewString(),
		pageSize: pageSize,
	}
}

// Counts exposes the running totals for the periodic report.
func (s *Syncer) Counts() *Counters {
	return &s.counters
}

// sessionFor maps a parsed key to its session prefix.
func (s *Syncer) sessionFor(info cache.KeyInfo) string {
	if info.SessionPrefix != "" {
		return info.SessionPrefix
	}
	return s.session
}

// discoverKeys scans the cache for every key the pipeline understands,
// classified by kind. Within each kind, flat legacy keys sort before
// session-prefixed ones so that on a session collision the prefixed
// write lands last and wins.
func (s *Syncer) discoverKeys(ctx context.Context) (map[string][]string, error) {
	found := make(map[string]cache.KeyInfo)
	for _, pattern := range []string{"sensor:*", "temperature:*", "*:temperature:*"} {
		iter := s.rdb.Scan(ctx, 0, pattern, 0).Iterator()
		for iter.Next(ctx) {
			key := iter.Val()
			if _, ok := found[key]; ok {
				continue
			}
			if info, ok := cache.ParseKey(key); ok {
				found[key] = info
			}
		}
		if err := iter.Err(); err != nil {
			return nil, fmt.Errorf("syncer: scan %q: %w", pattern, err)
		}
	}

	byKind := make(map[string][]string)
	for key, info := range found {
		byKind[info.Kind] = append(byKind[info.Kind], key)
	}
	for _, keys := range byKind {
		sort.Slice(keys, func(i, j int) bool {
			pi := found[keys[i]].SessionPrefix != ""
			pj := found[keys[j]].SessionPrefix != ""
			if pi != pj {
				return !pi
			}
			return keys[i] < keys[j]
		})
	}
	return byKind, nil
}

// ---- ledger access ----

func (s *Syncer) loadStatus(ctx context.Context, dataType, key string) (docstore.SyncStatusDoc, error) {
	doc := docstore.SyncStatusDoc{DataType: dataType, Key: key}
	err := s.store.Collection(docstore.SyncStatusCollection).
		FindOne(ctx, doc.NaturalKey()).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return docstore.SyncStatusDoc{DataType: dataType, Key: key}, nil
	}
	return doc, err
}

func (s *Syncer) saveStatus(ctx context.Context, doc docstore.SyncStatusDoc) error {
	doc.InstanceID = s.instance
	doc.UpdatedAt = time.Now()
	_, err := s.store.Collection(docstore.SyncStatusCollection).
		ReplaceOne(ctx, doc.NaturalKey(), doc, options.Replace().SetUpsert(true))
	return err
}

func (s *Syncer) loadProgress(ctx context.Context, dataType, key string) (docstore.SyncProgressDoc, error) {
	doc := docstore.SyncProgressDoc{DataType: dataType, Key: key}
	err := s.store.Collection(docstore.SyncProgressCollection).
		FindOne(ctx, doc.NaturalKey()).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return docstore.SyncProgressDoc{DataType: dataType, Key: key}, nil
	}
	return doc, err
}

func (s *Syncer) saveProgress(ctx context.Context, doc docstore.SyncProgressDoc) error {
	doc.InstanceID = s.instance
	doc.UpdatedAt = time.Now()
	_, err := s.store.Collection(docstore.SyncProgressCollection).
		ReplaceOne(ctx, doc.NaturalKey(), doc, options.Replace().SetUpsert(true))
	return err
}

// ---- per-key replication ----

// syncRealtimeKey replicates one realtime hash if it is newer than the
// ledger says. Returns whether anything was written.
func (s *Syncer) syncRealtimeKey(ctx context.Context, key string, info cache.KeyInfo) (bool, error) {
	fields, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if len(fields) == 0 {
		return false, nil
	}
	status, err := s.loadStatus(ctx, DataRealtime, key)
	if err != nil {
		return false, err
	}

	session := s.sessionFor(info)
	now := time.Now()
	coll := s.store.Collection(docstore.RealtimeCollection(info.Type))
	filter := bson.D{{Key: "session_prefix", Value: session}}

	var recordTS time.Time
	set := bson.M{"session_prefix": session, "synced_at": now}

	if info.Legacy && info.Owner == "" {
		ts, channels, err := ParseLegacyRealtimeHash(fields)
		if err != nil {
			return false, err
		}
		recordTS = ts
		for ch, v := range channels {
			set["channels."+docstore.ChannelField(ch)] = docstore.ChannelSample{Value: v}
		}
		set["channel_count"] = len(channels)
	} else {
		rec, err := ParseRealtimeHash(fields)
		if err != nil {
			return false, err
		}
		if rec.Channel == 0 {
			if rec.Channel, err = ChannelFromSensorID(info.Owner); err != nil {
				return false, err
			}
		}
		recordTS = rec.Timestamp
		set["channels."+docstore.ChannelField(rec.Channel)] = docstore.ChannelSample{
			Value: rec.Value,
			Raw:   rec.Raw,
		}
	}

	// Strictly-newer check against the ledger gives at-most-once.
	if !recordTS.After(status.Timestamp) {
		return false, nil
	}

	update := bson.M{"$set": set, "$max": bson.M{"timestamp": recordTS}}
	if _, err := coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true)); err != nil {
		return false, err
	}
	status.Timestamp = recordTS
	status.Count++
	if err := s.saveStatus(ctx, status); err != nil {
		return false, err
	}
	s.counters.Realtime.Add(1)
	return true, nil
}

// syncHistoryKey replicates new history entries. The ledger records the
// list length at the previous sync; when the list has hit its trim
// bound the length stops growing, so the key is resynchronized in full
// and reconciled by entry timestamp.
func (s *Syncer) syncHistoryKey(ctx context.Context, key string, info cache.KeyInfo) (int, error) {
	status, err := s.loadStatus(ctx, DataHistorical, key)
	if err != nil {
		return 0, err
	}
	length, err := s.rdb.LLen(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if length == 0 {
		return 0, nil
	}

	readAll := status.Count == 0 ||
		length < status.Count ||
		length >= cache.HistoryMaxLen
	var stop int64
	if readAll {
		stop = length - 1
	} else {
		stop = length - status.Count - 1
	}
	if stop < 0 {
		return 0, s.saveHistoryStatus(ctx, status, length, status.Timestamp)
	}

	session := s.sessionFor(info)
	coll := docstore.HistoricalCollection(info.Type)
	now := time.Now()
	newest := status.Timestamp

	inserted := 0
	for start := int64(0); start <= stop; start += int64(s.pageSize) {
		end := start + int64(s.pageSize) - 1
		if end > stop {
			end = stop
		}
		entries, err := s.rdb.LRange(ctx, key, start, end).Result()
		if err != nil {
			return inserted, err
		}
		var models []mongo.WriteModel
		for _, raw := range entries {
			ts, values, err := ParseHistoryEntry([]byte(raw))
			if err != nil {
				s.counters.Errors.Add(1)
				continue
			}
			// Reconcile by timestamp: only entries newer than the ledger.
			if !ts.After(status.Timestamp) {
				continue
			}
			doc := docstore.HistoricalDoc{
				SessionPrefix: session,
				Timestamp:     ts,
				Values:        values,
				ChannelCount:  len(values),
				SyncedAt:      now,
			}
			models = append(models, mongo.NewReplaceOneModel().
				SetFilter(doc.NaturalKey()).SetReplacement(doc).SetUpsert(true))
			if ts.After(newest) {
				newest = ts
			}
		}
		if len(models) > 0 {
			if _, err := s.store.Collection(coll).
				BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false)); err != nil {
				return inserted, err
			}
			inserted += len(models)
		}
	}
	s.counters.Historical.Add(int64(inserted))
	return inserted, s.saveHistoryStatus(ctx, status, length, newest)
}

func (s *Syncer) saveHistoryStatus(ctx context.Context, status docstore.SyncStatusDoc, length int64, newest time.Time) error {
	status.Count = length
	status.Timestamp = newest
	return s.saveStatus(ctx, status)
}

// splitScorePage decides whether a page of sorted-set members may have
// been cut inside a run of equal scores. Only a full page can be cut;
// in that case it strips the trailing boundary-score members (they are
// re-fetched in full) and reports the boundary. Short pages pass
// through untouched.
func splitScorePage(zs []redis.Z, pageSize int) (safe []redis.Z, boundary float64, cut bool) {
	if len(zs) < pageSize {
		return zs, 0, false
	}
	boundary = zs[len(zs)-1].Score
	i := len(zs)
	for i > 0 && zs[i-1].Score == boundary {
		i--
	}
	return zs[:i], boundary, true
}

// syncTimeseriesKey pages new sorted-set members (score strictly above
// the ledger score) into the document store, advancing the ledger after
// every page so an interrupted run resumes mid-key.
func (s *Syncer) syncTimeseriesKey(ctx context.Context, key string, info cache.KeyInfo) (int, error) {
	progress, err := s.loadProgress(ctx, DataTimeseries, key)
	if err != nil {
		return 0, err
	}

	channel := info.Channel
	if !info.Legacy {
		if channel, err = ChannelFromSensorID(info.Owner); err != nil {
			return 0, err
		}
	}
	session := s.sessionFor(info)
	coll := docstore.TimeseriesCollection(info.Type)

	total := 0
	for {
		zs, err := s.rdb.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
			Min:   "(" + strconv.FormatFloat(progress.LastScore, 'f', -1, 64),
			Max:   "+inf",
			Count: int64(s.pageSize),
		}).Result()
		if err != nil {
			return total, err
		}
		if len(zs) == 0 {
			break
		}
		lastPage := len(zs) < s.pageSize

		// A full page can cut through a run of members sharing one
		// score. Advancing the ledger past that score would skip the
		// rest of the run on the next query (the minimum is exclusive),
		// so fetch the boundary run in full before moving on.
		if safe, boundary, cut := splitScorePage(zs, s.pageSize); cut {
			bs := strconv.FormatFloat(boundary, 'f', -1, 64)
			run, err := s.rdb.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
				Min: bs,
				Max: bs,
			}).Result()
			if err != nil {
				return total, err
			}
			zs = append(safe, run...)
		}

		points := make([]TimeseriesPoint, 0, len(zs))
		for _, z := range zs {
			member, ok := z.Member.(string)
			if !ok {
				continue
			}
			value, err := cache.ParseTimeseriesMember(member)
			if err != nil {
				s.counters.Errors.Add(1)
				continue
			}
			points = append(points, TimeseriesPoint{Score: z.Score, Value: value})
		}
		points = DedupPoints(points)

		now := time.Now()
		models := make([]mongo.WriteModel, 0, len(points))
		for _, p := range points {
			sec := int64(p.Score)
			doc := docstore.TimeseriesDoc{
				SessionPrefix: session,
				Channel:       channel,
				Timestamp:     time.Unix(sec, int64((p.Score-float64(sec))*float64(time.Second))),
				Value:         p.Value,
				TimestampUnix: p.Score,
				SyncedAt:      now,
			}
			models = append(models, mongo.NewReplaceOneModel().
				SetFilter(doc.NaturalKey()).SetReplacement(doc).SetUpsert(true))
		}
		if len(models) > 0 {
			if _, err := s.store.Collection(coll).
				BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false)); err != nil {
				return total, err
			}
		}

		progress.LastScore = zs[len(zs)-1].Score
		progress.Count += int64(len(models))
		if err := s.saveProgress(ctx, progress); err != nil {
			return total, err
		}
		total += len(models)
		if lastPage {
			break
		}
	}
	s.counters.Timeseries.Add(int64(total))
	return total, nil
}

// syncStatisticsKey upserts one statistics hash. Idempotent by natural
// key, so no ledger is consulted.
func (s *Syncer) syncStatisticsKey(ctx context.Context, key string, info cache.KeyInfo) error {
	fields, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		return nil
	}
	doc, err := ParseStatisticsHash(fields, s.sessionFor(info), time.Now())
	if err != nil {
		return err
	}
	_, err = s.store.Collection(docstore.StatisticsCollection(info.Type)).
		ReplaceOne(ctx, doc.NaturalKey(), doc, options.Replace().SetUpsert(true))
	if err != nil {
		return err
	}
	s.counters.Statistics.Add(1)
	return nil
}

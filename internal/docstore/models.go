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

// Package docstore is the MongoDB tier: collection schemas, the
// natural-key uniqueness contract, and the batching writer.
package docstore

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/hootrhino/sensorpipe/internal/sensor"
)

// Per-type collection names.
func RealtimeCollection(t sensor.Type) string   { return "realtime_" + string(t) }
func HistoricalCollection(t sensor.Type) string { return "historical_" + string(t) }
func TimeseriesCollection(t sensor.Type) string { return "timeseries_" + string(t) }
func StatisticsCollection(t sensor.Type) string { return "statistics_" + string(t) }

// Ledger collections shared by migration and realtime sync.
const (
	SyncStatusCollection   = "sync_status"
	SyncProgressCollection = "sync_progress"
)

// ChannelSample is the per-channel payload inside a realtime document.
type ChannelSample struct {
	Value float64 `bson:"value"`
	Raw   int64   `bson:"raw"`
}

// ChannelField renders the map key used for per-channel payloads.
func ChannelField(channel int) string {
	return fmt.Sprintf("channel_%02d", channel)
}

// RealtimeDoc is the latest snapshot of one session. Natural key:
// session_prefix.
type RealtimeDoc struct {
	SessionPrefix string                   `bson:"session_prefix"`
	Timestamp     time.Time                `bson:"timestamp"`
	ChannelCount  int                      `bson:"channel_count"`
	Channels      map[string]ChannelSample `bson:"channels"`
	SyncedAt      time.Time                `bson:"synced_at"`
}

func (d RealtimeDoc) NaturalKey() bson.D {
	return bson.D{{Key: "session_prefix", Value: d.SessionPrefix}}
}

// HistoricalDoc is one poll snapshot. Natural key: (session_prefix,
// timestamp).
type HistoricalDoc struct {
	SessionPrefix string    `bson:"session_prefix"`
	Timestamp     time.Time `bson:"timestamp"`
	Values        []float64 `bson:"values"`
	ChannelCount  int       `bson:"channel_count"`
	SyncedAt      time.Time `bson:"synced_at"`
}

func (d HistoricalDoc) NaturalKey() bson.D {
	return bson.D{
		{Key: "session_prefix", Value: d.SessionPrefix},
		{Key: "timestamp", Value: d.Timestamp},
	}
}

// TimeseriesDoc is one sample of one channel. Natural key:
// (session_prefix, channel, timestamp_unix).
type TimeseriesDoc struct {
	SessionPrefix string    `bson:"session_prefix"`
	Channel       int       `bson:"channel"`
	Timestamp     time.Time `bson:"timestamp"`
	Value         float64   `bson:"value"`
	TimestampUnix float64   `bson:"timestamp_unix"`
	SyncedAt      time.Time `bson:"synced_at"`
}

func (d TimeseriesDoc) NaturalKey() bson.D {
	return bson.D{
		{Key: "session_prefix", Value: d.SessionPrefix},
		{Key: "channel", Value: d.Channel},
		{Key: "timestamp_unix", Value: d.TimestampUnix},
	}
}

// StatSummary mirrors the cache statistics hash.
type StatSummary struct {
	Min        float64 `bson:"min"`
	Max        float64 `bson:"max"`
	Avg        float64 `bson:"avg"`
	ChannelMin string  `bson:"channel_min"`
	ChannelMax string  `bson:"channel_max"`
}

// StatisticsDoc is the per-session statistics snapshot. Natural key:
// session_prefix.
type StatisticsDoc struct {
	SessionPrefix string             `bson:"session_prefix"`
	LastUpdate    time.Time          `bson:"last_update"`
	ChannelCount  int                `bson:"channel_count"`
	Statistics    StatSummary        `bson:"statistics"`
	Channels      map[string]float64 `bson:"channels"`
	SyncedAt      time.Time          `bson:"synced_at"`
}

func (d StatisticsDoc) NaturalKey() bson.D {
	return bson.D{{Key: "session_prefix", Value: d.SessionPrefix}}
}

// SyncStatusDoc is the idempotency ledger for realtime and historical
// sync: the timestamp of the newest cache record already replicated
// under a given cache key. Natural key: (data_type, key).
type SyncStatusDoc struct {
	DataType   string    `bson:"data_type"`
	Key        string    `bson:"key"`
	Timestamp  time.Time `bson:"timestamp"`
	Count      int64     `bson:"count"`
	InstanceID string    `bson:"instance_id"`
	UpdatedAt  time.Time `bson:"updated_at"`
}

func (d SyncStatusDoc) NaturalKey() bson.D {
	return bson.D{
		{Key: "data_type", Value: d.DataType},
		{Key: "key", Value: d.Key},
	}
}

// SyncProgressDoc is the resumability ledger for timeseries migration
// and sync: the highest score already ingested from a sorted set.
// Natural key: (data_type, key).
type SyncProgressDoc struct {
	DataType   string    `bson:"data_type"`
	Key        string    `bson:"key"`
	LastScore  float64   `bson:"last_score"`
	Count      int64     `bson:"count"`
	InstanceID string    `bson:"instance_id"`
	UpdatedAt  time.Time `bson:"updated_at"`
}

func (d SyncProgressDoc) NaturalKey() bson.D {
	return bson.D{
		{Key: "data_type", Value: d.DataType},
		{Key: "key", Value: d.Key},
	}
}

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

// Package cache publishes sensor readings into the Redis tier under the
// documented key schema and knows how to parse those keys back, both
// the current typed layout and the legacy temperature-only layouts.
package cache

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/hootrhino/sensorpipe/internal/sensor"
)

// Data kinds stored under each key family.
const (
	KindRealtime   = "realtime"
	KindHistory    = "history"
	KindTimeseries = "timeseries"
	KindStatistics = "statistics"
)

// RealtimeKey holds the latest sample of one sensor as a hash.
func RealtimeKey(t sensor.Type, sensorID string) string {
	return fmt.Sprintf("sensor:%s:%s:%s", t, sensorID, KindRealtime)
}

// HistoryKey holds one JSON entry per module poll, newest at the head.
// History is module-grained: a poll of an 8-channel module appends one
// entry whose values array carries all eight channels.
func HistoryKey(t sensor.Type, moduleID string) string {
	return fmt.Sprintf("sensor:%s:%s:%s", t, moduleID, KindHistory)
}

// TimeseriesKey holds one sorted set per sensor, scored by unix seconds.
func TimeseriesKey(t sensor.Type, sensorID string) string {
	return fmt.Sprintf("sensor:%s:%s:%s", t, sensorID, KindTimeseries)
}

// StatisticsKey holds the rolling statistics hash for one sensor type.
func StatisticsKey(t sensor.Type) string {
	return fmt.Sprintf("sensor:%s:%s", t, KindStatistics)
}

// TimeseriesMember renders a sorted-set member. The sequence suffix
// keeps members unique when equal values land on the same timestamp.
func TimeseriesMember(value float64, seq uint64) string {
	return fmt.Sprintf("%g:%d", value, seq)
}

// ParseTimeseriesMember extracts the value from a member, tolerating
// legacy members that carry no sequence suffix.
func ParseTimeseriesMember(member string) (float64, error) {
	if i := strings.LastIndexByte(member, ':'); i >= 0 {
		if v, err := strconv.ParseFloat(member[:i], 64); err == nil {
			return v, nil
		}
	}
	return strconv.ParseFloat(member, 64)
}

// KeyInfo is a parsed cache key.
type KeyInfo struct {
	SessionPrefix string // empty for flat keys
	Type          sensor.Type
	Owner         string // sensor id or module id; empty for statistics
	Kind          string
	Channel       int // legacy per-channel timeseries; 0 otherwise
	Legacy        bool
}

// ParseKey recognizes every key layout the pipeline has ever written:
//
//	sensor:{type}:{owner}:{kind}
//	sensor:{type}:statistics
//	temperature:{kind}
//	temperature:timeseries:channel_{NN}
//	{session}:temperature:{kind}
//	{session}:temperature:timeseries:channel_{NN}
func ParseKey(key string) (KeyInfo, bool) {
	parts := strings.Split(key, ":")

	if parts[0] == "sensor" {
		switch len(parts) {
		case 3:
			t := sensor.Type(parts[1])
			if t.Valid() && parts[2] == KindStatistics {
				return KeyInfo{Type: t, Kind: KindStatistics}, true
			}
		case 4:
			t := sensor.Type(parts[1])
			if t.Valid() && isKind(parts[3]) {
				return KeyInfo{Type: t, Owner: parts[2], Kind: parts[3]}, true
			}
		}
		return KeyInfo{}, false
	}

	// Legacy layouts, optionally session-prefixed.
	session := ""
	if len(parts) > 1 && parts[0] != string(sensor.Temperature) {
		session = parts[0]
		parts = parts[1:]
	}
	if parts[0] != string(sensor.Temperature) {
		return KeyInfo{}, false
	}
	info := KeyInfo{
		SessionPrefix: session,
		Type:          sensor.Temperature,
		Legacy:        true,
	}
	switch {
	case len(parts) == 2 && isKind(parts[1]):
		info.Kind = parts[1]
		return info, true
	case len(parts) == 3 && parts[1] == KindTimeseries && strings.HasPrefix(parts[2], "channel_"):
		ch, err := strconv.Atoi(strings.TrimPrefix(parts[2], "channel_"))
		if err != nil {
			return KeyInfo{}, false
		}
		info.Kind = KindTimeseries
		info.Channel = ch
		return info, true
	}
	return KeyInfo{}, false
}

func isKind(s string) bool {
	switch s {
	case KindRealtime, KindHistory, KindTimeseries, KindStatistics:
		return true
	}
	return false
}

// HistoryEntry is one history-list element: all channel values of one
// module poll.
type HistoryEntry struct {
	Timestamp string    `json:"timestamp"`
	Values    []float64 `json:"values"`
}

// DecodeHistoryEntry parses a history-list element, tolerating the
// legacy field name "temperatures" for the values array.
func DecodeHistoryEntry(data []byte) (HistoryEntry, error) {
	var raw struct {
		Timestamp    string    `json:"timestamp"`
		Values       []float64 `json:"values"`
		Temperatures []float64 `json:"temperatures"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return HistoryEntry{}, fmt.Errorf("cache: bad history entry: %w", err)
	}
	e := HistoryEntry{Timestamp: raw.Timestamp, Values: raw.Values}
	if len(e.Values) == 0 {
		e.Values = raw.Temperatures
	}
	if e.Timestamp == "" {
		return HistoryEntry{}, fmt.Errorf("cache: history entry missing timestamp")
	}
	return e, nil
}

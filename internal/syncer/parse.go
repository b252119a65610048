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

// Package syncer replicates the cache tier into the document store:
// a one-shot resumable migrator and a continuous realtime sync runner.
// Both tolerate the current typed key layout and the legacy
// temperature-only layouts, session-prefixed or flat.
package syncer

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hootrhino/sensorpipe/internal/cache"
	"github.com/hootrhino/sensorpipe/internal/docstore"
)

// timestampLayouts are every wall-clock format ever written to the
// cache, newest first.
var timestampLayouts = []string{
	cache.TimestampLayout,
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.000000",
	"2006-01-02 15:04:05",
}

// ParseTimestamp parses a cache timestamp field in any known format,
// including raw unix seconds.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if ts, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return ts, nil
		}
	}
	if unix, err := strconv.ParseFloat(s, 64); err == nil {
		sec := int64(unix)
		nsec := int64((unix - float64(sec)) * float64(time.Second))
		return time.Unix(sec, nsec), nil
	}
	return time.Time{}, fmt.Errorf("syncer: unparseable timestamp %q", s)
}

// ChannelFromSensorID extracts the channel from the trailing _NN of a
// sensor id like temperature_temp_module_01_03.
func ChannelFromSensorID(id string) (int, error) {
	i := strings.LastIndexByte(id, '_')
	if i < 0 {
		return 0, fmt.Errorf("syncer: no channel suffix in sensor id %q", id)
	}
	ch, err := strconv.Atoi(id[i+1:])
	if err != nil || ch < 0 {
		return 0, fmt.Errorf("syncer: bad channel suffix in sensor id %q", id)
	}
	return ch, nil
}

// RealtimeRecord is one parsed per-sensor realtime hash.
type RealtimeRecord struct {
	Timestamp time.Time
	Value     float64
	Raw       int64
	Channel   int
	ModuleID  string
}

// ParseRealtimeHash parses the per-sensor realtime hash written by the
// cache writer.
func ParseRealtimeHash(fields map[string]string) (RealtimeRecord, error) {
	ts, err := ParseTimestamp(fields["timestamp"])
	if err != nil {
		return RealtimeRecord{}, err
	}
	value, err := strconv.ParseFloat(fields["value"], 64)
	if err != nil {
		return RealtimeRecord{}, fmt.Errorf("syncer: bad realtime value %q", fields["value"])
	}
	rec := RealtimeRecord{
		Timestamp: ts,
		Value:     value,
		ModuleID:  fields["module_id"],
	}
	if raw, err := strconv.ParseInt(fields["raw"], 10, 64); err == nil {
		rec.Raw = raw
	}
	if ch, err := strconv.Atoi(fields["channel"]); err == nil {
		rec.Channel = ch
	}
	return rec, nil
}

// ParseLegacyRealtimeHash parses the legacy module-level realtime hash:
// channel_NN fields holding values, plus a shared timestamp.
func ParseLegacyRealtimeHash(fields map[string]string) (time.Time, map[int]float64, error) {
	ts, err := ParseTimestamp(fields["timestamp"])
	if err != nil {
		return time.Time{}, nil, err
	}
	channels := make(map[int]float64)
	for name, v := range fields {
		if !strings.HasPrefix(name, "channel_") {
			continue
		}
		ch, err := strconv.Atoi(strings.TrimPrefix(name, "channel_"))
		if err != nil {
			continue
		}
		value, err := strconv.ParseFloat(v, 64)
		if err != nil {
			continue
		}
		channels[ch] = value
	}
	if len(channels) == 0 {
		return time.Time{}, nil, fmt.Errorf("syncer: legacy realtime hash has no channel fields")
	}
	return ts, channels, nil
}

// ParseHistoryEntry parses one history-list element into its timestamp
// and values, accepting the legacy "temperatures" field name.
func ParseHistoryEntry(data []byte) (time.Time, []float64, error) {
	entry, err := cache.DecodeHistoryEntry(data)
	if err != nil {
		return time.Time{}, nil, err
	}
	ts, err := ParseTimestamp(entry.Timestamp)
	if err != nil {
		return time.Time{}, nil, err
	}
	return ts, entry.Values, nil
}

// ParseStatisticsHash parses a statistics hash into its document form.
func ParseStatisticsHash(fields map[string]string, session string, syncedAt time.Time) (docstore.StatisticsDoc, error) {
	doc := docstore.StatisticsDoc{
		SessionPrefix: session,
		Channels:      make(map[string]float64),
		SyncedAt:      syncedAt,
	}
	var err error
	if doc.Statistics.Min, err = strconv.ParseFloat(fields["min"], 64); err != nil {
		return doc, fmt.Errorf("syncer: statistics hash missing min")
	}
	if doc.Statistics.Max, err = strconv.ParseFloat(fields["max"], 64); err != nil {
		return doc, fmt.Errorf("syncer: statistics hash missing max")
	}
	if doc.Statistics.Avg, err = strconv.ParseFloat(fields["avg"], 64); err != nil {
		return doc, fmt.Errorf("syncer: statistics hash missing avg")
	}
	doc.Statistics.ChannelMin = fields["channel_min"]
	doc.Statistics.ChannelMax = fields["channel_max"]
	if ts, err := ParseTimestamp(fields["last_update"]); err == nil {
		doc.LastUpdate = ts
	}
	for name, v := range fields {
		if !strings.HasPrefix(name, "channel_") || name == "channel_min" || name == "channel_max" {
			continue
		}
		if value, err := strconv.ParseFloat(v, 64); err == nil {
			doc.Channels[name] = value
		}
	}
	doc.ChannelCount = len(doc.Channels)
	return doc, nil
}

// TimeseriesPoint is one parsed sorted-set member.
type TimeseriesPoint struct {
	Score float64 // unix seconds
	Value float64
}

// DedupPoints drops duplicate (score, value) pairs, preserving order.
// Legacy sorted sets carried no uniqueness suffix so the same sample
// can appear under several members.
func DedupPoints(points []TimeseriesPoint) []TimeseriesPoint {
	type pv struct {
		s, v float64
	}
	seen := make(map[pv]bool, len(points))
	out := points[:0]
	for _, p := range points {
		k := pv{p.Score, p.Value}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, p)
	}
	return out
}

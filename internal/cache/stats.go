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
	"fmt"
	"math"
	"sort"
	"time"
)

// TypeStats is the rolling per-type statistic state behind the
// `sensor:{type}:statistics` hash: running min/max/avg over the run
// plus the last value seen on each channel. Not safe for concurrent
// use; the cache writer owns it.
type TypeStats struct {
	count uint64
	sum   float64
	min   float64
	max   float64
	last  map[int]float64
	dirty bool
}

func NewTypeStats() *TypeStats {
	return &TypeStats{
		min:  math.Inf(1),
		max:  math.Inf(-1),
		last: make(map[int]float64),
	}
}

// Observe folds one sample in.
func (s *TypeStats) Observe(channel int, v float64) {
	s.count++
	s.sum += v
	if v < s.min {
		s.min = v
	}
	if v > s.max {
		s.max = v
	}
	s.last[channel] = v
	s.dirty = true
}

// TakeDirty returns the hash fields if anything changed since the last
// call, nil otherwise.
func (s *TypeStats) TakeDirty(now time.Time) map[string]interface{} {
	if !s.dirty {
		return nil
	}
	s.dirty = false
	return s.Fields(now)
}

// Fields renders the statistics hash: min/max/avg/count, last_update,
// the channel holding the current minimum and maximum, and one
// channel_NN field per channel with its last value.
func (s *TypeStats) Fields(now time.Time) map[string]interface{} {
	fields := map[string]interface{}{
		"min":         s.min,
		"max":         s.max,
		"avg":         s.sum / float64(s.count),
		"count":       int64(s.count),
		"last_update": now.Format(TimestampLayout),
	}

	channels := make([]int, 0, len(s.last))
	for ch := range s.last {
		channels = append(channels, ch)
	}
	sort.Ints(channels)

	minCh, maxCh := -1, -1
	for _, ch := range channels {
		v := s.last[ch]
		fields[fmt.Sprintf("channel_%02d", ch)] = v
		if minCh < 0 || v < s.last[minCh] {
			minCh = ch
		}
		if maxCh < 0 || v > s.last[maxCh] {
			maxCh = ch
		}
	}
	if minCh >= 0 {
		fields["channel_min"] = fmt.Sprintf("%02d", minCh)
		fields["channel_max"] = fmt.Sprintf("%02d", maxCh)
	}
	return fields
}

// Count reports how many samples have been folded in.
func (s *TypeStats) Count() uint64 { return s.count }

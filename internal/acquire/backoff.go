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

package acquire

import (
	"math/rand"
	"time"

	"github.com/hootrhino/sensorpipe/internal/config"
)

// backoff produces jittered exponential reconnect delays. Not safe for
// concurrent use; each reader owns one.
type backoff struct {
	initial    time.Duration
	max        time.Duration
	multiplier float64
	jitterPct  float64

	cur time.Duration
	rng *rand.Rand
}

func newBackoff(cfg config.BackoffConfig) *backoff {
	b := &backoff{
		initial:    time.Duration(cfg.InitialMs) * time.Millisecond,
		max:        time.Duration(cfg.MaxMs) * time.Millisecond,
		multiplier: cfg.Multiplier,
		jitterPct:  cfg.JitterPct,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if b.initial <= 0 {
		b.initial = time.Second
	}
	if b.max < b.initial {
		b.max = b.initial
	}
	if b.multiplier < 1 {
		b.multiplier = 2
	}
	b.cur = b.initial
	return b
}

// Next returns the delay to wait before the next attempt and advances
// the sequence.
func (b *backoff) Next() time.Duration {
	base := b.cur
	next := time.Duration(float64(b.cur) * b.multiplier)
	if next > b.max {
		next = b.max
	}
	b.cur = next

	if b.jitterPct <= 0 {
		return base
	}
	// Uniform jitter in [-pct, +pct] of the base delay.
	jitter := (b.rng.Float64()*2 - 1) * b.jitterPct * float64(base)
	d := base + time.Duration(jitter)
	if d < 0 {
		d = 0
	}
	return d
}

// Reset rewinds the sequence after a successful connection.
func (b *backoff) Reset() {
	b.cur = b.initial
}

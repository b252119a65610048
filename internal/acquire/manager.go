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
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hootrhino/sensorpipe/internal/config"
	"github.com/hootrhino/sensorpipe/internal/sensor"
)

// StopGracePeriod bounds how long StopAll waits for reader goroutines
// to release their sockets.
const StopGracePeriod = 5 * time.Second

// Manager owns the set of module readers and the fan-in stream their
// readings merge into. The stream is bounded; when consumers fall
// behind, the oldest buffered reading is dropped so fresh data always
// gets through.
type Manager struct {
	acq           config.AcquisitionConfig
	sessionPrefix string
	log           *zap.Logger

	mu      sync.Mutex
	readers map[string]*Reader
	started bool

	out     chan sensor.Reading
	dropped atomic.Uint64
}

// NewManager creates an empty manager. Readers are added with Add and
// launched with StartAll.
func NewManager(acq config.AcquisitionConfig, sessionPrefix string, log *zap.Logger) *Manager {
	buf := acq.FanInBuffer
	if buf <= 0 {
		buf = 4096
	}
	return &Manager{
		acq:           acq,
		sessionPrefix: sessionPrefix,
		log:           log,
		readers:       make(map[string]*Reader),
		out:           make(chan sensor.Reading, buf),
	}
}

// Add registers a reader for the module. If the manager is already
// running the reader starts immediately.
func (m *Manager) Add(cfg config.ModuleConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.readers[cfg.ModuleID]; ok {
		return fmt.Errorf("acquire: module %s already registered", cfg.ModuleID)
	}
	r, err := NewReader(cfg, m.acq, m.sessionPrefix, m.publish, m.log)
	if err != nil {
		return err
	}
	m.readers[cfg.ModuleID] = r
	if m.started {
		r.Start()
	}
	return nil
}

// Remove stops the module's reader and waits for its socket to close.
// Removing an unknown module is a no-op.
func (m *Manager) Remove(moduleID string) {
	m.mu.Lock()
	r, ok := m.readers[moduleID]
	delete(m.readers, moduleID)
	m.mu.Unlock()
	if !ok {
		return
	}
	r.Stop()
	select {
	case <-r.Done():
	case <-time.After(StopGracePeriod):
		m.log.Warn("reader did not stop within grace period", zap.String("module_id", moduleID))
	}
}

// StartAll launches every registered reader. Idempotent.
func (m *Manager) StartAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = true
	for _, r := range m.readers {
		r.Start()
	}
}

// StopAll stops every reader and waits up to StopGracePeriod for all of
// them together. Idempotent; the fan-in channel stays open so buffered
// readings can still be drained.
func (m *Manager) StopAll() {
	m.mu.Lock()
	m.started = false
	readers := make([]*Reader, 0, len(m.readers))
	for _, r := range m.readers {
		readers = append(readers, r)
	}
	m.mu.Unlock()

	for _, r := range readers {
		r.Stop()
	}
	deadline := time.After(StopGracePeriod)
	for _, r := range readers {
		select {
		case <-r.Done():
		case <-deadline:
			m.log.Warn("some readers did not stop within grace period")
			return
		}
	}
}

// Subscribe returns the merged reading stream. All subscribers share
// the same channel.
func (m *Manager) Subscribe() <-chan sensor.Reading {
	return m.out
}

// Dropped reports how many readings were discarded because the fan-in
// buffer was full.
func (m *Manager) Dropped() uint64 {
	return m.dropped.Load()
}

// Statistics snapshots every reader's counters, keyed by module id.
func (m *Manager) Statistics() map[string]Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := make(map[string]Status, len(m.readers))
	for id, r := range m.readers {
		stats[id] = r.Status()
	}
	return stats
}

// publish enqueues one reading without ever blocking a reader. When
// the buffer is full the oldest buffered reading is evicted first.
func (m *Manager) publish(r sensor.Reading) {
	select {
	case m.out <- r:
		return
	default:
	}
	// Full: pop one, count it, then retry once. A concurrent consumer
	// may race the pop, so the retry can still fail; drop the new
	// reading in that case rather than block.
	select {
	case <-m.out:
		m.dropped.Add(1)
	default:
	}
	select {
	case m.out <- r:
	default:
		m.dropped.Add(1)
	}
}

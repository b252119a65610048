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

// Package acquire runs one polling goroutine per configured I/O module
// and fans the decoded readings into a single bounded stream.
package acquire

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hootrhino/sensorpipe/internal/config"
	"github.com/hootrhino/sensorpipe/internal/modbus"
	"github.com/hootrhino/sensorpipe/internal/sensor"
)

// State is the lifecycle state of a module reader.
type State int32

const (
	StateConnecting State = iota
	StatePolling
	StateReconnecting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StatePolling:
		return "polling"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Status is a point-in-time snapshot of one reader's counters.
type Status struct {
	ModuleID            string    `json:"module_id"`
	State               State     `json:"-"`
	StateName           string    `json:"state"`
	LastSuccess         time.Time `json:"last_success"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	TotalReads          uint64    `json:"total_reads"`
	TotalErrors         uint64    `json:"total_errors"`
	DecodeDrops         uint64    `json:"decode_drops"`
}

// Reader owns the TCP connection to one I/O module and polls it on a
// fixed cadence. Exactly one request is in flight at a time; nothing
// else may touch the socket.
type Reader struct {
	cfg config.ModuleConfig
	acq config.AcquisitionConfig

	req      modbus.Request
	reqFrame []byte

	primary    sensor.Decoder
	pairedTemp sensor.Decoder

	sessionPrefix string
	publish       func(sensor.Reading)
	log           *zap.Logger

	state       atomic.Int32
	lastSuccess atomic.Int64 // UnixNano, 0 means never
	consecFails atomic.Int32
	totalReads  atomic.Uint64
	totalErrors atomic.Uint64
	decodeDrops atomic.Uint64

	lifeMu  sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewReader builds a reader for one validated module config. publish is
// called once per decoded channel sample; it must not block.
func NewReader(cfg config.ModuleConfig, acq config.AcquisitionConfig, sessionPrefix string,
	publish func(sensor.Reading), log *zap.Logger) (*Reader, error) {

	req := modbus.Request{
		SlaveAddr:     cfg.SlaveAddr,
		FunctionCode:  cfg.FunctionCode,
		StartRegister: cfg.StartRegister,
		RegisterCount: cfg.RegisterCount,
	}
	frame, err := req.Encode()
	if err != nil {
		return nil, fmt.Errorf("acquire: module %s: %w", cfg.ModuleID, err)
	}
	primary, err := sensor.NewDecoder(cfg.SensorType, cfg.IsRTC, cfg.Conversion)
	if err != nil {
		return nil, fmt.Errorf("acquire: module %s: %w", cfg.ModuleID, err)
	}
	r := &Reader{
		cfg:           cfg,
		acq:           acq,
		req:           req,
		reqFrame:      frame,
		primary:       primary,
		sessionPrefix: sessionPrefix,
		publish:       publish,
		log:           log.With(zap.String("module_id", cfg.ModuleID), zap.String("addr", cfg.Addr())),
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
	}
	if cfg.PairedTemperature {
		// Odd registers carry the channel's RTC temperature.
		r.pairedTemp, err = sensor.NewDecoder(sensor.Temperature, true, nil)
		if err != nil {
			return nil, err
		}
	}
	r.state.Store(int32(StateConnecting))
	return r, nil
}

// Start launches the reader goroutine. Calling it twice, or after Stop,
// is a no-op.
func (r *Reader) Start() {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()
	if r.started || r.stopped {
		return
	}
	r.started = true
	go r.run()
}

// Stop signals the reader to shut down. It does not wait; see Done.
func (r *Reader) Stop() {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()
	if r.stopped {
		return
	}
	r.stopped = true
	close(r.stopCh)
	if !r.started {
		// No goroutine will ever close done.
		close(r.done)
		r.setState(StateStopped)
	}
}

// Done is closed once the reader goroutine has exited and the socket is
// released.
func (r *Reader) Done() <-chan struct{} {
	return r.done
}

// Status returns the reader's current counters.
func (r *Reader) Status() Status {
	st := State(r.state.Load())
	s := Status{
		ModuleID:            r.cfg.ModuleID,
		State:               st,
		StateName:           st.String(),
		ConsecutiveFailures: int(r.consecFails.Load()),
		TotalReads:          r.totalReads.Load(),
		TotalErrors:         r.totalErrors.Load(),
		DecodeDrops:         r.decodeDrops.Load(),
	}
	if ns := r.lastSuccess.Load(); ns != 0 {
		s.LastSuccess = time.Unix(0, ns)
	}
	return s
}

func (r *Reader) setState(s State) {
	r.state.Store(int32(s))
}

func (r *Reader) run() {
	defer close(r.done)
	defer r.setState(StateStopped)

	bo := newBackoff(r.acq.ReconnectBackoff)
	for {
		r.setState(StateConnecting)
		conn, err := net.DialTimeout("tcp", r.cfg.Addr(), r.acq.ConnectTimeout())
		if err != nil {
			r.totalErrors.Add(1)
			r.setState(StateReconnecting)
			d := bo.Next()
			r.log.Warn("connect failed", zap.Error(err), zap.Duration("retry_in", d))
			if !r.sleep(d) {
				return
			}
			continue
		}
		r.consecFails.Store(0)
		r.setState(StatePolling)
		r.log.Info("connected")

		r.pollLoop(conn, bo)
		conn.Close()

		select {
		case <-r.stopCh:
			return
		default:
		}
		r.setState(StateReconnecting)
		d := bo.Next()
		r.log.Warn("disconnecting after repeated failures", zap.Duration("retry_in", d))
		if !r.sleep(d) {
			return
		}
	}
}

// pollLoop polls until stopped or the consecutive-failure threshold is
// crossed, at which point the caller tears the connection down.
func (r *Reader) pollLoop(conn net.Conn, bo *backoff) {
	interval := r.cfg.PollInterval(r.acq)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// First poll fires immediately, not one interval in.
	if !r.pollAndCount(conn, bo) {
		return
	}
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			if !r.pollAndCount(conn, bo) {
				return
			}
		}
	}
}

func (r *Reader) pollAndCount(conn net.Conn, bo *backoff) bool {
	err := r.pollOnce(conn)
	if err == nil {
		// Backoff rewinds on a successful poll, not on connect.
		bo.Reset()
		return true
	}
	r.totalErrors.Add(1)
	n := int(r.consecFails.Add(1))
	r.log.Warn("poll failed", zap.Error(err), zap.Int("consecutive_failures", n))
	return n < r.acq.FailureThreshold
}

// pollOnce performs one request/response exchange. The deadline covers
// the whole exchange and is cleared afterwards.
func (r *Reader) pollOnce(conn net.Conn) error {
	if err := conn.SetDeadline(time.Now().Add(r.acq.ReadTimeout())); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}
	defer conn.SetDeadline(time.Time{})

	if _, err := conn.Write(r.reqFrame); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	frame, err := modbus.ReadFrame(conn)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	regs, err := r.req.DecodeResponse(frame)
	if err != nil {
		return err
	}

	now := time.Now()
	r.consecFails.Store(0)
	r.lastSuccess.Store(now.UnixNano())
	r.totalReads.Add(1)
	r.emit(regs, now)
	return nil
}

// emit decodes every configured channel of one poll and publishes the
// resulting readings. All readings of a poll share one timestamp. A
// channel whose value fails its clamp is dropped and counted; the rest
// of the poll still goes out.
func (r *Reader) emit(regs []uint16, ts time.Time) {
	for ch := 0; ch < r.cfg.ChannelCount; ch++ {
		idx := ch
		if r.pairedTemp != nil {
			idx = 2 * ch
		}
		r.emitOne(r.cfg.SensorType, r.primary, regs[idx], ch+1, ts)
		if r.pairedTemp != nil {
			r.emitOne(sensor.Temperature, r.pairedTemp, regs[idx+1], ch+1, ts)
		}
	}
}

func (r *Reader) emitOne(typ sensor.Type, dec sensor.Decoder, raw uint16, channel int, ts time.Time) {
	v, err := dec(raw)
	if err != nil {
		r.decodeDrops.Add(1)
		r.log.Debug("sample dropped",
			zap.String("sensor_type", string(typ)),
			zap.Int("channel", channel),
			zap.Uint16("raw", raw),
			zap.Error(err))
		return
	}
	r.publish(sensor.Reading{
		ModuleID:      r.cfg.ModuleID,
		Type:          typ,
		SensorID:      sensor.ID(typ, r.cfg.ModuleID, channel),
		Channel:       channel,
		Timestamp:     ts,
		Raw:           raw,
		Value:         v,
		Unit:          typ.Unit(),
		SessionPrefix: r.sessionPrefix,
	})
}

// sleep waits d unless the reader is stopped first.
func (r *Reader) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-r.stopCh:
		return false
	case <-t.C:
		return true
	}
}

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

// Package pipeline wires the acquisition manager, the cache writer, the
// document writer and optionally the realtime sync runner into one
// running system with ordered startup and bounded shutdown.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hootrhino/sensorpipe/internal/acquire"
	"github.com/hootrhino/sensorpipe/internal/cache"
	"github.com/hootrhino/sensorpipe/internal/config"
	"github.com/hootrhino/sensorpipe/internal/docstore"
	"github.com/hootrhino/sensorpipe/internal/sensor"
	"github.com/hootrhino/sensorpipe/internal/syncer"
)

// ErrBackendUnavailable marks startup failures against the cache or
// document store, mapped to exit code 2 by the CLI.
var ErrBackendUnavailable = errors.New("pipeline: storage backend unavailable")

const (
	// drainGrace bounds how long Stop waits for buffered readings and
	// writer flushes.
	drainGrace = 5 * time.Second
	// statusInterval paces the per-module status log line.
	statusInterval = 30 * time.Second
)

// Options selects optional pipeline parts.
type Options struct {
	WithSync bool
}

// Pipeline owns every long-running component of one acquisition
// process.
type Pipeline struct {
	cfg  *config.Config
	opts Options
	log  *zap.Logger

	rdb     *redis.Client
	store   *docstore.Store
	manager *acquire.Manager
	cacheW  *cache.Writer
	docW    *docstore.Writer
	runner  *syncer.Runner

	cancel context.CancelFunc
	// drainWg covers the tee and the storage writers, which exit once
	// the buffered readings are drained; bgWg covers loops that only
	// exit on cancellation (status log, sync runner).
	drainWg sync.WaitGroup
	bgWg    sync.WaitGroup
	teeStop chan struct{}
}

// New prepares a pipeline; nothing connects until Start.
func New(cfg *config.Config, opts Options, log *zap.Logger) *Pipeline {
	return &Pipeline{cfg: cfg, opts: opts, log: log, teeStop: make(chan struct{})}
}

// Start brings the system up back-to-front: storage backends first
// (fail fast), then the module readers, then optionally the sync
// runner.
func (p *Pipeline) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.rdb = redis.NewClient(&redis.Options{
		Addr:     p.cfg.Cache.Addr(),
		DB:       p.cfg.Cache.DB,
		Password: p.cfg.Cache.Password,
		PoolSize: p.cfg.Cache.PoolSize,
	})
	p.cacheW = cache.NewWriter(p.rdb, p.log.Named("cache"))
	if err := p.cacheW.Ping(ctx); err != nil {
		cancel()
		return fmt.Errorf("%w: cache at %s: %v", ErrBackendUnavailable, p.cfg.Cache.Addr(), err)
	}

	store, err := docstore.Connect(ctx, p.cfg.DocumentStore)
	if err != nil {
		cancel()
		p.rdb.Close()
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	p.store = store
	if err := store.EnsureIndexes(ctx); err != nil {
		cancel()
		store.Close(ctx)
		p.rdb.Close()
		return err
	}
	p.docW = docstore.NewWriter(store, p.cfg.SessionPrefix, p.log.Named("docstore"))

	p.manager = acquire.NewManager(p.cfg.Acquisition, p.cfg.SessionPrefix, p.log.Named("acquire"))
	for _, m := range p.cfg.Modules {
		if err := p.manager.Add(m); err != nil {
			cancel()
			store.Close(ctx)
			p.rdb.Close()
			return err
		}
	}

	cacheCh := make(chan sensor.Reading, p.cfg.Acquisition.FanInBuffer)
	docCh := make(chan sensor.Reading, p.cfg.Acquisition.FanInBuffer)
	p.drainWg.Add(3)
	go func() {
		defer p.drainWg.Done()
		p.tee(runCtx, p.manager.Subscribe(), cacheCh, docCh)
	}()
	go func() {
		defer p.drainWg.Done()
		p.cacheW.Run(runCtx, cacheCh)
	}()
	go func() {
		defer p.drainWg.Done()
		p.docW.Run(runCtx, docCh)
	}()

	p.manager.StartAll()

	if p.opts.WithSync {
		s := syncer.New(p.rdb, store, p.cfg.SessionPrefix, p.cfg.Sync.PageSize, p.log.Named("sync"))
		p.runner = syncer.NewRunner(s, p.cfg.Sync)
		p.bgWg.Add(1)
		go func() {
			defer p.bgWg.Done()
			p.runner.Run(runCtx)
		}()
	}

	p.bgWg.Add(1)
	go func() {
		defer p.bgWg.Done()
		p.statusLoop(runCtx)
	}()

	p.log.Info("pipeline started",
		zap.Int("modules", len(p.cfg.Modules)),
		zap.String("session_prefix", p.cfg.SessionPrefix),
		zap.Bool("sync", p.opts.WithSync))
	return nil
}

// tee copies the merged stream to both storage writers, preserving
// per-sensor order. On stop it drains whatever the manager buffered,
// then closes both outputs so the writers flush and exit.
func (p *Pipeline) tee(ctx context.Context, in <-chan sensor.Reading, outs ...chan sensor.Reading) {
	defer func() {
		for _, out := range outs {
			close(out)
		}
	}()
	send := func(r sensor.Reading) bool {
		for _, out := range outs {
			select {
			case out <- r:
			case <-ctx.Done():
				return false
			}
		}
		return true
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.teeStop:
			for {
				select {
				case r := <-in:
					if !send(r) {
						return
					}
				default:
					return
				}
			}
		case r := <-in:
			if !send(r) {
				return
			}
		}
	}
}

// Stop reverses startup: readers first, then the buffered readings are
// drained, the writers flush, and the backends disconnect. Bounded by
// drainGrace.
func (p *Pipeline) Stop() error {
	p.manager.StopAll()
	close(p.teeStop)
	shutdownErr := stopSequence(&p.drainWg, &p.bgWg, p.cancel, drainGrace, p.log)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.store.Close(ctx); err != nil && shutdownErr == nil {
		shutdownErr = err
	}
	if err := p.rdb.Close(); err != nil && shutdownErr == nil {
		shutdownErr = err
	}
	p.log.Info("pipeline stopped",
		zap.Uint64("readings_dropped", p.manager.Dropped()),
		zap.Any("cache", p.cacheW.Stats()),
		zap.Any("docstore", p.docW.Stats()))
	return shutdownErr
}

// stopSequence waits for the drain side (tee and storage writers) with
// a bounded grace, then cancels the run context so the loops that only
// exit on cancellation do so without being charged against the grace.
// Cancellation also unblocks a stuck drain, so the second wait is
// short.
func stopSequence(drainWg, bgWg *sync.WaitGroup, cancel context.CancelFunc, grace time.Duration, log *zap.Logger) error {
	done := make(chan struct{})
	go func() {
		drainWg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(grace):
		err = errors.New("pipeline: shutdown grace exceeded, forcing exit")
		log.Error("shutdown grace exceeded")
	}
	cancel()
	<-done
	bgWg.Wait()
	return err
}

// statusLoop is the periodic one-line-per-module health report.
func (p *Pipeline) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for id, st := range p.manager.Statistics() {
				p.log.Info("module status",
					zap.String("module_id", id),
					zap.String("state", st.StateName),
					zap.Time("last_success", st.LastSuccess),
					zap.Int("consecutive_failures", st.ConsecutiveFailures),
					zap.Uint64("total_reads", st.TotalReads),
					zap.Uint64("total_errors", st.TotalErrors),
					zap.Uint64("decode_drops", st.DecodeDrops))
			}
			if d := p.manager.Dropped(); d > 0 {
				p.log.Warn("fan-in overflow", zap.Uint64("dropped_oldest", d))
			}
		}
	}
}

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

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hootrhino/sensorpipe/internal/config"
	"github.com/hootrhino/sensorpipe/internal/docstore"
	"github.com/hootrhino/sensorpipe/internal/pipeline"
	"github.com/hootrhino/sensorpipe/internal/syncer"
)

const (
	exitOK       = 0
	exitConfig   = 1
	exitBackend  = 2
	exitShutdown = 3
)

// exitError carries the process exit code alongside the cause.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func fail(code int, err error) error {
	return &exitError{code: code, err: err}
}

var cfgFile string

func main() {
	os.Exit(run())
}

func run() int {
	root := &cobra.Command{
		Use:           "sensorpipe",
		Short:         "Modbus sensor acquisition and dual-tier storage pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "sensorpipe.yaml", "configuration file")
	root.AddCommand(acquireCmd(), syncCmd(), migrateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "sensorpipe:", err)
		var ee *exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		return exitConfig
	}
	return exitOK
}

func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fail(exitConfig, err)
	}
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, nil, fail(exitConfig, err)
	}
	return cfg, logger, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func acquireCmd() *cobra.Command {
	var withSync bool
	cmd := &cobra.Command{
		Use:   "acquire",
		Short: "Poll the configured I/O modules and feed both storage tiers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signalContext()
			defer stop()

			p := pipeline.New(cfg, pipeline.Options{WithSync: withSync}, logger)
			if err := p.Start(ctx); err != nil {
				if errors.Is(err, pipeline.ErrBackendUnavailable) {
					return fail(exitBackend, err)
				}
				return fail(exitConfig, err)
			}
			<-ctx.Done()
			logger.Info("shutdown requested")
			if err := p.Stop(); err != nil {
				return fail(exitShutdown, err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&withSync, "with-sync", false, "also run the realtime sync workers in-process")
	return cmd
}

// connectBackends dials both tiers for the standalone sync and migrate
// commands.
func connectBackends(ctx context.Context, cfg *config.Config) (*redis.Client, *docstore.Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Cache.Addr(),
		DB:       cfg.Cache.DB,
		Password: cfg.Cache.Password,
		PoolSize: cfg.Cache.PoolSize,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fail(exitBackend, fmt.Errorf("cache at %s: %w", cfg.Cache.Addr(), err))
	}
	store, err := docstore.Connect(ctx, cfg.DocumentStore)
	if err != nil {
		rdb.Close()
		return nil, nil, fail(exitBackend, err)
	}
	if err := store.EnsureIndexes(ctx); err != nil {
		store.Close(ctx)
		rdb.Close()
		return nil, nil, fail(exitBackend, err)
	}
	return rdb, store, nil
}

func syncCmd() *cobra.Command {
	var session string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Continuously replicate the cache tier into the document store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()
			if session == "" {
				session = cfg.SessionPrefix
			}

			ctx, stop := signalContext()
			defer stop()

			rdb, store, err := connectBackends(ctx, cfg)
			if err != nil {
				return err
			}
			defer rdb.Close()
			defer store.Close(context.Background())

			runner := syncer.NewRunner(
				syncer.New(rdb, store, session, cfg.Sync.PageSize, logger),
				cfg.Sync)
			logger.Info("realtime sync started", zap.String("session_prefix", session))
			if err := runner.Run(ctx); err != nil {
				return fail(exitShutdown, err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "session prefix assigned to non-prefixed cache keys")
	return cmd
}

func migrateCmd() *cobra.Command {
	var session string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Copy the cache tier into the document store once, resumably",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()
			if session == "" {
				session = cfg.SessionPrefix
			}

			ctx, stop := signalContext()
			defer stop()

			rdb, store, err := connectBackends(ctx, cfg)
			if err != nil {
				return err
			}
			defer rdb.Close()
			defer store.Close(context.Background())

			s := syncer.New(rdb, store, session, cfg.Sync.PageSize, logger)
			summary, err := s.Migrate(ctx)
			if err != nil {
				return fail(exitShutdown, err)
			}
			fmt.Printf("migrated %d/%d keys (%d documents, %d failed) in %s\n",
				summary.Succeeded, summary.Attempted, summary.Documents,
				summary.Failed, summary.Duration.Round(time.Millisecond))
			for key, msg := range summary.PerKeyErrors {
				fmt.Fprintf(os.Stderr, "  %s: %s\n", key, msg)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "session prefix assigned to non-prefixed cache keys")
	return cmd
}

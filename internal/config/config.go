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

// Package config loads and validates the deployment configuration.
// Everything here fails fast: an invalid file or an unknown conversion
// kind is a startup error, never a runtime one.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/hootrhino/sensorpipe/internal/sensor"
)

// MaxModules is the supported number of field I/O modules per deployment.
const MaxModules = 16

// Config is the root configuration document.
type Config struct {
	SessionPrefix string              `mapstructure:"session_prefix"`
	Modules       []ModuleConfig      `mapstructure:"modules"`
	Cache         CacheConfig         `mapstructure:"cache"`
	DocumentStore DocumentStoreConfig `mapstructure:"document_store"`
	Acquisition   AcquisitionConfig   `mapstructure:"acquisition"`
	Sync          SyncConfig          `mapstructure:"sync"`
}

// ModuleConfig is the static wiring for one I/O module. It is immutable
// once the module's reader has been started.
type ModuleConfig struct {
	ModuleID       string             `mapstructure:"module_id"`
	Host           string             `mapstructure:"host"`
	Port           int                `mapstructure:"port"`
	SlaveAddr      uint8              `mapstructure:"slave_addr"`
	FunctionCode   uint8              `mapstructure:"function_code"`
	StartRegister  uint16             `mapstructure:"start_register"`
	RegisterCount  uint16             `mapstructure:"register_count"`
	PollIntervalMs int                `mapstructure:"poll_interval_ms"`
	SensorType     sensor.Type        `mapstructure:"sensor_type"`
	ChannelCount   int                `mapstructure:"channel_count"`
	Conversion     *sensor.Conversion `mapstructure:"conversion"`
	IsRTC          bool               `mapstructure:"is_rtc"`
	// PairedTemperature marks pressure/humidity modules whose odd
	// registers carry an RTC temperature channel.
	PairedTemperature bool `mapstructure:"paired_temperature"`
}

// Addr returns the host:port dial target for the module.
func (m ModuleConfig) Addr() string {
	return fmt.Sprintf("%s:%d", m.Host, m.Port)
}

// PollInterval returns the module poll cadence, falling back to the
// acquisition default when unset.
func (m ModuleConfig) PollInterval(acq AcquisitionConfig) time.Duration {
	if m.PollIntervalMs > 0 {
		return time.Duration(m.PollIntervalMs) * time.Millisecond
	}
	return time.Duration(acq.DefaultPollIntervalMs) * time.Millisecond
}

// CacheConfig is the Redis connection block.
type CacheConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	DB       int    `mapstructure:"db"`
	Password string `mapstructure:"password"`
	PoolSize int    `mapstructure:"pool_size"`
}

// Addr returns the host:port of the cache backend.
func (c CacheConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DocumentStoreConfig is the MongoDB connection block.
type DocumentStoreConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

// AcquisitionConfig tunes the module readers.
type AcquisitionConfig struct {
	DefaultPollIntervalMs int           `mapstructure:"default_poll_interval_ms"`
	DefaultReadTimeoutMs  int           `mapstructure:"default_read_timeout_ms"`
	ConnectTimeoutMs      int           `mapstructure:"connect_timeout_ms"`
	FailureThreshold      int           `mapstructure:"failure_threshold"`
	FanInBuffer           int           `mapstructure:"fanin_buffer"`
	ReconnectBackoff      BackoffConfig `mapstructure:"reconnect_backoff"`
}

// ReadTimeout returns the per-poll response deadline.
func (a AcquisitionConfig) ReadTimeout() time.Duration {
	return time.Duration(a.DefaultReadTimeoutMs) * time.Millisecond
}

// ConnectTimeout returns the TCP connect deadline.
func (a AcquisitionConfig) ConnectTimeout() time.Duration {
	return time.Duration(a.ConnectTimeoutMs) * time.Millisecond
}

// BackoffConfig bounds the reconnect backoff of a module reader.
type BackoffConfig struct {
	InitialMs  int     `mapstructure:"initial_ms"`
	MaxMs      int     `mapstructure:"max_ms"`
	Multiplier float64 `mapstructure:"multiplier"`
	JitterPct  float64 `mapstructure:"jitter_pct"`
}

// SyncConfig tunes the cache-to-document-store replication cycles.
type SyncConfig struct {
	RealtimePeriodMs   int `mapstructure:"realtime_period_ms"`
	HistoricalPeriodMs int `mapstructure:"historical_period_ms"`
	TimeseriesPeriodMs int `mapstructure:"timeseries_period_ms"`
	StatisticsPeriodMs int `mapstructure:"statistics_period_ms"`
	PageSize           int `mapstructure:"page_size"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cache.host", "localhost")
	v.SetDefault("cache.port", 6379)
	v.SetDefault("cache.db", 0)
	v.SetDefault("cache.pool_size", 8)
	v.SetDefault("document_store.uri", "mongodb://localhost:27017")
	v.SetDefault("document_store.database", "sensor_data")
	v.SetDefault("acquisition.default_poll_interval_ms", 1000)
	v.SetDefault("acquisition.default_read_timeout_ms", 1000)
	v.SetDefault("acquisition.connect_timeout_ms", 3000)
	v.SetDefault("acquisition.failure_threshold", 3)
	v.SetDefault("acquisition.fanin_buffer", 4096)
	v.SetDefault("acquisition.reconnect_backoff.initial_ms", 1000)
	v.SetDefault("acquisition.reconnect_backoff.max_ms", 30000)
	v.SetDefault("acquisition.reconnect_backoff.multiplier", 2.0)
	v.SetDefault("acquisition.reconnect_backoff.jitter_pct", 0.2)
	v.SetDefault("sync.realtime_period_ms", 1000)
	v.SetDefault("sync.historical_period_ms", 5000)
	v.SetDefault("sync.timeseries_period_ms", 2000)
	v.SetDefault("sync.statistics_period_ms", 10000)
	v.SetDefault("sync.page_size", 200)
}

// Load reads, decodes and validates the configuration file.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if cfg.SessionPrefix == "" {
		cfg.SessionPrefix = sensor.NewSessionPrefix(time.Now())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the whole document. Module errors carry the module id.
func (c *Config) Validate() error {
	if len(c.Modules) > MaxModules {
		return fmt.Errorf("config: %d modules configured, at most %d supported", len(c.Modules), MaxModules)
	}
	seen := make(map[string]bool, len(c.Modules))
	for i := range c.Modules {
		m := &c.Modules[i]
		if err := m.Validate(); err != nil {
			return err
		}
		if seen[m.ModuleID] {
			return fmt.Errorf("config: duplicate module_id %q", m.ModuleID)
		}
		seen[m.ModuleID] = true
	}
	return nil
}

// Validate checks one module block, including that its conversion
// resolves to a known decoder.
func (m *ModuleConfig) Validate() error {
	if m.ModuleID == "" {
		return fmt.Errorf("config: module with empty module_id")
	}
	if m.Host == "" {
		return fmt.Errorf("config: module %s: host is required", m.ModuleID)
	}
	if m.Port < 1 || m.Port > 65535 {
		return fmt.Errorf("config: module %s: invalid port %d", m.ModuleID, m.Port)
	}
	if m.SlaveAddr < 1 || m.SlaveAddr > 247 {
		return fmt.Errorf("config: module %s: slave_addr %d out of range 1-247", m.ModuleID, m.SlaveAddr)
	}
	if m.FunctionCode != 3 && m.FunctionCode != 4 {
		return fmt.Errorf("config: module %s: function_code must be 3 or 4, got %d", m.ModuleID, m.FunctionCode)
	}
	if m.RegisterCount < 1 || m.RegisterCount > 125 {
		return fmt.Errorf("config: module %s: register_count %d out of range 1-125", m.ModuleID, m.RegisterCount)
	}
	if !m.SensorType.Valid() {
		return fmt.Errorf("config: module %s: unknown sensor_type %q", m.ModuleID, m.SensorType)
	}
	if m.ChannelCount < 1 || m.ChannelCount > int(m.RegisterCount) {
		return fmt.Errorf("config: module %s: channel_count %d must be 1..register_count (%d)",
			m.ModuleID, m.ChannelCount, m.RegisterCount)
	}
	if m.PairedTemperature {
		if m.SensorType != sensor.Pressure && m.SensorType != sensor.Humidity {
			return fmt.Errorf("config: module %s: paired_temperature only applies to pressure and humidity modules", m.ModuleID)
		}
		if 2*m.ChannelCount > int(m.RegisterCount) {
			return fmt.Errorf("config: module %s: paired_temperature needs two registers per channel, %d channels exceed %d registers",
				m.ModuleID, m.ChannelCount, m.RegisterCount)
		}
	}
	if m.IsRTC && m.SensorType != sensor.Temperature {
		return fmt.Errorf("config: module %s: is_rtc only applies to temperature modules", m.ModuleID)
	}
	if _, err := sensor.NewDecoder(m.SensorType, m.IsRTC, m.Conversion); err != nil {
		return fmt.Errorf("config: module %s: %w", m.ModuleID, err)
	}
	return nil
}

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

// Package sensor defines the sensor data model shared by the whole
// pipeline: sensor types, decoded readings, and the raw-register to
// engineering-unit decoders.
package sensor

import (
	"fmt"
	"time"
)

// Type identifies the kind of sensor behind a module channel.
type Type string

const (
	Temperature Type = "temperature"
	WindSpeed   Type = "wind_speed"
	Pressure    Type = "pressure"
	Humidity    Type = "humidity"
)

// Valid reports whether t is one of the known sensor types.
func (t Type) Valid() bool {
	switch t {
	case Temperature, WindSpeed, Pressure, Humidity:
		return true
	}
	return false
}

// Unit returns the engineering unit for readings of this type.
func (t Type) Unit() string {
	switch t {
	case Temperature:
		return "°C"
	case WindSpeed:
		return "m/s"
	case Pressure:
		return "kPa"
	case Humidity:
		return "%RH"
	}
	return ""
}

// ID builds the deployment-wide sensor id: {type}_{module}_{channel:02}.
// It is stable across restarts, unlike the session prefix.
func ID(t Type, moduleID string, channel int) string {
	return fmt.Sprintf("%s_%s_%02d", t, moduleID, channel)
}

// Reading is one decoded sample from one channel at one instant. It is
// produced by a module reader and never mutated afterwards.
type Reading struct {
	ModuleID      string    `json:"module_id"`
	Type          Type      `json:"sensor_type"`
	SensorID      string    `json:"sensor_id"`
	Channel       int       `json:"channel"`
	Timestamp     time.Time `json:"timestamp"`
	Raw           uint16    `json:"raw"`
	Value         float64   `json:"value"`
	Unit          string    `json:"unit"`
	SessionPrefix string    `json:"session_prefix"`
}

// SessionPrefixFormat is the layout of the per-run session prefix.
const SessionPrefixFormat = "20060102_150405"

// NewSessionPrefix returns the session prefix for a run starting now.
func NewSessionPrefix(now time.Time) string {
	return now.Format(SessionPrefixFormat)
}

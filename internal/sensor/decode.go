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

package sensor

import (
	"errors"
	"fmt"
)

// ErrOutOfRange is returned by a decoder when the converted value
// violates its clamp. The sample is dropped and counted, never emitted.
var ErrOutOfRange = errors.New("sensor: decoded value out of range")

// Decoder converts one raw register word into engineering units.
type Decoder func(raw uint16) (float64, error)

// Conversion is a data-driven custom decoder description from the
// module configuration. Unknown kinds are rejected at load time.
type Conversion struct {
	Kind   string    `mapstructure:"kind"`
	Scale  float64   `mapstructure:"scale"`
	Offset float64   `mapstructure:"offset"`
	Signed bool      `mapstructure:"signed"`
	Clamp  []float64 `mapstructure:"clamp"`
}

// NewDecoder resolves the decoder for a channel. A non-nil conversion
// overrides the built-in table for the sensor type.
func NewDecoder(t Type, isRTC bool, conv *Conversion) (Decoder, error) {
	if conv != nil {
		return newCustomDecoder(conv)
	}
	switch t {
	case Temperature:
		if isRTC {
			// Signed tenths of a degree.
			return func(raw uint16) (float64, error) {
				return float64(int16(raw)) / 10.0, nil
			}, nil
		}
		return func(raw uint16) (float64, error) {
			v := float64(raw) / 10.0
			if v < -50 || v > 200 {
				return 0, fmt.Errorf("%w: %.1f°C", ErrOutOfRange, v)
			}
			return v, nil
		}, nil
	case WindSpeed:
		return func(raw uint16) (float64, error) {
			return float64(raw) / 100.0, nil
		}, nil
	case Pressure:
		return func(raw uint16) (float64, error) {
			return float64(raw) / 1000.0, nil
		}, nil
	case Humidity:
		return func(raw uint16) (float64, error) {
			return float64(raw) / 100.0, nil
		}, nil
	}
	return nil, fmt.Errorf("sensor: no decoder for type %q", t)
}

func newCustomDecoder(conv *Conversion) (Decoder, error) {
	if conv.Kind != "linear" {
		return nil, fmt.Errorf("sensor: unknown conversion kind %q", conv.Kind)
	}
	if len(conv.Clamp) != 0 && len(conv.Clamp) != 2 {
		return nil, fmt.Errorf("sensor: clamp needs [min, max], got %d values", len(conv.Clamp))
	}
	scale := conv.Scale
	if scale == 0 {
		scale = 1.0
	}
	offset := conv.Offset
	signed := conv.Signed
	clamp := conv.Clamp
	return func(raw uint16) (float64, error) {
		var v float64
		if signed {
			v = float64(int16(raw))
		} else {
			v = float64(raw)
		}
		v = v*scale + offset
		if len(clamp) == 2 && (v < clamp[0] || v > clamp[1]) {
			return 0, fmt.Errorf("%w: %g", ErrOutOfRange, v)
		}
		return v, nil
	}, nil
}

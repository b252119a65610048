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

// Package modbus implements the Modbus RTU frame codec used by the
// acquisition pipeline: read-register requests (function codes 3 and 4)
// and their responses, CRC-16 validated, big-endian register words.
// The codec is pure; transport belongs to the caller.
package modbus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// FuncReadHoldingRegs and FuncReadInputRegs are the only function
	// codes the field modules answer.
	FuncReadHoldingRegs = 0x03
	FuncReadInputRegs   = 0x04

	// MinFrameLen is slave addr + function code + one payload byte + CRC.
	MinFrameLen = 5

	// MaxRegisterCount is the Modbus limit for one read request.
	MaxRegisterCount = 125
)

var (
	ErrFrameTruncated  = errors.New("modbus: frame truncated")
	ErrFrameMalformed  = errors.New("modbus: frame malformed")
	ErrCRC             = errors.New("modbus: crc mismatch")
	ErrAddressMismatch = errors.New("modbus: slave address mismatch")
)

// ExceptionError is a device-reported Modbus exception response.
type ExceptionError struct {
	Code uint8
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("modbus: exception 0x%02X", e.Code)
}

// Request describes one read of a contiguous register block.
type Request struct {
	SlaveAddr     uint8
	FunctionCode  uint8
	StartRegister uint16
	RegisterCount uint16
}

// Encode builds the RTU request frame:
// addr | func | start_hi | start_lo | count_hi | count_lo | crc_lo | crc_hi.
func (r Request) Encode() ([]byte, error) {
	if r.SlaveAddr < 1 || r.SlaveAddr > 247 {
		return nil, fmt.Errorf("modbus: invalid slave address %d (must be 1-247)", r.SlaveAddr)
	}
	if r.FunctionCode != FuncReadHoldingRegs && r.FunctionCode != FuncReadInputRegs {
		return nil, fmt.Errorf("modbus: unsupported function code 0x%02X", r.FunctionCode)
	}
	if r.RegisterCount < 1 || r.RegisterCount > MaxRegisterCount {
		return nil, fmt.Errorf("modbus: invalid register count %d (must be 1-%d)", r.RegisterCount, MaxRegisterCount)
	}
	frame := make([]byte, 6, 8)
	frame[0] = r.SlaveAddr
	frame[1] = r.FunctionCode
	binary.BigEndian.PutUint16(frame[2:], r.StartRegister)
	binary.BigEndian.PutUint16(frame[4:], r.RegisterCount)
	return AppendCRC(frame), nil
}

// DecodeRequest parses a request frame back into a Request. Used by the
// in-process module simulator in tests and kept symmetric with Encode.
func DecodeRequest(frame []byte) (Request, error) {
	if len(frame) < 8 {
		return Request{}, ErrFrameTruncated
	}
	if !verifyCRC(frame) {
		return Request{}, ErrCRC
	}
	return Request{
		SlaveAddr:     frame[0],
		FunctionCode:  frame[1],
		StartRegister: binary.BigEndian.Uint16(frame[2:]),
		RegisterCount: binary.BigEndian.Uint16(frame[4:]),
	}, nil
}

// DecodeResponse validates a response frame against the request and
// unpacks the register words. The CRC is checked before anything else so
// that a corrupted frame is always reported as ErrCRC, never misread as
// an exception or a short payload.
func (r Request) DecodeResponse(frame []byte) ([]uint16, error) {
	if len(frame) < MinFrameLen {
		return nil, ErrFrameTruncated
	}
	if !verifyCRC(frame) {
		return nil, ErrCRC
	}
	if frame[0] != r.SlaveAddr {
		return nil, ErrAddressMismatch
	}
	if frame[1]&0x80 != 0 {
		return nil, &ExceptionError{Code: frame[2]}
	}
	if frame[1] != r.FunctionCode {
		return nil, ErrFrameMalformed
	}
	byteCount := int(frame[2])
	if byteCount != 2*int(r.RegisterCount) || len(frame) != 3+byteCount+2 {
		return nil, ErrFrameMalformed
	}
	regs := make([]uint16, r.RegisterCount)
	for i := range regs {
		regs[i] = binary.BigEndian.Uint16(frame[3+2*i:])
	}
	return regs, nil
}

// ReadFrame reads exactly one response frame from the stream. The frame
// length is derived from the header: exception responses are 5 bytes,
// data responses are 3 + byte_count + 2. Deadlines are the caller's job.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 3)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	rest := 2 // crc
	if header[1]&0x80 == 0 {
		rest += int(header[2])
	}
	frame := make([]byte, 3+rest)
	copy(frame, header)
	if _, err := io.ReadFull(r, frame[3:]); err != nil {
		return nil, err
	}
	return frame, nil
}

func verifyCRC(frame []byte) bool {
	if len(frame) < 4 {
		return false
	}
	dataLen := len(frame) - 2
	received := uint16(frame[dataLen]) | uint16(frame[dataLen+1])<<8
	return CRC16(frame[:dataLen]) == received
}

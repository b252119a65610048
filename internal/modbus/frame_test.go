package modbus

import (
	"bytes"
	"errors"
	"testing"
)

func TestCRC16(t *testing.T) {
	testCases := []struct {
		data     []byte
		expected uint16
	}{
		{data: []byte{0x01, 0x03, 0x02, 0x12, 0x34}, expected: 0x33B5},
		{data: []byte{01, 03, 00, 00, 00, 01}, expected: 0x0A84},
		{data: []byte{01, 03, 14, 12, 34, 12, 34, 12, 34,
			12, 34, 12, 34, 12, 34, 12, 34, 12, 34, 12, 34, 12, 34}, expected: 0x0C7D},
		{data: []byte{}, expected: 0xFFFF}, // Empty data, CRC should be initial value
		{data: []byte{0x00}, expected: 0x40BF},
	}

	for _, tc := range testCases {
		crc := CRC16(tc.data)
		if crc != tc.expected {
			t.Errorf("CRC16(%v) returned incorrect CRC: got %#04x, expected %#04x", tc.data, crc, tc.expected)
		}
	}
}

func TestAppendCRCLowByteFirst(t *testing.T) {
	frame := AppendCRC([]byte{01, 03, 00, 00, 00, 01})
	// CRC 0x0A84 is transmitted low byte first.
	if frame[len(frame)-2] != 0x84 || frame[len(frame)-1] != 0x0A {
		t.Errorf("wrong CRC byte order on the wire: % X", frame[len(frame)-2:])
	}
}

func TestRequestEncodeDecodeRoundTrip(t *testing.T) {
	testCases := []Request{
		{SlaveAddr: 1, FunctionCode: FuncReadInputRegs, StartRegister: 0, RegisterCount: 2},
		{SlaveAddr: 17, FunctionCode: FuncReadHoldingRegs, StartRegister: 100, RegisterCount: 125},
		{SlaveAddr: 247, FunctionCode: FuncReadInputRegs, StartRegister: 0xFFFF, RegisterCount: 1},
	}
	for _, req := range testCases {
		frame, err := req.Encode()
		if err != nil {
			t.Fatalf("Encode(%+v) failed: %v", req, err)
		}
		got, err := DecodeRequest(frame)
		if err != nil {
			t.Fatalf("DecodeRequest(% X) failed: %v", frame, err)
		}
		if got != req {
			t.Errorf("round trip mismatch: got %+v, expected %+v", got, req)
		}
	}
}

func TestRequestEncodeRejectsInvalid(t *testing.T) {
	testCases := []Request{
		{SlaveAddr: 0, FunctionCode: FuncReadInputRegs, RegisterCount: 1},
		{SlaveAddr: 248, FunctionCode: FuncReadInputRegs, RegisterCount: 1},
		{SlaveAddr: 1, FunctionCode: 0x06, RegisterCount: 1},
		{SlaveAddr: 1, FunctionCode: FuncReadInputRegs, RegisterCount: 0},
		{SlaveAddr: 1, FunctionCode: FuncReadInputRegs, RegisterCount: 126},
	}
	for _, req := range testCases {
		if _, err := req.Encode(); err == nil {
			t.Errorf("Encode(%+v) should have failed", req)
		}
	}
}

func TestDecodeResponse(t *testing.T) {
	req := Request{SlaveAddr: 1, FunctionCode: FuncReadInputRegs, StartRegister: 0, RegisterCount: 2}

	// Two RTC registers: 0x00FA = 25.0 degC, 0xFFEC = -2.0 degC raw.
	frame := AppendCRC([]byte{0x01, 0x04, 0x04, 0x00, 0xFA, 0xFF, 0xEC})
	regs, err := req.DecodeResponse(frame)
	if err != nil {
		t.Fatalf("DecodeResponse failed: %v", err)
	}
	if len(regs) != 2 || regs[0] != 0x00FA || regs[1] != 0xFFEC {
		t.Errorf("wrong registers: got %v, expected [250 65516]", regs)
	}
}

func TestDecodeResponseErrors(t *testing.T) {
	req := Request{SlaveAddr: 1, FunctionCode: FuncReadInputRegs, StartRegister: 0, RegisterCount: 2}

	testCases := []struct {
		name     string
		frame    []byte
		expected error
	}{
		{"truncated", []byte{0x01, 0x04, 0x04}, ErrFrameTruncated},
		{"crc mismatch", []byte{0x01, 0x04, 0x04, 0x00, 0xFA, 0xFF, 0xEC, 0x00, 0x00}, ErrCRC},
		{"address mismatch", AppendCRC([]byte{0x02, 0x04, 0x04, 0x00, 0xFA, 0xFF, 0xEC}), ErrAddressMismatch},
		{"wrong function code", AppendCRC([]byte{0x01, 0x03, 0x04, 0x00, 0xFA, 0xFF, 0xEC}), ErrFrameMalformed},
		{"byte count mismatch", AppendCRC([]byte{0x01, 0x04, 0x02, 0x00, 0xFA}), ErrFrameMalformed},
	}
	for _, tc := range testCases {
		_, err := req.DecodeResponse(tc.frame)
		if !errors.Is(err, tc.expected) {
			t.Errorf("%s: got %v, expected %v", tc.name, err, tc.expected)
		}
	}
}

func TestDecodeResponseException(t *testing.T) {
	req := Request{SlaveAddr: 1, FunctionCode: FuncReadInputRegs, StartRegister: 0, RegisterCount: 2}
	frame := AppendCRC([]byte{0x01, 0x84, 0x02})
	_, err := req.DecodeResponse(frame)
	var exc *ExceptionError
	if !errors.As(err, &exc) {
		t.Fatalf("expected ExceptionError, got %v", err)
	}
	if exc.Code != 0x02 {
		t.Errorf("wrong exception code: got 0x%02X, expected 0x02", exc.Code)
	}
}

// Flipping any single bit of a valid frame must be rejected as either a
// CRC mismatch or a malformed frame, never silently decoded.
func TestDecodeResponseRejectsCorruption(t *testing.T) {
	req := Request{SlaveAddr: 1, FunctionCode: FuncReadInputRegs, StartRegister: 0, RegisterCount: 2}
	valid := AppendCRC([]byte{0x01, 0x04, 0x04, 0x00, 0xFA, 0xFF, 0xEC})

	for i := 0; i < len(valid)*8; i++ {
		corrupted := make([]byte, len(valid))
		copy(corrupted, valid)
		corrupted[i/8] ^= 1 << (i % 8)

		_, err := req.DecodeResponse(corrupted)
		if err == nil {
			t.Fatalf("bit flip %d accepted: % X", i, corrupted)
		}
		if !errors.Is(err, ErrCRC) && !errors.Is(err, ErrFrameMalformed) {
			t.Errorf("bit flip %d: got %v, expected CRC or malformed error", i, err)
		}
	}
}

func TestReadFrame(t *testing.T) {
	data := AppendCRC([]byte{0x01, 0x04, 0x04, 0x00, 0xFA, 0xFF, 0xEC})
	exception := AppendCRC([]byte{0x01, 0x84, 0x02})

	frame, err := ReadFrame(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("ReadFrame(data) failed: %v", err)
	}
	if !bytes.Equal(frame, data) {
		t.Errorf("ReadFrame returned % X, expected % X", frame, data)
	}

	frame, err = ReadFrame(bytes.NewReader(exception))
	if err != nil {
		t.Fatalf("ReadFrame(exception) failed: %v", err)
	}
	if !bytes.Equal(frame, exception) {
		t.Errorf("ReadFrame returned % X, expected % X", frame, exception)
	}

	if _, err := ReadFrame(bytes.NewReader(data[:4])); err == nil {
		t.Error("ReadFrame should fail on a truncated stream")
	}
}

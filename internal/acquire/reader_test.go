package acquire

import (
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hootrhino/sensorpipe/internal/config"
	"github.com/hootrhino/sensorpipe/internal/modbus"
	"github.com/hootrhino/sensorpipe/internal/sensor"
)

// fakeModule simulates one RTU-over-TCP I/O module: it answers every
// read request with its current register block.
type fakeModule struct {
	ln    net.Listener
	conns atomic.Int32

	mu         sync.Mutex
	regs       []uint16
	corruptCRC bool
}

func newFakeModule(t *testing.T, regs []uint16) *fakeModule {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeModule{ln: ln, regs: regs}
	go f.serve()
	t.Cleanup(func() { ln.Close() })
	return f
}

func (f *fakeModule) addr() string { return f.ln.Addr().String() }

func (f *fakeModule) setRegs(regs []uint16) {
	f.mu.Lock()
	f.regs = regs
	f.mu.Unlock()
}

func (f *fakeModule) setCorruptCRC(v bool) {
	f.mu.Lock()
	f.corruptCRC = v
	f.mu.Unlock()
}

func (f *fakeModule) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		f.conns.Add(1)
		go f.handle(conn)
	}
}

func (f *fakeModule) handle(conn net.Conn) {
	defer conn.Close()
	buf := make([]byte, 8)
	for {
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		req, err := modbus.DecodeRequest(buf)
		if err != nil {
			return
		}
		f.mu.Lock()
		regs := f.regs
		corrupt := f.corruptCRC
		f.mu.Unlock()

		resp := make([]byte, 3, 3+2*len(regs)+2)
		resp[0] = req.SlaveAddr
		resp[1] = req.FunctionCode
		resp[2] = byte(2 * len(regs))
		for _, r := range regs {
			resp = append(resp, byte(r>>8), byte(r))
		}
		resp = modbus.AppendCRC(resp)
		if corrupt {
			resp[len(resp)-1] ^= 0xFF
		}
		if _, err := conn.Write(resp); err != nil {
			return
		}
	}
}

func testAcqConfig() config.AcquisitionConfig {
	return config.AcquisitionConfig{
		DefaultPollIntervalMs: 10,
		DefaultReadTimeoutMs:  500,
		ConnectTimeoutMs:      500,
		FailureThreshold:      3,
		FanInBuffer:           256,
		ReconnectBackoff: config.BackoffConfig{
			InitialMs: 10, MaxMs: 50, Multiplier: 2, JitterPct: 0,
		},
	}
}

func tempModuleConfig(addr string) config.ModuleConfig {
	host, port, _ := net.SplitHostPort(addr)
	p, _ := strconv.Atoi(port)
	return config.ModuleConfig{
		ModuleID:      "temp_module_01",
		Host:          host,
		Port:          p,
		SlaveAddr:     1,
		FunctionCode:  modbus.FuncReadInputRegs,
		StartRegister: 0,
		RegisterCount: 2,
		SensorType:    sensor.Temperature,
		ChannelCount:  2,
		IsRTC:         true,
	}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestReaderPollsAndDecodes(t *testing.T) {
	// 0x00FA = 25.0 degC, 0xFFEC = -2.0 degC on an RTC module.
	mod := newFakeModule(t, []uint16{0x00FA, 0xFFEC})

	m := NewManager(testAcqConfig(), "20240115_093000", zap.NewNop())
	if err := m.Add(tempModuleConfig(mod.addr())); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	m.StartAll()
	defer m.StopAll()

	var first, second sensor.Reading
	select {
	case first = <-m.Subscribe():
	case <-time.After(2 * time.Second):
		t.Fatal("no reading received")
	}
	select {
	case second = <-m.Subscribe():
	case <-time.After(2 * time.Second):
		t.Fatal("second reading not received")
	}

	if first.Value != 25.0 || first.Channel != 1 {
		t.Errorf("channel 1: got %+v, expected 25.0 on channel 1", first)
	}
	if second.Value != -2.0 || second.Channel != 2 {
		t.Errorf("channel 2: got %+v, expected -2.0 on channel 2", second)
	}
	if first.SensorID != "temperature_temp_module_01_01" {
		t.Errorf("wrong sensor id %q", first.SensorID)
	}
	if first.Unit != "°C" || first.SessionPrefix != "20240115_093000" {
		t.Errorf("wrong metadata: %+v", first)
	}
	// Both channels of one poll share the timestamp.
	if !first.Timestamp.Equal(second.Timestamp) {
		t.Errorf("timestamps differ within one poll: %v vs %v", first.Timestamp, second.Timestamp)
	}

	waitFor(t, 2*time.Second, "total_reads to advance", func() bool {
		return m.Statistics()["temp_module_01"].TotalReads >= 2
	})
}

func TestReaderReconnectsAfterFailureThreshold(t *testing.T) {
	mod := newFakeModule(t, []uint16{0x00FA, 0xFFEC})
	mod.setCorruptCRC(true)

	m := NewManager(testAcqConfig(), "s", zap.NewNop())
	if err := m.Add(tempModuleConfig(mod.addr())); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	m.StartAll()
	defer m.StopAll()

	// Three CRC failures in a row must tear the connection down.
	waitFor(t, 3*time.Second, "error counter to cross threshold", func() bool {
		return m.Statistics()["temp_module_01"].TotalErrors >= 3
	})
	waitFor(t, 3*time.Second, "reconnect", func() bool {
		return mod.conns.Load() >= 2
	})

	// Once the module behaves again the reader recovers on its own.
	mod.setCorruptCRC(false)
	waitFor(t, 3*time.Second, "successful poll after recovery", func() bool {
		st := m.Statistics()["temp_module_01"]
		return st.TotalReads >= 1 && st.ConsecutiveFailures == 0
	})
}

func TestReaderPairedTemperature(t *testing.T) {
	// Register layout: [pressure1, temp1, pressure2, temp2].
	mod := newFakeModule(t, []uint16{101, 0x00FA, 202, 0xFFEC})

	cfg := tempModuleConfig(mod.addr())
	cfg.ModuleID = "press_module_01"
	cfg.SensorType = sensor.Pressure
	cfg.IsRTC = false
	cfg.PairedTemperature = true
	cfg.RegisterCount = 4
	cfg.ChannelCount = 2

	m := NewManager(testAcqConfig(), "s", zap.NewNop())
	if err := m.Add(cfg); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	m.StartAll()
	defer m.StopAll()

	got := make([]sensor.Reading, 0, 4)
	for len(got) < 4 {
		select {
		case r := <-m.Subscribe():
			got = append(got, r)
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of 4 readings received", len(got))
		}
	}

	expected := []struct {
		typ     sensor.Type
		channel int
		value   float64
	}{
		{sensor.Pressure, 1, 0.101},
		{sensor.Temperature, 1, 25.0},
		{sensor.Pressure, 2, 0.202},
		{sensor.Temperature, 2, -2.0},
	}
	for i, e := range expected {
		r := got[i]
		if r.Type != e.typ || r.Channel != e.channel || r.Value != e.value {
			t.Errorf("reading %d: got {%s ch%d %v}, expected {%s ch%d %v}",
				i, r.Type, r.Channel, r.Value, e.typ, e.channel, e.value)
		}
	}
}

func TestManagerStopAllIsIdempotent(t *testing.T) {
	mod := newFakeModule(t, []uint16{0x00FA, 0xFFEC})
	m := NewManager(testAcqConfig(), "s", zap.NewNop())
	if err := m.Add(tempModuleConfig(mod.addr())); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	m.StartAll()
	m.StopAll()
	m.StopAll()

	waitFor(t, 2*time.Second, "reader to stop", func() bool {
		return m.Statistics()["temp_module_01"].State == StateStopped
	})
}

func TestManagerRejectsDuplicateModule(t *testing.T) {
	m := NewManager(testAcqConfig(), "s", zap.NewNop())
	cfg := tempModuleConfig("127.0.0.1:8234")
	if err := m.Add(cfg); err != nil {
		t.Fatalf("first Add failed: %v", err)
	}
	if err := m.Add(cfg); err == nil {
		t.Error("duplicate Add should fail")
	}
	m.Remove(cfg.ModuleID)
	m.Remove(cfg.ModuleID) // unknown id is a no-op
	if err := m.Add(cfg); err != nil {
		t.Errorf("Add after Remove failed: %v", err)
	}
}

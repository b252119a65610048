package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hootrhino/sensorpipe/internal/sensor"
)

// captureHook records pipelined commands instead of sending them, so a
// test can assert the exact key schema and bounds the writer emits
// without a running server.
type captureHook struct {
	cmds *[][]interface{}
}

func (h captureHook) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h captureHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error { return nil }
}

func (h captureHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		for _, c := range cmds {
			*h.cmds = append(*h.cmds, c.Args())
		}
		return nil
	}
}

func captureWriter(t *testing.T) (*Writer, *[][]interface{}) {
	t.Helper()
	var cmds [][]interface{}
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	client.AddHook(captureHook{cmds: &cmds})
	t.Cleanup(func() { client.Close() })
	return NewWriter(client, zap.NewNop()), &cmds
}

func tempReading(channel int, raw uint16, value float64, ts time.Time) sensor.Reading {
	return sensor.Reading{
		ModuleID:      "temp_module_01",
		Type:          sensor.Temperature,
		SensorID:      sensor.ID(sensor.Temperature, "temp_module_01", channel),
		Channel:       channel,
		Timestamp:     ts,
		Raw:           raw,
		Value:         value,
		Unit:          "°C",
		SessionPrefix: "20240115_093000",
	}
}

// findCmd returns the commands whose name and key match.
func findCmd(cmds [][]interface{}, name, key string) [][]interface{} {
	var out [][]interface{}
	for _, args := range cmds {
		if len(args) >= 2 && fmt.Sprint(args[0]) == name && fmt.Sprint(args[1]) == key {
			out = append(out, args)
		}
	}
	return out
}

func hashFields(t *testing.T, args []interface{}) map[string]string {
	t.Helper()
	if len(args)%2 != 0 {
		t.Fatalf("hset with odd argument count: %v", args)
	}
	fields := make(map[string]string)
	for i := 2; i < len(args); i += 2 {
		fields[fmt.Sprint(args[i])] = fmt.Sprint(args[i+1])
	}
	return fields
}

func TestWriterEmitsKeySchemaAndBounds(t *testing.T) {
	w, cmds := captureWriter(t)
	ctx := context.Background()
	ts := time.Date(2024, 1, 15, 9, 30, 0, 0, time.UTC)

	w.enqueue(ctx, tempReading(1, 0x00FA, 25.0, ts))
	w.enqueue(ctx, tempReading(2, 0xFFEC, -2.0, ts))
	w.flushPendingHistory(ctx)
	w.flush(ctx)

	rk := "sensor:temperature:temperature_temp_module_01_01:realtime"
	hsets := findCmd(*cmds, "hset", rk)
	if len(hsets) != 1 {
		t.Fatalf("expected 1 hset on %s, got %d", rk, len(hsets))
	}
	fields := hashFields(t, hsets[0])
	want := map[string]string{
		"timestamp": ts.Format(TimestampLayout),
		"value":     "25",
		"raw":       "250",
		"unit":      "°C",
		"channel":   "1",
		"module_id": "temp_module_01",
	}
	for f, v := range want {
		if fields[f] != v {
			t.Errorf("realtime field %s: got %q, expected %q", f, fields[f], v)
		}
	}
	expires := findCmd(*cmds, "expire", rk)
	if len(expires) != 1 || fmt.Sprint(expires[0][2]) != "3600" {
		t.Errorf("expected expire %s 3600, got %v", rk, expires)
	}

	tk := "sensor:temperature:temperature_temp_module_01_01:timeseries"
	zadds := findCmd(*cmds, "zadd", tk)
	if len(zadds) != 1 {
		t.Fatalf("expected 1 zadd on %s, got %d", tk, len(zadds))
	}
	if got := fmt.Sprint(zadds[0][2]); got != fmt.Sprint(float64(ts.Unix())) {
		t.Errorf("zadd score: got %s, expected %d", got, ts.Unix())
	}
	if member := fmt.Sprint(zadds[0][3]); !strings.HasPrefix(member, "25:") {
		t.Errorf("zadd member %q should carry the value with a sequence suffix", member)
	}
	trims := findCmd(*cmds, "zremrangebyrank", tk)
	if len(trims) != 1 || fmt.Sprint(trims[0][2]) != "0" || fmt.Sprint(trims[0][3]) != "-10001" {
		t.Errorf("sorted set must be trimmed to 10000 entries, got %v", trims)
	}

	hk := "sensor:temperature:temp_module_01:history"
	pushes := findCmd(*cmds, "lpush", hk)
	if len(pushes) != 1 {
		t.Fatalf("expected 1 lpush on %s, got %d", hk, len(pushes))
	}
	payload, ok := pushes[0][2].([]byte)
	if !ok {
		payload = []byte(fmt.Sprint(pushes[0][2]))
	}
	var entry HistoryEntry
	if err := json.Unmarshal(payload, &entry); err != nil {
		t.Fatalf("history entry is not JSON: %v", err)
	}
	if entry.Timestamp != ts.Format(TimestampLayout) || len(entry.Values) != 2 ||
		entry.Values[0] != 25.0 || entry.Values[1] != -2.0 {
		t.Errorf("history entry: got %+v, expected both channels of the poll", entry)
	}
	ltrims := findCmd(*cmds, "ltrim", hk)
	if len(ltrims) != 1 || fmt.Sprint(ltrims[0][2]) != "0" || fmt.Sprint(ltrims[0][3]) != "999" {
		t.Errorf("history must be trimmed to 1000 entries, got %v", ltrims)
	}

	if len(findCmd(*cmds, "hset", "sensor:temperature:statistics")) != 1 {
		t.Error("flush should update the statistics hash")
	}

	if got := w.Stats(); got.Flushes != 1 || got.Errors != 0 {
		t.Errorf("writer stats: %+v", got)
	}
}

func TestWriterMembersDistinctWithinRun(t *testing.T) {
	w, cmds := captureWriter(t)
	ctx := context.Background()

	// Same value twice on the same sensor: the members must still be
	// distinct or ZADD collapses them into one point.
	ts := time.Date(2024, 1, 15, 9, 30, 0, 0, time.UTC)
	w.enqueue(ctx, tempReading(1, 0x00FA, 25.0, ts))
	w.enqueue(ctx, tempReading(1, 0x00FA, 25.0, ts.Add(time.Second)))
	w.flush(ctx)

	tk := "sensor:temperature:temperature_temp_module_01_01:timeseries"
	zadds := findCmd(*cmds, "zadd", tk)
	if len(zadds) != 2 {
		t.Fatalf("expected 2 zadd commands, got %d", len(zadds))
	}
	if fmt.Sprint(zadds[0][3]) == fmt.Sprint(zadds[1][3]) {
		t.Errorf("members collide within one run: %v", zadds[0][3])
	}
}

func TestWriterSequencesDisjointAcrossRuns(t *testing.T) {
	// The sorted-set key outlives the process. Two writer instances
	// stand in for two process runs: their counters must never produce
	// the same member for the same value, or the later run's ZADD moves
	// the earlier sample instead of adding one.
	w1 := NewWriter(nil, zap.NewNop())
	time.Sleep(2 * time.Millisecond)
	w2 := NewWriter(nil, zap.NewNop())

	seen := make(map[uint64]bool)
	for i := 0; i < 100; i++ {
		seen[w1.nextSeq("temperature_temp_module_01_01")] = true
	}
	for i := 0; i < 100; i++ {
		if s := w2.nextSeq("temperature_temp_module_01_01"); seen[s] {
			t.Fatalf("sequence %d repeats across writer instances", s)
		}
	}

	a := w1.nextSeq("temperature_temp_module_01_01")
	b := w1.nextSeq("temperature_temp_module_01_01")
	if b <= a {
		t.Errorf("sequence not monotonic within one writer: %d then %d", a, b)
	}
}

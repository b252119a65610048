package acquire

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hootrhino/sensorpipe/internal/config"
	"github.com/hootrhino/sensorpipe/internal/sensor"
)

func TestPublishDropsOldestWhenFull(t *testing.T) {
	acq := testAcqConfig()
	acq.FanInBuffer = 4
	m := NewManager(acq, "s", zap.NewNop())

	for i := 1; i <= 6; i++ {
		m.publish(sensor.Reading{Channel: i})
	}

	if got := m.Dropped(); got != 2 {
		t.Errorf("dropped = %d, expected 2", got)
	}
	// Readings 1 and 2 were evicted; 3..6 remain in order.
	for want := 3; want <= 6; want++ {
		select {
		case r := <-m.Subscribe():
			if r.Channel != want {
				t.Errorf("got reading %d, expected %d", r.Channel, want)
			}
		default:
			t.Fatalf("buffer exhausted before reading %d", want)
		}
	}
	select {
	case r := <-m.Subscribe():
		t.Errorf("unexpected extra reading %d", r.Channel)
	default:
	}
}

func TestBackoffGrowthAndReset(t *testing.T) {
	b := newBackoff(config.BackoffConfig{
		InitialMs: 1000, MaxMs: 30000, Multiplier: 2, JitterPct: 0,
	})

	expected := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for i, e := range expected {
		if d := b.Next(); d != e {
			t.Errorf("attempt %d: got %v, expected %v", i, d, e)
		}
	}

	b.Reset()
	if d := b.Next(); d != time.Second {
		t.Errorf("after reset: got %v, expected 1s", d)
	}
}

func TestBackoffJitterStaysBounded(t *testing.T) {
	b := newBackoff(config.BackoffConfig{
		InitialMs: 1000, MaxMs: 30000, Multiplier: 2, JitterPct: 0.2,
	})
	d := b.Next()
	if d < 800*time.Millisecond || d > 1200*time.Millisecond {
		t.Errorf("first delay %v outside 1s ±20%%", d)
	}
}

func TestBackoffDefaults(t *testing.T) {
	b := newBackoff(config.BackoffConfig{})
	if d := b.Next(); d != time.Second {
		t.Errorf("zero config should default to 1s, got %v", d)
	}
}

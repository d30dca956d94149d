package resources

import (
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"github.com/coldbox-modules/socketbox/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Addr:                    ":3002",
		MaxConnections:          2,
		MaxGoroutines:           0,
		CPURejectThresholdPct:   90,
		CPUPauseThresholdPct:    75,
		MemRejectThresholdBytes: 0,
		BroadcastRateLimit:      1000,
		BroadcastRateBurst:      100,
		KafkaRateLimit:          1000,
		KafkaRateBurst:          100,
	}
}

func TestShouldAcceptConnectionEnforcesConnectionLimit(t *testing.T) {
	g := New(testConfig(), zerolog.Nop())

	g.ConnectionOpened()
	g.ConnectionOpened()

	accept, reason := g.ShouldAcceptConnection()
	if accept {
		t.Fatal("expected rejection once the connection limit is reached")
	}
	if reason != ReasonConnectionLimit {
		t.Fatalf("got reason %q, want %q", reason, ReasonConnectionLimit)
	}
}

func TestShouldAcceptConnectionAllowsUnderLimit(t *testing.T) {
	g := New(testConfig(), zerolog.Nop())
	g.ConnectionOpened()

	accept, reason := g.ShouldAcceptConnection()
	if !accept {
		t.Fatalf("expected acceptance under the limit, got rejection reason %q", reason)
	}
}

func TestConnectionClosedNeverGoesNegative(t *testing.T) {
	g := New(testConfig(), zerolog.Nop())
	g.ConnectionClosed()
	g.ConnectionClosed()

	if got := atomic.LoadInt64(&g.currentConns); got != 0 {
		t.Fatalf("expected connection count to clamp at 0, got %d", got)
	}
}

func TestShouldAcceptConnectionCPUBrake(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 0
	g := New(cfg, zerolog.Nop())
	g.currentCPUPct.Store(float64(95))

	accept, reason := g.ShouldAcceptConnection()
	if accept {
		t.Fatal("expected rejection once CPU is past the reject threshold")
	}
	if reason != ReasonCPUBrake {
		t.Fatalf("got reason %q, want %q", reason, ReasonCPUBrake)
	}
}

func TestShouldPauseKafkaTripsAtPauseThreshold(t *testing.T) {
	g := New(testConfig(), zerolog.Nop())
	g.currentCPUPct.Store(float64(80))

	if !g.ShouldPauseKafka() {
		t.Fatal("expected ShouldPauseKafka to trip above the pause threshold")
	}
}

func TestGoroutineLimiterBoundsConcurrentHolders(t *testing.T) {
	l := NewGoroutineLimiter(1)
	if !l.Acquire() {
		t.Fatal("expected first acquire to succeed")
	}
	if l.Acquire() {
		t.Fatal("expected second acquire to fail while the slot is held")
	}
	l.Release()
	if !l.Acquire() {
		t.Fatal("expected acquire to succeed again after release")
	}
}

func TestGoroutineLimiterUnlimitedWhenZero(t *testing.T) {
	l := NewGoroutineLimiter(0)
	for i := 0; i < 1000; i++ {
		if !l.Acquire() {
			t.Fatalf("expected unlimited acquire to always succeed, failed at %d", i)
		}
	}
}

func TestAllowBroadcastRespectsBurst(t *testing.T) {
	cfg := testConfig()
	cfg.BroadcastRateLimit = 1
	cfg.BroadcastRateBurst = 1
	g := New(cfg, zerolog.Nop())

	if !g.AllowBroadcast() {
		t.Fatal("expected the first broadcast within burst to be allowed")
	}
	if g.AllowBroadcast() {
		t.Fatal("expected a second immediate broadcast to be throttled")
	}
}

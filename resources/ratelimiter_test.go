package resources

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestConnRateLimiterAllowsWithinIPBurst(t *testing.T) {
	crl := NewConnRateLimiter(ConnRateLimiterConfig{IPBurst: 2, IPRate: 1, GlobalBurst: 100, GlobalRate: 100}, zerolog.Nop())
	defer crl.Stop()

	if !crl.Allow("1.2.3.4") || !crl.Allow("1.2.3.4") {
		t.Fatal("expected both attempts within the per-IP burst to be allowed")
	}
	if crl.Allow("1.2.3.4") {
		t.Fatal("expected a third immediate attempt from the same IP to be throttled")
	}
}

func TestConnRateLimiterTracksIPsIndependently(t *testing.T) {
	crl := NewConnRateLimiter(ConnRateLimiterConfig{IPBurst: 1, IPRate: 1, GlobalBurst: 100, GlobalRate: 100}, zerolog.Nop())
	defer crl.Stop()

	if !crl.Allow("1.1.1.1") {
		t.Fatal("expected first IP's first attempt to be allowed")
	}
	if !crl.Allow("2.2.2.2") {
		t.Fatal("expected a different IP to have its own independent bucket")
	}
	if crl.TrackedIPs() != 2 {
		t.Fatalf("expected 2 tracked IPs, got %d", crl.TrackedIPs())
	}
}

func TestConnRateLimiterEnforcesGlobalBudget(t *testing.T) {
	crl := NewConnRateLimiter(ConnRateLimiterConfig{IPBurst: 100, IPRate: 100, GlobalBurst: 1, GlobalRate: 1}, zerolog.Nop())
	defer crl.Stop()

	if !crl.Allow("1.1.1.1") {
		t.Fatal("expected the first attempt to consume the global burst")
	}
	if crl.Allow("2.2.2.2") {
		t.Fatal("expected a different IP to still be throttled by the exhausted global budget")
	}
}

package resources

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/coldbox-modules/socketbox/metrics"
)

// ConnRateLimiter bounds the rate of new connection attempts, both
// globally and per source IP, guarding against connection-flood abuse
// that ShouldAcceptConnection's saturation checks alone would only
// catch after the fact. Grounded on the teacher's
// internal/shared/limits/connection_rate_limiter.go, generalized to
// socketbox's own metrics and config.
type ConnRateLimiter struct {
	ipLimiters map[string]*ipLimiterEntry
	ipMu       sync.Mutex
	ipBurst    int
	ipRate     float64
	ipTTL      time.Duration

	global *rate.Limiter

	log zerolog.Logger

	stopCleanup chan struct{}
	stopOnce    sync.Once
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// ConnRateLimiterConfig configures a ConnRateLimiter. Zero values fall
// back to conservative defaults rather than disabling the limit.
type ConnRateLimiterConfig struct {
	IPBurst     int
	IPRate      float64
	IPTTL       time.Duration
	GlobalBurst int
	GlobalRate  float64
}

// NewConnRateLimiter builds a limiter and starts its background
// cleanup loop; call Stop when the owning process shuts down.
func NewConnRateLimiter(cfg ConnRateLimiterConfig, log zerolog.Logger) *ConnRateLimiter {
	if cfg.IPBurst <= 0 {
		cfg.IPBurst = 10
	}
	if cfg.IPRate <= 0 {
		cfg.IPRate = 1.0
	}
	if cfg.IPTTL <= 0 {
		cfg.IPTTL = 5 * time.Minute
	}
	if cfg.GlobalBurst <= 0 {
		cfg.GlobalBurst = 300
	}
	if cfg.GlobalRate <= 0 {
		cfg.GlobalRate = 50.0
	}

	crl := &ConnRateLimiter{
		ipLimiters:  make(map[string]*ipLimiterEntry),
		ipBurst:     cfg.IPBurst,
		ipRate:      cfg.IPRate,
		ipTTL:       cfg.IPTTL,
		global:      rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		log:         log.With().Str("component", "resources.ConnRateLimiter").Logger(),
		stopCleanup: make(chan struct{}),
	}
	go crl.cleanupLoop()
	return crl
}

// Allow reports whether a connection attempt from ip may proceed,
// checking the per-IP bucket before the global bucket so a single
// abusive source can't starve the global budget for everyone else.
func (crl *ConnRateLimiter) Allow(ip string) bool {
	if !crl.ipLimiter(ip).Allow() {
		crl.log.Debug().Str("ip", ip).Msg("connection rejected: per-ip rate limit exceeded")
		metrics.ConnectionsRateLimited.WithLabelValues("per_ip").Inc()
		return false
	}
	if !crl.global.Allow() {
		crl.log.Debug().Str("ip", ip).Msg("connection rejected: global rate limit exceeded")
		metrics.ConnectionsRateLimited.WithLabelValues("global").Inc()
		return false
	}
	return true
}

func (crl *ConnRateLimiter) ipLimiter(ip string) *rate.Limiter {
	crl.ipMu.Lock()
	defer crl.ipMu.Unlock()

	if entry, ok := crl.ipLimiters[ip]; ok {
		entry.lastAccess = time.Now()
		return entry.limiter
	}
	limiter := rate.NewLimiter(rate.Limit(crl.ipRate), crl.ipBurst)
	crl.ipLimiters[ip] = &ipLimiterEntry{limiter: limiter, lastAccess: time.Now()}
	return limiter
}

func (crl *ConnRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			crl.cleanup()
		case <-crl.stopCleanup:
			return
		}
	}
}

func (crl *ConnRateLimiter) cleanup() {
	crl.ipMu.Lock()
	defer crl.ipMu.Unlock()

	now := time.Now()
	for ip, entry := range crl.ipLimiters {
		if now.Sub(entry.lastAccess) > crl.ipTTL {
			delete(crl.ipLimiters, ip)
		}
	}
}

// Stop ends the cleanup loop. Safe to call more than once.
func (crl *ConnRateLimiter) Stop() {
	crl.stopOnce.Do(func() { close(crl.stopCleanup) })
}

// TrackedIPs returns the number of IPs currently holding a bucket,
// for diagnostics.
func (crl *ConnRateLimiter) TrackedIPs() int {
	crl.ipMu.Lock()
	defer crl.ipMu.Unlock()
	return len(crl.ipLimiters)
}

// Package resources gates admission and throughput using static limits
// plus live CPU/memory/goroutine sampling, grounded on the teacher's
// internal/shared/limits/resource_guard.go: the same ShouldAcceptConnection
// / ShouldPauseKafka / AllowBroadcast trio, used to gate new WebSocket
// upgrades (before any STOMP frame is read) and kafka-bridge ingestion.
package resources

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"golang.org/x/time/rate"

	"github.com/coldbox-modules/socketbox/config"
	"github.com/coldbox-modules/socketbox/metrics"
)

// Rejection reasons, used in ShouldAcceptConnection's return value and
// logged/counted under metrics.ErrorsTotal's "admission" category.
const (
	ReasonConnectionLimit = "connection_limit"
	ReasonCPUBrake        = "cpu_emergency_brake"
	ReasonMemoryBrake     = "memory_emergency_brake"
	ReasonGoroutineLimit  = "goroutine_limit"
)

// GoroutineLimiter is a channel-backed semaphore bounding the number of
// slots held at once through Guard.AcquireGoroutine. No caller in this
// module acquires a slot, so it bounds no worker.
type GoroutineLimiter struct {
	slots chan struct{}
}

// NewGoroutineLimiter builds a limiter admitting at most max concurrent
// holders. max <= 0 disables the limit (Acquire always succeeds).
func NewGoroutineLimiter(max int) *GoroutineLimiter {
	if max <= 0 {
		return &GoroutineLimiter{}
	}
	return &GoroutineLimiter{slots: make(chan struct{}, max)}
}

// Acquire reports whether a slot was claimed without blocking.
func (g *GoroutineLimiter) Acquire() bool {
	if g.slots == nil {
		return true
	}
	select {
	case g.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees a previously acquired slot.
func (g *GoroutineLimiter) Release() {
	if g.slots == nil {
		return
	}
	select {
	case <-g.slots:
	default:
	}
}

// Current returns the number of slots currently held.
func (g *GoroutineLimiter) Current() int {
	if g.slots == nil {
		return 0
	}
	return len(g.slots)
}

// Max returns the configured capacity, or 0 if unlimited.
func (g *GoroutineLimiter) Max() int {
	if g.slots == nil {
		return 0
	}
	return cap(g.slots)
}

// Guard is socketbox's resource admission control, wired from config at
// boot and consulted on every WebSocket upgrade and kafka-bridge delivery.
type Guard struct {
	cfg *config.Config
	log zerolog.Logger

	broadcastLimiter *rate.Limiter
	kafkaLimiter     *rate.Limiter
	goroutines       *GoroutineLimiter
	connRate         *ConnRateLimiter

	currentConns int64 // atomic

	currentCPUPct atomic.Value // float64
	currentMemRSS atomic.Value // uint64
}

// New builds a Guard from configuration. cfg must already be validated.
func New(cfg *config.Config, log zerolog.Logger) *Guard {
	g := &Guard{
		cfg:              cfg,
		log:              log.With().Str("component", "resources.Guard").Logger(),
		broadcastLimiter: rate.NewLimiter(rate.Limit(cfg.BroadcastRateLimit), cfg.BroadcastRateBurst),
		kafkaLimiter:     rate.NewLimiter(rate.Limit(cfg.KafkaRateLimit), cfg.KafkaRateBurst),
		goroutines:       NewGoroutineLimiter(cfg.MaxGoroutines),
		connRate: NewConnRateLimiter(ConnRateLimiterConfig{
			IPBurst:     cfg.ConnRateIPBurst,
			IPRate:      cfg.ConnRateIPPerSec,
			GlobalBurst: cfg.ConnRateGlobalBurst,
			GlobalRate:  cfg.ConnRateGlobalPerSec,
		}, log),
	}
	g.currentCPUPct.Store(float64(0))
	g.currentMemRSS.Store(uint64(0))
	return g
}

// ConnectionOpened records a newly admitted connection. Call this after
// ShouldAcceptConnection returns true and the WebSocket upgrade succeeds.
func (g *Guard) ConnectionOpened() {
	atomic.AddInt64(&g.currentConns, 1)
}

// ConnectionClosed records a connection going away.
func (g *Guard) ConnectionClosed() {
	if atomic.AddInt64(&g.currentConns, -1) < 0 {
		atomic.StoreInt64(&g.currentConns, 0)
	}
}

// AllowConnectionFrom applies global and per-IP connection-attempt
// rate limiting, ahead of ShouldAcceptConnection's saturation checks:
// it catches a connection flood before the flood itself ever drives
// CPU or goroutine counts high enough to trip the emergency brakes.
func (g *Guard) AllowConnectionFrom(ip string) bool {
	return g.connRate.Allow(ip)
}

// Stop releases the guard's background goroutines (the rate
// limiter's cleanup loop). Call during process shutdown.
func (g *Guard) Stop() {
	g.connRate.Stop()
}

// ShouldAcceptConnection runs the ordered admission checks: hard
// connection limit, CPU emergency brake, memory emergency brake,
// goroutine limit. The first failing check wins; reason is one of the
// Reason* constants.
func (g *Guard) ShouldAcceptConnection() (accept bool, reason string) {
	if g.cfg.MaxConnections > 0 && atomic.LoadInt64(&g.currentConns) >= int64(g.cfg.MaxConnections) {
		g.log.Warn().Int64("current", atomic.LoadInt64(&g.currentConns)).Int("max", g.cfg.MaxConnections).Msg("rejecting connection: connection limit reached")
		metrics.RecordError("admission", metrics.SeverityWarning)
		return false, ReasonConnectionLimit
	}

	if cpuPct := g.CurrentCPUPercent(); g.cfg.CPURejectThresholdPct > 0 && cpuPct >= g.cfg.CPURejectThresholdPct {
		g.log.Warn().Float64("cpu_pct", cpuPct).Float64("threshold", g.cfg.CPURejectThresholdPct).Msg("rejecting connection: CPU emergency brake")
		metrics.RecordError("admission", metrics.SeverityCritical)
		return false, ReasonCPUBrake
	}

	if memRSS := g.CurrentMemoryRSS(); g.cfg.MemRejectThresholdBytes > 0 && int64(memRSS) >= g.cfg.MemRejectThresholdBytes {
		g.log.Warn().Uint64("mem_rss", memRSS).Int64("threshold", g.cfg.MemRejectThresholdBytes).Msg("rejecting connection: memory emergency brake")
		metrics.RecordError("admission", metrics.SeverityCritical)
		return false, ReasonMemoryBrake
	}

	if g.cfg.MaxGoroutines > 0 && runtime.NumGoroutine() >= g.cfg.MaxGoroutines {
		g.log.Warn().Int("goroutines", runtime.NumGoroutine()).Int("max", g.cfg.MaxGoroutines).Msg("rejecting connection: goroutine limit reached")
		metrics.RecordError("admission", metrics.SeverityWarning)
		return false, ReasonGoroutineLimit
	}

	return true, ""
}

// ShouldPauseKafka reports whether kafka-bridge consumption should pause
// because CPU is past the (lower) soft pause threshold.
func (g *Guard) ShouldPauseKafka() bool {
	return g.cfg.CPUPauseThresholdPct > 0 && g.CurrentCPUPercent() >= g.cfg.CPUPauseThresholdPct
}

// AllowKafkaMessage reports whether a kafka-bridge message may be
// processed now, non-blocking. When false, waitDuration estimates how
// long the caller should back off before retrying.
func (g *Guard) AllowKafkaMessage() (allow bool, waitDuration time.Duration) {
	res := g.kafkaLimiter.Reserve()
	if !res.OK() {
		return false, 0
	}
	if d := res.Delay(); d > 0 {
		res.Cancel()
		return false, d
	}
	return true, 0
}

// AllowBroadcast reports whether a cluster/fan-out broadcast may proceed
// now, non-blocking.
func (g *Guard) AllowBroadcast() bool {
	return g.broadcastLimiter.Allow()
}

// AcquireGoroutine claims a concurrency slot for a bridge/broadcast
// worker, reporting false if the limit is currently exhausted.
func (g *Guard) AcquireGoroutine() bool {
	return g.goroutines.Acquire()
}

// ReleaseGoroutine frees a slot claimed by AcquireGoroutine.
func (g *Guard) ReleaseGoroutine() {
	g.goroutines.Release()
}

// CurrentCPUPercent returns the most recently sampled host CPU percent.
func (g *Guard) CurrentCPUPercent() float64 {
	v, _ := g.currentCPUPct.Load().(float64)
	return v
}

// CurrentMemoryRSS returns the most recently sampled process memory, in
// bytes: runtime.MemStats.Sys, the memory the Go runtime has obtained
// from the OS, not the OS-reported RSS.
func (g *Guard) CurrentMemoryRSS() uint64 {
	v, _ := g.currentMemRSS.Load().(uint64)
	return v
}

// StartMonitoring periodically samples host CPU (via gopsutil, since
// cgroup-aware quota accounting is out of scope here) and process
// memory, storing both for ShouldAcceptConnection/ShouldPauseKafka to
// read without blocking. Stops when ctx is done.
func (g *Guard) StartMonitoring(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.sample(ctx)
			}
		}
	}()
}

func (g *Guard) sample(ctx context.Context) {
	pcts, err := cpu.PercentWithContext(ctx, 100*time.Millisecond, false)
	if err == nil && len(pcts) > 0 {
		g.currentCPUPct.Store(pcts[0])
	} else if err != nil {
		g.log.Debug().Err(err).Msg("cpu sample failed, keeping last value")
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	g.currentMemRSS.Store(mem.Sys)
}

// Stats returns a point-in-time snapshot for diagnostics endpoints
// (cmd/socketbox's /health).
func (g *Guard) Stats() map[string]any {
	return map[string]any{
		"connections":     atomic.LoadInt64(&g.currentConns),
		"max_connections": g.cfg.MaxConnections,
		"cpu_pct":         g.CurrentCPUPercent(),
		"mem_rss_bytes":   g.CurrentMemoryRSS(),
		"goroutines":      runtime.NumGoroutine(),
		"goroutine_slots": g.goroutines.Current(),
		"goroutine_max":   g.goroutines.Max(),
		"rate_limited_ips": g.connRate.TrackedIPs(),
	}
}

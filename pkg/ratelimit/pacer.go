package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// PacerConfig tunes the adaptive delay computation.
type PacerConfig struct {
	// MinInterval and MaxInterval clamp every recommendation.
	MinInterval time.Duration
	MaxInterval time.Duration
	// ReserveBufferPct is the share of the pool limit kept untouched.
	ReserveBufferPct float64
	// BurstAllowance loosens the effective remaining count so short
	// bursts do not get over-throttled.
	BurstAllowance int
}

// DefaultPacerConfig matches a 5000/h authenticated budget.
func DefaultPacerConfig() PacerConfig {
	return PacerConfig{
		MinInterval:      100 * time.Millisecond,
		MaxInterval:      30 * time.Second,
		ReserveBufferPct: 10,
		BurstAllowance:   5,
	}
}

// Pacer converts live quota state into a recommended pre-request
// delay. It spreads the remaining budget over the time left in the
// window and throttles harder as the pool degrades. A forced wait,
// set by the scheduler after a rate-limit error, overrides the
// formula entirely until it elapses.
type Pacer struct {
	monitor *Monitor
	cfg     PacerConfig

	mu          sync.Mutex
	forcedUntil time.Time
	window      []time.Time

	logger *logrus.Entry
	now    func() time.Time
}

// NewPacer wires a pacer to the monitor it reads quota from.
func NewPacer(monitor *Monitor, cfg PacerConfig, logger *logrus.Entry) *Pacer {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = DefaultPacerConfig().MinInterval
	}
	if cfg.MaxInterval < cfg.MinInterval {
		cfg.MaxInterval = DefaultPacerConfig().MaxInterval
	}
	return &Pacer{
		monitor: monitor,
		cfg:     cfg,
		logger:  logger.WithField("component", "request-pacer"),
		now:     time.Now,
	}
}

func throttleMultiplier(s Status) float64 {
	switch s {
	case StatusWarning:
		return 1.5
	case StatusCritical:
		return 2.0
	case StatusExhausted:
		return 4.0
	default:
		return 1.0
	}
}

// RecommendedDelay returns how long the caller should wait before the
// next request against the pool. The result is never negative and
// never exceeds MaxInterval.
func (p *Pacer) RecommendedDelay(pool Pool) time.Duration {
	now := p.now()

	p.mu.Lock()
	forced := p.forcedUntil
	p.mu.Unlock()
	if remaining := forced.Sub(now); remaining > 0 {
		return remaining
	}

	snapshot, ok := p.monitor.PoolLimit(pool)
	if !ok {
		return p.cfg.MinInterval
	}

	untilReset := snapshot.SecondsUntilReset(now)
	if untilReset <= 0 {
		// The window already rolled over; headers will catch up on
		// the next response.
		return p.cfg.MinInterval
	}

	reserve := float64(snapshot.Limit) * p.cfg.ReserveBufferPct / 100
	effective := float64(snapshot.Remaining) - reserve + float64(p.cfg.BurstAllowance)
	if effective < 1 {
		effective = 1
	}

	base := untilReset / effective
	delay := time.Duration(base * throttleMultiplier(p.monitor.Status(pool)) * float64(time.Second))
	return p.clamp(delay)
}

func (p *Pacer) clamp(d time.Duration) time.Duration {
	if d < p.cfg.MinInterval {
		return p.cfg.MinInterval
	}
	if d > p.cfg.MaxInterval {
		return p.cfg.MaxInterval
	}
	return d
}

// OnRequestStart records a request in the sliding window behind
// RequestsPerMinute.
func (p *Pacer) OnRequestStart() {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.window = append(p.window, now)
	p.pruneLocked(now)
}

// OnRequestComplete forwards response headers to the monitor. A nil
// header set is allowed; it simply means the caller had nothing new.
func (p *Pacer) OnRequestComplete(h http.Header) {
	if h != nil {
		p.monitor.UpdateFromHeaders(h)
	}
}

// RequestsPerMinute reports how many requests started inside the last
// 60 seconds.
func (p *Pacer) RequestsPerMinute() int {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pruneLocked(now)
	return len(p.window)
}

func (p *Pacer) pruneLocked(now time.Time) {
	cutoff := now.Add(-time.Minute)
	kept := p.window[:0]
	for _, t := range p.window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	p.window = kept
}

// ForceWait blocks all recommendations for the given duration.
func (p *Pacer) ForceWait(d time.Duration) {
	p.ForceWaitUntil(p.now().Add(d))
}

// ForceWaitUntil blocks all recommendations until the given instant.
// A later existing forced wait is kept.
func (p *Pacer) ForceWaitUntil(t time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t.After(p.forcedUntil) {
		p.forcedUntil = t
		p.logger.WithField("until", t).Warn("Forcing request pause until rate limit reset")
	}
}

// ClearForcedWait lifts a forced wait early.
func (p *Pacer) ClearForcedWait() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forcedUntil = time.Time{}
}

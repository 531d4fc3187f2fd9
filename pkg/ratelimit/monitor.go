package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Pool identifies a quota bucket on the GitHub API. Every pool carries
// its own limit, remaining count and reset instant.
type Pool string

const (
	PoolCore    Pool = "core"
	PoolSearch  Pool = "search"
	PoolGraphQL Pool = "graphql"
)

// DefaultLimit is the documented quota for an authenticated token.
// Unauthenticated callers get 60.
const (
	DefaultLimit         = 5000
	UnauthenticatedLimit = 60
)

// Status classifies how much quota a pool has left. The ordering
// matters: a numerically larger status is a degradation.
type Status int

const (
	StatusHealthy Status = iota
	StatusWarning
	StatusCritical
	StatusExhausted
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "HEALTHY"
	case StatusWarning:
		return "WARNING"
	case StatusCritical:
		return "CRITICAL"
	case StatusExhausted:
		return "EXHAUSTED"
	default:
		return "UNKNOWN"
	}
}

// Snapshot is the latest known quota state for one pool.
type Snapshot struct {
	Pool      Pool      `json:"pool"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	Used      int       `json:"used"`
	ResetAt   time.Time `json:"reset_at"`
}

// RemainingPercent returns remaining quota as a percentage of the limit.
func (s Snapshot) RemainingPercent() float64 {
	if s.Limit <= 0 {
		return 0
	}
	return float64(s.Remaining) / float64(s.Limit) * 100
}

// UsagePercent returns consumed quota as a percentage of the limit.
func (s Snapshot) UsagePercent() float64 {
	if s.Limit <= 0 {
		return 0
	}
	return float64(s.Used) / float64(s.Limit) * 100
}

// SecondsUntilReset returns the time left until the pool resets,
// relative to now. It can be negative when the reset is in the past.
func (s Snapshot) SecondsUntilReset(now time.Time) float64 {
	return s.ResetAt.Sub(now).Seconds()
}

// Thresholds configures the percentage boundaries between health
// states plus the buffer CanMakeRequest keeps in reserve.
type Thresholds struct {
	HealthyPct         float64 `json:"healthy_threshold_pct,omitempty"`
	WarningPct         float64 `json:"warning_threshold_pct,omitempty"`
	CriticalPct        float64 `json:"critical_threshold_pct,omitempty"`
	MinRemainingBuffer int     `json:"min_remaining_buffer,omitempty"`
}

// DefaultThresholds returns the stock classification boundaries:
// >=50% healthy, >=20% warning, >0 critical, 0 exhausted.
func DefaultThresholds() Thresholds {
	return Thresholds{HealthyPct: 50, WarningPct: 20, CriticalPct: 0, MinRemainingBuffer: 10}
}

// ThresholdCallback is invoked when a pool degrades to a worse status.
// Improvements are silent.
type ThresholdCallback func(Snapshot, Status)

// SnapshotCallback is invoked for every snapshot the monitor applies,
// improvements included.
type SnapshotCallback func(Snapshot)

// QuotaFetcher is the one call the monitor needs from the HTTP layer
// to bootstrap itself. The underlying endpoint does not consume quota.
type QuotaFetcher interface {
	RateLimitSnapshots(ctx context.Context) ([]Snapshot, error)
}

// Monitor tracks per-pool quota from response headers. It never talks
// to the network itself except through the optional Initialize call,
// and it never returns errors to callers: missing data fails open.
type Monitor struct {
	mu         sync.Mutex
	pools      map[Pool]Snapshot
	statuses   map[Pool]Status
	callbacks  []ThresholdCallback
	updates    []SnapshotCallback
	thresholds Thresholds

	logger *logrus.Entry
	now    func() time.Time
}

// NewMonitor returns a monitor with the given thresholds.
func NewMonitor(thresholds Thresholds, logger *logrus.Entry) *Monitor {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Monitor{
		pools:      map[Pool]Snapshot{},
		statuses:   map[Pool]Status{},
		thresholds: thresholds,
		logger:     logger.WithField("component", "rate-limit-monitor"),
		now:        time.Now,
	}
}

// Initialize bootstraps the pool map with one free quota query. It
// also tells apart an authenticated token (limit >= 5000) from an
// unauthenticated caller (limit 60), which is worth a loud warning.
func (m *Monitor) Initialize(ctx context.Context, fetcher QuotaFetcher) error {
	snapshots, err := fetcher.RateLimitSnapshots(ctx)
	if err != nil {
		return err
	}
	for _, s := range snapshots {
		m.apply(s)
		if s.Pool == PoolCore && s.Limit <= UnauthenticatedLimit {
			m.logger.WithField("limit", s.Limit).Warn("Rate limit suggests an unauthenticated client; syncs will be extremely slow")
		}
	}
	return nil
}

// UpdateFromHeaders ingests the rate-limit headers of a single
// response. Parsing never fails: malformed or absent values fall back
// to conservative defaults (limit 5000, remaining=limit, reset=now).
func (m *Monitor) UpdateFromHeaders(h http.Header) {
	if h == nil {
		return
	}
	pool := Pool(strings.ToLower(h.Get("X-RateLimit-Resource")))
	if pool == "" {
		pool = PoolCore
	}

	limit := parseIntHeader(h, "X-RateLimit-Limit", DefaultLimit)
	remaining := parseIntHeader(h, "X-RateLimit-Remaining", limit)
	used := parseIntHeader(h, "X-RateLimit-Used", limit-remaining)
	reset := m.now()
	if epoch := parseIntHeader(h, "X-RateLimit-Reset", 0); epoch > 0 {
		reset = time.Unix(int64(epoch), 0).UTC()
	}

	m.apply(Snapshot{Pool: pool, Limit: limit, Remaining: remaining, Used: used, ResetAt: reset})
}

func (m *Monitor) apply(s Snapshot) {
	m.mu.Lock()
	// An unseen pool is considered healthy, so a first observation
	// that is already degraded still notifies.
	previous := StatusHealthy
	if p, seen := m.statuses[s.Pool]; seen {
		previous = p
	}
	next := m.classify(s)
	m.pools[s.Pool] = s
	m.statuses[s.Pool] = next
	var fire []ThresholdCallback
	if next > previous {
		fire = append(fire, m.callbacks...)
	}
	updates := append([]SnapshotCallback(nil), m.updates...)
	m.mu.Unlock()

	// Callbacks run outside the lock so a handler can query the
	// monitor without deadlocking.
	for _, cb := range updates {
		cb(s)
	}
	for _, cb := range fire {
		cb(s, next)
	}
	if len(fire) > 0 {
		m.logger.WithFields(logrus.Fields{
			"pool":      s.Pool,
			"remaining": s.Remaining,
			"status":    next.String(),
		}).Warn("Rate limit pool degraded")
	}
}

func (m *Monitor) classify(s Snapshot) Status {
	if s.Remaining <= 0 {
		return StatusExhausted
	}
	pct := s.RemainingPercent()
	switch {
	case pct >= m.thresholds.HealthyPct:
		return StatusHealthy
	case pct >= m.thresholds.WarningPct:
		return StatusWarning
	case pct > m.thresholds.CriticalPct:
		return StatusCritical
	default:
		return StatusExhausted
	}
}

// PoolLimit returns the latest snapshot for a pool, if any.
func (m *Monitor) PoolLimit(pool Pool) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.pools[pool]
	return s, ok
}

// Status returns the health classification for a pool. Unknown pools
// are reported healthy: the monitor fails open rather than stalling
// the pipeline on missing data.
func (m *Monitor) Status(pool Pool) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	status, ok := m.statuses[pool]
	if !ok {
		return StatusHealthy
	}
	return status
}

// CanMakeRequest reports whether the pool has at least count requests
// left on top of the configured reserve buffer.
func (m *Monitor) CanMakeRequest(pool Pool, count int) bool {
	m.mu.Lock()
	s, ok := m.pools[pool]
	m.mu.Unlock()
	if !ok {
		m.logger.WithField("pool", pool).Debug("No rate limit data for pool, allowing request")
		return true
	}
	return s.Remaining >= count+m.thresholds.MinRemainingBuffer
}

// OnThresholdCrossed registers a callback fired on every degrading
// status transition.
func (m *Monitor) OnThresholdCrossed(cb ThresholdCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// OnUpdate registers a callback fired on every applied snapshot,
// recoveries included. Gauges that must track the current value hang
// off this rather than OnThresholdCrossed.
func (m *Monitor) OnUpdate(cb SnapshotCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, cb)
}

func parseIntHeader(h http.Header, key string, fallback int) int {
	raw := h.Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"sigs.k8s.io/yaml"
)

// Config is the file-backed configuration surface the ingestion core
// reads. All durations expressed as milliseconds carry the _ms suffix;
// merge_grace_period is a Go duration string ("336h" = 14 days).
type Config struct {
	// TrackedRepositories is the ordered owner/name list synced by
	// default.
	TrackedRepositories []string `json:"tracked_repositories,omitempty"`

	// MergeGracePeriod is how long after a merge the core still
	// accepts updates to a MERGED pull request.
	MergeGracePeriod string `json:"merge_grace_period,omitempty"`

	Pacing    Pacing    `json:"pacing,omitempty"`
	RateLimit RateLimit `json:"rate_limit,omitempty"`
	Sync      Sync      `json:"sync,omitempty"`
}

// Pacing tunes the request pacer and the scheduler's fan-out.
type Pacing struct {
	MinRequestIntervalMS  int     `json:"min_request_interval_ms,omitempty"`
	MaxRequestIntervalMS  int     `json:"max_request_interval_ms,omitempty"`
	ReserveBufferPct      float64 `json:"reserve_buffer_pct,omitempty"`
	BurstAllowance        int     `json:"burst_allowance,omitempty"`
	MaxConcurrentRequests int     `json:"max_concurrent_requests,omitempty"`
}

// RateLimit tunes the monitor's health classification.
type RateLimit struct {
	HealthyThresholdPct  float64 `json:"healthy_threshold_pct,omitempty"`
	WarningThresholdPct  float64 `json:"warning_threshold_pct,omitempty"`
	CriticalThresholdPct float64 `json:"critical_threshold_pct,omitempty"`
	MinRemainingBuffer   int     `json:"min_remaining_buffer,omitempty"`
	TrackFromHeaders     *bool   `json:"track_from_headers,omitempty"`
}

// Sync tunes the ingestion pipeline itself.
type Sync struct {
	// CommitBatchSize is how many successful writes the commit
	// manager groups into one transaction commit.
	CommitBatchSize int `json:"commit_batch_size,omitempty"`
	// MaxRetries bounds scheduler retries per request and failure
	// retries per recorded sync failure.
	MaxRetries int `json:"max_retries,omitempty"`
	// MaxBatchSize bounds one batch-executor sub-batch.
	MaxBatchSize int `json:"max_batch_size,omitempty"`
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		MergeGracePeriod: "336h", // 14 days
		Pacing: Pacing{
			MinRequestIntervalMS:  100,
			MaxRequestIntervalMS:  30000,
			ReserveBufferPct:      10,
			BurstAllowance:        5,
			MaxConcurrentRequests: 5,
		},
		RateLimit: RateLimit{
			HealthyThresholdPct:  50,
			WarningThresholdPct:  20,
			CriticalThresholdPct: 0,
			MinRemainingBuffer:   10,
		},
		Sync: Sync{
			CommitBatchSize: 50,
			MaxRetries:      3,
			MaxBatchSize:    50,
		},
	}
}

// Load reads a YAML config file and overlays it on the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations the core cannot run with.
func (c *Config) Validate() error {
	if _, err := c.GracePeriod(); err != nil {
		return err
	}
	for _, repo := range c.TrackedRepositories {
		if parts := strings.Split(repo, "/"); len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return fmt.Errorf("tracked repository %q is not in owner/name form", repo)
		}
	}
	if c.Pacing.MinRequestIntervalMS < 0 || c.Pacing.MaxRequestIntervalMS < c.Pacing.MinRequestIntervalMS {
		return fmt.Errorf("pacing intervals are inverted: min %dms, max %dms", c.Pacing.MinRequestIntervalMS, c.Pacing.MaxRequestIntervalMS)
	}
	if c.Pacing.MaxConcurrentRequests <= 0 {
		return fmt.Errorf("max_concurrent_requests must be positive")
	}
	if c.RateLimit.HealthyThresholdPct < c.RateLimit.WarningThresholdPct {
		return fmt.Errorf("healthy_threshold_pct must be >= warning_threshold_pct")
	}
	return nil
}

// GracePeriod parses MergeGracePeriod.
func (c *Config) GracePeriod() (time.Duration, error) {
	if c.MergeGracePeriod == "" {
		return 14 * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(c.MergeGracePeriod)
	if err != nil {
		return 0, fmt.Errorf("invalid merge_grace_period: %w", err)
	}
	return d, nil
}

// MinInterval returns the pacing floor as a duration.
func (c *Config) MinInterval() time.Duration {
	return time.Duration(c.Pacing.MinRequestIntervalMS) * time.Millisecond
}

// MaxInterval returns the pacing ceiling as a duration.
func (c *Config) MaxInterval() time.Duration {
	return time.Duration(c.Pacing.MaxRequestIntervalMS) * time.Millisecond
}

// TrackHeaders reports whether response headers should feed the
// monitor. Defaults to true.
func (c *Config) TrackHeaders() bool {
	if c.RateLimit.TrackFromHeaders == nil {
		return true
	}
	return *c.RateLimit.TrackFromHeaders
}

package bastion

import "time"

// Config holds configuration for the Bastion engine.
type Config struct {
	// CacheTTL is how long a resolved decision is served from the cache.
	// Defaults to 5 minutes.
	CacheTTL time.Duration `json:"cache_ttl,omitempty" yaml:"cache_ttl,omitempty"`

	// StoreTimeout bounds every cache and store call made while answering
	// a check. Defaults to 2 seconds.
	StoreTimeout time.Duration `json:"store_timeout,omitempty" yaml:"store_timeout,omitempty"`

	// SweepInterval is the period of the expired-entry sweep. Zero
	// disables it.
	SweepInterval time.Duration `json:"sweep_interval,omitempty" yaml:"sweep_interval,omitempty"`

	// MetricsInterval is the period of cache statistics capture. Zero
	// disables it.
	MetricsInterval time.Duration `json:"metrics_interval,omitempty" yaml:"metrics_interval,omitempty"`

	// RateLimitMax and RateLimitWindow bound how many security events one
	// (type, subject-or-source) pair may record.
	RateLimitMax    int           `json:"rate_limit_max,omitempty" yaml:"rate_limit_max,omitempty"`
	RateLimitWindow time.Duration `json:"rate_limit_window,omitempty" yaml:"rate_limit_window,omitempty"`

	// BroadcastClearDelay is the quiet period after the last cross-instance
	// write before the transport key is cleared.
	BroadcastClearDelay time.Duration `json:"broadcast_clear_delay,omitempty" yaml:"broadcast_clear_delay,omitempty"`

	// RecordDenials records an UNAUTHORIZED_ACCESS event for every
	// resolved denial. Defaults to true.
	RecordDenials *bool `json:"record_denials,omitempty" yaml:"record_denials,omitempty"`

	// BlockTTL is how long block and lock actions keep a principal or
	// source denied. Defaults to 1 hour.
	BlockTTL time.Duration `json:"block_ttl,omitempty" yaml:"block_ttl,omitempty"`

	// DenialQueue bounds how many denial events may be recorded concurrently.
	// Further denials are dropped until a slot frees.
	DenialQueue int `json:"denial_queue,omitempty" yaml:"denial_queue,omitempty"`

	// EventRetention is how long security events are kept. The sweep
	// deletes older events. Zero keeps events forever.
	EventRetention time.Duration `json:"event_retention,omitempty" yaml:"event_retention,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	t := true
	return Config{
		CacheTTL:            5 * time.Minute,
		StoreTimeout:        2 * time.Second,
		SweepInterval:       time.Minute,
		MetricsInterval:     30 * time.Second,
		RateLimitMax:        10,
		RateLimitWindow:     60 * time.Second,
		BroadcastClearDelay: 100 * time.Millisecond,
		RecordDenials:       &t,
		BlockTTL:            time.Hour,
		DenialQueue:         256,
	}
}

func (c Config) recordDenials() bool { return c.RecordDenials == nil || *c.RecordDenials }

// withDefaults fills zero durations that must be positive.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CacheTTL <= 0 {
		c.CacheTTL = d.CacheTTL
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = d.StoreTimeout
	}
	if c.RateLimitMax <= 0 {
		c.RateLimitMax = d.RateLimitMax
	}
	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = d.RateLimitWindow
	}
	if c.BroadcastClearDelay <= 0 {
		c.BroadcastClearDelay = d.BroadcastClearDelay
	}
	if c.DenialQueue <= 0 {
		c.DenialQueue = d.DenialQueue
	}
	if c.BlockTTL <= 0 {
		c.BlockTTL = d.BlockTTL
	}
	return c
}

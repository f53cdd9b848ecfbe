package connmgr

import "time"

// Config holds the connectivity core's static, immutable-after-start
// knobs (spec.md §4.7). Construct with DefaultConfig and override fields
// before passing to New.
type Config struct {
	DesiredNeighbouringPoolSize     int
	NeighbouringPoolRefreshInterval time.Duration
	DesiredRandomPoolSize           int
	RandomPoolRefreshInterval       time.Duration
	PropagationRandomSampleSize     int
	BroadcastCooldownMaxAttempts    int
	BroadcastCooldownPeriod         time.Duration

	// DialTimeout bounds a single dial attempt issued during a pool
	// refresh; expiry counts as a failure, not an error returned to any
	// caller (spec.md §5).
	DialTimeout time.Duration
}

// DefaultConfig returns the configuration defaults from spec.md §4.7.
func DefaultConfig() Config {
	return Config{
		DesiredNeighbouringPoolSize:     8,
		NeighbouringPoolRefreshInterval: 10 * time.Minute,
		DesiredRandomPoolSize:           5,
		RandomPoolRefreshInterval:       2 * time.Hour,
		PropagationRandomSampleSize:     2,
		BroadcastCooldownMaxAttempts:    3,
		BroadcastCooldownPeriod:         30 * time.Second,
		DialTimeout:                     10 * time.Second,
	}
}

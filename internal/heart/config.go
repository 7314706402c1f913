// ABOUTME: Immutable heartbeat configuration snapshots and live reconfiguration
// ABOUTME: A config change builds a new snapshot rather than mutating the current one

package heart

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Configuration keys accepted by OnConfigChange.
const (
	KeyInterval            = "heart.interval"
	KeyMissedThreshold     = "heart.missed_threshold"
	KeyExpiryRetryInterval = "heart.expiry_retry_interval"
	KeyExpiryRetryCount    = "heart.expiry_retry_count"
)

// Keys lists every configuration key.
var Keys = []string{KeyInterval, KeyMissedThreshold, KeyExpiryRetryInterval, KeyExpiryRetryCount}

// ErrUnknownKey is returned for configuration keys the heart does not own.
var ErrUnknownKey = errors.New("unknown configuration key")

// Config is a snapshot of the liveness policy.
type Config struct {
	// Interval between heartbeats. Zero or negative disables pings and
	// missed-heartbeat detection.
	Interval time.Duration
	// MissedThreshold is how many whole intervals may pass without hearing
	// from an agent before it is terminated.
	MissedThreshold int
	// ExpiryRetryInterval is how long to wait for an agent to go away after
	// a terminate request before asking again.
	ExpiryRetryInterval time.Duration
	// ExpiryRetryCount is how many times a terminate request is re-issued
	// before the agent is forcibly expired.
	ExpiryRetryCount int
}

// DefaultConfig returns the default liveness policy.
func DefaultConfig() Config {
	return Config{
		Interval:            30 * time.Second,
		MissedThreshold:     3,
		ExpiryRetryInterval: 10 * time.Second,
		ExpiryRetryCount:    5,
	}
}

// Validate checks the snapshot for values the tick cannot work with.
func (c Config) Validate() error {
	if c.MissedThreshold < 0 {
		return fmt.Errorf("%s must not be negative", KeyMissedThreshold)
	}
	if c.ExpiryRetryInterval < 0 {
		return fmt.Errorf("%s must not be negative", KeyExpiryRetryInterval)
	}
	if c.ExpiryRetryCount < 0 {
		return fmt.Errorf("%s must not be negative", KeyExpiryRetryCount)
	}
	return nil
}

// With returns a copy of c with key set to value.
// Durations accept Go syntax ("45s") or whole seconds ("45").
func (c Config) With(key, value string) (Config, error) {
	value = strings.TrimSpace(value)
	var err error
	switch key {
	case KeyInterval:
		c.Interval, err = parseSeconds(value)
	case KeyMissedThreshold:
		c.MissedThreshold, err = strconv.Atoi(value)
	case KeyExpiryRetryInterval:
		c.ExpiryRetryInterval, err = parseSeconds(value)
	case KeyExpiryRetryCount:
		c.ExpiryRetryCount, err = strconv.Atoi(value)
	default:
		return c, fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	if err != nil {
		return c, fmt.Errorf("parsing %s=%q: %w", key, value, err)
	}
	return c, c.Validate()
}

// Value renders the setting for key in the form accepted by With.
func (c Config) Value(key string) (string, error) {
	switch key {
	case KeyInterval:
		return c.Interval.String(), nil
	case KeyMissedThreshold:
		return strconv.Itoa(c.MissedThreshold), nil
	case KeyExpiryRetryInterval:
		return c.ExpiryRetryInterval.String(), nil
	case KeyExpiryRetryCount:
		return strconv.Itoa(c.ExpiryRetryCount), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKey, key)
}

func parseSeconds(s string) (time.Duration, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}

// Settings holds the current Config snapshot.
type Settings struct {
	current atomic.Pointer[Config]
}

// NewSettings creates settings holding cfg.
func NewSettings(cfg Config) *Settings {
	s := &Settings{}
	s.current.Store(&cfg)
	return s
}

// Current returns the current snapshot.
func (s *Settings) Current() Config {
	return *s.current.Load()
}

// OnConfigChange replaces the snapshot with one where key is set to newValue.
// The old value is informational; a failed change leaves the snapshot untouched.
func (s *Settings) OnConfigChange(key, oldValue, newValue string) (Config, error) {
	for {
		cur := s.current.Load()
		next, err := cur.With(key, newValue)
		if err != nil {
			return *cur, err
		}
		if s.current.CompareAndSwap(cur, &next) {
			return next, nil
		}
	}
}

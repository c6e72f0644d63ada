package authgate

import (
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/MrEthical07/authgate/session"
)

// Config holds every tunable of an Engine. Obtain one from DefaultConfig,
// adjust it, and pass it to Builder.WithConfig.
type Config struct {
	Session        SessionConfig
	CircuitBreaker CircuitBreakerConfig
	Provider       ProviderConfig
	Fallback       FallbackConfig
	Throttle       ThrottleConfig
	Login          LoginConfig
	Validation     ValidationConfig
	Audit          AuditConfig
	Metrics        MetricsConfig
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig controls the session manager.
type SessionConfig struct {
	// RefreshThreshold is how long before expiry a refresh is scheduled.
	RefreshThreshold time.Duration
	// RefreshRetryInterval spaces timer refresh retries after connectivity
	// failures while the session is still valid.
	RefreshRetryInterval time.Duration
	// StorageKey is the Redis key holding the persisted session.
	StorageKey string
	// PersistTimeout bounds each persistence call.
	PersistTimeout time.Duration
}

/*
====================================
CIRCUIT BREAKER CONFIG
====================================
*/

// CircuitBreakerConfig guards the primary provider.
type CircuitBreakerConfig struct {
	FailureThreshold int
	FailureWindow    time.Duration
	Cooldown         time.Duration
	MaxCooldown      time.Duration
}

/*
====================================
PROVIDER / FALLBACK CONFIG
====================================
*/

// ProviderConfig tunes calls into the primary provider.
type ProviderConfig struct {
	// Timeout bounds each call. A timed-out call counts as a connectivity
	// failure.
	Timeout time.Duration
}

// FallbackConfig describes the secondary HTTP API.
type FallbackConfig struct {
	Enabled      bool
	BaseURL      string
	Timeout      time.Duration
	HealthPath   string
	ProbeTimeout time.Duration
}

/*
====================================
THROTTLE CONFIG
====================================
*/

// ThrottleConfig limits forgot-password and resend-verification requests
// per email address.
type ThrottleConfig struct {
	Enabled  bool
	Interval time.Duration
	Burst    int
	// MaxKeys bounds the in-process limiter set. Ignored with Redis.
	MaxKeys int
}

/*
====================================
LOGIN CONFIG
====================================
*/

// LoginPolicy decides which session survives concurrent logins.
type LoginPolicy int

const (
	// LoginLastCompletedWins keeps the session of whichever login finishes last.
	LoginLastCompletedWins LoginPolicy = iota
	// LoginLastStartedWins discards a completing login that started before
	// the most recently applied one.
	LoginLastStartedWins
	// LoginRejectConcurrent fails a login while another is in flight.
	LoginRejectConcurrent
)

func (p LoginPolicy) String() string {
	switch p {
	case LoginLastCompletedWins:
		return "last_completed_wins"
	case LoginLastStartedWins:
		return "last_started_wins"
	case LoginRejectConcurrent:
		return "reject_concurrent"
	default:
		return "unknown"
	}
}

// LoginConfig defines a public type used by authgate APIs.
type LoginConfig struct {
	Policy LoginPolicy
}

// ValidationConfig bounds caller input checked before any I/O.
type ValidationConfig struct {
	MinPasswordLength int
	MaxPasswordLength int
	MaxNameLength     int
}

/*
====================================
AUDIT / METRICS CONFIG
====================================
*/

// AuditConfig defines a public type used by authgate APIs.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig defines a public type used by authgate APIs.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultConfig returns the stock configuration. Fallback.BaseURL is empty,
// so either set it or disable the fallback before building.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		Session: SessionConfig{
			RefreshThreshold:     300 * time.Second,
			RefreshRetryInterval: 30 * time.Second,
			StorageKey:           session.DefaultKey,
			PersistTimeout:       2 * time.Second,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			FailureWindow:    60 * time.Second,
			Cooldown:         30 * time.Second,
			MaxCooldown:      5 * time.Minute,
		},
		Provider: ProviderConfig{
			Timeout: 10 * time.Second,
		},
		Fallback: FallbackConfig{
			Enabled:      true,
			Timeout:      10 * time.Second,
			HealthPath:   "/api/health",
			ProbeTimeout: 2 * time.Second,
		},
		Throttle: ThrottleConfig{
			Enabled:  true,
			Interval: 60 * time.Second,
			Burst:    1,
			MaxKeys:  4096,
		},
		Login: LoginConfig{
			Policy: LoginLastCompletedWins,
		},
		Validation: ValidationConfig{
			MinPasswordLength: 8,
			MaxPasswordLength: 128,
			MaxNameLength:     100,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 false,
			EnableLatencyHistograms: false,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.Fallback.BaseURL = strings.TrimSpace(cfg.Fallback.BaseURL)
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate reports the first configuration error found.
func (c *Config) Validate() error {
	// Session
	if c.Session.RefreshThreshold < 0 {
		return errors.New("Session RefreshThreshold must be >= 0")
	}
	if c.Session.RefreshRetryInterval <= 0 {
		return errors.New("Session RefreshRetryInterval must be > 0")
	}
	if strings.TrimSpace(c.Session.StorageKey) == "" {
		return errors.New("Session StorageKey must not be empty")
	}
	if c.Session.PersistTimeout <= 0 {
		return errors.New("Session PersistTimeout must be > 0")
	}

	// Circuit breaker
	if c.CircuitBreaker.FailureThreshold <= 0 {
		return errors.New("CircuitBreaker FailureThreshold must be > 0")
	}
	if c.CircuitBreaker.FailureWindow < 0 {
		return errors.New("CircuitBreaker FailureWindow must be >= 0")
	}
	if c.CircuitBreaker.Cooldown <= 0 {
		return errors.New("CircuitBreaker Cooldown must be > 0")
	}
	if c.CircuitBreaker.MaxCooldown < c.CircuitBreaker.Cooldown {
		return errors.New("CircuitBreaker MaxCooldown must be >= Cooldown")
	}

	// Provider
	if c.Provider.Timeout <= 0 {
		return errors.New("Provider Timeout must be > 0")
	}

	// Fallback
	if c.Fallback.Enabled {
		if c.Fallback.BaseURL == "" {
			return errors.New("Fallback BaseURL is required when Fallback is enabled")
		}
		u, err := url.Parse(c.Fallback.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return errors.New("Fallback BaseURL must be an absolute http(s) URL")
		}
		if c.Fallback.Timeout <= 0 {
			return errors.New("Fallback Timeout must be > 0")
		}
		if c.Fallback.HealthPath != "" && !strings.HasPrefix(c.Fallback.HealthPath, "/") {
			return errors.New("Fallback HealthPath must start with /")
		}
		if c.Fallback.ProbeTimeout <= 0 {
			return errors.New("Fallback ProbeTimeout must be > 0")
		}
	}

	// Throttle
	if c.Throttle.Enabled {
		if c.Throttle.Interval <= 0 {
			return errors.New("Throttle Interval must be > 0")
		}
		if c.Throttle.Burst <= 0 {
			return errors.New("Throttle Burst must be > 0")
		}
		if c.Throttle.MaxKeys <= 0 {
			return errors.New("Throttle MaxKeys must be > 0")
		}
	}

	// Login
	switch c.Login.Policy {
	case LoginLastCompletedWins, LoginLastStartedWins, LoginRejectConcurrent:
	default:
		return errors.New("Login Policy is invalid")
	}

	// Validation
	if c.Validation.MinPasswordLength < 1 {
		return errors.New("Validation MinPasswordLength must be >= 1")
	}
	if c.Validation.MaxPasswordLength < c.Validation.MinPasswordLength {
		return errors.New("Validation MaxPasswordLength must be >= MinPasswordLength")
	}
	if c.Validation.MaxNameLength <= 0 {
		return errors.New("Validation MaxNameLength must be > 0")
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when Audit is enabled")
	}

	return nil
}

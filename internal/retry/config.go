package retry

import (
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultMaxAttempts is the default number of attempts per call, including the first
	DefaultMaxAttempts = 3
	// DefaultBaseDelay is the default delay before the first retry
	DefaultBaseDelay = 2 * time.Second
	// DefaultMaxDelay caps a single backoff sleep
	DefaultMaxDelay = 60 * time.Second
	// DefaultExponentialBase is the default backoff growth factor
	DefaultExponentialBase = 2.0
	// DefaultFailureThreshold is the number of consecutive failures that trips a breaker
	DefaultFailureThreshold = 3
	// DefaultRecoveryTimeout is how long a breaker stays open before admitting trial calls
	DefaultRecoveryTimeout = 120 * time.Second
	// DefaultHalfOpenMaxCalls is the number of trial calls admitted while half-open
	DefaultHalfOpenMaxCalls = 3
	// DefaultSuccessRateThreshold lowers the retry ceiling when the rolling success rate falls below it
	DefaultSuccessRateThreshold = 0.8
	// DefaultWindowSize is the number of outcomes kept per endpoint
	DefaultWindowSize = 100
)

// Config holds retry and circuit breaker settings. Zero values fall back to defaults.
type Config struct {
	MaxAttempts          int           `yaml:"maxAttempts,omitempty"`
	BaseDelay            time.Duration `yaml:"baseDelay,omitempty"`
	MaxDelay             time.Duration `yaml:"maxDelay,omitempty"`
	ExponentialBase      float64       `yaml:"exponentialBase,omitempty"`
	Jitter               *bool         `yaml:"jitter,omitempty"`
	FailureThreshold     int           `yaml:"failureThreshold,omitempty"`
	RecoveryTimeout      time.Duration `yaml:"recoveryTimeout,omitempty"`
	HalfOpenMaxCalls     int           `yaml:"halfOpenMaxCalls,omitempty"`
	SuccessRateThreshold float64       `yaml:"successRateThreshold,omitempty"`
	WindowSize           int           `yaml:"windowSize,omitempty"`
}

// GetMaxAttempts returns MaxAttempts or the default
func (c *Config) GetMaxAttempts() int {
	if c == nil || c.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return c.MaxAttempts
}

// GetBaseDelay returns BaseDelay or the default
func (c *Config) GetBaseDelay() time.Duration {
	if c == nil || c.BaseDelay <= 0 {
		return DefaultBaseDelay
	}
	return c.BaseDelay
}

// GetMaxDelay returns MaxDelay or the default
func (c *Config) GetMaxDelay() time.Duration {
	if c == nil || c.MaxDelay <= 0 {
		return DefaultMaxDelay
	}
	return c.MaxDelay
}

// GetExponentialBase returns ExponentialBase or the default
func (c *Config) GetExponentialBase() float64 {
	if c == nil || c.ExponentialBase <= 0 {
		return DefaultExponentialBase
	}
	return c.ExponentialBase
}

// JitterEnabled reports whether jitter is applied. Jitter is on unless explicitly disabled.
func (c *Config) JitterEnabled() bool {
	if c == nil || c.Jitter == nil {
		return true
	}
	return *c.Jitter
}

// GetFailureThreshold returns FailureThreshold or the default
func (c *Config) GetFailureThreshold() int {
	if c == nil || c.FailureThreshold <= 0 {
		return DefaultFailureThreshold
	}
	return c.FailureThreshold
}

// GetRecoveryTimeout returns RecoveryTimeout or the default
func (c *Config) GetRecoveryTimeout() time.Duration {
	if c == nil || c.RecoveryTimeout <= 0 {
		return DefaultRecoveryTimeout
	}
	return c.RecoveryTimeout
}

// GetHalfOpenMaxCalls returns HalfOpenMaxCalls or the default
func (c *Config) GetHalfOpenMaxCalls() int {
	if c == nil || c.HalfOpenMaxCalls <= 0 {
		return DefaultHalfOpenMaxCalls
	}
	return c.HalfOpenMaxCalls
}

// GetSuccessRateThreshold returns SuccessRateThreshold or the default
func (c *Config) GetSuccessRateThreshold() float64 {
	if c == nil || c.SuccessRateThreshold <= 0 {
		return DefaultSuccessRateThreshold
	}
	return c.SuccessRateThreshold
}

// GetWindowSize returns WindowSize or the default
func (c *Config) GetWindowSize() int {
	if c == nil || c.WindowSize <= 0 {
		return DefaultWindowSize
	}
	return c.WindowSize
}

// Validate checks for values that cannot be defaulted
func (c *Config) Validate() error {
	if c == nil {
		return nil
	}

	var errs []error
	if c.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("maxAttempts must not be negative, got %d", c.MaxAttempts))
	}
	if c.ExponentialBase != 0 && c.ExponentialBase < 1 {
		errs = append(errs, fmt.Errorf("exponentialBase must be >= 1, got %f", c.ExponentialBase))
	}
	if c.SuccessRateThreshold < 0 || c.SuccessRateThreshold > 1 {
		errs = append(errs, fmt.Errorf("successRateThreshold must be between 0.0 and 1.0, got %f",
			c.SuccessRateThreshold))
	}
	if c.BaseDelay > 0 && c.MaxDelay > 0 && c.BaseDelay > c.MaxDelay {
		errs = append(errs, fmt.Errorf("baseDelay (%s) must not exceed maxDelay (%s)", c.BaseDelay, c.MaxDelay))
	}

	return errors.Join(errs...)
}

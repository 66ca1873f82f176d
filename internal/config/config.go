// Package config provides configuration loading and management for kbsync.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stacklok/kbsync/internal/retry"
	"github.com/stacklok/kbsync/internal/telemetry"
)

const (
	// StrategyPrimary sends every document to the first available dataset
	StrategyPrimary = "primary"
	// StrategyAll sends every document to all available datasets
	StrategyAll = "all"
	// StrategyRoundRobin rotates documents through the available datasets
	StrategyRoundRobin = "round_robin"

	// CommitPolicyAny commits a document once one dataset holds it
	CommitPolicyAny = "any"
	// CommitPolicyAll commits a document only once every selected dataset holds it
	CommitPolicyAll = "all"
)

const (
	defaultStatePath            = "data/sync_state.json"
	defaultStatusFile           = "data/status.json"
	defaultRequestTimeout       = 30 * time.Second
	defaultAvailabilityTTL      = 5 * time.Minute
	defaultMaxConsecutiveErrors = 3
	defaultServerAddress        = ":8080"
	defaultShutdownGrace        = 30 * time.Second
)

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
	env  Env
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		// Validate the path to prevent path traversal attacks
		if !filepath.IsAbs(realPath) {
			if !filepath.IsLocal(realPath) {
				return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
			}
		}

		cfg.path = realPath
		return nil
	}
}

// WithEnv overrides file values with the given environment lookup
func WithEnv(env Env) Option {
	return func(cfg *loaderConfig) error {
		cfg.env = env
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	Targets   TargetsConfig     `yaml:"targets"`
	Retry     *retry.Config     `yaml:"retry,omitempty"`
	State     StateConfig       `yaml:"state"`
	Sync      SyncConfig        `yaml:"sync"`
	Logging   *LoggingConfig    `yaml:"logging,omitempty"`
	Telemetry *telemetry.Config `yaml:"telemetry,omitempty"`
	Server    *ServerConfig     `yaml:"server,omitempty"`
}

// TargetsConfig defines the knowledge-base API and its datasets
type TargetsConfig struct {
	// BaseURL is the Dify API base URL, e.g. "https://api.dify.ai/v1"
	BaseURL string `yaml:"baseURL,omitempty"`

	// APIKey is the dataset API key. Prefer APIKeyFile or the KBSYNC_API_KEY environment variable.
	APIKey string `yaml:"apiKey,omitempty"`

	// APIKeyFile is the path to a file containing the API key
	APIKeyFile string `yaml:"apiKeyFile,omitempty"`

	// Strategy is one of primary, all or round_robin
	Strategy string `yaml:"strategy,omitempty"`

	// Datasets are the target collections, in priority order
	Datasets []DatasetConfig `yaml:"datasets"`

	RequestTimeout       time.Duration `yaml:"requestTimeout,omitempty"`
	RateLimit            float64       `yaml:"rateLimit,omitempty"`
	RateBurst            int           `yaml:"rateBurst,omitempty"`
	AvailabilityTTL      time.Duration `yaml:"availabilityTTL,omitempty"`
	MaxConsecutiveErrors int           `yaml:"maxConsecutiveErrors,omitempty"`

	// DocLanguage is sent with created documents
	DocLanguage string `yaml:"docLanguage,omitempty"`
}

// DatasetConfig is one target collection
type DatasetConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name,omitempty"`
	Disabled bool   `yaml:"disabled,omitempty"`
}

// StateConfig defines where the sync state is kept
type StateConfig struct {
	Path            string        `yaml:"path,omitempty"`
	TempMaxAge      time.Duration `yaml:"tempMaxAge,omitempty"`
	JanitorInterval time.Duration `yaml:"janitorInterval,omitempty"`
}

// SyncConfig defines what is synced and when
type SyncConfig struct {
	// Feed is the JSON Lines document feed
	Feed string `yaml:"feed"`

	// Interval between background runs in serve mode; empty disables periodic runs
	Interval time.Duration `yaml:"interval,omitempty"`

	// Watch triggers a run whenever the feed file changes (serve mode)
	Watch bool `yaml:"watch,omitempty"`

	// CommitPolicy is "any" (default) or "all"
	CommitPolicy string `yaml:"commitPolicy,omitempty"`

	Include []string `yaml:"include,omitempty"`
	Exclude []string `yaml:"exclude,omitempty"`

	StatusFile    string        `yaml:"statusFile,omitempty"`
	RunTimeout    time.Duration `yaml:"runTimeout,omitempty"`
	ShutdownGrace time.Duration `yaml:"shutdownGrace,omitempty"`
}

// LoggingConfig defines log output
type LoggingConfig struct {
	Level string `yaml:"level,omitempty"`

	// File enables a rotated log file in addition to stderr
	File       string `yaml:"file,omitempty"`
	MaxSizeMB  int    `yaml:"maxSizeMB,omitempty"`
	MaxBackups int    `yaml:"maxBackups,omitempty"`
	MaxAgeDays int    `yaml:"maxAgeDays,omitempty"`
}

// ServerConfig defines the status API listener
type ServerConfig struct {
	Address string `yaml:"address,omitempty"`
}

// LoadConfig loads configuration from an optional YAML file, applies
// environment overrides and validates the result
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	var config Config
	if loaderCfg.path != "" {
		// Read the entire file into memory
		data, err := os.ReadFile(loaderCfg.path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}

	if loaderCfg.env != nil {
		config.applyEnv(loaderCfg.env)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// GetAPIKey returns the API key, reading APIKeyFile when set.
// The key from file will have leading/trailing whitespace trimmed.
func (t *TargetsConfig) GetAPIKey() (string, error) {
	if t.APIKeyFile != "" {
		cleanPath := filepath.Clean(t.APIKeyFile)

		data, err := os.ReadFile(cleanPath)
		if err != nil {
			return "", fmt.Errorf("failed to read API key from file %s: %w", t.APIKeyFile, err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	if t.APIKey != "" {
		return t.APIKey, nil
	}
	return "", &ValidationError{
		Field:   "targets.apiKey",
		Message: "no API key configured",
		Suggestions: []string{
			"set KBSYNC_API_KEY (or DIFY_API_KEY)",
			"or set targets.apiKeyFile to a file containing the key",
		},
	}
}

// GetStrategy returns the target strategy, using primary if not specified
func (t *TargetsConfig) GetStrategy() string {
	if t.Strategy == "" {
		return StrategyPrimary
	}
	return normalizeStrategy(t.Strategy)
}

// GetRequestTimeout returns the per-request timeout
func (t *TargetsConfig) GetRequestTimeout() time.Duration {
	if t.RequestTimeout <= 0 {
		return defaultRequestTimeout
	}
	return t.RequestTimeout
}

// GetAvailabilityTTL returns how long a successful probe stays valid
func (t *TargetsConfig) GetAvailabilityTTL() time.Duration {
	if t.AvailabilityTTL <= 0 {
		return defaultAvailabilityTTL
	}
	return t.AvailabilityTTL
}

// GetMaxConsecutiveErrors returns the error count that forces a re-probe
func (t *TargetsConfig) GetMaxConsecutiveErrors() int {
	if t.MaxConsecutiveErrors <= 0 {
		return defaultMaxConsecutiveErrors
	}
	return t.MaxConsecutiveErrors
}

// GetPath returns the state file path
func (s *StateConfig) GetPath() string {
	if s.Path == "" {
		return defaultStatePath
	}
	return s.Path
}

// GetCommitPolicy returns the commit policy, using "any" if not specified
func (s *SyncConfig) GetCommitPolicy() string {
	if s.CommitPolicy == "" {
		return CommitPolicyAny
	}
	return strings.ToLower(s.CommitPolicy)
}

// GetStatusFile returns the status file path
func (s *SyncConfig) GetStatusFile() string {
	if s.StatusFile == "" {
		return defaultStatusFile
	}
	return s.StatusFile
}

// GetShutdownGrace returns how long an in-flight document may finish after cancellation
func (s *SyncConfig) GetShutdownGrace() time.Duration {
	if s.ShutdownGrace <= 0 {
		return defaultShutdownGrace
	}
	return s.ShutdownGrace
}

// GetServerAddress returns the status API listen address
func (c *Config) GetServerAddress() string {
	if c.Server == nil || c.Server.Address == "" {
		return defaultServerAddress
	}
	return c.Server.Address
}

// GetLogging returns the logging configuration, never nil
func (c *Config) GetLogging() *LoggingConfig {
	if c.Logging == nil {
		return &LoggingConfig{}
	}
	return c.Logging
}

func normalizeStrategy(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "roundrobin", "round-robin":
		return StrategyRoundRobin
	default:
		return s
	}
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	var errs []error

	if len(c.Targets.Datasets) == 0 {
		errs = append(errs, &ValidationError{
			Field:   "targets.datasets",
			Message: "at least one dataset must be configured",
			Suggestions: []string{
				"add datasets under targets.datasets",
				"or set KBSYNC_DATASET_IDS (or DIFY_KNOWLEDGE_BASE_ID) to a comma separated list",
			},
		})
	}

	seen := make(map[string]bool)
	for i, ds := range c.Targets.Datasets {
		if strings.TrimSpace(ds.ID) == "" {
			errs = append(errs, &ValidationError{
				Field:   fmt.Sprintf("targets.datasets[%d].id", i),
				Message: "id is required",
			})
			continue
		}
		if seen[ds.ID] {
			errs = append(errs, &ValidationError{
				Field:   fmt.Sprintf("targets.datasets[%d].id", i),
				Message: fmt.Sprintf("duplicate dataset id '%s'", ds.ID),
			})
		}
		seen[ds.ID] = true
	}

	if c.Targets.APIKey == "" && c.Targets.APIKeyFile == "" {
		errs = append(errs, &ValidationError{
			Field:   "targets.apiKey",
			Message: "no API key configured",
			Suggestions: []string{
				"set KBSYNC_API_KEY (or DIFY_API_KEY)",
				"or set targets.apiKeyFile to a file containing the key",
			},
		})
	}

	switch c.Targets.GetStrategy() {
	case StrategyPrimary, StrategyAll, StrategyRoundRobin:
	default:
		errs = append(errs, &ValidationError{
			Field:       "targets.strategy",
			Message:     fmt.Sprintf("unknown strategy '%s'", c.Targets.Strategy),
			Suggestions: []string{"use one of: primary, all, round_robin"},
		})
	}

	if c.Targets.RateLimit < 0 {
		errs = append(errs, &ValidationError{
			Field:   "targets.rateLimit",
			Message: "must not be negative",
		})
	}

	switch c.Sync.GetCommitPolicy() {
	case CommitPolicyAny, CommitPolicyAll:
	default:
		errs = append(errs, &ValidationError{
			Field:       "sync.commitPolicy",
			Message:     fmt.Sprintf("unknown commit policy '%s'", c.Sync.CommitPolicy),
			Suggestions: []string{"use 'any' or 'all'"},
		})
	}

	if c.Sync.Interval < 0 {
		errs = append(errs, &ValidationError{Field: "sync.interval", Message: "must not be negative"})
	}

	if c.Retry != nil {
		if err := c.Retry.Validate(); err != nil {
			errs = append(errs, &ValidationError{Field: "retry", Message: err.Error()})
		}
	}

	if c.Telemetry != nil {
		if err := c.Telemetry.Validate(); err != nil {
			errs = append(errs, &ValidationError{Field: "telemetry", Message: err.Error()})
		}
	}

	return errors.Join(errs...)
}

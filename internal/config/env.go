package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Env looks up override values by key
type Env interface {
	GetString(key string) string
	IsSet(key string) bool
}

// Environment keys understood by NewEnv
const (
	EnvAPIKey     = "api_key"
	EnvBaseURL    = "base_url"
	EnvDatasetIDs = "dataset_ids"
	EnvStrategy   = "strategy"
	EnvFeed       = "feed"
	EnvStatePath  = "state_path"
	EnvLogLevel   = "log_level"
)

// NewEnv returns a viper instance bound to the KBSYNC_* variables, with the
// legacy Dify variable names as fallbacks
func NewEnv() *viper.Viper {
	v := viper.New()
	_ = v.BindEnv(EnvAPIKey, "KBSYNC_API_KEY", "DIFY_API_KEY")
	_ = v.BindEnv(EnvBaseURL, "KBSYNC_BASE_URL", "DIFY_API_BASE_URL")
	_ = v.BindEnv(EnvDatasetIDs, "KBSYNC_DATASET_IDS", "DIFY_KNOWLEDGE_BASE_ID")
	_ = v.BindEnv(EnvStrategy, "KBSYNC_STRATEGY", "KB_STRATEGY")
	_ = v.BindEnv(EnvFeed, "KBSYNC_FEED")
	_ = v.BindEnv(EnvStatePath, "KBSYNC_STATE_PATH")
	_ = v.BindEnv(EnvLogLevel, "KBSYNC_LOG_LEVEL", "LOG_LEVEL")
	return v
}

// applyEnv overrides file values with set environment values
func (c *Config) applyEnv(env Env) {
	if v := env.GetString(EnvAPIKey); v != "" {
		c.Targets.APIKey = v
		c.Targets.APIKeyFile = ""
	}
	if v := env.GetString(EnvBaseURL); v != "" {
		c.Targets.BaseURL = v
	}
	if v := env.GetString(EnvStrategy); v != "" {
		c.Targets.Strategy = v
	}
	if v := env.GetString(EnvFeed); v != "" {
		c.Sync.Feed = v
	}
	if v := env.GetString(EnvStatePath); v != "" {
		c.State.Path = v
	}
	if v := env.GetString(EnvLogLevel); v != "" {
		if c.Logging == nil {
			c.Logging = &LoggingConfig{}
		}
		c.Logging.Level = v
	}
	if v := env.GetString(EnvDatasetIDs); v != "" {
		c.Targets.Datasets = mergeDatasets(c.Targets.Datasets, splitList(v))
	}
}

// mergeDatasets keeps the configured order of ids and the names of known ones
func mergeDatasets(existing []DatasetConfig, ids []string) []DatasetConfig {
	known := make(map[string]DatasetConfig, len(existing))
	for _, ds := range existing {
		known[ds.ID] = ds
	}
	out := make([]DatasetConfig, 0, len(ids))
	for _, id := range ids {
		if ds, ok := known[id]; ok {
			out = append(out, ds)
			continue
		}
		out = append(out, DatasetConfig{ID: id})
	}
	return out
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Workspace string         `json:"workspace" env:"RECOLLECT_WORKSPACE"`
	Debug     bool           `json:"debug" env:"RECOLLECT_DEBUG"`
	Provider  ProviderConfig `json:"provider"`
	Persona   PersonaConfig  `json:"persona"`
	Project   ProjectConfig  `json:"project"`
	Memory    MemoryConfig   `json:"memory"`
}

type ProviderConfig struct {
	APIKey  string `json:"api_key" env:"RECOLLECT_PROVIDER_API_KEY"`
	APIBase string `json:"api_base" env:"RECOLLECT_PROVIDER_API_BASE"`
	Model   string `json:"model" env:"RECOLLECT_PROVIDER_MODEL"`
	Proxy   string `json:"proxy,omitempty" env:"RECOLLECT_PROVIDER_PROXY"`
}

type PersonaConfig struct {
	ID       string `json:"id" env:"RECOLLECT_PERSONA_ID"`
	Name     string `json:"name" env:"RECOLLECT_PERSONA_NAME"`
	Behavior string `json:"behavior" env:"RECOLLECT_PERSONA_BEHAVIOR"`
}

type ProjectConfig struct {
	ID    string   `json:"id" env:"RECOLLECT_PROJECT_ID"`
	Name  string   `json:"name" env:"RECOLLECT_PROJECT_NAME"`
	Facts []string `json:"facts"`
}

type MemoryConfig struct {
	RecentWindow          int    `json:"recent_window" env:"RECOLLECT_MEMORY_RECENT_WINDOW"`
	SummaryThreshold      int    `json:"summary_threshold" env:"RECOLLECT_MEMORY_SUMMARY_THRESHOLD"`
	SummaryKeepRecent     int    `json:"summary_keep_recent" env:"RECOLLECT_MEMORY_SUMMARY_KEEP_RECENT"`
	MediumTermCapacity    int    `json:"medium_term_capacity" env:"RECOLLECT_MEMORY_MEDIUM_TERM_CAPACITY"`
	EpisodeThreshold      int    `json:"episode_threshold" env:"RECOLLECT_MEMORY_EPISODE_THRESHOLD"`
	EpisodeRecall         int    `json:"episode_recall" env:"RECOLLECT_MEMORY_EPISODE_RECALL"`
	FactRecall            int    `json:"fact_recall" env:"RECOLLECT_MEMORY_FACT_RECALL"`
	ContextTokenBudget    int    `json:"context_token_budget" env:"RECOLLECT_MEMORY_CONTEXT_TOKEN_BUDGET"`
	ContextCacheSeconds   int    `json:"context_cache_seconds" env:"RECOLLECT_MEMORY_CONTEXT_CACHE_SECONDS"`
	WorkerPollMS          int    `json:"worker_poll_ms" env:"RECOLLECT_MEMORY_WORKER_POLL_MS"`
	WorkerLeaseSeconds    int    `json:"worker_lease_seconds" env:"RECOLLECT_MEMORY_WORKER_LEASE_SECONDS"`
	RetryBackoffSeconds   int    `json:"retry_backoff_seconds" env:"RECOLLECT_MEMORY_RETRY_BACKOFF_SECONDS"`
	SweepSchedule         string `json:"sweep_schedule" env:"RECOLLECT_MEMORY_SWEEP_SCHEDULE"`
}

func DefaultConfig() *Config {
	return &Config{
		Workspace: "~/.recollect",
		Provider: ProviderConfig{
			APIBase: "https://openrouter.ai/api/v1",
			Model:   "openai/gpt-5.2",
		},
		Persona: PersonaConfig{
			ID:   "companion",
			Name: "Companion",
		},
		Memory: MemoryConfig{
			RecentWindow:        50,
			SummaryThreshold:    20,
			SummaryKeepRecent:   10,
			MediumTermCapacity:  30,
			EpisodeThreshold:    15,
			EpisodeRecall:       3,
			FactRecall:          10,
			ContextTokenBudget:  3072,
			ContextCacheSeconds: 30,
			WorkerPollMS:        800,
			WorkerLeaseSeconds:  45,
			RetryBackoffSeconds: 30,
			SweepSchedule:       "0 * * * *",
		},
	}
}

// LoadConfig reads path, layering file values over defaults and environment
// variables over both. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := env.Parse(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// WorkspacePath returns the workspace with a leading ~ expanded.
func (c *Config) WorkspacePath() string {
	return expandHome(c.Workspace)
}

// DBPath locates the sqlite database inside the workspace.
func (c *Config) DBPath() string {
	return filepath.Join(c.WorkspacePath(), "state", "memory.db")
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}

// Package config handles roost configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./roost.yaml, ~/.config/roost/roost.yaml, /etc/roost/roost.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"roost.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "roost", "roost.yaml"))
	}

	paths = append(paths, "/etc/roost/roost.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all roost configuration.
type Config struct {
	Model    ModelConfig   `yaml:"model"`
	Session  SessionConfig `yaml:"session"`
	Backlog  BacklogConfig `yaml:"backlog"`
	Search   SearchConfig  `yaml:"search"`
	DataDir  string        `yaml:"data_dir"`
	LogLevel string        `yaml:"log_level"`
}

// ModelConfig defines the model service endpoint and request shaping.
type ModelConfig struct {
	BaseURL     string  `yaml:"base_url"`
	Name        string  `yaml:"name"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	// TimeoutSec is the per-request timeout in seconds (default 60).
	TimeoutSec int `yaml:"timeout_sec"`
	// MaxAttempts bounds retries for overload-class failures (default 3).
	MaxAttempts int `yaml:"max_attempts"`
}

// SessionConfig defines per-channel conversation lifecycle policy.
type SessionConfig struct {
	// StaleAfterMin is the inactivity window in minutes before a
	// session is reset on the next question (default 120).
	StaleAfterMin int `yaml:"stale_after_min"`
	// MaxTurns triggers summarization when memory grows past it (default 40).
	MaxTurns int `yaml:"max_turns"`
	// KeepTurns is how many recent turns survive summarization (default 16).
	KeepTurns int `yaml:"keep_turns"`
	// RawFeedLimit is how many recent channel messages are injected when
	// a session has no memory (default 25).
	RawFeedLimit int `yaml:"raw_feed_limit"`
	// ToolLoopCap bounds tool-call iterations per exchange (default 5).
	ToolLoopCap int `yaml:"tool_loop_cap"`
}

// StaleThreshold returns the staleness window as a duration.
func (s SessionConfig) StaleThreshold() time.Duration {
	return time.Duration(s.StaleAfterMin) * time.Minute
}

// BacklogConfig defines the file-backed backlog store.
type BacklogConfig struct {
	Dir string `yaml:"dir"`
	// MaxOpen caps simultaneously open items (default 10).
	MaxOpen int `yaml:"max_open"`
}

// SearchConfig defines optional web search backends.
type SearchConfig struct {
	SearXNG SearXNGConfig `yaml:"searxng"`
}

// SearXNGConfig holds the SearXNG instance URL. Empty disables web search.
type SearXNGConfig struct {
	URL string `yaml:"url"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Model.BaseURL == "" {
		c.Model.BaseURL = "http://localhost:8080"
	}
	if c.Model.Temperature == 0 {
		c.Model.Temperature = 0.7
	}
	if c.Model.MaxTokens <= 0 {
		c.Model.MaxTokens = 512
	}
	if c.Model.TimeoutSec <= 0 {
		c.Model.TimeoutSec = 60
	}
	if c.Model.MaxAttempts <= 0 {
		c.Model.MaxAttempts = 3
	}
	if c.Session.StaleAfterMin <= 0 {
		c.Session.StaleAfterMin = 120
	}
	if c.Session.MaxTurns <= 0 {
		c.Session.MaxTurns = 40
	}
	if c.Session.KeepTurns <= 0 {
		c.Session.KeepTurns = 16
	}
	if c.Session.RawFeedLimit <= 0 {
		c.Session.RawFeedLimit = 25
	}
	if c.Session.ToolLoopCap <= 0 {
		c.Session.ToolLoopCap = 5
	}
	if c.Backlog.MaxOpen <= 0 {
		c.Backlog.MaxOpen = 10
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.Backlog.Dir == "" {
		c.Backlog.Dir = filepath.Join(c.DataDir, "backlog")
	}
}

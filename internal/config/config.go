// Package config handles Reeve configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/reeve/config.yaml, /etc/reeve/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "reeve", "config.yaml"))
	}

	paths = append(paths, "/etc/reeve/config.yaml")
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

// Config holds all Reeve configuration.
type Config struct {
	Listen      ListenConfig      `yaml:"listen"`
	Models      ModelsConfig      `yaml:"models"`
	Anthropic   AnthropicConfig   `yaml:"anthropic"`
	Engine      EngineConfig      `yaml:"engine"`
	Summarizer  SummarizerConfig  `yaml:"summarizer"`
	Checkpoints CheckpointsConfig `yaml:"checkpoints"`
	Workspace   WorkspaceConfig   `yaml:"workspace"`
	Approval    ApprovalConfig    `yaml:"approval"`
	LogLevel    string            `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ModelsConfig defines model selection settings.
type ModelsConfig struct {
	// Default is the model used when a run does not name one.
	Default string `yaml:"default"`
	// Provider selects the client: "anthropic" or "ollama".
	Provider  string `yaml:"provider"`
	OllamaURL string `yaml:"ollama_url"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey    string `yaml:"api_key"`
	MaxTokens int    `yaml:"max_tokens"`
}

// EngineConfig defines step loop settings.
type EngineConfig struct {
	MaxSteps      int `yaml:"max_steps"`
	SubagentDepth int `yaml:"subagent_depth"`
	EventBuffer   int `yaml:"event_buffer"`
	// EvictionTokenLimit is the tool-result size threshold in estimated
	// tokens. Zero selects the default; negative disables eviction.
	EvictionTokenLimit int `yaml:"eviction_token_limit"`
}

// SummarizerConfig defines context compaction settings.
type SummarizerConfig struct {
	Enabled     bool   `yaml:"enabled"`
	TokenBudget int    `yaml:"token_budget"`
	KeepRecent  int    `yaml:"keep_recent"`
	Model       string `yaml:"model"` // defaults to models.default
}

// CheckpointsConfig defines thread persistence settings.
type CheckpointsConfig struct {
	// Store selects the variant: "memory", "file", or "sqlite".
	Store string `yaml:"store"`
	// Dir is the checkpoint directory for the file store.
	Dir string `yaml:"dir"`
	// Path is the database file for the sqlite store.
	Path string `yaml:"path"`
	// Namespace partitions threads within a shared store.
	Namespace string `yaml:"namespace"`
}

// WorkspaceConfig defines the filesystem the agent operates on.
type WorkspaceConfig struct {
	// Backend selects the default variant: "state" (in-memory, per
	// run), "dir" (host directory), or "exec" (local sandbox).
	Backend string `yaml:"backend"`
	// Path is the root directory for the dir and exec variants.
	Path string `yaml:"path"`
	// Routes mount additional backends under path prefixes; the
	// longest matching prefix wins.
	Routes []RouteConfig `yaml:"routes"`
}

// RouteConfig mounts one backend under a path prefix.
type RouteConfig struct {
	Prefix  string `yaml:"prefix"`
	Backend string `yaml:"backend"` // "dir" or "exec"
	Path    string `yaml:"path"`
}

// ApprovalConfig defines which tool calls require an external decision.
type ApprovalConfig struct {
	// GatedTools always require approval before executing.
	GatedTools []string `yaml:"gated_tools"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Models: ModelsConfig{
			Default:   "claude-sonnet-4-20250514",
			Provider:  "anthropic",
			OllamaURL: "http://localhost:11434",
		},
		Checkpoints: CheckpointsConfig{
			Store:     "memory",
			Namespace: "reeve",
		},
		Workspace: WorkspaceConfig{
			Backend: "state",
		},
	}
}

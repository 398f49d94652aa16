// Package config loads and persists the engine configuration.
package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds the chat engine configuration
type Config struct {
	// Data directory, ~/.everchat by default
	DataDir string `yaml:"data_dir"`

	// Active model
	Model ModelConfig `yaml:"model"`

	// Semantic memory settings
	Memory MemoryConfig `yaml:"memory"`

	// Storage backend selection
	Storage StorageConfig `yaml:"storage"`

	// SystemPrompt is prepended to every conversation
	SystemPrompt string `yaml:"system_prompt,omitempty"`

	// Budgets overrides the assembler's fixed allocations; zero fields
	// keep their defaults
	Budgets BudgetsConfig `yaml:"budgets,omitempty"`

	// StallTimeoutSeconds bounds each stream read (default: 30)
	StallTimeoutSeconds int `yaml:"stall_timeout_seconds"`

	// RequestTimeoutSeconds bounds the whole request (default: 300)
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
}

// ModelConfig identifies the chat model endpoint
type ModelConfig struct {
	BaseURL string  `yaml:"base_url"`
	APIKey  string  `yaml:"api_key,omitempty"` // supports ${ENV_VAR} expansion
	ID      string  `yaml:"id"`
	Vision  bool    `yaml:"vision,omitempty"`
	Temp    float64 `yaml:"temperature,omitempty"`
	Max     int     `yaml:"max_tokens,omitempty"`
	TopP    float64 `yaml:"top_p,omitempty"`
}

// MemoryConfig controls the embedding provider
type MemoryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider"` // "openai" or "ollama"
	Model    string `yaml:"model,omitempty"`
	BaseURL  string `yaml:"base_url,omitempty"`
	APIKey   string `yaml:"api_key,omitempty"`
}

// BudgetsConfig carries per-source token allocation overrides
type BudgetsConfig struct {
	SystemPromptCap int `yaml:"system_prompt_cap,omitempty"`
	SummaryCap      int `yaml:"summary_cap,omitempty"`
	RetrievalBudget int `yaml:"retrieval_budget,omitempty"`
	RecentBudget    int `yaml:"recent_budget,omitempty"`
	RecentWindow    int `yaml:"recent_window,omitempty"` // messages
}

// StorageConfig selects and locates the storage backend
type StorageConfig struct {
	Backend string `yaml:"backend"` // "sqlite" or "directory"
	Dir     string `yaml:"dir,omitempty"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		DataDir: DefaultDataDir(),
		Model: ModelConfig{
			BaseURL: "http://localhost:11434",
			ID:      "llama3.2",
		},
		Memory: MemoryConfig{
			Enabled:  true,
			Provider: "ollama",
			BaseURL:  "http://localhost:11434",
		},
		Storage: StorageConfig{
			Backend: "sqlite",
		},
		StallTimeoutSeconds:   30,
		RequestTimeoutSeconds: 300,
	}
}

// DefaultDataDir returns the default data directory (~/.everchat)
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".everchat"
	}
	return filepath.Join(home, ".everchat")
}

// Load loads config from ~/.everchat/config.yaml, falling back to
// defaults when the file does not exist
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := filepath.Join(cfg.DataDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.expandEnv()
	return cfg, nil
}

// LoadFrom loads config from a specific path
func LoadFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.expandEnv()
	return cfg, nil
}

func (c *Config) expandEnv() {
	c.Model.APIKey = os.ExpandEnv(c.Model.APIKey)
	c.Memory.APIKey = os.ExpandEnv(c.Memory.APIKey)
}

// Save saves the config to ~/.everchat/config.yaml
func (c *Config) Save() error {
	if err := os.MkdirAll(c.DataDir, 0700); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	configPath := filepath.Join(c.DataDir, "config.yaml")
	return os.WriteFile(configPath, data, 0600)
}

// DBPath returns the path to the SQLite database
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "data", "everchat.db")
}

// StorageDir returns the directory-backend root
func (c *Config) StorageDir() string {
	if c.Storage.Dir != "" {
		return c.Storage.Dir
	}
	return filepath.Join(c.DataDir, "records")
}

// EnsureDataDir creates the data directory if it doesn't exist
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(filepath.Join(c.DataDir, "data"), 0700)
}

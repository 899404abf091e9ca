package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const (
	BackendCompletions = "completions"
	BackendOllama      = "ollama"
)

type Config struct {
	Server ServerConfig `toml:"server"`
	Model  ModelConfig  `toml:"model"`
	Trace  TraceConfig  `toml:"trace"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
	// Eager loads the backend at startup instead of on the first request.
	Eager bool `toml:"eager"`
}

type ModelConfig struct {
	Backend    string `toml:"backend"`
	Name       string `toml:"name"`
	ServedName string `toml:"served_name"`
	BaseURL    string `toml:"base_url"`
	APIKey     string `toml:"api_key"`
	// Vocab is the path to the model's qwen.tiktoken file. Token counts fall
	// back to the Encoding vocabulary when it is empty.
	Vocab    string `toml:"vocab"`
	Encoding string `toml:"encoding"`
}

// ID is the model id reported to clients.
func (m ModelConfig) ID() string {
	if m.ServedName != "" {
		return m.ServedName
	}
	return m.Name
}

type TraceConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"`
	URLPath  string `toml:"url_path"`
	APIKey   string `toml:"api_key"`
}

// Load reads defaults, then the TOML file at path (or the default location
// when path is empty), then environment overrides. A missing default file
// is not an error; a missing explicit file is.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Addr: ":8000",
		},
		Model: ModelConfig{
			Backend:  BackendCompletions,
			Name:     "Qwen/Qwen-1_8B-Chat",
			BaseURL:  "http://localhost:8080/v1",
			Encoding: "cl100k_base",
		},
	}

	explicit := path != ""
	if !explicit {
		path = configPath()
	}
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", path, err)
		}
	} else if explicit {
		return nil, err
	}

	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	for env, dst := range map[string]*string{
		"OLLM_ADDR":     &cfg.Server.Addr,
		"OLLM_BACKEND":  &cfg.Model.Backend,
		"OLLM_MODEL":    &cfg.Model.Name,
		"OLLM_BASE_URL": &cfg.Model.BaseURL,
		"OLLM_API_KEY":  &cfg.Model.APIKey,
		"OLLM_ENCODING": &cfg.Model.Encoding,
		"OLLM_VOCAB":    &cfg.Model.Vocab,
	} {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
}

func (c *Config) validate() error {
	switch c.Model.Backend {
	case BackendCompletions, BackendOllama:
	default:
		return fmt.Errorf("unknown model backend %q", c.Model.Backend)
	}
	if c.Model.Name == "" {
		return fmt.Errorf("model name is required")
	}
	return nil
}

func configPath() string {
	dir, _ := os.UserConfigDir()
	return filepath.Join(dir, "ollm", "config.toml")
}

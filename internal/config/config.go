// Package config loads settings from a JSON config file at
// $XDG_CONFIG_HOME/llamabatch/config.json, with LLAMABATCH_*
// environment variables overriding file values. Secrets are
// environment-only and never written to the file.
package config

import (
	"os"
	"path/filepath"
)

type Config struct {
	Hub     HubConfig
	Cache   CacheConfig
	Engine  EngineConfig
	Server  ServerConfig
	Storage StorageConfig
	Log     LogConfig
}

type HubConfig struct {
	BaseURL string
	Token   string
}

type CacheConfig struct {
	// Dir is the cache root. Empty selects the per-user default
	// under os.UserCacheDir.
	Dir string
}

type EngineConfig struct {
	Binary string
}

type ServerConfig struct {
	Port  int
	Token string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Hub: HubConfig{
			BaseURL: "https://huggingface.co",
		},
		Engine: EngineConfig{
			Binary: "llama-cli",
		},
		Server: ServerConfig{
			Port: 4800,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the config file and applies environment
// overrides. A missing file is not an error; defaults apply.
//
// The hub token additionally falls back to HF_TOKEN, the variable the
// Hugging Face tooling ecosystem already uses.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b backend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Hub.Token == "" {
		cfg.Hub.Token = os.Getenv("HF_TOKEN")
	}

	return cfg, nil
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "llamabatch-data"
		}
	}
	return filepath.Join(dir, "llamabatch")
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "llamabatch", "config.json")
}

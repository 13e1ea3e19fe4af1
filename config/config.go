package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"copilotd/logger"
)

const (
	configFileName = "config.toml"
	// EnvConfigDir overrides the directory holding config.toml
	EnvConfigDir = "COPILOTD_CONFIG_DIR"
	// EnvConfigJSON holds a JSON document applied on top of the file
	EnvConfigJSON = "COPILOTD_CONFIG"
)

// DefaultURL is the Copilot completions endpoint
const DefaultURL = "https://copilot-proxy.githubusercontent.com/v1/engines/copilot-codex/completions"

type Config struct {
	Server     ServerConfig     `toml:"server" json:"server"`
	Completion CompletionConfig `toml:"completion" json:"completion"`
	Cache      CacheConfig      `toml:"cache" json:"cache"`
	Auth       AuthConfig       `toml:"auth" json:"auth"`
	Editor     EditorConfig     `toml:"editor" json:"editor"`
	Telemetry  TelemetryConfig  `toml:"telemetry" json:"telemetry"`
}

type ServerConfig struct {
	LogLevel            string `toml:"log_level" json:"log_level"` // trace, debug, info, warn, error
	LogMaxLines         int    `toml:"log_max_lines" json:"log_max_lines"`
	DataDir             string `toml:"data_dir" json:"data_dir"`
	IdleShutdownSeconds int    `toml:"idle_shutdown_seconds" json:"idle_shutdown_seconds"`
}

type CompletionConfig struct {
	URL             string   `toml:"url" json:"url"`
	MaxTokens       int      `toml:"max_tokens" json:"max_tokens"`
	Temperature     float64  `toml:"temperature" json:"temperature"`
	TopP            float64  `toml:"top_p" json:"top_p"`
	N               int      `toml:"n" json:"n"`
	Stop            []string `toml:"stop" json:"stop"`
	NWO             string   `toml:"nwo" json:"nwo"`
	TimeoutMs       int      `toml:"timeout_ms" json:"timeout_ms"`
	DebounceMs      int      `toml:"debounce_ms" json:"debounce_ms"`
	PathPrefix      bool     `toml:"path_prefix" json:"path_prefix"`
	Compress        bool     `toml:"compress" json:"compress"`
	MaxPromptTokens int      `toml:"max_prompt_tokens" json:"max_prompt_tokens"`
	MaxSuffixTokens int      `toml:"max_suffix_tokens" json:"max_suffix_tokens"`
}

type CacheConfig struct {
	TTLSeconds   int    `toml:"ttl_seconds" json:"ttl_seconds"`
	MaxLines     int    `toml:"max_lines" json:"max_lines"`
	Invalidation string `toml:"invalidation" json:"invalidation"` // document or lines
}

type AuthConfig struct {
	Token        string `toml:"token" json:"token"`
	TokenEnv     string `toml:"token_env" json:"token_env"`
	Organization string `toml:"organization" json:"organization"`
}

type EditorConfig struct {
	Version       string `toml:"version" json:"version"`
	PluginVersion string `toml:"plugin_version" json:"plugin_version"`
	Intent        string `toml:"intent" json:"intent"`
}

type TelemetryConfig struct {
	Metrics   bool `toml:"metrics" json:"metrics"`
	Traces    bool `toml:"traces" json:"traces"`
	Propagate bool `toml:"propagate" json:"propagate"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		Server: ServerConfig{
			LogLevel:            "info",
			LogMaxLines:         logger.DefaultMaxLines,
			IdleShutdownSeconds: 30,
		},
		Completion: CompletionConfig{
			URL:             DefaultURL,
			MaxTokens:       500,
			Temperature:     1.0,
			TopP:            1.0,
			N:               3,
			Stop:            []string{"\n\n\n"},
			NWO:             "my_org/my_repo",
			TimeoutMs:       1000,
			DebounceMs:      0,
			PathPrefix:      true,
			MaxPromptTokens: 1500,
			MaxSuffixTokens: 500,
		},
		Cache: CacheConfig{
			TTLSeconds:   300,
			MaxLines:     256,
			Invalidation: "document",
		},
		Auth: AuthConfig{
			TokenEnv:     "COPILOTD_TOKEN",
			Organization: "github-copilot",
		},
		Editor: EditorConfig{
			Version:       "Neovim/0.10.0",
			PluginVersion: "copilotd/0.1.0",
			Intent:        "copilot-ghost",
		},
	}
}

// Dir resolves the config directory.
// Resolution order: $COPILOTD_CONFIG_DIR > $XDG_CONFIG_HOME/copilotd > ~/.config/copilotd
func Dir() (string, error) {
	if dir := strings.TrimSpace(os.Getenv(EnvConfigDir)); dir != "" {
		return filepath.Clean(dir), nil
	}
	if base := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); base != "" {
		return filepath.Join(base, "copilotd"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".config", "copilotd"), nil
}

// Path returns the default config file path
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configFileName), nil
}

// Load builds the configuration: defaults, then the TOML file at path (the
// default path when empty; a missing default file is not an error), then the
// JSON overlay from $COPILOTD_CONFIG. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		p, err := Path()
		if err != nil {
			return cfg, err
		}
		path = p
	}

	if err := cfg.loadFile(path); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return cfg, err
		}
	}

	if raw := strings.TrimSpace(os.Getenv(EnvConfigJSON)); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", EnvConfigJSON, err)
		}
	}

	if cfg.Server.DataDir == "" {
		if dir, err := Dir(); err == nil {
			cfg.Server.DataDir = dir
		}
	}

	return cfg, cfg.Validate()
}

func (c *Config) loadFile(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		var parseErr toml.ParseError
		if errors.As(err, &parseErr) {
			return fmt.Errorf("parse config %s: %s", path, parseErr.ErrorWithPosition())
		}
		return fmt.Errorf("read config: %w", err)
	}
	for _, key := range md.Undecoded() {
		logger.Warn("config: unknown key %s in %s", key.String(), path)
	}
	return nil
}

// Validate rejects values the pipeline cannot run with
func (c Config) Validate() error {
	var errs []error
	cc := c.Completion
	if cc.URL == "" {
		errs = append(errs, errors.New("completion.url is required"))
	}
	if cc.N < 1 {
		errs = append(errs, fmt.Errorf("completion.n must be at least 1, got %d", cc.N))
	}
	if cc.MaxTokens < 1 {
		errs = append(errs, fmt.Errorf("completion.max_tokens must be positive, got %d", cc.MaxTokens))
	}
	if cc.Temperature < 0 || cc.Temperature > 2 {
		errs = append(errs, fmt.Errorf("completion.temperature must be within [0, 2], got %g", cc.Temperature))
	}
	if cc.TopP <= 0 || cc.TopP > 1 {
		errs = append(errs, fmt.Errorf("completion.top_p must be within (0, 1], got %g", cc.TopP))
	}
	if cc.TimeoutMs < 1 {
		errs = append(errs, fmt.Errorf("completion.timeout_ms must be positive, got %d", cc.TimeoutMs))
	}
	if cc.DebounceMs < 0 {
		errs = append(errs, fmt.Errorf("completion.debounce_ms must not be negative, got %d", cc.DebounceMs))
	}
	switch c.Cache.Invalidation {
	case "document", "lines":
	default:
		errs = append(errs, fmt.Errorf("cache.invalidation must be \"document\" or \"lines\", got %q", c.Cache.Invalidation))
	}
	if c.Cache.MaxLines < 0 || c.Cache.TTLSeconds < 0 {
		errs = append(errs, errors.New("cache limits must not be negative"))
	}
	if c.Server.IdleShutdownSeconds < 0 {
		errs = append(errs, errors.New("server.idle_shutdown_seconds must not be negative"))
	}
	return errors.Join(errs...)
}

// Timeout is the wall-clock budget of one completion stream
func (c CompletionConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// Debounce is the quiet period before a request is sent
func (c CompletionConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceMs) * time.Millisecond
}

// TTL is how long a cached result stays usable
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// IdleShutdown is how long the daemon waits without clients before exiting
func (c ServerConfig) IdleShutdown() time.Duration {
	return time.Duration(c.IdleShutdownSeconds) * time.Second
}

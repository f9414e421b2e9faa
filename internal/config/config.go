// Package config loads opflow settings.
// Priority: OPFLOW_* env vars > settings file > defaults.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "OPFLOW_"

// Config holds all server and CLI configuration.
type Config struct {
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`
	DBDriver   string `json:"db_driver" yaml:"db_driver"` // libsql | sqlite
	DBPath     string `json:"db_path" yaml:"db_path"`
	LogLevel   string `json:"log_level" yaml:"log_level"`
	LogFormat  string `json:"log_format" yaml:"log_format"` // text | json

	PoolSize       int `json:"pool_size" yaml:"pool_size"`
	MaxStepsPerRun int `json:"max_steps_per_run" yaml:"max_steps_per_run"`
	MaxNestedDepth int `json:"max_nested_depth" yaml:"max_nested_depth"`

	WorkflowsDir  string `json:"workflows_dir" yaml:"workflows_dir"`
	WorkflowsGlob string `json:"workflows_glob" yaml:"workflows_glob"`

	BridgeSecret   string   `json:"bridge_secret" yaml:"bridge_secret"`
	BridgeIssuer   string   `json:"bridge_issuer" yaml:"bridge_issuer"`
	BridgeTokenTTL Duration `json:"bridge_token_ttl" yaml:"bridge_token_ttl"`
	BridgeRate     float64  `json:"bridge_rate" yaml:"bridge_rate"`
	BridgeBurst    int      `json:"bridge_burst" yaml:"bridge_burst"`

	RemoteBaseURL      string   `json:"remote_base_url" yaml:"remote_base_url"`
	RemoteRateLimit    float64  `json:"remote_rate_limit" yaml:"remote_rate_limit"`
	RemoteStartTimeout Duration `json:"remote_start_timeout" yaml:"remote_start_timeout"`
	CallbackURL        string   `json:"callback_url" yaml:"callback_url"`

	LLMBaseURL string `json:"llm_base_url" yaml:"llm_base_url"`
	LLMAPIKey  string `json:"llm_api_key" yaml:"llm_api_key"`
	LLMModel   string `json:"llm_model" yaml:"llm_model"`

	SweepSchedule string `json:"sweep_schedule" yaml:"sweep_schedule"`
	Tracing       string `json:"tracing" yaml:"tracing"` // none | stdout
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr:         ":4200",
		DBDriver:           "libsql",
		DBPath:             filepath.Join(Dir(), "opflow.db"),
		LogLevel:           "info",
		LogFormat:          "text",
		PoolSize:           10,
		MaxStepsPerRun:     10000,
		MaxNestedDepth:     10,
		WorkflowsDir:       filepath.Join(Dir(), "workflows"),
		WorkflowsGlob:      "**/*.{json,yaml,yml}",
		BridgeIssuer:       "opflow",
		BridgeTokenTTL:     Duration(24 * time.Hour),
		BridgeRate:         20,
		BridgeBurst:        40,
		RemoteRateLimit:    2,
		RemoteStartTimeout: Duration(5 * time.Minute),
		LLMModel:           "gpt-4o-mini",
		SweepSchedule:      "@every 1m",
		Tracing:            "none",
	}
}

// Dir is the per-user opflow directory.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".opflow"
	}
	return filepath.Join(home, ".opflow")
}

// SettingsPath returns the first settings file that exists, preferring
// settings.json, or the json path when none does.
func SettingsPath() string {
	for _, name := range []string{"settings.json", "settings.yaml", "settings.yml"} {
		p := filepath.Join(Dir(), name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return filepath.Join(Dir(), "settings.json")
}

// Load layers the settings file at path (skipped when missing) and the
// process environment over the defaults. An empty path means SettingsPath().
func Load(path string) (Config, error) {
	if path == "" {
		path = SettingsPath()
	}
	cfg := Default()
	if err := cfg.mergeFile(path); err != nil {
		return cfg, err
	}
	if err := cfg.mergeEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	if cfg.CallbackURL == "" {
		cfg.CallbackURL = "http://localhost" + cfg.ListenAddr
	}
	return cfg, cfg.Validate()
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read settings: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, c)
	default:
		err = json.Unmarshal(data, c)
	}
	if err != nil {
		return fmt.Errorf("parse settings %s: %w", path, err)
	}
	return nil
}

// mergeEnv applies OPFLOW_<KEY> overrides, where KEY is the upper-cased
// settings key. lookup is os.LookupEnv outside tests.
func (c *Config) mergeEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"listen_addr":     &c.ListenAddr,
		"db_driver":       &c.DBDriver,
		"db_path":         &c.DBPath,
		"log_level":       &c.LogLevel,
		"log_format":      &c.LogFormat,
		"workflows_dir":   &c.WorkflowsDir,
		"workflows_glob":  &c.WorkflowsGlob,
		"bridge_secret":   &c.BridgeSecret,
		"bridge_issuer":   &c.BridgeIssuer,
		"remote_base_url": &c.RemoteBaseURL,
		"callback_url":    &c.CallbackURL,
		"llm_base_url":    &c.LLMBaseURL,
		"llm_api_key":     &c.LLMAPIKey,
		"llm_model":       &c.LLMModel,
		"sweep_schedule":  &c.SweepSchedule,
		"tracing":         &c.Tracing,
	}
	ints := map[string]*int{
		"pool_size":         &c.PoolSize,
		"max_steps_per_run": &c.MaxStepsPerRun,
		"max_nested_depth":  &c.MaxNestedDepth,
		"bridge_burst":      &c.BridgeBurst,
	}
	floats := map[string]*float64{
		"bridge_rate":       &c.BridgeRate,
		"remote_rate_limit": &c.RemoteRateLimit,
	}
	durations := map[string]*Duration{
		"bridge_token_ttl":     &c.BridgeTokenTTL,
		"remote_start_timeout": &c.RemoteStartTimeout,
	}

	env := func(key string) (string, bool) {
		v, ok := lookup(EnvPrefix + strings.ToUpper(key))
		return v, ok && v != ""
	}
	for key, dst := range strs {
		if v, ok := env(key); ok {
			*dst = v
		}
	}
	for key, dst := range ints {
		if v, ok := env(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, strings.ToUpper(key), err)
			}
			*dst = n
		}
	}
	for key, dst := range floats {
		if v, ok := env(key); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, strings.ToUpper(key), err)
			}
			*dst = f
		}
	}
	for key, dst := range durations {
		if v, ok := env(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, strings.ToUpper(key), err)
			}
			*dst = Duration(d)
		}
	}
	return nil
}

// Validate rejects settings the server cannot start with.
func (c Config) Validate() error {
	var errs []error
	switch c.DBDriver {
	case "libsql", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("db_driver must be libsql or sqlite, got %q", c.DBDriver))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}
	switch c.Tracing {
	case "none", "stdout":
	default:
		errs = append(errs, fmt.Errorf("tracing must be none or stdout, got %q", c.Tracing))
	}
	if c.PoolSize <= 0 {
		errs = append(errs, errors.New("pool_size must be positive"))
	}
	if c.MaxStepsPerRun <= 0 {
		errs = append(errs, errors.New("max_steps_per_run must be positive"))
	}
	if c.MaxNestedDepth <= 0 {
		errs = append(errs, errors.New("max_nested_depth must be positive"))
	}
	return errors.Join(errs...)
}

// Diff lists the keys whose change needs a server restart.
func Diff(old, new Config) []string {
	var keys []string
	if old.ListenAddr != new.ListenAddr {
		keys = append(keys, "listen_addr")
	}
	if old.DBDriver != new.DBDriver || old.DBPath != new.DBPath {
		keys = append(keys, "db_path")
	}
	if old.PoolSize != new.PoolSize {
		keys = append(keys, "pool_size")
	}
	if old.BridgeSecret != new.BridgeSecret {
		keys = append(keys, "bridge_secret")
	}
	if old.BridgeIssuer != new.BridgeIssuer {
		keys = append(keys, "bridge_issuer")
	}
	return keys
}

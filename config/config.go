// Package config loads the interruptgraph configuration.
//
// Defaults come from Default, a YAML file overlays them and INTERRUPTGRAPH_*
// environment variables override both.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.yaml.in/yaml/v2"
)

// Duration is a time.Duration written as a string in YAML, e.g. "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full process configuration.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Store   StoreConfig   `yaml:"store"`
	Engine  EngineConfig  `yaml:"engine"`
	Model   ModelConfig   `yaml:"model"`
	Catalog CatalogConfig `yaml:"catalog"`
	Agent   AgentConfig   `yaml:"agent"`
	Enrich  EnrichConfig  `yaml:"enrich"`
	Events  EventsConfig  `yaml:"events"`
	Server  ServerConfig  `yaml:"server"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StoreConfig selects the checkpoint store.
type StoreConfig struct {
	// Driver is memory, sqlite, mysql or redis.
	Driver string `yaml:"driver"`

	// DSN is the sqlite path or the mysql data source name.
	DSN string `yaml:"dsn"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`

	// LockTTL enables the Redis lease for cross-process run serialization
	// when the driver is redis. Zero disables it.
	LockTTL Duration `yaml:"lock_ttl"`
}

// EngineConfig tunes the executor.
type EngineConfig struct {
	MaxSteps        int      `yaml:"max_steps"`
	ConflictRetries int      `yaml:"conflict_retries"`
	ConflictBackoff Duration `yaml:"conflict_backoff"`
	StepTimeout     Duration `yaml:"step_timeout"`
}

// ModelConfig selects the completion provider.
type ModelConfig struct {
	// Provider is anthropic, openai, google or mock.
	Provider string `yaml:"provider"`
	Name     string `yaml:"name"`
	APIKey   string `yaml:"api_key"`

	// MaxAttempts bounds retries of transient provider errors.
	MaxAttempts int `yaml:"max_attempts"`
}

// CatalogConfig selects the semantic catalog.
type CatalogConfig struct {
	// Kind is static (a YAML file at Path) or http (a service at URL).
	Kind    string   `yaml:"kind"`
	Path    string   `yaml:"path"`
	URL     string   `yaml:"url"`
	Token   string   `yaml:"token"`
	Timeout Duration `yaml:"timeout"`
}

// AgentConfig tunes the query assistant workflow.
type AgentConfig struct {
	ConfidenceThreshold float64  `yaml:"confidence_threshold"`
	StepTimeout         Duration `yaml:"step_timeout"`
}

// EnrichConfig configures the metadata enrichment workflow. It is disabled
// while Tables is empty.
type EnrichConfig struct {
	// Tables is the YAML file of table metadata.
	Tables      string   `yaml:"tables"`
	BaseBranch  string   `yaml:"base_branch"`
	ViewsPath   string   `yaml:"views_path"`
	Dataset     string   `yaml:"dataset"`
	RepoURL     string   `yaml:"repo_url"`
	StepTimeout Duration `yaml:"step_timeout"`
}

// Enabled reports whether the enrichment workflow is configured.
func (c EnrichConfig) Enabled() bool { return c.Tables != "" }

// EventsConfig selects the run event emitter.
type EventsConfig struct {
	// Emitter is log, null or otel.
	Emitter string `yaml:"emitter"`
	JSON    bool   `yaml:"json"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the built-in configuration: an in-process memory store,
// the mock model and the static catalog at catalog.yaml.
func Default() Config {
	return Config{
		Log:   LogConfig{Level: "info", Format: "text"},
		Store: StoreConfig{Driver: "memory", RedisPrefix: "interruptgraph:"},
		Engine: EngineConfig{
			MaxSteps:        50,
			ConflictRetries: 3,
			ConflictBackoff: Duration(20 * time.Millisecond),
		},
		Model:   ModelConfig{Provider: "mock", MaxAttempts: 3},
		Catalog: CatalogConfig{Kind: "static", Path: "catalog.yaml", Timeout: Duration(10 * time.Second)},
		Agent:   AgentConfig{ConfidenceThreshold: 0.8, StepTimeout: Duration(60 * time.Second)},
		Enrich:  EnrichConfig{BaseBranch: "main", ViewsPath: "views", StepTimeout: Duration(60 * time.Second)},
		Events:  EventsConfig{Emitter: "log"},
		Server:  ServerConfig{Addr: ":8080"},
	}
}

// Load reads path over the defaults and applies environment overrides. An
// empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// EnvPrefix prefixes every environment override.
const EnvPrefix = "INTERRUPTGRAPH_"

// ApplyEnv overrides fields from the environment. lookup is os.LookupEnv in
// production.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"LOG_LEVEL":      &c.Log.Level,
		"LOG_FORMAT":     &c.Log.Format,
		"STORE_DRIVER":   &c.Store.Driver,
		"STORE_DSN":      &c.Store.DSN,
		"REDIS_ADDR":     &c.Store.RedisAddr,
		"REDIS_PASSWORD": &c.Store.RedisPassword,
		"MODEL_PROVIDER": &c.Model.Provider,
		"MODEL_NAME":     &c.Model.Name,
		"MODEL_API_KEY":  &c.Model.APIKey,
		"CATALOG_KIND":   &c.Catalog.Kind,
		"CATALOG_PATH":   &c.Catalog.Path,
		"CATALOG_URL":    &c.Catalog.URL,
		"CATALOG_TOKEN":  &c.Catalog.Token,
		"ENRICH_TABLES":  &c.Enrich.Tables,
		"EVENTS_EMITTER": &c.Events.Emitter,
		"SERVER_ADDR":    &c.Server.Addr,
	}
	for key, dst := range str {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}

	if v, ok := lookup(EnvPrefix + "MAX_STEPS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sMAX_STEPS: %w", EnvPrefix, err)
		}
		c.Engine.MaxSteps = n
	}
	if v, ok := lookup(EnvPrefix + "STEP_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sSTEP_TIMEOUT: %w", EnvPrefix, err)
		}
		c.Engine.StepTimeout = Duration(d)
	}
	return nil
}

// Validate rejects unknown drivers, providers and out-of-range values.
func (c Config) Validate() error {
	var errs []error
	oneOf := func(field, value string, allowed ...string) {
		for _, a := range allowed {
			if strings.EqualFold(value, a) {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s: unknown value %q (want one of %s)", field, value, strings.Join(allowed, ", ")))
	}

	oneOf("store.driver", c.Store.Driver, "memory", "sqlite", "mysql", "redis")
	oneOf("model.provider", c.Model.Provider, "anthropic", "openai", "google", "mock")
	oneOf("catalog.kind", c.Catalog.Kind, "static", "http")
	oneOf("events.emitter", c.Events.Emitter, "log", "null", "otel")

	switch strings.ToLower(c.Store.Driver) {
	case "sqlite", "mysql":
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for %s", c.Store.Driver))
		}
	case "redis":
		if c.Store.RedisAddr == "" {
			errs = append(errs, errors.New("store.redis_addr is required for redis"))
		}
	}
	switch strings.ToLower(c.Catalog.Kind) {
	case "static":
		if c.Catalog.Path == "" {
			errs = append(errs, errors.New("catalog.path is required for a static catalog"))
		}
	case "http":
		if c.Catalog.URL == "" {
			errs = append(errs, errors.New("catalog.url is required for an http catalog"))
		}
	}
	if p := strings.ToLower(c.Model.Provider); p != "mock" && p != "" && c.Model.APIKey == "" {
		errs = append(errs, fmt.Errorf("model.api_key is required for %s", c.Model.Provider))
	}

	if c.Engine.MaxSteps < 1 {
		errs = append(errs, errors.New("engine.max_steps must be at least 1"))
	}
	if c.Engine.ConflictRetries < 0 {
		errs = append(errs, errors.New("engine.conflict_retries cannot be negative"))
	}
	if c.Model.MaxAttempts < 1 {
		errs = append(errs, errors.New("model.max_attempts must be at least 1"))
	}
	if t := c.Agent.ConfidenceThreshold; t <= 0 || t > 1 {
		errs = append(errs, errors.New("agent.confidence_threshold must be in (0, 1]"))
	}
	if c.Enrich.Enabled() && c.Enrich.BaseBranch == "" {
		errs = append(errs, errors.New("enrich.base_branch is required when enrich.tables is set"))
	}
	return errors.Join(errs...)
}

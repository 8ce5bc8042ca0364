// Package config loads hoot's settings from a TOML file and the environment.
//
// Environment variables win over the file:
//
//	HOOT_PROVIDER, HOOT_BASE_URL, HOOT_API_KEY (or OPENAI_API_KEY), HOOT_MODEL,
//	HOOT_STORE, HOOT_DB_PATH, HOOT_BROKER, NATS_URL, HOOT_LOG_LEVEL,
//	HOOT_CONTEXT_COUNT, HOOT_TIMEOUT, HOOT_STREAM
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/casualjim/hoot/assistant"
	"github.com/fogfish/opts"
)

const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"

	BrokerLocal = "local"
	BrokerNATS  = "nats"

	DefaultTokensPerTurn   = 1000
	DefaultPersistInterval = 250 * time.Millisecond
)

type Config struct {
	Provider     ProviderConfig     `toml:"provider"`
	Store        StoreConfig        `toml:"store"`
	Broker       BrokerConfig       `toml:"broker"`
	Log          LogConfig          `toml:"log"`
	Assistant    AssistantConfig    `toml:"assistant"`
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
}

type ProviderConfig struct {
	Name       string `toml:"name"`
	BaseURL    string `toml:"base_url"`
	APIKey     string `toml:"api_key"`
	MaxRetries int    `toml:"max_retries"`
}

type StoreConfig struct {
	Driver string `toml:"driver"`
	Path   string `toml:"path"`
}

type BrokerConfig struct {
	Driver string `toml:"driver"`
	URL    string `toml:"url"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

type AssistantConfig struct {
	Name         string        `toml:"name"`
	Model        string        `toml:"model"`
	Prompt       string        `toml:"prompt"`
	ContextCount int           `toml:"context_count"`
	Temperature  *float64      `toml:"temperature"`
	TopP         *float64      `toml:"top_p"`
	MaxTokens    int64         `toml:"max_tokens"`
	Stream       bool          `toml:"stream"`
	Timeout      time.Duration `toml:"timeout"`
	WebSearch    bool          `toml:"web_search"`
}

type OrchestratorConfig struct {
	TokensPerTurn   int           `toml:"tokens_per_turn"`
	PersistInterval time.Duration `toml:"persist_interval"`
}

// Default returns a configuration that works without any file: in-memory store,
// in-process broker and the OpenAI provider.
func Default() *Config {
	return &Config{
		Provider: ProviderConfig{Name: assistant.DefaultProvider, MaxRetries: 2},
		Store:    StoreConfig{Driver: StoreMemory},
		Broker:   BrokerConfig{Driver: BrokerLocal},
		Log:      LogConfig{Level: "info"},
		Assistant: AssistantConfig{
			Name:         "hoot",
			Model:        assistant.DefaultModel,
			Prompt:       "You are Hoot, a helpful assistant. Today is {{.Date}}.",
			ContextCount: assistant.DefaultContextCount,
			Stream:       true,
			Timeout:      assistant.DefaultTimeout,
		},
		Orchestrator: OrchestratorConfig{
			TokensPerTurn:   DefaultTokensPerTurn,
			PersistInterval: DefaultPersistInterval,
		},
	}
}

// Dir is the directory holding the default config file and database.
func Dir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locate config dir: %w", err)
	}
	return filepath.Join(base, "hoot"), nil
}

// DefaultPath is where Load looks when no explicit path is given.
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// Load reads path on top of Default, applies environment overrides and
// validates the result. An empty path reads DefaultPath when that file exists.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		if p, err := DefaultPath(); err == nil {
			if _, statErr := os.Stat(p); statErr == nil {
				path = p
			}
		}
	}
	if path != "" {
		if err := cfg.LoadTOML(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.fillDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) LoadTOML(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("decode %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return nil
}

func (c *Config) ApplyEnvOverrides() error {
	setString(&c.Provider.Name, "HOOT_PROVIDER")
	setString(&c.Provider.BaseURL, "HOOT_BASE_URL")
	setString(&c.Provider.APIKey, "OPENAI_API_KEY")
	setString(&c.Provider.APIKey, "HOOT_API_KEY")
	setString(&c.Assistant.Model, "HOOT_MODEL")
	setString(&c.Store.Driver, "HOOT_STORE")
	setString(&c.Store.Path, "HOOT_DB_PATH")
	setString(&c.Broker.Driver, "HOOT_BROKER")
	setString(&c.Broker.URL, "NATS_URL")
	setString(&c.Log.Level, "HOOT_LOG_LEVEL")

	var errs []error
	if v := os.Getenv("HOOT_CONTEXT_COUNT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("HOOT_CONTEXT_COUNT: %w", err))
		} else {
			c.Assistant.ContextCount = n
		}
	}
	if v := os.Getenv("HOOT_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("HOOT_TIMEOUT: %w", err))
		} else {
			c.Assistant.Timeout = d
		}
	}
	if v := os.Getenv("HOOT_STREAM"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("HOOT_STREAM: %w", err))
		} else {
			c.Assistant.Stream = b
		}
	}
	return errors.Join(errs...)
}

func (c *Config) fillDefaults() error {
	if c.Store.Driver == StoreSQLite && c.Store.Path == "" {
		dir, err := Dir()
		if err != nil {
			return err
		}
		c.Store.Path = filepath.Join(dir, "hoot.db")
	}
	if c.Orchestrator.TokensPerTurn == 0 {
		c.Orchestrator.TokensPerTurn = DefaultTokensPerTurn
	}
	if c.Orchestrator.PersistInterval == 0 {
		c.Orchestrator.PersistInterval = DefaultPersistInterval
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Provider.Name == "" {
		errs = append(errs, errors.New("provider.name is required"))
	}
	if c.Provider.MaxRetries < 0 {
		errs = append(errs, errors.New("provider.max_retries must not be negative"))
	}
	if !slices.Contains([]string{StoreMemory, StoreSQLite}, c.Store.Driver) {
		errs = append(errs, fmt.Errorf("store.driver must be %q or %q, got %q", StoreMemory, StoreSQLite, c.Store.Driver))
	}
	if !slices.Contains([]string{BrokerLocal, BrokerNATS}, c.Broker.Driver) {
		errs = append(errs, fmt.Errorf("broker.driver must be %q or %q, got %q", BrokerLocal, BrokerNATS, c.Broker.Driver))
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, strings.ToLower(c.Log.Level)) {
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	if c.Orchestrator.TokensPerTurn < 0 {
		errs = append(errs, errors.New("orchestrator.tokens_per_turn must not be negative"))
	}
	if c.Orchestrator.PersistInterval < 0 {
		errs = append(errs, errors.New("orchestrator.persist_interval must not be negative"))
	}
	if err := c.NewAssistant().Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// NewAssistant builds the assistant described by the [assistant] section.
func (c *Config) NewAssistant() *assistant.Assistant {
	a := c.Assistant
	options := []opts.Option[assistant.Assistant]{
		assistant.Name(a.Name),
		assistant.Provider(c.Provider.Name),
		assistant.Model(a.Model),
		assistant.Prompt(a.Prompt),
		assistant.ContextCount(a.ContextCount),
		assistant.MaxTokens(a.MaxTokens),
		assistant.Stream(a.Stream),
		assistant.Timeout(a.Timeout),
		assistant.WebSearch(a.WebSearch),
	}
	if a.Temperature != nil {
		options = append(options, assistant.Temperature(*a.Temperature))
	}
	if a.TopP != nil {
		options = append(options, assistant.TopP(*a.TopP))
	}
	return assistant.New(options...)
}

func setString(target *string, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

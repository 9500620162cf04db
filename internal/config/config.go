package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

type Config struct {
	Providers []Provider `yaml:"providers"`
	Search    Search     `yaml:"search"`
	Research  Research   `yaml:"research"`
	Store     Store      `yaml:"store"`
	Server    Server     `yaml:"server"`
	Logging   Logging    `yaml:"logging"`
}

// Provider configures one research provider. API keys are read from the
// environment variable named by APIKeyEnv, never from the file.
type Provider struct {
	Name              string        `yaml:"name"`
	Kind              string        `yaml:"kind"`
	Model             string        `yaml:"model"`
	BaseURL           string        `yaml:"base_url"`
	APIKeyEnv         string        `yaml:"api_key_env"`
	Enabled           *bool         `yaml:"enabled"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxTokens         int           `yaml:"max_tokens"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	CostPer1KTokens   float64       `yaml:"cost_per_1k_tokens"`
	Search            string        `yaml:"search"`
}

// IsEnabled reports whether the provider takes part in new research.
// Providers are enabled unless switched off explicitly.
func (p Provider) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// APIKey returns the provider's key from the environment.
func (p Provider) APIKey() string {
	if p.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(p.APIKeyEnv)
}

type Search struct {
	Google   GoogleSearch   `yaml:"google"`
	Newsfeed NewsfeedSearch `yaml:"newsfeed"`
	Enrich   Enrich         `yaml:"enrich"`
}

type GoogleSearch struct {
	APIKeyEnv   string `yaml:"api_key_env"`
	EngineIDEnv string `yaml:"engine_id_env"`
	Results     int    `yaml:"results"`
}

type NewsfeedSearch struct {
	// URLTemplate is an RSS search URL with a single %s for the query.
	URLTemplate string `yaml:"url_template"`
	MaxResults  int    `yaml:"max_results"`
}

type Enrich struct {
	Enabled bool          `yaml:"enabled"`
	TopN    int           `yaml:"top_n"`
	Timeout time.Duration `yaml:"timeout"`
}

type Research struct {
	MaxInFlight      int           `yaml:"max_in_flight"`
	ProviderAttempts int           `yaml:"provider_attempts"`
	AppendAttempts   int           `yaml:"append_attempts"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`
}

type Store struct {
	Backend string `yaml:"backend"`
	DataDir string `yaml:"data_dir"`
	Retry   Retry  `yaml:"retry"`
}

type Retry struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

type Server struct {
	Port int `yaml:"port"`
}

type Logging struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

const (
	KindOpenAI = "openai"
	KindGemini = "gemini"
	KindOllama = "ollama"

	SearchGoogle   = "google"
	SearchNewsfeed = "newsfeed"
	SearchNone     = "none"

	BackendSQLite = "sqlite"
	BackendBadger = "badger"
)

var providerName = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// ConfigDir returns the XDG config directory for aicouncil.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "aicouncil")
}

// DataDir returns the XDG data directory for aicouncil.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "aicouncil")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/aicouncil/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'aicouncil init' to create a default config",
		xdgConfig,
	)
}

// Load reads and parses a config YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return parse(data)
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := &Config{
		Search: Search{
			Google: GoogleSearch{
				APIKeyEnv:   "GOOGLE_SEARCH_API_KEY",
				EngineIDEnv: "GOOGLE_SEARCH_ENGINE_ID",
				Results:     5,
			},
			Newsfeed: NewsfeedSearch{
				URLTemplate: "https://news.google.com/rss/search?q=%s&hl=en-US&gl=US&ceid=US:en",
				MaxResults:  8,
			},
			Enrich: Enrich{TopN: 3, Timeout: 15 * time.Second},
		},
		Research: Research{
			MaxInFlight:      8,
			ProviderAttempts: 2,
			AppendAttempts:   5,
			RetryBackoff:     2 * time.Second,
		},
		Store: Store{
			Backend: BackendSQLite,
			Retry: Retry{
				MaxAttempts:     5,
				InitialInterval: 50 * time.Millisecond,
				MaxInterval:     2 * time.Second,
			},
		},
		Server:  Server{Port: 8000},
		Logging: Logging{Level: "info"},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	for i := range cfg.Providers {
		applyProviderDefaults(&cfg.Providers[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyProviderDefaults(p *Provider) {
	if p.Timeout == 0 {
		p.Timeout = 120 * time.Second
	}
	if p.MaxTokens == 0 {
		p.MaxTokens = 4096
	}
	if p.Search == "" {
		p.Search = SearchNone
	}
	if p.Kind == KindOllama && p.BaseURL == "" {
		p.BaseURL = "http://localhost:11434"
	}
}

// Validate checks the provider list and enumerated settings.
func (c *Config) Validate() error {
	var errs []error
	seen := make(map[string]bool)
	for _, p := range c.Providers {
		if !providerName.MatchString(p.Name) {
			errs = append(errs, fmt.Errorf("provider name %q must be lowercase letters, digits, '-' or '_'", p.Name))
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Errorf("duplicate provider %q", p.Name))
		}
		seen[p.Name] = true

		switch p.Kind {
		case KindOpenAI, KindGemini, KindOllama:
		default:
			errs = append(errs, fmt.Errorf("provider %q: unknown kind %q", p.Name, p.Kind))
		}
		switch p.Search {
		case SearchGoogle, SearchNewsfeed, SearchNone:
		default:
			errs = append(errs, fmt.Errorf("provider %q: unknown search backend %q", p.Name, p.Search))
		}
		if p.Model == "" {
			errs = append(errs, fmt.Errorf("provider %q: model is required", p.Name))
		}
	}

	switch c.Store.Backend {
	case BackendSQLite, BackendBadger:
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}
	if c.Research.MaxInFlight < 1 {
		errs = append(errs, errors.New("research.max_in_flight must be at least 1"))
	}
	return errors.Join(errs...)
}

// Provider returns the named provider entry.
func (c *Config) Provider(name string) (Provider, bool) {
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return Provider{}, false
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Store.DataDir != "" {
		return c.Store.DataDir
	}
	return DataDir()
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models vaultline.yml.
type Config struct {
	Vault struct {
		Name string `yaml:"name"`
	} `yaml:"vault"`
	Watchers map[string]WatcherConfig `yaml:"watchers"`
	Executor ExecutorConfig           `yaml:"executor"`
	Loop     LoopConfig               `yaml:"loop"`
}

type WatcherConfig struct {
	Enabled          bool     `yaml:"enabled"`
	Endpoint         string   `yaml:"endpoint,omitempty"`
	DropFolder       string   `yaml:"drop_folder,omitempty"`
	IntervalSeconds  int      `yaml:"interval_seconds"`
	TimeoutSeconds   int      `yaml:"timeout_seconds"`
	Keywords         []string `yaml:"keywords,omitempty"`
	WatchMentions    bool     `yaml:"watch_mentions,omitempty"`
	WatchDMs         bool     `yaml:"watch_dms,omitempty"`
	LoginWaitSeconds int      `yaml:"login_wait_seconds,omitempty"`
}

type ExecutorConfig struct {
	MaxRetries        int               `yaml:"max_retries"`
	RetryWaitSeconds  int               `yaml:"retry_wait_seconds"`
	TimeoutSeconds    int               `yaml:"timeout_seconds"`
	IntervalSeconds   int               `yaml:"interval_seconds"`
	StaleAfterMinutes int               `yaml:"stale_after_minutes"`
	Platforms         []string          `yaml:"platforms"`
	Endpoints         map[string]string `yaml:"endpoints,omitempty"`
	BlockedRecipients []string          `yaml:"blocked_recipients,omitempty"`
}

type LoopConfig struct {
	Actor           []string `yaml:"actor"`
	MaxIterations   int      `yaml:"max_iterations"`
	TimeoutSeconds  int      `yaml:"timeout_seconds"`
	CompletionToken string   `yaml:"completion_token"`
}

func (w WatcherConfig) Interval() time.Duration {
	return time.Duration(w.IntervalSeconds) * time.Second
}

func (w WatcherConfig) Timeout() time.Duration {
	return time.Duration(w.TimeoutSeconds) * time.Second
}

func (w WatcherConfig) LoginWait() time.Duration {
	return time.Duration(w.LoginWaitSeconds) * time.Second
}

func (e ExecutorConfig) RetryWait() time.Duration {
	return time.Duration(e.RetryWaitSeconds) * time.Second
}

func (e ExecutorConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

func (e ExecutorConfig) Interval() time.Duration {
	return time.Duration(e.IntervalSeconds) * time.Second
}

func (e ExecutorConfig) StaleAfter() time.Duration {
	return time.Duration(e.StaleAfterMinutes) * time.Minute
}

func (l LoopConfig) Timeout() time.Duration {
	return time.Duration(l.TimeoutSeconds) * time.Second
}

// Load reads and validates config from the vault root.
func Load(vaultRoot string) (*Config, error) {
	path := Path(vaultRoot)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run vl init or copy vaultline.yml into the vault", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if vaultline.yml is absent.
func LoadOptional(vaultRoot string) (*Config, error) {
	data, err := os.ReadFile(Path(vaultRoot))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	for name, w := range c.Watchers {
		if name == "" {
			return fmt.Errorf("config.watchers contains an empty watcher name")
		}
		if !w.Enabled {
			continue
		}
		if w.IntervalSeconds <= 0 {
			return fmt.Errorf("watcher %s: interval_seconds must be positive", name)
		}
		if w.Endpoint == "" && w.DropFolder == "" {
			return fmt.Errorf("watcher %s: endpoint or drop_folder is required", name)
		}
	}
	if c.Executor.MaxRetries <= 0 {
		return fmt.Errorf("config.executor.max_retries must be positive")
	}
	if c.Executor.RetryWaitSeconds < 0 {
		return fmt.Errorf("config.executor.retry_wait_seconds must not be negative")
	}
	if c.Executor.IntervalSeconds <= 0 {
		return fmt.Errorf("config.executor.interval_seconds must be positive")
	}
	if len(c.Loop.Actor) == 0 {
		return fmt.Errorf("config.loop.actor command is required")
	}
	if c.Loop.MaxIterations <= 0 {
		return fmt.Errorf("config.loop.max_iterations must be positive")
	}
	if c.Loop.CompletionToken == "" {
		return fmt.Errorf("config.loop.completion_token is required")
	}
	return nil
}

// Path returns the config file path for a vault root.
func Path(vaultRoot string) string {
	if vaultRoot == "" {
		vaultRoot = "."
	}
	return filepath.Join(vaultRoot, "vaultline.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

const defaultTemplate = `vault:
  name: vault

watchers:
  filedrop:
    enabled: true
    drop_folder: Drop_Folder
    interval_seconds: 5
    timeout_seconds: 10

  mailbox:
    enabled: false
    endpoint: http://127.0.0.1:8900/messages
    interval_seconds: 120
    timeout_seconds: 30

  mentions:
    enabled: false
    endpoint: http://127.0.0.1:8901/mentions
    interval_seconds: 300
    timeout_seconds: 30
    watch_mentions: true
    watch_dms: false
    keywords: [sales, client, project, business, invoice, deal, partnership, proposal, pricing, budget, service, offer]
    login_wait_seconds: 120

executor:
  max_retries: 3
  retry_wait_seconds: 5
  timeout_seconds: 60
  interval_seconds: 10
  stale_after_minutes: 30
  platforms: [linkedin, facebook, instagram, twitter, email]
  endpoints:
    linkedin: http://127.0.0.1:8910/linkedin/post
    facebook: http://127.0.0.1:8910/facebook/post
    instagram: http://127.0.0.1:8910/instagram/post
    twitter: http://127.0.0.1:8910/twitter/post

loop:
  actor: [claude, --print]
  max_iterations: 10
  timeout_seconds: 300
  completion_token: TASK_COMPLETE
`

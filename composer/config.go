package composer

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full composer configuration.
type Config struct {
	Listen  string        `yaml:"listen"`
	Demo    bool          `yaml:"demo"` // serve the built-in demo site instead of a remote backend
	Backend BackendConfig `yaml:"backend"`
	Overlay OverlayConfig `yaml:"overlay"`
	Journal JournalConfig `yaml:"journal"`
	Sinks   SinksConfig   `yaml:"sinks"`
	Inspect InspectConfig `yaml:"inspect"`
}

// BackendConfig points at the rendering service.
type BackendConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type OverlayConfig struct {
	SyncWindow time.Duration `yaml:"sync_window"`
	Browser    BrowserConfig `yaml:"browser"`
}

// BrowserConfig enables live geometry from a headless Chrome rendering of
// the page. When disabled, geometry is reported by the in-page client.
type BrowserConfig struct {
	Enabled         bool          `yaml:"enabled"`
	PageURL         string        `yaml:"page_url"`
	RemoteURL       string        `yaml:"remote_url"`
	Stealth         bool          `yaml:"stealth"`
	NavigateTimeout time.Duration `yaml:"navigate_timeout"`
}

// JournalConfig enables the SQLite intent journal. Empty path disables it.
type JournalConfig struct {
	Path string `yaml:"path"`
}

type SinksConfig struct {
	Stdout  bool          `yaml:"stdout"`
	Webhook WebhookConfig `yaml:"webhook"`
}

type WebhookConfig struct {
	URL     string        `yaml:"url"`
	Retries int           `yaml:"retries"`
	Backoff time.Duration `yaml:"backoff"`
}

type InspectConfig struct {
	PreviewLen int `yaml:"preview_len"`
}

// DefaultConfig returns sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8090"
	}
	if c.Backend.Timeout <= 0 {
		c.Backend.Timeout = 10 * time.Second
	}
	if c.Overlay.SyncWindow <= 0 {
		c.Overlay.SyncWindow = 100 * time.Millisecond
	}
	if c.Overlay.Browser.NavigateTimeout <= 0 {
		c.Overlay.Browser.NavigateTimeout = 30 * time.Second
	}
	if c.Sinks.Webhook.Retries <= 0 {
		c.Sinks.Webhook.Retries = 3
	}
	if c.Sinks.Webhook.Backoff <= 0 {
		c.Sinks.Webhook.Backoff = time.Second
	}
	if c.Inspect.PreviewLen <= 0 {
		c.Inspect.PreviewLen = 120
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("composer: read config %s: %w", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML config data over the defaults.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("composer: parse config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, cfg.Validate()
}

// Validate checks that required fields are present.
func (c *Config) Validate() error {
	if !c.Demo && c.Backend.URL == "" {
		return fmt.Errorf("composer: backend.url is required unless demo is set")
	}
	if c.Overlay.Browser.Enabled && c.Overlay.Browser.PageURL == "" {
		return fmt.Errorf("composer: overlay.browser.page_url is required when the browser is enabled")
	}
	return nil
}

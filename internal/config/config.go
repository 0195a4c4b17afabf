package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/robfig/cron/v3"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

// Config models joatu.yml.
type Config struct {
	Platform struct {
		ID   string `yaml:"id" json:"id"`
		Name string `yaml:"name" json:"name"`
	} `yaml:"platform" json:"platform"`
	Locales struct {
		Default   string   `yaml:"default" json:"default"`
		Available []string `yaml:"available" json:"available"`
	} `yaml:"locales" json:"locales"`
	Search struct {
		DefaultOrder string `yaml:"default_order" json:"default_order"`
		MaxPerPage   int    `yaml:"max_per_page" json:"max_per_page"`
	} `yaml:"search" json:"search"`
	Matching struct {
		ExcludeClosed bool `yaml:"exclude_closed" json:"exclude_closed"`
	} `yaml:"matching" json:"matching"`
	Notifications NotificationsConfig `yaml:"notifications" json:"notifications"`
}

type NotificationsConfig struct {
	Schedule      string          `yaml:"schedule" json:"schedule"`
	RatePerSecond float64         `yaml:"rate_per_second" json:"rate_per_second"`
	BatchSize     int             `yaml:"batch_size" json:"batch_size"`
	Webhooks      []WebhookConfig `yaml:"webhooks" json:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	Secret         string   `yaml:"secret" json:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with joatu config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Platform.ID == "" {
		return fmt.Errorf("config.platform.id is required")
	}
	if c.Locales.Default == "" {
		return fmt.Errorf("config.locales.default is required")
	}
	if _, err := language.Parse(c.Locales.Default); err != nil {
		return fmt.Errorf("config.locales.default %q is not a language tag", c.Locales.Default)
	}
	seenDefault := false
	for _, l := range c.Locales.Available {
		if _, err := language.Parse(l); err != nil {
			return fmt.Errorf("config.locales.available contains invalid tag %q", l)
		}
		if l == c.Locales.Default {
			seenDefault = true
		}
	}
	if len(c.Locales.Available) > 0 && !seenDefault {
		return fmt.Errorf("config.locales.available must include default locale %s", c.Locales.Default)
	}
	switch c.Search.DefaultOrder {
	case "", "newest", "oldest":
	default:
		return fmt.Errorf("config.search.default_order must be newest or oldest")
	}
	if c.Search.MaxPerPage < 0 {
		return fmt.Errorf("config.search.max_per_page must not be negative")
	}
	if c.Notifications.Schedule != "" {
		if _, err := cron.ParseStandard(c.Notifications.Schedule); err != nil {
			return fmt.Errorf("config.notifications.schedule: %w", err)
		}
	}
	if c.Notifications.RatePerSecond < 0 {
		return fmt.Errorf("config.notifications.rate_per_second must not be negative")
	}
	for i, hook := range c.Notifications.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.notifications.webhooks[%d].url is required", i)
		}
		for _, evt := range hook.Events {
			if strings.TrimSpace(evt) == "" {
				return fmt.Errorf("config.notifications.webhooks[%d] has empty event type", i)
			}
		}
	}
	return nil
}

// Tags returns the configured locales as language tags, default first.
func (c *Config) Tags() []language.Tag {
	tags := []language.Tag{language.Make(c.Locales.Default)}
	for _, l := range c.Locales.Available {
		if l == c.Locales.Default {
			continue
		}
		tags = append(tags, language.Make(l))
	}
	return tags
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "joatu.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(platformID string) string {
	return fmt.Sprintf(defaultTemplate, platformID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a platform.
func Default(platformID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, platformID))).Decode(&cfg)
	cfg.Platform.ID = platformID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	cfg.Matching.ExcludeClosed = true
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `platform:
  id: %s
  name: Better Together Exchange

locales:
  default: en
  available: [en, fr, es, uk]

search:
  default_order: newest
  max_per_page: 100

matching:
  exclude_closed: true

notifications:
  schedule: "@every 2s"
  rate_per_second: 10
  batch_size: 100
  webhooks: []
`

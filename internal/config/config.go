package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"worktab/internal/domain"
)

// Config models worktab.yml. It is loaded once per operation and
// passed into the engine; the worker roster itself lives in the
// database, the Workers section only seeds it.
type Config struct {
	Owner   string       `yaml:"owner"`
	Workers []SeedWorker `yaml:"workers"`
	Alerts  struct {
		Webhooks []WebhookConfig `yaml:"webhooks"`
	} `yaml:"alerts"`
	Orders struct {
		StalePendingAfter string `yaml:"stale_pending_after"`
	} `yaml:"orders"`
	Auth struct {
		JWTSecret              string `yaml:"jwt_secret"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"auth"`
}

type SeedWorker struct {
	ID    string   `yaml:"id"`
	Name  string   `yaml:"name"`
	Rate  string   `yaml:"rate"`
	Roles []string `yaml:"roles"`
}

// Worker converts a roster entry into the domain model.
func (s SeedWorker) Worker() (domain.Worker, error) {
	rate := decimal.Zero
	if s.Rate != "" {
		var err error
		rate, err = decimal.NewFromString(s.Rate)
		if err != nil {
			return domain.Worker{}, fmt.Errorf("worker %s has invalid rate %q", s.ID, s.Rate)
		}
	}
	name := s.Name
	if name == "" {
		name = s.ID
	}
	rolesList := s.Roles
	if len(rolesList) == 0 {
		rolesList = []string{domain.RoleWorker}
	}
	return domain.Worker{ID: s.ID, Name: name, Rate: rate, Roles: rolesList}, nil
}

type WebhookConfig struct {
	URL     string   `yaml:"url"`
	Events  []string `yaml:"events"`
	Enabled *bool    `yaml:"enabled"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it or run wt init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Owner == "" {
		return fmt.Errorf("config.owner is required")
	}
	seen := map[string]bool{}
	for i, w := range c.Workers {
		if w.ID == "" {
			return fmt.Errorf("config.workers[%d] has empty id", i)
		}
		if seen[w.ID] {
			return fmt.Errorf("config.workers has duplicate id %s", w.ID)
		}
		seen[w.ID] = true
		if w.Rate != "" {
			rate, err := decimal.NewFromString(w.Rate)
			if err != nil {
				return fmt.Errorf("worker %s has invalid rate %q", w.ID, w.Rate)
			}
			if rate.IsNegative() {
				return fmt.Errorf("worker %s has negative rate", w.ID)
			}
		}
		for _, role := range w.Roles {
			switch role {
			case domain.RoleWorker, domain.RoleAdmin, domain.RoleOwner:
			default:
				return fmt.Errorf("worker %s has unknown role %q", w.ID, role)
			}
		}
	}
	if c.Orders.StalePendingAfter != "" {
		if _, err := time.ParseDuration(c.Orders.StalePendingAfter); err != nil {
			return fmt.Errorf("invalid orders.stale_pending_after: %w", err)
		}
	}
	for i, hook := range c.Alerts.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.alerts.webhooks[%d] has empty url", i)
		}
	}
	return nil
}

// StalePendingAfter returns the configured pending-too-long threshold,
// defaulting to 24 hours.
func (c *Config) StalePendingAfter() time.Duration {
	if c.Orders.StalePendingAfter == "" {
		return 24 * time.Hour
	}
	d, err := time.ParseDuration(c.Orders.StalePendingAfter)
	if err != nil {
		return 24 * time.Hour
	}
	return d
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "worktab.yml")
}

// Default returns a minimal valid Config for the given owner id.
func Default(ownerID string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(GenerateDefault(ownerID)), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(ownerID string) string {
	return fmt.Sprintf(defaultTemplate, ownerID, ownerID)
}

const defaultTemplate = `owner: %q

workers:
  - id: %q
    name: Owner
    rate: "0"
    roles: [owner]

orders:
  stale_pending_after: 24h

alerts:
  webhooks: []

auth:
  jwt_secret: ""
  allow_legacy_actor_header: true
`

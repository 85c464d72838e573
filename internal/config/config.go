package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"teampulse/internal/domain"
)

// Config models teampulse.yml.
type Config struct {
	Team struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"team"`
	Shards   []string `yaml:"shards"`
	Blockers struct {
		Table string `yaml:"table"`
	} `yaml:"blockers"`
	Escalation struct {
		Default  string           `yaml:"default"`
		Fallback string           `yaml:"fallback"`
		Rules    []EscalationRule `yaml:"rules"`
	} `yaml:"escalation"`
	Dedup struct {
		ClickTTLSeconds int `yaml:"click_ttl_seconds"`
		FormTTLSeconds  int `yaml:"form_ttl_seconds"`
	} `yaml:"dedup"`
	FollowUp struct {
		GraceHours int `yaml:"grace_hours"`
	} `yaml:"followup"`
	Chat struct {
		WebhookURL string `yaml:"webhook_url"`
		Secret     string `yaml:"secret"`
	} `yaml:"chat"`
	Explainer struct {
		URL   string `yaml:"url"`
		Token string `yaml:"token"`
	} `yaml:"explainer"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Auth     struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
}

// EscalationRule routes blockers of one urgency to a dedicated audience.
type EscalationRule struct {
	Urgency     string `yaml:"urgency"`
	Destination string `yaml:"destination"`
}

// WebhookConfig is one outbound event subscription.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with tp init", path)
		}
		return nil, err
	}
	return FromYAML(data)
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

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Team.ID == "" {
		return fmt.Errorf("config.team.id is required")
	}
	if len(c.Shards) == 0 {
		return fmt.Errorf("config.shards must list at least one work-item partition")
	}
	for i, shard := range c.Shards {
		if shard == "" {
			return fmt.Errorf("config.shards[%d] is empty", i)
		}
	}
	if c.Escalation.Default == "" {
		return fmt.Errorf("config.escalation.default is required")
	}
	for i, rule := range c.Escalation.Rules {
		if !domain.ValidUrgency(domain.Urgency(rule.Urgency)) {
			return fmt.Errorf("config.escalation.rules[%d]: unknown urgency %q", i, rule.Urgency)
		}
		if rule.Destination == "" {
			return fmt.Errorf("config.escalation.rules[%d]: destination is required", i)
		}
	}
	if c.Dedup.ClickTTLSeconds < 0 || c.Dedup.FormTTLSeconds < 0 {
		return fmt.Errorf("config.dedup ttls must not be negative")
	}
	if c.FollowUp.GraceHours < 0 {
		return fmt.Errorf("config.followup.grace_hours must not be negative")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// BlockerTable returns the configured blocker partition name.
func (c *Config) BlockerTable() string {
	if c.Blockers.Table != "" {
		return c.Blockers.Table
	}
	return "blockers"
}

// RouteRuleDestination returns the destination for a blocker's urgency,
// or "" when no rule overrides the default.
func (c *Config) RouteRuleDestination(b domain.Blocker) string {
	for _, rule := range c.Escalation.Rules {
		if domain.Urgency(rule.Urgency) == b.Urgency {
			return rule.Destination
		}
	}
	return ""
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "teampulse.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(teamID string) string {
	return fmt.Sprintf(defaultTemplate, teamID)
}

// Default returns the default Config struct for a team.
func Default(teamID string) *Config {
	var cfg Config
	cfg.Team.ID = teamID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, teamID))).Decode(&cfg)
	return &cfg
}

const defaultTemplate = `team:
  id: %s
  name: ""

shards:
  - work_items

blockers:
  table: blockers

escalation:
  default: "#leads"
  fallback: "#general"
  rules:
    - urgency: critical
      destination: "#incidents"

chat:
  webhook_url: ""
  secret: ""

dedup:
  click_ttl_seconds: 10
  form_ttl_seconds: 30

followup:
  grace_hours: 24
`

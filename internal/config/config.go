package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models reviewline.yml.
type Config struct {
	Portal struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"portal"`
	Workflow struct {
		// ClarificationRounds caps question/answer round trips per
		// proposal. Zero falls back to 3.
		ClarificationRounds int `yaml:"clarification_rounds"`
		// TransitionRetries bounds internal retries of the optimistic
		// compare-and-swap write. Zero falls back to 3.
		TransitionRetries int `yaml:"transition_retries"`
	} `yaml:"workflow"`
	Auth struct {
		JWTSecret              string `yaml:"jwt_secret"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"auth"`
	Screener struct {
		// Secret authenticates the AI pre-screening callback.
		Secret string `yaml:"secret"`
	} `yaml:"screener"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig describes one outbound timeline push target.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Kinds          []string `yaml:"kinds"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with rvl config init", path)
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
	if c.Portal.ID == "" {
		return fmt.Errorf("config.portal.id is required")
	}
	if c.Workflow.ClarificationRounds < 0 {
		return fmt.Errorf("config.workflow.clarification_rounds must not be negative")
	}
	if c.Workflow.TransitionRetries < 0 {
		return fmt.Errorf("config.workflow.transition_retries must not be negative")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		for _, kind := range hook.Kinds {
			if kind != "status" && kind != "note" {
				return fmt.Errorf("config.webhooks[%d] has unknown kind %q", i, kind)
			}
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "reviewline.yml")
}

// Default returns the default Config struct for a portal.
func Default(portalID string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(GenerateDefault(portalID)), &cfg)
	cfg.Portal.ID = portalID
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(portalID string) string {
	return fmt.Sprintf(defaultTemplate, portalID)
}

const defaultTemplate = `portal:
  id: %s
  name: Grant Proposal Review Portal

workflow:
  # question/answer round trips allowed per proposal
  clarification_rounds: 3
  # internal retries of the optimistic-lock write before surfacing a conflict
  transition_retries: 3

auth:
  jwt_secret: ""
  allow_legacy_actor_header: false

screener:
  secret: ""

webhooks: []
`

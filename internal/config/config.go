package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"crewline/internal/roster"
)

// Config models crewline.yml. Roles themselves are a closed compile-time
// set; the file only externalizes the tunable tables around them.
type Config struct {
	Workflow struct {
		// EscalationThreshold is the consecutive-failure count at which
		// an operation stops retrying. Minimum 1, default 3.
		EscalationThreshold int `yaml:"escalation_threshold" json:"escalation_threshold"`
	} `yaml:"workflow" json:"workflow"`
	Handoffs struct {
		// FirstTargets are the only roles a session's first handoff may
		// target.
		FirstTargets []string `yaml:"first_targets" json:"first_targets"`
		// AllowedCycles lists the role pairs permitted to hand back and
		// forth (e.g. reviewer sending a change set back).
		AllowedCycles []CyclePair `yaml:"allowed_cycles" json:"allowed_cycles"`
	} `yaml:"handoffs" json:"handoffs"`
	Webhooks []WebhookConfig `yaml:"webhooks" json:"webhooks,omitempty"`
}

type CyclePair struct {
	From string `yaml:"from" json:"from"`
	To   string `yaml:"to" json:"to"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	Secret         string   `yaml:"secret" json:"-"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "crewline.yml")
}

// Load reads and validates config from the workspace, falling back to
// defaults when the file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
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
	cfg.applyDefaults()
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

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Workflow.EscalationThreshold == 0 {
		c.Workflow.EscalationThreshold = 3
	}
	if len(c.Handoffs.FirstTargets) == 0 {
		c.Handoffs.FirstTargets = []string{"clarifier", "researcher"}
	}
	if len(c.Handoffs.AllowedCycles) == 0 {
		c.Handoffs.AllowedCycles = []CyclePair{
			{From: "reviewer", To: "implementer"},
			{From: "implementer", To: "reviewer"},
		}
	}
}

// Validate ensures the config references only known roles.
func (c *Config) Validate() error {
	if c.Workflow.EscalationThreshold < 1 {
		return fmt.Errorf("config.workflow.escalation_threshold must be >= 1")
	}
	reg := roster.New()
	for _, name := range c.Handoffs.FirstTargets {
		if _, err := reg.Lookup(name); err != nil {
			return fmt.Errorf("config.handoffs.first_targets: %w", err)
		}
	}
	for _, pair := range c.Handoffs.AllowedCycles {
		if pair.From == pair.To {
			return fmt.Errorf("config.handoffs.allowed_cycles: %s -> %s is a self-handoff", pair.From, pair.To)
		}
		if _, err := reg.Lookup(pair.From); err != nil {
			return fmt.Errorf("config.handoffs.allowed_cycles: %w", err)
		}
		if _, err := reg.Lookup(pair.To); err != nil {
			return fmt.Errorf("config.handoffs.allowed_cycles: %w", err)
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// CycleAllowed reports whether the (from, to) handoff pair is on the
// allowed-cycle list.
func (c *Config) CycleAllowed(from, to string) bool {
	for _, pair := range c.Handoffs.AllowedCycles {
		if pair.From == from && pair.To == to {
			return true
		}
	}
	return false
}

// FirstTarget reports whether the role may receive a session's first handoff.
func (c *Config) FirstTarget(role string) bool {
	for _, name := range c.Handoffs.FirstTargets {
		if name == role {
			return true
		}
	}
	return false
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `workflow:
  escalation_threshold: 3

handoffs:
  first_targets: [clarifier, researcher]
  allowed_cycles:
    - {from: reviewer, to: implementer}
    - {from: implementer, to: reviewer}

webhooks: []
`

package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models flowboard.yml.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
	} `yaml:"project"`
	Server struct {
		Addr      string `yaml:"addr"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	Automation struct {
		MaxChainDepth int    `yaml:"max_chain_depth"`
		SweepInterval string `yaml:"sweep_interval"`
		SoonWindow    string `yaml:"soon_window"`
		Webhook       struct {
			URL    string `yaml:"url"`
			Secret string `yaml:"secret"`
		} `yaml:"webhook"`
	} `yaml:"automation"`
	RBAC struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with fb config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Project.Kind != "ticket-board" {
		return fmt.Errorf("config.project.kind must be 'ticket-board'")
	}
	if c.Automation.MaxChainDepth < 0 {
		return fmt.Errorf("config.automation.max_chain_depth must not be negative")
	}
	if c.Automation.SweepInterval != "" {
		if _, err := time.ParseDuration(c.Automation.SweepInterval); err != nil {
			return fmt.Errorf("config.automation.sweep_interval: %w", err)
		}
	}
	if c.Automation.SoonWindow != "" {
		if _, err := time.ParseDuration(c.Automation.SoonWindow); err != nil {
			return fmt.Errorf("config.automation.soon_window: %w", err)
		}
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["owner"]; !ok {
			return fmt.Errorf("config.rbac.roles must include owner")
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	return nil
}

// MaxChainDepth returns the configured automation chain limit, or the
// default of 3.
func (c *Config) MaxChainDepth() int {
	if c == nil || c.Automation.MaxChainDepth == 0 {
		return 3
	}
	return c.Automation.MaxChainDepth
}

// SweepInterval returns the due-date sweep cadence, or the default of
// one minute.
func (c *Config) SweepInterval() time.Duration {
	if c == nil || c.Automation.SweepInterval == "" {
		return time.Minute
	}
	d, err := time.ParseDuration(c.Automation.SweepInterval)
	if err != nil {
		return time.Minute
	}
	return d
}

// SoonWindow returns how far ahead of a due date the
// due_date_approaching trigger fires, or the default of 24h.
func (c *Config) SoonWindow() time.Duration {
	if c == nil || c.Automation.SoonWindow == "" {
		return 24 * time.Hour
	}
	d, err := time.ParseDuration(c.Automation.SoonWindow)
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
	return filepath.Join(workspace, "flowboard.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
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

// Default returns the default Config struct for a board.
func Default(projectID string) *Config {
	var cfg Config
	cfg.Project.ID = projectID
	cfg.Project.Kind = "ticket-board"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	return &cfg
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

const defaultTemplate = `project:
  id: %s
  kind: ticket-board

server:
  addr: 127.0.0.1:8484

automation:
  max_chain_depth: 3
  sweep_interval: 1m
  soon_window: 24h

rbac:
  roles:
    owner:
      description: "Full control of the board"
      permissions: [board.move, board.approve, board.close, board.admin]
    agent:
      description: "Works tickets through the board"
      permissions: [board.move]
    reviewer:
      description: "Approves tickets into gated stages"
      permissions: [board.approve]
`

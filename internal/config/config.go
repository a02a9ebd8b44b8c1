package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models callbank.yml.
type Config struct {
	Location struct {
		ID   string `yaml:"id"`
		Code string `yaml:"code"`
		Name string `yaml:"name"`
	} `yaml:"location"`
	Claim struct {
		MaxRetries   int `yaml:"max_retries"`
		BackoffMS    int `yaml:"backoff_ms"`
		DefaultBatch int `yaml:"default_batch"`
	} `yaml:"claim"`
	Completion struct {
		Rule string `yaml:"rule"`
	} `yaml:"completion"`
	Pages map[string]struct {
		Description string `yaml:"description"`
	} `yaml:"pages"`
	RBAC struct {
		Roles  map[string]RBACRole `yaml:"roles"`
		Groups map[string][]string `yaml:"groups"`
	} `yaml:"rbac"`
}

// RBACRole binds one role to per-page allow/deny effects.
type RBACRole struct {
	Description string            `yaml:"description"`
	Pages       map[string]string `yaml:"pages"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with cb location config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Location.ID == "" {
		return fmt.Errorf("config.location.id is required")
	}
	if c.Claim.MaxRetries < 0 {
		return fmt.Errorf("config.claim.max_retries must not be negative")
	}
	if c.Claim.BackoffMS < 0 {
		return fmt.Errorf("config.claim.backoff_ms must not be negative")
	}
	if c.Claim.DefaultBatch < 1 {
		return fmt.Errorf("config.claim.default_batch must be at least 1")
	}
	switch c.Completion.Rule {
	case "rated_or_noted", "rated", "noted", "manual":
	default:
		return fmt.Errorf("config.completion.rule %q unknown", c.Completion.Rule)
	}
	for roleID, role := range c.RBAC.Roles {
		if roleID == "" {
			return fmt.Errorf("config.rbac.roles contains empty role id")
		}
		for page, effect := range role.Pages {
			if page == "" {
				return fmt.Errorf("role %s has empty page name", roleID)
			}
			if effect != "allow" && effect != "deny" {
				return fmt.Errorf("role %s page %s has effect %q; want allow or deny", roleID, page, effect)
			}
			if len(c.Pages) > 0 {
				if _, ok := c.Pages[page]; !ok {
					return fmt.Errorf("role %s references unknown page %s", roleID, page)
				}
			}
		}
	}
	for groupType, roles := range c.RBAC.Groups {
		if groupType == "" {
			return fmt.Errorf("config.rbac.groups has empty group type")
		}
		for _, roleID := range roles {
			if roleID == "" {
				return fmt.Errorf("group type %s has empty role id", groupType)
			}
			if len(c.RBAC.Roles) > 0 {
				if _, ok := c.RBAC.Roles[roleID]; !ok {
					return fmt.Errorf("group type %s references unknown role %s", groupType, roleID)
				}
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
	return filepath.Join(workspace, "callbank.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(locationID string) string {
	return fmt.Sprintf(defaultTemplate, locationID, locationID)
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

// Default returns the default Config struct for a location.
func Default(locationID string) *Config {
	var cfg Config
	cfg.Location.ID = locationID
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(locationID))).Decode(&cfg)
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

const defaultTemplate = `location:
  id: %s
  code: %s

claim:
  max_retries: 3
  backoff_ms: 25
  default_batch: 10

completion:
  rule: rated_or_noted

pages:
  tasks.view:
    description: "Browse call tasks and their pools"
  tasks.manage:
    description: "Create tasks and import targets"
  claims.make:
    description: "Claim targets and record outcomes"
  rbac.manage:
    description: "Manage groups, roles, and page permissions"
  reports.view:
    description: "View task summaries"

rbac:
  roles:
    organizer:
      description: "Runs the location"
      pages:
        tasks.view: allow
        tasks.manage: allow
        claims.make: allow
        rbac.manage: allow
        reports.view: allow
    caller:
      description: "Claims targets and makes calls"
      pages:
        tasks.view: allow
        claims.make: allow
        tasks.manage: deny
    observer:
      description: "Read-only reporting"
      pages:
        tasks.view: allow
        reports.view: allow

  groups:
    organizer: [organizer]
    volunteer: [caller]
    guest: [observer]
`

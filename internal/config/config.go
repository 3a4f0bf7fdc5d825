package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models bidline.yml: mission types, timeout windows, reward rules
// and the safety-number relay endpoint. There is one config per deployment;
// it is loaded once and threaded through explicitly rather than living in a
// process-wide singleton.
type Config struct {
	MissionTypes map[string]MissionType `yaml:"mission_types"`
	Timeouts     Timeouts               `yaml:"timeouts"`
	Rewards      Rewards                `yaml:"rewards"`
	Safety       Safety                 `yaml:"safety"`
}

type MissionType struct {
	Description   string `yaml:"description"`
	BiddingLimit  int    `yaml:"bidding_limit_minutes"` // 0 means no deadline
	ChargeRate    int    `yaml:"charge_rate"`
	MinimumAmount int64  `yaml:"minimum_amount"`
}

type Timeouts struct {
	LockTTLMinutes       int `yaml:"lock_ttl_minutes"`
	SafetyNumberMaxDays  int `yaml:"safety_number_max_days"`
	ReviewEditWindowDays int `yaml:"review_edit_window_days"`
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
}

type Rewards struct {
	// FinishRate is the percentage of the customer's payment returned as
	// points when a mission completes.
	FinishRate int `yaml:"finish_rate"`
	// ReferrerAmount is granted to the mission owner's referrer on each
	// completed mission, ReferrerFirstAmount on the owner's first ever.
	ReferrerAmount      int64 `yaml:"referrer_amount"`
	ReferrerFirstAmount int64 `yaml:"referrer_first_amount"`
	// ReferrerMaxGrants caps how many times the per-mission referrer reward
	// may go to the same referrer. 0 means unlimited.
	ReferrerMaxGrants int `yaml:"referrer_max_grants"`
}

type Safety struct {
	RelayHost    string            `yaml:"relay_host"`
	RelayPort    int               `yaml:"relay_port"`
	CompanyID    string            `yaml:"company_id"`
	NumberPrefix string            `yaml:"number_prefix"`
	RolePrefix   map[string]string `yaml:"role_prefix"`
}

// LockTTL returns the advisory-lock TTL as a duration.
func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.Timeouts.LockTTLMinutes) * time.Minute
}

// SafetyNumberMaxAge returns how long a lease may stay active before the
// sweep force-expires it.
func (c *Config) SafetyNumberMaxAge() time.Duration {
	return time.Duration(c.Timeouts.SafetyNumberMaxDays) * 24 * time.Hour
}

// ReviewEditWindow returns how long a review stays editable.
func (c *Config) ReviewEditWindow() time.Duration {
	return time.Duration(c.Timeouts.ReviewEditWindowDays) * 24 * time.Hour
}

// SweepInterval returns the reconciliation loop period.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Timeouts.SweepIntervalSeconds) * time.Second
}

// BiddingWindow returns the bidding window for a mission type, false when
// the type has no deadline.
func (c *Config) BiddingWindow(typeCode string) (time.Duration, bool) {
	mt, ok := c.MissionTypes[typeCode]
	if !ok || mt.BiddingLimit == 0 {
		return 0, false
	}
	return time.Duration(mt.BiddingLimit) * time.Minute, true
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.MissionTypes) == 0 {
		return fmt.Errorf("config.mission_types is required")
	}
	for code, mt := range c.MissionTypes {
		if code == "" {
			return fmt.Errorf("config.mission_types contains an empty code")
		}
		if mt.ChargeRate < 0 || mt.ChargeRate > 100 {
			return fmt.Errorf("mission type %s: charge_rate must be 0-100", code)
		}
		if mt.MinimumAmount < 0 {
			return fmt.Errorf("mission type %s: minimum_amount must not be negative", code)
		}
	}
	if c.Timeouts.LockTTLMinutes <= 0 {
		return fmt.Errorf("config.timeouts.lock_ttl_minutes must be positive")
	}
	if c.Timeouts.SafetyNumberMaxDays <= 0 {
		return fmt.Errorf("config.timeouts.safety_number_max_days must be positive")
	}
	if c.Rewards.FinishRate < 0 || c.Rewards.FinishRate > 100 {
		return fmt.Errorf("config.rewards.finish_rate must be 0-100")
	}
	if c.Safety.NumberPrefix == "" {
		return fmt.Errorf("config.safety.number_prefix is required")
	}
	for _, role := range []string{"customer", "helper", "normal"} {
		if _, ok := c.Safety.RolePrefix[role]; !ok {
			return fmt.Errorf("config.safety.role_prefix.%s is required", role)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "bidline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run bl config init", Path(workspace))
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults when no config file exists.
func LoadOptional(workspace string) (*Config, error) {
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
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in settings.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// GenerateDefault returns the default config YAML for bl config init.
func GenerateDefault() string { return defaultTemplate }

const defaultTemplate = `mission_types:
  errand:
    description: "General errand"
    bidding_limit_minutes: 30
    charge_rate: 10
    minimum_amount: 1000
  delivery:
    description: "Pickup and delivery"
    bidding_limit_minutes: 30
    charge_rate: 16
    minimum_amount: 1000
  remote:
    description: "Remote task, no deadline"
    bidding_limit_minutes: 0
    charge_rate: 10
    minimum_amount: 1000

timeouts:
  lock_ttl_minutes: 10
  safety_number_max_days: 30
  review_edit_window_days: 2
  sweep_interval_seconds: 60

rewards:
  finish_rate: 1
  referrer_amount: 1000
  referrer_first_amount: 3000
  referrer_max_grants: 10

safety:
  relay_host: ""
  relay_port: 60001
  company_id: "bidline01"
  number_prefix: "0508489"
  role_prefix:
    customer: "6"
    helper: "7"
    normal: "8"
`

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Auth        AuthConfig        `yaml:"auth"`
	Log         LogConfig         `yaml:"log"`
	Commission  CommissionConfig  `yaml:"commission"`
	Negotiation NegotiationConfig `yaml:"negotiation"`
	Dispute     DisputeConfig     `yaml:"dispute"`
	Access      AccessConfig      `yaml:"access"`
	Sweep       SweepConfig       `yaml:"sweep"`
	Webhook     WebhookConfig     `yaml:"webhook"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
}

type AuthConfig struct {
	JWTSecret        string `yaml:"jwt_secret"`
	TokenExpireHours int    `yaml:"token_expire_hours"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// CommissionConfig carries fallback values only. The live rate is read from
// platform_settings on every settlement.
type CommissionConfig struct {
	DefaultRate float64 `yaml:"default_rate"`
	DueDays     int     `yaml:"due_days"`
}

type NegotiationConfig struct {
	WindowDays int `yaml:"window_days"`
}

type DisputeConfig struct {
	WindowDays int `yaml:"window_days"`
}

type AccessConfig struct {
	DefaultFreeAllocation int `yaml:"default_free_allocation"`
}

type SweepConfig struct {
	TimeoutInterval    time.Duration `yaml:"timeout_interval"`
	ReminderInterval   time.Duration `yaml:"reminder_interval"`
	AllocationInterval time.Duration `yaml:"allocation_interval"`
	BatchSize          int           `yaml:"batch_size"`
}

type WebhookConfig struct {
	PaymentSecret string `yaml:"payment_secret"`
}

// Load reads the YAML file at path, applies defaults, then environment
// overrides. An empty path yields defaults plus environment.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyDefaults()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = 20
	}
	if c.Database.MinConns == 0 {
		c.Database.MinConns = 2
	}
	if c.Database.MaxConnLifetime == 0 {
		c.Database.MaxConnLifetime = 30 * time.Minute
	}
	if c.Database.MaxConnIdleTime == 0 {
		c.Database.MaxConnIdleTime = 5 * time.Minute
	}
	if c.Database.DialTimeout == 0 {
		c.Database.DialTimeout = 5 * time.Second
	}
	if c.Auth.TokenExpireHours == 0 {
		c.Auth.TokenExpireHours = 24
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Commission.DefaultRate == 0 {
		c.Commission.DefaultRate = 5
	}
	if c.Commission.DueDays == 0 {
		c.Commission.DueDays = 7
	}
	if c.Negotiation.WindowDays == 0 {
		c.Negotiation.WindowDays = 7
	}
	if c.Dispute.WindowDays == 0 {
		c.Dispute.WindowDays = 14
	}
	if c.Access.DefaultFreeAllocation == 0 {
		c.Access.DefaultFreeAllocation = 3
	}
	if c.Sweep.TimeoutInterval == 0 {
		c.Sweep.TimeoutInterval = time.Hour
	}
	if c.Sweep.ReminderInterval == 0 {
		c.Sweep.ReminderInterval = 15 * time.Minute
	}
	if c.Sweep.AllocationInterval == 0 {
		c.Sweep.AllocationInterval = 7 * 24 * time.Hour
	}
	if c.Sweep.BatchSize == 0 {
		c.Sweep.BatchSize = 100
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("PAYMENT_WEBHOOK_SECRET"); v != "" {
		c.Webhook.PaymentSecret = v
	}
	if v := os.Getenv("HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
}

// Validate rejects configurations the binaries cannot start with.
func (c *Config) Validate() error {
	if c.Commission.DefaultRate < 0 || c.Commission.DefaultRate > 100 {
		return fmt.Errorf("config: commission.default_rate must be within [0,100], got %v", c.Commission.DefaultRate)
	}
	if c.Access.DefaultFreeAllocation < 0 {
		return fmt.Errorf("config: access.default_free_allocation must not be negative")
	}
	if c.Sweep.BatchSize < 0 {
		return fmt.Errorf("config: sweep.batch_size must not be negative")
	}
	return nil
}

// NegotiationWindow is the time a requester has to answer a final-price proposal.
func (c *Config) NegotiationWindow() time.Duration {
	return time.Duration(c.Negotiation.WindowDays) * 24 * time.Hour
}

// DisputeWindow bounds how long after completion a settlement may be disputed.
func (c *Config) DisputeWindow() time.Duration {
	return time.Duration(c.Dispute.WindowDays) * 24 * time.Hour
}

// CommissionDue is the payment term of a newly created commission record.
func (c *Config) CommissionDue() time.Duration {
	return time.Duration(c.Commission.DueDays) * 24 * time.Hour
}

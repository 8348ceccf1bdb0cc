package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the dispatch engine.
type Config struct {
	Server    ServerConfig              `yaml:"server"`
	Database  DatabaseConfig            `yaml:"database"`
	Redis     RedisConfig               `yaml:"redis"`
	AMQP      AMQPConfig                `yaml:"amqp"`
	Log       LogConfig                 `yaml:"log"`
	Scheduler SchedulerConfig           `yaml:"scheduler"`
	Pool      PoolConfig                `yaml:"pool"`
	RateLimit RateLimitConfig           `yaml:"ratelimit"`
	Provider  ProviderConfig            `yaml:"provider"`
	Accounts  []AccountConfig           `yaml:"accounts"`
	Chatwoot  map[string]ChatwootConfig `yaml:"chatwoot"`
}

type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	// RunEngine starts the scheduler and sender pool inside the API process.
	RunEngine bool `yaml:"run_engine"`
	// MaxBodyBytes caps request bodies, recipient lists included.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

type DatabaseConfig struct {
	// Driver is "postgres" or "memory".
	Driver   string `yaml:"driver"`
	URL      string `yaml:"url"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
	MaxOpen  int    `yaml:"max_open_conns"`
}

// DSN builds the postgres connection string. URL wins when set.
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type AMQPConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

type SchedulerConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
	Timezone     string        `yaml:"timezone"`
	LockTTL      time.Duration `yaml:"lock_ttl"`
}

type PoolConfig struct {
	WorkersPerAccount    int           `yaml:"workers_per_account"`
	DefaultRatePerSecond float64       `yaml:"default_rate_per_second"`
	DefaultBurst         int           `yaml:"default_burst"`
	MaxRetries           int           `yaml:"max_retries"`
	BackoffBase          time.Duration `yaml:"backoff_base"`
	BackoffMax           time.Duration `yaml:"backoff_max"`
	ProviderTimeout      time.Duration `yaml:"provider_timeout"`
	ClaimTTL             time.Duration `yaml:"claim_ttl"`
	RecoveryInterval     time.Duration `yaml:"recovery_interval"`
	IdleInterval         time.Duration `yaml:"idle_interval"`
}

type RateLimitConfig struct {
	// Backend is "local" (in-process token buckets) or "redis".
	Backend string `yaml:"backend"`
}

type ProviderConfig struct {
	// Kind is "whatsapp" or "mock".
	Kind         string  `yaml:"kind"`
	BaseURL      string  `yaml:"base_url"`
	APIVersion   string  `yaml:"api_version"`
	MockFailRate float64 `yaml:"mock_fail_rate"`
}

// AccountConfig is one provider account (a WhatsApp Business Account).
type AccountConfig struct {
	ID                string              `yaml:"id"`
	BusinessAccountID string              `yaml:"business_account_id"`
	AccessToken       string              `yaml:"access_token"`
	PhoneNumbers      []PhoneNumberConfig `yaml:"phone_numbers"`
}

type PhoneNumberConfig struct {
	ID            string  `yaml:"id"`
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

type ChatwootConfig struct {
	BaseURL   string `yaml:"base_url"`
	AccountID int    `yaml:"account_id"`
	Token     string `yaml:"token"`
	InboxID   int    `yaml:"inbox_id"`
}

// Account looks up an account by id.
func (c *Config) Account(id string) (AccountConfig, bool) {
	for _, a := range c.Accounts {
		if a.ID == id {
			return a, true
		}
	}
	return AccountConfig{}, false
}

// PhoneNumber looks up a sending number of an account.
func (c *Config) PhoneNumber(accountID, phoneNumberID string) (PhoneNumberConfig, bool) {
	a, ok := c.Account(accountID)
	if !ok {
		return PhoneNumberConfig{}, false
	}
	for _, p := range a.PhoneNumbers {
		if p.ID == phoneNumberID {
			return p, true
		}
	}
	return PhoneNumberConfig{}, false
}

// Rate returns the configured messages/second and burst for a sending number.
func (c *Config) Rate(accountID, phoneNumberID string) (float64, int) {
	rps, burst := c.Pool.DefaultRatePerSecond, c.Pool.DefaultBurst
	if p, ok := c.PhoneNumber(accountID, phoneNumberID); ok {
		if p.RatePerSecond > 0 {
			rps = p.RatePerSecond
		}
		if p.Burst > 0 {
			burst = p.Burst
		}
	}
	return rps, burst
}

// Load reads and parses the configuration file. An empty path yields defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides. A .env
// file is loaded first when present.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString(&c.Server.Addr, "HTTP_ADDR")
	setString(&c.Database.Driver, "DB_DRIVER")
	setString(&c.Database.URL, "DATABASE_URL")
	setString(&c.Database.User, "DB_USER")
	setString(&c.Database.Password, "DB_PASSWORD")
	setString(&c.Database.Host, "DB_HOST")
	setString(&c.Database.Port, "DB_PORT")
	setString(&c.Database.Name, "DB_NAME")
	setString(&c.Redis.URL, "REDIS_URL")
	setString(&c.AMQP.URL, "AMQP_URL")
	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Scheduler.Timezone, "BROADCAST_TIMEZONE")
	setString(&c.Provider.Kind, "PROVIDER_KIND")

	if v := os.Getenv("MAX_BODY_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Server.MaxBodyBytes = n
		}
	}
	if v := os.Getenv("RUN_ENGINE"); v != "" {
		c.Server.RunEngine = v == "true" || v == "1"
	}

	// Secrets never live in the YAML file in production.
	for i := range c.Accounts {
		key := "WHATSAPP_TOKEN_" + envKey(c.Accounts[i].ID)
		setString(&c.Accounts[i].AccessToken, key)
	}
	for id, cw := range c.Chatwoot {
		if v := os.Getenv("CHATWOOT_TOKEN_" + envKey(id)); v != "" {
			cw.Token = v
			c.Chatwoot[id] = cw
		}
	}
}

func envKey(id string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(id))
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.MaxBodyBytes <= 0 {
		c.Server.MaxBodyBytes = 10 << 20
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.Port == "" {
		c.Database.Port = "5432"
	}
	if c.Database.MaxOpen == 0 {
		c.Database.MaxOpen = 20
	}
	if c.AMQP.Exchange == "" {
		c.AMQP.Exchange = "broadcast_events"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Scheduler.TickInterval == 0 {
		c.Scheduler.TickInterval = 2 * time.Second
	}
	if c.Scheduler.Timezone == "" {
		c.Scheduler.Timezone = "UTC"
	}
	if c.Scheduler.LockTTL == 0 {
		c.Scheduler.LockTTL = 10 * time.Second
	}
	p := &c.Pool
	if p.WorkersPerAccount <= 0 {
		p.WorkersPerAccount = 4
	}
	if p.DefaultRatePerSecond <= 0 {
		p.DefaultRatePerSecond = 10
	}
	if p.DefaultBurst <= 0 {
		p.DefaultBurst = 1
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = 3
	}
	if p.BackoffBase == 0 {
		p.BackoffBase = 500 * time.Millisecond
	}
	if p.BackoffMax == 0 {
		p.BackoffMax = time.Minute
	}
	if p.ProviderTimeout == 0 {
		p.ProviderTimeout = 15 * time.Second
	}
	if p.ClaimTTL == 0 {
		p.ClaimTTL = 5 * time.Minute
	}
	if p.RecoveryInterval == 0 {
		p.RecoveryInterval = time.Minute
	}
	if p.IdleInterval == 0 {
		p.IdleInterval = time.Second
	}
	if c.RateLimit.Backend == "" {
		c.RateLimit.Backend = "local"
	}
	if c.Provider.Kind == "" {
		c.Provider.Kind = "whatsapp"
	}
	if c.Provider.BaseURL == "" {
		c.Provider.BaseURL = "https://graph.facebook.com"
	}
	if c.Provider.APIVersion == "" {
		c.Provider.APIVersion = "v21.0"
	}
}

// Location resolves the scheduler's reference time zone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Scheduler.Timezone)
}

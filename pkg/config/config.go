package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full node configuration. Values come from environment
// variables prefixed ACN_, optionally overlaid on a YAML file; the
// environment wins on conflict.
type Config struct {
	// Server
	ListenAddr string `yaml:"listen_addr"`
	PublicURL  string `yaml:"public_url"` // Gateway public base URL, registered as tunnel agents' endpoint

	// Persistence
	DataDir     string `yaml:"data_dir"`     // Bolt backend directory
	DatabaseURL string `yaml:"database_url"` // Optional; selects the Postgres backend when set

	// Identity provider (bearer JWT validation and M2M issuance)
	AuthDomain   string `yaml:"auth_domain"`
	AuthAudience string `yaml:"auth_audience"`

	// Operator token guards infrastructure endpoints (constant-time compared)
	OperatorToken string `yaml:"operator_token"`

	// Collaborators
	WalletURL  string `yaml:"wallet_url"`
	EscrowURL  string `yaml:"escrow_url"`
	PaymentURL string `yaml:"payment_url"`

	// Outbound webhooks
	WebhookURL    string `yaml:"webhook_url"`
	WebhookSecret string `yaml:"webhook_secret"`

	// Subnet secret encryption at rest; plaintext storage when empty
	SecretsPassword string `yaml:"secrets_password"`

	// Feature flags
	ExperimentalInbound bool `yaml:"experimental_inbound"` // Platform-level A2A receive endpoint

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogPretty bool   `yaml:"log_pretty"`

	// Intervals; defaults match production, tests shrink them
	WatchdogInterval    time.Duration `yaml:"watchdog_interval"`
	SweepInterval       time.Duration `yaml:"sweep_interval"`
	LivenessGraceTTL    time.Duration `yaml:"liveness_grace_ttl"`
	LivenessRenewTTL    time.Duration `yaml:"liveness_renew_ttl"`
	TunnelStaleAfter    time.Duration `yaml:"tunnel_stale_after"`
	RequestTimeout      time.Duration `yaml:"request_timeout"`  // Gateway forward + A2A client
	RegisterTimeout     time.Duration `yaml:"register_timeout"` // Tunnel register frame deadline
	CollaboratorTimeout time.Duration `yaml:"collaborator_timeout"`

	// Rate limits (per IP, per minute)
	SendRateLimit      int `yaml:"send_rate_limit"`
	BroadcastRateLimit int `yaml:"broadcast_rate_limit"`

	// Routing
	MaxRetries int `yaml:"max_retries"` // DLQ retry ceiling

	// Webhook retry schedule: attempts with base * 2^n backoff
	WebhookAttempts int           `yaml:"webhook_attempts"`
	WebhookBackoff  time.Duration `yaml:"webhook_backoff"`
}

// Load reads configuration from the environment with production defaults.
func Load() *Config {
	return &Config{
		ListenAddr:  getEnv("ACN_LISTEN_ADDR", ":8420"),
		PublicURL:   getEnv("ACN_GATEWAY_PUBLIC_URL", "http://localhost:8420"),
		DataDir:     getEnv("ACN_DATA_DIR", "./acn-data"),
		DatabaseURL: getEnv("ACN_DATABASE_URL", ""),

		AuthDomain:   getEnv("ACN_AUTH_DOMAIN", ""),
		AuthAudience: getEnv("ACN_AUTH_AUDIENCE", ""),

		OperatorToken: getEnv("ACN_OPERATOR_TOKEN", ""),

		WalletURL:  getEnv("ACN_WALLET_URL", ""),
		EscrowURL:  getEnv("ACN_ESCROW_URL", ""),
		PaymentURL: getEnv("ACN_PAYMENT_URL", ""),

		WebhookURL:    getEnv("ACN_WEBHOOK_URL", ""),
		WebhookSecret: getEnv("ACN_WEBHOOK_SECRET", ""),

		SecretsPassword: getEnv("ACN_SECRETS_PASSWORD", ""),

		ExperimentalInbound: getBool("ACN_EXPERIMENTAL_INBOUND", false),

		LogLevel:  getEnv("ACN_LOG_LEVEL", "info"),
		LogPretty: getBool("ACN_LOG_PRETTY", false),

		WatchdogInterval:    getDuration("ACN_WATCHDOG_INTERVAL", 30*time.Minute),
		SweepInterval:       getDuration("ACN_SWEEP_INTERVAL", 30*time.Second),
		LivenessGraceTTL:    getDuration("ACN_LIVENESS_GRACE_TTL", 30*time.Minute),
		LivenessRenewTTL:    getDuration("ACN_LIVENESS_RENEW_TTL", 60*time.Minute),
		TunnelStaleAfter:    getDuration("ACN_TUNNEL_STALE_AFTER", 90*time.Second),
		RequestTimeout:      getDuration("ACN_REQUEST_TIMEOUT", 30*time.Second),
		RegisterTimeout:     getDuration("ACN_REGISTER_TIMEOUT", 30*time.Second),
		CollaboratorTimeout: getDuration("ACN_COLLABORATOR_TIMEOUT", 15*time.Second),

		SendRateLimit:      getInt("ACN_SEND_RATE_LIMIT", 60),
		BroadcastRateLimit: getInt("ACN_BROADCAST_RATE_LIMIT", 10),

		MaxRetries: getInt("ACN_MAX_RETRIES", 3),

		WebhookAttempts: getInt("ACN_WEBHOOK_ATTEMPTS", 3),
		WebhookBackoff:  getDuration("ACN_WEBHOOK_BACKOFF", 2*time.Second),
	}
}

// LoadFile loads defaults, overlays the YAML file at path, then re-applies
// any environment variables so the environment always wins.
func LoadFile(path string) (*Config, error) {
	cfg := Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment takes precedence over file values.
	overlayEnv(cfg)
	return cfg, nil
}

// Validate checks for configuration combinations that cannot work.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.PublicURL == "" {
		return fmt.Errorf("gateway public URL is required")
	}
	if c.DatabaseURL == "" && c.DataDir == "" {
		return fmt.Errorf("either a database URL or a data directory is required")
	}
	if c.WebhookURL != "" && c.WebhookSecret == "" {
		return fmt.Errorf("webhook secret is required when webhook URL is set")
	}
	return nil
}

func overlayEnv(cfg *Config) {
	setStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setStr("ACN_LISTEN_ADDR", &cfg.ListenAddr)
	setStr("ACN_GATEWAY_PUBLIC_URL", &cfg.PublicURL)
	setStr("ACN_DATA_DIR", &cfg.DataDir)
	setStr("ACN_DATABASE_URL", &cfg.DatabaseURL)
	setStr("ACN_AUTH_DOMAIN", &cfg.AuthDomain)
	setStr("ACN_AUTH_AUDIENCE", &cfg.AuthAudience)
	setStr("ACN_OPERATOR_TOKEN", &cfg.OperatorToken)
	setStr("ACN_WALLET_URL", &cfg.WalletURL)
	setStr("ACN_ESCROW_URL", &cfg.EscrowURL)
	setStr("ACN_PAYMENT_URL", &cfg.PaymentURL)
	setStr("ACN_WEBHOOK_URL", &cfg.WebhookURL)
	setStr("ACN_WEBHOOK_SECRET", &cfg.WebhookSecret)
	setStr("ACN_SECRETS_PASSWORD", &cfg.SecretsPassword)
	setStr("ACN_LOG_LEVEL", &cfg.LogLevel)

	if v := os.Getenv("ACN_EXPERIMENTAL_INBOUND"); v != "" {
		cfg.ExperimentalInbound = parseBool(v, cfg.ExperimentalInbound)
	}
	if v := os.Getenv("ACN_LOG_PRETTY"); v != "" {
		cfg.LogPretty = parseBool(v, cfg.LogPretty)
	}
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		return parseBool(v, defaultValue)
	}
	return defaultValue
}

func parseBool(v string, defaultValue bool) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultValue
	}
	return b
}

func getInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

package config

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/adhocore/gronx"
	"github.com/titanous/json5"
)

const DefaultTenant = "default"

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:          "0.0.0.0",
			Port:          18790,
			RateLimitRPM:  30,
			DefaultTenant: DefaultTenant,
		},
		Database: DatabaseConfig{
			Mode:       "standalone",
			SQLitePath: "replyguard.db",
		},
		Arbitration: ArbitrationConfig{
			Deferment:         "90s",
			GenerationTimeout: "30s",
			DeliveryTimeout:   "20s",
			ClaimTTL:          "2m",
			SweepCron:         "* * * * *",
			SweepBatch:        100,
			MaxConcurrent:     8,
		},
		Generator: GeneratorConfig{
			Name:      "openai",
			APIBase:   "https://api.openai.com/v1",
			Model:     "gpt-4o-mini",
			MaxTokens: 300,
		},
		Delivery: DeliveryConfig{
			CustomerChannel: "sms",
		},
		Notifications: NotificationsConfig{
			ExcerptWidth: 80,
		},
		Channels: ChannelsConfig{
			SMS: SMSConfig{
				APIBase: "https://api.twilio.com/2010-04-01",
			},
			WhatsApp: WhatsAppConfig{
				Tenant: DefaultTenant,
			},
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "replyguard",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields defaults plus env.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err == nil {
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	envStr("REPLYGUARD_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("REPLYGUARD_WEBHOOK_SECRET", &c.Gateway.WebhookSecret)
	envStr("REPLYGUARD_HOST", &c.Gateway.Host)
	if v := os.Getenv("REPLYGUARD_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	// Database
	envStr("REPLYGUARD_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("REPLYGUARD_MODE", &c.Database.Mode)
	envStr("REPLYGUARD_SQLITE_PATH", &c.Database.SQLitePath)

	// Arbitration
	envStr("REPLYGUARD_DEFERMENT", &c.Arbitration.Deferment)
	envStr("REPLYGUARD_HUMAN_WINDOW", &c.Arbitration.HumanWindow)

	// Generator
	envStr("REPLYGUARD_GENERATOR_API_KEY", &c.Generator.APIKey)
	envStr("REPLYGUARD_GENERATOR_API_BASE", &c.Generator.APIBase)
	envStr("REPLYGUARD_GENERATOR_MODEL", &c.Generator.Model)

	// Channel secrets
	envStr("REPLYGUARD_SMS_ACCOUNT_SID", &c.Channels.SMS.AccountSID)
	envStr("REPLYGUARD_SMS_AUTH_TOKEN", &c.Channels.SMS.AuthToken)
	envStr("REPLYGUARD_SMS_FROM", &c.Channels.SMS.From)
	envStr("REPLYGUARD_WHATSAPP_BRIDGE_URL", &c.Channels.WhatsApp.BridgeURL)
	envStr("REPLYGUARD_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("REPLYGUARD_DISCORD_TOKEN", &c.Channels.Discord.Token)

	// Auto-enable channels if credentials are provided via env
	if c.Channels.SMS.AccountSID != "" && c.Channels.SMS.AuthToken != "" {
		c.Channels.SMS.Enabled = true
	}
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}

	// Operator targets from env (comma-separated)
	if v := os.Getenv("REPLYGUARD_OPERATOR_TARGETS"); v != "" {
		c.Notifications.Targets = strings.Split(v, ",")
	}

	// Telemetry
	envStr("REPLYGUARD_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("REPLYGUARD_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("REPLYGUARD_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	envBool("REPLYGUARD_TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	envBool("REPLYGUARD_TELEMETRY_INSECURE", &c.Telemetry.Insecure)
}

// Validate checks cross-field constraints. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	t, err := c.Arbitration.Timings()
	if err != nil {
		errs = append(errs, err)
	} else {
		if t.HumanWindow < t.Deferment {
			errs = append(errs, fmt.Errorf("arbitration.human_window (%s) must be >= deferment (%s)", t.HumanWindow, t.Deferment))
		}
		if t.ClaimTTL <= t.GenerationTimeout+t.DeliveryTimeout {
			errs = append(errs, fmt.Errorf("arbitration.claim_ttl (%s) must exceed generation_timeout + delivery_timeout (%s)",
				t.ClaimTTL, t.GenerationTimeout+t.DeliveryTimeout))
		}
	}

	gron := gronx.New()
	if c.Arbitration.SweepCron != "" && !gron.IsValid(c.Arbitration.SweepCron) {
		errs = append(errs, fmt.Errorf("arbitration.sweep_cron: invalid expression %q", c.Arbitration.SweepCron))
	}

	switch c.Database.Mode {
	case "", "standalone":
	case "managed":
		if c.Database.PostgresDSN == "" {
			errs = append(errs, errors.New("database.mode is managed but REPLYGUARD_POSTGRES_DSN is not set"))
		}
	default:
		errs = append(errs, fmt.Errorf("database.mode: unknown mode %q", c.Database.Mode))
	}

	if c.Notifications.FallbackChannel != "" && c.Notifications.FallbackAddress == "" {
		errs = append(errs, errors.New("notifications.fallback_address is required when fallback_channel is set"))
	}

	return errors.Join(errs...)
}

// Timings returns the parsed arbitration durations under the read lock.
// Load has already validated them.
func (c *Config) Timings() Timings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, _ := c.Arbitration.Timings()
	return t
}

// Hash returns a short SHA-256 hash of the config, used to skip no-op reloads.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// MaskedCopy returns a deep copy of the config with all secret fields masked.
// Used by doctor output.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}
	cp.Database.PostgresDSN = c.Database.PostgresDSN
	maskNonEmpty(&cp.Database.PostgresDSN)

	maskNonEmpty(&cp.Gateway.Token)
	maskNonEmpty(&cp.Gateway.WebhookSecret)
	maskNonEmpty(&cp.Generator.APIKey)
	maskNonEmpty(&cp.Channels.SMS.AuthToken)
	maskNonEmpty(&cp.Channels.Telegram.Token)
	maskNonEmpty(&cp.Channels.Discord.Token)
	for k := range cp.Telemetry.Headers {
		cp.Telemetry.Headers[k] = secretMask
	}
	return cp
}

const secretMask = "***"

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}

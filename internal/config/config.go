package config

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON, so phone
// numbers and chat ids can be written unquoted.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for replyguard.
type Config struct {
	Gateway       GatewayConfig       `json:"gateway"`
	Database      DatabaseConfig      `json:"database,omitempty"`
	Arbitration   ArbitrationConfig   `json:"arbitration"`
	Generator     GeneratorConfig     `json:"generator"`
	Delivery      DeliveryConfig      `json:"delivery"`
	Notifications NotificationsConfig `json:"notifications"`
	Channels      ChannelsConfig      `json:"channels"`
	Telemetry     TelemetryConfig     `json:"telemetry,omitempty"`
	mu            sync.RWMutex
}

// DatabaseConfig selects the durable store.
// PostgresDSN is NEVER read from config.json (secret), only from env REPLYGUARD_POSTGRES_DSN.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`
	Mode        string `json:"mode,omitempty"`        // "standalone" (SQLite, default) or "managed" (Postgres)
	SQLitePath  string `json:"sqlite_path,omitempty"` // standalone database file
}

// IsManagedMode returns true when Postgres is configured.
func (c *Config) IsManagedMode() bool {
	return c.Database.Mode == "managed" && c.Database.PostgresDSN != ""
}

// ArbitrationConfig controls when and how automated replies are resolved.
// Durations are Go duration strings ("90s", "2m").
type ArbitrationConfig struct {
	Deferment         string   `json:"deferment,omitempty"`          // grace period before an automated reply (default "90s")
	HumanWindow       string   `json:"human_window,omitempty"`       // how far back a human reply suppresses automation (default = deferment)
	GenerationTimeout string   `json:"generation_timeout,omitempty"` // default "30s"
	DeliveryTimeout   string   `json:"delivery_timeout,omitempty"`   // default "20s"
	ClaimTTL          string   `json:"claim_ttl,omitempty"`          // resolver lease, must exceed generation+delivery (default "2m")
	SweepCron         string   `json:"sweep_cron,omitempty"`         // recovery sweep schedule (default every minute)
	SweepBatch        int      `json:"sweep_batch,omitempty"`        // max rows per sweep (default 100)
	MaxConcurrent     int      `json:"max_concurrent,omitempty"`     // concurrent resolves per process (default 8)
	ControlPhrases    []string `json:"control_phrases,omitempty"`    // opt-out phrases; empty = built-in list
}

// Timings is ArbitrationConfig with durations parsed.
type Timings struct {
	Deferment         time.Duration
	HumanWindow       time.Duration
	GenerationTimeout time.Duration
	DeliveryTimeout   time.Duration
	ClaimTTL          time.Duration
}

// Timings parses the duration fields, falling back to defaults for empty values.
func (a ArbitrationConfig) Timings() (Timings, error) {
	t := Timings{
		Deferment:         90 * time.Second,
		GenerationTimeout: 30 * time.Second,
		DeliveryTimeout:   20 * time.Second,
		ClaimTTL:          2 * time.Minute,
	}
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"deferment", a.Deferment, &t.Deferment},
		{"human_window", a.HumanWindow, &t.HumanWindow},
		{"generation_timeout", a.GenerationTimeout, &t.GenerationTimeout},
		{"delivery_timeout", a.DeliveryTimeout, &t.DeliveryTimeout},
		{"claim_ttl", a.ClaimTTL, &t.ClaimTTL},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return Timings{}, fmt.Errorf("arbitration.%s: %w", f.name, err)
		}
		if d <= 0 {
			return Timings{}, fmt.Errorf("arbitration.%s must be positive, got %s", f.name, f.raw)
		}
		*f.dst = d
	}
	if t.HumanWindow == 0 {
		t.HumanWindow = t.Deferment
	}
	return t, nil
}

// GeneratorConfig configures the OpenAI-compatible reply generator.
type GeneratorConfig struct {
	Name         string  `json:"name,omitempty"`
	APIBase      string  `json:"api_base,omitempty"`
	APIKey       string  `json:"api_key,omitempty"`
	Model        string  `json:"model"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
}

// DeliveryConfig routes customer replies.
type DeliveryConfig struct {
	CustomerChannel  string             `json:"customer_channel,omitempty"`  // default "sms"
	SecondaryTargets map[string]string  `json:"secondary_targets,omitempty"` // primary target → secondary target, any channel
	ChannelRPS       map[string]float64 `json:"channel_rps,omitempty"`       // per-channel send rate; 0 or absent = unlimited
	ChannelBurst     map[string]int     `json:"channel_burst,omitempty"`
}

// NotificationsConfig routes operator notifications.
type NotificationsConfig struct {
	Channel         string              `json:"channel,omitempty"` // operator channel, e.g. "telegram"
	Targets         FlexibleStringSlice `json:"targets,omitempty"` // operator chat ids / phone numbers
	FallbackChannel string              `json:"fallback_channel,omitempty"`
	FallbackAddress string              `json:"fallback_address,omitempty"`
	ExcerptWidth    int                 `json:"excerpt_width,omitempty"` // display columns (default 80)
}

// TelemetryConfig configures OpenTelemetry export for resolve/delivery spans.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP endpoint (e.g. "localhost:4317")
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"` // default "replyguard"
	Headers     map[string]string `json:"headers,omitempty"`
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Gateway = src.Gateway
	c.Database = src.Database
	c.Arbitration = src.Arbitration
	c.Generator = src.Generator
	c.Delivery = src.Delivery
	c.Notifications = src.Notifications
	c.Channels = src.Channels
	c.Telemetry = src.Telemetry
}

// ControlPhrases returns the configured opt-out phrases under the read lock.
func (c *Config) ControlPhrases() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.Arbitration.ControlPhrases...)
}

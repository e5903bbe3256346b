package config

// ChannelsConfig contains per-channel configuration.
type ChannelsConfig struct {
	SMS      SMSConfig      `json:"sms"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
}

// SMSConfig targets a Twilio-compatible messaging REST API. Inbound SMS
// arrive through the webhook endpoint, so there is no polling here.
type SMSConfig struct {
	Enabled    bool   `json:"enabled"`
	APIBase    string `json:"api_base,omitempty"` // default "https://api.twilio.com/2010-04-01"
	AccountSID string `json:"account_sid"`
	AuthToken  string `json:"auth_token"`
	From       string `json:"from"`
}

type WhatsAppConfig struct {
	Enabled   bool                `json:"enabled"`
	BridgeURL string              `json:"bridge_url"`
	Tenant    string              `json:"tenant,omitempty"` // tenant inbound bridge messages belong to (default "default")
	AllowFrom FlexibleStringSlice `json:"allow_from"`
}

// TelegramConfig is an operator-facing channel; targets are chat ids.
type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	Proxy   string `json:"proxy,omitempty"`
}

// DiscordConfig is an operator-facing channel; targets are channel ids.
type DiscordConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
}

// GatewayConfig controls the HTTP server.
type GatewayConfig struct {
	Host          string `json:"host"`
	Port          int    `json:"port"`
	Token         string `json:"token,omitempty"`          // bearer token for operator endpoints (resolve, automation, operator-reply)
	WebhookSecret string `json:"webhook_secret,omitempty"` // shared secret expected on the inbound webhook
	RateLimitRPM  int    `json:"rate_limit_rpm,omitempty"` // inbound webhooks per minute per sender (default 30)
	DefaultTenant string `json:"default_tenant,omitempty"` // tenant used by the CLI and bus-fed channels (default "default")
}

package protocol

// HTTP route patterns (Go 1.22 ServeMux syntax).
const (
	RouteInboundWebhook = "POST /v1/webhooks/{tenant}/inbound"
	RouteOperatorReply  = "POST /v1/webhooks/{tenant}/operator-reply"
	RouteResolve        = "POST /v1/pending/{id}/resolve"
	RouteAutomation     = "POST /v1/contacts/{tenant}/{phone}/automation"
	RouteHealth         = "GET /health"
)

// HeaderWebhookSecret carries the shared webhook secret when one is configured.
const HeaderWebhookSecret = "X-Webhook-Secret"

// ProtocolVersion is reported by the health endpoint and bumped on breaking
// HTTP API changes.
const ProtocolVersion = 1

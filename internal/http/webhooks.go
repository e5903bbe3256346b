package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/replyguard/internal/bus"
	"github.com/nextlevelbuilder/replyguard/internal/channels"
	"github.com/nextlevelbuilder/replyguard/internal/channels/sms"
	"github.com/nextlevelbuilder/replyguard/internal/inbound"
	"github.com/nextlevelbuilder/replyguard/internal/store"
	"github.com/nextlevelbuilder/replyguard/pkg/protocol"
)

const maxWebhookBody = 64 << 10

// emptyTwiML acknowledges an SMS provider webhook without replying. The
// customer only ever hears from the arbitration engine.
const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// Ingester is the part of inbound.Handler the webhooks use.
type Ingester interface {
	Handle(ctx context.Context, in bus.InboundMessage) (*inbound.Result, error)
	RecordOperatorReply(ctx context.Context, tenantID, phone, body string) (uuid.UUID, error)
}

// inboundPayload is the JSON form of an inbound webhook.
type inboundPayload struct {
	From              string `json:"from"`
	To                string `json:"to"`
	Body              string `json:"body"`
	ProviderMessageID string `json:"provider_message_id"`
	MediaCount        int    `json:"media_count,omitempty"`
	Channel           string `json:"channel,omitempty"`
}

type operatorReplyPayload struct {
	Phone string `json:"phone"`
	Body  string `json:"body"`
}

// WebhooksHandler receives provider webhooks: customer messages and
// operator replies sent outside this service.
type WebhooksHandler struct {
	ingest  Ingester
	secret  string
	limiter *channels.WebhookRateLimiter // nil = unlimited
	logger  *slog.Logger
}

// NewWebhooksHandler creates the webhook handler. An empty secret disables
// the shared-secret check.
func NewWebhooksHandler(ingest Ingester, secret string, limiter *channels.WebhookRateLimiter, logger *slog.Logger) *WebhooksHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhooksHandler{ingest: ingest, secret: secret, limiter: limiter, logger: logger}
}

// RegisterRoutes registers the webhook routes on the given mux.
func (h *WebhooksHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc(protocol.RouteInboundWebhook, h.auth(h.handleInbound))
	mux.HandleFunc(protocol.RouteOperatorReply, h.auth(h.handleOperatorReply))
}

func (h *WebhooksHandler) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.secret != "" && !tokenMatches(r.Header.Get(protocol.HeaderWebhookSecret), h.secret) {
			h.logger.Warn("security.webhook_secret_mismatch", "remote", r.RemoteAddr, "path", r.URL.Path)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)
		next(w, r)
	}
}

func (h *WebhooksHandler) handleInbound(w http.ResponseWriter, r *http.Request) {
	tenant := r.PathValue("tenant")
	form := isForm(r)

	var msg bus.InboundMessage
	if form {
		if err := r.ParseForm(); err != nil {
			writeError(w, http.StatusBadRequest, "invalid form: "+err.Error())
			return
		}
		parsed, err := sms.ParseInbound(tenant, r.PostForm)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		msg = parsed
	} else {
		var p inboundPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		msg = bus.InboundMessage{
			Channel:           p.Channel,
			TenantID:          tenant,
			From:              p.From,
			To:                p.To,
			Body:              p.Body,
			ProviderMessageID: p.ProviderMessageID,
			MediaCount:        p.MediaCount,
			ReceivedAt:        time.Now().UTC(),
		}
		if msg.Channel == "" {
			msg.Channel = "webhook"
		}
	}

	if h.limiter != nil && !h.limiter.Allow(tenant+"/"+store.PhoneKey(msg.From)) {
		h.logger.Warn("security.webhook_rate_limited", "tenant", tenant, "phone", msg.From)
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	res, err := h.ingest.Handle(r.Context(), msg)
	if err != nil {
		status := statusForIngestError(err)
		h.logger.Error("inbound webhook failed", "tenant", tenant, "phone", msg.From, "status", status, "error", err)
		writeError(w, status, err.Error())
		return
	}

	if form {
		w.Header().Set("Content-Type", "text/xml; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(emptyTwiML))
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

func (h *WebhooksHandler) handleOperatorReply(w http.ResponseWriter, r *http.Request) {
	var p operatorReplyPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	id, err := h.ingest.RecordOperatorReply(r.Context(), r.PathValue("tenant"), p.Phone, p.Body)
	if err != nil {
		writeError(w, statusForIngestError(err), err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"message_id": id.String()})
}

// statusForIngestError maps ingestion errors to HTTP statuses. 503 asks the
// provider to retry the webhook later.
func statusForIngestError(err error) int {
	switch {
	case errors.Is(err, inbound.ErrInvalidMessage):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func isForm(r *http.Request) bool {
	ct, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return false
	}
	return strings.EqualFold(ct, "application/x-www-form-urlencoded")
}

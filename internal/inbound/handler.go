// Package inbound turns a received customer message into durable state:
// the message is logged, the customer resolved, an automated reply
// scheduled (or automation switched off) and operators notified.
package inbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/replyguard/internal/bus"
	"github.com/nextlevelbuilder/replyguard/internal/customer"
	"github.com/nextlevelbuilder/replyguard/internal/notify"
	"github.com/nextlevelbuilder/replyguard/internal/store"
	"github.com/nextlevelbuilder/replyguard/pkg/protocol"
)

// MediaPlaceholder is stored as the body of media-only messages.
const MediaPlaceholder = "[media]"

// ErrInvalidMessage is returned for messages without a tenant, sender or content.
var ErrInvalidMessage = errors.New("invalid inbound message")

// CustomerProvider is the part of customer.Provider the handler uses.
type CustomerProvider interface {
	Resolve(ctx context.Context, tenantID, phone string) (*customer.Context, error)
	SetAutomationDisabled(ctx context.Context, tenantID, phone string) error
	Touch(ctx context.Context, tenantID, phone string, at time.Time)
	IsControlPhrase(body string) bool
}

// Scheduler is the part of arbiter.Engine the handler uses.
type Scheduler interface {
	Schedule(ctx context.Context, msg *store.Message, cc *customer.Context) (uuid.UUID, bool, error)
}

// Notifier is the part of notify.Fanout the handler uses.
type Notifier interface {
	Notify(ctx context.Context, ev notify.Event)
}

// Config wires a Handler.
type Config struct {
	Messages  store.MessageStore
	Customers CustomerProvider
	Engine    Scheduler
	Notifier  Notifier // optional
	Now       func() time.Time
	Logger    *slog.Logger
}

// Result reports what Handle did.
type Result struct {
	MessageID uuid.UUID `json:"message_id"`
	PendingID uuid.UUID `json:"pending_id,omitempty"`
	Merged    bool      `json:"merged,omitempty"`
	OptedOut  bool      `json:"opted_out,omitempty"`
	Duplicate bool      `json:"duplicate,omitempty"`
}

// Handler implements inbound ingestion.
type Handler struct {
	cfg    Config
	logger *slog.Logger
	dedupe *dedupeCache
	notes  sync.WaitGroup
}

func NewHandler(cfg Config) *Handler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{
		cfg:    cfg,
		logger: cfg.Logger,
		dedupe: newDedupeCache(20*time.Minute, 5000),
	}
}

// Handle ingests one customer message. Store failures are returned wrapped
// in store.ErrStoreUnavailable so the transport can ask the provider to retry.
func (h *Handler) Handle(ctx context.Context, in bus.InboundMessage) (*Result, error) {
	if in.TenantID == "" || store.NormalizeDigits(in.From) == "" {
		return nil, fmt.Errorf("%w: missing tenant or sender", ErrInvalidMessage)
	}
	body := in.Body
	if strings.TrimSpace(body) == "" {
		if in.MediaCount == 0 {
			return nil, fmt.Errorf("%w: empty body", ErrInvalidMessage)
		}
		body = MediaPlaceholder
	}

	now := h.cfg.Now().UTC()
	dedupeKey := ""
	if in.ProviderMessageID != "" {
		dedupeKey = in.TenantID + "/" + in.ProviderMessageID
	}
	logged, ok := h.dedupe.reserve(dedupeKey, now)
	if !ok {
		h.logger.Debug("inbound duplicate ignored", "tenant", in.TenantID, "provider_message_id", in.ProviderMessageID)
		return &Result{Duplicate: true}, nil
	}

	msg, err := h.appendInbound(ctx, in, body, now, logged)
	if errors.Is(err, store.ErrDuplicateMessage) {
		h.dedupe.complete(dedupeKey, now)
		h.logger.Debug("inbound duplicate already stored", "tenant", in.TenantID, "provider_message_id", in.ProviderMessageID)
		return &Result{Duplicate: true}, nil
	}
	if err != nil {
		h.dedupe.abort(dedupeKey, nil, now)
		return nil, fmt.Errorf("%w: append inbound message: %v", store.ErrStoreUnavailable, err)
	}
	res := &Result{MessageID: msg.ID}

	h.cfg.Customers.Touch(ctx, in.TenantID, in.From, msg.CreatedAt)

	cc, err := h.cfg.Customers.Resolve(ctx, in.TenantID, in.From)
	if err != nil {
		h.dedupe.abort(dedupeKey, msg, now)
		return nil, fmt.Errorf("%w: %v", store.ErrStoreUnavailable, err)
	}

	if h.cfg.Customers.IsControlPhrase(body) {
		if err := h.cfg.Customers.SetAutomationDisabled(ctx, in.TenantID, in.From); err != nil {
			h.dedupe.abort(dedupeKey, msg, now)
			return nil, fmt.Errorf("%w: %v", store.ErrStoreUnavailable, err)
		}
		cc.AutomationDisabled = true
		res.OptedOut = true
		h.logger.Info("customer opted out of automation", "tenant", in.TenantID, "phone", in.From)
		h.notify(ctx, protocol.EventAutomationOptOut, cc, body, "control phrase")
	} else {
		pid, merged, err := h.cfg.Engine.Schedule(ctx, msg, cc)
		if err != nil {
			h.dedupe.abort(dedupeKey, msg, now)
			return nil, fmt.Errorf("%w: %v", store.ErrStoreUnavailable, err)
		}
		res.PendingID, res.Merged = pid, merged
	}

	h.dedupe.complete(dedupeKey, now)
	h.notify(ctx, protocol.EventInboundReceived, cc, body, "")
	return res, nil
}

// appendInbound stores the customer message, or returns logged when an
// earlier attempt already stored it.
func (h *Handler) appendInbound(ctx context.Context, in bus.InboundMessage, body string, now time.Time, logged *store.Message) (*store.Message, error) {
	if logged != nil {
		return logged, nil
	}
	createdAt := in.ReceivedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	msg := &store.Message{
		TenantID:          in.TenantID,
		PhoneNumber:       in.From,
		Direction:         store.DirectionInbound,
		AuthorType:        store.AuthorCustomer,
		Body:              body,
		ProviderMessageID: in.ProviderMessageID,
		CreatedAt:         createdAt,
	}
	if _, err := h.cfg.Messages.Append(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// RecordOperatorReply logs a human reply sent outside this service (operator
// UI, provider status callback). Any pending automated reply for the
// conversation is cancelled when it resolves.
func (h *Handler) RecordOperatorReply(ctx context.Context, tenantID, phone, body string) (uuid.UUID, error) {
	if tenantID == "" || store.NormalizeDigits(phone) == "" {
		return uuid.Nil, fmt.Errorf("%w: missing tenant or phone", ErrInvalidMessage)
	}
	id, err := h.cfg.Messages.Append(ctx, &store.Message{
		TenantID:    tenantID,
		PhoneNumber: phone,
		Direction:   store.DirectionOutbound,
		AuthorType:  store.AuthorAdmin,
		Body:        body,
		CreatedAt:   h.cfg.Now().UTC(),
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: append operator reply: %v", store.ErrStoreUnavailable, err)
	}
	h.cfg.Customers.Touch(ctx, tenantID, phone, h.cfg.Now().UTC())
	return id, nil
}

// notify runs the fanout in the background so a slow operator channel does
// not hold up the webhook response.
func (h *Handler) notify(ctx context.Context, name string, cc *customer.Context, text, why string) {
	if h.cfg.Notifier == nil {
		return
	}
	ev := notify.Event{
		Name:        name,
		TenantID:    cc.TenantID,
		PhoneNumber: cc.PhoneNumber,
		DisplayName: cc.DisplayName,
		IsKnown:     cc.IsKnown,
		Text:        text,
		Reason:      why,
		At:          h.cfg.Now().UTC(),
	}
	ctx = context.WithoutCancel(ctx)
	h.notes.Add(1)
	go func() {
		defer h.notes.Done()
		h.cfg.Notifier.Notify(ctx, ev)
	}()
}

// Wait blocks until background notifications finish.
func (h *Handler) Wait() { h.notes.Wait() }

// Run consumes messages from router until ctx is done. Errors are logged;
// bus-fed transports have no provider retry to fall back on.
func (h *Handler) Run(ctx context.Context, router bus.InboundRouter) {
	h.logger.Info("inbound consumer started")
	for {
		msg, ok := router.ConsumeInbound(ctx)
		if !ok {
			h.logger.Info("inbound consumer stopped")
			return
		}
		if _, err := h.Handle(ctx, msg); err != nil {
			h.logger.Error("inbound message dropped",
				"channel", msg.Channel, "tenant", msg.TenantID, "provider_message_id", msg.ProviderMessageID, "error", err)
		}
	}
}

// Package channels connects messaging transports (SMS, WhatsApp, Telegram,
// Discord) to the service. Customer-facing transports also feed inbound
// messages onto the bus; operator-facing ones only send.
package channels

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/replyguard/internal/bus"
)

// Channel defines the interface that all channel implementations must satisfy.
type Channel interface {
	// Name returns the channel identifier (e.g. "sms", "telegram").
	Name() string

	// Start begins listening for messages. Should be non-blocking after setup.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the channel.
	Stop(ctx context.Context) error

	// Send delivers one outbound message. It must honour ctx cancellation.
	Send(ctx context.Context, msg bus.OutboundMessage) error

	IsRunning() bool
}

// BaseChannel provides shared functionality for channel implementations.
type BaseChannel struct {
	name      string
	tenantID  string
	bus       bus.InboundRouter
	running   atomic.Bool
	allowList []string
}

// NewBaseChannel creates a BaseChannel. tenantID is the tenant inbound
// messages from this transport belong to; msgBus may be nil for send-only
// channels.
func NewBaseChannel(name, tenantID string, msgBus bus.InboundRouter, allowList []string) *BaseChannel {
	return &BaseChannel{
		name:      name,
		tenantID:  tenantID,
		bus:       msgBus,
		allowList: allowList,
	}
}

func (c *BaseChannel) Name() string { return c.name }
func (c *BaseChannel) TenantID() string { return c.tenantID }
func (c *BaseChannel) IsRunning() bool { return c.running.Load() }
func (c *BaseChannel) SetRunning(r bool) { c.running.Store(r) }
func (c *BaseChannel) HasAllowList() bool { return len(c.allowList) > 0 }
func (c *BaseChannel) Bus() bus.InboundRouter { return c.bus }

// IsAllowed checks a sender against the allowlist. Phone numbers are
// compared on digits only. Empty allowlist means all senders are allowed.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}
	sender := digitsOrRaw(senderID)
	for _, allowed := range c.allowList {
		if sender == digitsOrRaw(allowed) {
			return true
		}
	}
	return false
}

// HandleMessage publishes a received customer message to the bus.
func (c *BaseChannel) HandleMessage(from, to, body, providerMessageID string, mediaCount int) {
	if c.bus == nil || !c.IsAllowed(from) {
		return
	}
	c.bus.PublishInbound(bus.InboundMessage{
		Channel:           c.name,
		TenantID:          c.tenantID,
		From:              from,
		To:                to,
		Body:              body,
		ProviderMessageID: providerMessageID,
		MediaCount:        mediaCount,
		ReceivedAt:        time.Now().UTC(),
	})
}

func digitsOrRaw(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return strings.TrimPrefix(s, "@")
	}
	return b.String()
}

// Truncate shortens a string to maxLen bytes on a rune boundary, appending
// "..." if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func utf8RuneStart(b byte) bool { return b&0xC0 != 0x80 }

// Package customer resolves phone numbers to CRM context and owns the single
// durable "automation off" switch for a conversation.
package customer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/nextlevelbuilder/replyguard/internal/store"
)

// DefaultControlPhrases opt a conversation out of automation.
var DefaultControlPhrases = []string{
	"stop ai",
	"ai off",
	"stop bot",
	"no bot",
	"human please",
	"talk to a human",
}

// Context is the customer view used by arbitration. It is derived on demand
// and never cached across an arbitration cycle.
type Context struct {
	TenantID           string
	PhoneNumber        string
	IsKnown            bool
	DisplayName        string
	AutomationDisabled bool
	Profile            map[string]string
	LastContactAt      *time.Time
}

// Label returns the display name when known, otherwise the phone number.
func (c *Context) Label() string {
	if c.IsKnown && c.DisplayName != "" {
		return c.DisplayName
	}
	return c.PhoneNumber
}

// Provider resolves customer context from the contact store.
type Provider struct {
	contacts store.ContactStore
	logger   *slog.Logger

	mu      sync.RWMutex
	phrases map[string]bool
}

// NewProvider creates a provider. A nil or empty phrases list uses DefaultControlPhrases.
func NewProvider(contacts store.ContactStore, phrases []string, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{contacts: contacts, logger: logger}
	p.SetControlPhrases(phrases)
	return p
}

// Resolve returns the context for phone. Unknown numbers are not an error:
// they resolve with IsKnown=false and automation enabled.
func (p *Provider) Resolve(ctx context.Context, tenantID, phone string) (*Context, error) {
	cc := &Context{TenantID: tenantID, PhoneNumber: phone}

	c, err := p.contacts.FindByPhone(ctx, tenantID, phone)
	if errors.Is(err, store.ErrNotFound) {
		return cc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve customer %s: %w", phone, err)
	}

	// A contact row created only to hold the opt-out flag has no name; it is
	// still not a known customer.
	cc.IsKnown = c.DisplayName != "" || len(c.Profile) > 0
	cc.DisplayName = c.DisplayName
	cc.AutomationDisabled = c.AutomationDisabled
	cc.Profile = c.Profile
	cc.LastContactAt = c.LastContactAt
	return cc, nil
}

// SetAutomationDisabled is the sole mutator of the automation flag. Idempotent.
func (p *Provider) SetAutomationDisabled(ctx context.Context, tenantID, phone string) error {
	changed, err := p.contacts.SetAutomationDisabled(ctx, tenantID, phone, true)
	if err != nil {
		return fmt.Errorf("disable automation for %s: %w", phone, err)
	}
	if changed {
		p.logger.Info("automation disabled", "tenant", tenantID, "phone", phone)
	}
	return nil
}

// SetAutomationEnabled re-enables automation; used by operator tooling only.
func (p *Provider) SetAutomationEnabled(ctx context.Context, tenantID, phone string) error {
	changed, err := p.contacts.SetAutomationDisabled(ctx, tenantID, phone, false)
	if err != nil {
		return fmt.Errorf("enable automation for %s: %w", phone, err)
	}
	if changed {
		p.logger.Info("automation enabled", "tenant", tenantID, "phone", phone)
	}
	return nil
}

// Touch records the latest contact time. Best effort: failures are logged.
func (p *Provider) Touch(ctx context.Context, tenantID, phone string, at time.Time) {
	if err := p.contacts.TouchLastContact(ctx, tenantID, phone, at); err != nil {
		p.logger.Warn("touch last contact failed", "tenant", tenantID, "phone", phone, "error", err)
	}
}

// SetControlPhrases replaces the recognized opt-out phrases. Safe for
// concurrent use with IsControlPhrase (config hot reload).
func (p *Provider) SetControlPhrases(phrases []string) {
	if len(phrases) == 0 {
		phrases = DefaultControlPhrases
	}
	set := make(map[string]bool, len(phrases))
	for _, ph := range phrases {
		if n := normalizePhrase(ph); n != "" {
			set[n] = true
		}
	}
	p.mu.Lock()
	p.phrases = set
	p.mu.Unlock()
}

// IsControlPhrase reports whether body is an opt-out command. Matching ignores
// case, punctuation and repeated whitespace; the whole message must match.
func (p *Provider) IsControlPhrase(body string) bool {
	n := normalizePhrase(body)
	if n == "" {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.phrases[n]
}

func normalizePhrase(s string) string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return strings.Join(fields, " ")
}

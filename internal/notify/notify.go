// Package notify tells operators what happened in a conversation. Delivery
// goes through the dispatcher with operator fallback; failures are logged
// and never surface to the caller.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-runewidth"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/replyguard/internal/bus"
	"github.com/nextlevelbuilder/replyguard/internal/dispatch"
	"github.com/nextlevelbuilder/replyguard/pkg/protocol"
)

const (
	defaultExcerptWidth = 80
	sendTimeout         = 30 * time.Second
)

// Event is one operator-visible occurrence. Name is a protocol.Event* constant.
type Event struct {
	Name        string    `json:"name"`
	TenantID    string    `json:"tenant_id"`
	PhoneNumber string    `json:"phone_number"`
	DisplayName string    `json:"display_name,omitempty"`
	IsKnown     bool      `json:"is_known"`
	Text        string    `json:"text,omitempty"` // customer text, or the reply for automation events
	Reason      string    `json:"reason,omitempty"`
	PendingID   uuid.UUID `json:"pending_id,omitempty"`
	At          time.Time `json:"at"`
}

// Sender is the part of the dispatcher the fanout needs.
type Sender interface {
	Send(ctx context.Context, req dispatch.Request) (*dispatch.Result, error)
}

// Config wires a Fanout.
type Config struct {
	Targets      []string
	ExcerptWidth int
	Bus          bus.EventPublisher // optional
	Logger       *slog.Logger
}

// Fanout sends each event to every operator target concurrently.
type Fanout struct {
	sender Sender
	bus    bus.EventPublisher
	logger *slog.Logger

	mu      sync.RWMutex
	targets []string
	width   int
}

func NewFanout(sender Sender, cfg Config) *Fanout {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	f := &Fanout{sender: sender, bus: cfg.Bus, logger: cfg.Logger}
	f.SetTargets(cfg.Targets, cfg.ExcerptWidth)
	return f
}

// SetTargets swaps the operator targets, used on config reload.
func (f *Fanout) SetTargets(targets []string, excerptWidth int) {
	if excerptWidth <= 0 {
		excerptWidth = defaultExcerptWidth
	}
	clean := make([]string, 0, len(targets))
	for _, t := range targets {
		if t = strings.TrimSpace(t); t != "" {
			clean = append(clean, t)
		}
	}
	f.mu.Lock()
	f.targets = clean
	f.width = excerptWidth
	f.mu.Unlock()
}

// Notify broadcasts ev on the bus and sends the summary to every operator
// target. It blocks until all sends finish; callers that must not wait run
// it in a goroutine.
func (f *Fanout) Notify(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	if f.bus != nil {
		f.bus.Broadcast(bus.Event{Name: ev.Name, Payload: ev})
	}

	f.mu.RLock()
	targets := append([]string(nil), f.targets...)
	width := f.width
	f.mu.RUnlock()

	if len(targets) == 0 {
		f.logger.Debug("notify: no operator targets", "event", ev.Name)
		return
	}

	text := Summary(ev, width)
	// Notifications outlive the request that triggered them.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
	defer cancel()

	var g errgroup.Group
	for _, target := range targets {
		g.Go(func() error {
			refID := ev.PendingID
			if refID == uuid.Nil {
				refID, _ = uuid.NewV7()
			}
			_, err := f.sender.Send(ctx, dispatch.Request{
				RefID:   refID,
				Text:    text,
				Target:  target,
				Purpose: dispatch.PurposeOperator,
			})
			if err != nil {
				f.logger.Error("operator notification failed",
					"event", ev.Name, "target", target, "tenant", ev.TenantID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Summary renders the operator message for ev.
func Summary(ev Event, excerptWidth int) string {
	who := ev.PhoneNumber
	if ev.DisplayName != "" {
		who = fmt.Sprintf("%s (%s)", ev.DisplayName, ev.PhoneNumber)
	}
	class := "unknown number"
	if ev.IsKnown {
		class = "known customer"
	}

	var title string
	switch ev.Name {
	case protocol.EventInboundReceived:
		title = "New message from " + who
	case protocol.EventAutomationSent:
		title = "Automated reply sent to " + who
	case protocol.EventAutomationCancelled:
		title = "Automated reply cancelled for " + who
	case protocol.EventAutomationFailed:
		title = "Automated reply FAILED for " + who
	case protocol.EventAutomationOptOut:
		title = who + " turned off automated replies"
	default:
		title = ev.Name + ": " + who
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s, %s", ev.TenantID, title, class)
	if ev.Text != "" {
		fmt.Fprintf(&b, "\n\"%s\"", Excerpt(ev.Text, excerptWidth))
	}
	if ev.Reason != "" {
		fmt.Fprintf(&b, "\nReason: %s", ev.Reason)
	}
	return b.String()
}

// Excerpt collapses whitespace and truncates s to width display columns,
// so wide (CJK, emoji) text is cut by what operators actually see.
func Excerpt(s string, width int) string {
	s = strings.Join(strings.Fields(s), " ")
	if width <= 0 {
		width = defaultExcerptWidth
	}
	return runewidth.Truncate(s, width, "...")
}

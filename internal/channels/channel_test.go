package channels

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nextlevelbuilder/replyguard/internal/bus"
)

type fakeChannel struct {
	*BaseChannel
	sent []bus.OutboundMessage
}

func (f *fakeChannel) Start(context.Context) error { f.SetRunning(true); return nil }
func (f *fakeChannel) Stop(context.Context) error  { f.SetRunning(false); return nil }
func (f *fakeChannel) Send(_ context.Context, msg bus.OutboundMessage) error {
	f.sent = append(f.sent, msg)
	return nil
}

func TestIsAllowedComparesDigits(t *testing.T) {
	c := NewBaseChannel("sms", "t1", nil, []string{"+1 (555) 000-1111", "@ops"})
	tests := []struct {
		sender string
		want   bool
	}{
		{"15550001111", true},
		{"+1-555-000-1111", true},
		{"15550002222", false},
		{"ops", true},
	}
	for _, tt := range tests {
		t.Run(tt.sender, func(t *testing.T) {
			if got := c.IsAllowed(tt.sender); got != tt.want {
				t.Errorf("IsAllowed(%q) = %v, want %v", tt.sender, got, tt.want)
			}
		})
	}
}

func TestHandleMessagePublishesWithTenant(t *testing.T) {
	b := bus.New()
	c := NewBaseChannel("whatsapp", "acme", b, nil)
	c.HandleMessage("+15550001111", "+15559990000", "hello", "wamid.1", 0)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := b.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("no message published")
	}
	if msg.TenantID != "acme" || msg.Channel != "whatsapp" || msg.Body != "hello" {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func TestManagerSendToChannel(t *testing.T) {
	m := NewManager()
	ch := &fakeChannel{BaseChannel: NewBaseChannel("sms", "t1", nil, nil)}
	m.RegisterChannel("sms", ch)

	err := m.SendToChannel(context.Background(), "sms", "+1555", "hi")
	if !errors.Is(err, ErrChannelNotRunning) {
		t.Fatalf("expected ErrChannelNotRunning, got %v", err)
	}

	if err := m.StartAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := m.SendToChannel(context.Background(), "sms", "+1555", "hi"); err != nil {
		t.Fatal(err)
	}
	if len(ch.sent) != 1 || ch.sent[0].ChatID != "+1555" {
		t.Fatalf("sent = %+v", ch.sent)
	}

	err = m.SendToChannel(context.Background(), "fax", "+1555", "hi")
	if !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("expected ErrUnknownChannel, got %v", err)
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("héllo", 2); got != "h..." {
		t.Fatalf("got %q", got)
	}
	if got := Truncate("hi", 5); got != "hi" {
		t.Fatalf("got %q", got)
	}
}

package bus

import (
	"context"
	"testing"
	"time"
)

func TestPublishConsumeInbound(t *testing.T) {
	b := NewWithBuffer(1)
	b.PublishInbound(InboundMessage{TenantID: "t1", Body: "hi"})
	b.PublishInbound(InboundMessage{TenantID: "t1", Body: "dropped"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := b.ConsumeInbound(ctx)
	if !ok || msg.Body != "hi" {
		t.Fatalf("got %+v ok=%v", msg, ok)
	}

	short, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel2()
	if _, ok := b.ConsumeInbound(short); ok {
		t.Fatal("expected empty bus after overflow drop")
	}
}

func TestBroadcastSurvivesPanickingHandler(t *testing.T) {
	b := New()
	var got []string
	b.Subscribe("bad", func(Event) { panic("boom") })
	b.Subscribe("good", func(e Event) { got = append(got, e.Name) })

	b.Broadcast(Event{Name: "automation.sent"})
	if len(got) != 1 || got[0] != "automation.sent" {
		t.Fatalf("got %v", got)
	}

	b.Unsubscribe("good")
	b.Broadcast(Event{Name: "again"})
	if len(got) != 1 {
		t.Fatalf("unsubscribed handler still called: %v", got)
	}
}

package channels

import (
	"testing"
	"time"
)

func TestWebhookRateLimiterWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	rl := NewWebhookRateLimiter(2, time.Minute)
	rl.now = func() time.Time { return now }

	for i, want := range []bool{true, true, false} {
		if got := rl.Allow("+15550001111"); got != want {
			t.Fatalf("hit %d: got %v, want %v", i, got, want)
		}
	}
	if !rl.Allow("+15550002222") {
		t.Fatal("other key should not share the counter")
	}

	now = now.Add(time.Minute)
	if !rl.Allow("+15550001111") {
		t.Fatal("window should have reset")
	}
}

func TestWebhookRateLimiterBoundsKeys(t *testing.T) {
	rl := NewWebhookRateLimiter(1, time.Hour)
	for i := 0; i < maxTrackedKeys+10; i++ {
		rl.Allow(time.Duration(i).String())
	}
	if len(rl.entries) > maxTrackedKeys {
		t.Fatalf("tracked %d keys, cap is %d", len(rl.entries), maxTrackedKeys)
	}
}

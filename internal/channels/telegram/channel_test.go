package telegram

import (
	"strings"
	"testing"
)

func TestParseChatID(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"12345", 12345, false},
		{"-100200300", -100200300, false},
		{" 42 ", 42, false},
		{"@ops", 0, true},
	}
	for _, tt := range tests {
		got, err := parseChatID(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("parseChatID(%q) = %d, %v", tt.in, got, err)
		}
	}
}

func TestSplitMessage(t *testing.T) {
	long := strings.Repeat("a", 30) + "\n" + strings.Repeat("b", 30)
	parts := splitMessage(long, 40)
	if len(parts) != 2 || parts[0] != strings.Repeat("a", 30)+"\n" {
		t.Fatalf("parts = %q", parts)
	}
	if got := strings.Join(parts, ""); got != long {
		t.Fatal("split lost content")
	}

	if parts := splitMessage("short", 40); len(parts) != 1 || parts[0] != "short" {
		t.Fatalf("parts = %q", parts)
	}
}

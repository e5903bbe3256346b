package tracing

import (
	"context"
	"testing"

	"github.com/nextlevelbuilder/replyguard/internal/config"
)

func TestInitDisabled(t *testing.T) {
	shutdown, err := Init(context.Background(), config.TelemetryConfig{}, "dev")
	if err != nil {
		t.Fatal(err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitRejectsUnknownProtocol(t *testing.T) {
	_, err := Init(context.Background(), config.TelemetryConfig{Enabled: true, Protocol: "carrier-pigeon"}, "dev")
	if err == nil {
		t.Fatal("expected error for unknown protocol")
	}
}

func TestProtocolName(t *testing.T) {
	if got := protocolName(config.TelemetryConfig{}); got != "grpc" {
		t.Errorf("default protocol = %q", got)
	}
	if got := protocolName(config.TelemetryConfig{Protocol: "http"}); got != "http" {
		t.Errorf("protocol = %q", got)
	}
}

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nextlevelbuilder/replyguard/internal/config"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) PingContext(ctx context.Context) error { return f(ctx) }

type staticStatus map[string]bool

func (s staticStatus) Status() map[string]bool { return s }

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		ping       error
		wantStatus int
		wantBody   string
	}{
		{"healthy", nil, http.StatusOK, "ok"},
		{"database down", errors.New("connection refused"), http.StatusServiceUnavailable, "degraded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(config.GatewayConfig{})
			s.SetHealthSources(pingFunc(func(context.Context) error { return tt.ping }), staticStatus{"sms": true, "telegram": false})

			rec := httptest.NewRecorder()
			s.BuildMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var resp healthResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatal(err)
			}
			if resp.Status != tt.wantBody {
				t.Errorf("status field = %q, want %q", resp.Status, tt.wantBody)
			}
			if !resp.Channels["sms"] || resp.Channels["telegram"] {
				t.Errorf("channels = %v", resp.Channels)
			}
		})
	}
}

func TestBuildMuxWithoutHandlers(t *testing.T) {
	s := NewServer(config.GatewayConfig{})
	rec := httptest.NewRecorder()
	s.BuildMux().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/pending/x/resolve", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if s.BuildMux() != s.BuildMux() {
		t.Fatal("mux not cached")
	}
}

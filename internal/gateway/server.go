// Package gateway serves the HTTP surface: provider webhooks, the resolve
// trigger, the automation toggle and health.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/replyguard/internal/config"
	httpapi "github.com/nextlevelbuilder/replyguard/internal/http"
	"github.com/nextlevelbuilder/replyguard/pkg/protocol"
)

// Pinger reports whether a dependency is reachable. *sql.DB implements it.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// ChannelStatus reports running state per channel. channels.Manager implements it.
type ChannelStatus interface {
	Status() map[string]bool
}

// Server is the HTTP gateway.
type Server struct {
	cfg config.GatewayConfig

	webhooksHandler *httpapi.WebhooksHandler
	pendingHandler  *httpapi.PendingHandler
	contactsHandler *httpapi.ContactsHandler

	db       Pinger        // nil = not checked
	channels ChannelStatus // nil = not reported

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a gateway server.
func NewServer(cfg config.GatewayConfig) *Server {
	return &Server{cfg: cfg}
}

// SetWebhooksHandler sets the provider webhook handler.
func (s *Server) SetWebhooksHandler(h *httpapi.WebhooksHandler) { s.webhooksHandler = h }

// SetPendingHandler sets the resolve trigger handler.
func (s *Server) SetPendingHandler(h *httpapi.PendingHandler) { s.pendingHandler = h }

// SetContactsHandler sets the automation toggle handler.
func (s *Server) SetContactsHandler(h *httpapi.ContactsHandler) { s.contactsHandler = h }

// SetHealthSources sets what /health checks.
func (s *Server) SetHealthSources(db Pinger, channels ChannelStatus) {
	s.db = db
	s.channels = channels
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()
	mux.HandleFunc(protocol.RouteHealth, s.handleHealth)

	if s.webhooksHandler != nil {
		s.webhooksHandler.RegisterRoutes(mux)
	}
	if s.pendingHandler != nil {
		s.pendingHandler.RegisterRoutes(mux)
	}
	if s.contactsHandler != nil {
		s.contactsHandler.RegisterRoutes(mux)
	}

	s.mux = mux
	return mux
}

// Start listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

type healthResponse struct {
	Status   string          `json:"status"`
	Protocol int             `json:"protocol"`
	Database string          `json:"database,omitempty"`
	Channels map[string]bool `json:"channels,omitempty"`
}

// handleHealth reports 200 while the database answers, 503 otherwise.
// Channel state is informational.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Protocol: protocol.ProtocolVersion}
	status := http.StatusOK

	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			resp.Status = "degraded"
			resp.Database = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			resp.Database = "ok"
		}
	}
	if s.channels != nil {
		resp.Channels = s.channels.Status()
	}
	httpapi.WriteJSON(w, status, resp)
}

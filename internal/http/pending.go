package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/replyguard/internal/arbiter"
	"github.com/nextlevelbuilder/replyguard/internal/store"
	"github.com/nextlevelbuilder/replyguard/pkg/protocol"
)

// Resolver is the part of arbiter.Engine the resolve trigger uses.
type Resolver interface {
	Resolve(ctx context.Context, id uuid.UUID) (*arbiter.Result, error)
	ForceResolve(ctx context.Context, id uuid.UUID) (*arbiter.Result, error)
}

// PendingHandler exposes the deferred-resolution trigger for queues and
// manual action. Safe to call any number of times for the same id.
type PendingHandler struct {
	resolver Resolver
	token    string
	logger   *slog.Logger
}

func NewPendingHandler(resolver Resolver, token string, logger *slog.Logger) *PendingHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PendingHandler{resolver: resolver, token: token, logger: logger}
}

// RegisterRoutes registers the resolve route on the given mux.
func (h *PendingHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc(protocol.RouteResolve, requireToken(h.token, h.handleResolve))
}

func (h *PendingHandler) handleResolve(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid pending response id")
		return
	}
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))

	var res *arbiter.Result
	if force {
		res, err = h.resolver.ForceResolve(r.Context(), id)
	} else {
		res, err = h.resolver.Resolve(r.Context(), id)
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "pending response not found")
		return
	case err != nil:
		// Left pending; the caller may retry.
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/nextlevelbuilder/replyguard/pkg/protocol"
)

// AutomationSwitch is the part of customer.Provider the toggle uses.
type AutomationSwitch interface {
	SetAutomationDisabled(ctx context.Context, tenantID, phone string) error
	SetAutomationEnabled(ctx context.Context, tenantID, phone string) error
}

// ContactsHandler lets operators switch automation off or back on for a
// conversation.
type ContactsHandler struct {
	customers AutomationSwitch
	token     string
}

func NewContactsHandler(customers AutomationSwitch, token string) *ContactsHandler {
	return &ContactsHandler{customers: customers, token: token}
}

// RegisterRoutes registers the automation toggle route on the given mux.
func (h *ContactsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc(protocol.RouteAutomation, requireToken(h.token, h.handleAutomation))
}

func (h *ContactsHandler) handleAutomation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Disabled *bool `json:"disabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Disabled == nil {
		writeError(w, http.StatusBadRequest, "disabled is required")
		return
	}

	tenant, phone := r.PathValue("tenant"), r.PathValue("phone")
	var err error
	if *req.Disabled {
		err = h.customers.SetAutomationDisabled(r.Context(), tenant, phone)
	} else {
		err = h.customers.SetAutomationEnabled(r.Context(), tenant, phone)
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"tenant":              tenant,
		"phone":               phone,
		"automation_disabled": *req.Disabled,
	})
}

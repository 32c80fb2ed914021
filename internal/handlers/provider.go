package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"inbox-gateway/internal/accounts"
	"inbox-gateway/internal/alias"
	"inbox-gateway/internal/inbox"
)

// ProviderHandler serves the provider-account endpoints: account listing,
// alias generation, and the provider-routed message operations.
type ProviderHandler struct {
	core Core
}

// NewProviderHandler creates a provider handler.
func NewProviderHandler(core Core) *ProviderHandler {
	return &ProviderHandler{core: core}
}

// Accounts lists the configured provider accounts with viewer-aware
// capabilities plus per-provider counts.
func (h *ProviderHandler) Accounts(w http.ResponseWriter, r *http.Request) {
	viewer := inbox.ViewerFromContext(r.Context())
	list := h.core.ListAccountsForViewer(viewer)

	providers := map[string]int{"gmail": 0, "outlook": 0}
	for _, a := range list {
		providers[string(a.Provider)]++
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"accounts":  list,
		"providers": providers,
	})
}

type aliasRequest struct {
	Provider     string `json:"provider"`
	BaseEmail    string `json:"baseEmail"`
	CustomSuffix string `json:"customSuffix"`
	UseDotMethod bool   `json:"useDotMethod"`
}

// GenerateAlias produces a disposable address for a configured account.
func (h *ProviderHandler) GenerateAlias(w http.ResponseWriter, r *http.Request) {
	var req aliasRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var provider accounts.Provider
	switch req.Provider {
	case string(accounts.ProviderGmail):
		provider = accounts.ProviderGmail
	case string(accounts.ProviderOutlook):
		provider = accounts.ProviderOutlook
	default:
		writeError(w, http.StatusBadRequest, "unknown provider")
		return
	}

	generated, err := h.core.GenerateAlias(provider, req.BaseEmail, req.CustomSuffix, req.UseDotMethod)
	if err != nil {
		if errors.Is(err, alias.ErrNotRoutable) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"alias": generated})
}

// List returns provider-routed messages for the address query parameter.
func (h *ProviderHandler) List(w http.ResponseWriter, r *http.Request) {
	address := r.URL.Query().Get("address")
	if address == "" {
		writeError(w, http.StatusBadRequest, "address query parameter is required")
		return
	}
	viewer := inbox.ViewerFromContext(r.Context())
	writeMessages(w, h.core.FetchForAddress(r.Context(), address, viewer))
}

// Refresh forces a refetch for the address.
func (h *ProviderHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	address := r.URL.Query().Get("address")
	if address == "" {
		writeError(w, http.StatusBadRequest, "address query parameter is required")
		return
	}
	viewer := inbox.ViewerFromContext(r.Context())
	writeMessages(w, h.core.RefreshAddress(r.Context(), address, viewer))
}

// Delete removes a message from the backend named by accountEmail.
func (h *ProviderHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	backend := r.URL.Query().Get("accountEmail")
	if backend == "" {
		writeError(w, http.StatusBadRequest, "accountEmail query parameter is required")
		return
	}
	if !h.core.DeleteMessage(id, backend) {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Attachment streams one attachment from the backend named by accountEmail.
func (h *ProviderHandler) Attachment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	name := chi.URLParam(r, "name")
	backend := r.URL.Query().Get("accountEmail")
	if backend == "" {
		writeError(w, http.StatusBadRequest, "accountEmail query parameter is required")
		return
	}

	att := h.core.GetAttachment(id, name, backend)
	if att == nil {
		writeError(w, http.StatusNotFound, "attachment not found")
		return
	}
	serveAttachment(w, att)
}

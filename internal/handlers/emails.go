package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"inbox-gateway/internal/inbox"
)

// EmailHandler serves the catch-all domain endpoints. All messages live in
// the configured catch-all backend; the address query selects the view.
type EmailHandler struct {
	core    Core
	backend string
}

// NewEmailHandler creates a handler bound to the catch-all backend mailbox.
func NewEmailHandler(core Core, catchAllBackend string) *EmailHandler {
	return &EmailHandler{core: core, backend: catchAllBackend}
}

// List returns the messages for the address query parameter. With no
// address, the whole recent window across backends is returned.
func (h *EmailHandler) List(w http.ResponseWriter, r *http.Request) {
	viewer := inbox.ViewerFromContext(r.Context())
	msgs := h.core.FetchForAddress(r.Context(), r.URL.Query().Get("address"), viewer)
	writeMessages(w, msgs)
}

// Refresh invalidates the caches for the address and fetches anew.
func (h *EmailHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	viewer := inbox.ViewerFromContext(r.Context())
	msgs := h.core.RefreshAddress(r.Context(), r.URL.Query().Get("address"), viewer)
	writeMessages(w, msgs)
}

// Delete removes a message by id from the catch-all backend.
func (h *EmailHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if h.backend == "" {
		writeError(w, http.StatusNotFound, "no catch-all backend configured")
		return
	}
	if !h.core.DeleteMessage(id, h.backend) {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Attachment streams one attachment of a catch-all message.
func (h *EmailHandler) Attachment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	name := chi.URLParam(r, "name")

	att := h.core.GetAttachment(id, name, h.backend)
	if att == nil {
		writeError(w, http.StatusNotFound, "attachment not found")
		return
	}
	serveAttachment(w, att)
}

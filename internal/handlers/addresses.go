package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"inbox-gateway/internal/store"
)

// AddressHandler manages custom catch-all address registrations. The
// aggregation core never consults these rows; they exist so the UI can
// offer users stable addresses under the catch-all domains.
type AddressHandler struct {
	addresses *store.AddressStore
	domains   map[string]bool
}

// NewAddressHandler creates an address handler restricted to the configured
// catch-all domains.
func NewAddressHandler(addresses *store.AddressStore, domains []string) *AddressHandler {
	dm := make(map[string]bool, len(domains))
	for _, d := range domains {
		dm[strings.ToLower(d)] = true
	}
	return &AddressHandler{addresses: addresses, domains: dm}
}

// userID identifies the registration owner. Registrations belong to the
// external user system; the id arrives as a header set by the web
// collaborator.
func userID(r *http.Request) string {
	if id := r.Header.Get("X-User-Id"); id != "" {
		return id
	}
	return ""
}

type registerRequest struct {
	Address string `json:"address"`
}

// Register reserves a custom address for the requesting user.
func (h *AddressHandler) Register(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		writeError(w, http.StatusUnauthorized, "missing user identity")
		return
	}

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	addr := strings.ToLower(strings.TrimSpace(req.Address))
	at := strings.LastIndex(addr, "@")
	if at <= 0 || !h.domains[addr[at+1:]] {
		writeError(w, http.StatusBadRequest, "address must use a configured catch-all domain")
		return
	}

	registered, err := h.addresses.Register(uid, addr)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrLimitReached):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, store.ErrAddressTaken):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, registered)
}

// List returns the user's registrations.
func (h *AddressHandler) List(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		writeError(w, http.StatusUnauthorized, "missing user identity")
		return
	}

	list, err := h.addresses.ListByUser(uid)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list addresses")
		return
	}
	if list == nil {
		list = []store.CustomAddress{}
	}
	writeJSON(w, http.StatusOK, list)
}

// Delete removes one of the user's registrations.
func (h *AddressHandler) Delete(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		writeError(w, http.StatusUnauthorized, "missing user identity")
		return
	}

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid address id")
		return
	}

	ok, err := h.addresses.Delete(uid, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete address")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "address not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Package handlers implements the HTTP endpoints of the gateway API.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"inbox-gateway/internal/accounts"
	"inbox-gateway/internal/alias"
	"inbox-gateway/internal/email"
	"inbox-gateway/internal/inbox"
)

// Core is the slice of the aggregation service the handlers consume.
type Core interface {
	FetchForAddress(ctx context.Context, address string, viewer inbox.Viewer) []email.Message
	RefreshAddress(ctx context.Context, address string, viewer inbox.Viewer) []email.Message
	DeleteMessage(id, backend string) bool
	GetAttachment(id, filename, backend string) *email.AttachmentData
	GenerateAlias(provider accounts.Provider, base, suffix string, useDot bool) (alias.Alias, error)
	ListAccountsForViewer(viewer inbox.Viewer) []inbox.AccountInfo
	Stats() inbox.Stats
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeMessages always emits a JSON array, never null.
func writeMessages(w http.ResponseWriter, msgs []email.Message) {
	if msgs == nil {
		msgs = []email.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func serveAttachment(w http.ResponseWriter, att *email.AttachmentData) {
	w.Header().Set("Content-Type", att.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+att.Filename+`"`)
	w.WriteHeader(http.StatusOK)
	w.Write(att.Data)
}

var _ Core = (*inbox.Service)(nil)

// Package email defines the canonical message record and parses raw
// RFC 5322 messages fetched over IMAP into it.
package email

import (
	"fmt"
	"strings"
	"time"

	"inbox-gateway/internal/accounts"
)

// Attachment is the metadata of one attachment. Raw bytes are held
// separately in the payload cache.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	SizeBytes   int64  `json:"sizeBytes"`
}

// Message is the canonical message record. From and To hold the normalized
// comparison form; FromDisplay and ToDisplay keep the casing the sender
// wrote.
type Message struct {
	ID          string            `json:"id"`
	UID         uint32            `json:"uid"`
	From        string            `json:"from"`
	FromDisplay string            `json:"fromDisplay,omitempty"`
	FromName    string            `json:"fromName,omitempty"`
	To          string            `json:"to"`
	ToDisplay   string            `json:"toDisplay,omitempty"`
	Subject     string            `json:"subject"`
	Date        time.Time         `json:"date"`
	TextBody    string            `json:"textBody,omitempty"`
	HTMLBody    string            `json:"htmlBody,omitempty"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	Backend     string            `json:"-"`
	Provider    accounts.Provider `json:"provider"`
	IsAlias     bool              `json:"isAlias"`
}

// AttachmentData is one attachment with its raw bytes.
type AttachmentData struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Payload is the fully parsed form of one message, kept in the payload
// cache so attachment downloads do not re-fetch from IMAP.
type Payload struct {
	MessageID   string
	Attachments []AttachmentData
}

// Attachment returns the raw attachment with the given filename, or nil.
func (p *Payload) Attachment(filename string) *AttachmentData {
	for i := range p.Attachments {
		if p.Attachments[i].Filename == filename {
			return &p.Attachments[i]
		}
	}
	return nil
}

// FallbackID builds a stable message id for messages without a Message-Id
// header.
func FallbackID(backend string, uid uint32) string {
	return fmt.Sprintf("uid-%s-%d", backend, uid)
}

// NormalizeAddress lower-cases and trims an address for comparison. The
// original casing is kept for display.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

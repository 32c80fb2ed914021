package email

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	_ "github.com/emersion/go-message/charset" // register extended charsets
	"github.com/emersion/go-message/mail"
)

// maxPartSize bounds how much of any single MIME part is read, so one
// oversized message cannot exhaust memory.
const maxPartSize = 25 << 20 // 25 MiB

// Parse decodes a raw RFC 5322 message into the canonical record plus its
// payload. Backend and uid identify where the bytes came from; routing
// fields (Provider, IsAlias) are filled in by the caller.
func Parse(raw []byte, backend string, uid uint32) (Message, *Payload, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && mr == nil {
		return Message{}, nil, fmt.Errorf("create mail reader: %w", err)
	}

	msg := Message{
		UID:     uid,
		Backend: backend,
	}

	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = NormalizeAddress(from[0].Address)
		msg.FromDisplay = strings.TrimSpace(from[0].Address)
		msg.FromName = from[0].Name
	}
	if to, err := mr.Header.AddressList("To"); err == nil && len(to) > 0 {
		msg.To = NormalizeAddress(to[0].Address)
		msg.ToDisplay = strings.TrimSpace(to[0].Address)
	}
	if subject, err := mr.Header.Subject(); err == nil {
		msg.Subject = subject
	}
	if date, err := mr.Header.Date(); err == nil && !date.IsZero() {
		msg.Date = date.UTC()
	} else {
		msg.Date = time.Now().UTC()
	}
	if id, err := mr.Header.MessageID(); err == nil && id != "" {
		msg.ID = id
	} else {
		msg.ID = FallbackID(backend, uid)
	}

	payload := &Payload{MessageID: msg.ID}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// A broken part should not discard what was already decoded.
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			body, err := io.ReadAll(io.LimitReader(part.Body, maxPartSize))
			if err != nil {
				continue
			}
			switch {
			case strings.HasPrefix(contentType, "text/plain") && msg.TextBody == "":
				msg.TextBody = string(body)
			case strings.HasPrefix(contentType, "text/html") && msg.HTMLBody == "":
				msg.HTMLBody = string(body)
			}

		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			if filename == "" {
				filename = fmt.Sprintf("attachment-%d", len(payload.Attachments)+1)
			}
			contentType, _, _ := h.ContentType()
			if contentType == "" {
				contentType = "application/octet-stream"
			}
			data, err := io.ReadAll(io.LimitReader(part.Body, maxPartSize))
			if err != nil {
				continue
			}
			msg.Attachments = append(msg.Attachments, Attachment{
				Filename:    filename,
				ContentType: contentType,
				SizeBytes:   int64(len(data)),
			})
			payload.Attachments = append(payload.Attachments, AttachmentData{
				Filename:    filename,
				ContentType: contentType,
				Data:        data,
			})
		}
	}

	return msg, payload, nil
}

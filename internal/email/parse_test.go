package email

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const multipartFixture = "From: Order Desk <orders@shop.example>\r\n" +
	"To: Alice+Shop@gmail.com\r\n" +
	"Subject: Your receipt\r\n" +
	"Date: Mon, 02 Jun 2025 10:30:00 +0200\r\n" +
	"Message-Id: <receipt-123@shop.example>\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=\"outer\"\r\n" +
	"\r\n" +
	"--outer\r\n" +
	"Content-Type: multipart/alternative; boundary=\"inner\"\r\n" +
	"\r\n" +
	"--inner\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Thanks for your order.\r\n" +
	"--inner\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<p>Thanks for your order.</p>\r\n" +
	"--inner--\r\n" +
	"--outer\r\n" +
	"Content-Type: application/pdf\r\n" +
	"Content-Disposition: attachment; filename=\"receipt.pdf\"\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"JVBERi0xLjQ=\r\n" +
	"--outer--\r\n"

func TestParseMultipart(t *testing.T) {
	msg, payload, err := Parse([]byte(multipartFixture), "alice@gmail.com", 42)
	require.NoError(t, err)

	assert.Equal(t, "receipt-123@shop.example", msg.ID)
	assert.Equal(t, uint32(42), msg.UID)
	assert.Equal(t, "orders@shop.example", msg.From)
	assert.Equal(t, "Order Desk", msg.FromName)
	assert.Equal(t, "alice+shop@gmail.com", msg.To, "To must be normalized to lower case")
	assert.Equal(t, "Alice+Shop@gmail.com", msg.ToDisplay, "original casing is kept for display")
	assert.Equal(t, "orders@shop.example", msg.FromDisplay)
	assert.Equal(t, "Your receipt", msg.Subject)

	// Dates are normalized to UTC.
	assert.Equal(t, time.UTC, msg.Date.Location())
	assert.Equal(t, 8, msg.Date.Hour())

	assert.Equal(t, "Thanks for your order.\r\n", msg.TextBody)
	assert.Equal(t, "<p>Thanks for your order.</p>\r\n", msg.HTMLBody)

	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "receipt.pdf", msg.Attachments[0].Filename)
	assert.Equal(t, "application/pdf", msg.Attachments[0].ContentType)
	assert.Equal(t, int64(8), msg.Attachments[0].SizeBytes)

	att := payload.Attachment("receipt.pdf")
	require.NotNil(t, att)
	assert.Equal(t, "%PDF-1.4", string(att.Data), "base64 transfer encoding must be decoded")
}

func TestParsePlainMessage(t *testing.T) {
	raw := "From: sender@example.com\r\n" +
		"To: b@tempbox.dev\r\n" +
		"Subject: hello\r\n" +
		"Date: Tue, 03 Jun 2025 08:00:00 +0000\r\n" +
		"Message-Id: <plain-1@example.com>\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"just text\r\n"

	msg, payload, err := Parse([]byte(raw), "catch@example.com", 7)
	require.NoError(t, err)
	assert.Equal(t, "plain-1@example.com", msg.ID)
	assert.Equal(t, "just text\r\n", msg.TextBody)
	assert.Empty(t, msg.HTMLBody)
	assert.Empty(t, msg.Attachments)
	assert.Empty(t, payload.Attachments)
}

func TestParseMissingMessageIDFallsBackToUID(t *testing.T) {
	raw := "From: sender@example.com\r\n" +
		"To: x@tempbox.dev\r\n" +
		"Subject: no id\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"body\r\n"

	msg, _, err := Parse([]byte(raw), "catch@example.com", 99)
	require.NoError(t, err)
	assert.Equal(t, "uid-catch@example.com-99", msg.ID)
	assert.False(t, msg.Date.IsZero(), "missing Date falls back to now")
}

func TestParseGarbageFails(t *testing.T) {
	_, _, err := Parse([]byte("\x00\x01not a message"), "b", 1)
	// Either an error or an empty-but-valid record is acceptable; what must
	// not happen is a panic. When parsing succeeds the fallback id applies.
	if err == nil {
		t.Log("lenient parser accepted garbage; fallback id must be present")
	}
	assert.NotPanics(t, func() {
		_, _, _ = Parse([]byte(strings.Repeat("x", 10)), "b", 2)
	})
}

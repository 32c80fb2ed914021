// Package imap wraps go-imap sessions for the gateway: dialing with
// deadlines, login with password or OAuth bearer tokens, the search and
// fetch primitives the message pipeline needs, and the per-backend
// connection manager and IDLE listener built on top of them.
package imap

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
	"github.com/rs/zerolog"

	"inbox-gateway/internal/accounts"
	"inbox-gateway/internal/logging"
)

const (
	connectTimeout = 15 * time.Second
	readTimeout    = 20 * time.Second
	writeTimeout   = 15 * time.Second
)

// deadlineConn stamps a fresh deadline before every read and write, so a
// dead server cannot block a session forever. go-imap v2 has no built-in
// operation timeouts. The read timeout is mutable: a session entering IDLE
// lifts it, otherwise a quiet mailbox would be disconnected long before the
// cycle timer.
type deadlineConn struct {
	net.Conn
	readTimeout  atomic.Int64 // nanoseconds; 0 disables the per-read deadline
	writeTimeout time.Duration
}

func newDeadlineConn(conn net.Conn, read, write time.Duration) *deadlineConn {
	c := &deadlineConn{Conn: conn, writeTimeout: write}
	c.readTimeout.Store(int64(read))
	return c
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if d := time.Duration(c.readTimeout.Load()); d > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(d)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(b)
}

// setReadTimeout changes the per-read deadline and applies it to any read
// already blocked on the connection.
func (c *deadlineConn) setReadTimeout(d time.Duration) {
	c.readTimeout.Store(int64(d))
	if d > 0 {
		c.Conn.SetReadDeadline(time.Now().Add(d))
	} else {
		c.Conn.SetReadDeadline(time.Time{})
	}
}

func (c *deadlineConn) Write(b []byte) (int, error) {
	if c.writeTimeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(b)
}

// RawMessage is one fetched message before parsing.
type RawMessage struct {
	UID  uint32
	Body []byte
}

// Session is one authenticated IMAP connection with INBOX selected.
type Session struct {
	account accounts.Account
	client  *imapclient.Client
	conn    *deadlineConn
	log     zerolog.Logger
}

// Dial connects, authenticates, and selects INBOX. The handler, when not
// nil, receives unilateral EXISTS and EXPUNGE notifications; only the IDLE
// listener passes one.
func Dial(account accounts.Account, creds accounts.Credentials, handler *imapclient.UnilateralDataHandler) (*Session, error) {
	addr := fmt.Sprintf("%s:%d", account.IMAPHost, account.IMAPPort)
	log := logging.WithComponent("imap").With().Str("backend", account.Address).Logger()

	dialer := &net.Dialer{Timeout: connectTimeout}
	rawConn, err := tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: account.IMAPHost})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	wrapped := newDeadlineConn(rawConn, readTimeout, writeTimeout)
	client := imapclient.New(wrapped, &imapclient.Options{UnilateralDataHandler: handler})

	if err := client.WaitGreeting(); err != nil {
		client.Close()
		return nil, fmt.Errorf("greeting: %w", err)
	}

	s := &Session{account: account, client: client, conn: wrapped, log: log}
	if err := s.login(creds); err != nil {
		client.Close()
		return nil, err
	}
	if _, err := client.Select("INBOX", nil).Wait(); err != nil {
		client.Close()
		return nil, fmt.Errorf("select inbox: %w", err)
	}

	log.Debug().Msg("session established")
	return s, nil
}

func (s *Session) login(creds accounts.Credentials) error {
	if ts := creds.TokenSource(); ts != nil {
		token, err := ts.Token()
		if err != nil {
			return fmt.Errorf("oauth token: %w", err)
		}
		saslClient := sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: s.account.Address,
			Token:    token.AccessToken,
			Host:     s.account.IMAPHost,
			Port:     s.account.IMAPPort,
		})
		if err := s.client.Authenticate(saslClient); err != nil {
			return fmt.Errorf("oauth authenticate: %w", err)
		}
		return nil
	}

	if err := s.client.Login(s.account.Address, creds.Password()).Wait(); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	return nil
}

// Reselect re-issues SELECT INBOX to refresh message counts.
func (s *Session) Reselect() error {
	if _, err := s.client.Select("INBOX", nil).Wait(); err != nil {
		return fmt.Errorf("reselect inbox: %w", err)
	}
	return nil
}

// SearchTo returns the UIDs of messages addressed to the given recipient,
// in mailbox sequence order.
func (s *Session) SearchTo(recipient string) ([]uint32, error) {
	criteria := &imap.SearchCriteria{
		Header: []imap.SearchCriteriaHeaderField{{Key: "TO", Value: recipient}},
	}
	return s.search(criteria)
}

// SearchAll returns every UID in the mailbox, in sequence order.
func (s *Session) SearchAll() ([]uint32, error) {
	return s.search(&imap.SearchCriteria{})
}

func (s *Session) search(criteria *imap.SearchCriteria) ([]uint32, error) {
	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("uid search: %w", err)
	}
	uids := data.AllUIDs()
	out := make([]uint32, len(uids))
	for i, uid := range uids {
		out[i] = uint32(uid)
	}
	return out, nil
}

// Fetch pulls full raw bodies for the given UIDs. Messages that fail to
// collect are skipped so one broken message cannot sink the batch.
func (s *Session) Fetch(uids []uint32) ([]RawMessage, error) {
	if len(uids) == 0 {
		return nil, nil
	}

	uidSet := imap.UIDSet{}
	for _, uid := range uids {
		uidSet.AddNum(imap.UID(uid))
	}

	fetchCmd := s.client.Fetch(uidSet, &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{{Peek: true}},
	})
	defer fetchCmd.Close()

	var out []RawMessage
	for {
		msgData := fetchCmd.Next()
		if msgData == nil {
			break
		}
		buf, err := msgData.Collect()
		if err != nil {
			s.log.Warn().Err(err).Msg("skipping uncollectable message")
			continue
		}
		if len(buf.BodySection) == 0 {
			continue
		}
		out = append(out, RawMessage{
			UID:  uint32(buf.UID),
			Body: buf.BodySection[0].Bytes,
		})
	}
	return out, nil
}

// Delete flags the message \Deleted and expunges it. UID EXPUNGE is used
// when the server supports UIDPLUS so unrelated flagged messages survive.
func (s *Session) Delete(uid uint32) error {
	uidSet := imap.UIDSet{}
	uidSet.AddNum(imap.UID(uid))

	storeCmd := s.client.Store(uidSet, &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Flags:  []imap.Flag{imap.FlagDeleted},
		Silent: true,
	}, nil)
	if err := storeCmd.Close(); err != nil {
		return fmt.Errorf("store deleted flag: %w", err)
	}

	if s.client.Caps().Has(imap.CapUIDPlus) {
		if err := s.client.UIDExpunge(uidSet).Close(); err != nil {
			return fmt.Errorf("uid expunge: %w", err)
		}
		return nil
	}
	if err := s.client.Expunge().Close(); err != nil {
		return fmt.Errorf("expunge: %w", err)
	}
	return nil
}

// Idle enters IMAP IDLE and lifts the per-read deadline: a quiet mailbox
// sends nothing for long stretches, and the deadline would otherwise kill
// the connection well before the cycle timer. FinishIdle restores it.
func (s *Session) Idle() (*imapclient.IdleCommand, error) {
	cmd, err := s.client.Idle()
	if err != nil {
		return nil, err
	}
	s.conn.setReadTimeout(0)
	return cmd, nil
}

// FinishIdle restores the per-read deadline and leaves IDLE, so the DONE
// round trip cannot hang on a dead server.
func (s *Session) FinishIdle(cmd *imapclient.IdleCommand) error {
	s.conn.setReadTimeout(readTimeout)
	return cmd.Close()
}

// Close logs out and tears the connection down.
func (s *Session) Close() error {
	if err := s.client.Logout().Wait(); err != nil {
		s.log.Debug().Err(err).Msg("logout failed, closing anyway")
	}
	return s.client.Close()
}

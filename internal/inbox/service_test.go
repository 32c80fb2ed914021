package inbox

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inbox-gateway/internal/accounts"
	"inbox-gateway/internal/alias"
	"inbox-gateway/internal/cache"
	imapx "inbox-gateway/internal/imap"
	"inbox-gateway/internal/queue"
)

// fakeMailbox is an in-memory stand-in for one backend's INBOX.
type fakeMailbox struct {
	mu         sync.Mutex
	msgs       []fakeMsg
	fetchCalls atomic.Int32
	fetchDelay time.Duration
}

type fakeMsg struct {
	uid uint32
	to  string
	raw []byte
}

func (f *fakeMailbox) add(uid uint32, to, subject, date string) {
	raw := fmt.Sprintf("From: sender@remote.example\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"Date: %s\r\n"+
		"Message-Id: <%s-%d@remote.example>\r\n"+
		"Content-Type: text/plain\r\n"+
		"\r\n"+
		"body of %s\r\n", to, subject, date, subject, uid, subject)
	f.mu.Lock()
	f.msgs = append(f.msgs, fakeMsg{uid: uid, to: to, raw: []byte(raw)})
	f.mu.Unlock()
}

type fakeSession struct{ box *fakeMailbox }

func (s *fakeSession) Reselect() error { return nil }

func (s *fakeSession) SearchTo(recipient string) ([]uint32, error) {
	s.box.mu.Lock()
	defer s.box.mu.Unlock()
	var uids []uint32
	for _, m := range s.box.msgs {
		if m.to == recipient {
			uids = append(uids, m.uid)
		}
	}
	return uids, nil
}

func (s *fakeSession) SearchAll() ([]uint32, error) {
	s.box.mu.Lock()
	defer s.box.mu.Unlock()
	var uids []uint32
	for _, m := range s.box.msgs {
		uids = append(uids, m.uid)
	}
	return uids, nil
}

func (s *fakeSession) Fetch(uids []uint32) ([]imapx.RawMessage, error) {
	s.box.fetchCalls.Add(1)
	if s.box.fetchDelay > 0 {
		time.Sleep(s.box.fetchDelay)
	}
	s.box.mu.Lock()
	defer s.box.mu.Unlock()
	var out []imapx.RawMessage
	for _, uid := range uids {
		for _, m := range s.box.msgs {
			if m.uid == uid {
				out = append(out, imapx.RawMessage{UID: uid, Body: m.raw})
			}
		}
	}
	return out, nil
}

func (s *fakeSession) Delete(uid uint32) error {
	s.box.mu.Lock()
	defer s.box.mu.Unlock()
	kept := s.box.msgs[:0]
	for _, m := range s.box.msgs {
		if m.uid != uid {
			kept = append(kept, m)
		}
	}
	s.box.msgs = kept
	return nil
}

func (s *fakeSession) Close() error { return nil }

type fakeProvider struct{ box *fakeMailbox }

func (p fakeProvider) Shared() (session, error)    { return &fakeSession{box: p.box}, nil }
func (p fakeProvider) Discard(session)             {}
func (p fakeProvider) Ephemeral() (session, error) { return &fakeSession{box: p.box}, nil }
func (p fakeProvider) Close()                      {}

func newTestService(t *testing.T, boxes map[string]*fakeMailbox) *Service {
	t.Helper()
	reg := accounts.NewRegistry()
	require.NoError(t, reg.Add("catch@gmail.com", "pw", accounts.ProviderGmail))
	require.NoError(t, reg.Add("alice@gmail.com", "pw", accounts.ProviderGmail))
	engine := alias.NewEngine(reg, []string{"d1.test"}, "catch@gmail.com")
	caches := cache.New(cache.DefaultConfig())

	svc := New(reg, engine, caches, DefaultConfig(),
		withProviderFactory(func(a accounts.Account, _ accounts.Credentials) sessionProvider {
			box, ok := boxes[a.Address]
			if !ok {
				box = &fakeMailbox{}
			}
			return fakeProvider{box: box}
		}))
	t.Cleanup(svc.Shutdown)
	return svc
}

func TestCatchAllFetchFiltersByRecipient(t *testing.T) {
	box := &fakeMailbox{}
	box.add(1, "a@d1.test", "first", "Mon, 02 Jun 2025 10:00:00 +0000")
	box.add(2, "b@d1.test", "second", "Mon, 02 Jun 2025 11:00:00 +0000")
	box.add(3, "b@d1.test", "third", "Mon, 02 Jun 2025 12:00:00 +0000")
	svc := newTestService(t, map[string]*fakeMailbox{"catch@gmail.com": box})

	msgs := svc.FetchForAddress(context.Background(), "b@d1.test", ViewerAnonymous)
	require.Len(t, msgs, 2)
	assert.Equal(t, "third", msgs[0].Subject, "newest first")
	assert.Equal(t, "second", msgs[1].Subject)

	msgs = svc.FetchForAddress(context.Background(), "a@d1.test", ViewerAnonymous)
	require.Len(t, msgs, 1)
	assert.Equal(t, "first", msgs[0].Subject)
}

func TestAnonymousViewerNeverSeesBaseMailbox(t *testing.T) {
	box := &fakeMailbox{}
	box.add(1, "alice@gmail.com", "private", "Mon, 02 Jun 2025 10:00:00 +0000")
	box.add(2, "alice+shop@gmail.com", "receipt", "Mon, 02 Jun 2025 11:00:00 +0000")
	svc := newTestService(t, map[string]*fakeMailbox{"alice@gmail.com": box})

	msgs := svc.FetchForAddress(context.Background(), "alice+shop@gmail.com", ViewerAnonymous)
	require.Len(t, msgs, 1)
	assert.Equal(t, "receipt", msgs[0].Subject)
	assert.True(t, msgs[0].IsAlias)

	msgs = svc.FetchForAddress(context.Background(), "alice@gmail.com", ViewerAnonymous)
	assert.Empty(t, msgs, "base mailbox mail is hidden from anonymous viewers")

	msgs = svc.FetchForAddress(context.Background(), "alice@gmail.com", ViewerAuthenticated)
	require.Len(t, msgs, 1)
	assert.Equal(t, "private", msgs[0].Subject)
}

func TestUnroutableAddressReturnsEmpty(t *testing.T) {
	svc := newTestService(t, map[string]*fakeMailbox{})
	msgs := svc.FetchForAddress(context.Background(), "stranger@elsewhere.org", ViewerAnonymous)
	assert.Empty(t, msgs)
}

func TestConcurrentFetchesCoalesce(t *testing.T) {
	box := &fakeMailbox{fetchDelay: 100 * time.Millisecond}
	box.add(1, "x@d1.test", "only", "Mon, 02 Jun 2025 10:00:00 +0000")
	svc := newTestService(t, map[string]*fakeMailbox{"catch@gmail.com": box})

	var wg sync.WaitGroup
	results := make([][]int, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msgs := svc.FetchForAddress(context.Background(), "x@d1.test", ViewerAnonymous)
			results[i] = []int{len(msgs)}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), box.fetchCalls.Load(), "concurrent callers must share one fetch")
	assert.Equal(t, results[0], results[1])
}

func TestSecondFetchServedFromCache(t *testing.T) {
	box := &fakeMailbox{}
	box.add(1, "x@d1.test", "only", "Mon, 02 Jun 2025 10:00:00 +0000")
	svc := newTestService(t, map[string]*fakeMailbox{"catch@gmail.com": box})

	svc.FetchForAddress(context.Background(), "x@d1.test", ViewerAnonymous)
	svc.FetchForAddress(context.Background(), "x@d1.test", ViewerAnonymous)

	assert.Equal(t, int32(1), box.fetchCalls.Load())
}

func TestStaleBackendForcesRefetch(t *testing.T) {
	box := &fakeMailbox{}
	box.add(1, "x@d1.test", "only", "Mon, 02 Jun 2025 10:00:00 +0000")
	svc := newTestService(t, map[string]*fakeMailbox{"catch@gmail.com": box})

	svc.FetchForAddress(context.Background(), "x@d1.test", ViewerAnonymous)
	time.Sleep(5 * time.Millisecond)
	svc.caches.MarkStale("catch@gmail.com")
	svc.FetchForAddress(context.Background(), "x@d1.test", ViewerAnonymous)

	assert.Equal(t, int32(2), box.fetchCalls.Load(), "a stale mark must defeat the view cache")
}

func TestFailedFetchDoesNotMaskRecovery(t *testing.T) {
	box := &fakeMailbox{}
	box.add(1, "x@d1.test", "late arrival", "Mon, 02 Jun 2025 10:00:00 +0000")
	svc := newTestService(t, map[string]*fakeMailbox{"catch@gmail.com": box})

	b := svc.backends["catch@gmail.com"]
	healthy := b.queue
	broken := queue.New("catch@gmail.com", DefaultConfig().Queue)
	broken.Shutdown() // every enqueue now fails immediately
	b.queue = broken

	msgs := svc.FetchForAddress(context.Background(), "x@d1.test", ViewerAnonymous)
	assert.Empty(t, msgs, "failure degrades to empty")

	b.queue = healthy
	msgs = svc.FetchForAddress(context.Background(), "x@d1.test", ViewerAnonymous)
	require.Len(t, msgs, 1, "recovered backend must be visible, not masked by a cached empty view")
	assert.Equal(t, "late arrival", msgs[0].Subject)
}

func TestRefreshThenFetchAgree(t *testing.T) {
	box := &fakeMailbox{}
	box.add(1, "x@d1.test", "one", "Mon, 02 Jun 2025 10:00:00 +0000")
	box.add(2, "x@d1.test", "two", "Mon, 02 Jun 2025 11:00:00 +0000")
	svc := newTestService(t, map[string]*fakeMailbox{"catch@gmail.com": box})

	refreshed := svc.RefreshAddress(context.Background(), "x@d1.test", ViewerAnonymous)
	fetched := svc.FetchForAddress(context.Background(), "x@d1.test", ViewerAnonymous)

	require.Equal(t, len(refreshed), len(fetched))
	for i := range refreshed {
		assert.Equal(t, refreshed[i].ID, fetched[i].ID)
	}
}

func TestDeleteEvictsFromView(t *testing.T) {
	box := &fakeMailbox{}
	box.add(1, "x@d1.test", "doomed", "Mon, 02 Jun 2025 10:00:00 +0000")
	box.add(2, "x@d1.test", "kept", "Mon, 02 Jun 2025 11:00:00 +0000")
	svc := newTestService(t, map[string]*fakeMailbox{"catch@gmail.com": box})

	msgs := svc.FetchForAddress(context.Background(), "x@d1.test", ViewerAnonymous)
	require.Len(t, msgs, 2)
	doomed := msgs[1]
	require.Equal(t, "doomed", doomed.Subject)

	ok := svc.DeleteMessage(doomed.ID, "catch@gmail.com")
	require.True(t, ok)

	after := svc.FetchForAddress(context.Background(), "x@d1.test", ViewerAnonymous)
	for _, m := range after {
		assert.NotEqual(t, doomed.ID, m.ID, "deleted message must not reappear")
	}
}

func TestDeleteUnknownMessage(t *testing.T) {
	svc := newTestService(t, map[string]*fakeMailbox{})

	assert.False(t, svc.DeleteMessage("nonexistent-id", "catch@gmail.com"))
	assert.False(t, svc.DeleteMessage("x", "unknown@backend.example"))
}

func TestDeleteByFallbackID(t *testing.T) {
	box := &fakeMailbox{}
	box.add(7, "x@d1.test", "target", "Mon, 02 Jun 2025 10:00:00 +0000")
	svc := newTestService(t, map[string]*fakeMailbox{"catch@gmail.com": box})

	ok := svc.DeleteMessage("uid-catch@gmail.com-7", "catch@gmail.com")
	assert.True(t, ok)
	box.mu.Lock()
	assert.Empty(t, box.msgs)
	box.mu.Unlock()
}

func TestGetAttachmentFromPayloadCache(t *testing.T) {
	box := &fakeMailbox{}
	svc := newTestService(t, map[string]*fakeMailbox{"catch@gmail.com": box})

	raw := "From: s@remote.example\r\n" +
		"To: x@d1.test\r\n" +
		"Subject: with file\r\n" +
		"Date: Mon, 02 Jun 2025 10:00:00 +0000\r\n" +
		"Message-Id: <file-1@remote.example>\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/mixed; boundary=\"b\"\r\n" +
		"\r\n" +
		"--b\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"see attached\r\n" +
		"--b\r\n" +
		"Content-Type: text/plain\r\n" +
		"Content-Disposition: attachment; filename=\"note.txt\"\r\n" +
		"\r\n" +
		"hello\r\n" +
		"--b--\r\n"
	box.mu.Lock()
	box.msgs = append(box.msgs, fakeMsg{uid: 1, to: "x@d1.test", raw: []byte(raw)})
	box.mu.Unlock()

	msgs := svc.FetchForAddress(context.Background(), "x@d1.test", ViewerAnonymous)
	require.Len(t, msgs, 1)
	require.Len(t, msgs[0].Attachments, 1)

	fetchesBefore := box.fetchCalls.Load()
	att := svc.GetAttachment(msgs[0].ID, "note.txt", "catch@gmail.com")
	require.NotNil(t, att)
	assert.Equal(t, "hello\r\n", string(att.Data))
	assert.Equal(t, fetchesBefore, box.fetchCalls.Load(), "cached payload must not re-fetch")

	assert.Nil(t, svc.GetAttachment(msgs[0].ID, "missing.bin", "catch@gmail.com"))
}

func TestSubscriberNotificationAndUnsubscribe(t *testing.T) {
	svc := newTestService(t, map[string]*fakeMailbox{})

	var calls atomic.Int32
	var unsub func()
	unsub = svc.OnChange(func() {
		calls.Add(1)
		unsub()
	})

	svc.notifySubscribers()
	svc.notifySubscribers()

	assert.Equal(t, int32(1), calls.Load(), "unsubscribing from inside the callback must hold")
}

func TestListAccountsForViewer(t *testing.T) {
	svc := newTestService(t, map[string]*fakeMailbox{})

	anon := svc.ListAccountsForViewer(ViewerAnonymous)
	require.Len(t, anon, 2)
	for _, a := range anon {
		assert.Equal(t, "alias-only", a.Capability)
	}

	auth := svc.ListAccountsForViewer(ViewerAuthenticated)
	for _, a := range auth {
		assert.Equal(t, "direct-inbox", a.Capability)
	}
}

func TestStatsAggregation(t *testing.T) {
	svc := newTestService(t, map[string]*fakeMailbox{})

	stats := svc.Stats()
	assert.Equal(t, 0, stats.Queue.QueueLength)
	assert.Equal(t, 2*DefaultConfig().Queue.MaxConcurrent, stats.Queue.MaxConnections)
}

func TestShutdownIsIdempotentAndRejectsWork(t *testing.T) {
	box := &fakeMailbox{}
	box.add(1, "x@d1.test", "one", "Mon, 02 Jun 2025 10:00:00 +0000")
	svc := newTestService(t, map[string]*fakeMailbox{"catch@gmail.com": box})

	svc.Shutdown()
	svc.Shutdown()

	msgs := svc.FetchForAddress(context.Background(), "x@d1.test", ViewerAnonymous)
	assert.Empty(t, msgs)
}

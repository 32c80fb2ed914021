package inbox

import (
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"inbox-gateway/internal/accounts"
	"inbox-gateway/internal/cache"
	"inbox-gateway/internal/email"
)

const (
	parallelFanOut  = 3
	interBatchDelay = 200 * time.Millisecond
)

// assembleView runs the full pipeline for one (address, viewer) pair:
// route, fetch, filter, sort, cache.
func (s *Service) assembleView(key cache.ViewKey, viewer Viewer) []email.Message {
	if key.Address == "" {
		return s.assembleAggregate(key, viewer)
	}

	route, err := s.engine.Route(key.Address)
	if err != nil {
		return nil
	}
	b, ok := s.backends[route.Backend.Address]
	if !ok {
		return nil
	}

	msgs, ok := s.fetchBackend(b, key.Address, s.cfg.Window, route.Provider)
	msgs = filterVisible(msgs, viewer)
	sortByDateDesc(msgs)

	// A failed fetch must not overwrite the view cache: the degraded empty
	// result would look fresh and mask the mailbox for a full TTL.
	if ok {
		s.caches.SetView(key, msgs, []string{b.account.Address})
	}
	return msgs
}

// assembleAggregate fans a fetch out across every backend: parallel for up
// to three, batched with a delay beyond that. Results are unioned, filtered
// by visibility, sorted, and truncated.
func (s *Service) assembleAggregate(key cache.ViewKey, viewer Viewer) []email.Message {
	all := make([]*backend, 0, len(s.backends))
	names := make([]string, 0, len(s.backends))
	for addr, b := range s.backends {
		all = append(all, b)
		names = append(names, addr)
	}

	var mu sync.Mutex
	var union []email.Message
	complete := true

	for start := 0; start < len(all); start += parallelFanOut {
		end := start + parallelFanOut
		if end > len(all) {
			end = len(all)
		}

		var g errgroup.Group
		for _, b := range all[start:end] {
			b := b
			g.Go(func() error {
				msgs, ok := s.fetchBackend(b, "", s.cfg.AggregateWindow, b.account.Provider)
				mu.Lock()
				union = append(union, msgs...)
				if !ok {
					complete = false
				}
				mu.Unlock()
				return nil
			})
		}
		g.Wait()

		if end < len(all) {
			time.Sleep(interBatchDelay)
		}
	}

	union = filterVisible(union, viewer)
	sortByDateDesc(union)
	if len(union) > s.cfg.TopLimit {
		union = union[:s.cfg.TopLimit]
	}

	// Only a fully assembled aggregate is cacheable; a partial one would
	// hide the failed backend's mail until the view expired.
	if complete {
		s.caches.SetView(key, union, names)
	}
	return union
}

// fetchBackend pulls the recent window from one backend through its
// admission queue. Failure degrades to an empty slice with ok=false so the
// caller serves the degraded view without caching it.
func (s *Service) fetchBackend(b *backend, target string, window int, provider accounts.Provider) ([]email.Message, bool) {
	var out []email.Message

	err := b.queue.Enqueue(func() error {
		sess, err := b.conns.Shared()
		if err != nil {
			return err
		}
		if err := sess.Reselect(); err != nil {
			b.conns.Discard(sess)
			return err
		}

		var uids []uint32
		if target != "" {
			uids, err = sess.SearchTo(target)
		} else {
			uids, err = sess.SearchAll()
		}
		if err != nil {
			b.conns.Discard(sess)
			return err
		}
		if len(uids) > window {
			uids = uids[len(uids)-window:]
		}

		raws, err := sess.Fetch(uids)
		if err != nil {
			b.conns.Discard(sess)
			return err
		}

		msgs := make([]email.Message, 0, len(raws))
		for _, raw := range raws {
			msg, payload, err := email.Parse(raw.Body, b.account.Address, raw.UID)
			if err != nil {
				s.log.Debug().Err(err).Uint32("uid", raw.UID).Msg("dropping unparseable message")
				continue
			}
			// Some servers match TO by substring; enforce the exact target.
			if target != "" && msg.To != target {
				continue
			}
			msg.Provider = provider
			msg.IsAlias = msg.To != b.account.Address

			s.caches.PutMessage(msg)
			s.caches.PutPayload(payload)
			msgs = append(msgs, msg)
		}
		out = msgs
		return nil
	})
	if err != nil {
		s.log.Warn().Err(err).Str("backend", b.account.Address).Msg("fetch degraded to empty")
		return nil, false
	}
	return out, true
}

// filterVisible applies the viewer rule: anonymous viewers only ever see
// alias traffic on provider backends; catch-all domain mail is public.
func filterVisible(msgs []email.Message, viewer Viewer) []email.Message {
	if viewer == ViewerAuthenticated {
		return msgs
	}
	out := msgs[:0:0]
	for _, m := range msgs {
		if m.Provider == accounts.ProviderDomain || m.IsAlias {
			out = append(out, m)
		}
	}
	return out
}

func sortByDateDesc(msgs []email.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Date.After(msgs[j].Date)
	})
}

package imap

import (
	"context"
	"time"

	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/rs/zerolog"

	"inbox-gateway/internal/accounts"
	"inbox-gateway/internal/logging"
)

// idleCycle re-issues SELECT and re-enters IDLE before common 29-minute
// server timeouts hit.
const idleCycle = 25 * time.Minute

// Listener keeps a dedicated session in IMAP IDLE for one backend. Every
// EXISTS or EXPUNGE notification invokes onEvent immediately; once events
// stop arriving for the debounce window, onSettled fires exactly once.
type Listener struct {
	account  accounts.Account
	creds    accounts.Credentials
	debounce time.Duration
	onEvent  func()
	onSettle func()
	log      zerolog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewListener builds a listener. Start must be called to run it.
func NewListener(account accounts.Account, creds accounts.Credentials, debounce time.Duration, onEvent, onSettle func()) *Listener {
	return &Listener{
		account:  account,
		creds:    creds,
		debounce: debounce,
		onEvent:  onEvent,
		onSettle: onSettle,
		log:      logging.WithComponent("idle").With().Str("backend", account.Address).Logger(),
	}
}

// Start launches the listener goroutine.
func (l *Listener) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.run(ctx)
}

// Stop terminates the listener and waits for its goroutine to exit.
func (l *Listener) Stop() {
	if l.cancel == nil {
		return
	}
	l.cancel()
	<-l.done
}

func (l *Listener) run(ctx context.Context) {
	defer close(l.done)
	reconnect := newBackoff()

	for {
		if ctx.Err() != nil {
			return
		}

		err := l.listen(ctx)
		if ctx.Err() != nil {
			return
		}

		delay, exhausted := reconnect.next()
		if exhausted {
			delay = reconnectCooldown
			reconnect.reset()
		}
		l.log.Warn().Err(err).Dur("retryIn", delay).Msg("idle session lost")
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// listen runs one session lifetime: connect, IDLE, debounce events, cycle.
func (l *Listener) listen(ctx context.Context) error {
	events := make(chan struct{}, 1)
	signal := func() {
		select {
		case events <- struct{}{}:
		default:
		}
	}

	handler := &imapclient.UnilateralDataHandler{
		Mailbox: func(data *imapclient.UnilateralDataMailbox) {
			if data.NumMessages != nil {
				signal()
			}
		},
		Expunge: func(uint32) {
			signal()
		},
	}

	session, err := Dial(l.account, l.creds, handler)
	if err != nil {
		return err
	}
	defer session.Close()

	idleCmd, err := session.Idle()
	if err != nil {
		return err
	}
	l.log.Info().Msg("idle active")

	cycle := time.NewTimer(idleCycle)
	defer cycle.Stop()

	err = l.pump(ctx, events, cycle.C, func() error {
		if err := session.FinishIdle(idleCmd); err != nil {
			return err
		}
		if err := session.Reselect(); err != nil {
			return err
		}
		cmd, err := session.Idle()
		if err != nil {
			return err
		}
		idleCmd = cmd
		cycle.Reset(idleCycle)
		l.log.Debug().Msg("idle cycled")
		return nil
	})
	if ctx.Err() != nil {
		session.FinishIdle(idleCmd)
	}
	return err
}

// pump is the listener's event loop: every notification invokes onEvent
// immediately and arms (or rearms) the debounce timer; when a burst goes
// quiet for the debounce window, onSettle fires once. The cycle channel
// hands control to recycle, which re-enters IDLE.
func (l *Listener) pump(ctx context.Context, events <-chan struct{}, cycleC <-chan time.Time, recycle func() error) error {
	// The debounce timer channel stays nil until the first event arrives.
	var debounce *time.Timer
	var debounceC <-chan time.Time
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-events:
			l.onEvent()
			if debounce == nil {
				debounce = time.NewTimer(l.debounce)
				debounceC = debounce.C
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(l.debounce)
			}

		case <-debounceC:
			debounce = nil
			debounceC = nil
			l.onSettle()

		case <-cycleC:
			if err := recycle(); err != nil {
				return err
			}
		}
	}
}

package email

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrPoolClosed is returned when a closed pool is borrowed from
var ErrPoolClosed = errors.New("session pool closed")

// unselectTimeout bounds the folder close issued after the caller's context ended
const unselectTimeout = 10 * time.Second

// SessionPool holds at most one lazily established session for one target and
// closes it after it has been unused for idleClose. Borrowers are serialized.
type SessionPool struct {
	name      string
	dialer    Dialer
	idleClose time.Duration
	logger    *logrus.Entry

	mu      sync.Mutex
	session Session
	timer   *time.Timer
	gen     uint64
	closed  bool
}

// NewSessionPool creates a pool (does not connect immediately)
func NewSessionPool(name string, dialer Dialer, idleClose time.Duration, logger *logrus.Logger) *SessionPool {
	return &SessionPool{
		name:      name,
		dialer:    dialer,
		idleClose: idleClose,
		logger:    logger.WithFields(logrus.Fields{"component": "session_pool", "pool": name}),
	}
}

// Name identifies the pool in logs
func (p *SessionPool) Name() string {
	return p.name
}

// IsReady reports whether no borrower currently holds the pool. The answer may be
// stale by the time the caller acts on it.
func (p *SessionPool) IsReady() bool {
	if !p.mu.TryLock() {
		return false
	}
	defer p.mu.Unlock()
	return !p.closed
}

// WithSession runs fn with the pooled session, connecting first if needed. Any
// error other than ErrMessageNotFound discards the session so the next borrow
// reconnects from scratch.
func (p *SessionPool) WithSession(ctx context.Context, fn func(Session) error) (err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}
	p.cancelIdleClose()

	sess, err := p.acquire(ctx)
	if err != nil {
		return err
	}

	completed := false
	defer func() {
		switch {
		case !completed:
			p.logger.Warn("Discarding session after panic")
			p.discard()
		case err != nil && !errors.Is(err, ErrMessageNotFound):
			p.logger.WithError(err).Debug("Discarding session after error")
			p.discard()
		case !sess.Alive():
			p.discard()
		default:
			p.scheduleIdleClose()
		}
	}()

	err = fn(sess)
	completed = true
	return err
}

// WithFolder selects path in the given mode for the duration of fn. The folder is
// closed on every exit path while the session stays pooled.
func (p *SessionPool) WithFolder(ctx context.Context, path string, mode Mode, fn func(Session, *MailboxStatus) error) error {
	return p.WithSession(ctx, func(sess Session) (err error) {
		status, err := sess.Select(ctx, path, mode)
		if err != nil {
			return err
		}

		defer func() {
			uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unselectTimeout)
			defer cancel()
			if uerr := sess.Unselect(uctx); uerr != nil && err == nil {
				err = uerr
			}
		}()

		return fn(sess, status)
	})
}

// Close tears the session down and refuses further borrows
func (p *SessionPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	p.cancelIdleClose()
	return p.closeSession()
}

// acquire returns the live session or dials a new one. Called with mu held.
func (p *SessionPool) acquire(ctx context.Context) (Session, error) {
	if p.session != nil {
		if p.session.Alive() {
			return p.session, nil
		}
		p.discard()
	}

	sess, err := p.dialer.Dial(ctx, false)
	if err != nil {
		return nil, err
	}
	p.session = sess
	p.logger.Debug("Session established")
	return sess, nil
}

func (p *SessionPool) discard() {
	if err := p.closeSession(); err != nil {
		p.logger.WithError(err).Debug("Failed to close discarded session")
	}
}

func (p *SessionPool) closeSession() error {
	if p.session == nil {
		return nil
	}
	sess := p.session
	p.session = nil
	return sess.Close()
}

// cancelIdleClose stops a pending idle-close. A timer that already fired sees the
// generation change and leaves the session alone.
func (p *SessionPool) cancelIdleClose() {
	p.gen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *SessionPool) scheduleIdleClose() {
	if p.idleClose <= 0 || p.session == nil {
		return
	}
	gen := p.gen
	p.timer = time.AfterFunc(p.idleClose, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.gen != gen || p.closed {
			return
		}
		p.timer = nil
		p.logger.Debug("Closing idle session")
		p.discard()
	})
}

package daemon

import (
	"context"
	"errors"
	"math/rand"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/internal/email"
	"github.com/brandon/mailsync/internal/notify"
	"github.com/brandon/mailsync/internal/reliability"
	"github.com/brandon/mailsync/internal/store"
)

// listRetryPolicy governs retries of a failed UID listing within one cycle
var listRetryPolicy = reliability.RetryPolicy{Base: 2 * time.Second, Factor: 2, Max: 30 * time.Second}

const listRetryAttempts = 3

// folderHandle is the runtime state of one discovered folder
type folderHandle struct {
	id         int
	pool       *email.SessionPool
	importPool *email.SessionPool

	mu     sync.RWMutex
	path   string
	remote string

	cancel context.CancelFunc
	push   bool
}

// Path returns the current slash-joined path
func (h *folderHandle) Path() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.path
}

// Remote returns the current server-side mailbox name
func (h *folderHandle) Remote() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.remote
}

func (h *folderHandle) rename(path, remote string) {
	h.mu.Lock()
	h.path = path
	h.remote = remote
	h.mu.Unlock()
}

// Synchronizer keeps one folder's messages in line with the server through a
// push loop and a periodic reconciliation loop
type Synchronizer struct {
	folder   *folderHandle
	dialer   email.Dialer
	upserter *upserter
	store    *store.Store
	notifier notify.Notifier
	engine   config.EngineConfig
	logger   *logrus.Entry

	// ignored maps duplicate UIDs to the row tracking their message; only
	// reconciliation touches it, under the folder pool
	ignored map[uint32]int64
}

func (s *Synchronizer) log() *logrus.Entry {
	return s.logger.WithField("folder", s.folder.Path())
}

// RunReconcile reconciles the folder on a jittered interval until ctx ends
func (s *Synchronizer) RunReconcile(ctx context.Context) {
	for {
		if err := s.Reconcile(ctx); err != nil && ctx.Err() == nil {
			s.log().WithError(err).Warn("Failed to reconcile folder")
		}
		if err := reliability.Sleep(ctx, jitter(s.engine.ReconcileInterval)); err != nil {
			return
		}
	}
}

// jitter spreads d by up to 50% so folders do not reconcile in lockstep
func jitter(d time.Duration) time.Duration {
	if d < 2 {
		return d
	}
	return d + time.Duration(rand.Int63n(int64(d/2)))
}

// Reconcile runs one full reconciliation cycle
func (s *Synchronizer) Reconcile(ctx context.Context) error {
	return reliability.Retry(ctx, listRetryPolicy, listRetryAttempts, func() error {
		return s.folder.pool.WithFolder(ctx, s.folder.Remote(), email.ReadOnly, func(sess email.Session, status *email.MailboxStatus) error {
			return s.reconcile(ctx, sess, status)
		})
	})
}

func (s *Synchronizer) reconcile(ctx context.Context, sess email.Session, status *email.MailboxStatus) error {
	log := s.log()

	if status.UIDValidity != 0 {
		if err := s.checkUIDValidity(ctx, status.UIDValidity); err != nil {
			return err
		}
	}

	uids, err := sess.SearchUIDs(ctx, 0)
	if err != nil {
		return err
	}
	known, err := s.store.KnownUIDs(ctx, s.folder.id)
	if err != nil {
		return err
	}
	live := make(map[int64]struct{}, len(known))
	for _, ref := range known {
		if !ref.IsRemoved {
			live[ref.ID] = struct{}{}
		}
	}

	present := make(map[uint32]struct{}, len(uids))
	ignored := make(map[uint32]int64)
	var unknown, seen []uint32
	for _, uid := range uids {
		present[uid] = struct{}{}
		if _, ok := known[uid]; ok {
			seen = append(seen, uid)
			continue
		}
		// a duplicate stays ignored while the copy it defers to is live
		if owner, ok := s.ignored[uid]; ok {
			if _, ok := live[owner]; ok {
				ignored[uid] = owner
				continue
			}
		}
		unknown = append(unknown, uid)
	}

	created, err := s.upsertUIDs(ctx, sess, unknown, ignored)
	if err != nil {
		return err
	}

	var updated, deleted int
	var revive []uint32
	for _, batch := range chunk(seen, s.engine.BatchSize) {
		flags, err := sess.FetchFlags(ctx, batch)
		if err != nil {
			if ctx.Err() != nil || !sess.Alive() {
				return err
			}
			log.WithError(err).WithField("batch", len(batch)).Warn("Failed to fetch flags")
			continue
		}
		for uid, f := range flags {
			ref := known[uid]
			isDeleted := email.HasFlag(f, email.DeletedFlag)
			switch {
			case ref.IsRemoved:
				// a removed row whose copy lost \Deleted is live again
				if !isDeleted {
					revive = append(revive, uid)
				}
				continue
			case isDeleted:
				if err := s.markDeleted(ctx, uid); err != nil {
					log.WithError(err).WithField("uid", uid).Warn("Failed to mark message removed")
					continue
				}
				deleted++
				continue
			}

			isRead := email.HasFlag(f, email.SeenFlag)
			if ref.IsRead == isRead {
				continue
			}
			changed, err := s.store.SetRead(ctx, ref.ID, isRead)
			if err != nil {
				log.WithError(err).WithField("uid", uid).Warn("Failed to update read flag")
				continue
			}
			if changed {
				updated++
				s.notifier.Publish(notify.FolderChanged{FolderID: s.folder.id})
				s.notifier.Publish(notify.MessageChanged{MessageID: ref.ID})
			}
		}
	}

	if len(revive) > 0 {
		slices.Sort(revive)
		if _, err := s.upsertUIDs(ctx, sess, revive, ignored); err != nil {
			return err
		}
	}
	s.ignored = ignored

	gone, err := s.store.MarkRemovedExcept(ctx, s.folder.id, present, status.UIDNext)
	if err != nil {
		return err
	}
	for _, id := range gone {
		s.notifier.Publish(notify.MessageDeleted{MessageID: id})
	}
	if len(gone) > 0 {
		s.notifier.Publish(notify.FolderChanged{FolderID: s.folder.id})
	}

	if err := s.store.TouchFolder(ctx, s.folder.id); err != nil {
		log.WithError(err).Warn("Failed to record folder sync time")
	}

	log.WithFields(logrus.Fields{
		"total":   len(uids),
		"created": created,
		"updated": updated,
		"deleted": deleted,
		"revived": len(revive),
		"ignored": len(ignored),
		"removed": len(gone),
	}).Debug("Reconciled folder")
	return nil
}

// upsertUIDs fetches envelopes in batches and upserts them, recording ignored
// duplicates. A failed batch is skipped unless the session is gone.
func (s *Synchronizer) upsertUIDs(ctx context.Context, sess email.Session, uids []uint32, ignored map[uint32]int64) (int, error) {
	log := s.log()

	var created int
	for _, batch := range chunk(uids, s.engine.BatchSize) {
		envelopes, err := sess.FetchEnvelopes(ctx, batch)
		if err != nil {
			if ctx.Err() != nil || !sess.Alive() {
				return created, err
			}
			log.WithError(err).WithField("batch", len(batch)).Warn("Failed to fetch envelopes")
			continue
		}
		for _, env := range envelopes {
			res, err := s.upserter.Upsert(ctx, s.folder.id, env)
			if err != nil {
				if ctx.Err() != nil {
					return created, ctx.Err()
				}
				log.WithError(err).WithField("uid", env.UID).Warn("Failed to upsert message")
				continue
			}
			switch {
			case res.Ignored:
				ignored[env.UID] = res.MessageID
			case res.Created && !res.Removed:
				created++
			}
		}
	}
	return created, nil
}

// checkUIDValidity resets the folder's rows when the server reports a new
// UIDVALIDITY, since every stored UID is then meaningless
func (s *Synchronizer) checkUIDValidity(ctx context.Context, validity uint32) error {
	gone, reset, err := s.store.CheckUIDValidity(ctx, s.folder.id, validity)
	if err != nil {
		return err
	}
	if !reset {
		return nil
	}

	s.ignored = nil
	s.log().WithFields(logrus.Fields{
		"uid_validity": validity,
		"reset":        len(gone),
	}).Warn("Folder UIDVALIDITY changed, matching messages again by identity")
	for _, id := range gone {
		s.notifier.Publish(notify.MessageDeleted{MessageID: id})
	}
	s.notifier.Publish(notify.FolderChanged{FolderID: s.folder.id})
	return nil
}

func chunk(uids []uint32, size int) [][]uint32 {
	if size <= 0 {
		size = 20
	}
	var out [][]uint32
	for len(uids) > 0 {
		n := min(size, len(uids))
		out = append(out, uids[:n])
		uids = uids[n:]
	}
	return out
}

// RunPush watches the folder for server push notifications until ctx ends,
// reconnecting after a fixed delay whenever the session fails
func (s *Synchronizer) RunPush(ctx context.Context) {
	for {
		err := s.watch(ctx)
		if ctx.Err() != nil {
			return
		}
		s.log().WithError(err).Warn("Push session ended, reconnecting")
		if err := reliability.Sleep(ctx, s.engine.PushReconnectDelay); err != nil {
			return
		}
	}
}

func (s *Synchronizer) watch(ctx context.Context) error {
	sess, err := s.dialer.Dial(ctx, true)
	if err != nil {
		return err
	}
	defer sess.Close()

	status, err := sess.Select(ctx, s.folder.Remote(), email.ReadWrite)
	if err != nil {
		return err
	}

	next := status.UIDNext
	if next == 0 {
		if next, err = s.nextUID(ctx, sess); err != nil {
			return err
		}
	}

	s.log().Debug("Watching folder")
	for {
		if err := sess.Idle(ctx, s.engine.IdleTimeout); err != nil {
			return err
		}

		updates := sess.DrainUpdates()
		if len(updates) == 0 {
			if err := sess.Noop(ctx); err != nil {
				return err
			}
			if !sess.Alive() {
				return email.ErrSessionClosed
			}
			continue
		}

		if next, err = s.applyUpdates(ctx, sess, updates, next); err != nil {
			return err
		}
	}
}

func (s *Synchronizer) nextUID(ctx context.Context, sess email.Session) (uint32, error) {
	uids, err := sess.SearchUIDs(ctx, 0)
	if err != nil {
		return 0, err
	}
	if len(uids) == 0 {
		return 1, nil
	}
	return uids[len(uids)-1] + 1, nil
}

// applyUpdates handles one drained set of push notifications and returns the next
// UID expected for new mail
func (s *Synchronizer) applyUpdates(ctx context.Context, sess email.Session, updates []email.Update, next uint32) (uint32, error) {
	log := s.log()

	newMail := false
	for _, u := range updates {
		switch u.Kind {
		case email.UpdateExists:
			newMail = true
		case email.UpdateFlags:
			if err := s.applyFlags(ctx, sess, u); err != nil {
				if ctx.Err() != nil || !sess.Alive() {
					return next, err
				}
				log.WithError(err).WithField("seq", u.SeqNum).Warn("Failed to apply flag change")
			}
		case email.UpdateExpunge:
			// reconciliation marks expunged messages removed
			log.WithField("seq", u.SeqNum).Debug("Message expunged")
		}
	}

	if !newMail {
		return next, nil
	}

	uids, err := sess.SearchUIDs(ctx, next)
	if err != nil {
		return next, err
	}
	for _, batch := range chunk(uids, s.engine.BatchSize) {
		envelopes, err := sess.FetchEnvelopes(ctx, batch)
		if err != nil {
			return next, err
		}
		for _, env := range envelopes {
			if _, err := s.upserter.Upsert(ctx, s.folder.id, env); err != nil {
				if ctx.Err() != nil {
					return next, ctx.Err()
				}
				log.WithError(err).WithField("uid", env.UID).Warn("Failed to upsert new message")
			}
		}
	}
	if len(uids) > 0 {
		next = uids[len(uids)-1] + 1
	}
	return next, nil
}

func (s *Synchronizer) applyFlags(ctx context.Context, sess email.Session, u email.Update) error {
	uid := u.UID
	if uid == 0 {
		var err error
		if uid, err = sess.ResolveUID(ctx, u.SeqNum); err != nil {
			if errors.Is(err, email.ErrMessageNotFound) {
				return nil
			}
			return err
		}
	}

	if email.HasFlag(u.Flags, email.DeletedFlag) {
		return s.markDeleted(ctx, uid)
	}

	envelopes, err := sess.FetchEnvelopes(ctx, []uint32{uid})
	if err != nil {
		return err
	}
	for _, env := range envelopes {
		if _, err := s.upserter.Upsert(ctx, s.folder.id, env); err != nil {
			return err
		}
	}
	return nil
}

func (s *Synchronizer) markDeleted(ctx context.Context, uid uint32) error {
	msg, err := s.store.FindMessageByUID(ctx, s.folder.id, uid)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	unlock := s.upserter.lockIdentity(msg.MessageKey)
	defer unlock()

	changed, err := s.store.MarkRemoved(ctx, msg.ID)
	if err != nil || !changed {
		return err
	}

	s.notifier.Publish(notify.MessageDeleted{MessageID: msg.ID})
	if !msg.IsRead {
		s.notifier.Publish(notify.FolderChanged{FolderID: s.folder.id})
	}
	return nil
}

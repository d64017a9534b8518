package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/brandon/mailsync/internal/email"
	"github.com/brandon/mailsync/internal/notify"
	"github.com/brandon/mailsync/internal/store"
	"github.com/brandon/mailsync/pkg/types"
)

// folderLookup resolves the runtime handle of a folder
type folderLookup func(folderID int) (*folderHandle, error)

// Importer fetches message bodies and commits them to the store. Requests are
// coalesced per message: a message is queued or in flight at most once.
type Importer struct {
	accountID int
	store     *store.Store
	notifier  notify.Notifier
	stager    *email.Stager
	folders   folderLookup
	workers   int
	logger    *logrus.Entry

	mu       sync.Mutex
	queue    []int64
	queued   map[int64]bool // message id -> force update
	inflight map[int64]bool
	again    map[int64]bool // forced requests that arrived while in flight
	wake     chan struct{}

	// startAfter holds workers back until the folders they fetch from are known
	startAfter <-chan struct{}

	// processed observes every finished attempt
	processed func(types.ImportRequest, error)
}

func newImporter(accountID int, st *store.Store, notifier notify.Notifier, stager *email.Stager, folders folderLookup, workers int, logger *logrus.Logger) *Importer {
	if workers < 1 {
		workers = 1
	}
	return &Importer{
		accountID: accountID,
		store:     st,
		notifier:  notifier,
		stager:    stager,
		folders:   folders,
		workers:   workers,
		logger:    logger.WithFields(logrus.Fields{"component": "importer", "account_id": accountID}),
		queued:    make(map[int64]bool),
		inflight:  make(map[int64]bool),
		again:     make(map[int64]bool),
		wake:      make(chan struct{}, workers),
	}
}

// Enqueue adds a request without blocking
func (im *Importer) Enqueue(req types.ImportRequest) {
	im.mu.Lock()
	switch {
	case im.inflight[req.MessageID]:
		if req.ForceUpdate {
			im.again[req.MessageID] = true
		}
	case im.hasQueued(req.MessageID):
		if req.ForceUpdate {
			im.queued[req.MessageID] = true
		}
	default:
		im.queued[req.MessageID] = req.ForceUpdate
		im.queue = append(im.queue, req.MessageID)
	}
	im.mu.Unlock()

	select {
	case im.wake <- struct{}{}:
	default:
	}
}

func (im *Importer) hasQueued(id int64) bool {
	_, ok := im.queued[id]
	return ok
}

// Pending returns the number of queued requests
func (im *Importer) Pending() int {
	im.mu.Lock()
	defer im.mu.Unlock()
	return len(im.queue)
}

// take pops the next request and marks it in flight
func (im *Importer) take() (types.ImportRequest, bool) {
	im.mu.Lock()
	defer im.mu.Unlock()
	if len(im.queue) == 0 {
		return types.ImportRequest{}, false
	}
	id := im.queue[0]
	im.queue = im.queue[1:]
	force := im.queued[id]
	delete(im.queued, id)
	im.inflight[id] = true
	return types.ImportRequest{MessageID: id, ForceUpdate: force}, true
}

// finish clears the in-flight mark and requeues a forced request that arrived meanwhile
func (im *Importer) finish(id int64) {
	im.mu.Lock()
	delete(im.inflight, id)
	force, requeue := im.again[id]
	delete(im.again, id)
	im.mu.Unlock()

	if requeue {
		im.Enqueue(types.ImportRequest{MessageID: id, ForceUpdate: force})
	}
}

// Run seeds the queue with Pending messages and processes requests until ctx ends
func (im *Importer) Run(ctx context.Context) {
	ids, err := im.store.PendingMessageIDs(ctx, im.accountID)
	if err != nil {
		if ctx.Err() == nil {
			im.logger.WithError(err).Error("Failed to load pending messages")
		}
	} else {
		for _, id := range ids {
			im.Enqueue(types.ImportRequest{MessageID: id})
		}
		if len(ids) > 0 {
			im.logger.WithField("count", len(ids)).Info("Queued pending imports")
		}
	}

	if im.startAfter != nil {
		select {
		case <-im.startAfter:
		case <-ctx.Done():
			return
		}
	}

	var wg conc.WaitGroup
	for i := 0; i < im.workers; i++ {
		wg.Go(func() { im.work(ctx) })
	}
	wg.Wait()
}

func (im *Importer) work(ctx context.Context) {
	for {
		req, ok := im.take()
		if !ok {
			select {
			case <-im.wake:
				continue
			case <-ctx.Done():
				return
			}
		}

		im.handle(ctx, req)
		im.finish(req.MessageID)

		if ctx.Err() != nil {
			return
		}
	}
}

// handle runs one request, logging failures and panics so the worker survives them
func (im *Importer) handle(ctx context.Context, req types.ImportRequest) {
	log := im.logger.WithField("message_id", req.MessageID)

	var err error
	var pc panics.Catcher
	pc.Try(func() { err = im.Import(ctx, req) })
	if r := pc.Recovered(); r != nil {
		err = r.AsError()
		log.WithField("stack", string(r.Stack)).Error("Import panicked")
	} else if err != nil && ctx.Err() == nil {
		log.WithError(err).Warn("Failed to import message")
	}

	if im.processed != nil {
		im.processed(req, err)
	}
}

// Import fetches, parses and commits the content of one message
func (im *Importer) Import(ctx context.Context, req types.ImportRequest) error {
	log := im.logger.WithField("message_id", req.MessageID)

	msg, err := im.store.GetMessage(ctx, req.MessageID)
	if errors.Is(err, store.ErrNotFound) {
		log.Debug("Message vanished before import")
		return nil
	}
	if err != nil {
		return err
	}
	if !req.ForceUpdate && (msg.State != types.ImportPending || msg.IsRemoved) {
		return nil
	}

	folder, err := im.folders(msg.FolderID)
	if err != nil {
		return err
	}

	var (
		raw       []byte
		envelopes []types.Envelope
	)
	err = folder.importPool.WithFolder(ctx, folder.Remote(), email.ReadWrite, func(sess email.Session, _ *email.MailboxStatus) error {
		var flags []string
		var err error
		raw, flags, err = sess.FetchRaw(ctx, msg.UID)
		if err != nil {
			return err
		}
		if err := restoreSeen(ctx, sess, msg.UID, flags); err != nil {
			log.WithError(err).Warn("Failed to restore unread state")
		}

		if req.ForceUpdate {
			envelopes, err = sess.FetchEnvelopes(ctx, []uint32{msg.UID})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, email.ErrMessageNotFound) {
		log.WithField("uid", msg.UID).Info("Message no longer on server, abandoning import")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to fetch message: %w", err)
	}

	extracted, err := im.stager.Extract(raw)
	if err != nil {
		return err
	}

	if len(envelopes) > 0 {
		env := envelopes[0]
		msg.Senders = toParties(env.From)
		msg.Recipients = toRecipients(env)
		if err := im.store.ReplaceParties(ctx, msg); err != nil {
			return err
		}
	}

	err = im.store.CommitContent(ctx, &types.Content{
		MessageID: msg.ID,
		Text:      extracted.Text,
		HTML:      extracted.HTML,
		Raw:       extracted.Raw,
	})
	if err != nil {
		return err
	}

	im.notifier.Publish(notify.MessageChanged{MessageID: msg.ID})
	log.WithFields(logrus.Fields{
		"text_len": len(extracted.Text),
		"html_len": len(extracted.HTML),
		"forced":   req.ForceUpdate,
	}).Debug("Imported message")
	return nil
}

// restoreSeen clears \Seen when fetching the body set it on a message that was unread
func restoreSeen(ctx context.Context, sess email.Session, uid uint32, before []string) error {
	if email.HasFlag(before, email.SeenFlag) {
		return nil
	}
	after, err := sess.FetchFlags(ctx, []uint32{uid})
	if err != nil {
		return err
	}
	if !email.HasFlag(after[uid], email.SeenFlag) {
		return nil
	}
	return sess.StoreFlags(ctx, uid, false, email.SeenFlag)
}

package daemon

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"

	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/internal/email"
	"github.com/brandon/mailsync/internal/notify"
	"github.com/brandon/mailsync/internal/reliability"
	"github.com/brandon/mailsync/internal/store"
	"github.com/brandon/mailsync/pkg/types"
)

// AccountSupervisor owns everything that syncs one account: the discovery loop,
// per-folder session pools and synchronizers, and the import pipeline
type AccountSupervisor struct {
	account  types.Account
	dialer   email.Dialer
	engine   config.EngineConfig
	store    *store.Store
	notifier notify.Notifier
	logger   *logrus.Logger
	log      *logrus.Entry

	discovery *email.SessionPool
	registry  *FolderRegistry
	upserter  *upserter
	importer  *Importer

	// treeMu serializes folder-tree writes: discovery and manual folder moves
	treeMu sync.Mutex

	mu      sync.RWMutex
	folders map[int]*folderHandle

	ready   atomic.Bool
	readyCh chan struct{}
	cancel  context.CancelFunc
	wg      conc.WaitGroup
	stopped sync.Once
}

// NewAccountSupervisor creates a supervisor for an already persisted account
func NewAccountSupervisor(account types.Account, dialer email.Dialer, engine config.EngineConfig, stager *email.Stager, st *store.Store, notifier notify.Notifier, logger *logrus.Logger) *AccountSupervisor {
	s := &AccountSupervisor{
		account:  account,
		dialer:   dialer,
		engine:   engine,
		store:    st,
		notifier: notifier,
		logger:   logger,
		log:      logger.WithFields(logrus.Fields{"component": "supervisor", "account": account.Name}),
		folders:  make(map[int]*folderHandle),
		readyCh:  make(chan struct{}),
	}

	s.discovery = email.NewSessionPool(account.Name+"/discovery", dialer, engine.SessionIdleClose, logger)
	s.registry = NewFolderRegistry(account.ID, s.discovery, st, &s.treeMu, logger)
	s.importer = newImporter(account.ID, st, notifier, stager, s.folder, engine.ImportWorkers, logger)
	s.importer.startAfter = s.readyCh
	s.upserter = &upserter{
		accountID: account.ID,
		store:     st,
		notifier:  notifier,
		imports:   s.importer,
		locks:     newKeyedMutex(),
		logger:    logger.WithFields(logrus.Fields{"component": "upsert", "account": account.Name}),
	}
	return s
}

// Account returns the supervised account
func (s *AccountSupervisor) Account() types.Account {
	return s.account
}

// Start launches the discovery loop and the import workers
func (s *AccountSupervisor) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Go(func() { s.importer.Run(ctx) })
	s.wg.Go(func() { s.discover(ctx) })
	s.log.Info("Account supervisor started")
}

// Ready reports whether folder discovery has succeeded at least once
func (s *AccountSupervisor) Ready() bool {
	return s.ready.Load()
}

// discover runs folder discovery on an interval, backing off while the server is unreachable
func (s *AccountSupervisor) discover(ctx context.Context) {
	backoff := reliability.NewBackoff(reliability.RetryPolicy{
		Base:   s.engine.Backoff.Base,
		Factor: s.engine.Backoff.Factor,
		Max:    s.engine.Backoff.Max,
	})

	for {
		if err := s.DiscoverOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := backoff.Next()
			s.log.WithError(err).WithFields(logrus.Fields{
				"attempt": backoff.Attempt(),
				"retry":   delay.String(),
			}).Warn("Failed to discover folders")
			if err := reliability.Sleep(ctx, delay); err != nil {
				return
			}
			continue
		}

		backoff.Reset()
		if err := reliability.Sleep(ctx, s.engine.FolderScanInterval); err != nil {
			return
		}
	}
}

// DiscoverOnce runs one discovery pass and starts or stops folder loops to match
func (s *AccountSupervisor) DiscoverOnce(ctx context.Context) error {
	events, err := s.registry.Discover(ctx)
	for _, ev := range events {
		s.notifier.Publish(ev)
	}
	if err != nil {
		return err
	}
	if err := s.syncFolders(ctx); err != nil {
		return err
	}

	if !s.ready.Swap(true) {
		close(s.readyCh)
		s.log.Info("Folders discovered")
	}
	return nil
}

// syncFolders starts loops for newly selectable folders, stops loops for folders
// that disappeared and updates paths of renamed ones
func (s *AccountSupervisor) syncFolders(ctx context.Context) error {
	folders, err := s.store.ListFolders(ctx, &s.account.ID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	live := make(map[int]bool, len(folders))
	for _, f := range folders {
		if !s.registry.Selectable(f.Path) {
			continue
		}
		live[f.ID] = true
		remote := s.registry.RemoteName(f.Path)

		if h, ok := s.folders[f.ID]; ok {
			if h.Path() != f.Path {
				h.rename(f.Path, remote)
			}
			continue
		}
		s.startFolderLocked(ctx, f, remote)
	}

	for id, h := range s.folders {
		if !live[id] {
			s.log.WithField("folder", h.Path()).Info("Folder gone from server, stopping sync")
			s.stopFolderLocked(id, h)
		}
	}
	return nil
}

func (s *AccountSupervisor) wantsPush(path string) bool {
	return s.engine.PushAllFolders || strings.EqualFold(path, "INBOX")
}

func (s *AccountSupervisor) startFolderLocked(ctx context.Context, f types.Folder, remote string) {
	name := s.account.Name + "/" + f.Path
	h := &folderHandle{
		id:         f.ID,
		path:       f.Path,
		remote:     remote,
		pool:       email.NewSessionPool(name, s.dialer, s.engine.SessionIdleClose, s.logger),
		importPool: email.NewSessionPool(name+"/import", s.dialer, s.engine.SessionIdleClose, s.logger),
		push:       s.wantsPush(f.Path),
	}

	syncer := s.newSynchronizer(h)

	fctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	s.folders[f.ID] = h

	s.wg.Go(func() { syncer.RunReconcile(fctx) })
	if h.push {
		s.wg.Go(func() { syncer.RunPush(fctx) })
	}
	s.log.WithFields(logrus.Fields{"folder": f.Path, "push": h.push}).Debug("Folder sync started")
}

func (s *AccountSupervisor) stopFolderLocked(id int, h *folderHandle) {
	h.cancel()
	delete(s.folders, id)
	h.pool.Close()       //nolint:errcheck
	h.importPool.Close() //nolint:errcheck
}

// folder returns the runtime handle of a folder
func (s *AccountSupervisor) folder(folderID int) (*folderHandle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.folders[folderID]
	if !ok {
		return nil, fmt.Errorf("folder %d: %w", folderID, ErrUnknownFolder)
	}
	return h, nil
}

// SessionPool returns the general-purpose session pool of a folder
func (s *AccountSupervisor) SessionPool(folderID int) (*email.SessionPool, error) {
	h, err := s.folder(folderID)
	if err != nil {
		return nil, err
	}
	return h.pool, nil
}

// Synchronizer returns a synchronizer bound to a folder, for on-demand reconciliation
func (s *AccountSupervisor) Synchronizer(folderID int) (*Synchronizer, error) {
	h, err := s.folder(folderID)
	if err != nil {
		return nil, err
	}
	return s.newSynchronizer(h), nil
}

func (s *AccountSupervisor) newSynchronizer(h *folderHandle) *Synchronizer {
	return &Synchronizer{
		folder:   h,
		dialer:   s.dialer,
		upserter: s.upserter,
		store:    s.store,
		notifier: s.notifier,
		engine:   s.engine,
		logger:   s.logger.WithFields(logrus.Fields{"component": "synchronizer", "account": s.account.Name}),
	}
}

// EnqueueImport queues a content import for a message of this account
func (s *AccountSupervisor) EnqueueImport(messageID int64, force bool) {
	s.importer.Enqueue(types.ImportRequest{MessageID: messageID, ForceUpdate: force})
}

// Stop cancels every loop, waits for them and closes all sessions
func (s *AccountSupervisor) Stop() {
	s.stopped.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()

		s.mu.Lock()
		for id, h := range s.folders {
			s.stopFolderLocked(id, h)
		}
		s.mu.Unlock()
		s.discovery.Close() //nolint:errcheck

		s.log.Info("Account supervisor stopped")
	})
}

package daemon

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"

	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/internal/email"
	"github.com/brandon/mailsync/internal/notify"
	"github.com/brandon/mailsync/internal/store"
	"github.com/brandon/mailsync/pkg/types"
)

// DialerFactory builds the session dialer of an account
type DialerFactory func(acc *config.AccountConfig) email.Dialer

// Manager owns one supervisor per configured account
type Manager struct {
	cfg      *config.Config
	store    *store.Store
	notifier notify.Notifier
	stager   *email.Stager
	dialers  DialerFactory
	logger   *logrus.Logger

	// mu is the account-change lock: start, reconfigure and close hold it
	mu          sync.RWMutex
	ctx         context.Context
	supervisors map[int]*AccountSupervisor
	accounts    map[int]*config.AccountConfig
}

// NewManager creates a manager. Nothing runs until Start.
func NewManager(cfg *config.Config, st *store.Store, notifier notify.Notifier, stager *email.Stager, dialers DialerFactory, logger *logrus.Logger) *Manager {
	return &Manager{
		cfg:         cfg,
		store:       st,
		notifier:    notifier,
		stager:      stager,
		dialers:     dialers,
		logger:      logger,
		supervisors: make(map[int]*AccountSupervisor),
		accounts:    make(map[int]*config.AccountConfig),
	}
}

// Start persists every configured account and starts its supervisor. An account
// that cannot be started is logged and skipped.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ctx = ctx
	started := 0
	for i := range m.cfg.Accounts {
		acc := &m.cfg.Accounts[i]
		if err := m.startLocked(ctx, acc); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.WithError(err).WithField("account", acc.Name).Error("Failed to start account")
			continue
		}
		started++
	}

	m.logger.WithFields(logrus.Fields{
		"started":    started,
		"configured": len(m.cfg.Accounts),
	}).Info("Sync daemon started")
	return nil
}

func (m *Manager) startLocked(ctx context.Context, acc *config.AccountConfig) error {
	account := types.Account{
		Name:     acc.Name,
		Host:     acc.IMAPHost,
		Port:     acc.IMAPPort,
		TLS:      acc.UseTLS,
		Username: acc.IMAPUsername,
		Email:    acc.Email,
		Owner:    acc.Owner,
	}
	if _, err := m.store.UpsertAccount(ctx, &account); err != nil {
		return err
	}

	sup := NewAccountSupervisor(account, m.dialers(acc), m.cfg.Engine, m.stager, m.store, m.notifier, m.logger)
	sup.Start(ctx)
	m.supervisors[account.ID] = sup
	m.accounts[account.ID] = acc
	return nil
}

// Supervisor returns the running supervisor of an account
func (m *Manager) Supervisor(accountID int) (*AccountSupervisor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sup, ok := m.supervisors[accountID]
	if !ok {
		return nil, fmt.Errorf("account %d: %w", accountID, ErrUnknownAccount)
	}
	return sup, nil
}

// SupervisorByName returns the running supervisor of an account by its configured name
func (m *Manager) SupervisorByName(name string) (*AccountSupervisor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sup := range m.supervisors {
		if sup.Account().Name == name {
			return sup, nil
		}
	}
	return nil, fmt.Errorf("account %s: %w", name, ErrUnknownAccount)
}

// Supervisors returns every running supervisor ordered by account name
func (m *Manager) Supervisors() []*AccountSupervisor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*AccountSupervisor, 0, len(m.supervisors))
	for _, sup := range m.supervisors {
		out = append(out, sup)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Account().Name < out[j].Account().Name
	})
	return out
}

// EnqueueImport routes an import request to the supervisor owning the message
func (m *Manager) EnqueueImport(ctx context.Context, messageID int64, force bool) error {
	msg, err := m.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	sup, err := m.Supervisor(msg.AccountID)
	if err != nil {
		return err
	}
	sup.EnqueueImport(messageID, force)
	return nil
}

// Reconfigure stops an account's supervisor and starts a fresh one from its
// configuration, re-resolving the keyring password
func (m *Manager) Reconfigure(ctx context.Context, accountID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.supervisors[accountID]
	if !ok {
		return fmt.Errorf("account %d: %w", accountID, ErrUnknownAccount)
	}
	acc := m.accounts[accountID]

	old.Stop()
	delete(m.supervisors, accountID)
	delete(m.accounts, accountID)

	if acc.PasswordKeyring != "" {
		password, err := config.PasswordResolver(acc.PasswordKeyring)
		if err != nil {
			return fmt.Errorf("failed to resolve password for account %s: %w", acc.Name, err)
		}
		acc.IMAPPassword = password
	}

	base := m.ctx
	if base == nil {
		base = ctx
	}
	if err := m.startLocked(base, acc); err != nil {
		return fmt.Errorf("failed to restart account %s: %w", acc.Name, err)
	}
	m.logger.WithField("account", acc.Name).Info("Account reconfigured")
	return nil
}

// Close stops every supervisor concurrently and waits for them
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var wg conc.WaitGroup
	for id, sup := range m.supervisors {
		wg.Go(sup.Stop)
		delete(m.supervisors, id)
	}
	wg.Wait()
	m.logger.Info("Sync daemon stopped")
}

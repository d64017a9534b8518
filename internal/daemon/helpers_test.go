package daemon

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/internal/email"
	"github.com/brandon/mailsync/internal/email/emailtest"
	"github.com/brandon/mailsync/internal/notify"
	"github.com/brandon/mailsync/internal/store"
	"github.com/brandon/mailsync/internal/store/storetest"
	"github.com/brandon/mailsync/pkg/types"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testEngine() config.EngineConfig {
	return config.EngineConfig{
		SessionIdleClose:   time.Minute,
		FolderScanInterval: 100 * time.Millisecond,
		ReconcileInterval:  100 * time.Millisecond,
		IdleTimeout:        50 * time.Millisecond,
		PushReconnectDelay: 20 * time.Millisecond,
		BatchSize:          2,
		ImportWorkers:      3,
		Backoff: config.BackoffConfig{
			Base:   10 * time.Millisecond,
			Factor: 2,
			Max:    40 * time.Millisecond,
		},
	}
}

// recorder collects published events
type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Publish(ev notify.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) Events() []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Event(nil), r.events...)
}

func (r *recorder) Has(ev notify.Event) bool {
	for _, e := range r.Events() {
		if e == ev {
			return true
		}
	}
	return false
}

// queueRecorder is an importQueue that only records requests
type queueRecorder struct {
	mu       sync.Mutex
	requests []types.ImportRequest
}

func (q *queueRecorder) Enqueue(req types.ImportRequest) {
	q.mu.Lock()
	q.requests = append(q.requests, req)
	q.mu.Unlock()
}

func (q *queueRecorder) Requests() []types.ImportRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]types.ImportRequest(nil), q.requests...)
}

func newTestUpserter(st *store.Store, accountID int, n notify.Notifier, q importQueue) *upserter {
	return &upserter{
		accountID: accountID,
		store:     st,
		notifier:  n,
		imports:   q,
		locks:     newKeyedMutex(),
		logger:    quietLogger().WithField("component", "upsert"),
	}
}

func newTestHandle(server *emailtest.Server, id int, path string) *folderHandle {
	logger := quietLogger()
	return &folderHandle{
		id:         id,
		path:       path,
		remote:     path,
		pool:       email.NewSessionPool(path, server, time.Minute, logger),
		importPool: email.NewSessionPool(path+"/import", server, time.Minute, logger),
	}
}

func newTestSynchronizer(server *emailtest.Server, h *folderHandle, u *upserter) *Synchronizer {
	return &Synchronizer{
		folder:   h,
		dialer:   server,
		upserter: u,
		store:    u.store,
		notifier: u.notifier,
		engine:   testEngine(),
		logger:   quietLogger().WithField("component", "synchronizer"),
	}
}

func newTestSupervisor(t *testing.T, server *emailtest.Server) (*AccountSupervisor, *store.Store, *recorder) {
	t.Helper()
	st := storetest.NewTestStore(t)
	accountID := storetest.SeedAccount(t, st, "work")
	rec := &recorder{}

	logger := quietLogger()
	sup := NewAccountSupervisor(
		types.Account{ID: accountID, Name: "work"},
		server,
		testEngine(),
		email.NewStager(t.TempDir(), logger),
		st,
		rec,
		logger,
	)
	t.Cleanup(sup.Stop)
	return sup, st, rec
}

func rawMessage(messageID, subject, fromName, fromAddr, body string) []byte {
	return []byte(fmt.Sprintf("Message-ID: %s\r\n"+
		"From: %s <%s>\r\n"+
		"To: bob@example.com\r\n"+
		"Subject: %s\r\n"+
		"Content-Type: text/plain; charset=utf-8\r\n"+
		"\r\n"+
		"%s\r\n", messageID, fromName, fromAddr, subject, body))
}

func testMessage(messageID, subject, fromName, fromAddr string) emailtest.Message {
	return emailtest.Message{
		Envelope: types.Envelope{
			MessageID: messageID,
			Subject:   subject,
			Date:      time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC),
			From:      []types.Address{{PersonalName: fromName, Address: fromAddr}},
			To:        []types.Address{{Address: "bob@example.com"}},
		},
		Raw: rawMessage(messageID, subject, fromName, fromAddr, "Hello "+subject),
	}
}

func folderID(t *testing.T, st *store.Store, accountID int, path string) int {
	t.Helper()
	f, err := st.GetFolderByPath(context.Background(), accountID, path)
	require.NoError(t, err)
	return f.ID
}

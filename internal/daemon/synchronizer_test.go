package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailsync/internal/email"
	"github.com/brandon/mailsync/internal/email/emailtest"
	"github.com/brandon/mailsync/internal/notify"
	"github.com/brandon/mailsync/internal/store"
	"github.com/brandon/mailsync/internal/store/storetest"
)

type syncFixture struct {
	server *emailtest.Server
	store  *store.Store
	rec    *recorder
	queue  *queueRecorder
	handle *folderHandle
	syncer *Synchronizer
}

func newSyncFixture(t *testing.T) *syncFixture {
	t.Helper()
	f := &syncFixture{
		server: emailtest.NewServer("INBOX"),
		store:  storetest.NewTestStore(t),
		rec:    &recorder{},
		queue:  &queueRecorder{},
	}
	accountID := storetest.SeedAccount(t, f.store, "work")
	inbox := storetest.SeedFolder(t, f.store, accountID, "INBOX", nil)

	f.handle = newTestHandle(f.server, inbox, "INBOX")
	t.Cleanup(func() {
		f.handle.pool.Close()       //nolint:errcheck
		f.handle.importPool.Close() //nolint:errcheck
	})
	f.syncer = newTestSynchronizer(f.server, f.handle, newTestUpserter(f.store, accountID, f.rec, f.queue))
	return f
}

func (f *syncFixture) live(t *testing.T) map[string]bool {
	t.Helper()
	msgs, err := f.store.ListMessages(context.Background(), f.handle.id, 100)
	require.NoError(t, err)
	out := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		out[m.MessageKey] = true
	}
	return out
}

func TestReconcileCreatesMessagesInBatches(t *testing.T) {
	f := newSyncFixture(t)
	for _, id := range []string{"<a@x>", "<b@x>", "<c@x>", "<d@x>", "<e@x>"} {
		f.server.Deliver("INBOX", testMessage(id, id, "Alice", "a@x.com"))
	}

	require.NoError(t, f.syncer.Reconcile(context.Background()))

	assert.Len(t, f.live(t), 5)
	assert.Len(t, f.queue.Requests(), 5)

	folder, err := f.store.GetFolder(context.Background(), f.handle.id)
	require.NoError(t, err)
	assert.NotNil(t, folder.LastSynced)
}

func TestReconcileMarksMissingMessagesRemoved(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	f.server.Deliver("INBOX", testMessage("<a@x>", "A", "Alice", "a@x.com"))
	uidB := f.server.Deliver("INBOX", testMessage("<b@x>", "B", "Alice", "a@x.com"))
	f.server.Deliver("INBOX", testMessage("<c@x>", "C", "Alice", "a@x.com"))

	require.NoError(t, f.syncer.Reconcile(ctx))
	b, err := f.store.FindMessageByUID(ctx, f.handle.id, uidB)
	require.NoError(t, err)

	f.server.Expunge("INBOX", uidB)
	require.NoError(t, f.syncer.Reconcile(ctx))

	assert.Equal(t, map[string]bool{"<a@x>": true, "<c@x>": true}, f.live(t))

	got, err := f.store.GetMessage(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, got.IsRemoved)
	assert.True(t, f.rec.Has(notify.MessageDeleted{MessageID: b.ID}))
}

func TestReconcileMirrorsReadFlag(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	uid := f.server.Deliver("INBOX", testMessage("<a@x>", "A", "Alice", "a@x.com"))

	require.NoError(t, f.syncer.Reconcile(ctx))
	msg, err := f.store.FindMessageByUID(ctx, f.handle.id, uid)
	require.NoError(t, err)
	assert.False(t, msg.IsRead)

	f.server.SetFlags("INBOX", uid, email.SeenFlag)
	require.NoError(t, f.syncer.Reconcile(ctx))

	msg, err = f.store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, msg.IsRead)
	assert.True(t, f.rec.Has(notify.MessageChanged{MessageID: msg.ID}))
}

func TestReconcileRetriesAfterDroppedSession(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	f.server.Deliver("INBOX", testMessage("<a@x>", "A", "Alice", "a@x.com"))

	require.NoError(t, f.syncer.Reconcile(ctx))
	f.server.Sessions()[0].Break()
	f.server.Deliver("INBOX", testMessage("<b@x>", "B", "Alice", "a@x.com"))

	require.NoError(t, f.syncer.Reconcile(ctx))
	assert.Len(t, f.live(t), 2)
	assert.EqualValues(t, 2, f.server.Dials.Load())
}

func TestPushPicksUpNewMail(t *testing.T) {
	f := newSyncFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		f.syncer.RunPush(ctx)
		close(stopped)
	}()

	require.Eventually(t, func() bool {
		for _, s := range f.server.Sessions() {
			if s.Selected() == "INBOX" && !s.Closed() {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	uid := f.server.Deliver("INBOX", testMessage("<new@x>", "New", "Alice", "a@x.com"))
	require.Eventually(t, func() bool {
		_, err := f.store.FindMessageByUID(context.Background(), f.handle.id, uid)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	f.server.SetFlags("INBOX", uid, email.SeenFlag)
	require.Eventually(t, func() bool {
		msg, err := f.store.FindMessageByUID(context.Background(), f.handle.id, uid)
		return err == nil && msg.IsRead
	}, 2*time.Second, 10*time.Millisecond)

	f.server.SetFlags("INBOX", uid, email.SeenFlag, email.DeletedFlag)
	require.Eventually(t, func() bool {
		msg, err := f.store.FindMessageByUID(context.Background(), f.handle.id, uid)
		return err == nil && msg.IsRemoved
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("push loop did not stop")
	}
	for _, s := range f.server.Sessions() {
		assert.True(t, s.Closed())
	}
}

func TestPushReconnectsAfterDrop(t *testing.T) {
	f := newSyncFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		f.syncer.RunPush(ctx)
		close(stopped)
	}()
	defer func() {
		cancel()
		<-stopped
	}()

	require.Eventually(t, func() bool { return len(f.server.Sessions()) == 1 }, 2*time.Second, 5*time.Millisecond)
	f.server.Sessions()[0].Break()

	require.Eventually(t, func() bool { return f.server.Dials.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, f.server.Sessions()[0].Closed())
}

func TestChunk(t *testing.T) {
	assert.Nil(t, chunk(nil, 3))
	assert.Equal(t, [][]uint32{{1, 2}, {3, 4}, {5}}, chunk([]uint32{1, 2, 3, 4, 5}, 2))
	assert.Len(t, chunk(make([]uint32, 45), 0), 3)
}

func TestJitter(t *testing.T) {
	d := 100 * time.Millisecond
	for i := 0; i < 50; i++ {
		j := jitter(d)
		assert.GreaterOrEqual(t, j, d)
		assert.Less(t, j, d+d/2)
	}
}

func TestReconcileKeepsPushDeletedMessageRemoved(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	uid := f.server.Deliver("INBOX", testMessage("<a@x>", "A", "Alice", "a@x.com"))

	require.NoError(t, f.syncer.Reconcile(ctx))
	msg, err := f.store.FindMessageByUID(ctx, f.handle.id, uid)
	require.NoError(t, err)

	// \Deleted is set but the message is not expunged yet
	f.server.SetFlags("INBOX", uid, email.DeletedFlag)
	require.NoError(t, f.syncer.markDeleted(ctx, uid))

	msg, err = f.store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	require.True(t, msg.IsRemoved)
	events := len(f.rec.Events())

	for i := 0; i < 2; i++ {
		require.NoError(t, f.syncer.Reconcile(ctx))
		msg, err = f.store.GetMessage(ctx, msg.ID)
		require.NoError(t, err)
		assert.True(t, msg.IsRemoved, "cycle %d restored a deleted message", i)
	}
	assert.Len(t, f.rec.Events(), events, "reconciliation of a deleted message publishes nothing")
	assert.Empty(t, f.live(t))
}

func TestReconcileObservesDeletedFlag(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	uid := f.server.Deliver("INBOX", testMessage("<a@x>", "A", "Alice", "a@x.com"))

	require.NoError(t, f.syncer.Reconcile(ctx))
	msg, err := f.store.FindMessageByUID(ctx, f.handle.id, uid)
	require.NoError(t, err)

	f.server.SetFlags("INBOX", uid, email.DeletedFlag)
	require.NoError(t, f.syncer.Reconcile(ctx))

	msg, err = f.store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, msg.IsRemoved)
	assert.True(t, f.rec.Has(notify.MessageDeleted{MessageID: msg.ID}))

	// clearing \Deleted before expunge brings the message back
	f.server.SetFlags("INBOX", uid)
	require.NoError(t, f.syncer.Reconcile(ctx))

	msg, err = f.store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.False(t, msg.IsRemoved)
	assert.EqualValues(t, uid, msg.UID)
}

func TestReconcileNeverCreatesDeletedMessageLive(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	gone := testMessage("<gone@x>", "Gone", "Alice", "a@x.com")
	gone.Envelope.Flags = []string{email.DeletedFlag}
	f.server.Deliver("INBOX", gone)
	f.server.Deliver("INBOX", testMessage("<kept@x>", "Kept", "Alice", "a@x.com"))

	require.NoError(t, f.syncer.Reconcile(ctx))
	assert.Equal(t, map[string]bool{"<kept@x>": true}, f.live(t))
	assert.Len(t, f.queue.Requests(), 1, "only the live message is imported")

	fetched := f.server.EnvelopeFetches.Load()
	require.NoError(t, f.syncer.Reconcile(ctx))
	assert.Equal(t, map[string]bool{"<kept@x>": true}, f.live(t))
	assert.Equal(t, fetched, f.server.EnvelopeFetches.Load(), "the deleted copy is known after one cycle")
}

func TestReconcileSkipsIgnoredDuplicates(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	low := f.server.Deliver("INBOX", testMessage("<twice@x>", "Twice", "Alice", "a@x.com"))
	high := f.server.Deliver("INBOX", testMessage("<twice@x>", "Twice", "Alice", "a@x.com"))

	require.NoError(t, f.syncer.Reconcile(ctx))
	msg, err := f.store.FindMessageByUID(ctx, f.handle.id, high)
	require.NoError(t, err)

	// the next cycle learns that the lower copy is a duplicate
	require.NoError(t, f.syncer.Reconcile(ctx))
	fetched := f.server.EnvelopeFetches.Load()

	require.NoError(t, f.syncer.Reconcile(ctx))
	assert.Equal(t, fetched, f.server.EnvelopeFetches.Load(), "ignored duplicate is not fetched again")

	// once the tracked copy is gone the lower one takes over
	f.server.Expunge("INBOX", high)
	require.NoError(t, f.syncer.Reconcile(ctx))
	require.NoError(t, f.syncer.Reconcile(ctx))

	got, err := f.store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.False(t, got.IsRemoved)
	assert.EqualValues(t, low, got.UID)
}

func TestReconcileResetsFolderOnUIDValidityChange(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	f.server.Deliver("INBOX", testMessage("<a@x>", "A", "Alice", "a@x.com"))
	f.server.Deliver("INBOX", testMessage("<b@x>", "B", "Alice", "a@x.com"))

	require.NoError(t, f.syncer.Reconcile(ctx))
	a, err := f.store.FindMessageByUID(ctx, f.handle.id, 1)
	require.NoError(t, err)
	require.Equal(t, "<a@x>", a.MessageKey)

	// same name, new mailbox: UIDs restart and point at other messages
	f.server.RecreateFolder("INBOX")
	f.server.Deliver("INBOX", testMessage("<b@x>", "B", "Alice", "a@x.com"))
	f.server.Deliver("INBOX", testMessage("<c@x>", "C", "Alice", "a@x.com"))

	require.NoError(t, f.syncer.Reconcile(ctx))
	assert.Equal(t, map[string]bool{"<b@x>": true, "<c@x>": true}, f.live(t))

	got, err := f.store.GetMessage(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.IsRemoved, "a stale UID never resurrects another message's row")

	b, err := f.store.FindMessageByUID(ctx, f.handle.id, 1)
	require.NoError(t, err)
	assert.Equal(t, "<b@x>", b.MessageKey)

	folder, err := f.store.GetFolder(ctx, f.handle.id)
	require.NoError(t, err)
	assert.Equal(t, f.server.UIDValidity("INBOX"), folder.UIDValidity)
}

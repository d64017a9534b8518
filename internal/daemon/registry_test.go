package daemon

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailsync/internal/email"
	"github.com/brandon/mailsync/internal/email/emailtest"
	"github.com/brandon/mailsync/internal/notify"
	"github.com/brandon/mailsync/internal/store"
	"github.com/brandon/mailsync/internal/store/storetest"
	"github.com/brandon/mailsync/pkg/types"
)

func newTestRegistry(t *testing.T, server *emailtest.Server) (*FolderRegistry, *store.Store, int) {
	t.Helper()
	st := storetest.NewTestStore(t)
	accountID := storetest.SeedAccount(t, st, "work")
	pool := email.NewSessionPool("discovery", server, time.Minute, quietLogger())
	t.Cleanup(func() { pool.Close() }) //nolint:errcheck
	return NewFolderRegistry(accountID, pool, st, &sync.Mutex{}, quietLogger()), st, accountID
}

func TestNormalizePath(t *testing.T) {
	assert.Equal(t, "Work/2023", NormalizePath("Work.2023", "."))
	assert.Equal(t, "Work/2023", NormalizePath("/Work/2023/", "/"))
	assert.Equal(t, "INBOX", NormalizePath("INBOX", ""))
	assert.Equal(t, "2023", lastSegment("Work/2023"))
	assert.Equal(t, "INBOX", lastSegment("INBOX"))
}

func TestDiscoverCreatesTree(t *testing.T) {
	server := emailtest.NewServer("INBOX", "Work", "Work/2023", "Work/2023/Q1")
	r, st, accountID := newTestRegistry(t, server)
	ctx := context.Background()

	events, err := r.Discover(ctx)
	require.NoError(t, err)
	assert.Len(t, events, 4)

	work, err := st.GetFolderByPath(ctx, accountID, "Work")
	require.NoError(t, err)
	year, err := st.GetFolderByPath(ctx, accountID, "Work/2023")
	require.NoError(t, err)
	quarter, err := st.GetFolderByPath(ctx, accountID, "Work/2023/Q1")
	require.NoError(t, err)

	assert.Nil(t, work.ParentID)
	require.NotNil(t, year.ParentID)
	assert.Equal(t, work.ID, *year.ParentID)
	require.NotNil(t, quarter.ParentID)
	assert.Equal(t, year.ID, *quarter.ParentID)
	assert.Equal(t, "Q1", quarter.Name)

	assert.True(t, r.Selectable("Work/2023"))
	assert.False(t, r.Selectable("Missing"))

	// a second pass changes nothing
	events, err = r.Discover(ctx)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestDiscoverDetectsServerRename(t *testing.T) {
	server := emailtest.NewServer("INBOX", "Work", "Work/2023", "Work/2023/Q1")
	r, st, accountID := newTestRegistry(t, server)
	ctx := context.Background()

	_, err := r.Discover(ctx)
	require.NoError(t, err)
	before, err := st.GetFolderByPath(ctx, accountID, "Work/2023")
	require.NoError(t, err)
	child, err := st.GetFolderByPath(ctx, accountID, "Work/2023/Q1")
	require.NoError(t, err)

	msgID, err := st.CreateMessage(ctx, &types.Message{
		AccountID:  accountID,
		FolderID:   before.ID,
		UID:        1,
		MessageKey: "<abc@x>",
		Subject:    "Hi",
	})
	require.NoError(t, err)

	require.NoError(t, server.RenameFolder("Work/2023", "Work/2024"))
	events, err := r.Discover(ctx)
	require.NoError(t, err)
	assert.Contains(t, events, notify.Event(notify.FolderChanged{FolderID: before.ID}))

	after, err := st.GetFolderByPath(ctx, accountID, "Work/2024")
	require.NoError(t, err)
	assert.Equal(t, before.ID, after.ID)
	assert.Equal(t, "2024", after.Name)

	movedChild, err := st.GetFolderByPath(ctx, accountID, "Work/2024/Q1")
	require.NoError(t, err)
	assert.Equal(t, child.ID, movedChild.ID)

	_, err = st.GetFolderByPath(ctx, accountID, "Work/2023")
	assert.ErrorIs(t, err, store.ErrNotFound)

	msg, err := st.GetMessage(ctx, msgID)
	require.NoError(t, err)
	assert.Equal(t, after.ID, msg.FolderID)
}

func TestDiscoverAmbiguousRenameCreatesFolder(t *testing.T) {
	server := emailtest.NewServer("Work", "Work/A", "Work/B")
	r, st, accountID := newTestRegistry(t, server)
	ctx := context.Background()

	_, err := r.Discover(ctx)
	require.NoError(t, err)
	a, err := st.GetFolderByPath(ctx, accountID, "Work/A")
	require.NoError(t, err)

	require.NoError(t, server.RenameFolder("Work/A", "Work/C"))
	require.NoError(t, server.RenameFolder("Work/B", "Work/D"))
	_, err = r.Discover(ctx)
	require.NoError(t, err)

	c, err := st.GetFolderByPath(ctx, accountID, "Work/C")
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, c.ID)
	assert.False(t, r.Selectable("Work/A"))
}

func TestRemoteNameAndForget(t *testing.T) {
	server := emailtest.NewServer("Work", "Work/2023", "Work/2023/Q1")
	r, _, _ := newTestRegistry(t, server)

	_, err := r.Discover(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "Work/2023", r.RemoteName("Work/2023"))
	assert.Equal(t, "Work/New", r.RemoteName("Work/New"))

	r.Forget("Work/2023", "Work/2024")
	assert.True(t, r.Selectable("Work/2024"))
	assert.True(t, r.Selectable("Work/2024/Q1"))
	assert.False(t, r.Selectable("Work/2023"))
	assert.Equal(t, "Work/2024/Q1", r.RemoteName("Work/2024/Q1"))
}

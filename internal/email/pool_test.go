package email_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailsync/internal/email"
	"github.com/brandon/mailsync/internal/email/emailtest"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newPool(server *emailtest.Server, idleClose time.Duration) *email.SessionPool {
	return email.NewSessionPool("test", server, idleClose, quietLogger())
}

func TestWithSessionReusesSession(t *testing.T) {
	server := emailtest.NewServer("INBOX")
	pool := newPool(server, time.Minute)
	defer pool.Close()

	ctx := context.Background()
	var first, second email.Session
	require.NoError(t, pool.WithSession(ctx, func(s email.Session) error {
		first = s
		return nil
	}))
	require.NoError(t, pool.WithSession(ctx, func(s email.Session) error {
		second = s
		return nil
	}))

	assert.Same(t, first, second)
	assert.EqualValues(t, 1, server.Dials.Load())
}

func TestWithSessionDiscardsOnError(t *testing.T) {
	server := emailtest.NewServer("INBOX")
	pool := newPool(server, time.Minute)
	defer pool.Close()

	ctx := context.Background()
	boom := errors.New("boom")
	err := pool.WithSession(ctx, func(s email.Session) error { return boom })
	require.ErrorIs(t, err, boom)

	require.NoError(t, pool.WithSession(ctx, func(s email.Session) error { return nil }))
	assert.EqualValues(t, 2, server.Dials.Load())
	assert.True(t, server.Sessions()[0].Closed())
}

func TestWithSessionKeepsSessionOnMissingMessage(t *testing.T) {
	server := emailtest.NewServer("INBOX")
	pool := newPool(server, time.Minute)
	defer pool.Close()

	ctx := context.Background()
	err := pool.WithFolder(ctx, "INBOX", email.ReadOnly, func(s email.Session, _ *email.MailboxStatus) error {
		_, _, err := s.FetchRaw(ctx, 42)
		return err
	})
	require.ErrorIs(t, err, email.ErrMessageNotFound)

	require.NoError(t, pool.WithSession(ctx, func(s email.Session) error { return nil }))
	assert.EqualValues(t, 1, server.Dials.Load())
}

func TestWithSessionReconnectsDeadSession(t *testing.T) {
	server := emailtest.NewServer("INBOX")
	pool := newPool(server, time.Minute)
	defer pool.Close()

	ctx := context.Background()
	require.NoError(t, pool.WithSession(ctx, func(s email.Session) error { return nil }))
	server.Sessions()[0].Break()

	require.NoError(t, pool.WithSession(ctx, func(s email.Session) error {
		assert.True(t, s.Alive())
		return nil
	}))
	assert.EqualValues(t, 2, server.Dials.Load())
}

func TestWithFolderUnselectsOnEveryPath(t *testing.T) {
	server := emailtest.NewServer("INBOX")
	pool := newPool(server, time.Minute)
	defer pool.Close()

	ctx := context.Background()

	require.NoError(t, pool.WithFolder(ctx, "INBOX", email.ReadWrite, func(s email.Session, status *email.MailboxStatus) error {
		assert.Equal(t, "INBOX", status.Name)
		assert.False(t, status.ReadOnly)
		return nil
	}))
	sess := server.Sessions()[0]
	assert.EqualValues(t, 1, sess.Unselects.Load())
	assert.Empty(t, sess.Selected())

	_ = pool.WithFolder(ctx, "INBOX", email.ReadOnly, func(email.Session, *email.MailboxStatus) error {
		return errors.New("caller failed")
	})
	assert.EqualValues(t, 2, sess.Unselects.Load())

	assert.Panics(t, func() {
		_ = pool.WithFolder(ctx, "INBOX", email.ReadOnly, func(email.Session, *email.MailboxStatus) error {
			panic("caller panicked")
		})
	})
	second := server.Sessions()[1]
	assert.EqualValues(t, 1, second.Unselects.Load())
	assert.True(t, second.Closed())
}

func TestWithFolderUnknownFolder(t *testing.T) {
	server := emailtest.NewServer("INBOX")
	pool := newPool(server, time.Minute)
	defer pool.Close()

	called := false
	err := pool.WithFolder(context.Background(), "Missing", email.ReadOnly, func(email.Session, *email.MailboxStatus) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, called)
}

func TestIdleCloseTearsDownSession(t *testing.T) {
	server := emailtest.NewServer("INBOX")
	pool := newPool(server, 20*time.Millisecond)
	defer pool.Close()

	require.NoError(t, pool.WithSession(context.Background(), func(s email.Session) error { return nil }))
	sess := server.Sessions()[0]

	assert.Eventually(t, sess.Closed, time.Second, 5*time.Millisecond)
}

func TestBorrowCancelsIdleClose(t *testing.T) {
	server := emailtest.NewServer("INBOX")
	pool := newPool(server, 200*time.Millisecond)
	defer pool.Close()

	ctx := context.Background()
	require.NoError(t, pool.WithSession(ctx, func(s email.Session) error { return nil }))
	time.Sleep(120 * time.Millisecond)
	require.NoError(t, pool.WithSession(ctx, func(s email.Session) error { return nil }))
	time.Sleep(120 * time.Millisecond)

	assert.False(t, server.Sessions()[0].Closed())
	assert.EqualValues(t, 1, server.Dials.Load())
}

func TestIsReadyReflectsBorrow(t *testing.T) {
	server := emailtest.NewServer("INBOX")
	pool := newPool(server, time.Minute)
	defer pool.Close()

	assert.True(t, pool.IsReady())
	require.NoError(t, pool.WithSession(context.Background(), func(s email.Session) error {
		assert.False(t, pool.IsReady())
		return nil
	}))
	assert.True(t, pool.IsReady())
}

func TestClosedPoolRefusesBorrow(t *testing.T) {
	server := emailtest.NewServer("INBOX")
	pool := newPool(server, time.Minute)

	require.NoError(t, pool.WithSession(context.Background(), func(s email.Session) error { return nil }))
	require.NoError(t, pool.Close())
	assert.True(t, server.Sessions()[0].Closed())

	err := pool.WithSession(context.Background(), func(s email.Session) error { return nil })
	assert.ErrorIs(t, err, email.ErrPoolClosed)
	assert.False(t, pool.IsReady())
}

func TestDialFailureIsReturned(t *testing.T) {
	server := emailtest.NewServer("INBOX")
	server.FailDials(1)
	pool := newPool(server, time.Minute)
	defer pool.Close()

	err := pool.WithSession(context.Background(), func(s email.Session) error { return nil })
	assert.ErrorIs(t, err, emailtest.ErrDialRefused)

	assert.NoError(t, pool.WithSession(context.Background(), func(s email.Session) error { return nil }))
}

// Package storetest provides helpers for tests that need a migrated store.
package storetest

import (
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/store"
	"github.com/brandon/mailsync/pkg/types"
)

// NewTestStore creates an in-memory store with all migrations applied.
// It is closed when the test completes.
func NewTestStore(t testing.TB) *store.Store {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	s, err := store.NewStore(":memory:", logger)
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}

// SeedAccount inserts an account named name and returns its ID
func SeedAccount(t testing.TB, s *store.Store, name string) int {
	t.Helper()

	id, err := s.UpsertAccount(context.Background(), &types.Account{
		Name:     name,
		Host:     "imap.example.com",
		Port:     993,
		TLS:      true,
		Username: name + "@example.com",
		Email:    name + "@example.com",
	})
	if err != nil {
		t.Fatalf("seeding account: %v", err)
	}
	return id
}

// SeedFolder inserts a top-level or nested folder and returns its ID
func SeedFolder(t testing.TB, s *store.Store, accountID int, path string, parentID *int) int {
	t.Helper()

	name := path
	if i := len(store.ParentPath(path)); i > 0 {
		name = path[i+1:]
	}
	id, err := s.CreateFolder(context.Background(), &types.Folder{
		AccountID: accountID,
		Name:      name,
		Path:      path,
		ParentID:  parentID,
	})
	if err != nil {
		t.Fatalf("seeding folder: %v", err)
	}
	return id
}

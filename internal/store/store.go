package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/brandon/mailsync/pkg/types"
)

type accountRow struct {
	ID        int    `db:"id"`
	Name      string `db:"name"`
	Host      string `db:"host"`
	Port      int    `db:"port"`
	TLS       bool   `db:"tls"`
	Username  string `db:"username"`
	Email     string `db:"email"`
	Owner     string `db:"owner"`
	CreatedAt int64  `db:"created_at"`
}

func (r accountRow) toAccount() types.Account {
	return types.Account{
		ID:        r.ID,
		Name:      r.Name,
		Host:      r.Host,
		Port:      r.Port,
		TLS:       r.TLS,
		Username:  r.Username,
		Email:     r.Email,
		Owner:     r.Owner,
		CreatedAt: fromMillis(r.CreatedAt),
	}
}

type folderRow struct {
	ID          int    `db:"id"`
	AccountID   int    `db:"account_id"`
	AccountName string `db:"account_name"`
	Name        string `db:"name"`
	Path        string `db:"path"`
	ParentID    *int   `db:"parent_id"`
	SortOrder   int    `db:"sort_order"`
	LastSynced  *int64 `db:"last_synced"`
	UIDValidity uint32 `db:"uid_validity"`
}

func (r folderRow) toFolder() types.Folder {
	f := types.Folder{
		ID:          r.ID,
		AccountID:   r.AccountID,
		AccountName: r.AccountName,
		Name:        r.Name,
		Path:        r.Path,
		ParentID:    r.ParentID,
		SortOrder:   r.SortOrder,
		UIDValidity: r.UIDValidity,
	}
	if r.LastSynced != nil {
		t := fromMillis(*r.LastSynced)
		f.LastSynced = &t
	}
	return f
}

const folderColumns = `f.id, f.account_id, a.name AS account_name, f.name, f.path, f.parent_id, f.sort_order, f.last_synced, f.uid_validity`

// UpsertAccount upserts an account by name and returns its ID
func (s *Store) UpsertAccount(ctx context.Context, acc *types.Account) (int, error) {
	query := `
		INSERT INTO accounts (name, host, port, tls, username, email, owner, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			host = excluded.host,
			port = excluded.port,
			tls = excluded.tls,
			username = excluded.username,
			email = excluded.email,
			owner = excluded.owner,
			updated_at = excluded.updated_at
		RETURNING id
	`
	now := s.nowMillis()
	var id int
	err := s.db.GetContext(ctx, &id, query, acc.Name, acc.Host, acc.Port, acc.TLS, acc.Username, acc.Email, acc.Owner, now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert account: %w", err)
	}
	acc.ID = id
	return id, nil
}

// GetAccountID returns the account ID by name
func (s *Store) GetAccountID(ctx context.Context, name string) (int, error) {
	var id int
	err := s.db.GetContext(ctx, &id, "SELECT id FROM accounts WHERE name = ?", name)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("account %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get account ID: %w", err)
	}
	return id, nil
}

// ListAccounts lists all persisted accounts
func (s *Store) ListAccounts(ctx context.Context) ([]types.Account, error) {
	var rows []accountRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, name, host, port, tls, username, email, owner, created_at
		FROM accounts ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	accounts := make([]types.Account, len(rows))
	for i, r := range rows {
		accounts[i] = r.toAccount()
	}
	return accounts, nil
}

// GetFolder returns a folder by ID
func (s *Store) GetFolder(ctx context.Context, id int) (*types.Folder, error) {
	var row folderRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+folderColumns+`
		FROM folders f JOIN accounts a ON f.account_id = a.id
		WHERE f.id = ?
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("folder %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get folder: %w", err)
	}
	f := row.toFolder()
	return &f, nil
}

// GetFolderByPath returns the folder of an account with the given slash-joined path
func (s *Store) GetFolderByPath(ctx context.Context, accountID int, path string) (*types.Folder, error) {
	var row folderRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+folderColumns+`
		FROM folders f JOIN accounts a ON f.account_id = a.id
		WHERE f.account_id = ? AND f.path = ?
	`, accountID, path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("folder %s: %w", path, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get folder: %w", err)
	}
	f := row.toFolder()
	return &f, nil
}

// ListFolders lists folders for an account, or for all accounts when accountID is nil
func (s *Store) ListFolders(ctx context.Context, accountID *int) ([]types.Folder, error) {
	query := `
		SELECT ` + folderColumns + `
		FROM folders f JOIN accounts a ON f.account_id = a.id
	`
	var args []interface{}
	if accountID != nil {
		query += " WHERE f.account_id = ? ORDER BY f.path"
		args = append(args, *accountID)
	} else {
		query += " ORDER BY a.name, f.path"
	}

	var rows []folderRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}

	folders := make([]types.Folder, len(rows))
	for i, r := range rows {
		folders[i] = r.toFolder()
	}
	return folders, nil
}

// CreateFolder inserts a folder, assigning sort order (siblings+1)*100 under the same parent
func (s *Store) CreateFolder(ctx context.Context, f *types.Folder) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var siblings int
	err = tx.GetContext(ctx, &siblings,
		"SELECT COUNT(*) FROM folders WHERE account_id = ? AND parent_id IS ?",
		f.AccountID, nullableInt(f.ParentID))
	if err != nil {
		return 0, fmt.Errorf("failed to count sibling folders: %w", err)
	}

	order := (siblings + 1) * 100
	var id int
	err = tx.GetContext(ctx, &id, `
		INSERT INTO folders (account_id, name, path, parent_id, sort_order, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id
	`, f.AccountID, f.Name, f.Path, nullableInt(f.ParentID), order, s.nowMillis())
	if err != nil {
		return 0, fmt.Errorf("failed to insert folder: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit folder: %w", err)
	}

	f.ID = id
	f.SortOrder = order
	return id, nil
}

// UpdateFolderName changes a folder's display name
func (s *Store) UpdateFolderName(ctx context.Context, id int, name string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE folders SET name = ? WHERE id = ?", name, id)
	if err != nil {
		return fmt.Errorf("failed to update folder name: %w", err)
	}
	return nil
}

// RenameFolder moves a folder to a new path and name, rewriting the paths of its
// descendants and re-parenting it. The row keeps its ID.
func (s *Store) RenameFolder(ctx context.Context, id int, newName, newPath string, newParentID *int) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var row struct {
		AccountID int    `db:"account_id"`
		Path      string `db:"path"`
	}
	if err := tx.GetContext(ctx, &row, "SELECT account_id, path FROM folders WHERE id = ?", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("folder %d: %w", id, ErrNotFound)
		}
		return fmt.Errorf("failed to load folder: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE folders SET name = ?, path = ?, parent_id = ? WHERE id = ?",
		newName, newPath, nullableInt(newParentID), id)
	if err != nil {
		return fmt.Errorf("failed to rename folder: %w", err)
	}

	// substr counts characters, so the prefix length is measured in runes
	oldPrefix := row.Path + "/"
	_, err = tx.ExecContext(ctx, `
		UPDATE folders SET path = ? || substr(path, ?)
		WHERE account_id = ? AND substr(path, 1, ?) = ?
	`, newPath+"/", utf8.RuneCountInString(oldPrefix)+1, row.AccountID, utf8.RuneCountInString(oldPrefix), oldPrefix)
	if err != nil {
		return fmt.Errorf("failed to rewrite descendant paths: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit folder rename: %w", err)
	}
	return nil
}

// TouchFolder records a completed reconciliation of the folder
func (s *Store) TouchFolder(ctx context.Context, id int) error {
	_, err := s.db.ExecContext(ctx, "UPDATE folders SET last_synced = ? WHERE id = ?", s.nowMillis(), id)
	if err != nil {
		return fmt.Errorf("failed to touch folder: %w", err)
	}
	return nil
}

// CheckUIDValidity records the server's UIDVALIDITY for a folder. When a different
// value was recorded before, every message of the folder is marked removed and its
// UID cleared, so rows are matched again by identity only. It returns the IDs of
// live messages that were removed and whether a reset happened.
func (s *Store) CheckUIDValidity(ctx context.Context, folderID int, validity uint32) ([]int64, bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var current uint32
	err = tx.GetContext(ctx, &current, "SELECT uid_validity FROM folders WHERE id = ?", folderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("folder %d: %w", folderID, ErrNotFound)
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read uid validity: %w", err)
	}
	if current == validity {
		return nil, false, nil
	}

	var live []int64
	reset := current != 0
	if reset {
		err = tx.SelectContext(ctx, &live,
			"SELECT id FROM messages WHERE folder_id = ? AND is_removed = 0 ORDER BY id", folderID)
		if err != nil {
			return nil, false, fmt.Errorf("failed to list folder messages: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE messages SET is_removed = 1, folder_uid = 0, updated_at = ? WHERE folder_id = ?",
			s.nowMillis(), folderID)
		if err != nil {
			return nil, false, fmt.Errorf("failed to reset folder messages: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, "UPDATE folders SET uid_validity = ? WHERE id = ?", validity, folderID); err != nil {
		return nil, false, fmt.Errorf("failed to record uid validity: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit uid validity: %w", err)
	}
	return live, reset, nil
}

func nullableInt(p *int) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

// ParentPath returns the path without its last segment, or "" for top-level folders
func ParentPath(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[:i]
	}
	return ""
}

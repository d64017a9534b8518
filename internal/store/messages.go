package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/brandon/mailsync/pkg/types"
)

type messageRow struct {
	ID         int64  `db:"id"`
	AccountID  int    `db:"account_id"`
	FolderID   int    `db:"folder_id"`
	FolderPath string `db:"folder_path"`
	UID        uint32 `db:"folder_uid"`
	MessageKey string `db:"message_key"`
	Subject    string `db:"subject"`
	SentAt     int64  `db:"sent_at"`
	IsRead     bool   `db:"is_read"`
	IsRemoved  bool   `db:"is_removed"`
	State      string `db:"state"`
	CreatedAt  int64  `db:"created_at"`
}

func (r messageRow) toMessage() *types.Message {
	return &types.Message{
		ID:         r.ID,
		AccountID:  r.AccountID,
		FolderID:   r.FolderID,
		FolderPath: r.FolderPath,
		UID:        r.UID,
		MessageKey: r.MessageKey,
		Subject:    r.Subject,
		SentAt:     fromMillis(r.SentAt),
		IsRead:     r.IsRead,
		IsRemoved:  r.IsRemoved,
		State:      types.ImportState(r.State),
		CreatedAt:  fromMillis(r.CreatedAt),
	}
}

type partyRow struct {
	ID          int64  `db:"id"`
	Address     string `db:"address"`
	DisplayName string `db:"display_name"`
	Kind        string `db:"kind"`
}

func (r partyRow) toParty() types.Party {
	return types.Party{ID: r.ID, Address: r.Address, DisplayName: r.DisplayName}
}

const messageSelect = `
	SELECT m.id, m.account_id, m.folder_id, f.path AS folder_path, m.folder_uid, m.message_key,
		m.subject, m.sent_at, m.is_read, m.is_removed, m.state, m.created_at
	FROM messages m JOIN folders f ON m.folder_id = f.id
`

// MessageRef is the minimal per-UID view used by reconciliation
type MessageRef struct {
	ID        int64  `db:"id"`
	UID       uint32 `db:"folder_uid"`
	IsRead    bool   `db:"is_read"`
	IsRemoved bool   `db:"is_removed"`
}

func (s *Store) getMessage(ctx context.Context, where string, args ...interface{}) (*types.Message, error) {
	var row messageRow
	err := s.db.GetContext(ctx, &row, messageSelect+where, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return row.toMessage(), nil
}

// GetMessage returns a message by ID without its parties
func (s *Store) GetMessage(ctx context.Context, id int64) (*types.Message, error) {
	msg, err := s.getMessage(ctx, "WHERE m.id = ?", id)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("message %d: %w", id, ErrNotFound)
	}
	return msg, err
}

// GetMessageWithParties returns a message by ID with senders and recipients loaded
func (s *Store) GetMessageWithParties(ctx context.Context, id int64) (*types.Message, error) {
	msg, err := s.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}

	var senders []partyRow
	err = s.db.SelectContext(ctx, &senders, `
		SELECT p.id, p.address, p.display_name, '' AS kind
		FROM message_senders ms JOIN parties p ON ms.party_id = p.id
		WHERE ms.message_id = ? ORDER BY p.address
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load senders: %w", err)
	}
	for _, r := range senders {
		msg.Senders = append(msg.Senders, r.toParty())
	}

	var recipients []partyRow
	err = s.db.SelectContext(ctx, &recipients, `
		SELECT p.id, p.address, p.display_name, mr.kind
		FROM message_recipients mr JOIN parties p ON mr.party_id = p.id
		WHERE mr.message_id = ? ORDER BY mr.kind DESC, p.address
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load recipients: %w", err)
	}
	for _, r := range recipients {
		msg.Recipients = append(msg.Recipients, types.Recipient{
			Party: r.toParty(),
			Kind:  types.RecipientKind(r.Kind),
		})
	}

	return msg, nil
}

// FindMessage looks a message up by its identity within one folder
func (s *Store) FindMessage(ctx context.Context, accountID, folderID int, key string) (*types.Message, error) {
	return s.getMessage(ctx, "WHERE m.account_id = ? AND m.folder_id = ? AND m.message_key = ?", accountID, folderID, key)
}

// FindRelocated returns a removed copy of the message in another folder of the account,
// which is how a server-side move looks once the source folder has been reconciled.
func (s *Store) FindRelocated(ctx context.Context, accountID, folderID int, key string) (*types.Message, error) {
	return s.getMessage(ctx, `
		WHERE m.account_id = ? AND m.folder_id != ? AND m.message_key = ? AND m.is_removed = 1
		ORDER BY m.id LIMIT 1
	`, accountID, folderID, key)
}

// FindMessageByUID returns the message stored under a folder UID, preferring live rows
func (s *Store) FindMessageByUID(ctx context.Context, folderID int, uid uint32) (*types.Message, error) {
	return s.getMessage(ctx, `
		WHERE m.folder_id = ? AND m.folder_uid = ?
		ORDER BY m.is_removed ASC, m.id DESC LIMIT 1
	`, folderID, uid)
}

// CreateMessage inserts a Pending message and links its parties in one transaction.
// msg.IsRemoved is stored as given.
func (s *Store) CreateMessage(ctx context.Context, msg *types.Message) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := s.nowMillis()
	var id int64
	err = tx.GetContext(ctx, &id, `
		INSERT INTO messages (account_id, folder_id, folder_uid, message_key, subject, sent_at, is_read, is_removed, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`, msg.AccountID, msg.FolderID, msg.UID, msg.MessageKey, msg.Subject, toMillis(msg.SentAt), msg.IsRead, msg.IsRemoved, string(types.ImportPending), now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to insert message: %w", err)
	}

	resolved := make(map[string]int64)
	if err := s.linkParties(ctx, tx, id, msg, resolved); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit message: %w", err)
	}
	s.rememberParties(resolved)

	msg.ID = id
	msg.State = types.ImportPending
	msg.CreatedAt = fromMillis(now)
	return id, nil
}

// ReplaceParties rebuilds the sender and recipient links of a message
func (s *Store) ReplaceParties(ctx context.Context, msg *types.Message) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, "DELETE FROM message_senders WHERE message_id = ?", msg.ID); err != nil {
		return fmt.Errorf("failed to clear senders: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM message_recipients WHERE message_id = ?", msg.ID); err != nil {
		return fmt.Errorf("failed to clear recipients: %w", err)
	}

	resolved := make(map[string]int64)
	if err := s.linkParties(ctx, tx, msg.ID, msg, resolved); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit parties: %w", err)
	}
	s.rememberParties(resolved)
	return nil
}

func (s *Store) linkParties(ctx context.Context, tx *sqlx.Tx, messageID int64, msg *types.Message, resolved map[string]int64) error {
	for _, p := range msg.Senders {
		partyID, err := s.resolveParty(ctx, tx, p, resolved)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO message_senders (message_id, party_id) VALUES (?, ?)",
			messageID, partyID)
		if err != nil {
			return fmt.Errorf("failed to link sender: %w", err)
		}
	}

	for _, r := range msg.Recipients {
		partyID, err := s.resolveParty(ctx, tx, r.Party, resolved)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO message_recipients (message_id, party_id, kind) VALUES (?, ?, ?)",
			messageID, partyID, string(r.Kind))
		if err != nil {
			return fmt.Errorf("failed to link recipient: %w", err)
		}
	}
	return nil
}

// resolveParty returns the party ID for an address, creating the party on first sight.
// Cached IDs are only trusted once their creating transaction has committed.
func (s *Store) resolveParty(ctx context.Context, tx *sqlx.Tx, p types.Party, resolved map[string]int64) (int64, error) {
	address := strings.ToLower(strings.TrimSpace(p.Address))
	if id, ok := resolved[address]; ok {
		return id, nil
	}
	if id, ok := s.parties.Get(address); ok {
		return id, nil
	}

	display := p.DisplayName
	if display == "" {
		display = address
	}

	var id int64
	err := tx.GetContext(ctx, &id, `
		INSERT INTO parties (address, display_name) VALUES (?, ?)
		ON CONFLICT(address) DO UPDATE SET
			display_name = CASE
				WHEN parties.display_name = '' OR parties.display_name = parties.address THEN excluded.display_name
				ELSE parties.display_name
			END
		RETURNING id
	`, address, display)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve party %s: %w", address, err)
	}

	resolved[address] = id
	return id, nil
}

func (s *Store) rememberParties(resolved map[string]int64) {
	for address, id := range resolved {
		s.parties.Add(address, id)
	}
}

// RefreshMessage applies a re-observed server copy: read flag, location, and clears removed
func (s *Store) RefreshMessage(ctx context.Context, id int64, isRead bool, folderID int, uid uint32) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET is_read = ?, is_removed = 0, folder_id = ?, folder_uid = ?, updated_at = ?
		WHERE id = ?
	`, isRead, folderID, uid, s.nowMillis(), id)
	if err != nil {
		return fmt.Errorf("failed to refresh message: %w", err)
	}
	return nil
}

// SetRead updates the read flag and reports whether it changed
func (s *Store) SetRead(ctx context.Context, id int64, isRead bool) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE messages SET is_read = ?, updated_at = ? WHERE id = ? AND is_read != ?",
		isRead, s.nowMillis(), id, isRead)
	if err != nil {
		return false, fmt.Errorf("failed to set read flag: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to set read flag: %w", err)
	}
	return n > 0, nil
}

// MarkRemoved flags a message as removed and reports whether it changed
func (s *Store) MarkRemoved(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE messages SET is_removed = 1, updated_at = ? WHERE id = ? AND is_removed = 0",
		s.nowMillis(), id)
	if err != nil {
		return false, fmt.Errorf("failed to mark message removed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to mark message removed: %w", err)
	}
	return n > 0, nil
}

// RelocateMessage points a message at a new folder and UID together
func (s *Store) RelocateMessage(ctx context.Context, id int64, folderID int, uid uint32) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET folder_id = ?, folder_uid = ?, is_removed = 0, updated_at = ?
		WHERE id = ?
	`, folderID, uid, s.nowMillis(), id)
	if err != nil {
		return fmt.Errorf("failed to relocate message: %w", err)
	}
	return nil
}

// KnownUIDs returns the messages of a folder keyed by UID, removed ones included.
// When a UID is shared, the live row wins.
func (s *Store) KnownUIDs(ctx context.Context, folderID int) (map[uint32]MessageRef, error) {
	var refs []MessageRef
	err := s.db.SelectContext(ctx, &refs, `
		SELECT id, folder_uid, is_read, is_removed FROM messages
		WHERE folder_id = ? AND folder_uid > 0
		ORDER BY is_removed DESC, id
	`, folderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list known UIDs: %w", err)
	}

	known := make(map[uint32]MessageRef, len(refs))
	for _, r := range refs {
		known[r.UID] = r
	}
	return known, nil
}

// MarkRemovedExcept flags every live message of the folder whose UID is not in present.
// UIDs at or above below were assigned after the listing and are left alone; zero
// means no bound. It returns the IDs that were flagged.
func (s *Store) MarkRemovedExcept(ctx context.Context, folderID int, present map[uint32]struct{}, below uint32) ([]int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var refs []MessageRef
	err = tx.SelectContext(ctx, &refs,
		"SELECT id, folder_uid, is_read FROM messages WHERE folder_id = ? AND is_removed = 0",
		folderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list folder messages: %w", err)
	}

	var gone []int64
	for _, r := range refs {
		if below != 0 && r.UID >= below {
			continue
		}
		if _, ok := present[r.UID]; !ok {
			gone = append(gone, r.ID)
		}
	}
	if len(gone) == 0 {
		return nil, nil
	}

	query, args, err := sqlx.In("UPDATE messages SET is_removed = 1, updated_at = ? WHERE id IN (?)", s.nowMillis(), gone)
	if err != nil {
		return nil, fmt.Errorf("failed to build removal query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to mark messages removed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit removals: %w", err)
	}
	return gone, nil
}

// PendingMessageIDs returns live Pending messages of an account that have no content yet
func (s *Store) PendingMessageIDs(ctx context.Context, accountID int) ([]int64, error) {
	var ids []int64
	err := s.db.SelectContext(ctx, &ids, `
		SELECT m.id FROM messages m
		LEFT JOIN message_contents c ON c.message_id = m.id
		WHERE m.account_id = ? AND m.state = ? AND m.is_removed = 0 AND c.message_id IS NULL
		ORDER BY m.id
	`, accountID, string(types.ImportPending))
	if err != nil {
		return nil, fmt.Errorf("failed to list pending messages: %w", err)
	}
	return ids, nil
}

// ListMessages lists the live messages of a folder, newest first
func (s *Store) ListMessages(ctx context.Context, folderID int, limit int) ([]*types.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows, messageSelect+`
		WHERE m.folder_id = ? AND m.is_removed = 0
		ORDER BY m.sent_at DESC, m.id DESC LIMIT ?
	`, folderID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	messages := make([]*types.Message, len(rows))
	for i, r := range rows {
		messages[i] = r.toMessage()
	}
	return messages, nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/brandon/mailsync/pkg/types"
)

type contentRow struct {
	MessageID  int64  `db:"message_id"`
	Text       []byte `db:"text_content"`
	TextSize   *int64 `db:"text_size"`
	HTML       []byte `db:"html_content"`
	HTMLSize   *int64 `db:"html_size"`
	Raw        []byte `db:"raw_content"`
	RawSize    *int64 `db:"raw_size"`
	ImportedAt int64  `db:"imported_at"`
}

// blobSize returns nil for empty content so absence is stored as NULL
func blobSize(b []byte) *int64 {
	if len(b) == 0 {
		return nil
	}
	n := int64(len(b))
	return &n
}

func nullBlob(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}

// CommitContent atomically replaces a message's content and marks it imported.
// Ordering inside the transaction is delete, insert, then state flip.
func (s *Store) CommitContent(ctx context.Context, c *types.Content) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, "DELETE FROM message_contents WHERE message_id = ?", c.MessageID); err != nil {
		return fmt.Errorf("failed to delete previous content: %w", err)
	}

	c.TextSize = blobSize(c.Text)
	c.HTMLSize = blobSize(c.HTML)
	c.RawSize = blobSize(c.Raw)
	now := s.nowMillis()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO message_contents (message_id, text_content, text_size, html_content, html_size, raw_content, raw_size, imported_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, c.MessageID, nullBlob(c.Text), c.TextSize, nullBlob(c.HTML), c.HTMLSize, nullBlob(c.Raw), c.RawSize, now)
	if err != nil {
		return fmt.Errorf("failed to insert content: %w", err)
	}

	if s.afterContentInsert != nil {
		if err := s.afterContentInsert(tx); err != nil {
			return err
		}
	}

	res, err := tx.ExecContext(ctx,
		"UPDATE messages SET state = ?, updated_at = ? WHERE id = ?",
		string(types.ImportImported), now, c.MessageID)
	if err != nil {
		return fmt.Errorf("failed to mark message imported: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("message %d: %w", c.MessageID, ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit content: %w", err)
	}

	c.ImportedAt = fromMillis(now)
	return nil
}

// GetContent returns the imported content of a message
func (s *Store) GetContent(ctx context.Context, messageID int64) (*types.Content, error) {
	var row contentRow
	err := s.db.GetContext(ctx, &row, `
		SELECT message_id, text_content, text_size, html_content, html_size, raw_content, raw_size, imported_at
		FROM message_contents WHERE message_id = ?
	`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("content of message %d: %w", messageID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get content: %w", err)
	}

	return &types.Content{
		MessageID:  row.MessageID,
		Text:       row.Text,
		TextSize:   row.TextSize,
		HTML:       row.HTML,
		HTMLSize:   row.HTMLSize,
		Raw:        row.Raw,
		RawSize:    row.RawSize,
		ImportedAt: fromMillis(row.ImportedAt),
	}, nil
}

// HasContent reports whether a content row exists for the message
func (s *Store) HasContent(ctx context.Context, messageID int64) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM message_contents WHERE message_id = ?", messageID)
	if err != nil {
		return false, fmt.Errorf("failed to check content: %w", err)
	}
	return n > 0, nil
}

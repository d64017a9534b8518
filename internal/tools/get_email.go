package tools

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/daemon"
	"github.com/brandon/mailsync/internal/store"
	"github.com/brandon/mailsync/pkg/types"
)

// GetEmailTool retrieves a mirrored email by ID
type GetEmailTool struct {
	manager *daemon.Manager
	store   *store.Store
	logger  *logrus.Logger
}

// NewGetEmailTool creates a new get email tool
func NewGetEmailTool(manager *daemon.Manager, st *store.Store, logger *logrus.Logger) *GetEmailTool {
	return &GetEmailTool{
		manager: manager,
		store:   st,
		logger:  logger,
	}
}

// Name returns the tool name
func (t *GetEmailTool) Name() string {
	return "get_email"
}

// Description returns the tool description
func (t *GetEmailTool) Description() string {
	return "Retrieve a mirrored email with its parties and content; queues an import when content is missing"
}

// InputSchema returns the JSON schema for tool inputs
func (t *GetEmailTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"email_id": map[string]interface{}{
				"type":        "integer",
				"description": "Email ID (from list_emails)",
			},
			"include_raw": map[string]interface{}{
				"type":        "boolean",
				"description": "Optional: Include the raw RFC 822 source",
			},
		},
		"required": []string{"email_id"},
	}
}

// Execute executes the tool
func (t *GetEmailTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	emailID, err := requireInt64(params, "email_id")
	if err != nil {
		return nil, err
	}
	includeRaw, _, err := boolParam(params, "include_raw")
	if err != nil {
		return nil, err
	}

	msg, err := t.store.GetMessageWithParties(ctx, emailID)
	if err != nil {
		return nil, fmt.Errorf("failed to get email: %w", err)
	}

	result := map[string]interface{}{
		"id":          msg.ID,
		"account_id":  msg.AccountID,
		"folder_id":   msg.FolderID,
		"folder_path": msg.FolderPath,
		"uid":         msg.UID,
		"message_id":  msg.MessageKey,
		"subject":     msg.Subject,
		"date":        msg.SentAt.Format(time.RFC3339),
		"is_read":     msg.IsRead,
		"is_removed":  msg.IsRemoved,
		"state":       msg.State,
		"senders":     msg.Senders,
		"recipients":  msg.Recipients,
	}

	content, err := t.store.GetContent(ctx, emailID)
	switch {
	case err == nil:
		result["body_text"] = string(content.Text)
		result["body_html"] = string(content.HTML)
		result["imported_at"] = content.ImportedAt.Format(time.RFC3339)
		if includeRaw {
			result["raw"] = string(content.Raw)
		}
	case errors.Is(err, store.ErrNotFound):
		if msg.State == types.ImportPending && !msg.IsRemoved {
			if err := t.manager.EnqueueImport(ctx, emailID, false); err != nil {
				t.logger.WithError(err).WithField("email_id", emailID).Warn("Could not queue import")
			} else {
				result["import_queued"] = true
			}
		}
	default:
		return nil, fmt.Errorf("failed to get email content: %w", err)
	}

	return result, nil
}

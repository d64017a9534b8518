package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/brandon/mailsync/internal/daemon"
	"github.com/brandon/mailsync/internal/store"
	"github.com/brandon/mailsync/pkg/types"
)

const maxListLimit = 500

// ListEmailsTool lists the newest mirrored messages of a folder
type ListEmailsTool struct {
	manager *daemon.Manager
	store   *store.Store
}

// NewListEmailsTool creates a new list emails tool
func NewListEmailsTool(manager *daemon.Manager, st *store.Store) *ListEmailsTool {
	return &ListEmailsTool{manager: manager, store: st}
}

// Name returns the tool name
func (t *ListEmailsTool) Name() string {
	return "list_emails"
}

// Description returns the tool description
func (t *ListEmailsTool) Description() string {
	return "List the newest mirrored emails of a folder, by folder ID or account and path"
}

// InputSchema returns the JSON schema for tool inputs
func (t *ListEmailsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"folder_id": map[string]interface{}{
				"type":        "integer",
				"description": "Folder ID (from list_folders)",
			},
			"account_name": map[string]interface{}{
				"type":        "string",
				"description": "Account name, used with folder",
			},
			"folder": map[string]interface{}{
				"type":        "string",
				"description": "Slash-joined folder path, e.g. Work/2024",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Optional: Result limit (default: 50, max: 500)",
				"minimum":     1,
				"maximum":     maxListLimit,
			},
		},
	}
}

// Execute executes the tool
func (t *ListEmailsTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	folder, err := t.resolveFolder(ctx, params)
	if err != nil {
		return nil, err
	}

	limit, _, err := int64Param(params, "limit")
	if err != nil {
		return nil, err
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	messages, err := t.store.ListMessages(ctx, folder.ID, int(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list emails: %w", err)
	}

	emailList := make([]map[string]interface{}, len(messages))
	for i, msg := range messages {
		emailList[i] = map[string]interface{}{
			"id":          msg.ID,
			"folder_path": msg.FolderPath,
			"uid":         msg.UID,
			"message_id":  msg.MessageKey,
			"subject":     msg.Subject,
			"date":        msg.SentAt.Format(time.RFC3339),
			"is_read":     msg.IsRead,
			"state":       msg.State,
		}
	}

	return emailList, nil
}

func (t *ListEmailsTool) resolveFolder(ctx context.Context, params map[string]interface{}) (*types.Folder, error) {
	id, ok, err := int64Param(params, "folder_id")
	if err != nil {
		return nil, err
	}
	if ok {
		return t.store.GetFolder(ctx, int(id))
	}

	accountName, err := requireString(params, "account_name")
	if err != nil {
		return nil, fmt.Errorf("folder_id or account_name and folder are required")
	}
	path, err := requireString(params, "folder")
	if err != nil {
		return nil, fmt.Errorf("folder_id or account_name and folder are required")
	}
	accountID, err := t.store.GetAccountID(ctx, accountName)
	if err != nil {
		return nil, err
	}
	return t.store.GetFolderByPath(ctx, accountID, daemon.NormalizePath(path, "/"))
}

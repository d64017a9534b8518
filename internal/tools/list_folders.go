package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/brandon/mailsync/internal/daemon"
	"github.com/brandon/mailsync/internal/store"
)

// ListFoldersTool lists the mirrored folder tree
type ListFoldersTool struct {
	manager *daemon.Manager
	store   *store.Store
}

// NewListFoldersTool creates a new list folders tool
func NewListFoldersTool(manager *daemon.Manager, st *store.Store) *ListFoldersTool {
	return &ListFoldersTool{manager: manager, store: st}
}

// Name returns the tool name
func (t *ListFoldersTool) Name() string {
	return "list_folders"
}

// Description returns the tool description
func (t *ListFoldersTool) Description() string {
	return "List mirrored folders for configured email accounts"
}

// InputSchema returns the JSON schema for tool inputs
func (t *ListFoldersTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"account_name": map[string]interface{}{
				"type":        "string",
				"description": "Optional: Specific account name, or all accounts if omitted",
			},
		},
	}
}

// Execute executes the tool
func (t *ListFoldersTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var accountID *int

	if accountName := stringParam(params, "account_name"); accountName != "" {
		id, err := t.store.GetAccountID(ctx, accountName)
		if err != nil {
			return nil, err
		}
		accountID = &id
	}

	folders, err := t.store.ListFolders(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}

	result := make([]map[string]interface{}, len(folders))
	for i, folder := range folders {
		syncing := false
		if sup, err := t.manager.Supervisor(folder.AccountID); err == nil {
			_, err := sup.SessionPool(folder.ID)
			syncing = err == nil
		}
		result[i] = map[string]interface{}{
			"id":           folder.ID,
			"account_id":   folder.AccountID,
			"account_name": folder.AccountName,
			"name":         folder.Name,
			"path":         folder.Path,
			"sort_order":   folder.SortOrder,
			"syncing":      syncing,
		}
		if folder.ParentID != nil {
			result[i]["parent_id"] = *folder.ParentID
		}
		if folder.LastSynced != nil {
			result[i]["last_synced"] = folder.LastSynced.Format(time.RFC3339)
		}
	}

	return result, nil
}

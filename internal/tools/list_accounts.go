package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/brandon/mailsync/internal/daemon"
	"github.com/brandon/mailsync/internal/store"
)

// ListAccountsTool lists persisted accounts and whether each is syncing
type ListAccountsTool struct {
	manager *daemon.Manager
	store   *store.Store
}

// NewListAccountsTool creates a new list accounts tool
func NewListAccountsTool(manager *daemon.Manager, st *store.Store) *ListAccountsTool {
	return &ListAccountsTool{manager: manager, store: st}
}

// Name returns the tool name
func (t *ListAccountsTool) Name() string {
	return "list_accounts"
}

// Description returns the tool description
func (t *ListAccountsTool) Description() string {
	return "List mirrored accounts with their sync status"
}

// InputSchema returns the JSON schema for tool inputs
func (t *ListAccountsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

// Execute executes the tool
func (t *ListAccountsTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	accounts, err := t.store.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	result := make([]map[string]interface{}, len(accounts))
	for i, acc := range accounts {
		status := "stopped"
		if sup, err := t.manager.Supervisor(acc.ID); err == nil {
			status = "connecting"
			if sup.Ready() {
				status = "syncing"
			}
		}
		result[i] = map[string]interface{}{
			"id":         acc.ID,
			"name":       acc.Name,
			"email":      acc.Email,
			"host":       acc.Host,
			"port":       acc.Port,
			"status":     status,
			"created_at": acc.CreatedAt.Format(time.RFC3339),
		}
	}
	return result, nil
}

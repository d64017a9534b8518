package tools

import (
	"context"

	"github.com/brandon/mailsync/internal/daemon"
	"github.com/brandon/mailsync/internal/store"
)

// ReloadEmailTool forces a fresh content import of one email
type ReloadEmailTool struct {
	manager *daemon.Manager
}

// NewReloadEmailTool creates a new reload email tool
func NewReloadEmailTool(manager *daemon.Manager) *ReloadEmailTool {
	return &ReloadEmailTool{manager: manager}
}

func (t *ReloadEmailTool) Name() string { return "reload_email" }

func (t *ReloadEmailTool) Description() string {
	return "Re-fetch an email's content and parties from the server"
}

func (t *ReloadEmailTool) InputSchema() map[string]interface{} {
	return emailIDSchema(nil)
}

func (t *ReloadEmailTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	emailID, err := requireInt64(params, "email_id")
	if err != nil {
		return nil, err
	}
	if err := t.manager.EnqueueImport(ctx, emailID, true); err != nil {
		return nil, err
	}
	return map[string]interface{}{"email_id": emailID, "queued": true}, nil
}

// SetReadStateTool marks an email read or unread locally and on the server
type SetReadStateTool struct {
	manager *daemon.Manager
	store   *store.Store
}

// NewSetReadStateTool creates a new set read state tool
func NewSetReadStateTool(manager *daemon.Manager, st *store.Store) *SetReadStateTool {
	return &SetReadStateTool{manager: manager, store: st}
}

func (t *SetReadStateTool) Name() string { return "set_read_state" }

func (t *SetReadStateTool) Description() string {
	return "Mark an email read or unread"
}

func (t *SetReadStateTool) InputSchema() map[string]interface{} {
	return emailIDSchema(map[string]interface{}{
		"read": map[string]interface{}{
			"type":        "boolean",
			"description": "true to mark read, false to mark unread",
		},
	}, "read")
}

func (t *SetReadStateTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	emailID, err := requireInt64(params, "email_id")
	if err != nil {
		return nil, err
	}
	read, ok, err := boolParam(params, "read")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errRequired("read")
	}

	sup, err := supervisorForMessage(ctx, t.manager, t.store, emailID)
	if err != nil {
		return nil, err
	}
	if err := sup.SetReadState(ctx, emailID, read); err != nil {
		return nil, err
	}
	return map[string]interface{}{"email_id": emailID, "is_read": read}, nil
}

// MoveEmailTool moves an email to another folder of the same account
type MoveEmailTool struct {
	manager *daemon.Manager
	store   *store.Store
}

// NewMoveEmailTool creates a new move email tool
func NewMoveEmailTool(manager *daemon.Manager, st *store.Store) *MoveEmailTool {
	return &MoveEmailTool{manager: manager, store: st}
}

func (t *MoveEmailTool) Name() string { return "move_email" }

func (t *MoveEmailTool) Description() string {
	return "Move an email to another folder of the same account"
}

func (t *MoveEmailTool) InputSchema() map[string]interface{} {
	return emailIDSchema(map[string]interface{}{
		"folder_id": map[string]interface{}{
			"type":        "integer",
			"description": "Destination folder ID (from list_folders)",
		},
	}, "folder_id")
}

func (t *MoveEmailTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	emailID, err := requireInt64(params, "email_id")
	if err != nil {
		return nil, err
	}
	folderID, err := folderIDParam(params, "folder_id")
	if err != nil {
		return nil, err
	}

	sup, err := supervisorForMessage(ctx, t.manager, t.store, emailID)
	if err != nil {
		return nil, err
	}
	if err := sup.MoveMessage(ctx, emailID, folderID); err != nil {
		return nil, err
	}

	msg, err := t.store.GetMessage(ctx, emailID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"email_id":    msg.ID,
		"folder_id":   msg.FolderID,
		"folder_path": msg.FolderPath,
		"uid":         msg.UID,
		"is_removed":  msg.IsRemoved,
	}, nil
}

// MoveFolderTool renames or re-parents a folder
type MoveFolderTool struct {
	manager *daemon.Manager
	store   *store.Store
}

// NewMoveFolderTool creates a new move folder tool
func NewMoveFolderTool(manager *daemon.Manager, st *store.Store) *MoveFolderTool {
	return &MoveFolderTool{manager: manager, store: st}
}

func (t *MoveFolderTool) Name() string { return "move_folder" }

func (t *MoveFolderTool) Description() string {
	return "Rename or move a folder on the server; subfolders move with it"
}

func (t *MoveFolderTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"folder_id": map[string]interface{}{
				"type":        "integer",
				"description": "Folder ID (from list_folders)",
			},
			"new_path": map[string]interface{}{
				"type":        "string",
				"description": "New slash-joined path, e.g. Work/2024",
			},
		},
		"required": []string{"folder_id", "new_path"},
	}
}

func (t *MoveFolderTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	folderID, err := folderIDParam(params, "folder_id")
	if err != nil {
		return nil, err
	}
	newPath, err := requireString(params, "new_path")
	if err != nil {
		return nil, err
	}

	sup, err := supervisorForFolder(ctx, t.manager, t.store, folderID)
	if err != nil {
		return nil, err
	}
	if err := sup.MoveFolder(ctx, folderID, newPath); err != nil {
		return nil, err
	}

	f, err := t.store.GetFolder(ctx, folderID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"folder_id": f.ID, "name": f.Name, "path": f.Path}, nil
}

// ReconfigureAccountTool restarts the sync of one account
type ReconfigureAccountTool struct {
	manager *daemon.Manager
}

// NewReconfigureAccountTool creates a new reconfigure account tool
func NewReconfigureAccountTool(manager *daemon.Manager) *ReconfigureAccountTool {
	return &ReconfigureAccountTool{manager: manager}
}

func (t *ReconfigureAccountTool) Name() string { return "reconfigure_account" }

func (t *ReconfigureAccountTool) Description() string {
	return "Restart an account's sync, re-reading its keyring password"
}

func (t *ReconfigureAccountTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"account_name": map[string]interface{}{
				"type":        "string",
				"description": "Account name",
			},
		},
		"required": []string{"account_name"},
	}
}

func (t *ReconfigureAccountTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	name, err := requireString(params, "account_name")
	if err != nil {
		return nil, err
	}
	sup, err := t.manager.SupervisorByName(name)
	if err != nil {
		return nil, err
	}
	if err := t.manager.Reconfigure(ctx, sup.Account().ID); err != nil {
		return nil, err
	}
	return map[string]interface{}{"account_name": name, "restarted": true}, nil
}

func emailIDSchema(extra map[string]interface{}, required ...string) map[string]interface{} {
	props := map[string]interface{}{
		"email_id": map[string]interface{}{
			"type":        "integer",
			"description": "Email ID (from list_emails)",
		},
	}
	for k, v := range extra {
		props[k] = v
	}
	return map[string]interface{}{
		"type":       "object",
		"properties": props,
		"required":   append([]string{"email_id"}, required...),
	}
}

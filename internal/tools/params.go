package tools

import (
	"context"
	"fmt"
	"strconv"

	"github.com/brandon/mailsync/internal/daemon"
	"github.com/brandon/mailsync/internal/store"
)

func errRequired(key string) error {
	return fmt.Errorf("%s is required", key)
}

// int64Param accepts JSON numbers and numeric strings
func int64Param(params map[string]interface{}, key string) (int64, bool, error) {
	switch v := params[key].(type) {
	case nil:
		return 0, false, nil
	case float64:
		return int64(v), true, nil
	case string:
		if v == "" {
			return 0, false, nil
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, false, fmt.Errorf("invalid %s: %w", key, err)
		}
		return n, true, nil
	default:
		return 0, false, fmt.Errorf("invalid %s: unexpected type %T", key, v)
	}
}

func requireInt64(params map[string]interface{}, key string) (int64, error) {
	n, ok, err := int64Param(params, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, errRequired(key)
	}
	return n, nil
}

func stringParam(params map[string]interface{}, key string) string {
	s, _ := params[key].(string)
	return s
}

func requireString(params map[string]interface{}, key string) (string, error) {
	s := stringParam(params, key)
	if s == "" {
		return "", errRequired(key)
	}
	return s, nil
}

// boolParam accepts JSON booleans and "true"/"false" strings
func boolParam(params map[string]interface{}, key string) (bool, bool, error) {
	switch v := params[key].(type) {
	case nil:
		return false, false, nil
	case bool:
		return v, true, nil
	case string:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, false, fmt.Errorf("invalid %s: %w", key, err)
		}
		return b, true, nil
	default:
		return false, false, fmt.Errorf("invalid %s: unexpected type %T", key, v)
	}
}

// supervisorForMessage finds the supervisor owning a message
func supervisorForMessage(ctx context.Context, manager *daemon.Manager, st *store.Store, messageID int64) (*daemon.AccountSupervisor, error) {
	msg, err := st.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	return manager.Supervisor(msg.AccountID)
}

// supervisorForFolder finds the supervisor owning a folder
func supervisorForFolder(ctx context.Context, manager *daemon.Manager, st *store.Store, folderID int) (*daemon.AccountSupervisor, error) {
	f, err := st.GetFolder(ctx, folderID)
	if err != nil {
		return nil, err
	}
	return manager.Supervisor(f.AccountID)
}

func folderIDParam(params map[string]interface{}, key string) (int, error) {
	id, err := requireInt64(params, key)
	if err != nil {
		return 0, err
	}
	return int(id), nil
}

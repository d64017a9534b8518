package daemon

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/email"
	"github.com/brandon/mailsync/internal/notify"
	"github.com/brandon/mailsync/internal/store"
	"github.com/brandon/mailsync/pkg/types"
)

// NormalizePath turns a server mailbox name into a slash-joined path
func NormalizePath(name, delimiter string) string {
	if delimiter != "" && delimiter != "/" {
		name = strings.ReplaceAll(name, delimiter, "/")
	}
	return strings.Trim(name, "/")
}

func lastSegment(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}

func depth(path string) int {
	return strings.Count(path, "/")
}

// FolderRegistry maps an account's remote folder tree onto persisted folders
type FolderRegistry struct {
	accountID int
	pool      *email.SessionPool
	store     *store.Store
	treeMu    *sync.Mutex
	logger    *logrus.Entry

	mu     sync.RWMutex
	remote map[string]email.MailboxInfo
}

// NewFolderRegistry creates a registry. treeMu serializes every folder-tree write
// of the account, including manual folder moves.
func NewFolderRegistry(accountID int, pool *email.SessionPool, st *store.Store, treeMu *sync.Mutex, logger *logrus.Logger) *FolderRegistry {
	return &FolderRegistry{
		accountID: accountID,
		pool:      pool,
		store:     st,
		treeMu:    treeMu,
		logger:    logger.WithFields(logrus.Fields{"component": "folder_registry", "account_id": accountID}),
		remote:    make(map[string]email.MailboxInfo),
	}
}

// Discover lists the remote tree and brings the persisted folders in line with it
func (r *FolderRegistry) Discover(ctx context.Context) ([]notify.Event, error) {
	var boxes []email.MailboxInfo
	err := r.pool.WithSession(ctx, func(s email.Session) error {
		var err error
		boxes, err = s.ListMailboxes(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	remote := make(map[string]email.MailboxInfo, len(boxes))
	for _, box := range boxes {
		path := NormalizePath(box.Name, box.Delimiter)
		if path == "" {
			continue
		}
		remote[path] = box
	}

	r.treeMu.Lock()
	defer r.treeMu.Unlock()

	events, err := r.apply(ctx, remote)
	if err != nil {
		return events, err
	}

	r.mu.Lock()
	r.remote = remote
	r.mu.Unlock()
	return events, nil
}

// apply reconciles persisted folders with remote. Called with treeMu held.
func (r *FolderRegistry) apply(ctx context.Context, remote map[string]email.MailboxInfo) ([]notify.Event, error) {
	byPath, err := r.persisted(ctx)
	if err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(remote))
	for p := range remote {
		paths = append(paths, p)
	}
	sort.Slice(paths, func(i, j int) bool {
		if depth(paths[i]) != depth(paths[j]) {
			return depth(paths[i]) < depth(paths[j])
		}
		return paths[i] < paths[j]
	})

	var events []notify.Event
	for _, path := range paths {
		name := lastSegment(path)

		if f, ok := byPath[path]; ok {
			if f.Name != name {
				if err := r.store.UpdateFolderName(ctx, f.ID, name); err != nil {
					return events, err
				}
				events = append(events, notify.FolderChanged{FolderID: f.ID})
			}
			continue
		}

		parentPath := store.ParentPath(path)
		var parentID *int
		if parent, ok := byPath[parentPath]; ok && parentPath != "" {
			id := parent.ID
			parentID = &id
		}

		if old := renameCandidate(byPath, remote, parentPath); old != nil {
			if err := r.store.RenameFolder(ctx, old.ID, name, path, parentID); err != nil {
				return events, err
			}
			r.logger.WithFields(logrus.Fields{"from": old.Path, "to": path}).Info("Folder renamed on server")
			events = append(events, notify.FolderChanged{FolderID: old.ID})

			// descendants moved with it
			if byPath, err = r.persisted(ctx); err != nil {
				return events, err
			}
			continue
		}

		folder := &types.Folder{
			AccountID: r.accountID,
			Name:      name,
			Path:      path,
			ParentID:  parentID,
		}
		if _, err := r.store.CreateFolder(ctx, folder); err != nil {
			return events, err
		}
		byPath[path] = *folder
		events = append(events, notify.FolderChanged{FolderID: folder.ID})
		r.logger.WithField("path", path).Debug("Folder created")
	}
	return events, nil
}

func (r *FolderRegistry) persisted(ctx context.Context) (map[string]types.Folder, error) {
	folders, err := r.store.ListFolders(ctx, &r.accountID)
	if err != nil {
		return nil, err
	}
	byPath := make(map[string]types.Folder, len(folders))
	for _, f := range folders {
		byPath[f.Path] = f
	}
	return byPath, nil
}

// renameCandidate returns the single persisted sibling under parentPath that no
// longer exists on the server, or nil when there is none or the match is ambiguous
func renameCandidate(byPath map[string]types.Folder, remote map[string]email.MailboxInfo, parentPath string) *types.Folder {
	var found *types.Folder
	for path, f := range byPath {
		if _, ok := remote[path]; ok || store.ParentPath(path) != parentPath {
			continue
		}
		if found != nil {
			return nil
		}
		f := f
		found = &f
	}
	return found
}

// Selectable reports whether path was listed as a selectable folder on the last discovery
func (r *FolderRegistry) Selectable(path string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	box, ok := r.remote[path]
	return ok && box.Selectable()
}

// RemoteName returns the server-side mailbox name for a slash-joined path
func (r *FolderRegistry) RemoteName(path string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if box, ok := r.remote[path]; ok {
		return box.Name
	}
	return strings.ReplaceAll(path, "/", r.delimiterLocked())
}

func (r *FolderRegistry) delimiterLocked() string {
	for _, box := range r.remote {
		if box.Delimiter != "" {
			return box.Delimiter
		}
	}
	return "/"
}

// Forget updates the cached listing after a rename performed by this process
func (r *FolderRegistry) Forget(oldPath, newPath string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delim := r.delimiterLocked()
	moved := make(map[string]email.MailboxInfo)
	for path, box := range r.remote {
		if path != oldPath && !strings.HasPrefix(path, oldPath+"/") {
			continue
		}
		delete(r.remote, path)
		target := newPath + strings.TrimPrefix(path, oldPath)
		box.Name = strings.ReplaceAll(target, "/", delim)
		moved[target] = box
	}
	for path, box := range moved {
		r.remote[path] = box
	}
}

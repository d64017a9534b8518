package daemon

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/email"
	"github.com/brandon/mailsync/internal/notify"
	"github.com/brandon/mailsync/internal/store"
	"github.com/brandon/mailsync/pkg/types"
)

var (
	// ErrUnknownAccount is returned when no supervisor runs for an account
	ErrUnknownAccount = errors.New("unknown account")
	// ErrUnknownFolder is returned when a folder is not synchronized by the account
	ErrUnknownFolder = errors.New("unknown folder")
	// ErrFolderExists is returned when a folder move would overwrite another folder
	ErrFolderExists = errors.New("folder already exists")
)

// message loads a message and checks that it belongs to this account
func (s *AccountSupervisor) message(ctx context.Context, messageID int64) (*types.Message, error) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.AccountID != s.account.ID {
		return nil, fmt.Errorf("message %d: %w", messageID, store.ErrNotFound)
	}
	return msg, nil
}

// SetReadState updates the read flag locally, then mirrors it to the server
func (s *AccountSupervisor) SetReadState(ctx context.Context, messageID int64, read bool) error {
	msg, err := s.message(ctx, messageID)
	if err != nil {
		return err
	}
	h, err := s.folder(msg.FolderID)
	if err != nil {
		return err
	}

	changed, err := s.store.SetRead(ctx, msg.ID, read)
	if err != nil {
		return err
	}
	if changed {
		s.notifier.Publish(notify.FolderChanged{FolderID: msg.FolderID})
		s.notifier.Publish(notify.MessageChanged{MessageID: msg.ID})
	}

	return h.pool.WithFolder(ctx, h.Remote(), email.ReadWrite, func(sess email.Session, _ *email.MailboxStatus) error {
		return sess.StoreFlags(ctx, msg.UID, read, email.SeenFlag)
	})
}

// MoveMessage moves a message to another folder on the server and re-points the
// existing row at its new folder and UID
func (s *AccountSupervisor) MoveMessage(ctx context.Context, messageID int64, destFolderID int) error {
	msg, err := s.message(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.FolderID == destFolderID {
		return nil
	}
	src, err := s.folder(msg.FolderID)
	if err != nil {
		return err
	}
	dst, err := s.folder(destFolderID)
	if err != nil {
		return err
	}

	err = src.pool.WithFolder(ctx, src.Remote(), email.ReadWrite, func(sess email.Session, _ *email.MailboxStatus) error {
		return sess.Move(ctx, msg.UID, dst.Remote())
	})
	if err != nil {
		return err
	}

	log := s.log.WithFields(logrus.Fields{"message_id": msg.ID, "from": src.Path(), "to": dst.Path()})
	defer func() {
		s.notifier.Publish(notify.FolderChanged{FolderID: src.id})
		s.notifier.Publish(notify.FolderChanged{FolderID: dst.id})
		s.notifier.Publish(notify.MessageChanged{MessageID: msg.ID})
	}()

	var newUID uint32
	if !isSynthesizedKey(msg.MessageKey) {
		err = dst.pool.WithFolder(ctx, dst.Remote(), email.ReadOnly, func(sess email.Session, _ *email.MailboxStatus) error {
			var err error
			newUID, err = sess.FindUIDByMessageID(ctx, msg.MessageKey)
			return err
		})
		if err != nil && !errors.Is(err, email.ErrMessageNotFound) {
			log.WithError(err).Warn("Failed to locate moved message")
		}
	}

	unlock := s.upserter.lockIdentity(msg.MessageKey)
	defer unlock()

	// reconciliation may have caught up with the move in the meantime
	cur, err := s.store.GetMessage(ctx, msg.ID)
	if err != nil {
		return err
	}
	if cur.FolderID == destFolderID && !cur.IsRemoved {
		return nil
	}

	if newUID == 0 {
		// reconciliation of the destination relocates the row once it sees the message
		_, err := s.store.MarkRemoved(ctx, msg.ID)
		return err
	}

	existing, err := s.store.FindMessage(ctx, s.account.ID, destFolderID, msg.MessageKey)
	switch {
	case err == nil && existing.ID != msg.ID:
		if _, err := s.store.MarkRemoved(ctx, msg.ID); err != nil {
			return err
		}
		return s.store.RefreshMessage(ctx, existing.ID, cur.IsRead, destFolderID, newUID)
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return err
	}

	if err := s.store.RelocateMessage(ctx, msg.ID, destFolderID, newUID); err != nil {
		return err
	}
	log.WithField("uid", newUID).Info("Message moved")
	return nil
}

// MoveFolder renames a folder on the server and in the store. Descendants follow.
func (s *AccountSupervisor) MoveFolder(ctx context.Context, folderID int, newPath string) error {
	newPath = NormalizePath(newPath, "/")
	if newPath == "" {
		return fmt.Errorf("new folder path is empty")
	}

	s.treeMu.Lock()
	defer s.treeMu.Unlock()

	f, err := s.store.GetFolder(ctx, folderID)
	if err != nil {
		return err
	}
	if f.AccountID != s.account.ID {
		return fmt.Errorf("folder %d: %w", folderID, ErrUnknownFolder)
	}
	if f.Path == newPath {
		return nil
	}
	if strings.HasPrefix(newPath, f.Path+"/") {
		return fmt.Errorf("cannot move folder %s into itself", f.Path)
	}
	if _, err := s.store.GetFolderByPath(ctx, s.account.ID, newPath); err == nil {
		return fmt.Errorf("folder %s: %w", newPath, ErrFolderExists)
	}

	var parentID *int
	if parentPath := store.ParentPath(newPath); parentPath != "" {
		parent, err := s.store.GetFolderByPath(ctx, s.account.ID, parentPath)
		if err != nil {
			return fmt.Errorf("parent folder %s: %w", parentPath, err)
		}
		parentID = &parent.ID
	}

	oldRemote := s.registry.RemoteName(f.Path)
	newRemote := s.registry.RemoteName(newPath)
	err = s.discovery.WithSession(ctx, func(sess email.Session) error {
		return sess.Rename(ctx, oldRemote, newRemote)
	})
	if err != nil {
		return err
	}

	if err := s.store.RenameFolder(ctx, f.ID, lastSegment(newPath), newPath, parentID); err != nil {
		return err
	}
	s.registry.Forget(f.Path, newPath)
	s.notifier.Publish(notify.FolderChanged{FolderID: f.ID})

	s.log.WithFields(logrus.Fields{"from": f.Path, "to": newPath}).Info("Folder moved")
	return s.syncFolders(ctx)
}

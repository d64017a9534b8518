package daemon

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"mime"
	"strings"

	"github.com/emersion/go-message/charset"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/email"
	"github.com/brandon/mailsync/internal/notify"
	"github.com/brandon/mailsync/internal/store"
	"github.com/brandon/mailsync/pkg/types"
)

var wordDecoder = &mime.WordDecoder{CharsetReader: charset.Reader}

// IdentityKey returns the Message-ID of env, or a synthesized key derived from the
// account, a hash of the subject and the sent time when the header is missing
func IdentityKey(accountID int, env types.Envelope) string {
	if id := strings.TrimSpace(env.MessageID); id != "" {
		return id
	}

	h := fnv.New32a()
	h.Write([]byte(env.Subject)) //nolint:errcheck
	var sent int64
	if !env.Date.IsZero() {
		sent = env.Date.UnixMilli()
	}
	return fmt.Sprintf("%s%d-%08x-%d", fallbackPrefix, accountID, h.Sum32(), sent)
}

const fallbackPrefix = "fallback-"

// isSynthesizedKey reports whether key was built without a Message-ID, so the
// server cannot be searched for it
func isSynthesizedKey(key string) bool {
	return strings.HasPrefix(key, fallbackPrefix)
}

// DisplayName prefers the RFC 2047 decoded personal name, then the raw personal
// name, then the address itself
func DisplayName(addr types.Address) string {
	raw := strings.TrimSpace(addr.PersonalName)
	if raw == "" {
		return addr.Address
	}
	decoded, err := wordDecoder.DecodeHeader(raw)
	if err != nil || strings.TrimSpace(decoded) == "" {
		return raw
	}
	return strings.TrimSpace(decoded)
}

func toParties(addrs []types.Address) []types.Party {
	parties := make([]types.Party, 0, len(addrs))
	for _, a := range addrs {
		if a.Address == "" {
			continue
		}
		parties = append(parties, types.Party{Address: a.Address, DisplayName: DisplayName(a)})
	}
	return parties
}

func toRecipients(env types.Envelope) []types.Recipient {
	var out []types.Recipient
	for _, group := range []struct {
		kind  types.RecipientKind
		addrs []types.Address
	}{
		{types.RecipientTo, env.To},
		{types.RecipientCc, env.Cc},
		{types.RecipientBcc, env.Bcc},
	} {
		for _, p := range toParties(group.addrs) {
			out = append(out, types.Recipient{Party: p, Kind: group.kind})
		}
	}
	return out
}

// importQueue receives import requests for newly created messages
type importQueue interface {
	Enqueue(req types.ImportRequest)
}

// upserter applies observed server messages to the store idempotently. One
// upserter is shared by every folder of an account. The identity lock is never
// held while waiting for a session.
type upserter struct {
	accountID int
	store     *store.Store
	notifier  notify.Notifier
	imports   importQueue
	locks     *keyedMutex
	logger    *logrus.Entry
}

// UpsertResult reports what an upsert did
type UpsertResult struct {
	MessageID int64
	Created   bool
	Relocated bool
	// Removed is set when the observed copy carries \Deleted
	Removed bool
	// Ignored is set when a higher UID of the same message in the folder is tracked
	// instead; MessageID then names the tracked row
	Ignored bool
}

func (u *upserter) lockIdentity(key string) func() {
	return u.locks.Lock(fmt.Sprintf("%d:%s", u.accountID, key))
}

// Upsert creates or refreshes the message env observed in folderID. A copy
// flagged \Deleted is never made live: it is stored removed, or marks an
// existing row removed.
func (u *upserter) Upsert(ctx context.Context, folderID int, env types.Envelope) (UpsertResult, error) {
	key := IdentityKey(u.accountID, env)
	unlock := u.lockIdentity(key)
	defer unlock()

	isRead := email.HasFlag(env.Flags, email.SeenFlag)
	deleted := email.HasFlag(env.Flags, email.DeletedFlag)

	existing, err := u.store.FindMessage(ctx, u.accountID, folderID, key)
	switch {
	case err == nil:
		if deleted {
			return u.remove(ctx, existing, folderID, env.UID)
		}
		return u.refresh(ctx, existing, folderID, env.UID, isRead)
	case !errors.Is(err, store.ErrNotFound):
		return UpsertResult{}, err
	}

	if !deleted {
		moved, err := u.store.FindRelocated(ctx, u.accountID, folderID, key)
		switch {
		case err == nil:
			return u.relocate(ctx, moved, folderID, env.UID, isRead)
		case !errors.Is(err, store.ErrNotFound):
			return UpsertResult{}, err
		}
	}

	return u.create(ctx, folderID, key, env, isRead, deleted)
}

func (u *upserter) create(ctx context.Context, folderID int, key string, env types.Envelope, isRead, deleted bool) (UpsertResult, error) {
	msg := &types.Message{
		AccountID:  u.accountID,
		FolderID:   folderID,
		UID:        env.UID,
		MessageKey: key,
		Subject:    env.Subject,
		SentAt:     env.Date,
		IsRead:     isRead,
		IsRemoved:  deleted,
		Senders:    toParties(env.From),
		Recipients: toRecipients(env),
	}
	id, err := u.store.CreateMessage(ctx, msg)
	if err != nil {
		return UpsertResult{}, err
	}

	log := u.logger.WithFields(logrus.Fields{
		"message_id": id,
		"folder_id":  folderID,
		"uid":        env.UID,
	})
	if deleted {
		log.Debug("Recorded deleted message")
		return UpsertResult{MessageID: id, Created: true, Removed: true}, nil
	}

	u.imports.Enqueue(types.ImportRequest{MessageID: id})
	if !isRead {
		u.notifier.Publish(notify.FolderChanged{FolderID: folderID})
	}
	u.notifier.Publish(notify.MessageChanged{MessageID: id})

	log.Debug("Created message")
	return UpsertResult{MessageID: id, Created: true}, nil
}

// tracksHigherUID reports whether msg is the live copy of a folder that holds the
// same message under a higher UID than uid
func tracksHigherUID(msg *types.Message, folderID int, uid uint32) bool {
	return !msg.IsRemoved && msg.FolderID == folderID && uid < msg.UID
}

func (u *upserter) refresh(ctx context.Context, msg *types.Message, folderID int, uid uint32, isRead bool) (UpsertResult, error) {
	// a folder holding the same message twice is tracked by its highest UID
	if tracksHigherUID(msg, folderID, uid) {
		return UpsertResult{MessageID: msg.ID, Ignored: true}, nil
	}

	readChanged := msg.IsRead != isRead
	if !readChanged && !msg.IsRemoved && msg.UID == uid && msg.FolderID == folderID {
		return UpsertResult{MessageID: msg.ID}, nil
	}

	if err := u.store.RefreshMessage(ctx, msg.ID, isRead, folderID, uid); err != nil {
		return UpsertResult{}, err
	}
	if msg.IsRemoved {
		u.requeue(msg)
	}
	if readChanged || msg.IsRemoved {
		u.notifier.Publish(notify.FolderChanged{FolderID: folderID})
		u.notifier.Publish(notify.MessageChanged{MessageID: msg.ID})
	}
	return UpsertResult{MessageID: msg.ID}, nil
}

// remove applies a \Deleted copy of an existing row
func (u *upserter) remove(ctx context.Context, msg *types.Message, folderID int, uid uint32) (UpsertResult, error) {
	if tracksHigherUID(msg, folderID, uid) {
		return UpsertResult{MessageID: msg.ID, Ignored: true}, nil
	}

	changed, err := u.store.MarkRemoved(ctx, msg.ID)
	if err != nil {
		return UpsertResult{}, err
	}
	if changed {
		u.notifier.Publish(notify.MessageDeleted{MessageID: msg.ID})
		if !msg.IsRead {
			u.notifier.Publish(notify.FolderChanged{FolderID: folderID})
		}
	}
	return UpsertResult{MessageID: msg.ID, Removed: true}, nil
}

func (u *upserter) relocate(ctx context.Context, msg *types.Message, folderID int, uid uint32, isRead bool) (UpsertResult, error) {
	if err := u.store.RefreshMessage(ctx, msg.ID, isRead, folderID, uid); err != nil {
		return UpsertResult{}, err
	}
	u.requeue(msg)

	u.notifier.Publish(notify.FolderChanged{FolderID: msg.FolderID})
	u.notifier.Publish(notify.FolderChanged{FolderID: folderID})
	u.notifier.Publish(notify.MessageChanged{MessageID: msg.ID})

	u.logger.WithFields(logrus.Fields{
		"message_id": msg.ID,
		"from":       msg.FolderID,
		"to":         folderID,
	}).Debug("Relocated message")
	return UpsertResult{MessageID: msg.ID, Relocated: true}, nil
}

// requeue asks for the content of a restored row that was never imported
func (u *upserter) requeue(msg *types.Message) {
	if msg.State == types.ImportPending {
		u.imports.Enqueue(types.ImportRequest{MessageID: msg.ID})
	}
}

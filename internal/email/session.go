package email

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/brandon/mailsync/pkg/types"
)

var (
	// ErrMessageNotFound is returned when a UID no longer exists in the selected folder
	ErrMessageNotFound = errors.New("message not found on server")
	// ErrSessionClosed is returned when a session is used after it was closed or dropped
	ErrSessionClosed = errors.New("session closed")
	// ErrNoFolderSelected is returned by folder commands issued without a selected folder
	ErrNoFolderSelected = errors.New("no folder selected")
)

// Mode selects how a folder is opened
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

func (m Mode) String() string {
	if m == ReadWrite {
		return "read-write"
	}
	return "read-only"
}

// Well-known flags
const (
	SeenFlag    = `\Seen`
	DeletedFlag = `\Deleted`
)

// MailboxInfo describes one remote folder as returned by LIST
type MailboxInfo struct {
	Name       string
	Delimiter  string
	Attributes []string
}

// Selectable reports whether the folder can hold messages
func (m MailboxInfo) Selectable() bool {
	for _, attr := range m.Attributes {
		if attr == `\Noselect` || attr == `\NonExistent` {
			return false
		}
	}
	return true
}

// MailboxStatus is the state of a selected folder
type MailboxStatus struct {
	Name        string
	ReadOnly    bool
	Messages    uint32
	UIDNext     uint32
	UIDValidity uint32
}

// UpdateKind identifies an unsolicited server notification
type UpdateKind int

const (
	// UpdateExists means the folder's message count changed (new mail)
	UpdateExists UpdateKind = iota
	// UpdateFlags means a message's flags changed
	UpdateFlags
	// UpdateExpunge means a message was expunged
	UpdateExpunge
)

// Update is a push notification received while watching a folder
type Update struct {
	Kind     UpdateKind
	SeqNum   uint32
	UID      uint32
	Flags    []string
	Messages uint32
}

// Session is one authenticated protocol session. Implementations are not safe for
// concurrent use; callers serialize access through a SessionPool or own the session.
type Session interface {
	ListMailboxes(ctx context.Context) ([]MailboxInfo, error)
	Select(ctx context.Context, name string, mode Mode) (*MailboxStatus, error)
	Unselect(ctx context.Context) error
	Rename(ctx context.Context, from, to string) error

	// SearchUIDs returns the UIDs of the selected folder that are >= from (0 means all)
	SearchUIDs(ctx context.Context, from uint32) ([]uint32, error)
	FetchEnvelopes(ctx context.Context, uids []uint32) ([]types.Envelope, error)
	FetchFlags(ctx context.Context, uids []uint32) (map[uint32][]string, error)
	// FetchRaw returns the full message without setting \Seen, and the flags reported with it
	FetchRaw(ctx context.Context, uid uint32) ([]byte, []string, error)
	ResolveUID(ctx context.Context, seqNum uint32) (uint32, error)
	FindUIDByMessageID(ctx context.Context, messageID string) (uint32, error)

	StoreFlags(ctx context.Context, uid uint32, add bool, flags ...string) error
	Move(ctx context.Context, uid uint32, dest string) error

	// Idle blocks until an update is queued, timeout elapses, or ctx ends
	Idle(ctx context.Context, timeout time.Duration) error
	// DrainUpdates returns and clears queued push notifications
	DrainUpdates() []Update
	Noop(ctx context.Context) error

	Alive() bool
	Close() error
}

// Dialer establishes authenticated sessions for one account
type Dialer interface {
	// Dial connects and logs in. When watch is set the session queues push updates.
	Dial(ctx context.Context, watch bool) (Session, error)
}

// DialerFunc adapts a function to the Dialer interface
type DialerFunc func(ctx context.Context, watch bool) (Session, error)

// Dial implements Dialer
func (f DialerFunc) Dial(ctx context.Context, watch bool) (Session, error) {
	return f(ctx, watch)
}

// HasFlag reports whether flags contains flag, ignoring case
func HasFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, flag) {
			return true
		}
	}
	return false
}

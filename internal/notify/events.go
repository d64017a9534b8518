package notify

import "fmt"

// Event is a change emitted by the sync engine. Implementations are FolderChanged,
// MessageChanged and MessageDeleted.
type Event interface {
	fmt.Stringer
	event()
}

// FolderChanged signals that a folder's metadata or unread count may have changed
type FolderChanged struct {
	FolderID int
}

// MessageChanged signals that a message row was created or updated
type MessageChanged struct {
	MessageID int64
}

// MessageDeleted signals that a message was flagged removed
type MessageDeleted struct {
	MessageID int64
}

func (FolderChanged) event()  {}
func (MessageChanged) event() {}
func (MessageDeleted) event() {}

func (e FolderChanged) String() string  { return fmt.Sprintf("folder_changed(%d)", e.FolderID) }
func (e MessageChanged) String() string { return fmt.Sprintf("message_changed(%d)", e.MessageID) }
func (e MessageDeleted) String() string { return fmt.Sprintf("message_deleted(%d)", e.MessageID) }

// Notifier is the outward change hook. Publish must not block on subscriber delivery.
type Notifier interface {
	Publish(ev Event)
}

// Nop discards all events
type Nop struct{}

// Publish implements Notifier
func (Nop) Publish(Event) {}

package types

import "time"

// ImportState tracks whether a message body has been fetched and persisted
type ImportState string

const (
	// ImportPending means metadata is known but content has not been imported yet
	ImportPending ImportState = "pending"
	// ImportImported means the content row has been committed
	ImportImported ImportState = "imported"
)

// RecipientKind distinguishes To, Cc and Bcc recipients
type RecipientKind string

const (
	RecipientTo  RecipientKind = "to"
	RecipientCc  RecipientKind = "cc"
	RecipientBcc RecipientKind = "bcc"
)

// Account represents a mirrored remote mailbox
type Account struct {
	ID        int       `json:"id"`
	Name      string    `json:"name"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	TLS       bool      `json:"tls"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	Owner     string    `json:"owner"`
	CreatedAt time.Time `json:"created_at"`
}

// Folder represents one node of an account's mailbox tree
type Folder struct {
	ID          int        `json:"id"`
	AccountID   int        `json:"account_id"`
	AccountName string     `json:"account_name"`
	Name        string     `json:"name"`
	Path        string     `json:"path"`
	ParentID    *int       `json:"parent_id,omitempty"`
	SortOrder   int        `json:"sort_order"`
	LastSynced  *time.Time `json:"last_synced,omitempty"`
	UIDValidity uint32     `json:"uid_validity,omitempty"`
}

// Message represents the persisted metadata of one mail item
type Message struct {
	ID         int64       `json:"id"`
	AccountID  int         `json:"account_id"`
	FolderID   int         `json:"folder_id"`
	FolderPath string      `json:"folder_path"`
	UID        uint32      `json:"uid"`
	MessageKey string      `json:"message_key"`
	Subject    string      `json:"subject"`
	SentAt     time.Time   `json:"sent_at"`
	IsRead     bool        `json:"is_read"`
	IsRemoved  bool        `json:"is_removed"`
	State      ImportState `json:"state"`
	CreatedAt  time.Time   `json:"created_at"`
	Senders    []Party     `json:"senders,omitempty"`
	Recipients []Recipient `json:"recipients,omitempty"`
}

// Party is a sender or recipient address, deduplicated by address
type Party struct {
	ID          int64  `json:"id"`
	Address     string `json:"address"`
	DisplayName string `json:"display_name"`
}

// Recipient links a party to a message with its recipient kind
type Recipient struct {
	Party
	Kind RecipientKind `json:"kind"`
}

// Content holds the extracted bodies of one message. A nil slice means no content of that kind.
type Content struct {
	MessageID  int64     `json:"message_id"`
	Text       []byte    `json:"-"`
	TextSize   *int64    `json:"text_size,omitempty"`
	HTML       []byte    `json:"-"`
	HTMLSize   *int64    `json:"html_size,omitempty"`
	Raw        []byte    `json:"-"`
	RawSize    *int64    `json:"raw_size,omitempty"`
	ImportedAt time.Time `json:"imported_at"`
}

// ImportRequest asks the import pipeline to fetch and persist a message body
type ImportRequest struct {
	MessageID   int64 `json:"message_id"`
	ForceUpdate bool  `json:"force_update"`
}

// Envelope is the protocol-independent metadata used to upsert a message
type Envelope struct {
	UID       uint32
	MessageID string
	Subject   string
	Date      time.Time
	Flags     []string
	From      []Address
	To        []Address
	Cc        []Address
	Bcc       []Address
}

// Address is a raw envelope address as delivered by the server
type Address struct {
	PersonalName string
	Address      string
}

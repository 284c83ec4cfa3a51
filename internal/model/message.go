package model

import (
	"time"

	"github.com/nhle/mailsync/internal/flags"
)

// Folder is a remote mailbox known to the session.
type Folder struct {
	// Path is the full remote path, segments joined by the server delimiter.
	Path string

	// Name is the display name (the last path segment).
	Name string

	// ID is the stable numeric identifier for this folder, assigned by the
	// session and constant for its lifetime.
	ID uint64

	UnreadCount uint32
	TotalCount  uint32
}

// MessageSummary is the header-level view of a message used by list views.
// Flag state is dual-truth: FlagsServer is the last confirmed server state,
// FlagsLocal the pending user intent layered on top.
type MessageSummary struct {
	// ID is the stable message identifier, derived from the envelope
	// Message-ID (never from the cache row).
	ID string

	// UID is the remote protocol identifier within the folder.
	UID uint32

	FolderID uint64

	Subject      string
	From         string
	Participants []string
	Date         time.Time
	Size         int64

	HasAttachments bool

	FlagsServer flags.Set
	FlagsLocal  flags.Local

	ThreadID    string
	ThreadDepth int
	OrderKey    int64

	InReplyTo  string
	References []string
}

// EffectiveFlags merges server truth with local overrides; this is the state
// callers render.
func (m *MessageSummary) EffectiveFlags() flags.Set {
	return m.FlagsLocal.Effective(m.FlagsServer)
}

// Attachment is metadata about a message attachment; content is not cached.
type Attachment struct {
	Filename string `json:"filename"`
	MIMEType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

// MessageBody is the lazily fetched body of a message, cached until
// explicitly evicted.
type MessageBody struct {
	MessageID   string
	Text        string
	HTML        string
	Attachments []Attachment
}

// ThreadAssignment is the thread placement of a single message. Resolving a
// message may also reassign previously seen descendants when a parent
// arrives late.
type ThreadAssignment struct {
	MessageID string
	ThreadID  string
	Depth     int
	OrderKey  int64
}

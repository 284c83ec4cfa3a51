package model

import (
	"time"

	"github.com/nhle/mailsync/internal/flags"
)

// PendingOpKind identifies the kind of outstanding user mutation.
type PendingOpKind string

const (
	PendingFlags  PendingOpKind = "flags"
	PendingMove   PendingOpKind = "move"
	PendingDelete PendingOpKind = "delete"
)

// PendingOp is a user-initiated mutation recorded locally but not yet
// confirmed by the remote session. It is created in the same transaction as
// the optimistic local write and removed when the operation confirms.
type PendingOp struct {
	ID        string
	Kind      PendingOpKind
	MessageID string

	// FolderID and UID locate the message on the server as last known,
	// which may differ from the optimistic local position (moves).
	FolderID uint64
	UID      uint32

	// TargetFlags/TargetMask describe the desired end-state for flag ops.
	TargetFlags flags.Set
	TargetMask  flags.Set

	// TargetFolder is the destination path for move ops.
	TargetFolder string

	EnqueuedAt time.Time
	Attempts   int
	LastError  string
}

// ConnStatus is the connectivity signal exposed to the presentation layer.
type ConnStatus int

const (
	StatusOffline ConnStatus = iota
	StatusConnecting
	StatusConnected
	StatusSyncing
	StatusReconnecting
)

func (s ConnStatus) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusSyncing:
		return "syncing"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return "offline"
	}
}

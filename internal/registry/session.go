// Package registry is the process-wide index of active agent sessions.
//
// A single registry daemon owns the persistent session table and serves a
// newline-delimited JSON RPC protocol on a well-known unix socket. Wrappers
// register themselves at startup, hooks look up chat metadata, and the
// listener resolves inbound chat events to control sockets.
package registry

import (
	"time"
)

// Session statuses.
const (
	StatusActive   = "active"
	StatusIdle     = "idle"
	StatusInactive = "inactive"
	StatusEnded    = "ended"
	StatusCrashed  = "crashed"
)

// WrapperIDLength is the length of a wrapper-minted short session id. The
// agent later mints a longer uuid; when both rows share a thread, the short
// row is canonical for socket ownership.
const WrapperIDLength = 8

// ValidStatuses enumerates every status a session row may carry.
var ValidStatuses = []string{StatusActive, StatusIdle, StatusInactive, StatusEnded, StatusCrashed}

// Session is one row of the session table.
//
// ThreadTS empty means channel mode: posts go top-level into Channel instead
// of threading under a parent message.
type Session struct {
	SessionID           string    `db:"session_id" json:"session_id"`
	Project             string    `db:"project" json:"project"`
	ProjectDir          string    `db:"project_dir" json:"project_dir"`
	Terminal            string    `db:"terminal" json:"terminal"`
	SocketPath          string    `db:"socket_path" json:"socket_path"`
	Channel             string    `db:"channel" json:"channel,omitempty"`
	ThreadTS            string    `db:"thread_ts" json:"thread_ts,omitempty"`
	PermissionsChannel  string    `db:"permissions_channel" json:"permissions_channel,omitempty"`
	UserID              string    `db:"user_id" json:"user_id,omitempty"`
	ReplyToTS           string    `db:"reply_to_ts" json:"reply_to_ts,omitempty"`
	TodoMessageTS       string    `db:"todo_message_ts" json:"todo_message_ts,omitempty"`
	PermissionMessageTS string    `db:"permission_message_ts" json:"permission_message_ts,omitempty"`
	BufferFile          string    `db:"buffer_file" json:"buffer_file,omitempty"`
	CustomChannel       bool      `db:"custom_channel" json:"custom_channel,omitempty"`
	Status              string    `db:"status" json:"status"`
	CreatedAt           time.Time `db:"created_at" json:"created_at"`
	LastActivity        time.Time `db:"last_activity" json:"last_activity"`
}

// IsWrapper reports whether this row carries a wrapper-minted short id.
func (s *Session) IsWrapper() bool {
	return len(s.SessionID) == WrapperIDLength
}

// HasChatMetadata reports whether the row can address a chat destination.
func (s *Session) HasChatMetadata() bool {
	return s.Channel != "" && (s.ThreadTS != "" || s.CustomChannel)
}

// PreferWrapper picks the canonical row from several sharing a thread id:
// the shortest session id wins because only the wrapper owns the control
// socket. Returns nil for an empty slice.
func PreferWrapper(rows []Session) *Session {
	if len(rows) == 0 {
		return nil
	}
	best := 0
	for i := 1; i < len(rows); i++ {
		if len(rows[i].SessionID) < len(rows[best].SessionID) {
			best = i
		}
	}
	return &rows[best]
}

// DMSubscription maps one chat user to one session for DM mirroring.
type DMSubscription struct {
	UserID    string    `db:"user_id" json:"user_id"`
	SessionID string    `db:"session_id" json:"session_id"`
	DMChannel string    `db:"dm_channel" json:"dm_channel"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Interaction modes a user can select with /mode.
const (
	ModePlan     = "plan"
	ModeResearch = "research"
	ModeExecute  = "execute"
)

// ValidModes enumerates the interaction-mode enum.
var ValidModes = []string{ModePlan, ModeResearch, ModeExecute}

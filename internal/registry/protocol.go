package registry

import (
	"encoding/json"
)

// Wire protocol on the registry socket: one connection carries one
// newline-terminated JSON request and one newline-terminated JSON response.

// Commands the registry accepts.
const (
	CmdRegister         = "REGISTER"
	CmdRegisterSimple   = "REGISTER_SIMPLE"
	CmdRegisterExisting = "REGISTER_EXISTING"
	CmdUnregister       = "UNREGISTER"
	CmdGet              = "GET"
	CmdList             = "LIST"
	CmdUpdate           = "UPDATE"
	CmdGetByThread      = "GET_BY_THREAD"
	CmdGetByProjectDir  = "GET_BY_PROJECT_DIR"
	CmdCleanup          = "CLEANUP"
	CmdAttach           = "ATTACH"
	CmdDetach           = "DETACH"
	CmdGetSubscription  = "GET_SUBSCRIPTION"
	CmdSetMode          = "SET_MODE"
	CmdGetMode          = "GET_MODE"
)

// MaxRequestSize bounds a single request line. Anything larger is a protocol
// violation, not a legitimate registration.
const MaxRequestSize = 1 << 20

// Request is the envelope every client sends.
type Request struct {
	Command string          `json:"command"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Response is the envelope the registry returns. Error is set only when
// Success is false.
type Response struct {
	Success      bool            `json:"success"`
	Error        string          `json:"error,omitempty"`
	Session      *Session        `json:"session,omitempty"`
	Sessions     []Session       `json:"sessions,omitempty"`
	Subscription *DMSubscription `json:"subscription,omitempty"`
	Mode         string          `json:"mode,omitempty"`
	Deleted      int             `json:"deleted,omitempty"`
}

// RegisterRequest carries REGISTER and REGISTER_SIMPLE payloads. REGISTER
// resolves a chat destination; REGISTER_SIMPLE records the row without one.
type RegisterRequest struct {
	SessionID  string `json:"session_id"`
	Project    string `json:"project"`
	ProjectDir string `json:"project_dir"`
	Terminal   string `json:"terminal"`
	SocketPath string `json:"socket_path"`
	BufferFile string `json:"buffer_file,omitempty"`
	// Channel overrides the default channel. Custom channels post top-level
	// instead of threading.
	Channel string `json:"channel,omitempty"`
}

// RegisterExistingRequest re-registers a session id discovered after a
// session change, carrying forward the chat metadata of the prior row.
type RegisterExistingRequest struct {
	Session Session `json:"session"`
}

// UnregisterRequest names the row to remove.
type UnregisterRequest struct {
	SessionID string `json:"session_id"`
}

// GetRequest names the row to fetch.
type GetRequest struct {
	SessionID string `json:"session_id"`
}

// ListRequest optionally filters by status.
type ListRequest struct {
	Status string `json:"status,omitempty"`
}

// UpdateRequest sets a subset of fields on one row. Field names follow the
// session JSON names; unknown names are rejected.
type UpdateRequest struct {
	SessionID string         `json:"session_id"`
	Fields    map[string]any `json:"fields"`
}

// GetByThreadRequest fetches rows sharing a chat thread.
type GetByThreadRequest struct {
	ThreadTS string `json:"thread_ts"`
}

// GetByProjectDirRequest fetches the newest row for a project directory.
type GetByProjectDirRequest struct {
	ProjectDir string `json:"project_dir"`
	Status     string `json:"status,omitempty"`
}

// CleanupRequest removes ended/crashed rows older than MaxAgeSecs.
type CleanupRequest struct {
	MaxAgeSecs int `json:"max_age_secs,omitempty"`
}

// AttachRequest subscribes a chat user's DMs to a session.
type AttachRequest struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	DMChannel string `json:"dm_channel"`
}

// UserRequest names a user for DETACH, GET_SUBSCRIPTION and GET_MODE.
type UserRequest struct {
	UserID string `json:"user_id"`
}

// SetModeRequest stores a user's interaction mode.
type SetModeRequest struct {
	UserID string `json:"user_id"`
	Mode   string `json:"mode"`
}

func errorResponse(err error) *Response {
	return &Response{Success: false, Error: err.Error()}
}

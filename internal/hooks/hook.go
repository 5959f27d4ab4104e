// Package hooks implements the short-lived processes the agent invokes at
// lifecycle events. Each hook reads one JSON document on stdin, does its
// work, optionally emits one JSON document on stdout, and exits 0. Always 0,
// because a nonzero exit is a control signal to the agent.
package hooks

import (
	"encoding/json"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/slackwire/slackwire/internal/chat"
	"github.com/slackwire/slackwire/internal/config"
	"github.com/slackwire/slackwire/internal/registry"
)

// Input is the stdin contract shared by every hook flavor.
type Input struct {
	SessionID             string          `json:"session_id"`
	HookEventName         string          `json:"hook_event_name"`
	ToolName              string          `json:"tool_name"`
	ToolInput             json.RawMessage `json:"tool_input"`
	TranscriptPath        string          `json:"transcript_path,omitempty"`
	CWD                   string          `json:"cwd,omitempty"`
	Message               string          `json:"message,omitempty"`
	PermissionSuggestions []string        `json:"permission_suggestions,omitempty"`
}

// ReadInput decodes the single stdin document.
func ReadInput(r io.Reader) (*Input, error) {
	var in Input
	if err := json.NewDecoder(r).Decode(&in); err != nil {
		return nil, fmt.Errorf("decode hook input: %w", err)
	}
	if in.SessionID == "" {
		return nil, fmt.Errorf("hook input missing session_id")
	}
	return &in, nil
}

// Env carries the shared process context into a hook run.
type Env struct {
	Cfg  *config.Config
	Log  *zap.Logger
	Reg  *registry.Client
	Chat chat.Client
}

func (e *Env) logger() *zap.Logger {
	if e.Log == nil {
		return zap.NewNop()
	}
	return e.Log
}

// ResolveSession finds the chat-addressable session row for a hook event,
// self-healing missing metadata. Healing order: copy from the 8-char-prefix
// wrapper row, then from the most recent row for the project directory.
// Returns nil (no error) when nothing can be found; hooks fail open.
func (e *Env) ResolveSession(sessionID, projectDir string) *registry.Session {
	log := e.logger()

	sess, err := e.Reg.Get(sessionID)
	if err == nil && sess.HasChatMetadata() {
		return sess
	}

	donor := e.findDonor(sessionID, projectDir)
	if donor == nil {
		if err == nil {
			// Row exists but nothing to heal from; let the caller decide
			// whether a metadata-less session is usable.
			return sess
		}
		return nil
	}

	if err != nil {
		// No row for this id yet: register it sharing the donor's thread.
		healed := &registry.Session{
			SessionID:           sessionID,
			Project:             donor.Project,
			ProjectDir:          donor.ProjectDir,
			Terminal:            donor.Terminal,
			SocketPath:          donor.SocketPath,
			Channel:             donor.Channel,
			ThreadTS:            donor.ThreadTS,
			PermissionsChannel:  donor.PermissionsChannel,
			UserID:              donor.UserID,
			ReplyToTS:           donor.ReplyToTS,
			TodoMessageTS:       donor.TodoMessageTS,
			PermissionMessageTS: donor.PermissionMessageTS,
			BufferFile:          donor.BufferFile,
			CustomChannel:       donor.CustomChannel,
			Status:              registry.StatusActive,
		}
		if err := e.Reg.RegisterExisting(healed); err != nil {
			log.Debug("self-heal registration failed", zap.Error(err))
			return nil
		}
		return healed
	}

	// Row exists with no chat metadata: copy the donor's onto it.
	fields := map[string]any{
		"channel":   donor.Channel,
		"thread_ts": donor.ThreadTS,
	}
	if donor.PermissionsChannel != "" {
		fields["permissions_channel"] = donor.PermissionsChannel
	}
	if donor.CustomChannel {
		fields["custom_channel"] = true
	}
	updated, err := e.Reg.Update(sessionID, fields)
	if err != nil {
		log.Debug("self-heal update failed", zap.Error(err))
		return sess
	}
	return updated
}

// findDonor locates a session row whose chat metadata can be copied.
func (e *Env) findDonor(sessionID, projectDir string) *registry.Session {
	if len(sessionID) > registry.WrapperIDLength {
		prefix := sessionID[:registry.WrapperIDLength]
		if donor, err := e.Reg.Get(prefix); err == nil && donor.HasChatMetadata() {
			return donor
		}
	}
	if projectDir != "" {
		if donor, err := e.Reg.GetByProjectDir(projectDir, ""); err == nil &&
			donor.SessionID != sessionID && donor.HasChatMetadata() {
			return donor
		}
	}
	return nil
}

// destination picks where a session's posts go: top-level in channel mode,
// threaded otherwise.
func destination(sess *registry.Session) (channel, threadTS string) {
	if sess.CustomChannel {
		return sess.Channel, ""
	}
	return sess.Channel, sess.ThreadTS
}

// truncate shortens text for chat display without splitting the marker off.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

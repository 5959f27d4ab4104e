package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/slackwire/slackwire/internal/chat"
	"github.com/slackwire/slackwire/internal/linelog"
	"github.com/slackwire/slackwire/internal/registry"
	"github.com/slackwire/slackwire/internal/respfile"
	"github.com/slackwire/slackwire/internal/termparse"
)

// bufferWait bounds how long the permission hook waits for the terminal
// rendering of the prompt to land in the buffer file.
const bufferWait = 2 * time.Second

// decisionOutput is the stdout document a blocking hook emits to influence
// the agent.
type decisionOutput struct {
	HookSpecificOutput struct {
		Decision struct {
			Behavior string `json:"behavior"`
			Message  string `json:"message,omitempty"`
		} `json:"decision"`
	} `json:"hookSpecificOutput"`
}

// RunPermission posts a permission prompt to chat and blocks until a remote
// decision arrives or the timeout passes. On timeout it emits nothing; the
// agent's own terminal prompt takes over.
func RunPermission(ctx context.Context, env *Env, in *Input, stdout io.Writer) error {
	log := env.logger()

	sess := env.ResolveSession(in.SessionID, in.CWD)
	if sess == nil || !sess.HasChatMetadata() {
		log.Debug("no chat-addressable session, skipping", zap.String("session_id", in.SessionID))
		return nil
	}

	prompt := parseBufferPrompt(env, sess)
	requestID := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]

	channel, threadTS := destination(sess)
	if sess.PermissionsChannel != "" {
		channel, threadTS = sess.PermissionsChannel, ""
	}

	req := buildPermissionMessage(in, prompt, sess.SessionID, requestID, threadTS)
	_, msgTS, err := env.Chat.PostMessage(ctx, channel, req)
	if err != nil {
		log.Warn("permission post failed", zap.Error(err))
		return nil
	}
	if _, err := env.Reg.Update(sess.SessionID,
		map[string]any{"permission_message_ts": msgTS}); err != nil {
		log.Debug("permission_message_ts not stored", zap.Error(err))
	}

	path := respfile.Path(env.Cfg.PermissionResponseDir(), sess.SessionID, requestID)
	resp, err := respfile.WaitPermission(ctx, path, env.Cfg.PermissionTimeout())
	if err != nil || resp == nil {
		return nil
	}

	out := decisionOutput{}
	switch resp.Decision {
	case respfile.DecisionAllow, respfile.DecisionAllowAlways:
		out.HookSpecificOutput.Decision.Behavior = "allow"
	case respfile.DecisionDeny:
		out.HookSpecificOutput.Decision.Behavior = "deny"
		out.HookSpecificOutput.Decision.Message = resp.Reason
	default:
		return nil
	}
	return json.NewEncoder(stdout).Encode(&out)
}

// parseBufferPrompt re-reads the session's raw output buffer and extracts
// the exact option wording from the terminal rendering.
func parseBufferPrompt(env *Env, sess *registry.Session) *termparse.Prompt {
	path := sess.BufferFile
	if path == "" {
		path = env.Cfg.BufferFilePath(sess.SessionID)
	}

	deadline := time.Now().Add(bufferWait)
	for {
		data, err := os.ReadFile(path)
		if err == nil && len(data) > 0 {
			if p := termparse.Parse(linelog.CleanLines(data)); p != nil {
				return p
			}
		}
		if time.Now().After(deadline) {
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// buildPermissionMessage renders the prompt. Buttons appear only for the two
// canonical option shapes; anything else gets numbered text with reaction
// instructions, so a button index can never mismatch the terminal's option
// numbering.
func buildPermissionMessage(in *Input, prompt *termparse.Prompt, sessionID, requestID, threadTS string) chat.PostRequest {
	var b strings.Builder
	fmt.Fprintf(&b, ":lock: *Permission requested:* `%s`\n", in.ToolName)
	if len(in.ToolInput) > 0 && string(in.ToolInput) != "null" {
		fmt.Fprintf(&b, "```%s```\n", truncate(string(in.ToolInput), 500))
	}
	if prompt != nil && prompt.Question != "" {
		b.WriteString("> " + truncate(prompt.Question, 300) + "\n")
	}

	req := chat.PostRequest{ThreadTS: threadTS}

	if prompt != nil && canonicalOptions(prompt) {
		buttons := make([]chat.Button, 0, len(prompt.Options))
		for i, opt := range prompt.Options {
			n := strconv.Itoa(i + 1)
			style := ""
			switch {
			case i == 0:
				style = "primary"
			case i == len(prompt.Options)-1:
				style = "danger"
			}
			buttons = append(buttons, chat.Button{
				ActionID: chat.PermissionActionPrefix + n,
				Text:     n + ". " + truncate(opt, 70),
				Value:    n,
				Style:    style,
			})
		}
		req.Text = b.String()
		req.Blocks = []chat.Block{
			{BlockID: chat.PermissionBlockID(sessionID, requestID) + "_text", Text: b.String()},
			{BlockID: chat.PermissionBlockID(sessionID, requestID), Buttons: buttons},
		}
		return req
	}

	if prompt != nil {
		for i, opt := range prompt.Options {
			fmt.Fprintf(&b, "%d. %s\n", i+1, opt)
		}
	}
	b.WriteString("_React with :one: :two: :three: to answer._")
	req.Text = b.String()
	req.Blocks = []chat.Block{
		{BlockID: chat.PermissionBlockID(sessionID, requestID), Text: b.String()},
	}
	return req
}

// canonicalOptions reports whether the parsed option set matches one of the
// two shapes safe to render as buttons: ["Yes", "No..."] or
// ["Yes", "Yes, allow...", "No..."]. Reconstructed placeholders never
// qualify.
func canonicalOptions(p *termparse.Prompt) bool {
	if p.Reconstructed {
		return false
	}
	yes := func(s string) bool { return strings.HasPrefix(strings.ToLower(s), "yes") }
	no := func(s string) bool { return strings.HasPrefix(strings.ToLower(s), "no") }
	switch len(p.Options) {
	case 2:
		return yes(p.Options[0]) && no(p.Options[1])
	case 3:
		return yes(p.Options[0]) && yes(p.Options[1]) && no(p.Options[2])
	}
	return false
}

// Package listener is the long-lived process that receives chat events and
// dispatches them to the right session control socket.
package listener

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/slackwire/slackwire/internal/chat"
	"github.com/slackwire/slackwire/internal/config"
	"github.com/slackwire/slackwire/internal/registry"
	"github.com/slackwire/slackwire/internal/respfile"
	"github.com/slackwire/slackwire/internal/transcript"
)

// permissionLabels render a numeric permission choice back into the option
// wording shown on the canonical prompts.
var permissionLabels = map[string]string{
	"1": "Yes",
	"2": "Yes, allow all",
	"3": "No",
}

// Listener routes inbound chat events to session sockets and response files.
type Listener struct {
	cfg  *config.Config
	log  *zap.Logger
	reg  *registry.Client
	chat chat.Client

	mu          sync.Mutex
	botUserID   string
	pendingDeny map[string]pendingDeny // keyed by thread ts
}

// pendingDeny tracks a deny click awaiting feedback in its thread.
type pendingDeny struct {
	sessionID string
	requestID string
	channel   string
	messageTS string
}

// New builds a listener over an already-authenticated chat client.
func New(cfg *config.Config, log *zap.Logger, reg *registry.Client, chatClient chat.Client) *Listener {
	if log == nil {
		log = zap.NewNop()
	}
	return &Listener{
		cfg:         cfg,
		log:         log,
		reg:         reg,
		chat:        chatClient,
		pendingDeny: make(map[string]pendingDeny),
	}
}

// SetBotUser records the bot's own user id so its reactions (the ack
// check marks the listener itself adds) are never treated as answers.
func (l *Listener) SetBotUser(userID string) {
	l.mu.Lock()
	l.botUserID = userID
	l.mu.Unlock()
}

func (l *Listener) isBotUser(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.botUserID != "" && userID == l.botUserID
}

// HandleMessage processes a channel or DM message.
func (l *Listener) HandleMessage(ctx context.Context, ev MessageEvent) {
	if ev.BotID != "" || ev.UserID == "" {
		return
	}
	if ev.IsDM {
		l.handleDMCommand(ctx, ev)
		return
	}

	if ev.ThreadTS != "" {
		if l.completePendingDeny(ctx, ev) {
			return
		}
		if l.completeAskUserReply(ctx, ev) {
			return
		}
		l.forwardMessage(ctx, ev)
		return
	}

	// Top-level channel chatter is only forwarded when it looks like an
	// intentional command or prompt answer.
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return
	}
	c := text[0]
	if c != '/' && c != '!' && (c < '0' || c > '9') {
		return
	}
	l.forwardMessage(ctx, ev)
}

// forwardMessage sends the text to the resolved session and acknowledges.
func (l *Listener) forwardMessage(ctx context.Context, ev MessageEvent) {
	if err := l.sendToSession(ev.ThreadTS, ev.Channel, ev.Text); err != nil {
		l.log.Warn("message not delivered", zap.Error(err))
		return
	}
	if err := l.chat.AddReaction(ctx, ev.Channel, ev.TS, "white_check_mark"); err != nil {
		l.log.Debug("ack reaction failed", zap.Error(err))
	}
	confirm := chat.PostRequest{ThreadTS: ev.ThreadTS, Text: "_Sent to Claude_"}
	if _, _, err := l.chat.PostMessage(ctx, ev.Channel, confirm); err != nil {
		l.log.Debug("confirmation failed", zap.Error(err))
	}
}

// completePendingDeny finishes a deny-with-feedback flow: the thread reply
// becomes the deny reason in the response file the blocking hook polls.
func (l *Listener) completePendingDeny(ctx context.Context, ev MessageEvent) bool {
	l.mu.Lock()
	pending, ok := l.pendingDeny[ev.ThreadTS]
	if ok {
		delete(l.pendingDeny, ev.ThreadTS)
	}
	l.mu.Unlock()
	if !ok {
		return false
	}

	path := respfile.Path(l.cfg.PermissionResponseDir(), pending.sessionID, pending.requestID)
	err := respfile.WritePermission(path, &respfile.Permission{
		Decision: respfile.DecisionDeny,
		Reason:   ev.Text,
	})
	if err != nil {
		l.log.Warn("deny response write failed", zap.Error(err))
		return true
	}

	l.updateMessageText(ctx, pending.channel, pending.messageTS,
		fmt.Sprintf(":no_entry: Denied with feedback: %s", ev.Text))
	l.chat.AddReaction(ctx, ev.Channel, ev.TS, "white_check_mark")
	return true
}

// HandleMention forwards an @-mention as a thread message.
func (l *Listener) HandleMention(ctx context.Context, ev MentionEvent) {
	text := stripMention(ev.Text)
	if text == "" {
		return
	}
	threadTS := ev.ThreadTS
	if threadTS == "" {
		threadTS = ev.TS
	}
	l.forwardMessage(ctx, MessageEvent{
		Channel:  ev.Channel,
		ThreadTS: threadTS,
		TS:       ev.TS,
		Text:     text,
		UserID:   ev.UserID,
	})
}

// stripMention removes the leading <@USERID> token.
func stripMention(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "<@") {
		if end := strings.Index(text, ">"); end > 0 {
			text = text[end+1:]
		}
	}
	return strings.TrimSpace(text)
}

// HandleReaction routes an emoji reaction by the shape of the message it
// landed on: structured-question blocks accumulate into the response file,
// permission prompt blocks answer the prompt. Reactions on anything else
// are ignored, as are the bot's own reactions (the listener acks forwarded
// messages with a check mark, which would otherwise round-trip as an
// approval).
func (l *Listener) HandleReaction(ctx context.Context, ev ReactionEvent) {
	if ev.UserID == "" || l.isBotUser(ev.UserID) {
		return
	}
	msg, err := l.chat.GetMessage(ctx, ev.Channel, ev.ItemTS)
	if err != nil {
		l.log.Debug("reaction parent fetch failed", zap.Error(err))
		return
	}

	if ref, blockID, ok := chat.FindAskUserBlock(msg.BlockIDs); ok {
		l.handleAskUserReaction(ctx, ev, msg, ref, blockID)
		return
	}
	if !chat.HasPermissionBlock(msg.BlockIDs) {
		return
	}

	value, ok := chat.PermissionEmojiValue[ev.Emoji]
	if !ok {
		return
	}
	threadTS := msg.ThreadTS
	if threadTS == "" {
		threadTS = msg.Timestamp
	}
	if err := l.sendToSession(threadTS, ev.Channel, value); err != nil {
		l.log.Warn("permission reaction not delivered", zap.Error(err))
	}
}

// handleAskUserReaction merges one option selection into the accumulating
// response file and shows the selection on the message. Reactions land on
// the whole message, so the first question block names the prompt; the
// per-question message layout (one post per question) keeps this unambiguous.
func (l *Listener) handleAskUserReaction(ctx context.Context, ev ReactionEvent, msg *chat.Message, ref *chat.AskUserRef, blockID string) {
	idx, ok := chat.OptionEmojiIndex[ev.Emoji]
	if !ok {
		return
	}

	extra := map[string]any{
		"user_id":   ev.UserID,
		"timestamp": time.Now().Unix(),
	}
	if name, err := l.chat.GetUserName(ctx, ev.UserID); err == nil && name != "" {
		extra["user_name"] = name
	}
	path := respfile.Path(l.cfg.AskUserResponseDir(), ref.SessionID, ref.RequestID)
	if err := respfile.MergeOption(path, ref.QuestionIndex, strconv.Itoa(idx), extra); err != nil {
		l.log.Warn("askuser merge failed", zap.Error(err))
		return
	}

	// Updating replaces the whole message; the block id must ride along or
	// the next reaction on this question would no longer parse as one.
	text := fmt.Sprintf("%s\n:white_check_mark: Question %d: option %d selected",
		msg.Text, ref.QuestionIndex+1, idx+1)
	err := l.chat.UpdateMessage(ctx, ev.Channel, msg.Timestamp, chat.PostRequest{
		Text:   text,
		Blocks: []chat.Block{{BlockID: blockID, Text: text}},
	})
	if err != nil {
		l.log.Debug("message update failed", zap.Error(err))
	}
}

// completeAskUserReply turns a thread reply under an open structured prompt
// into an "other" free-text answer for the first unanswered question.
// Returns false when the thread holds no open prompt, letting the reply
// fall through to normal forwarding.
func (l *Listener) completeAskUserReply(ctx context.Context, ev MessageEvent) bool {
	msgs, err := l.chat.ListThread(ctx, ev.Channel, ev.ThreadTS)
	if err != nil {
		l.log.Debug("thread listing failed", zap.Error(err))
		return false
	}

	// The newest prompt in the thread wins; collect its question blocks.
	var ref *chat.AskUserRef
	questions := make(map[int]questionMsg)
	for _, m := range msgs {
		r, blockID, ok := chat.FindAskUserBlock(m.BlockIDs)
		if !ok {
			continue
		}
		if ref == nil || r.RequestID != ref.RequestID {
			ref = r
			questions = make(map[int]questionMsg)
		}
		questions[r.QuestionIndex] = questionMsg{ts: m.Timestamp, blockID: blockID, text: m.Text}
	}
	if ref == nil {
		return false
	}

	path := respfile.Path(l.cfg.AskUserResponseDir(), ref.SessionID, ref.RequestID)
	data, err := respfile.Load(path)
	if err != nil {
		l.log.Warn("askuser load failed", zap.Error(err))
		return false
	}
	target := -1
	for i := 0; i < len(questions)+1; i++ {
		if _, answered := data[respfile.QuestionKey(i)]; !answered {
			if _, present := questions[i]; present {
				target = i
			}
			break
		}
	}
	if target < 0 {
		// Every visible question is answered; the reply is for the agent.
		return false
	}

	fields := map[string]any{
		respfile.QuestionKey(target):     "other",
		respfile.QuestionTextKey(target): ev.Text,
		"user_id":                        ev.UserID,
		"timestamp":                      time.Now().Unix(),
	}
	if name, err := l.chat.GetUserName(ctx, ev.UserID); err == nil && name != "" {
		fields["user_name"] = name
	}
	if err := respfile.Merge(path, fields); err != nil {
		l.log.Warn("askuser merge failed", zap.Error(err))
		return true
	}

	q := questions[target]
	text := fmt.Sprintf("%s\n:speech_balloon: Question %d answered in thread", q.text, target+1)
	err = l.chat.UpdateMessage(ctx, ev.Channel, q.ts, chat.PostRequest{
		Text:   text,
		Blocks: []chat.Block{{BlockID: q.blockID, Text: text}},
	})
	if err != nil {
		l.log.Debug("message update failed", zap.Error(err))
	}
	l.chat.AddReaction(ctx, ev.Channel, ev.TS, "white_check_mark")
	return true
}

// questionMsg locates one posted question of a structured prompt.
type questionMsg struct {
	ts      string
	blockID string
	text    string
}

// HandleButton processes a permission-button click. The socket-mode adapter
// has already acknowledged the interaction before this runs.
func (l *Listener) HandleButton(ctx context.Context, ev ButtonEvent) {
	if !strings.HasPrefix(ev.ActionID, chat.PermissionActionPrefix) {
		return
	}
	// The block id carries the session id the blocking hook polls under,
	// which is not always the id the thread is registered by.
	sessionID, requestID, ok := chat.ParsePermissionBlockID(ev.BlockID)
	if !ok {
		l.log.Debug("unparseable permission block", zap.String("block_id", ev.BlockID))
		return
	}

	if ev.Value == "3" && ev.ThreadTS != "" {
		// Thread mode deny: hold the decision until the user explains what
		// to do differently.
		l.mu.Lock()
		l.pendingDeny[ev.ThreadTS] = pendingDeny{
			sessionID: sessionID,
			requestID: requestID,
			channel:   ev.Channel,
			messageTS: ev.MessageTS,
		}
		l.mu.Unlock()
		l.updateMessageText(ctx, ev.Channel, ev.MessageTS,
			":speech_balloon: Denied — reply in this thread with what Claude should do differently.")
		return
	}

	if err := l.sendToSession(ev.ThreadTS, ev.Channel, ev.Value); err != nil {
		l.log.Warn("button response not delivered", zap.Error(err))
		return
	}
	label := permissionLabels[ev.Value]
	if label == "" {
		label = ev.Value
	}
	who := ev.UserName
	if who == "" {
		who = "User"
	}
	l.updateMessageText(ctx, ev.Channel, ev.MessageTS,
		fmt.Sprintf(":white_check_mark: %s selected %s", who, label))
}

func (l *Listener) updateMessageText(ctx context.Context, channel, ts, text string) {
	if err := l.chat.UpdateMessage(ctx, channel, ts, chat.PostRequest{Text: text}); err != nil {
		l.log.Debug("message update failed", zap.Error(err))
	}
}

// handleDMCommand serves the /sessions, /attach, /detach and /mode commands.
func (l *Listener) handleDMCommand(ctx context.Context, ev MessageEvent) {
	fields := strings.Fields(strings.TrimSpace(ev.Text))
	if len(fields) == 0 {
		return
	}
	reply := func(text string) {
		if _, _, err := l.chat.PostMessage(ctx, ev.Channel, chat.PostRequest{Text: text}); err != nil {
			l.log.Debug("DM reply failed", zap.Error(err))
		}
	}

	switch fields[0] {
	case "/sessions":
		sessions, err := l.reg.List(registry.StatusActive)
		if err != nil {
			reply("Could not list sessions: " + err.Error())
			return
		}
		if len(sessions) == 0 {
			reply("No active sessions.")
			return
		}
		var b strings.Builder
		b.WriteString("*Active sessions:*\n")
		for _, s := range sessions {
			fmt.Fprintf(&b, "• `%s` — %s (%s)\n", s.SessionID, s.Project, s.Terminal)
		}
		reply(b.String())

	case "/attach":
		if len(fields) < 2 {
			reply("Usage: `/attach <session_id> [history_count]`")
			return
		}
		sess, err := l.reg.Attach(ev.UserID, fields[1], ev.Channel)
		if err != nil {
			reply("Attach failed: " + err.Error())
			return
		}
		reply(fmt.Sprintf("Attached to `%s` (%s).", sess.SessionID, sess.Project))
		if len(fields) >= 3 {
			if n, err := strconv.Atoi(fields[2]); err == nil && n > 0 {
				l.replayHistory(ctx, ev.Channel, sess, n)
			}
		}

	case "/detach":
		if err := l.reg.Detach(ev.UserID); err != nil {
			reply("Detach failed: " + err.Error())
			return
		}
		reply("Detached.")

	case "/mode":
		if len(fields) < 2 {
			reply("Usage: `/mode <plan|research|execute>`")
			return
		}
		if err := l.reg.SetMode(ev.UserID, fields[1]); err != nil {
			reply("Mode not set: " + err.Error())
			return
		}
		reply("Mode set to " + fields[1] + ".")

	default:
		// DMs double as a control channel to an attached session.
		if sub, err := l.reg.GetSubscription(ev.UserID); err == nil && sub != nil {
			if sess, err := l.reg.Get(sub.SessionID); err == nil {
				if err := l.sendToSession(sess.ThreadTS, sess.Channel, ev.Text); err == nil {
					l.chat.AddReaction(ctx, ev.Channel, ev.TS, "white_check_mark")
					return
				}
			}
		}
		reply("Commands: `/sessions`, `/attach <id> [n]`, `/detach`, `/mode <plan|research|execute>`")
	}
}

// replayHistory posts the last n transcript turns into the DM.
func (l *Listener) replayHistory(ctx context.Context, channel string, sess *registry.Session, n int) {
	path := transcriptPath(sess.ProjectDir, sess.SessionID)
	entries, err := transcript.Tail(path, n)
	if err != nil {
		l.log.Debug("history replay unavailable",
			zap.String("path", path), zap.Error(err))
		return
	}
	for _, e := range entries {
		prefix := ":bust_in_silhouette:"
		if e.Role == "assistant" {
			prefix = ":robot_face:"
		}
		text := e.Text
		if len(text) > 2000 {
			text = text[:2000] + "…"
		}
		l.chat.PostMessage(ctx, channel, chat.PostRequest{Text: prefix + " " + text})
	}
}

// transcriptPath locates the agent's JSONL transcript for a session. The
// agent keys transcript directories by the project path with separators
// flattened to hyphens.
func transcriptPath(projectDir, sessionID string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	flat := strings.ReplaceAll(projectDir, "/", "-")
	return filepath.Join(home, ".claude", "projects", flat, sessionID+".jsonl")
}

package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/slackwire/slackwire/internal/chat"
)

// taskListTool is the agent tool whose writes drive the live task list.
const taskListTool = "TodoWrite"

// completedShown is how many recently completed tasks stay visible.
const completedShown = 2

type taskListInput struct {
	Todos []taskItem `json:"todos"`
}

type taskItem struct {
	Content    string `json:"content"`
	Status     string `json:"status"`
	ActiveForm string `json:"activeForm,omitempty"`
}

// RunTaskList mirrors the agent's task list into a single chat message that
// is updated in place as tasks progress.
func RunTaskList(ctx context.Context, env *Env, in *Input) error {
	if in.ToolName != taskListTool {
		return nil
	}
	log := env.logger()

	var input taskListInput
	if err := json.Unmarshal(in.ToolInput, &input); err != nil {
		return fmt.Errorf("malformed task payload: %w", err)
	}
	if len(input.Todos) == 0 {
		return nil
	}

	sess := env.ResolveSession(in.SessionID, in.CWD)
	if sess == nil || !sess.HasChatMetadata() {
		log.Debug("no chat-addressable session, skipping", zap.String("session_id", in.SessionID))
		return nil
	}

	text := renderTaskList(input.Todos)
	channel, threadTS := destination(sess)

	if sess.TodoMessageTS != "" {
		err := env.Chat.UpdateMessage(ctx, channel, sess.TodoMessageTS, chat.PostRequest{Text: text})
		if err == nil {
			return nil
		}
		if !errors.Is(err, chat.ErrMessageNotFound) {
			log.Warn("task list update failed", zap.Error(err))
			return nil
		}
		// Message was deleted by a user; fall through to a fresh post.
	}

	_, ts, err := env.Chat.PostMessage(ctx, channel, chat.PostRequest{ThreadTS: threadTS, Text: text})
	if err != nil {
		log.Warn("task list post failed", zap.Error(err))
		return nil
	}
	if _, err := env.Reg.Update(sess.SessionID, map[string]any{"todo_message_ts": ts}); err != nil {
		log.Debug("todo_message_ts not stored", zap.Error(err))
	}
	return nil
}

// renderTaskList formats tasks as a progress bar plus categorized sections.
func renderTaskList(todos []taskItem) string {
	var inProgress, pending, completed []taskItem
	for _, t := range todos {
		switch t.Status {
		case "completed":
			completed = append(completed, t)
		case "in_progress":
			inProgress = append(inProgress, t)
		default:
			pending = append(pending, t)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "*Tasks* %s %d/%d\n", progressBar(len(completed), len(todos)), len(completed), len(todos))

	for _, t := range inProgress {
		label := t.ActiveForm
		if label == "" {
			label = t.Content
		}
		fmt.Fprintf(&b, ":arrow_forward: %s\n", label)
	}
	for _, t := range pending {
		fmt.Fprintf(&b, ":white_circle: %s\n", t.Content)
	}
	if n := len(completed); n > 0 {
		start := n - completedShown
		if start < 0 {
			start = 0
		}
		for _, t := range completed[start:] {
			fmt.Fprintf(&b, ":white_check_mark: %s\n", t.Content)
		}
		if start > 0 {
			fmt.Fprintf(&b, "_…and %d more completed_\n", start)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// progressBar renders done/total as a 10-slot bar.
func progressBar(done, total int) string {
	if total <= 0 {
		return ""
	}
	filled := done * 10 / total
	return strings.Repeat("▓", filled) + strings.Repeat("░", 10-filled)
}

package hooks

import (
	"context"

	"go.uber.org/zap"

	"github.com/slackwire/slackwire/internal/chat"
	"github.com/slackwire/slackwire/internal/registry"
	"github.com/slackwire/slackwire/internal/transcript"
)

// RunNotify forwards an agent notification (waiting for input, permission
// needed) into the session's thread.
func RunNotify(ctx context.Context, env *Env, in *Input) error {
	log := env.logger()
	if in.Message == "" {
		return nil
	}

	sess := env.ResolveSession(in.SessionID, in.CWD)
	if sess == nil || !sess.HasChatMetadata() {
		log.Debug("no chat-addressable session, skipping", zap.String("session_id", in.SessionID))
		return nil
	}

	channel, threadTS := destination(sess)
	_, _, err := env.Chat.PostMessage(ctx, channel, chat.PostRequest{
		ThreadTS: threadTS,
		Text:     ":bell: " + truncate(in.Message, 500),
	})
	if err != nil {
		log.Warn("notification post failed", zap.Error(err))
	}
	return nil
}

// RunStop posts the agent's final response text when a turn completes and
// marks the session idle.
func RunStop(ctx context.Context, env *Env, in *Input) error {
	log := env.logger()

	sess := env.ResolveSession(in.SessionID, in.CWD)
	if sess == nil {
		return nil
	}

	if _, err := env.Reg.Update(sess.SessionID,
		map[string]any{"status": registry.StatusIdle}); err != nil {
		log.Debug("idle status not stored", zap.Error(err))
	}
	if !sess.HasChatMetadata() || in.TranscriptPath == "" {
		return nil
	}

	entries, err := transcript.Tail(in.TranscriptPath, 1)
	if err != nil || len(entries) == 0 || entries[0].Role != "assistant" {
		return nil
	}

	channel, threadTS := destination(sess)
	_, _, err = env.Chat.PostMessage(ctx, channel, chat.PostRequest{
		ThreadTS: threadTS,
		Text:     truncate(entries[0].Text, 3000),
	})
	if err != nil {
		log.Warn("response post failed", zap.Error(err))
	}
	return nil
}

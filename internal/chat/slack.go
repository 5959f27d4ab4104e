package chat

import (
	"context"
	"fmt"
	"strings"

	"github.com/slack-go/slack"
)

// SlackClient implements Client over the Slack Web API.
type SlackClient struct {
	api *slack.Client
}

// NewSlackClient builds a client from a bot token.
func NewSlackClient(botToken string) *SlackClient {
	return &SlackClient{api: slack.New(botToken)}
}

// NewSlackClientWithAPI wraps an existing API client (shared with the
// listener's Socket Mode connection).
func NewSlackClientWithAPI(api *slack.Client) *SlackClient {
	return &SlackClient{api: api}
}

// API exposes the underlying client for the listener's Socket Mode setup.
func (c *SlackClient) API() *slack.Client {
	return c.api
}

// PostMessage implements Client.
func (c *SlackClient) PostMessage(ctx context.Context, channel string, req PostRequest) (string, string, error) {
	opts := buildOptions(req)
	ch, ts, err := c.api.PostMessageContext(ctx, channel, opts...)
	if err != nil {
		return "", "", translateError(err)
	}
	return ch, ts, nil
}

// UpdateMessage implements Client.
func (c *SlackClient) UpdateMessage(ctx context.Context, channel, timestamp string, req PostRequest) error {
	opts := buildOptions(req)
	_, _, _, err := c.api.UpdateMessageContext(ctx, channel, timestamp, opts...)
	return translateError(err)
}

// DeleteMessage implements Client.
func (c *SlackClient) DeleteMessage(ctx context.Context, channel, timestamp string) error {
	_, _, err := c.api.DeleteMessageContext(ctx, channel, timestamp)
	return translateError(err)
}

// AddReaction implements Client.
func (c *SlackClient) AddReaction(ctx context.Context, channel, timestamp, emoji string) error {
	ref := slack.ItemRef{Channel: channel, Timestamp: timestamp}
	return translateError(c.api.AddReactionContext(ctx, emoji, ref))
}

// GetMessage implements Client. Fetches a single message by timestamp via
// conversation history with an inclusive one-message window.
func (c *SlackClient) GetMessage(ctx context.Context, channel, timestamp string) (*Message, error) {
	resp, err := c.api.GetConversationHistoryContext(ctx, &slack.GetConversationHistoryParameters{
		ChannelID: channel,
		Latest:    timestamp,
		Inclusive: true,
		Limit:     1,
	})
	if err != nil {
		return nil, translateError(err)
	}
	if len(resp.Messages) == 0 || resp.Messages[0].Timestamp != timestamp {
		// The timestamp may name a thread reply, which history does not
		// return; try the replies API before giving up.
		return c.getThreadMessage(ctx, channel, timestamp)
	}
	return convertMessage(channel, &resp.Messages[0]), nil
}

// getThreadMessage fetches a message that lives inside a thread.
func (c *SlackClient) getThreadMessage(ctx context.Context, channel, timestamp string) (*Message, error) {
	msgs, _, _, err := c.api.GetConversationRepliesContext(ctx, &slack.GetConversationRepliesParameters{
		ChannelID: channel,
		Timestamp: timestamp,
		Inclusive: true,
		Limit:     1,
	})
	if err != nil {
		return nil, translateError(err)
	}
	for i := range msgs {
		if msgs[i].Timestamp == timestamp {
			return convertMessage(channel, &msgs[i]), nil
		}
	}
	return nil, ErrMessageNotFound
}

// ListThread implements Client. Pages through a thread's replies.
func (c *SlackClient) ListThread(ctx context.Context, channel, threadTS string) ([]Message, error) {
	var out []Message
	cursor := ""
	for {
		msgs, hasMore, next, err := c.api.GetConversationRepliesContext(ctx, &slack.GetConversationRepliesParameters{
			ChannelID: channel,
			Timestamp: threadTS,
			Cursor:    cursor,
			Limit:     200,
		})
		if err != nil {
			return nil, translateError(err)
		}
		for i := range msgs {
			out = append(out, *convertMessage(channel, &msgs[i]))
		}
		if !hasMore || next == "" {
			return out, nil
		}
		cursor = next
	}
}

// GetUserName implements Client. Prefers the profile display name.
func (c *SlackClient) GetUserName(ctx context.Context, userID string) (string, error) {
	user, err := c.api.GetUserInfoContext(ctx, userID)
	if err != nil {
		return "", translateError(err)
	}
	switch {
	case user.Profile.DisplayName != "":
		return user.Profile.DisplayName, nil
	case user.RealName != "":
		return user.RealName, nil
	}
	return user.Name, nil
}

// ListChannels implements Client.
func (c *SlackClient) ListChannels(ctx context.Context, cursor string) ([]Channel, string, error) {
	chans, next, err := c.api.GetConversationsContext(ctx, &slack.GetConversationsParameters{
		Cursor:          cursor,
		Limit:           200,
		ExcludeArchived: true,
		Types:           []string{"public_channel"},
	})
	if err != nil {
		return nil, "", translateError(err)
	}
	out := make([]Channel, 0, len(chans))
	for _, ch := range chans {
		out = append(out, Channel{ID: ch.ID, Name: ch.Name, IsMember: ch.IsMember})
	}
	return out, next, nil
}

// JoinChannel implements Client.
func (c *SlackClient) JoinChannel(ctx context.Context, channelID string) error {
	_, _, _, err := c.api.JoinConversationContext(ctx, channelID)
	return translateError(err)
}

// CreateChannel implements Client.
func (c *SlackClient) CreateChannel(ctx context.Context, name string) (*Channel, error) {
	ch, err := c.api.CreateConversationContext(ctx, slack.CreateConversationParams{
		ChannelName: name,
	})
	if err != nil {
		return nil, translateError(err)
	}
	return &Channel{ID: ch.ID, Name: ch.Name, IsMember: true}, nil
}

// buildOptions translates a PostRequest into slack message options.
func buildOptions(req PostRequest) []slack.MsgOption {
	var opts []slack.MsgOption
	if req.ThreadTS != "" {
		opts = append(opts, slack.MsgOptionTS(req.ThreadTS))
	}
	if len(req.Blocks) > 0 {
		opts = append(opts, slack.MsgOptionBlocks(convertBlocks(req.Blocks)...))
		// Text still renders in notifications when blocks are present.
		if req.Text != "" {
			opts = append(opts, slack.MsgOptionText(req.Text, false))
		}
	} else {
		opts = append(opts, slack.MsgOptionText(req.Text, false))
	}
	return opts
}

// convertBlocks maps provider-neutral blocks to Slack block kit.
func convertBlocks(blocks []Block) []slack.Block {
	out := make([]slack.Block, 0, len(blocks))
	for _, b := range blocks {
		if len(b.Buttons) > 0 {
			elements := make([]slack.BlockElement, 0, len(b.Buttons))
			for _, btn := range b.Buttons {
				el := slack.NewButtonBlockElement(btn.ActionID, btn.Value,
					slack.NewTextBlockObject(slack.PlainTextType, btn.Text, true, false))
				switch btn.Style {
				case "primary":
					el.Style = slack.StylePrimary
				case "danger":
					el.Style = slack.StyleDanger
				}
				elements = append(elements, el)
			}
			actions := slack.NewActionBlock(b.BlockID, elements...)
			out = append(out, actions)
			continue
		}
		section := slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, b.Text, false, false),
			nil, nil)
		section.BlockID = b.BlockID
		out = append(out, section)
	}
	return out
}

// convertMessage maps a slack message to the neutral Message.
func convertMessage(channel string, msg *slack.Message) *Message {
	out := &Message{
		Channel:   channel,
		Timestamp: msg.Timestamp,
		ThreadTS:  msg.ThreadTimestamp,
		Text:      msg.Text,
		UserID:    msg.User,
		BotID:     msg.BotID,
	}
	for _, b := range msg.Blocks.BlockSet {
		switch blk := b.(type) {
		case *slack.SectionBlock:
			out.BlockIDs = append(out.BlockIDs, blk.BlockID)
		case *slack.ActionBlock:
			out.BlockIDs = append(out.BlockIDs, blk.BlockID)
		}
	}
	return out
}

// translateError maps Slack error codes to package sentinels with actionable
// messages; unknown errors pass through.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "message_not_found"):
		return fmt.Errorf("%w", ErrMessageNotFound)
	case strings.Contains(msg, "channel_not_found"):
		return fmt.Errorf("%w", ErrChannelNotFound)
	case strings.Contains(msg, "missing_scope"), strings.Contains(msg, "not_allowed"):
		return fmt.Errorf("%w: %s", ErrMissingCapability, msg)
	}
	return err
}

// Package chat abstracts the chat workspace behind the capability set
// slackwire actually consumes: post/update/delete messages, reactions,
// message fetch, and channel management. The concrete implementation speaks
// Slack; tests substitute a fake.
package chat

import (
	"context"
	"errors"
)

// Sentinel errors implementations translate provider codes into.
var (
	// ErrMessageNotFound is returned when updating or fetching a message
	// that no longer exists (deleted by a user).
	ErrMessageNotFound = errors.New("message not found")

	// ErrChannelNotFound is returned for lookups of unknown channels.
	ErrChannelNotFound = errors.New("channel not found")

	// ErrMissingCapability is returned when the bot token lacks a scope.
	// The message names the missing capability in actionable terms.
	ErrMissingCapability = errors.New("missing capability")
)

// Button is one interactive button in an actions block.
type Button struct {
	ActionID string
	Text     string
	Value    string
	// Style is "", "primary" or "danger".
	Style string
}

// Block is a minimal provider-neutral message block. Exactly one of Text or
// Buttons is set.
type Block struct {
	// BlockID carries routing metadata (permission_<sid>_<rid>,
	// askuser_Q<i>_<sid>_<rid>).
	BlockID string
	Text    string
	Buttons []Button
}

// PostRequest describes a message to post or an update to apply.
type PostRequest struct {
	// ThreadTS threads the message under a parent when non-empty.
	ThreadTS string
	Text     string
	Blocks   []Block
}

// Message is a fetched message.
type Message struct {
	Channel   string
	Timestamp string
	ThreadTS  string
	Text      string
	UserID    string
	BotID     string
	// BlockIDs are the block ids present on the message, in order.
	BlockIDs []string
}

// Channel is a conversation the bot can see.
type Channel struct {
	ID       string
	Name     string
	IsMember bool
}

// Client is the capability set consumed by the registry, listener and hooks.
type Client interface {
	// PostMessage posts to a channel, threaded when req.ThreadTS is set.
	// Returns the channel id and message timestamp.
	PostMessage(ctx context.Context, channel string, req PostRequest) (string, string, error)

	// UpdateMessage replaces the text/blocks of an existing message.
	UpdateMessage(ctx context.Context, channel, timestamp string, req PostRequest) error

	// DeleteMessage removes a message.
	DeleteMessage(ctx context.Context, channel, timestamp string) error

	// AddReaction adds an emoji reaction to a message.
	AddReaction(ctx context.Context, channel, timestamp, emoji string) error

	// GetMessage fetches one message by channel and timestamp.
	GetMessage(ctx context.Context, channel, timestamp string) (*Message, error)

	// ListThread fetches a thread root and its replies, oldest first.
	ListThread(ctx context.Context, channel, threadTS string) ([]Message, error)

	// GetUserName resolves a user id to a display name. Best effort; an
	// empty name with nil error means the provider had nothing better.
	GetUserName(ctx context.Context, userID string) (string, error)

	// ListChannels pages through channels. Pass the returned cursor to
	// continue; an empty cursor means the listing is complete.
	ListChannels(ctx context.Context, cursor string) ([]Channel, string, error)

	// JoinChannel joins the bot to a channel it is not yet a member of.
	JoinChannel(ctx context.Context, channelID string) error

	// CreateChannel creates a public channel.
	CreateChannel(ctx context.Context, name string) (*Channel, error)
}

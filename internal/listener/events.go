package listener

// Typed chat events, decoded from the provider stream before dispatch. The
// parent message's block-id prefix (askuser_Q* vs permission_*) selects the
// downstream decoder for reactions and buttons.

// MessageEvent is a channel or DM message.
type MessageEvent struct {
	Channel  string
	ThreadTS string
	TS       string
	Text     string
	UserID   string
	BotID    string
	IsDM     bool
}

// MentionEvent is an @-mention of the bot.
type MentionEvent struct {
	Channel  string
	ThreadTS string
	TS       string
	Text     string
	UserID   string
}

// ReactionEvent is an emoji reaction added to a message.
type ReactionEvent struct {
	Emoji   string
	Channel string
	// ItemTS is the timestamp of the reacted-to message.
	ItemTS string
	UserID string
}

// ButtonEvent is an interactive-button click.
type ButtonEvent struct {
	ActionID string
	Value    string
	BlockID  string
	Channel  string
	// MessageTS is the message carrying the button.
	MessageTS string
	ThreadTS  string
	UserID    string
	UserName  string
}

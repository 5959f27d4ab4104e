package chat

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory Client for tests. Timestamps are sequential so tests
// can assert thread structure deterministically.
type Fake struct {
	mu       sync.Mutex
	nextTS   int
	messages map[string]*fakeMessage // key channel + "/" + ts
	channels map[string]*Channel     // key id
	byName   map[string]string       // name -> id
	users    map[string]string       // id -> display name

	// Reactions records AddReaction calls as "channel/ts/emoji".
	Reactions []string

	// Errors, when set for a method name, is returned by that method.
	Errors map[string]error
}

type fakeMessage struct {
	msg Message
	req PostRequest
}

// NewFake returns an empty fake workspace.
func NewFake() *Fake {
	return &Fake{
		messages: make(map[string]*fakeMessage),
		channels: make(map[string]*Channel),
		byName:   make(map[string]string),
		users:    make(map[string]string),
		Errors:   make(map[string]error),
	}
}

// AddUser seeds a user the bot can resolve by id.
func (f *Fake) AddUser(id, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[id] = name
}

// AddChannel seeds a channel the bot can see.
func (f *Fake) AddChannel(id, name string, member bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels[id] = &Channel{ID: id, Name: name, IsMember: member}
	f.byName[name] = id
}

func (f *Fake) key(channel, ts string) string {
	return channel + "/" + ts
}

// PostMessage implements Client.
func (f *Fake) PostMessage(ctx context.Context, channel string, req PostRequest) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Errors["PostMessage"]; err != nil {
		return "", "", err
	}
	f.nextTS++
	ts := fmt.Sprintf("1700000000.%06d", f.nextTS)
	msg := Message{
		Channel:   channel,
		Timestamp: ts,
		ThreadTS:  req.ThreadTS,
		Text:      req.Text,
		BotID:     "B_FAKE",
	}
	for _, b := range req.Blocks {
		msg.BlockIDs = append(msg.BlockIDs, b.BlockID)
	}
	f.messages[f.key(channel, ts)] = &fakeMessage{msg: msg, req: req}
	return channel, ts, nil
}

// UpdateMessage implements Client.
func (f *Fake) UpdateMessage(ctx context.Context, channel, timestamp string, req PostRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Errors["UpdateMessage"]; err != nil {
		return err
	}
	fm, ok := f.messages[f.key(channel, timestamp)]
	if !ok {
		return ErrMessageNotFound
	}
	fm.msg.Text = req.Text
	fm.msg.BlockIDs = nil
	for _, b := range req.Blocks {
		fm.msg.BlockIDs = append(fm.msg.BlockIDs, b.BlockID)
	}
	fm.req = req
	return nil
}

// DeleteMessage implements Client.
func (f *Fake) DeleteMessage(ctx context.Context, channel, timestamp string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Errors["DeleteMessage"]; err != nil {
		return err
	}
	k := f.key(channel, timestamp)
	if _, ok := f.messages[k]; !ok {
		return ErrMessageNotFound
	}
	delete(f.messages, k)
	return nil
}

// AddReaction implements Client.
func (f *Fake) AddReaction(ctx context.Context, channel, timestamp, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Errors["AddReaction"]; err != nil {
		return err
	}
	f.Reactions = append(f.Reactions, channel+"/"+timestamp+"/"+emoji)
	return nil
}

// GetMessage implements Client.
func (f *Fake) GetMessage(ctx context.Context, channel, timestamp string) (*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Errors["GetMessage"]; err != nil {
		return nil, err
	}
	fm, ok := f.messages[f.key(channel, timestamp)]
	if !ok {
		return nil, ErrMessageNotFound
	}
	msg := fm.msg
	return &msg, nil
}

// ListThread implements Client. Returns the root message (when it exists)
// followed by its replies, oldest first.
func (f *Fake) ListThread(ctx context.Context, channel, threadTS string) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Errors["ListThread"]; err != nil {
		return nil, err
	}
	var out []Message
	for k, fm := range f.messages {
		if len(k) <= len(channel) || k[:len(channel)+1] != channel+"/" {
			continue
		}
		if fm.msg.Timestamp == threadTS || fm.msg.ThreadTS == threadTS {
			out = append(out, fm.msg)
		}
	}
	sortMessages(out)
	return out, nil
}

// GetUserName implements Client.
func (f *Fake) GetUserName(ctx context.Context, userID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Errors["GetUserName"]; err != nil {
		return "", err
	}
	return f.users[userID], nil
}

// ListChannels implements Client. The fake returns everything in one page.
func (f *Fake) ListChannels(ctx context.Context, cursor string) ([]Channel, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Errors["ListChannels"]; err != nil {
		return nil, "", err
	}
	out := make([]Channel, 0, len(f.channels))
	for _, ch := range f.channels {
		out = append(out, *ch)
	}
	return out, "", nil
}

// JoinChannel implements Client.
func (f *Fake) JoinChannel(ctx context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Errors["JoinChannel"]; err != nil {
		return err
	}
	ch, ok := f.channels[channelID]
	if !ok {
		return ErrChannelNotFound
	}
	ch.IsMember = true
	return nil
}

// CreateChannel implements Client.
func (f *Fake) CreateChannel(ctx context.Context, name string) (*Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Errors["CreateChannel"]; err != nil {
		return nil, err
	}
	id := fmt.Sprintf("C_FAKE_%d", len(f.channels)+1)
	ch := &Channel{ID: id, Name: name, IsMember: true}
	f.channels[id] = ch
	f.byName[name] = id
	c := *ch
	return &c, nil
}

// LastRequest returns the PostRequest most recently stored for a message, for
// asserting block contents in tests.
func (f *Fake) LastRequest(channel, timestamp string) (PostRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fm, ok := f.messages[f.key(channel, timestamp)]
	if !ok {
		return PostRequest{}, false
	}
	return fm.req, true
}

// Messages returns all messages in a channel ordered by timestamp.
func (f *Fake) Messages(channel string) []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Message
	for k, fm := range f.messages {
		if len(k) > len(channel) && k[:len(channel)+1] == channel+"/" {
			out = append(out, fm.msg)
		}
	}
	sortMessages(out)
	return out
}

func sortMessages(msgs []Message) {
	for i := 1; i < len(msgs); i++ {
		for j := i; j > 0 && msgs[j].Timestamp < msgs[j-1].Timestamp; j-- {
			msgs[j], msgs[j-1] = msgs[j-1], msgs[j]
		}
	}
}

// MessageCount returns how many messages exist in a channel.
func (f *Fake) MessageCount(channel string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for k := range f.messages {
		if len(k) > len(channel) && k[:len(channel)+1] == channel+"/" {
			n++
		}
	}
	return n
}

var _ Client = (*Fake)(nil)

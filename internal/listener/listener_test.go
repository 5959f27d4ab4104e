package listener

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slackwire/slackwire/internal/chat"
	"github.com/slackwire/slackwire/internal/config"
	"github.com/slackwire/slackwire/internal/registry"
	"github.com/slackwire/slackwire/internal/respfile"
)

type fixture struct {
	cfg      *config.Config
	reg      *registry.Client
	fake     *chat.Fake
	listener *Listener
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	base := t.TempDir()
	cfg := &config.Config{
		BaseDir:   base,
		DBPath:    filepath.Join(base, "registry.db"),
		SocketDir: filepath.Join(base, "sockets"),
		LogDir:    filepath.Join(base, "logs"),
	}
	require.NoError(t, cfg.EnsureDirs())

	store, err := registry.OpenStore(cfg.DBPath)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	srv := registry.NewServer(store, registry.ServerOptions{
		SocketPath: cfg.RegistrySocketPath(),
	})
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)

	reg := registry.NewClient(cfg.RegistrySocketPath())
	fake := chat.NewFake()
	return &fixture{
		cfg:      cfg,
		reg:      reg,
		fake:     fake,
		listener: New(cfg, nil, reg, fake),
	}
}

// captureSocket listens on a unix socket and records each connection's
// payload.
func captureSocket(t *testing.T, path string) chan string {
	t.Helper()
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	got := make(chan string, 8)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			data, _ := io.ReadAll(conn)
			conn.Close()
			got <- string(data)
		}
	}()
	return got
}

func (f *fixture) registerSession(t *testing.T, id, threadTS, channel string, custom bool) string {
	t.Helper()
	socketPath := f.cfg.SessionSocketPath(id)
	_, err := f.reg.RegisterSimple(&registry.RegisterRequest{
		SessionID: id, Project: "p", Terminal: "t", SocketPath: socketPath,
	})
	require.NoError(t, err)
	fields := map[string]any{"channel": channel}
	if threadTS != "" {
		fields["thread_ts"] = threadTS
	}
	if custom {
		fields["custom_channel"] = true
	}
	_, err = f.reg.Update(id, fields)
	require.NoError(t, err)
	return socketPath
}

func recv(t *testing.T, ch chan string) string {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(3 * time.Second):
		t.Fatal("no payload received")
		return ""
	}
}

func TestButtonApproveDeliversToSocket(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	socketPath := f.registerSession(t, "abc12345", "T1", "C1", false)
	got := captureSocket(t, socketPath)

	// The permission prompt message the button lives on.
	_, msgTS, err := f.fake.PostMessage(ctx, "C1", chat.PostRequest{
		ThreadTS: "T1", Text: "permission prompt",
	})
	require.NoError(t, err)

	f.listener.HandleButton(ctx, ButtonEvent{
		ActionID:  "permission_response_1",
		Value:     "1",
		BlockID:   "permission_abc12345_R1",
		Channel:   "C1",
		MessageTS: msgTS,
		ThreadTS:  "T1",
		UserName:  "alice",
	})

	assert.Equal(t, "1\n", recv(t, got))

	msg, err := f.fake.GetMessage(ctx, "C1", msgTS)
	require.NoError(t, err)
	assert.Contains(t, msg.Text, "alice selected Yes")

	// No response file for a socket-delivered approval.
	entries, _ := os.ReadDir(f.cfg.PermissionResponseDir())
	assert.Empty(t, entries)
}

func TestButtonDenyThreadModeAwaitsFeedback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	socketPath := f.registerSession(t, "abc12345", "T1", "C1", false)
	got := captureSocket(t, socketPath)

	_, msgTS, err := f.fake.PostMessage(ctx, "C1", chat.PostRequest{
		ThreadTS: "T1", Text: "permission prompt",
	})
	require.NoError(t, err)

	f.listener.HandleButton(ctx, ButtonEvent{
		ActionID:  "permission_response_3",
		Value:     "3",
		BlockID:   "permission_abc12345_R1",
		Channel:   "C1",
		MessageTS: msgTS,
		ThreadTS:  "T1",
	})

	// Nothing reaches the socket yet; the message asks for feedback.
	select {
	case p := <-got:
		t.Fatalf("unexpected payload %q before feedback", p)
	case <-time.After(200 * time.Millisecond):
	}
	msg, err := f.fake.GetMessage(ctx, "C1", msgTS)
	require.NoError(t, err)
	assert.Contains(t, msg.Text, "reply in this thread")

	// The thread reply becomes the deny reason in the response file.
	f.listener.HandleMessage(ctx, MessageEvent{
		Channel: "C1", ThreadTS: "T1", TS: "1700.0099",
		Text: "use the staging database instead", UserID: "U1",
	})

	path := respfile.Path(f.cfg.PermissionResponseDir(), "abc12345", "R1")
	resp, err := respfile.TakePermission(path)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, respfile.DecisionDeny, resp.Decision)
	assert.Equal(t, "use the staging database instead", resp.Reason)
}

func TestButtonDenyKeyedByPromptSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// The thread is registered under the wrapper's short id, but the
	// blocking hook polls under the agent session id baked into the block.
	f.registerSession(t, "abc12345", "T1", "C1", false)
	hookSession := "abc12345e29b41d4a716446655440000"

	_, msgTS, err := f.fake.PostMessage(ctx, "C1", chat.PostRequest{
		ThreadTS: "T1", Text: "permission prompt",
	})
	require.NoError(t, err)

	f.listener.HandleButton(ctx, ButtonEvent{
		ActionID:  "permission_response_3",
		Value:     "3",
		BlockID:   "permission_" + hookSession + "_R7",
		Channel:   "C1",
		MessageTS: msgTS,
		ThreadTS:  "T1",
	})
	f.listener.HandleMessage(ctx, MessageEvent{
		Channel: "C1", ThreadTS: "T1", TS: "1700.0098",
		Text: "not that file", UserID: "U1",
	})

	path := respfile.Path(f.cfg.PermissionResponseDir(), hookSession, "R7")
	resp, err := respfile.TakePermission(path)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, respfile.DecisionDeny, resp.Decision)
	assert.Equal(t, "not that file", resp.Reason)
}

func TestThreadReplyAnswersOpenQuestion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fake.AddUser("U1", "alice")

	_, rootTS, err := f.fake.PostMessage(ctx, "C1", chat.PostRequest{Text: "session"})
	require.NoError(t, err)
	_, q0TS, err := f.fake.PostMessage(ctx, "C1", chat.PostRequest{
		ThreadTS: rootTS, Text: "Q0: pick one",
		Blocks: []chat.Block{{BlockID: "askuser_Q0_S_R", Text: "Q0"}},
	})
	require.NoError(t, err)
	_, _, err = f.fake.PostMessage(ctx, "C1", chat.PostRequest{
		ThreadTS: rootTS, Text: "Q1: pick one",
		Blocks: []chat.Block{{BlockID: "askuser_Q1_S_R", Text: "Q1"}},
	})
	require.NoError(t, err)

	// A free-text reply answers the first open question as "other".
	f.listener.HandleMessage(ctx, MessageEvent{
		Channel: "C1", ThreadTS: rootTS, TS: "1700.0080",
		Text: "use a feature flag instead", UserID: "U1",
	})

	path := respfile.Path(f.cfg.AskUserResponseDir(), "S", "R")
	data, err := respfile.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "other", data["question_0"])
	assert.Equal(t, "use a feature flag instead", data["question_0_text"])
	assert.Equal(t, "alice", data["user_name"])

	// The question message keeps its block id after the status update.
	msg, err := f.fake.GetMessage(ctx, "C1", q0TS)
	require.NoError(t, err)
	assert.Contains(t, msg.BlockIDs, "askuser_Q0_S_R")
	assert.Contains(t, f.fake.Reactions, "C1/1700.0080/white_check_mark")

	// The next reply answers the next open question, completing the prompt.
	f.listener.HandleMessage(ctx, MessageEvent{
		Channel: "C1", ThreadTS: rootTS, TS: "1700.0081",
		Text: "ship it", UserID: "U1",
	})
	merged, err := respfile.TakeComplete(path, 2)
	require.NoError(t, err)
	require.NotNil(t, merged)
	assert.Equal(t, "other", merged["question_1"])
	assert.Equal(t, "ship it", merged["question_1_text"])
}

func TestAskUserReactionAccumulates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fake.AddUser("U1", "alice")

	// One message per question, block ids carrying the routing metadata.
	_, q0TS, err := f.fake.PostMessage(ctx, "C1", chat.PostRequest{
		Text:   "Q0: pick one",
		Blocks: []chat.Block{{BlockID: "askuser_Q0_S_R", Text: "Q0"}},
	})
	require.NoError(t, err)
	_, q1TS, err := f.fake.PostMessage(ctx, "C1", chat.PostRequest{
		Text:   "Q1: pick any",
		Blocks: []chat.Block{{BlockID: "askuser_Q1_S_R", Text: "Q1"}},
	})
	require.NoError(t, err)

	f.listener.HandleReaction(ctx, ReactionEvent{
		Emoji: "one", Channel: "C1", ItemTS: q0TS, UserID: "U1",
	})

	path := respfile.Path(f.cfg.AskUserResponseDir(), "S", "R")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"question_0":"0"`)

	// The selection feedback rewrites the message; the question block id
	// must survive so further reactions still route here.
	msg, err := f.fake.GetMessage(ctx, "C1", q0TS)
	require.NoError(t, err)
	assert.Contains(t, msg.BlockIDs, "askuser_Q0_S_R")

	f.listener.HandleReaction(ctx, ReactionEvent{
		Emoji: "two", Channel: "C1", ItemTS: q1TS, UserID: "U1",
	})
	f.listener.HandleReaction(ctx, ReactionEvent{
		Emoji: "three", Channel: "C1", ItemTS: q1TS, UserID: "U1",
	})

	merged, err := respfile.TakeComplete(path, 2)
	require.NoError(t, err)
	require.NotNil(t, merged)
	assert.Equal(t, "0", merged["question_0"])
	assert.Equal(t, []any{"1", "2"}, merged["question_1"])
	assert.Equal(t, "U1", merged["user_id"])
	assert.Equal(t, "alice", merged["user_name"])

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestPermissionReactionForwards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	socketPath := f.registerSession(t, "abc12345", "T1", "C1", false)
	got := captureSocket(t, socketPath)

	// Reaction lands on a permission prompt in the thread; the parent
	// thread resolves the session.
	_, msgTS, err := f.fake.PostMessage(ctx, "C1", chat.PostRequest{
		ThreadTS: "T1", Text: "permission prompt",
		Blocks: []chat.Block{{BlockID: "permission_abc12345_R1", Text: "permission prompt"}},
	})
	require.NoError(t, err)

	f.listener.HandleReaction(ctx, ReactionEvent{
		Emoji: "thumbsup", Channel: "C1", ItemTS: msgTS, UserID: "U1",
	})

	assert.Equal(t, "1\n", recv(t, got))
}

func TestReactionOnPlainMessageIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	socketPath := f.registerSession(t, "abc12345", "T1", "C1", false)
	got := captureSocket(t, socketPath)

	// No permission block on the message, so even an approval emoji must
	// not reach the session.
	_, msgTS, err := f.fake.PostMessage(ctx, "C1", chat.PostRequest{
		ThreadTS: "T1", Text: "_Sent to Claude_",
	})
	require.NoError(t, err)

	f.listener.HandleReaction(ctx, ReactionEvent{
		Emoji: "white_check_mark", Channel: "C1", ItemTS: msgTS, UserID: "U1",
	})

	select {
	case p := <-got:
		t.Fatalf("reaction on plain message delivered %q", p)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestOwnReactionIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	socketPath := f.registerSession(t, "abc12345", "T1", "C1", false)
	got := captureSocket(t, socketPath)
	f.listener.SetBotUser("UBOT")

	_, msgTS, err := f.fake.PostMessage(ctx, "C1", chat.PostRequest{
		ThreadTS: "T1", Text: "permission prompt",
		Blocks: []chat.Block{{BlockID: "permission_abc12345_R1", Text: "permission prompt"}},
	})
	require.NoError(t, err)

	// The listener's own ack check mark maps to an approval; it must be
	// filtered before it round-trips into the session.
	f.listener.HandleReaction(ctx, ReactionEvent{
		Emoji: "white_check_mark", Channel: "C1", ItemTS: msgTS, UserID: "UBOT",
	})

	select {
	case p := <-got:
		t.Fatalf("own reaction delivered %q", p)
	case <-time.After(200 * time.Millisecond):
	}

	// A real user's reaction on the same message still goes through.
	f.listener.HandleReaction(ctx, ReactionEvent{
		Emoji: "white_check_mark", Channel: "C1", ItemTS: msgTS, UserID: "U1",
	})
	assert.Equal(t, "1\n", recv(t, got))
}

func TestStaleSocketSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// B registered first so a naive "first match" would pick it; its
	// socket file does not exist.
	f.registerSession(t, "bbbb2222", "", "C9", true)
	socketA := f.registerSession(t, "aaaa1111", "", "C9", true)
	got := captureSocket(t, socketA)

	f.listener.HandleMessage(ctx, MessageEvent{
		Channel: "C9", TS: "1700.0050", Text: "1", UserID: "U1",
	})

	assert.Equal(t, "1\n", recv(t, got))
}

func TestTopLevelChatterNotForwarded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	socketPath := f.registerSession(t, "aaaa1111", "", "C9", true)
	got := captureSocket(t, socketPath)

	f.listener.HandleMessage(ctx, MessageEvent{
		Channel: "C9", TS: "1700.0050", Text: "just chatting about lunch", UserID: "U1",
	})

	select {
	case p := <-got:
		t.Fatalf("chatter forwarded: %q", p)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestThreadMessageForwardedUnconditionally(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	socketPath := f.registerSession(t, "abc12345", "T1", "C1", false)
	got := captureSocket(t, socketPath)

	f.listener.HandleMessage(ctx, MessageEvent{
		Channel: "C1", ThreadTS: "T1", TS: "1700.0051",
		Text: "please add a test for the edge case", UserID: "U1",
	})

	assert.Equal(t, "please add a test for the edge case\n", recv(t, got))
}

func TestBotMessagesIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	socketPath := f.registerSession(t, "abc12345", "T1", "C1", false)
	got := captureSocket(t, socketPath)

	f.listener.HandleMessage(ctx, MessageEvent{
		Channel: "C1", ThreadTS: "T1", TS: "1700.0052",
		Text: "_Sent to Claude_", BotID: "B_FAKE",
	})

	select {
	case p := <-got:
		t.Fatalf("bot message forwarded: %q", p)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestUndeliverableDropsToFile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Thread resolves to a session whose socket has no listener.
	f.registerSession(t, "abc12345", "T1", "C1", false)

	f.listener.HandleMessage(ctx, MessageEvent{
		Channel: "C1", ThreadTS: "T1", TS: "1700.0053",
		Text: "hello", UserID: "U1",
	})

	data, err := os.ReadFile(filepath.Join(f.cfg.BaseDir, "slack_response.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
}

func TestMentionStripped(t *testing.T) {
	assert.Equal(t, "do the thing", stripMention("<@U12345> do the thing"))
	assert.Equal(t, "plain", stripMention("plain"))
	assert.Equal(t, "", stripMention("<@U12345>"))
}

func TestDMSessionsCommand(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.registerSession(t, "abc12345", "T1", "C1", false)

	f.listener.HandleMessage(ctx, MessageEvent{
		Channel: "D1", TS: "1700.0060", Text: "/sessions", UserID: "U1", IsDM: true,
	})

	// The reply is the only message in the DM channel.
	assert.Equal(t, 1, f.fake.MessageCount("D1"))
}

func TestDMAttachDetach(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.registerSession(t, "abc12345", "T1", "C1", false)

	f.listener.HandleMessage(ctx, MessageEvent{
		Channel: "D1", TS: "1700.0061", Text: "/attach abc12345", UserID: "U1", IsDM: true,
	})
	sub, err := f.reg.GetSubscription("U1")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, "abc12345", sub.SessionID)

	f.listener.HandleMessage(ctx, MessageEvent{
		Channel: "D1", TS: "1700.0062", Text: "/detach", UserID: "U1", IsDM: true,
	})
	sub, err = f.reg.GetSubscription("U1")
	require.NoError(t, err)
	assert.Nil(t, sub)
}

func TestDMAttachRejectsEndedSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.registerSession(t, "abc12345", "T1", "C1", false)
	_, err := f.reg.Update("abc12345", map[string]any{"status": registry.StatusEnded})
	require.NoError(t, err)

	f.listener.HandleMessage(ctx, MessageEvent{
		Channel: "D1", TS: "1700.0063", Text: "/attach abc12345", UserID: "U1", IsDM: true,
	})

	sub, err := f.reg.GetSubscription("U1")
	require.NoError(t, err)
	assert.Nil(t, sub)
}

func TestDMModeCommand(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.listener.HandleMessage(ctx, MessageEvent{
		Channel: "D1", TS: "1700.0064", Text: "/mode plan", UserID: "U1", IsDM: true,
	})

	mode, err := f.reg.GetMode("U1")
	require.NoError(t, err)
	assert.Equal(t, registry.ModePlan, mode)
}

func TestSendToSocketRetries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "late.sock")

	// The socket appears only after the first attempt fails.
	go func() {
		time.Sleep(150 * time.Millisecond)
		ln, err := net.Listen("unix", path)
		if err != nil {
			return
		}
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		io.ReadAll(conn)
		conn.Close()
		ln.Close()
	}()

	err := sendToSocket(path, "1")
	assert.NoError(t, err)
}

func TestPermissionLabelsCoverCanonicalValues(t *testing.T) {
	for _, v := range []string{"1", "2", "3"} {
		assert.True(t, strings.HasPrefix(permissionLabels[v], "Yes") ||
			strings.HasPrefix(permissionLabels[v], "No"))
	}
}

package hooks

import (
	"bytes"
	"context"
	"encoding/json"
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
	"github.com/slackwire/slackwire/internal/termparse"
)

type fixture struct {
	cfg  *config.Config
	reg  *registry.Client
	fake *chat.Fake
	env  *Env
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	base := t.TempDir()
	cfg := &config.Config{
		BaseDir:               base,
		DBPath:                filepath.Join(base, "registry.db"),
		SocketDir:             filepath.Join(base, "sockets"),
		LogDir:                filepath.Join(base, "logs"),
		PermissionTimeoutSecs: 5,
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
		cfg:  cfg,
		reg:  reg,
		fake: fake,
		env:  &Env{Cfg: cfg, Reg: reg, Chat: fake},
	}
}

func (f *fixture) registerSession(t *testing.T, id, threadTS, channel string) {
	t.Helper()
	_, err := f.reg.RegisterSimple(&registry.RegisterRequest{
		SessionID: id, Project: "p", ProjectDir: "/home/user/p",
		Terminal: "t", SocketPath: f.cfg.SessionSocketPath(id),
	})
	require.NoError(t, err)
	_, err = f.reg.Update(id, map[string]any{"channel": channel, "thread_ts": threadTS})
	require.NoError(t, err)
}

func TestReadInput(t *testing.T) {
	in, err := ReadInput(strings.NewReader(
		`{"session_id":"abc12345","hook_event_name":"PreToolUse","tool_name":"Bash"}`))
	require.NoError(t, err)
	assert.Equal(t, "abc12345", in.SessionID)
	assert.Equal(t, "Bash", in.ToolName)

	_, err = ReadInput(strings.NewReader(`{"tool_name":"Bash"}`))
	assert.Error(t, err)
	_, err = ReadInput(strings.NewReader(`not json`))
	assert.Error(t, err)
}

func TestSelfHealingFromWrapperPrefix(t *testing.T) {
	f := newFixture(t)

	// Wrapper row with chat metadata; the agent-uuid row does not exist.
	f.registerSession(t, "abc12345", "T1", "C1")

	uuid := "abc12345-e29b-41d4-a716-446655440000"
	sess := f.env.ResolveSession(uuid, "/home/user/p")
	require.NotNil(t, sess)
	assert.Equal(t, "T1", sess.ThreadTS)
	assert.Equal(t, "C1", sess.Channel)

	// The healed row is persisted.
	got, err := f.reg.Get(uuid)
	require.NoError(t, err)
	assert.Equal(t, "T1", got.ThreadTS)
}

func TestSelfHealingByProjectDir(t *testing.T) {
	f := newFixture(t)

	f.registerSession(t, "abc12345", "T1", "C1")

	// Session id shares no prefix with the wrapper; the project directory
	// is the fallback donor.
	sess := f.env.ResolveSession("zzzz9999-0000-1111-2222-333344445555", "/home/user/p")
	require.NotNil(t, sess)
	assert.Equal(t, "T1", sess.ThreadTS)
}

func TestSelfHealingUpdatesExistingBareRow(t *testing.T) {
	f := newFixture(t)

	f.registerSession(t, "abc12345", "T1", "C1")
	uuid := "abc12345-e29b-41d4-a716-446655440000"
	_, err := f.reg.RegisterSimple(&registry.RegisterRequest{
		SessionID: uuid, Project: "p", ProjectDir: "/home/user/p",
		Terminal: "t", SocketPath: f.cfg.SessionSocketPath("abc12345"),
	})
	require.NoError(t, err)

	sess := f.env.ResolveSession(uuid, "/home/user/p")
	require.NotNil(t, sess)
	assert.Equal(t, "T1", sess.ThreadTS)
	assert.Equal(t, "C1", sess.Channel)
}

func TestResolveSessionNothingToFind(t *testing.T) {
	f := newFixture(t)
	assert.Nil(t, f.env.ResolveSession("missing0-0000-1111-2222-333344445555", "/nowhere"))
}

func TestPermissionPromptFromBufferParse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerSession(t, "abc12345", "T1", "C1")

	buffer := "Claude wants to edit main.go\n" +
		"1. Yes\n" +
		"2. Yes, allow all edits\n" +
		"3. No, and tell Claude what to do differently\n"
	require.NoError(t, os.WriteFile(f.cfg.BufferFilePath("abc12345"), []byte(buffer), 0o600))

	var stdout bytes.Buffer
	done := make(chan error, 1)
	go func() {
		done <- RunPermission(ctx, f.env, &Input{
			SessionID: "abc12345",
			ToolName:  "Edit",
			ToolInput: json.RawMessage(`{"file_path":"main.go"}`),
		}, &stdout)
	}()

	// Wait for the prompt message, then answer via the response file the
	// way the listener would.
	var requestID string
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && requestID == "" {
		for _, msg := range f.fake.Messages("C1") {
			for _, id := range msg.BlockIDs {
				if strings.HasSuffix(id, "_text") {
					continue
				}
				if sid, rid, ok := chat.ParsePermissionBlockID(id); ok {
					assert.Equal(t, "abc12345", sid)
					requestID = rid
				}
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NotEmpty(t, requestID, "prompt message not posted")

	// Three canonical options render as buttons 1..3.
	msgs := f.fake.Messages("C1")
	require.Len(t, msgs, 1)
	req, ok := f.fake.LastRequest("C1", msgs[0].Timestamp)
	require.True(t, ok)
	var buttons []chat.Button
	for _, b := range req.Blocks {
		if len(b.Buttons) > 0 {
			buttons = b.Buttons
		}
	}
	require.Len(t, buttons, 3)
	assert.True(t, strings.HasPrefix(buttons[0].Text, "1."))
	assert.True(t, strings.HasPrefix(buttons[1].Text, "2."))
	assert.True(t, strings.HasPrefix(buttons[2].Text, "3."))

	// permission_message_ts recorded on the row.
	sess, err := f.reg.Get("abc12345")
	require.NoError(t, err)
	assert.Equal(t, msgs[0].Timestamp, sess.PermissionMessageTS)

	path := respfile.Path(f.cfg.PermissionResponseDir(), "abc12345", requestID)
	require.NoError(t, respfile.WritePermission(path, &respfile.Permission{
		Decision: respfile.DecisionAllow,
	}))

	require.NoError(t, <-done)
	assert.Contains(t, stdout.String(), `"behavior":"allow"`)
}

func TestPermissionDenyCarriesReason(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerSession(t, "abc12345", "T1", "C1")

	var stdout bytes.Buffer
	done := make(chan error, 1)
	go func() {
		done <- RunPermission(ctx, f.env, &Input{
			SessionID: "abc12345", ToolName: "Bash",
		}, &stdout)
	}()

	var requestID string
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && requestID == "" {
		for _, msg := range f.fake.Messages("C1") {
			for _, id := range msg.BlockIDs {
				if strings.HasSuffix(id, "_text") {
					continue
				}
				if sid, rid, ok := chat.ParsePermissionBlockID(id); ok {
					assert.Equal(t, "abc12345", sid)
					requestID = rid
				}
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NotEmpty(t, requestID)

	path := respfile.Path(f.cfg.PermissionResponseDir(), "abc12345", requestID)
	require.NoError(t, respfile.WritePermission(path, &respfile.Permission{
		Decision: respfile.DecisionDeny, Reason: "wrong branch",
	}))

	require.NoError(t, <-done)
	assert.Contains(t, stdout.String(), `"behavior":"deny"`)
	assert.Contains(t, stdout.String(), "wrong branch")
}

func TestPermissionTimeoutEmitsNothing(t *testing.T) {
	f := newFixture(t)
	f.cfg.PermissionTimeoutSecs = 1
	f.registerSession(t, "abc12345", "T1", "C1")

	var stdout bytes.Buffer
	err := RunPermission(context.Background(), f.env, &Input{
		SessionID: "abc12345", ToolName: "Bash",
	}, &stdout)
	require.NoError(t, err)
	assert.Empty(t, stdout.String())
}

func TestCanonicalOptions(t *testing.T) {
	yes2 := &termparse.Prompt{Options: []string{"Yes", "No, cancel"}}
	assert.True(t, canonicalOptions(yes2))

	yes3 := &termparse.Prompt{Options: []string{"Yes", "Yes, allow all edits", "No, and tell Claude what to do differently"}}
	assert.True(t, canonicalOptions(yes3))

	custom := &termparse.Prompt{Options: []string{"Continue", "Abort"}}
	assert.False(t, canonicalOptions(custom))

	scrolled := &termparse.Prompt{
		Options:       []string{"Option 1 " + termparse.PlaceholderMarker, "Yes", "No"},
		Reconstructed: true,
	}
	assert.False(t, canonicalOptions(scrolled))
}

func TestAskUserValidation(t *testing.T) {
	assert.Error(t, validateQuestions(nil))

	five := make([]askUserQuestion, 5)
	for i := range five {
		five[i] = askUserQuestion{Question: "q"}
	}
	assert.Error(t, validateQuestions(five))

	tooMany := []askUserQuestion{{
		Question: "q",
		Options:  make([]askUserOption, 5),
	}}
	for i := range tooMany[0].Options {
		tooMany[0].Options[i] = askUserOption{Label: "l"}
	}
	assert.Error(t, validateQuestions(tooMany))

	ok := []askUserQuestion{{Question: "q", Options: []askUserOption{{Label: "a"}, {Label: "b"}}}}
	assert.NoError(t, validateQuestions(ok))
}

func TestAskUserAnswersAccumulated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerSession(t, "abc12345", "T1", "C1")

	toolInput := `{"questions":[
		{"question":"Which DB?","options":[{"label":"Postgres"},{"label":"SQLite"}]},
		{"question":"Which features?","multiSelect":true,
		 "options":[{"label":"Auth"},{"label":"Search"},{"label":"Export"}]}
	]}`

	var stdout bytes.Buffer
	done := make(chan error, 1)
	go func() {
		done <- RunAskUser(ctx, f.env, &Input{
			SessionID: "abc12345",
			ToolName:  "AskUserQuestion",
			ToolInput: json.RawMessage(toolInput),
		}, &stdout)
	}()

	// Wait for both question messages, then answer like the listener.
	var ref *chat.AskUserRef
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && ref == nil {
		msgs := f.fake.Messages("C1")
		if len(msgs) == 2 {
			ref, _, _ = chat.FindAskUserBlock(msgs[0].BlockIDs)
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NotNil(t, ref, "question messages not posted")

	// Answer the multi-select question first: the file counts as complete
	// once every question has at least one answer.
	path := respfile.Path(f.cfg.AskUserResponseDir(), "abc12345", ref.RequestID)
	require.NoError(t, respfile.MergeOption(path, 1, "0", nil))
	require.NoError(t, respfile.MergeOption(path, 1, "2", nil))
	require.NoError(t, respfile.MergeOption(path, 0, "1", map[string]any{"user_id": "U1"}))

	require.NoError(t, <-done)

	var out answersOutput
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &out))
	assert.Equal(t, "answered", out.Decision)
	assert.Equal(t, "SQLite", out.Answers["question_0"])
	assert.Equal(t, []any{"Auth", "Export"}, out.Answers["question_1"])

	// The response file is gone after the hook reads it.
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestAskUserOtherAnswer(t *testing.T) {
	q := []askUserQuestion{{Question: "q", Options: []askUserOption{{Label: "a"}}}}
	answers := translateAnswers(q, map[string]any{
		"question_0":      "other",
		"question_0_text": "something else entirely",
	})
	assert.Equal(t, "something else entirely", answers["question_0"])
}

func TestTaskListPostsAndUpdates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerSession(t, "abc12345", "T1", "C1")

	input := func(status string) *Input {
		return &Input{
			SessionID: "abc12345",
			ToolName:  taskListTool,
			ToolInput: json.RawMessage(`{"todos":[
				{"content":"write tests","status":"` + status + `"},
				{"content":"update docs","status":"pending"}
			]}`),
		}
	}

	require.NoError(t, RunTaskList(ctx, f.env, input("in_progress")))
	msgs := f.fake.Messages("C1")
	require.Len(t, msgs, 1)
	firstTS := msgs[0].Timestamp

	sess, err := f.reg.Get("abc12345")
	require.NoError(t, err)
	assert.Equal(t, firstTS, sess.TodoMessageTS)

	// Second write updates the same message in place.
	require.NoError(t, RunTaskList(ctx, f.env, input("completed")))
	msgs = f.fake.Messages("C1")
	require.Len(t, msgs, 1)
	msg, err := f.fake.GetMessage(ctx, "C1", firstTS)
	require.NoError(t, err)
	assert.Contains(t, msg.Text, "1/2")
}

func TestTaskListFallsBackWhenMessageDeleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerSession(t, "abc12345", "T1", "C1")
	_, err := f.reg.Update("abc12345", map[string]any{"todo_message_ts": "1700.0404"})
	require.NoError(t, err)

	require.NoError(t, RunTaskList(ctx, f.env, &Input{
		SessionID: "abc12345",
		ToolName:  taskListTool,
		ToolInput: json.RawMessage(`{"todos":[{"content":"a","status":"pending"}]}`),
	}))

	msgs := f.fake.Messages("C1")
	require.Len(t, msgs, 1)
	sess, err := f.reg.Get("abc12345")
	require.NoError(t, err)
	assert.Equal(t, msgs[0].Timestamp, sess.TodoMessageTS)
}

func TestTaskListIgnoresOtherTools(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, RunTaskList(context.Background(), f.env, &Input{
		SessionID: "abc12345", ToolName: "Bash",
	}))
	assert.Empty(t, f.fake.Messages("C1"))
}

func TestRenderTaskList(t *testing.T) {
	text := renderTaskList([]taskItem{
		{Content: "one", Status: "completed"},
		{Content: "two", Status: "completed"},
		{Content: "three", Status: "completed"},
		{Content: "four", Status: "in_progress", ActiveForm: "Working on four"},
		{Content: "five", Status: "pending"},
	})
	assert.Contains(t, text, "3/5")
	assert.Contains(t, text, "Working on four")
	assert.Contains(t, text, "five")
	// Only the last two completed are listed.
	assert.NotContains(t, text, ":white_check_mark: one")
	assert.Contains(t, text, "…and 1 more completed")
}

func TestNotifyPostsToThread(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerSession(t, "abc12345", "T1", "C1")

	require.NoError(t, RunNotify(ctx, f.env, &Input{
		SessionID: "abc12345", Message: "Claude is waiting for your input",
	}))

	msgs := f.fake.Messages("C1")
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Text, "waiting for your input")
	assert.Equal(t, "T1", msgs[0].ThreadTS)
}

func TestStopPostsFinalResponse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerSession(t, "abc12345", "T1", "C1")

	transcriptFile := filepath.Join(t.TempDir(), "t.jsonl")
	require.NoError(t, os.WriteFile(transcriptFile, []byte(
		`{"type":"user","message":{"role":"user","content":"hi"}}`+"\n"+
			`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"all done"}]}}`+"\n"),
		0o600))

	require.NoError(t, RunStop(ctx, f.env, &Input{
		SessionID: "abc12345", TranscriptPath: transcriptFile,
	}))

	msgs := f.fake.Messages("C1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "all done", msgs[0].Text)

	sess, err := f.reg.Get("abc12345")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusIdle, sess.Status)
}

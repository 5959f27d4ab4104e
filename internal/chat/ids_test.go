package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPermissionBlockID(t *testing.T) {
	id := PermissionBlockID("abc12345", "req123")
	assert.Equal(t, "permission_abc12345_req123", id)
	assert.True(t, IsPermissionBlockID(id))

	// Action ids share the prefix but are not prompt blocks.
	assert.False(t, IsPermissionBlockID("permission_response_1"))
	assert.False(t, IsPermissionBlockID("askuser_Q0_abc_def"))
}

func TestParsePermissionBlockID(t *testing.T) {
	sid, rid, ok := ParsePermissionBlockID(PermissionBlockID("abc12345", "req123"))
	require.True(t, ok)
	assert.Equal(t, "abc12345", sid)
	assert.Equal(t, "req123", rid)

	// Session ids may contain underscores; request ids never do.
	sid, rid, ok = ParsePermissionBlockID("permission_my_session_req1")
	require.True(t, ok)
	assert.Equal(t, "my_session", sid)
	assert.Equal(t, "req1", rid)

	for _, id := range []string{
		"",
		"permission_nosep",
		"permission_trailing_",
		"permission_response_1",
		"askuser_Q0_abc_def",
	} {
		_, _, ok := ParsePermissionBlockID(id)
		assert.False(t, ok, "id %q", id)
	}
}

func TestParseAskUserBlockID(t *testing.T) {
	id := AskUserBlockID(2, "abc12345", "req9")
	assert.Equal(t, "askuser_Q2_abc12345_req9", id)

	ref, ok := ParseAskUserBlockID(id)
	require.True(t, ok)
	assert.Equal(t, 2, ref.QuestionIndex)
	assert.Equal(t, "abc12345", ref.SessionID)
	assert.Equal(t, "req9", ref.RequestID)
}

func TestParseAskUserBlockIDSessionWithUnderscore(t *testing.T) {
	// Session ids may contain underscores; request ids never do, so the
	// last underscore is the split point.
	ref, ok := ParseAskUserBlockID("askuser_Q0_my_session_req1")
	require.True(t, ok)
	assert.Equal(t, "my_session", ref.SessionID)
	assert.Equal(t, "req1", ref.RequestID)
}

func TestParseAskUserBlockIDRejects(t *testing.T) {
	for _, id := range []string{
		"",
		"permission_req1",
		"askuser_Qx_abc_def",
		"askuser_Q1_noseparator",
		"askuser_Q1_trailing_",
	} {
		_, ok := ParseAskUserBlockID(id)
		assert.False(t, ok, "id %q", id)
	}
}

func TestFindAskUserBlock(t *testing.T) {
	ref, id, ok := FindAskUserBlock([]string{"other", "askuser_Q1_abc_r1"})
	require.True(t, ok)
	assert.Equal(t, "askuser_Q1_abc_r1", id)
	assert.Equal(t, 1, ref.QuestionIndex)

	_, _, ok = FindAskUserBlock([]string{"other"})
	assert.False(t, ok)
}

func TestEmojiMaps(t *testing.T) {
	assert.Equal(t, "1", PermissionEmojiValue["thumbsup"])
	assert.Equal(t, "3", PermissionEmojiValue["x"])
	assert.Equal(t, 0, OptionEmojiIndex["one"])
	assert.Equal(t, 3, OptionEmojiIndex["four"])
}

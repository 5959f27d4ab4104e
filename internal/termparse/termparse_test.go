package termparse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseThreeOptionPrompt(t *testing.T) {
	lines := []string{
		"Claude wants to edit main.go",
		"Do you want to allow this edit?",
		"1. Yes",
		"2. Yes, allow all edits",
		"3. No, and tell Claude what to do differently",
	}

	prompt := Parse(lines)
	require.NotNil(t, prompt)
	assert.Equal(t, "Do you want to allow this edit?", prompt.Question)
	assert.Equal(t, []string{
		"Yes",
		"Yes, allow all edits",
		"No, and tell Claude what to do differently",
	}, prompt.Options)
	assert.False(t, prompt.Reconstructed)
}

func TestParseTwoOptionPrompt(t *testing.T) {
	lines := []string{
		"Bash command: rm -rf build",
		"1. Yes",
		"2. No, and tell Claude what to do differently",
	}

	prompt := Parse(lines)
	require.NotNil(t, prompt)
	assert.Len(t, prompt.Options, 2)
}

func TestParseParenNumbering(t *testing.T) {
	lines := []string{
		"Allow this?",
		"1) Yes",
		"2) No",
	}

	prompt := Parse(lines)
	require.NotNil(t, prompt)
	assert.Equal(t, []string{"Yes", "No"}, prompt.Options)
}

func TestParseNoOptions(t *testing.T) {
	assert.Nil(t, Parse([]string{"just output", "more output"}))
	assert.Nil(t, Parse(nil))
}

func TestParseSingleOptionRejected(t *testing.T) {
	assert.Nil(t, Parse([]string{"something?", "1. Yes"}))
}

func TestParseFourOptionsRejected(t *testing.T) {
	lines := []string{
		"Pick one?",
		"1. Yes",
		"2. Yes, always",
		"3. No",
		"4. Cancel",
	}
	assert.Nil(t, Parse(lines))
}

func TestParseRejectsProgressOutput(t *testing.T) {
	lines := []string{
		"1. 500 tokens",
		"2. thinking running",
	}
	assert.Nil(t, Parse(lines))
}

func TestParseDuplicateNumbersCollapsed(t *testing.T) {
	// TUI repaints can leave the same option line twice in the buffer.
	lines := []string{
		"Allow this edit?",
		"1. Yes",
		"2. No",
		"2. No",
	}

	prompt := Parse(lines)
	require.NotNil(t, prompt)
	assert.Equal(t, []string{"Yes", "No"}, prompt.Options)
}

func TestParseNonSequentialTerminatesRun(t *testing.T) {
	lines := []string{
		"Step 5. finished compile",
		"Allow the command?",
		"1. Yes",
		"2. No",
	}

	prompt := Parse(lines)
	require.NotNil(t, prompt)
	assert.Equal(t, []string{"Yes", "No"}, prompt.Options)
	assert.Equal(t, "Allow the command?", prompt.Question)
}

func TestParseReconstructsScrolledOption(t *testing.T) {
	// Option 1 scrolled out of the buffer; only 2 and 3 are visible.
	lines := []string{
		"2. Yes, allow all edits",
		"3. No, deny",
	}

	prompt := Parse(lines)
	require.NotNil(t, prompt)
	require.Len(t, prompt.Options, 3)
	assert.Contains(t, prompt.Options[0], PlaceholderMarker)
	assert.Equal(t, "Yes, allow all edits", prompt.Options[1])
	assert.True(t, prompt.Reconstructed)
}

func TestParseQuestionFallsBackToKeywordLine(t *testing.T) {
	lines := []string{
		"Claude wants to run a command",
		"",
		"1. Yes",
		"2. No",
	}

	prompt := Parse(lines)
	require.NotNil(t, prompt)
	assert.Equal(t, "Claude wants to run a command", prompt.Question)
}

func TestParseQuestionSearchWindowBounded(t *testing.T) {
	lines := make([]string, 0, 30)
	lines = append(lines, "should this be allowed?")
	for i := 0; i < 25; i++ {
		lines = append(lines, "filler")
	}
	lines = append(lines, "1. Yes", "2. No")

	prompt := Parse(lines)
	require.NotNil(t, prompt)
	assert.Equal(t, "", prompt.Question)
}

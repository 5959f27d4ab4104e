package linelog

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddDataSplitsLines(t *testing.T) {
	log := New(0)
	log.AddData([]byte("A\r\nB\r\n"))

	assert.Equal(t, []string{"A", "B"}, log.Lines())
}

func TestAddDataPartialLineBuffered(t *testing.T) {
	log := New(0)
	log.AddData([]byte("A\r\nB"))

	// "B" has no terminator yet; it must not be emitted.
	assert.Equal(t, []string{"A"}, log.Lines())

	log.AddData([]byte("\r\n"))
	assert.Equal(t, []string{"A", "B"}, log.Lines())
}

func TestAddDataSplitVsWholeEquivalent(t *testing.T) {
	whole := New(0)
	whole.AddData([]byte("A\r\nB\r\n"))

	split := New(0)
	split.AddData([]byte("A\r\nB"))
	split.AddData([]byte("\r\n"))

	assert.Equal(t, whole.Lines(), split.Lines())
}

func TestAddDataStripsANSI(t *testing.T) {
	log := New(0)
	log.AddData([]byte("\x1b[1;32mhello\x1b[0m world\n"))

	assert.Equal(t, []string{"hello world"}, log.Lines())
}

func TestAddDataFiltersNoise(t *testing.T) {
	log := New(0)
	log.AddData([]byte("⠋⠙⠹\n"))
	log.AddData([]byte("Thinking…\n"))
	log.AddData([]byte("↓ 1.2k tokens\n"))
	log.AddData([]byte("────────────\n"))
	log.AddData([]byte("real output\n"))

	assert.Equal(t, []string{"real output"}, log.Lines())
}

func TestAddDataStripsCursorPrefix(t *testing.T) {
	log := New(0)
	log.AddData([]byte("❯ /help\n"))
	log.AddData([]byte("> typed text\n"))

	assert.Equal(t, []string{"/help", "typed text"}, log.Lines())
}

func TestFIFOCap(t *testing.T) {
	log := New(3)
	for i := 0; i < 5; i++ {
		log.AddData([]byte(fmt.Sprintf("line %d\n", i)))
	}

	assert.Equal(t, []string{"line 2", "line 3", "line 4"}, log.Lines())
	assert.Equal(t, 3, log.Len())
}

func TestGetLastN(t *testing.T) {
	log := New(0)
	log.AddData([]byte("a\nb\nc\n"))

	assert.Empty(t, log.GetLastN(0))
	assert.Equal(t, []string{"c"}, log.GetLastN(1))
	assert.Equal(t, []string{"a", "b", "c"}, log.GetLastN(10))
}

func TestSessionChangeDetection(t *testing.T) {
	log := New(0)
	log.AddData([]byte("/compact\n"))

	require.True(t, log.SessionChangePending())
	assert.True(t, log.AcknowledgeSessionChange())
	assert.False(t, log.AcknowledgeSessionChange())
}

func TestSessionChangeResumeCaseInsensitive(t *testing.T) {
	log := New(0)
	log.AddData([]byte("/RESUME abc\n"))

	assert.True(t, log.SessionChangePending())
}

func TestSessionChangeNotMidSentence(t *testing.T) {
	log := New(0)
	log.AddData([]byte("you could run /compact to shrink context\n"))

	assert.False(t, log.SessionChangePending())
}

func TestSessionChangeStickyAcrossAppends(t *testing.T) {
	log := New(2)
	log.AddData([]byte("/compact\n"))
	log.AddData([]byte("x\ny\nz\n"))

	// The triggering line may have scrolled out; the flag stays set.
	assert.True(t, log.SessionChangePending())
}

func TestStripANSIIdempotent(t *testing.T) {
	in := "\x1b]0;title\x07\x1b[31mred\x1b[0m plain"
	once := StripANSI(in)
	assert.Equal(t, once, StripANSI(once))
	assert.Equal(t, "red plain", once)
}

func TestCleanLines(t *testing.T) {
	raw := []byte("\x1b[2J1. Yes\r\n2. No\r\n⠙\r\n")
	assert.Equal(t, []string{"1. Yes", "2. No"}, CleanLines(raw))
}

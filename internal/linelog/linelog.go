// Package linelog maintains a bounded log of cleaned terminal output lines.
//
// The wrapper feeds every PTY read into a Log. Raw bytes are decoded,
// reassembled into lines across read boundaries, stripped of ANSI escapes and
// TUI noise, and appended to a fixed-size FIFO. Appending a line that starts
// with a session-changing slash command (/compact, /resume) sets a sticky
// flag the wrapper consumes to trigger session rediscovery.
package linelog

import (
	"strings"
	"sync"
)

// DefaultMaxLines is the FIFO capacity when none is specified.
const DefaultMaxLines = 500

// Log is a bounded FIFO of cleaned terminal lines.
//
// All methods are safe for concurrent use. Readers receive snapshots; the
// single writer is the wrapper's PTY reader goroutine.
type Log struct {
	mu sync.Mutex

	lines    []string
	maxLines int

	// residue is a partial line carried over from the previous read.
	residue string

	// sessionChangePending is sticky until acknowledged.
	sessionChangePending bool
}

// New creates a Log. maxLines <= 0 selects DefaultMaxLines.
func New(maxLines int) *Log {
	if maxLines <= 0 {
		maxLines = DefaultMaxLines
	}
	return &Log{
		lines:    make([]string, 0, maxLines),
		maxLines: maxLines,
	}
}

// AddData ingests one PTY read. Invalid UTF-8 bytes are replaced rather than
// dropped so a read boundary inside a multi-byte rune cannot lose output.
func (l *Log) AddData(data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()

	text := l.residue + string(data)
	l.residue = ""

	// If the chunk did not end on a newline, the tail is an incomplete line
	// that the next read will finish.
	complete := text
	if !strings.HasSuffix(text, "\n") && !strings.HasSuffix(text, "\r") {
		if idx := strings.LastIndexAny(text, "\r\n"); idx >= 0 {
			complete, l.residue = text[:idx+1], text[idx+1:]
		} else {
			l.residue = text
			complete = ""
		}
	}

	for _, part := range splitLines(complete) {
		line := CleanLine(part)
		if line == "" || IsNoise(line) {
			continue
		}
		if IsSessionChangeCommand(line) {
			l.sessionChangePending = true
		}
		l.append(line)
	}
}

// append adds a line, dropping the oldest on overflow. Caller holds mu.
func (l *Log) append(line string) {
	if len(l.lines) >= l.maxLines {
		copy(l.lines, l.lines[1:])
		l.lines = l.lines[:len(l.lines)-1]
	}
	l.lines = append(l.lines, line)
}

// Lines returns a snapshot of all logged lines, oldest first.
func (l *Log) Lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.lines))
	copy(out, l.lines)
	return out
}

// GetLastN returns a snapshot of the newest n lines (all lines when n exceeds
// the log length, nothing when n <= 0).
func (l *Log) GetLastN(n int) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 {
		return nil
	}
	if n > len(l.lines) {
		n = len(l.lines)
	}
	out := make([]string, n)
	copy(out, l.lines[len(l.lines)-n:])
	return out
}

// Len returns the number of logged lines.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lines)
}

// SessionChangePending reports the sticky flag without consuming it.
func (l *Log) SessionChangePending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sessionChangePending
}

// AcknowledgeSessionChange atomically tests and clears the flag. Returns true
// exactly once per detected session change.
func (l *Log) AcknowledgeSessionChange() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	pending := l.sessionChangePending
	l.sessionChangePending = false
	return pending
}

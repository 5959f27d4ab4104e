// Package transcript extracts recent conversation turns from the agent's
// JSONL transcript file, used to replay history into a DM on /attach.
package transcript

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// maxTranscriptBytes bounds how much of the tail is scanned. Transcripts
// grow without bound; only the recent turns matter for replay.
const maxTranscriptBytes = 4 << 20

// Entry is one user or assistant turn.
type Entry struct {
	Role string
	Text string
}

// line mirrors the subset of a transcript record we consume. Content is
// either a plain string or a list of typed parts.
type line struct {
	Type    string `json:"type"`
	Message struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Tail returns the last n user/assistant turns from the transcript, oldest
// first. Lines that are not conversation turns (tool results, metadata) are
// skipped. Malformed lines are skipped, not fatal.
func Tail(path string, n int) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}
	data, err := readTail(path, maxTranscriptBytes)
	if err != nil {
		return nil, err
	}

	lines := bytes.Split(data, []byte("\n"))
	out := make([]Entry, 0, n)
	for i := len(lines) - 1; i >= 0 && len(out) < n; i-- {
		raw := bytes.TrimSpace(lines[i])
		if len(raw) == 0 {
			continue
		}
		var rec line
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		if rec.Type != "user" && rec.Type != "assistant" {
			continue
		}
		text := extractText(rec.Message.Content)
		if text == "" {
			continue
		}
		out = append(out, Entry{Role: rec.Type, Text: text})
	}

	// Collected newest-first; replay wants oldest-first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// readTail reads at most max bytes from the end of the file, aligned to the
// first complete line.
func readTail(path string, max int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat transcript: %w", err)
	}
	size := info.Size()
	offset := int64(0)
	if size > max {
		offset = size - max
	}
	buf := make([]byte, size-offset)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	if offset > 0 {
		// Drop the partial first line.
		if i := bytes.IndexByte(buf, '\n'); i >= 0 {
			buf = buf[i+1:]
		}
	}
	return buf, nil
}

// extractText flattens a content field to displayable text. String content
// passes through; part lists keep only text parts.
func extractText(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var parts []contentPart
	if err := json.Unmarshal(content, &parts); err != nil {
		return ""
	}
	var b strings.Builder
	for _, p := range parts {
		if p.Type != "text" || p.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(p.Text)
	}
	return strings.TrimSpace(b.String())
}

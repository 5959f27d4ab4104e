package linelog

import (
	"regexp"
	"strings"
)

// Noise filters. The agent's TUI constantly repaints spinners, status words
// and token counters; none of those belong in the line log.
var (
	// spinnerPattern matches lines that are only braille spinner frames.
	spinnerPattern = regexp.MustCompile(`^[\x{2800}-\x{28FF}\s]+$`)

	// statusWordPattern matches transient status lines ("Thinking…", "✻ Running…").
	statusWordPattern = regexp.MustCompile(`(?i)^[✻✽✶✳·∗*]?\s*(thinking|pondering|deliberating|brewing|running|working|loading)[.…‥\s]*$`)

	// tokenCountPattern matches short token counter lines ("↓ 1.2k tokens").
	tokenCountPattern = regexp.MustCompile(`(?i)^[↓↑⚒]?\s*[\d.,]+k?\s*tokens?\b`)

	// statusPrefixPattern matches decorated status glyph prefixes with
	// ephemeral content (interrupt hints, esc-to-cancel notes).
	statusPrefixPattern = regexp.MustCompile(`(?i)^\(?(esc to interrupt|ctrl\+[a-z] to)`)

	// titleBarPattern matches OSC title remnants that survive a torn escape.
	titleBarPattern = regexp.MustCompile(`^\]\d+;`)
)

// IsNoise reports whether a cleaned line is transient TUI noise.
func IsNoise(line string) bool {
	if line == "" {
		return true
	}
	switch {
	case spinnerPattern.MatchString(line),
		statusWordPattern.MatchString(line),
		tokenCountPattern.MatchString(line),
		statusPrefixPattern.MatchString(line),
		titleBarPattern.MatchString(line),
		isBoxDrawingOnly(line):
		return true
	}
	return false
}

// sessionChangePattern matches slash commands that replace the agent's
// session identity. The command must start the line; the same text appearing
// mid-sentence is discussion, not a command.
var sessionChangePattern = regexp.MustCompile(`(?i)^/(compact|resume)\b`)

// IsSessionChangeCommand reports whether a cleaned line begins with a
// session-changing slash command.
func IsSessionChangeCommand(line string) bool {
	return sessionChangePattern.MatchString(line)
}

// CleanLines splits raw terminal bytes into cleaned, noise-filtered lines.
// Used by hooks that re-read a session's raw output buffer from disk.
func CleanLines(raw []byte) []string {
	var out []string
	for _, part := range splitLines(string(raw)) {
		line := CleanLine(part)
		if line == "" || IsNoise(line) {
			continue
		}
		out = append(out, line)
	}
	return out
}

// splitLines splits on any combination of CR and LF.
func splitLines(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == '\n' || r == '\r'
	})
}

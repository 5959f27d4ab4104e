package linelog

import (
	"regexp"
	"strings"
)

// Terminal escape sequences stripped before any pattern matching. CSI covers
// cursor movement and color, OSC covers title-bar writes (terminated by BEL
// or ST), and the charset/keypad escapes cover the rest of what the agent's
// TUI emits.
var (
	csiPattern    = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	oscPattern    = regexp.MustCompile(`\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)?`)
	escapePattern = regexp.MustCompile(`\x1b[@-_]|\x1b[()][A-Za-z0-9]`)
)

// StripANSI removes ANSI escape sequences from a line. Applying it twice is
// the same as applying it once.
func StripANSI(s string) string {
	s = oscPattern.ReplaceAllString(s, "")
	s = csiPattern.ReplaceAllString(s, "")
	s = escapePattern.ReplaceAllString(s, "")
	return s
}

// cursorPrefixes are glyphs the agent's TUI places before the input line.
var cursorPrefixes = []string{"❯", ">"}

// boxRunes match Unicode box-drawing characters used for prompt borders.
const boxRunes = "─│┌┐└┘├┤┬┴┼╭╮╯╰═║╔╗╚╝╟╢╴╵╶╷"

// CleanLine strips escapes, cursor prefixes and box-drawing glyphs from one
// raw terminal line and trims whitespace. Returns "" when nothing remains.
func CleanLine(raw string) string {
	s := StripANSI(raw)
	s = strings.TrimSpace(s)
	for _, prefix := range cursorPrefixes {
		s = strings.TrimPrefix(s, prefix)
	}
	s = strings.TrimFunc(s, func(r rune) bool {
		return strings.ContainsRune(boxRunes, r)
	})
	return strings.TrimSpace(s)
}

// isBoxDrawingOnly reports whether the cleaned input consists solely of
// box-drawing characters and spaces.
func isBoxDrawingOnly(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r == ' ' || r == '\t' {
			continue
		}
		if !strings.ContainsRune(boxRunes, r) {
			return false
		}
	}
	return true
}

// Package termparse extracts permission prompts from terminal output.
//
// The agent's hook contract reports that a permission prompt is pending but
// not the exact option wording shown in the terminal. The only reliable
// source for that wording is the terminal rendering itself, so hooks re-read
// the session's raw output buffer and back-parse the numbered options from
// the cleaned line log.
package termparse

import (
	"regexp"
	"strconv"
	"strings"
)

// PlaceholderMarker labels options reconstructed because they scrolled out of
// the buffer. Callers must not render these as interactive buttons.
const PlaceholderMarker = "(scrolled off)"

// questionSearchWindow is how many lines above the first option are searched
// for the prompt question.
const questionSearchWindow = 20

// Prompt is a parsed permission prompt.
type Prompt struct {
	// Question is the context line above the options, "" when none found.
	Question string

	// Options are the option texts in 1-based display order.
	Options []string

	// Reconstructed reports whether leading options were synthesized
	// because they had scrolled out of the buffer.
	Reconstructed bool
}

// optionPattern matches "1. Yes" and "2) No, and tell Claude..." style lines.
var optionPattern = regexp.MustCompile(`^\s*(\d+)[.)]\s*(.+)$`)

// permissionKeywords must appear somewhere in the combined option text for
// the group to count as a permission prompt.
var permissionKeywords = []string{"yes", "no", "allow", "deny", "approve", "cancel", "session"}

// questionKeywords identify a context line when it does not end with "?".
var questionKeywords = []string{"permission", "wants to", "allow", "edit", "run", "write", "read", "execute"}

// Parse scans cleaned lines (oldest first) for a trailing run of numbered
// options and returns the reconstructed prompt, or nil when the tail of the
// buffer does not look like a permission prompt.
func Parse(lines []string) *Prompt {
	first, options := trailingOptionRun(lines)
	if len(options) < 2 || len(options) > 3 {
		return nil
	}

	// Numbered progress output ("1. 500 tokens") is not a prompt: the
	// combined option text must mention a permission word.
	combined := strings.ToLower(strings.Join(optionTexts(options), " "))
	if !containsAny(combined, permissionKeywords) {
		return nil
	}

	prompt := &Prompt{Question: findQuestion(lines, first)}

	// When option 1 (or 1 and 2) scrolled out of the buffer, reconstruct
	// placeholders so numbering stays aligned with the terminal.
	lowest := options[0].number
	if lowest == 2 || lowest == 3 {
		for n := 1; n < lowest; n++ {
			prompt.Options = append(prompt.Options, "Option "+strconv.Itoa(n)+" "+PlaceholderMarker)
		}
		prompt.Reconstructed = true
	} else if lowest != 1 {
		return nil
	}
	prompt.Options = append(prompt.Options, optionTexts(options)...)

	if len(prompt.Options) > 3 {
		return nil
	}
	return prompt
}

type numberedOption struct {
	number int
	text   string
}

// trailingOptionRun finds the maximal run of consecutive numbered lines at
// the end of the buffer. Returns the index of the first option line and the
// options in display order. Duplicate numbers (TUI repaints) are collapsed;
// a non-sequential number terminates the run.
func trailingOptionRun(lines []string) (int, []numberedOption) {
	var run []numberedOption
	first := -1

	for i := len(lines) - 1; i >= 0; i-- {
		m := optionPattern.FindStringSubmatch(lines[i])
		if m == nil {
			if len(run) > 0 {
				break
			}
			continue
		}
		num, err := strconv.Atoi(m[1])
		if err != nil || num <= 0 || num > 9 {
			if len(run) > 0 {
				break
			}
			continue
		}
		if len(run) > 0 {
			prev := run[len(run)-1]
			if num == prev.number {
				// Repaint duplicate; keep the later rendering.
				continue
			}
			if num != prev.number-1 {
				break
			}
		}
		run = append(run, numberedOption{number: num, text: strings.TrimSpace(m[2])})
		first = i
	}

	// run was collected newest-first; reverse into display order.
	for i, j := 0, len(run)-1; i < j; i, j = i+1, j-1 {
		run[i], run[j] = run[j], run[i]
	}
	return first, run
}

// findQuestion searches up to questionSearchWindow lines above the first
// option for the prompt's question line.
func findQuestion(lines []string, firstOption int) string {
	if firstOption <= 0 {
		return ""
	}
	low := firstOption - questionSearchWindow
	if low < 0 {
		low = 0
	}
	for i := firstOption - 1; i >= low; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if strings.HasSuffix(line, "?") {
			return line
		}
		lower := strings.ToLower(line)
		if containsAny(lower, questionKeywords) {
			return line
		}
	}
	return ""
}

func optionTexts(opts []numberedOption) []string {
	out := make([]string, len(opts))
	for i, o := range opts {
		out[i] = o.text
	}
	return out
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

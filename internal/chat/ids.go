package chat

import (
	"fmt"
	"strconv"
	"strings"
)

// Block-id naming shared between hooks (which mint the ids) and the listener
// (which parses them back out of reaction and button events). These formats
// are persisted in live chat messages, so they must stay bit-stable.
const (
	// permissionBlockPrefix starts the block id of a permission prompt.
	permissionBlockPrefix = "permission_"

	// askUserBlockPrefix starts the block id of a structured question.
	askUserBlockPrefix = "askuser_Q"

	// PermissionActionPrefix starts button action ids on permission
	// prompts; the trailing digit is the 1-based option number.
	PermissionActionPrefix = "permission_response_"
)

// PermissionBlockID builds the block id for a permission prompt:
// permission_<session_id>_<request_id>. The session id is the one the
// blocking hook keys its response file under, so the listener can write a
// deny decision to the exact path the hook polls.
func PermissionBlockID(sessionID, requestID string) string {
	return permissionBlockPrefix + sessionID + "_" + requestID
}

// IsPermissionBlockID reports whether a block id belongs to a permission
// prompt.
func IsPermissionBlockID(blockID string) bool {
	return strings.HasPrefix(blockID, permissionBlockPrefix) &&
		!strings.HasPrefix(blockID, PermissionActionPrefix)
}

// ParsePermissionBlockID parses permission_<session_id>_<request_id>.
// Request ids never contain underscores, so the final underscore splits the
// session id from the request id.
func ParsePermissionBlockID(blockID string) (sessionID, requestID string, ok bool) {
	if !IsPermissionBlockID(blockID) {
		return "", "", false
	}
	rest := strings.TrimPrefix(blockID, permissionBlockPrefix)
	idx := strings.LastIndex(rest, "_")
	if idx <= 0 || idx == len(rest)-1 {
		return "", "", false
	}
	return rest[:idx], rest[idx+1:], true
}

// AskUserBlockID builds the block id for question i of a structured prompt:
// askuser_Q<i>_<session_id>_<request_id>.
func AskUserBlockID(questionIndex int, sessionID, requestID string) string {
	return fmt.Sprintf("%s%d_%s_%s", askUserBlockPrefix, questionIndex, sessionID, requestID)
}

// AskUserRef identifies one question of one structured prompt.
type AskUserRef struct {
	QuestionIndex int
	SessionID     string
	RequestID     string
}

// ParseAskUserBlockID parses askuser_Q<i>_<session_id>_<request_id>.
// Request ids never contain underscores, so the final underscore splits the
// session id from the request id even if the session id has one.
func ParseAskUserBlockID(blockID string) (*AskUserRef, bool) {
	rest, ok := strings.CutPrefix(blockID, askUserBlockPrefix)
	if !ok {
		return nil, false
	}
	qStr, rest, ok := strings.Cut(rest, "_")
	if !ok {
		return nil, false
	}
	q, err := strconv.Atoi(qStr)
	if err != nil || q < 0 {
		return nil, false
	}
	idx := strings.LastIndex(rest, "_")
	if idx <= 0 || idx == len(rest)-1 {
		return nil, false
	}
	return &AskUserRef{
		QuestionIndex: q,
		SessionID:     rest[:idx],
		RequestID:     rest[idx+1:],
	}, true
}

// FindAskUserBlock returns the first askuser block id on a message.
func FindAskUserBlock(blockIDs []string) (*AskUserRef, string, bool) {
	for _, id := range blockIDs {
		if ref, ok := ParseAskUserBlockID(id); ok {
			return ref, id, true
		}
	}
	return nil, "", false
}

// HasPermissionBlock reports whether any block id marks a permission prompt.
func HasPermissionBlock(blockIDs []string) bool {
	for _, id := range blockIDs {
		if IsPermissionBlockID(id) {
			return true
		}
	}
	return false
}

// OptionEmojiIndex maps reaction emoji names to 0-based option indices for
// structured questions.
var OptionEmojiIndex = map[string]int{
	"one":   0,
	"1️⃣":    0,
	"two":   1,
	"2️⃣":    1,
	"three": 2,
	"3️⃣":    2,
	"four":  3,
	"4️⃣":    3,
}

// OptionNumberEmoji renders a 0-based option index as a display emoji.
var OptionNumberEmoji = []string{"1️⃣", "2️⃣", "3️⃣", "4️⃣"}

// PermissionEmojiValue maps reaction emoji names to the numeric option
// string forwarded to the session's control socket. Approval synonyms map to
// "1", the explicit-deny synonyms to "3".
var PermissionEmojiValue = map[string]string{
	"one":              "1",
	"1️⃣":               "1",
	"+1":               "1",
	"thumbsup":         "1",
	"white_check_mark": "1",
	"two":              "2",
	"2️⃣":               "2",
	"three":            "3",
	"3️⃣":               "3",
	"-1":               "3",
	"thumbsdown":       "3",
	"x":                "3",
}

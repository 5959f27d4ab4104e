package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/slackwire/slackwire/internal/chat"
	"github.com/slackwire/slackwire/internal/respfile"
)

// maxQuestions and maxOptions bound a structured prompt; the display relies
// on the four number emojis.
const (
	maxQuestions = 4
	maxOptions   = 4
)

// askUserInput is the tool_input shape of the structured-question tool.
type askUserInput struct {
	Questions []askUserQuestion `json:"questions"`
}

type askUserQuestion struct {
	Question    string          `json:"question"`
	Header      string          `json:"header,omitempty"`
	MultiSelect bool            `json:"multiSelect,omitempty"`
	Options     []askUserOption `json:"options"`
}

type askUserOption struct {
	Label string `json:"label"`
}

// answersOutput is the stdout document for an answered structured prompt.
type answersOutput struct {
	Decision string         `json:"decision"`
	Answers  map[string]any `json:"answers"`
}

// RunAskUser posts a structured question to chat, blocks until every
// question is answered (answers accumulate across reactions and replies),
// and emits the translated answers. Timeout emits nothing.
func RunAskUser(ctx context.Context, env *Env, in *Input, stdout io.Writer) error {
	log := env.logger()

	var input askUserInput
	if err := json.Unmarshal(in.ToolInput, &input); err != nil {
		return fmt.Errorf("malformed questions payload: %w", err)
	}
	if err := validateQuestions(input.Questions); err != nil {
		return err
	}

	sess := env.ResolveSession(in.SessionID, in.CWD)
	if sess == nil || !sess.HasChatMetadata() {
		log.Debug("no chat-addressable session, skipping", zap.String("session_id", in.SessionID))
		return nil
	}

	requestID := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	channel, threadTS := destination(sess)

	// One message per question so emoji reactions stay unambiguous; the
	// block id on each carries the routing metadata.
	posted := make([]string, 0, len(input.Questions))
	for i, q := range input.Questions {
		req := chat.PostRequest{
			ThreadTS: threadTS,
			Text:     renderQuestion(i, q),
			Blocks: []chat.Block{{
				BlockID: chat.AskUserBlockID(i, sess.SessionID, requestID),
				Text:    renderQuestion(i, q),
			}},
		}
		_, ts, err := env.Chat.PostMessage(ctx, channel, req)
		if err != nil {
			log.Warn("question post failed", zap.Int("question", i), zap.Error(err))
			return nil
		}
		posted = append(posted, ts)
	}

	path := respfile.Path(env.Cfg.AskUserResponseDir(), sess.SessionID, requestID)
	data, err := respfile.WaitComplete(ctx, path, len(input.Questions), env.Cfg.PermissionTimeout())
	defer respfile.SweepStale(env.Cfg.AskUserResponseDir(), respfile.StaleAge)
	if err != nil || data == nil {
		return nil
	}

	answers := translateAnswers(input.Questions, data)
	summarize(ctx, env, channel, posted, input.Questions, answers)

	return json.NewEncoder(stdout).Encode(&answersOutput{
		Decision: "answered",
		Answers:  answers,
	})
}

// validateQuestions enforces the 4x4 shape bound.
func validateQuestions(questions []askUserQuestion) error {
	if len(questions) == 0 {
		return fmt.Errorf("no questions provided")
	}
	if len(questions) > maxQuestions {
		return fmt.Errorf("%d questions exceeds the limit of %d", len(questions), maxQuestions)
	}
	for i, q := range questions {
		if strings.TrimSpace(q.Question) == "" {
			return fmt.Errorf("question %d has no text", i+1)
		}
		if len(q.Options) > maxOptions {
			return fmt.Errorf("question %d has %d options, limit is %d", i+1, len(q.Options), maxOptions)
		}
		for j, opt := range q.Options {
			if strings.TrimSpace(opt.Label) == "" {
				return fmt.Errorf("question %d option %d has no label", i+1, j+1)
			}
		}
	}
	return nil
}

// renderQuestion formats one question with number-emoji options and the
// free-text affordance.
func renderQuestion(i int, q askUserQuestion) string {
	var b strings.Builder
	if q.Header != "" {
		fmt.Fprintf(&b, "*%s*\n", q.Header)
	}
	fmt.Fprintf(&b, ":question: *Q%d: %s*\n", i+1, q.Question)
	for j, opt := range q.Options {
		fmt.Fprintf(&b, "%s %s\n", chat.OptionNumberEmoji[j], opt.Label)
	}
	b.WriteString(":speech_balloon: Other (reply in thread)\n")
	if q.MultiSelect {
		b.WriteString("_Multiple selections allowed._")
	} else {
		b.WriteString("_Select one._")
	}
	return b.String()
}

// translateAnswers maps accumulated index strings back to option labels.
// "other" answers pass the free text through.
func translateAnswers(questions []askUserQuestion, data map[string]any) map[string]any {
	answers := make(map[string]any, len(questions))
	for i, q := range questions {
		key := respfile.QuestionKey(i)
		switch v := data[key].(type) {
		case string:
			if v == "other" {
				if text, ok := data[respfile.QuestionTextKey(i)].(string); ok {
					answers[key] = text
				}
				continue
			}
			answers[key] = optionLabel(q, v)
		case []any:
			labels := make([]string, 0, len(v))
			for _, idx := range v {
				if s, ok := idx.(string); ok {
					labels = append(labels, optionLabel(q, s))
				}
			}
			answers[key] = labels
		}
	}
	return answers
}

func optionLabel(q askUserQuestion, idxStr string) string {
	idx, err := strconv.Atoi(idxStr)
	if err != nil || idx < 0 || idx >= len(q.Options) {
		return idxStr
	}
	return q.Options[idx].Label
}

// summarize rewrites each question message with the chosen answer.
func summarize(ctx context.Context, env *Env, channel string, posted []string, questions []askUserQuestion, answers map[string]any) {
	for i, ts := range posted {
		if i >= len(questions) {
			break
		}
		answer := answers[respfile.QuestionKey(i)]
		var rendered string
		switch v := answer.(type) {
		case string:
			rendered = v
		case []string:
			rendered = strings.Join(v, ", ")
		default:
			rendered = "—"
		}
		text := fmt.Sprintf(":white_check_mark: *Q%d: %s*\nAnswered: %s",
			i+1, questions[i].Question, rendered)
		if err := env.Chat.UpdateMessage(ctx, channel, ts, chat.PostRequest{Text: text}); err != nil {
			env.logger().Debug("summary update failed", zap.Error(err))
		}
	}
}

package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"agenthost/internal/llm"
	"agenthost/internal/model"
	stmodel "agenthost/internal/storage/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// balancedJSONObjects returns every top-level, brace-balanced substring of
// text that looks like a JSON object, in order of appearance. Mirrors
// internal/llm's unexported helper of the same shape.
func balancedJSONObjects(text string) []string {
	var out []string
	depth := 0
	start := -1
	for i, r := range text {
		switch r {
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start != -1 {
					out = append(out, text[start:i+1])
					start = -1
				}
			}
		}
	}
	return out
}

var shortGreetingPattern = regexp.MustCompile(`(?i)^(hi|hello|hey|thanks|thank you|ok|okay|bye)[!.]?$`)

var codeRequestPattern = regexp.MustCompile(`(?i)\b(write|create|implement|code|function|class|script|program)\b`)

const fencedCodeBlock = "```"

// verdict is the outcome of one verification pass.
type verdict struct {
	Passed     bool
	Rating     string // GOOD|NEEDS_FIX|REDO
	Feedback   string
	Confidence float64
}

// shouldVerify decides whether a completed response is put through the
// verification loop at all. Verification is skipped entirely for short,
// conversational exchanges when configured to do so.
func (s *Service) shouldVerify(requestText, responseText string) bool {
	cfg := s.cfg.Verification
	if !cfg.Enabled {
		return false
	}
	if cfg.SkipForShortResponses && len(strings.TrimSpace(responseText)) < cfg.ShortResponseThreshold {
		return false
	}
	if shortGreetingPattern.MatchString(strings.TrimSpace(requestText)) {
		return false
	}
	return true
}

// runVerificationLoop runs up to cfg.MaxRetries verification attempts,
// regenerating the response on REDO and patching it on NEEDS_FIX. It always
// returns a response: if retries are exhausted, the last response produced
// is returned regardless of its final verdict, since the user must get an
// answer even an imperfect one.
func (s *Service) runVerificationLoop(ctx context.Context, msg model.NormalizedMessage, taskID string, response string) string {
	cfg := s.cfg.Verification
	current := response
	var feedbackHistory []string

	for attempt := 0; attempt < cfg.MaxRetries; attempt++ {
		s.journal.Write(msg.ChannelID, msg.ConversationID, stmodel.JournalEntry{
			Event: stmodel.EventVerificationStarted, TaskID: taskID, Data: map[string]any{"attempt": attempt},
		})

		v := s.verify(ctx, msg.Text, current)

		s.journal.Write(msg.ChannelID, msg.ConversationID, stmodel.JournalEntry{
			Event: stmodel.EventVerificationResult, TaskID: taskID,
			Data: map[string]any{"attempt": attempt, "rating": v.Rating, "confidence": v.Confidence, "passed": v.Passed},
		})

		if v.Passed {
			return current
		}

		feedbackHistory = append(feedbackHistory, v.Feedback)

		if v.Rating == "REDO" {
			regenerated, err := s.regenerate(ctx, msg, feedbackHistory)
			if err != nil {
				slog.Warn("pipeline: verification regenerate failed, keeping prior response", "taskId", taskID, "error", err)
				return current
			}
			current = regenerated
			continue
		}

		// NEEDS_FIX: ask the model to patch the existing response.
		patched, err := s.patch(ctx, msg, current, v.Feedback)
		if err != nil {
			slog.Warn("pipeline: verification patch failed, keeping prior response", "taskId", taskID, "error", err)
			return current
		}
		current = patched
	}

	return current
}

// verify runs the configured verifiers in sequence. The composite rule
// verifier runs first (cheap, deterministic); the LLM verifier only runs if
// the rules pass and is enabled.
func (s *Service) verify(ctx context.Context, request, response string) verdict {
	cfg := s.cfg.Verification

	if cfg.RulesEnabled {
		if v := verifyRules(request, response); !v.Passed {
			return v
		}
	}
	if cfg.LLMReviewEnabled {
		return s.verifyLLM(ctx, request, response)
	}
	return verdict{Passed: true, Rating: "GOOD", Confidence: 1}
}

// verifyRules runs the three deterministic sub-checks: completeness,
// code-quality, and direct-answer. The first failing check wins.
func verifyRules(request, response string) verdict {
	trimmed := strings.TrimSpace(response)

	if trimmed == "" {
		return verdict{Rating: "REDO", Feedback: "The response was empty. Provide a substantive answer."}
	}

	lower := strings.ToLower(trimmed)
	for _, prefix := range []string{"i cannot", "i can't", "i'm sorry, but i", "as an ai"} {
		if strings.HasPrefix(lower, prefix) {
			return verdict{Rating: "NEEDS_FIX", Feedback: "The response opens with an apology or refusal. Answer the request directly."}
		}
	}

	if len(trimmed) > 100 {
		last := trimmed[len(trimmed)-1]
		if !strings.ContainsRune(`.!?`+"\n`\")]", rune(last)) {
			preview := trimmed
			if len(preview) > 100 {
				preview = preview[:100]
			}
			return verdict{Rating: "NEEDS_FIX", Feedback: fmt.Sprintf("The response appears to be truncated: %q", preview)}
		}
	}

	if codeRequestPattern.MatchString(request) && !strings.Contains(response, fencedCodeBlock) {
		return verdict{Rating: "NEEDS_FIX", Feedback: "The request asked for code, but the response contains no fenced code block."}
	}

	if strings.HasSuffix(strings.TrimSpace(request), "?") && len(strings.TrimSpace(response)) < 10 {
		return verdict{Rating: "NEEDS_FIX", Feedback: "The request was a direct question but the response is too brief to be a real answer."}
	}

	return verdict{Passed: true, Rating: "GOOD", Confidence: 1}
}

const verifierSystemPrompt = `You review an assistant's response for quality. Reply with exactly one JSON object of the form {"rating": "GOOD"|"NEEDS_FIX"|"REDO", "feedback": "...", "confidence": 0.0-1.0} and nothing else. GOOD means the response adequately answers the request. NEEDS_FIX means it is close but has a specific, fixable flaw. REDO means it fundamentally misses the request and should be regenerated from scratch.`

type verifierJSON struct {
	Rating     string  `json:"rating"`
	Feedback   string  `json:"feedback"`
	Confidence float64 `json:"confidence"`
}

// verifyLLM asks the verifier model to rate the response. Any transport or
// parse failure yields a neutral pass — verification must never block a
// response indefinitely because the reviewer itself is unavailable.
func (s *Service) verifyLLM(ctx context.Context, request, response string) verdict {
	prompt := fmt.Sprintf("Request:\n%s\n\nResponse:\n%s", request, response)
	ch, err := s.verifierClient.StreamChat(ctx, []model.ChatMessage{
		{Role: model.RoleSystem, Content: verifierSystemPrompt},
		{Role: model.RoleUser, Content: prompt},
	}, nil)
	if err != nil {
		slog.Warn("pipeline: llm verifier stream error, passing neutrally", "error", err)
		return verdict{Passed: true, Rating: "GOOD", Confidence: 0.5}
	}
	text, _, _, err := llm.Collect(ctx, ch)
	if err != nil {
		slog.Warn("pipeline: llm verifier collect error, passing neutrally", "error", err)
		return verdict{Passed: true, Rating: "GOOD", Confidence: 0.5}
	}

	objs := balancedJSONObjects(text)
	if len(objs) == 0 {
		return verdict{Passed: true, Rating: "GOOD", Confidence: 0.5}
	}
	var vj verifierJSON
	if err := json.Unmarshal([]byte(objs[0]), &vj); err != nil {
		return verdict{Passed: true, Rating: "GOOD", Confidence: 0.5}
	}

	if vj.Confidence < 0 {
		vj.Confidence = 0
	}
	if vj.Confidence > 1 {
		vj.Confidence = 1
	}

	passed := vj.Rating == "GOOD" && vj.Confidence >= s.cfg.Verification.ConfidenceThreshold
	return verdict{Passed: passed, Rating: vj.Rating, Feedback: vj.Feedback, Confidence: vj.Confidence}
}

// regenerate reissues the tool-use loop from scratch with prior verifier
// feedback folded into the system prompt, for a REDO verdict.
func (s *Service) regenerate(ctx context.Context, msg model.NormalizedMessage, feedbackHistory []string) (string, error) {
	entries, err := s.history.GetMessages(msg.ChannelID, msg.ConversationID, s.cfg.HistoryLimit)
	if err != nil {
		return "", fmt.Errorf("regenerate: read history: %w", err)
	}

	system := s.cfg.SystemPrompt + "\n\nYour previous attempt at this response was rejected for the following reason(s):\n"
	for _, fb := range feedbackHistory {
		system += "- " + fb + "\n"
	}
	system += "Produce a corrected response."

	messages := make([]model.ChatMessage, 0, len(entries)+1)
	messages = append(messages, model.ChatMessage{Role: model.RoleSystem, Content: system})
	for _, e := range entries {
		messages = append(messages, e.ToChatMessage())
	}

	return s.toolUseLoop(ctx, msg, "", messages, s.assembleTools(ctx))
}

// patch extends the original transcript with the current assistant response
// and a synthetic user turn stating the required fix, then regenerates, for
// a NEEDS_FIX verdict. Mirrors regenerate's transcript-based shape rather
// than discarding history for an isolated completion.
func (s *Service) patch(ctx context.Context, msg model.NormalizedMessage, response, feedback string) (string, error) {
	entries, err := s.history.GetMessages(msg.ChannelID, msg.ConversationID, s.cfg.HistoryLimit)
	if err != nil {
		return "", fmt.Errorf("patch: read history: %w", err)
	}

	messages := make([]model.ChatMessage, 0, len(entries)+3)
	messages = append(messages, model.ChatMessage{Role: model.RoleSystem, Content: s.cfg.SystemPrompt})
	for _, e := range entries {
		messages = append(messages, e.ToChatMessage())
	}
	messages = append(messages, model.ChatMessage{Role: model.RoleAssistant, Content: response})
	messages = append(messages, model.ChatMessage{
		Role:    model.RoleUser,
		Content: fmt.Sprintf("The previous response needs a fix: %s\n\nProvide the corrected response.", feedback),
	})

	return s.toolUseLoop(ctx, msg, "", messages, s.assembleTools(ctx))
}

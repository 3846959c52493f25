package dma

import (
	"context"
	"fmt"
	"strings"

	"arbiter/internal/types"
)

// Confidence levels assigned by the directive grammar. Assessment flags and
// abstentions subtract from these before the result leaves selection.
const (
	confExact     = 0.95
	confDirective = 0.9
	confHeuristic = 0.75
	confPonder    = 0.55

	flagPenalty       = 0.08
	abstentionPenalty = 0.15
	confidenceFloor   = 0.05
)

// SelectionDMA synthesizes the final decision for one thought. It parses a
// deterministic directive grammar off the first non-empty content line,
// then discounts the match confidence by the concerns and abstentions the
// assessment pass reported. Content that matches no directive escalates to
// ponder rather than guessing.
type SelectionDMA struct{}

// NewSelection returns the action selection evaluator.
func NewSelection() *SelectionDMA {
	return &SelectionDMA{}
}

func (s *SelectionDMA) Name() string { return types.DMASelection }

// Select produces the action selection for the thought. It never fails on
// content; the pipeline handles budget overruns and validation.
func (s *SelectionDMA) Select(ctx context.Context, tc types.ThoughtContext, bundle types.AssessmentBundle) (types.ActionSelectionResult, error) {
	first := firstNonEmptyLine(tc.Thought.Content)

	result, matched := parseDirective(first, tc)
	if !matched {
		result = types.ActionSelectionResult{
			Action:     types.ActionPonder,
			Params:     types.ActionParams{Ponder: &types.PonderParams{Questions: ponderQuestions(first, bundle)}},
			Rationale:  fmt.Sprintf("no directive recognized in %q; pondering instead of guessing", truncate(first, 80)),
			Confidence: confPonder,
		}
	}

	result.Confidence = discount(result.Confidence, bundle)
	return result, nil
}

// parseDirective matches the first content line against the directive
// grammar. The grammar is ordered: exact forms before prefixes, prefixes
// before substring heuristics.
func parseDirective(first string, tc types.ThoughtContext) (types.ActionSelectionResult, bool) {
	lower := strings.ToLower(first)

	// Liveness probe.
	if lower == "ping" {
		return speakResult("pong", "", confExact, `liveness probe answered with "pong"`), true
	}

	// Explicit completion.
	switch lower {
	case "done", "all done", "nothing to do", "no action needed":
		return types.ActionSelectionResult{
			Action:     types.ActionTaskComplete,
			Params:     types.ActionParams{Complete: &types.CompleteParams{Outcome: first}},
			Rationale:  "request states there is nothing left to do",
			Confidence: confDirective,
		}, true
	}

	// Outbound speech.
	for _, prefix := range []string{"say ", "speak ", "reply ", "respond "} {
		if rest := afterPrefix(first, lower, prefix); rest != "" {
			rest = stripLeadingWord(rest, "with")
			if rest == "" {
				break
			}
			return speakResult(rest, "", confDirective, fmt.Sprintf("explicit %s directive", strings.TrimSpace(prefix))), true
		}
	}

	// Memory writes: "remember <key> = <value>" or "remember <key>: <value>".
	for _, prefix := range []string{"remember ", "memorize "} {
		rest := afterPrefix(first, lower, prefix)
		if rest == "" {
			continue
		}
		key, value, found := splitKeyValue(rest)
		if !found {
			continue
		}
		return types.ActionSelectionResult{
			Action:     types.ActionMemorize,
			Params:     types.ActionParams{Memorize: &types.MemorizeParams{Key: key, Value: value}},
			Rationale:  fmt.Sprintf("memorize directive for key %q", key),
			Confidence: confDirective,
		}, true
	}

	// Memory reads.
	if rest := afterPrefix(first, lower, "recall "); rest != "" {
		key := strings.TrimSuffix(rest, "?")
		return recallResult(key, confDirective), true
	}
	if rest := afterPrefix(first, lower, "what do you know about "); rest != "" {
		key := strings.TrimSuffix(rest, "?")
		return recallResult(key, confHeuristic), true
	}

	// Memory deletes.
	if rest := afterPrefix(first, lower, "forget "); rest != "" {
		key := stripLeadingWord(rest, "about")
		if key != "" {
			return types.ActionSelectionResult{
				Action:     types.ActionForget,
				Params:     types.ActionParams{Forget: &types.ForgetParams{Key: key, Reason: "forget directive"}},
				Rationale:  fmt.Sprintf("forget directive for key %q", key),
				Confidence: confDirective,
			}, true
		}
	}

	// Tool execution.
	for _, prefix := range []string{"run tool ", "use tool "} {
		rest := afterPrefix(first, lower, prefix)
		if rest == "" {
			continue
		}
		name, args := parseToolSpec(rest)
		if name == "" {
			continue
		}
		return types.ActionSelectionResult{
			Action:     types.ActionTool,
			Params:     types.ActionParams{Tool: &types.ToolParams{Name: name, Args: args}},
			Rationale:  fmt.Sprintf("tool directive for %q", name),
			Confidence: confDirective,
		}, true
	}
	if rest := afterPrefix(first, lower, "echo "); rest != "" {
		return types.ActionSelectionResult{
			Action:     types.ActionTool,
			Params:     types.ActionParams{Tool: &types.ToolParams{Name: "echo", Args: map[string]string{"text": rest}}},
			Rationale:  "echo directive routed through the tool registry",
			Confidence: confDirective,
		}, true
	}
	if strings.Contains(lower, "what time is it") || strings.Contains(lower, "current time") || strings.Contains(lower, "utc time") {
		return types.ActionSelectionResult{
			Action:     types.ActionTool,
			Params:     types.ActionParams{Tool: &types.ToolParams{Name: "utc_time"}},
			Rationale:  "time question answered by the clock tool",
			Confidence: confHeuristic,
		}, true
	}

	// Observation.
	for _, prefix := range []string{"observe ", "watch "} {
		if rest := afterPrefix(first, lower, prefix); rest != "" {
			return observeResult(rest, confDirective), true
		}
	}
	if strings.Contains(lower, "check messages") || strings.Contains(lower, "check the channel") {
		source := tc.Channel
		if source == "" {
			source = "console"
		}
		return observeResult(source, confHeuristic), true
	}

	// Explicit escalation to a human.
	for _, marker := range []string{"ask a human", "defer to human", "needs approval", "need approval", "escalate this"} {
		if strings.Contains(lower, marker) {
			return types.ActionSelectionResult{
				Action:     types.ActionDefer,
				Params:     types.ActionParams{Defer: &types.DeferParams{Reason: first}},
				Rationale:  "request explicitly asks for human involvement",
				Confidence: confDirective,
			}, true
		}
	}

	// Explicit refusal.
	for _, prefix := range []string{"reject: ", "refuse: ", "decline "} {
		if rest := afterPrefix(first, lower, prefix); rest != "" {
			return types.ActionSelectionResult{
				Action:     types.ActionReject,
				Params:     types.ActionParams{Reject: &types.RejectParams{Reason: rest}},
				Rationale:  "explicit refusal directive",
				Confidence: confDirective,
			}, true
		}
	}

	return types.ActionSelectionResult{}, false
}

// discount applies assessment penalties: every flag and every abstention
// reduces confidence in the selected action.
func discount(confidence float64, bundle types.AssessmentBundle) float64 {
	for _, name := range []string{types.DMAEthical, types.DMACommonSense, types.DMADomain} {
		a, found := bundle[name]
		if !found {
			continue
		}
		if a.Status == types.AssessmentOK {
			confidence -= flagPenalty * float64(len(a.Flags))
		}
	}
	confidence -= abstentionPenalty * float64(len(bundle.Abstentions()))
	if confidence < confidenceFloor {
		return confidenceFloor
	}
	return confidence
}

// ponderQuestions builds the reflection list for unresolved content. Each
// open concern becomes a question the next round can answer.
func ponderQuestions(first string, bundle types.AssessmentBundle) []string {
	questions := []string{
		fmt.Sprintf("what concrete action does %q call for?", truncate(first, 80)),
		"is more context needed before acting?",
	}
	for _, name := range []string{types.DMAEthical, types.DMACommonSense, types.DMADomain} {
		a, found := bundle[name]
		if !found || a.Status != types.AssessmentOK {
			continue
		}
		for _, flag := range a.Flags {
			questions = append(questions, "address concern: "+flag)
		}
	}
	if abstained := bundle.Abstentions(); len(abstained) > 0 {
		questions = append(questions, fmt.Sprintf("can a decision stand without the %s assessment?", strings.Join(abstained, ", ")))
	}
	return questions
}

func speakResult(content, channel string, confidence float64, rationale string) types.ActionSelectionResult {
	return types.ActionSelectionResult{
		Action:     types.ActionSpeak,
		Params:     types.ActionParams{Speak: &types.SpeakParams{Content: content, Channel: channel}},
		Rationale:  rationale,
		Confidence: confidence,
	}
}

func recallResult(key string, confidence float64) types.ActionSelectionResult {
	return types.ActionSelectionResult{
		Action:     types.ActionRecall,
		Params:     types.ActionParams{Recall: &types.RecallParams{Key: key}},
		Rationale:  fmt.Sprintf("recall directive for key %q", key),
		Confidence: confidence,
	}
}

func observeResult(source string, confidence float64) types.ActionSelectionResult {
	return types.ActionSelectionResult{
		Action:     types.ActionObserve,
		Params:     types.ActionParams{Observe: &types.ObserveParams{Source: source, Active: true}},
		Rationale:  fmt.Sprintf("observation directive for %q", source),
		Confidence: confidence,
	}
}

// afterPrefix returns the original-case remainder after a lowercase prefix
// match, trimmed; empty when the prefix does not match or nothing follows.
func afterPrefix(original, lower, prefix string) string {
	if !strings.HasPrefix(lower, prefix) {
		return ""
	}
	return strings.TrimSpace(original[len(prefix):])
}

// stripLeadingWord removes one leading word (case-insensitive) plus the
// space after it.
func stripLeadingWord(s, word string) string {
	lower := strings.ToLower(s)
	if strings.HasPrefix(lower, word+" ") {
		return strings.TrimSpace(s[len(word)+1:])
	}
	return s
}

// splitKeyValue splits "key = value" or "key: value" forms.
func splitKeyValue(rest string) (key, value string, found bool) {
	for _, sep := range []string{"=", ":"} {
		if idx := strings.Index(rest, sep); idx > 0 {
			key = strings.TrimSpace(rest[:idx])
			value = strings.TrimSpace(rest[idx+len(sep):])
			if key != "" {
				return key, value, true
			}
		}
	}
	return "", "", false
}

// parseToolSpec splits "<name> [with] k=v ..." into a tool name and args.
func parseToolSpec(rest string) (string, map[string]string) {
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", nil
	}
	name := fields[0]
	args := make(map[string]string)
	for _, field := range fields[1:] {
		if strings.EqualFold(field, "with") {
			continue
		}
		if idx := strings.Index(field, "="); idx > 0 {
			args[field[:idx]] = field[idx+1:]
		}
	}
	if len(args) == 0 {
		args = nil
	}
	return name, args
}

func firstNonEmptyLine(content string) string {
	for _, line := range strings.Split(content, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}

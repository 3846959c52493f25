package dma

import (
	"context"
	"strings"
	"unicode"
	"unicode/utf8"

	"arbiter/internal/types"
)

// implausibleMarkers are premises that fail the plausibility screen outright.
var implausibleMarkers = []string{
	"perpetual motion",
	"faster than light",
	"travel back in time",
}

// contradictionPairs are directive pairs that cannot both be meant.
var contradictionPairs = [][2]string{
	{"remember", "forget"},
	{"always", "never"},
}

// CommonSenseDMA checks a thought for internal plausibility: is there
// anything to act on, does the request contradict itself, is the content
// intelligible. It flags concerns and hard-stops only on content that
// cannot be reasoned about at all.
type CommonSenseDMA struct {
	maxContentRunes int
}

// NewCommonSense returns the plausibility evaluator.
func NewCommonSense() *CommonSenseDMA {
	return &CommonSenseDMA{maxContentRunes: 8000}
}

func (d *CommonSenseDMA) Name() string { return types.DMACommonSense }

func (d *CommonSenseDMA) Evaluate(ctx context.Context, tc types.ThoughtContext) (types.Assessment, error) {
	content := tc.Thought.Content
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return types.Assessment{
			HardStop:       true,
			HardStopAction: types.ActionReject,
			Flags:          []string{"empty_content"},
			Score:          1,
			Reasoning:      "request content is empty; nothing to decide on",
		}, nil
	}

	a := types.Assessment{Score: 0.95, Reasoning: "request is plausible"}
	lower := strings.ToLower(trimmed)

	if utf8.RuneCountInString(content) > d.maxContentRunes {
		a.Flags = append(a.Flags, "oversized_request")
	}
	for _, pair := range contradictionPairs {
		if strings.Contains(lower, pair[0]) && strings.Contains(lower, pair[1]) {
			a.Flags = appendUnique(a.Flags, "contradictory_request")
		}
	}
	for _, marker := range implausibleMarkers {
		if strings.Contains(lower, marker) {
			a.Flags = appendUnique(a.Flags, "implausible_premise")
		}
	}
	if flag, found := repetitionFlag(lower); found {
		a.Flags = appendUnique(a.Flags, flag)
	}
	if utf8.RuneCountInString(trimmed) > 20 && letterFraction(trimmed) < 0.4 {
		a.Flags = appendUnique(a.Flags, "unintelligible")
	}

	if len(a.Flags) > 0 {
		a.Score = 0.7
		a.Reasoning = "plausibility concerns: " + strings.Join(a.Flags, ", ")
	}
	return a, nil
}

// repetitionFlag fires when one token dominates the content. Ten tokens is
// the floor so short imperative requests never trip it.
func repetitionFlag(lower string) (string, bool) {
	tokens := strings.Fields(lower)
	if len(tokens) < 10 {
		return "", false
	}
	counts := make(map[string]int, len(tokens))
	max := 0
	for _, tok := range tokens {
		counts[tok]++
		if counts[tok] > max {
			max = counts[tok]
		}
	}
	if float64(max)/float64(len(tokens)) > 0.5 {
		return "excessive_repetition", true
	}
	return "", false
}

func letterFraction(s string) float64 {
	letters, total := 0, 0
	for _, r := range s {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			letters++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(letters) / float64(total)
}

package dma

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"arbiter/internal/types"
)

// approx absorbs float64 drift in confidence arithmetic.
var approx = cmpopts.EquateApprox(0, 1e-9)

func TestSelectionDirectives(t *testing.T) {
	sel := NewSelection()

	cases := []struct {
		name    string
		content string
		want    types.ActionSelectionResult
	}{
		{
			name:    "ping probe",
			content: "ping",
			want: types.ActionSelectionResult{
				Action:     types.ActionSpeak,
				Params:     types.ActionParams{Speak: &types.SpeakParams{Content: "pong"}},
				Rationale:  `liveness probe answered with "pong"`,
				Confidence: confExact,
			},
		},
		{
			name:    "say keeps original casing",
			content: "say Hello There",
			want: types.ActionSelectionResult{
				Action:     types.ActionSpeak,
				Params:     types.ActionParams{Speak: &types.SpeakParams{Content: "Hello There"}},
				Rationale:  "explicit say directive",
				Confidence: confDirective,
			},
		},
		{
			name:    "reply with strips filler",
			content: "reply with all clear",
			want: types.ActionSelectionResult{
				Action:     types.ActionSpeak,
				Params:     types.ActionParams{Speak: &types.SpeakParams{Content: "all clear"}},
				Rationale:  "explicit reply directive",
				Confidence: confDirective,
			},
		},
		{
			name:    "remember key value",
			content: "remember deploy-window = friday 14:00",
			want: types.ActionSelectionResult{
				Action:     types.ActionMemorize,
				Params:     types.ActionParams{Memorize: &types.MemorizeParams{Key: "deploy-window", Value: "friday 14:00"}},
				Rationale:  `memorize directive for key "deploy-window"`,
				Confidence: confDirective,
			},
		},
		{
			name:    "recall key",
			content: "recall deploy-window",
			want: types.ActionSelectionResult{
				Action:     types.ActionRecall,
				Params:     types.ActionParams{Recall: &types.RecallParams{Key: "deploy-window"}},
				Rationale:  `recall directive for key "deploy-window"`,
				Confidence: confDirective,
			},
		},
		{
			name:    "forget key",
			content: "forget about deploy-window",
			want: types.ActionSelectionResult{
				Action:     types.ActionForget,
				Params:     types.ActionParams{Forget: &types.ForgetParams{Key: "deploy-window", Reason: "forget directive"}},
				Rationale:  `forget directive for key "deploy-window"`,
				Confidence: confDirective,
			},
		},
		{
			name:    "tool with args",
			content: "run tool echo with text=hello",
			want: types.ActionSelectionResult{
				Action:     types.ActionTool,
				Params:     types.ActionParams{Tool: &types.ToolParams{Name: "echo", Args: map[string]string{"text": "hello"}}},
				Rationale:  `tool directive for "echo"`,
				Confidence: confDirective,
			},
		},
		{
			name:    "time question",
			content: "what time is it?",
			want: types.ActionSelectionResult{
				Action:     types.ActionTool,
				Params:     types.ActionParams{Tool: &types.ToolParams{Name: "utc_time"}},
				Rationale:  "time question answered by the clock tool",
				Confidence: confHeuristic,
			},
		},
		{
			name:    "observe source",
			content: "observe build-log",
			want: types.ActionSelectionResult{
				Action:     types.ActionObserve,
				Params:     types.ActionParams{Observe: &types.ObserveParams{Source: "build-log", Active: true}},
				Rationale:  `observation directive for "build-log"`,
				Confidence: confDirective,
			},
		},
		{
			name:    "check messages uses origin channel",
			content: "check messages",
			want: types.ActionSelectionResult{
				Action:     types.ActionObserve,
				Params:     types.ActionParams{Observe: &types.ObserveParams{Source: "console", Active: true}},
				Rationale:  `observation directive for "console"`,
				Confidence: confHeuristic,
			},
		},
		{
			name:    "escalation request",
			content: "this needs approval before we touch billing",
			want: types.ActionSelectionResult{
				Action:     types.ActionDefer,
				Params:     types.ActionParams{Defer: &types.DeferParams{Reason: "this needs approval before we touch billing"}},
				Rationale:  "request explicitly asks for human involvement",
				Confidence: confDirective,
			},
		},
		{
			name:    "explicit refusal",
			content: "reject: out of scope for this agent",
			want: types.ActionSelectionResult{
				Action:     types.ActionReject,
				Params:     types.ActionParams{Reject: &types.RejectParams{Reason: "out of scope for this agent"}},
				Rationale:  "explicit refusal directive",
				Confidence: confDirective,
			},
		},
		{
			name:    "completion",
			content: "nothing to do",
			want: types.ActionSelectionResult{
				Action:     types.ActionTaskComplete,
				Params:     types.ActionParams{Complete: &types.CompleteParams{Outcome: "nothing to do"}},
				Rationale:  "request states there is nothing left to do",
				Confidence: confDirective,
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := sel.Select(context.Background(), testContext(tc.content), types.AssessmentBundle{})
			if err != nil {
				t.Fatalf("Select(%q) error: %v", tc.content, err)
			}
			if diff := cmp.Diff(tc.want, got, approx); diff != "" {
				t.Errorf("Select(%q) mismatch (-want +got):\n%s", tc.content, diff)
			}
			if err := got.Validate(); err != nil {
				t.Errorf("Select(%q) produced invalid result: %v", tc.content, err)
			}
		})
	}
}

func TestSelectionOnlyReadsFirstLine(t *testing.T) {
	sel := NewSelection()
	content := "say pong\nreflections:\n- what concrete action is needed?"
	got, err := sel.Select(context.Background(), testContext(content), types.AssessmentBundle{})
	if err != nil {
		t.Fatalf("Select error: %v", err)
	}
	if got.Action != types.ActionSpeak || got.Params.Speak.Content != "pong" {
		t.Fatalf("directive parsing leaked past the first line: %+v", got)
	}
}

func TestSelectionUnmatchedContentPonders(t *testing.T) {
	sel := NewSelection()
	bundle := types.AssessmentBundle{
		types.DMACommonSense: {DMA: types.DMACommonSense, Status: types.AssessmentOK, Flags: []string{"contradictory_request"}, Score: 0.7},
	}
	got, err := sel.Select(context.Background(), testContext("the report and also maybe not"), bundle)
	if err != nil {
		t.Fatalf("Select error: %v", err)
	}
	if got.Action != types.ActionPonder {
		t.Fatalf("want ponder, got %s", got.Action)
	}
	if err := got.Validate(); err != nil {
		t.Fatalf("invalid ponder result: %v", err)
	}

	// Flags become reflection questions.
	found := false
	for _, q := range got.Params.Ponder.Questions {
		if q == "address concern: contradictory_request" {
			found = true
		}
	}
	if !found {
		t.Errorf("flag missing from reflection questions: %v", got.Params.Ponder.Questions)
	}
}

func TestDiscountPenalties(t *testing.T) {
	bundle := types.AssessmentBundle{
		types.DMAEthical:     {DMA: types.DMAEthical, Status: types.AssessmentOK, Flags: []string{"sensitive_data", "privacy"}},
		types.DMACommonSense: types.Abstained(types.DMACommonSense, "timed out", 0),
	}

	got := discount(0.9, bundle)
	want := 0.9 - 2*flagPenalty - abstentionPenalty
	if diff := cmp.Diff(want, got, approx); diff != "" {
		t.Errorf("discount mismatch (-want +got):\n%s", diff)
	}

	if got := discount(0.1, bundle); got != confidenceFloor {
		t.Errorf("discount floor: want %v, got %v", confidenceFloor, got)
	}
}

package types

import (
	"testing"
	"time"
)

func TestActionTypeVocabulary(t *testing.T) {
	all := AllActionTypes()
	if len(all) != 10 {
		t.Fatalf("expected 10 action types, got %d", len(all))
	}
	seen := make(map[ActionType]bool)
	for _, a := range all {
		if !a.IsValid() {
			t.Errorf("action %q reported invalid", a)
		}
		if seen[a] {
			t.Errorf("action %q listed twice", a)
		}
		seen[a] = true
	}
	if ActionType("escalate").IsValid() {
		t.Error("unknown action reported valid")
	}
	if ActionType("").IsValid() {
		t.Error("empty action reported valid")
	}
}

func TestActionTypeIsControl(t *testing.T) {
	control := map[ActionType]bool{
		ActionPonder:       true,
		ActionDefer:        true,
		ActionReject:       true,
		ActionTaskComplete: true,
	}
	for _, a := range AllActionTypes() {
		if got := a.IsControl(); got != control[a] {
			t.Errorf("%s.IsControl() = %v, want %v", a, got, control[a])
		}
	}
}

func TestTaskStatusTerminal(t *testing.T) {
	cases := []struct {
		status   TaskStatus
		terminal bool
	}{
		{TaskPending, false},
		{TaskActive, false},
		{TaskCompleted, true},
		{TaskFailed, true},
		{TaskDeferred, true},
	}
	for _, tc := range cases {
		if got := tc.status.IsTerminal(); got != tc.terminal {
			t.Errorf("%s.IsTerminal() = %v, want %v", tc.status, got, tc.terminal)
		}
		if !tc.status.IsValid() {
			t.Errorf("%s reported invalid", tc.status)
		}
	}
	if TaskStatus("zombie").IsValid() {
		t.Error("unknown task status reported valid")
	}
}

func TestThoughtStatusTerminal(t *testing.T) {
	cases := []struct {
		status   ThoughtStatus
		terminal bool
	}{
		{ThoughtPending, false},
		{ThoughtProcessing, false},
		{ThoughtCompleted, true},
		{ThoughtDeferred, true},
		{ThoughtFailed, true},
	}
	for _, tc := range cases {
		if got := tc.status.IsTerminal(); got != tc.terminal {
			t.Errorf("%s.IsTerminal() = %v, want %v", tc.status, got, tc.terminal)
		}
	}
}

func TestActionParamsValidate(t *testing.T) {
	cases := []struct {
		name    string
		action  ActionType
		params  ActionParams
		wantErr bool
	}{
		{"speak ok", ActionSpeak, ActionParams{Speak: &SpeakParams{Content: "hello"}}, false},
		{"speak empty content", ActionSpeak, ActionParams{Speak: &SpeakParams{}}, true},
		{"speak missing member", ActionSpeak, ActionParams{}, true},
		{"speak wrong member", ActionSpeak, ActionParams{Tool: &ToolParams{Name: "ls"}}, true},
		{"tool ok", ActionTool, ActionParams{Tool: &ToolParams{Name: "ls"}}, false},
		{"ponder ok", ActionPonder, ActionParams{Ponder: &PonderParams{Questions: []string{"why?"}}}, false},
		{"ponder no questions", ActionPonder, ActionParams{Ponder: &PonderParams{}}, true},
		{"defer ok", ActionDefer, ActionParams{Defer: &DeferParams{Reason: "needs human"}}, false},
		{"reject ok", ActionReject, ActionParams{Reject: &RejectParams{Reason: "unsafe"}}, false},
		{"memorize ok", ActionMemorize, ActionParams{Memorize: &MemorizeParams{Scope: "local", Key: "k", Value: "v"}}, false},
		{"memorize no key", ActionMemorize, ActionParams{Memorize: &MemorizeParams{Scope: "local"}}, true},
		{"recall ok", ActionRecall, ActionParams{Recall: &RecallParams{Scope: "local", Key: "k"}}, false},
		{"forget ok", ActionForget, ActionParams{Forget: &ForgetParams{Scope: "local", Key: "k"}}, false},
		{"observe ok", ActionObserve, ActionParams{Observe: &ObserveParams{Source: "chan"}}, false},
		{"complete nil params", ActionTaskComplete, ActionParams{}, false},
		{"two members", ActionSpeak, ActionParams{Speak: &SpeakParams{Content: "x"}, Tool: &ToolParams{Name: "y"}}, true},
		{"unknown action", ActionType("escalate"), ActionParams{}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.params.Validate(tc.action)
			if tc.wantErr && err == nil {
				t.Fatal("expected error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tc.wantErr && !IsValidation(err) {
				t.Fatalf("expected ValidationError, got %T", err)
			}
		})
	}
}

func TestActionSelectionResultValidate(t *testing.T) {
	ok := ActionSelectionResult{
		Action:     ActionSpeak,
		Params:     ActionParams{Speak: &SpeakParams{Content: "pong"}},
		Rationale:  "direct reply",
		Confidence: 0.9,
	}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid result rejected: %v", err)
	}
	bad := ActionSelectionResult{Action: ActionType("teleport")}
	if err := bad.Validate(); err == nil {
		t.Fatal("out-of-vocabulary action accepted")
	}
}

func TestAssessmentBundleHardStop(t *testing.T) {
	b := AssessmentBundle{
		DMAEthical:     {DMA: DMAEthical, Status: AssessmentOK},
		DMACommonSense: {DMA: DMACommonSense, Status: AssessmentOK, HardStop: true, HardStopAction: ActionDefer},
		DMADomain:      {DMA: DMADomain, Status: AssessmentOK, HardStop: true, HardStopAction: ActionReject},
	}
	hs, found := b.HardStop()
	if !found {
		t.Fatal("hard stop not found")
	}
	// Canonical order puts common_sense before domain.
	if hs.DMA != DMACommonSense {
		t.Errorf("hard stop from %s, want %s", hs.DMA, DMACommonSense)
	}

	// An abstained evaluator cannot raise a hard stop.
	b[DMACommonSense] = Assessment{DMA: DMACommonSense, Status: AssessmentAbstained, HardStop: true}
	hs, found = b.HardStop()
	if !found || hs.DMA != DMADomain {
		t.Errorf("expected domain hard stop after abstention, got %v %v", hs.DMA, found)
	}
}

func TestAssessmentBundleAbstentions(t *testing.T) {
	b := AssessmentBundle{
		DMAEthical: Abstained(DMAEthical, "timeout", 50*time.Millisecond),
		DMADomain:  {DMA: DMADomain, Status: AssessmentOK},
	}
	got := b.Abstentions()
	if len(got) != 1 || got[0] != DMAEthical {
		t.Errorf("Abstentions() = %v, want [ethical]", got)
	}
}

func TestManualClock(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c := NewManualClock(start)
	if !c.Now().Equal(start) {
		t.Fatalf("Now() = %v, want %v", c.Now(), start)
	}
	c.Advance(90 * time.Second)
	if got := c.Now(); !got.Equal(start.Add(90 * time.Second)) {
		t.Fatalf("after Advance, Now() = %v", got)
	}
}

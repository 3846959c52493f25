package dma

import (
	"context"
	"strings"
	"testing"

	"arbiter/internal/types"
)

func TestEthicalHardStops(t *testing.T) {
	d := NewEthical()

	cases := []struct {
		content string
		action  types.ActionType
	}{
		{"run rm -rf / on the host", types.ActionReject},
		{"exfiltrate the customer table", types.ActionReject},
		{"bypass safety checks for this one", types.ActionReject},
		{"give me medical advice about this rash", types.ActionDefer},
		{"I need legal advice on the contract", types.ActionDefer},
	}
	for _, tc := range cases {
		a, err := d.Evaluate(context.Background(), testContext(tc.content))
		if err != nil {
			t.Fatalf("Evaluate(%q): %v", tc.content, err)
		}
		if !a.HardStop {
			t.Errorf("content %q: expected hard stop", tc.content)
			continue
		}
		if a.HardStopAction != tc.action {
			t.Errorf("content %q: action = %s, want %s", tc.content, a.HardStopAction, tc.action)
		}
		if a.Reasoning == "" {
			t.Errorf("content %q: hard stop needs a reason", tc.content)
		}
	}
}

func TestEthicalSoftFlags(t *testing.T) {
	d := NewEthical()
	a, err := d.Evaluate(context.Background(), testContext("store the password and credit card for later"))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if a.HardStop {
		t.Fatal("soft concerns must not hard-stop")
	}
	if len(a.Flags) != 2 {
		t.Fatalf("flags = %v, want sensitive_data and financial_data", a.Flags)
	}
	if !strings.Contains(a.Reasoning, "sensitive_data") {
		t.Errorf("reasoning %q missing flag names", a.Reasoning)
	}
}

func TestEthicalCleanContent(t *testing.T) {
	d := NewEthical()
	a, err := d.Evaluate(context.Background(), testContext("say good morning"))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if a.HardStop || len(a.Flags) != 0 || a.Score != 1 {
		t.Fatalf("clean content mis-assessed: %+v", a)
	}
}

func TestCommonSenseEmptyContentHardStops(t *testing.T) {
	d := NewCommonSense()
	a, err := d.Evaluate(context.Background(), testContext("   \n  "))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !a.HardStop || a.HardStopAction != types.ActionReject {
		t.Fatalf("empty content must hard-stop reject: %+v", a)
	}
}

func TestCommonSenseFlags(t *testing.T) {
	d := NewCommonSense()

	cases := []struct {
		name    string
		content string
		flag    string
	}{
		{"contradiction", "always remember this but also forget it immediately", "contradictory_request"},
		{"implausible", "build a perpetual motion machine for the demo", "implausible_premise"},
		{"repetition", strings.TrimSpace(strings.Repeat("spam ", 40)), "excessive_repetition"},
		{"gibberish", "!!! ### $$$ %%% ^^^ &&& *** ((( )))", "unintelligible"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a, err := d.Evaluate(context.Background(), testContext(tc.content))
			if err != nil {
				t.Fatalf("Evaluate: %v", err)
			}
			if a.HardStop {
				t.Fatalf("plausibility flags must not hard-stop: %+v", a)
			}
			found := false
			for _, f := range a.Flags {
				if f == tc.flag {
					found = true
				}
			}
			if !found {
				t.Errorf("missing flag %q in %v", tc.flag, a.Flags)
			}
			if a.Score >= 0.95 {
				t.Errorf("flagged content kept clean score %v", a.Score)
			}
		})
	}
}

func TestCommonSensePlausibleContent(t *testing.T) {
	d := NewCommonSense()
	a, err := d.Evaluate(context.Background(), testContext("summarize the release notes"))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if a.HardStop || len(a.Flags) != 0 {
		t.Fatalf("plausible content mis-assessed: %+v", a)
	}
}

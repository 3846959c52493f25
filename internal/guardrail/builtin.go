package guardrail

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"arbiter/internal/types"
)

// =============================================================================
// ACTION LEGALITY
// =============================================================================

// ActionLegality rejects selections outside the closed vocabulary, with
// malformed parameters, or naming an action the active profile forbids.
type ActionLegality struct {
	permitted map[types.ActionType]bool
}

// NewActionLegality builds the rail from the profile's permitted action
// names. An empty list permits the full vocabulary.
func NewActionLegality(actions []string) *ActionLegality {
	permitted := make(map[types.ActionType]bool, len(actions))
	for _, name := range actions {
		permitted[types.ActionType(name)] = true
	}
	if len(permitted) == 0 {
		for _, a := range types.AllActionTypes() {
			permitted[a] = true
		}
	}
	return &ActionLegality{permitted: permitted}
}

func (g *ActionLegality) Name() string { return "action_legality" }

func (g *ActionLegality) Check(ctx context.Context, result types.ActionSelectionResult, tc types.ThoughtContext) Verdict {
	if err := result.Validate(); err != nil {
		return Veto("invalid selection: " + err.Error())
	}
	if !g.permitted[result.Action] {
		return Veto(fmt.Sprintf("action %s is not permitted by profile %s", result.Action, tc.Profile))
	}
	return Allow()
}

// =============================================================================
// PONDER DEPTH CEILING
// =============================================================================

// PonderDepth converts a ponder selected at the depth cap into a deferral.
// This is the unconditional ceiling on reflection loops: no rationale, no
// confidence, and no configuration of the replacement action can keep a
// chain spinning past it.
type PonderDepth struct {
	maxDepth int
}

// NewPonderDepth builds the rail for the configured cap.
func NewPonderDepth(maxDepth int) *PonderDepth {
	return &PonderDepth{maxDepth: maxDepth}
}

func (g *PonderDepth) Name() string { return "ponder_depth" }

func (g *PonderDepth) Check(ctx context.Context, result types.ActionSelectionResult, tc types.ThoughtContext) Verdict {
	if result.Action != types.ActionPonder {
		return Allow()
	}
	if tc.Thought.Depth >= g.maxDepth {
		return VetoWith(types.ActionDefer,
			fmt.Sprintf("max ponder rounds exceeded: depth %d reached the cap of %d", tc.Thought.Depth, g.maxDepth))
	}
	return Allow()
}

// =============================================================================
// CONTENT SAFETY
// =============================================================================

// secretMarkers are substrings that indicate key or credential material in
// outbound content.
var secretMarkers = []string{
	"-----begin",
	"private key",
	"api_key=",
	"secret=",
	"bearer ",
}

// ContentSafety screens outbound content: speak payloads and tool argument
// values. It vetoes secret material and over-length messages.
type ContentSafety struct {
	maxSpeakRunes int
}

// NewContentSafety builds the rail. maxSpeakRunes of zero disables the
// length bound but not the secret screen.
func NewContentSafety(maxSpeakRunes int) *ContentSafety {
	return &ContentSafety{maxSpeakRunes: maxSpeakRunes}
}

func (g *ContentSafety) Name() string { return "content_safety" }

func (g *ContentSafety) Check(ctx context.Context, result types.ActionSelectionResult, tc types.ThoughtContext) Verdict {
	switch result.Action {
	case types.ActionSpeak:
		content := result.Params.Speak.Content
		if g.maxSpeakRunes > 0 && utf8.RuneCountInString(content) > g.maxSpeakRunes {
			return Veto(fmt.Sprintf("outbound message exceeds %d runes", g.maxSpeakRunes))
		}
		if marker, found := matchSecret(content); found {
			return Veto(fmt.Sprintf("outbound content matches secret marker %q", marker))
		}
	case types.ActionTool:
		for key, value := range result.Params.Tool.Args {
			if marker, found := matchSecret(value); found {
				return Veto(fmt.Sprintf("tool argument %q matches secret marker %q", key, marker))
			}
		}
	}
	return Allow()
}

func matchSecret(content string) (string, bool) {
	lower := strings.ToLower(content)
	for _, marker := range secretMarkers {
		if strings.Contains(lower, marker) {
			return marker, true
		}
	}
	return "", false
}

// =============================================================================
// CONFIDENCE FLOOR
// =============================================================================

// ConfidenceFloor sends externally visible actions selected below the
// epistemic floor back for another reflection round instead of letting the
// agent guess; at the ponder cap, where another round cannot help, it
// defers. Control actions are exempt: pondering or deferring at low
// confidence is exactly what low confidence should produce.
type ConfidenceFloor struct {
	min      float64
	maxDepth int
}

// NewConfidenceFloor builds the rail for the configured floor and the
// ponder depth cap.
func NewConfidenceFloor(min float64, maxDepth int) *ConfidenceFloor {
	return &ConfidenceFloor{min: min, maxDepth: maxDepth}
}

func (g *ConfidenceFloor) Name() string { return "confidence_floor" }

func (g *ConfidenceFloor) Check(ctx context.Context, result types.ActionSelectionResult, tc types.ThoughtContext) Verdict {
	if result.Action.IsControl() {
		return Allow()
	}
	if result.Confidence >= g.min {
		return Allow()
	}
	if tc.Thought.Depth >= g.maxDepth {
		return VetoWith(types.ActionDefer,
			fmt.Sprintf("confidence %.2f below floor %.2f for %s at the ponder cap", result.Confidence, g.min, result.Action))
	}
	return VetoWith(types.ActionPonder,
		fmt.Sprintf("confidence %.2f below floor %.2f for %s", result.Confidence, g.min, result.Action))
}

// =============================================================================
// ACTION RATE LIMIT
// =============================================================================

// RateLimit bounds externally visible actions over a sliding window. A pass
// counts as a dispatch; control actions are free.
type RateLimit struct {
	limit  int
	window time.Duration
	clock  types.Clock

	mu     sync.Mutex
	stamps []time.Time
}

// NewRateLimit builds the rail. A limit of zero disables it.
func NewRateLimit(limit int, window time.Duration, clock types.Clock) *RateLimit {
	return &RateLimit{limit: limit, window: window, clock: clock}
}

func (g *RateLimit) Name() string { return "rate_limit" }

func (g *RateLimit) Check(ctx context.Context, result types.ActionSelectionResult, tc types.ThoughtContext) Verdict {
	if g.limit <= 0 || result.Action.IsControl() {
		return Allow()
	}

	now := g.clock.Now()
	cutoff := now.Add(-g.window)

	g.mu.Lock()
	defer g.mu.Unlock()

	kept := g.stamps[:0]
	for _, stamp := range g.stamps {
		if stamp.After(cutoff) {
			kept = append(kept, stamp)
		}
	}
	g.stamps = kept

	if len(g.stamps) >= g.limit {
		return VetoWith(types.ActionDefer,
			fmt.Sprintf("action rate limit reached: %d per %v", g.limit, g.window))
	}
	g.stamps = append(g.stamps, now)
	return Allow()
}

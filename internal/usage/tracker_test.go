package usage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestTrackerAggregatesAndPersists(t *testing.T) {
	ws := t.TempDir()
	tracker, err := NewTracker(ws)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}

	// Suppress the background autosave during the test (debounce uses AfterFunc).
	tracker.dirty = true

	tracker.RecordCall("language", false)
	tracker.RecordCall("language", false)
	tracker.RecordCall("tool", true)
	tracker.RecordTokens("mock", "mock-small", 10, 5)
	tracker.RecordTokens("mock", "mock-small", 2, 3)
	tracker.RecordAction("speak")
	tracker.RecordAction("speak")
	tracker.RecordAction("ponder")
	tracker.RecordRound()
	tracker.RecordThought()

	stats := tracker.Stats()
	if stats.Tokens.Input != 12 || stats.Tokens.Output != 8 || stats.Tokens.Total != 20 {
		t.Fatalf("Tokens=%+v, want input=12 output=8 total=20", stats.Tokens)
	}
	if got := stats.ByProvider["mock"]; got.Total != 20 {
		t.Fatalf("ByProvider[mock]=%+v, want total=20", got)
	}
	if got := stats.ByModel["mock-small"]; got.Total != 20 {
		t.Fatalf("ByModel[mock-small]=%+v, want total=20", got)
	}
	if got := stats.ByCapability["language"]; got.Calls != 2 || got.Failures != 0 {
		t.Fatalf("ByCapability[language]=%+v, want calls=2 failures=0", got)
	}
	if got := stats.ByCapability["tool"]; got.Calls != 1 || got.Failures != 1 {
		t.Fatalf("ByCapability[tool]=%+v, want calls=1 failures=1", got)
	}
	if got := stats.ByAction["speak"]; got != 2 {
		t.Fatalf("ByAction[speak]=%d, want 2", got)
	}
	if stats.Rounds != 1 || stats.Thoughts != 1 {
		t.Fatalf("rounds=%d thoughts=%d, want 1/1", stats.Rounds, stats.Thoughts)
	}
	if tracker.TotalTokens() != 20 {
		t.Fatalf("TotalTokens=%d, want 20", tracker.TotalTokens())
	}

	if err := tracker.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(ws, ".arbiter", "usage.json"))
	if err != nil {
		t.Fatalf("read usage.json: %v", err)
	}
	var persisted Data
	if err := json.Unmarshal(raw, &persisted); err != nil {
		t.Fatalf("unmarshal usage.json: %v", err)
	}
	if persisted.Aggregate.Tokens.Total != 20 {
		t.Fatalf("persisted total=%d, want 20", persisted.Aggregate.Tokens.Total)
	}
}

func TestTrackerReloadsPriorTotals(t *testing.T) {
	ws := t.TempDir()

	first, err := NewTracker(ws)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	first.dirty = true
	first.RecordTokens("mock", "mock-small", 100, 50)
	first.RecordCall("memory", false)
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second, err := NewTracker(ws)
	if err != nil {
		t.Fatalf("NewTracker (restart): %v", err)
	}
	if got := second.TotalTokens(); got != 150 {
		t.Fatalf("TotalTokens after reload=%d, want 150", got)
	}
	if got := second.Stats().ByCapability["memory"]; got.Calls != 1 {
		t.Fatalf("ByCapability[memory]=%+v, want calls=1", got)
	}
}

func TestTrackerToleratesCorruptFile(t *testing.T) {
	ws := t.TempDir()
	dir := filepath.Join(ws, ".arbiter")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "usage.json"), []byte("{not json"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	tracker, err := NewTracker(ws)
	if err != nil {
		t.Fatalf("NewTracker should tolerate corrupt history: %v", err)
	}
	if got := tracker.TotalTokens(); got != 0 {
		t.Fatalf("TotalTokens=%d, want 0 after corrupt load", got)
	}

	// Counters still work after the failed load.
	tracker.dirty = true
	tracker.RecordTokens("mock", "", 1, 1)
	if got := tracker.TotalTokens(); got != 2 {
		t.Fatalf("TotalTokens=%d, want 2", got)
	}
}

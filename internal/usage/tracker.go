package usage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"arbiter/internal/logging"
)

const saveDebounce = 5 * time.Second

// Tracker manages usage accounting and persistence. Counters survive
// restarts: the tracker loads the previous totals on startup and rewrites
// usage.json through a debounced background save.
type Tracker struct {
	mu       sync.Mutex
	data     Data
	filePath string
	dirty    bool
}

// NewTracker creates a usage tracker persisting under the workspace dot-dir.
func NewTracker(workspaceDir string) (*Tracker, error) {
	dir := filepath.Join(workspaceDir, ".arbiter")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create .arbiter dir: %w", err)
	}

	t := &Tracker{
		filePath: filepath.Join(dir, "usage.json"),
		data: Data{
			Version: "1.0",
			Aggregate: Aggregate{
				ByProvider:   make(map[string]TokenCounts),
				ByModel:      make(map[string]TokenCounts),
				ByCapability: make(map[string]CallCounts),
				ByAction:     make(map[string]int64),
			},
		},
	}

	// A corrupt or missing history is not fatal; accounting restarts at zero.
	if err := t.Load(); err != nil {
		logging.UsageWarn("Could not load usage history, starting fresh: %v", err)
	}

	return t, nil
}

// Load reads persisted usage data from disk. A missing file is not an error.
func (t *Tracker) Load() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	raw, err := os.ReadFile(t.filePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, &t.data); err != nil {
		return err
	}

	// Re-init maps dropped by an empty or partial file.
	if t.data.Aggregate.ByProvider == nil {
		t.data.Aggregate.ByProvider = make(map[string]TokenCounts)
	}
	if t.data.Aggregate.ByModel == nil {
		t.data.Aggregate.ByModel = make(map[string]TokenCounts)
	}
	if t.data.Aggregate.ByCapability == nil {
		t.data.Aggregate.ByCapability = make(map[string]CallCounts)
	}
	if t.data.Aggregate.ByAction == nil {
		t.data.Aggregate.ByAction = make(map[string]int64)
	}

	return nil
}

// Save writes the usage data to disk.
func (t *Tracker) Save() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.saveLocked()
}

func (t *Tracker) saveLocked() error {
	data, err := json.MarshalIndent(t.data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(t.filePath, data, 0644)
}

// Close flushes pending counters to disk.
func (t *Tracker) Close() error {
	return t.Save()
}

// RecordCall notes one capability invocation routed through the service bus.
func (t *Tracker) RecordCall(capability string, failed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry := t.data.Aggregate.ByCapability[capability]
	entry.Calls++
	if failed {
		entry.Failures++
	}
	t.data.Aggregate.ByCapability[capability] = entry
	t.scheduleSaveLocked()
}

// RecordTokens adds token counts reported by a language provider.
func (t *Tracker) RecordTokens(provider, model string, input, output int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.data.Aggregate.Tokens.Add(input, output)
	addTokens(t.data.Aggregate.ByProvider, provider, input, output)
	if model != "" {
		addTokens(t.data.Aggregate.ByModel, model, input, output)
	}
	t.scheduleSaveLocked()
}

// RecordAction notes one dispatched action by type.
func (t *Tracker) RecordAction(action string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.data.Aggregate.ByAction[action]++
	t.scheduleSaveLocked()
}

// RecordRound notes one completed processing round.
func (t *Tracker) RecordRound() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.data.Aggregate.Rounds++
	t.scheduleSaveLocked()
}

// RecordThought notes one finalized thought.
func (t *Tracker) RecordThought() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.data.Aggregate.Thoughts++
	t.scheduleSaveLocked()
}

// Stats returns a copy of the aggregated counters.
func (t *Tracker) Stats() Aggregate {
	t.mu.Lock()
	defer t.mu.Unlock()

	agg := t.data.Aggregate
	agg.ByProvider = copyTokenMap(agg.ByProvider)
	agg.ByModel = copyTokenMap(agg.ByModel)
	agg.ByCapability = copyCallMap(agg.ByCapability)
	agg.ByAction = copyCountMap(agg.ByAction)
	return agg
}

// TotalTokens reports the lifetime token total. The resource monitor reads
// this for token budget checks.
func (t *Tracker) TotalTokens() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.data.Aggregate.Tokens.Total
}

// Debounced auto-save so frequent counter bumps during a round do not each
// rewrite the file.
func (t *Tracker) scheduleSaveLocked() {
	if t.dirty {
		return
	}
	t.dirty = true
	time.AfterFunc(saveDebounce, func() {
		if err := t.Save(); err != nil {
			logging.UsageError("Save failed: %v", err)
		}
		t.mu.Lock()
		t.dirty = false
		t.mu.Unlock()
	})
}

func addTokens(m map[string]TokenCounts, key string, input, output int) {
	entry := m[key]
	entry.Add(input, output)
	m[key] = entry
}

func copyTokenMap(src map[string]TokenCounts) map[string]TokenCounts {
	dst := make(map[string]TokenCounts, len(src))
	for key, counts := range src {
		dst[key] = counts
	}
	return dst
}

func copyCallMap(src map[string]CallCounts) map[string]CallCounts {
	dst := make(map[string]CallCounts, len(src))
	for key, counts := range src {
		dst[key] = counts
	}
	return dst
}

func copyCountMap(src map[string]int64) map[string]int64 {
	dst := make(map[string]int64, len(src))
	for key, count := range src {
		dst[key] = count
	}
	return dst
}

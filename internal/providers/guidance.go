package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"arbiter/internal/logging"
	"arbiter/internal/types"
)

// Guidance operations.
const OpRequest = "request"

const (
	requestSuffix    = ".request.json"
	resolutionSuffix = ".resolution.json"
	appliedSuffix    = ".applied.json"
)

// guidanceRequest is the file handed to the external authority.
type guidanceRequest struct {
	DeferralID string            `json:"deferral_id"`
	TaskID     string            `json:"task_id,omitempty"`
	ThoughtID  string            `json:"thought_id,omitempty"`
	Reason     string            `json:"reason"`
	Context    map[string]string `json:"context,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// guidanceResolution is the file the authority writes back.
type guidanceResolution struct {
	Resolution string `json:"resolution"`
}

// FileGuidanceProvider routes deferrals to an external authority through a
// shared inbox directory: one request file per deferral, answered by a
// matching resolution file.
type FileGuidanceProvider struct {
	inboxDir string
	clock    types.Clock
}

// NewFileGuidanceProvider returns a guidance provider writing request files
// under inboxDir.
func NewFileGuidanceProvider(inboxDir string, clock types.Clock) *FileGuidanceProvider {
	return &FileGuidanceProvider{inboxDir: inboxDir, clock: clock}
}

func (p *FileGuidanceProvider) Name() string { return "file-guidance" }

func (p *FileGuidanceProvider) Capabilities() []types.Capability {
	return []types.Capability{types.CapabilityGuidance}
}

func (p *FileGuidanceProvider) Operations(types.Capability) []string {
	return []string{OpRequest}
}

func (p *FileGuidanceProvider) Call(ctx context.Context, req types.Request) (types.Response, error) {
	if req.Operation != OpRequest {
		return types.Response{}, &types.ValidationError{
			Field:  "operation",
			Reason: fmt.Sprintf("guidance does not support %q", req.Operation),
		}
	}

	deferralID := stringParam(req.Params, "deferral_id")
	if deferralID == "" {
		return types.Response{}, &types.ValidationError{Field: "deferral_id", Reason: "request requires a deferral id"}
	}

	gr := guidanceRequest{
		DeferralID: deferralID,
		TaskID:     req.TaskID,
		ThoughtID:  req.ThoughtID,
		Reason:     stringParam(req.Params, "reason"),
		CreatedAt:  p.clock.Now(),
	}
	if raw, ok := req.Params["context"].(map[string]string); ok {
		gr.Context = raw
	}

	if err := os.MkdirAll(p.inboxDir, 0755); err != nil {
		return types.Response{}, fmt.Errorf("create guidance inbox: %w", err)
	}
	data, err := json.MarshalIndent(gr, "", "  ")
	if err != nil {
		return types.Response{}, fmt.Errorf("encode guidance request: %w", err)
	}
	path := filepath.Join(p.inboxDir, deferralID+requestSuffix)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return types.Response{}, fmt.Errorf("write guidance request: %w", err)
	}

	logging.Guidance("Guidance requested for deferral %s: %s", deferralID, gr.Reason)
	return types.Response{Data: map[string]any{"file": path}}, nil
}

// =============================================================================
// RESOLUTION INBOX WATCHER
// =============================================================================
// Watches the guidance inbox for <deferral-id>.resolution.json files. Events
// are debounced so a half-written file is not read mid-save; applied files
// are renamed so a restart does not re-apply them.

// ResolutionFunc is called once per settled resolution file. Returning an
// error leaves the file in place for a later retry.
type ResolutionFunc func(deferralID, resolution string) error

// InboxWatcherStats counts watcher activity.
type InboxWatcherStats struct {
	FilesSeen int
	Applied   int
	Errors    int
}

// InboxWatcher reacts to resolution files appearing in the guidance inbox.
type InboxWatcher struct {
	mu          sync.RWMutex
	watcher     *fsnotify.Watcher
	inboxDir    string
	onResolve   ResolutionFunc
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
	stats       InboxWatcherStats
}

// NewInboxWatcher creates a watcher over inboxDir calling onResolve for
// each settled resolution.
func NewInboxWatcher(inboxDir string, onResolve ResolutionFunc) (*InboxWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &InboxWatcher{
		watcher:     watcher,
		inboxDir:    inboxDir,
		onResolve:   onResolve,
		debounceMap: make(map[string]time.Time),
		debounceDur: 300 * time.Millisecond,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; the loop runs in its own goroutine.
// Resolution files already sitting in the inbox are swept first, so answers
// written while the agent was down are not lost.
func (w *InboxWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := os.MkdirAll(w.inboxDir, 0755); err != nil {
		return fmt.Errorf("create guidance inbox: %w", err)
	}
	if err := w.watcher.Add(w.inboxDir); err != nil {
		return fmt.Errorf("watch guidance inbox: %w", err)
	}
	logging.Guidance("Watching guidance inbox: %s", w.inboxDir)

	if err := w.Sweep(); err != nil {
		logging.GuidanceWarn("Initial inbox sweep failed: %v", err)
	}

	go w.run(ctx)
	return nil
}

// Stop halts the watcher and waits for the loop to exit.
func (w *InboxWatcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		logging.GuidanceWarn("Error closing inbox watcher: %v", err)
	}
}

// Stats returns a copy of the activity counters.
func (w *InboxWatcher) Stats() InboxWatcherStats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats
}

func (w *InboxWatcher) run(ctx context.Context) {
	defer close(w.doneCh)

	debounceTicker := time.NewTicker(100 * time.Millisecond)
	defer debounceTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.GuidanceWarn("Inbox watcher error: %v", err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()

		case <-debounceTicker.C:
			w.processSettled()
		}
	}
}

func (w *InboxWatcher) handleEvent(event fsnotify.Event) {
	if !strings.HasSuffix(event.Name, resolutionSuffix) {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return
	}

	w.mu.Lock()
	w.stats.FilesSeen++
	w.debounceMap[event.Name] = time.Now()
	w.mu.Unlock()
}

func (w *InboxWatcher) processSettled() {
	w.mu.Lock()
	now := time.Now()
	var settled []string
	for path, eventTime := range w.debounceMap {
		if now.Sub(eventTime) >= w.debounceDur {
			settled = append(settled, path)
			delete(w.debounceMap, path)
		}
	}
	w.mu.Unlock()

	for _, path := range settled {
		w.apply(path)
	}
}

// Sweep processes every resolution file currently in the inbox.
func (w *InboxWatcher) Sweep() error {
	entries, err := os.ReadDir(w.inboxDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), resolutionSuffix) {
			continue
		}
		w.apply(filepath.Join(w.inboxDir, entry.Name()))
	}
	return nil
}

func (w *InboxWatcher) apply(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		logging.GuidanceWarn("Could not read resolution %s: %v", path, err)
		w.countError()
		return
	}

	var res guidanceResolution
	if err := json.Unmarshal(data, &res); err != nil {
		logging.GuidanceWarn("Malformed resolution %s: %v", path, err)
		w.countError()
		return
	}
	if res.Resolution == "" {
		logging.GuidanceWarn("Resolution %s has no resolution text", path)
		w.countError()
		return
	}

	deferralID := strings.TrimSuffix(filepath.Base(path), resolutionSuffix)
	if err := w.onResolve(deferralID, res.Resolution); err != nil {
		// Left in place; the next sweep or event retries it.
		logging.GuidanceWarn("Resolution for %s not applied: %v", deferralID, err)
		w.countError()
		return
	}

	applied := strings.TrimSuffix(path, resolutionSuffix) + appliedSuffix
	if err := os.Rename(path, applied); err != nil {
		logging.GuidanceWarn("Could not archive resolution %s: %v", path, err)
	}

	w.mu.Lock()
	w.stats.Applied++
	w.mu.Unlock()
	logging.Guidance("Applied resolution for deferral %s", deferralID)
}

func (w *InboxWatcher) countError() {
	w.mu.Lock()
	w.stats.Errors++
	w.mu.Unlock()
}

// Package providers holds the built-in capability providers: scoped graph
// memory over the store, console communication, the named-tool registry,
// guidance request routing with an fsnotify resolution inbox, a
// deterministic language provider, and audit trail reads.
package providers

import (
	"context"
	"fmt"

	"arbiter/internal/logging"
	"arbiter/internal/store"
	"arbiter/internal/types"
)

// DefaultScope is used when a memory request names no scope.
const DefaultScope = "local"

// Memory operations.
const (
	OpMemorize = "memorize"
	OpRecall   = "recall"
	OpForget   = "forget"
)

// MemoryProvider serves scoped key/value memory backed by the store.
// Writes upsert and deletes are idempotent, so retried actions are safe.
type MemoryProvider struct {
	store *store.Store
	clock types.Clock
}

// NewMemoryProvider returns a memory provider over st.
func NewMemoryProvider(st *store.Store, clock types.Clock) *MemoryProvider {
	return &MemoryProvider{store: st, clock: clock}
}

func (p *MemoryProvider) Name() string { return "store-memory" }

func (p *MemoryProvider) Capabilities() []types.Capability {
	return []types.Capability{types.CapabilityMemory}
}

func (p *MemoryProvider) Operations(types.Capability) []string {
	return []string{OpMemorize, OpRecall, OpForget}
}

func (p *MemoryProvider) Call(ctx context.Context, req types.Request) (types.Response, error) {
	scope := stringParam(req.Params, "scope")
	if scope == "" {
		scope = DefaultScope
	}
	key := stringParam(req.Params, "key")

	switch req.Operation {
	case OpMemorize:
		if key == "" {
			return types.Response{}, &types.ValidationError{Field: "key", Reason: "memorize requires a key"}
		}
		rec := types.MemoryRecord{
			Scope:     scope,
			Key:       key,
			Value:     stringParam(req.Params, "value"),
			UpdatedAt: p.clock.Now(),
		}
		if err := p.store.UpsertMemory(ctx, rec); err != nil {
			return types.Response{}, err
		}
		logging.MemoryDebug("Memorized %s/%s", scope, key)
		return types.Response{Data: map[string]any{"scope": scope, "key": key}}, nil

	case OpRecall:
		if key != "" {
			rec, found, err := p.store.GetMemory(ctx, scope, key)
			if err != nil {
				return types.Response{}, err
			}
			if !found {
				return types.Response{Data: map[string]any{"found": false}}, nil
			}
			return types.Response{
				Content: rec.Value,
				Data:    map[string]any{"found": true, "updated_at": rec.UpdatedAt},
			}, nil
		}
		records, err := p.store.ListMemoryScope(ctx, scope)
		if err != nil {
			return types.Response{}, err
		}
		listed := make([]map[string]any, len(records))
		for i, rec := range records {
			listed[i] = map[string]any{"key": rec.Key, "value": rec.Value}
		}
		return types.Response{Data: map[string]any{"found": len(listed) > 0, "records": listed}}, nil

	case OpForget:
		if key == "" {
			return types.Response{}, &types.ValidationError{Field: "key", Reason: "forget requires a key"}
		}
		removed, err := p.store.DeleteMemory(ctx, scope, key)
		if err != nil {
			return types.Response{}, err
		}
		logging.MemoryDebug("Forgot %s/%s (existed=%v)", scope, key, removed)
		return types.Response{Data: map[string]any{"removed": removed}}, nil

	default:
		return types.Response{}, &types.ValidationError{
			Field:  "operation",
			Reason: fmt.Sprintf("memory does not support %q", req.Operation),
		}
	}
}

func stringParam(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

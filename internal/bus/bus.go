// Package bus routes capability requests to registered providers with
// tier-and-health ranking, automatic failover, and per-(provider,
// capability) circuit breakers.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"arbiter/internal/config"
	"arbiter/internal/events"
	"arbiter/internal/logging"
	"arbiter/internal/store"
	"arbiter/internal/types"
	"arbiter/internal/usage"
)

const responseExcerptLimit = 500

// Bus is the capability router. Handlers call capabilities by name and
// never see concrete providers; the bus picks the best available candidate
// and absorbs provider failures into breaker state.
type Bus struct {
	registry *Registry
	breakers *breakerSet
	timeout  time.Duration
	clock    types.Clock
	store    *store.Store
	tracker  *usage.Tracker
	stream   *events.Stream
}

// New creates a bus over the given registry. The store records service
// correlations (nil disables tracing); tracker and stream may also be nil.
func New(cfg *config.Config, registry *Registry, st *store.Store, clock types.Clock, tracker *usage.Tracker, stream *events.Stream) *Bus {
	return &Bus{
		registry: registry,
		breakers: newBreakerSet(BreakerSettings{
			FailureThreshold: cfg.Bus.Breaker.FailureThreshold,
			BaseCooldown:     cfg.GetBaseCooldown(),
			MaxCooldown:      cfg.GetMaxCooldown(),
		}),
		timeout: cfg.GetCallTimeout(),
		clock:   clock,
		store:   st,
		tracker: tracker,
		stream:  stream,
	}
}

// Registry returns the provider registry backing this bus.
func (b *Bus) Registry() *Registry { return b.registry }

// Call routes one capability request. Candidates supporting the operation
// are ranked by tier, then breaker health, then recent latency; the first
// to succeed wins. When
// every candidate is rejected or fails, the caller gets a typed
// CapabilityUnavailableError listing what was attempted.
func (b *Bus) Call(ctx context.Context, req types.Request) (types.Response, error) {
	if !req.Capability.IsValid() {
		return types.Response{}, &types.ValidationError{
			Field:  "capability",
			Reason: fmt.Sprintf("unknown capability %q", req.Capability),
		}
	}
	if req.Operation == "" {
		return types.Response{}, &types.ValidationError{Field: "operation", Reason: "operation is required"}
	}

	candidates := b.registry.Candidates(req.Capability)
	if len(candidates) == 0 {
		logging.BusWarn("No providers registered for capability %q", req.Capability)
		return types.Response{}, &types.CapabilityUnavailableError{Capability: string(req.Capability)}
	}

	ranked := b.rank(candidates, req.Capability, req.Operation, b.clock.Now())

	attempted := make([]string, 0, len(ranked))
	var lastErr error
	for _, cand := range ranked {
		name := cand.Provider.Name()
		br := b.breakers.get(name, req.Capability)
		if !br.Allow(b.clock.Now()) {
			continue
		}

		attempted = append(attempted, name)
		resp, err := b.invoke(ctx, cand.Provider, br, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		// The caller's own context is done; further failover would only
		// burn breakers on calls doomed to the same deadline.
		if ctx.Err() != nil {
			break
		}
	}

	err := &types.CapabilityUnavailableError{
		Capability: string(req.Capability),
		Attempted:  attempted,
		Last:       lastErr,
	}
	logging.BusWarn("Capability %q unavailable: attempted=%v last=%v", req.Capability, attempted, lastErr)
	return types.Response{}, err
}

// rank filters candidates to those declaring support for the requested
// operation and whose breaker would admit a call now, then orders them by
// tier, breaker state (closed ahead of probing), and last observed latency.
func (b *Bus) rank(candidates []Registration, capability types.Capability, operation string, now time.Time) []Registration {
	type scored struct {
		reg      Registration
		probing  bool
		latency  time.Duration
	}

	list := make([]scored, 0, len(candidates))
	for _, cand := range candidates {
		if !supportsOperation(cand.Provider, capability, operation) {
			continue
		}
		br := b.breakers.get(cand.Provider.Name(), capability)
		if !br.available(now) {
			continue
		}
		st := br.status(cand.Provider.Name(), capability)
		list = append(list, scored{
			reg:     cand,
			probing: st.State != BreakerClosed,
			latency: st.LastLatency,
		})
	}

	sort.SliceStable(list, func(i, j int) bool {
		if list[i].reg.Tier != list[j].reg.Tier {
			return list[i].reg.Tier < list[j].reg.Tier
		}
		if list[i].probing != list[j].probing {
			return !list[i].probing
		}
		return list[i].latency < list[j].latency
	})

	out := make([]Registration, len(list))
	for i, s := range list {
		out[i] = s.reg
	}
	return out
}

// supportsOperation reports whether a provider declares the operation. An
// unscoped provider serves everything its capabilities cover.
func supportsOperation(p types.Provider, capability types.Capability, operation string) bool {
	scoped, ok := p.(types.OperationScoped)
	if !ok {
		return true
	}
	for _, op := range scoped.Operations(capability) {
		if op == operation {
			return true
		}
	}
	return false
}

func (b *Bus) invoke(ctx context.Context, p types.Provider, br *breaker, req types.Request) (types.Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	logging.BusDebug("Calling %s/%s via %q", req.Capability, req.Operation, p.Name())
	start := time.Now()
	resp, err := p.Call(callCtx, req)
	latency := time.Since(start)

	outcome := types.CorrelationOK
	if err != nil {
		outcome = types.CorrelationError
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = types.CorrelationTimeout
		}
		logging.BusWarn("Provider %q failed %s/%s after %s: %v", p.Name(), req.Capability, req.Operation, latency, err)
		// A validation error names a malformed request, not provider
		// health; it never counts toward the breaker.
		var invalid *types.ValidationError
		if !errors.As(err, &invalid) {
			if br.RecordFailure(b.clock.Now()) {
				b.breakerChanged(p.Name(), req.Capability, br)
			}
		}
	} else {
		if br.RecordSuccess(latency) {
			b.breakerChanged(p.Name(), req.Capability, br)
		}
	}

	if b.tracker != nil {
		b.tracker.RecordCall(string(req.Capability), err != nil)
		if err == nil && req.Capability == types.CapabilityLanguage {
			input := intField(resp.Data, "input_tokens")
			output := intField(resp.Data, "output_tokens")
			if input > 0 || output > 0 {
				b.tracker.RecordTokens(p.Name(), stringField(resp.Data, "model"), input, output)
			}
		}
	}

	b.recordCorrelation(p.Name(), req, resp, outcome, latency, err)
	return resp, err
}

// recordCorrelation traces one call to the store. Best-effort: a fresh
// short-lived context, because the calling context may already be done.
func (b *Bus) recordCorrelation(provider string, req types.Request, resp types.Response, outcome string, latency time.Duration, callErr error) {
	if b.store == nil {
		return
	}

	corr := types.ServiceCorrelation{
		ID:         uuid.NewString(),
		Capability: string(req.Capability),
		Operation:  req.Operation,
		Provider:   provider,
		ThoughtID:  req.ThoughtID,
		Outcome:    outcome,
		Latency:    latency,
		CreatedAt:  b.clock.Now(),
	}
	if len(req.Params) > 0 {
		if raw, err := json.Marshal(req.Params); err == nil {
			corr.Request = string(raw)
		}
	}
	if callErr != nil {
		corr.Response = callErr.Error()
	} else {
		corr.Response = excerpt(resp.Content, responseExcerptLimit)
	}

	insertCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.store.InsertCorrelation(insertCtx, corr); err != nil {
		logging.BusDebug("Correlation record dropped: %v", err)
	}
}

func (b *Bus) breakerChanged(provider string, capability types.Capability, br *breaker) {
	st := br.status(provider, capability)
	logging.Bus("Breaker %s/%s -> %s", provider, capability, st.State)
	if b.stream == nil {
		return
	}
	b.stream.Emit(events.Event{
		Kind:    events.KindBreakerChanged,
		Message: fmt.Sprintf("%s/%s %s", provider, capability, st.State),
		Fields: map[string]string{
			"provider":   provider,
			"capability": string(capability),
			"state":      string(st.State),
		},
	})
}

// Breakers returns a sorted view of every breaker created so far.
func (b *Bus) Breakers() []BreakerStatus {
	return b.breakers.statuses()
}

// Providers describes the current registrations.
func (b *Bus) Providers() []ProviderInfo {
	return b.registry.List()
}

func excerpt(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

func intField(data map[string]any, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func stringField(data map[string]any, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

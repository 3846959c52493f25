// Package dma houses the decision-making algorithms: the parallel assessment
// evaluators (ethical, common sense, domain) and the action selection pass
// that synthesizes one action from their combined output.
//
// Evaluators are pure functions of the thought context. Each runs under its
// own budget; an overrun, error, or panic becomes an abstention in the
// bundle, never a pipeline failure. A hard stop from the assessment pass
// forces a conservative terminal action and skips selection entirely.
package dma

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"arbiter/internal/config"
	"arbiter/internal/logging"
	"arbiter/internal/types"
)

// DMA is one decision-making algorithm in the parallel assessment pass.
// Implementations must be safe for concurrent use; one instance serves
// every in-flight thought.
type DMA interface {
	Name() string
	Evaluate(ctx context.Context, tc types.ThoughtContext) (types.Assessment, error)
}

// Pipeline runs the assessment pass and synthesizes one action selection
// per thought.
type Pipeline struct {
	evaluators       []DMA
	selector         *SelectionDMA
	dmaTimeout       time.Duration
	selectionTimeout time.Duration
}

// New builds a pipeline over the given evaluators. Evaluator order is the
// canonical reporting order; execution is parallel.
func New(cfg *config.Config, evaluators []DMA, selector *SelectionDMA) *Pipeline {
	return &Pipeline{
		evaluators:       evaluators,
		selector:         selector,
		dmaTimeout:       cfg.GetDMATimeout(),
		selectionTimeout: cfg.GetSelectionTimeout(),
	}
}

// FromProfile builds the pipeline the active profile asks for. Domain rules
// are the built-in base set plus the optional rule file named by
// pipeline.domain_rules_path (resolved against the workspace).
func FromProfile(cfg *config.Config, workspace string) (*Pipeline, error) {
	profile := cfg.ActiveProfile()
	evaluators := make([]DMA, 0, len(profile.DMAs))
	for _, name := range profile.DMAs {
		switch name {
		case types.DMAEthical:
			evaluators = append(evaluators, NewEthical())
		case types.DMACommonSense:
			evaluators = append(evaluators, NewCommonSense())
		case types.DMADomain:
			var extra string
			if path := cfg.Pipeline.DomainRulesPath; path != "" {
				if !filepath.IsAbs(path) {
					path = filepath.Join(workspace, path)
				}
				data, err := os.ReadFile(path)
				if err != nil {
					return nil, fmt.Errorf("read domain rules: %w", err)
				}
				extra = string(data)
			}
			d, err := NewDomain(extra)
			if err != nil {
				return nil, err
			}
			evaluators = append(evaluators, d)
		default:
			return nil, fmt.Errorf("profile %q names unknown evaluator %q", cfg.Profile, name)
		}
	}
	return New(cfg, evaluators, NewSelection()), nil
}

// Evaluate runs every assessment evaluator in parallel, then action
// selection, and returns the synthesized decision plus the full bundle for
// the audit record. The only error returned is context cancellation;
// everything an evaluator can do wrong is folded into the bundle.
func (p *Pipeline) Evaluate(ctx context.Context, tc types.ThoughtContext) (types.ActionSelectionResult, types.AssessmentBundle, error) {
	timer := logging.StartTimer(logging.CategoryPipeline, "Evaluate")
	tl := logging.WithThoughtID(logging.CategoryPipeline, tc.Thought.ID)
	tl.Debug("assessment pass: %d evaluators", len(p.evaluators))

	bundle := make(types.AssessmentBundle, len(p.evaluators)+1)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, ev := range p.evaluators {
		wg.Add(1)
		go func(ev DMA) {
			defer wg.Done()
			a := p.runOne(ctx, ev, tc)
			mu.Lock()
			bundle[a.DMA] = a
			mu.Unlock()
		}(ev)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		timer.Stop()
		return types.ActionSelectionResult{}, bundle, err
	}

	// Hard stops override selection entirely.
	if stop, found := bundle.HardStop(); found {
		result := hardStopResult(stop)
		logging.PipelineWarn("hard stop from %s evaluator: %s -> %s", stop.DMA, stop.Reasoning, result.Action)
		timer.StopWithInfo()
		return result, bundle, nil
	}

	result := p.runSelection(ctx, tc, bundle)
	if err := ctx.Err(); err != nil {
		timer.Stop()
		return types.ActionSelectionResult{}, bundle, err
	}

	tl.Debug("selected %s (confidence=%.2f): %s", result.Action, result.Confidence, result.Rationale)
	timer.Stop()
	return result, bundle, nil
}

// runOne executes a single evaluator under the per-evaluator budget. The
// goroutine is not killed on overrun; its late result is simply dropped.
func (p *Pipeline) runOne(ctx context.Context, ev DMA, tc types.ThoughtContext) types.Assessment {
	dmaCtx, cancel := context.WithTimeout(ctx, p.dmaTimeout)
	defer cancel()

	start := time.Now()
	type verdict struct {
		a   types.Assessment
		err error
	}
	done := make(chan verdict, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- verdict{err: fmt.Errorf("evaluator panic: %v", r)}
			}
		}()
		a, err := ev.Evaluate(dmaCtx, tc)
		done <- verdict{a: a, err: err}
	}()

	select {
	case v := <-done:
		elapsed := time.Since(start)
		if v.err != nil {
			logging.PipelineWarn("%s abstained after %v: %v", ev.Name(), elapsed, v.err)
			return types.Abstained(ev.Name(), v.err.Error(), elapsed)
		}
		a := v.a
		a.DMA = ev.Name()
		a.Status = types.AssessmentOK
		a.Latency = elapsed
		return a
	case <-dmaCtx.Done():
		elapsed := time.Since(start)
		logging.PipelineWarn("%s abstained after %v: %v", ev.Name(), elapsed, dmaCtx.Err())
		return types.Abstained(ev.Name(), fmt.Sprintf("evaluation exceeded %v budget", p.dmaTimeout), elapsed)
	}
}

// runSelection executes the action selection evaluator under its own budget
// and validates its output. A missing or malformed selection escalates to
// ponder with the cause recorded, never to a guess.
func (p *Pipeline) runSelection(ctx context.Context, tc types.ThoughtContext, bundle types.AssessmentBundle) types.ActionSelectionResult {
	selCtx, cancel := context.WithTimeout(ctx, p.selectionTimeout)
	defer cancel()

	start := time.Now()
	type verdict struct {
		r   types.ActionSelectionResult
		err error
	}
	done := make(chan verdict, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- verdict{err: fmt.Errorf("selection panic: %v", r)}
			}
		}()
		r, err := p.selector.Select(selCtx, tc, bundle)
		done <- verdict{r: r, err: err}
	}()

	var result types.ActionSelectionResult
	select {
	case v := <-done:
		elapsed := time.Since(start)
		if v.err != nil {
			bundle[types.DMASelection] = types.Abstained(types.DMASelection, v.err.Error(), elapsed)
			return ponderFallback(fmt.Sprintf("action selection failed: %v", v.err))
		}
		result = v.r
		if err := result.Validate(); err != nil {
			logging.PipelineWarn("selection produced invalid result: %v", err)
			bundle[types.DMASelection] = types.Abstained(types.DMASelection, err.Error(), elapsed)
			return ponderFallback(fmt.Sprintf("selected action failed validation: %v", err))
		}
		bundle[types.DMASelection] = types.Assessment{
			DMA:       types.DMASelection,
			Status:    types.AssessmentOK,
			Score:     result.Confidence,
			Reasoning: result.Rationale,
			Latency:   elapsed,
		}
		return result
	case <-selCtx.Done():
		elapsed := time.Since(start)
		reason := fmt.Sprintf("selection exceeded %v budget", p.selectionTimeout)
		bundle[types.DMASelection] = types.Abstained(types.DMASelection, reason, elapsed)
		return ponderFallback(reason)
	}
}

// hardStopResult converts a hard-stop assessment into the forced terminal
// action. Anything other than reject or defer collapses to reject.
func hardStopResult(stop types.Assessment) types.ActionSelectionResult {
	action := stop.HardStopAction
	if action != types.ActionReject && action != types.ActionDefer {
		action = types.ActionReject
	}
	reason := stop.Reasoning
	if reason == "" {
		reason = fmt.Sprintf("hard stop from %s evaluator", stop.DMA)
	}
	result := types.ActionSelectionResult{
		Action:     action,
		Rationale:  reason,
		Confidence: 1,
	}
	switch action {
	case types.ActionReject:
		result.Params.Reject = &types.RejectParams{Reason: reason}
	case types.ActionDefer:
		result.Params.Defer = &types.DeferParams{Reason: reason}
	}
	return result
}

// ponderFallback is the escalation result used when selection cannot be
// trusted. Pondering re-queues the question instead of acting on a guess.
func ponderFallback(cause string) types.ActionSelectionResult {
	return types.ActionSelectionResult{
		Action: types.ActionPonder,
		Params: types.ActionParams{Ponder: &types.PonderParams{
			Questions: []string{"action selection did not produce a usable decision; re-examine the request"},
		}},
		Rationale:  "escalating to ponder: " + cause,
		Confidence: 0.2,
	}
}

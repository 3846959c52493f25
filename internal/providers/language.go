package providers

import (
	"context"
	"fmt"

	"arbiter/internal/types"
)

// Language operations.
const OpEvaluate = "evaluate"

// EchoLanguageProvider is a deterministic language backend for offline runs
// and tests. It answers every evaluation with a fixed transform of the
// prompt and reports approximate token counts the way a real backend would,
// so usage accounting and budget gating stay exercised end to end.
type EchoLanguageProvider struct {
	name  string
	model string
}

// NewEchoLanguageProvider returns the built-in deterministic language
// provider.
func NewEchoLanguageProvider() *EchoLanguageProvider {
	return &EchoLanguageProvider{name: "echo-llm", model: "echo-1"}
}

func (p *EchoLanguageProvider) Name() string { return p.name }

func (p *EchoLanguageProvider) Capabilities() []types.Capability {
	return []types.Capability{types.CapabilityLanguage}
}

func (p *EchoLanguageProvider) Operations(types.Capability) []string {
	return []string{OpEvaluate}
}

func (p *EchoLanguageProvider) Call(ctx context.Context, req types.Request) (types.Response, error) {
	if req.Operation != OpEvaluate {
		return types.Response{}, &types.ValidationError{
			Field:  "operation",
			Reason: fmt.Sprintf("language does not support %q", req.Operation),
		}
	}
	prompt := stringParam(req.Params, "prompt")
	if prompt == "" {
		return types.Response{}, &types.ValidationError{Field: "prompt", Reason: "evaluate requires a prompt"}
	}

	content := "echo: " + prompt
	return types.Response{
		Content: content,
		Data: map[string]any{
			"model":         p.model,
			"input_tokens":  approxTokens(prompt),
			"output_tokens": approxTokens(content),
		},
	}, nil
}

// approxTokens estimates tokens at four characters each, floor one.
func approxTokens(s string) int {
	n := len(s) / 4
	if n < 1 {
		n = 1
	}
	return n
}

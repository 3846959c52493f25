package providers

import (
	"context"
	"errors"
	"fmt"

	"arbiter/internal/audit"
	"arbiter/internal/types"
)

// Audit operations.
const (
	OpTail    = "tail"
	OpVerify  = "verify"
	OpEntries = "entries"
)

// AuditProvider serves read and verification access to the audit chain.
// Appends never route through here; they share the transaction of the
// state change they document.
type AuditProvider struct {
	service *audit.Service
}

// NewAuditProvider returns an audit read provider over the service.
func NewAuditProvider(service *audit.Service) *AuditProvider {
	return &AuditProvider{service: service}
}

func (p *AuditProvider) Name() string { return "audit-chain" }

func (p *AuditProvider) Capabilities() []types.Capability {
	return []types.Capability{types.CapabilityAudit}
}

func (p *AuditProvider) Operations(types.Capability) []string {
	return []string{OpTail, OpVerify, OpEntries}
}

func (p *AuditProvider) Call(ctx context.Context, req types.Request) (types.Response, error) {
	switch req.Operation {
	case OpTail:
		limit := intParam(req.Params, "limit")
		if limit <= 0 {
			limit = 20
		}
		entries, err := p.service.Tail(ctx, limit)
		if err != nil {
			return types.Response{}, err
		}
		return types.Response{Data: map[string]any{"entries": entries, "count": len(entries)}}, nil

	case OpEntries:
		from := int64(intParam(req.Params, "from"))
		if from < 1 {
			from = 1
		}
		to := int64(intParam(req.Params, "to"))
		entries, err := p.service.Entries(ctx, from, to)
		if err != nil {
			return types.Response{}, err
		}
		return types.Response{Data: map[string]any{"entries": entries, "count": len(entries)}}, nil

	case OpVerify:
		report, err := p.service.Verify(ctx)
		if err != nil && !errors.Is(err, types.ErrTamperDetected) {
			return types.Response{}, err
		}
		// A tampered chain is a verification result, not a provider fault;
		// surfacing it as an error would only trip the breaker.
		return types.Response{
			Data: map[string]any{
				"valid":     report.Valid,
				"entries":   report.Entries,
				"broken_at": report.BrokenAt,
				"reason":    report.Reason,
				"keys_seen": report.KeysSeen,
			},
		}, nil

	default:
		return types.Response{}, &types.ValidationError{
			Field:  "operation",
			Reason: fmt.Sprintf("audit does not support %q", req.Operation),
		}
	}
}

func intParam(params map[string]any, key string) int {
	switch v := params[key].(type) {
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

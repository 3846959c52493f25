package providers

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"arbiter/internal/logging"
	"arbiter/internal/types"
)

// Communication operations.
const (
	OpSend    = "send"
	OpObserve = "observe"
)

const outboxLimit = 100

// Message is one line of traffic on a channel.
type Message struct {
	Channel string    `json:"channel"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// ConsoleProvider delivers outbound messages to a writer (stdout in the
// CLI) and queues inbound messages for OBSERVE. It keeps a bounded outbox
// so operators can inspect recent traffic.
type ConsoleProvider struct {
	out   io.Writer
	clock types.Clock

	mu      sync.Mutex
	outbox  []Message
	inbound []Message
}

// NewConsoleProvider returns a communication provider writing to out.
func NewConsoleProvider(out io.Writer, clock types.Clock) *ConsoleProvider {
	return &ConsoleProvider{out: out, clock: clock}
}

func (p *ConsoleProvider) Name() string { return "console" }

func (p *ConsoleProvider) Capabilities() []types.Capability {
	return []types.Capability{types.CapabilityCommunication}
}

func (p *ConsoleProvider) Operations(types.Capability) []string {
	return []string{OpSend, OpObserve}
}

func (p *ConsoleProvider) Call(ctx context.Context, req types.Request) (types.Response, error) {
	switch req.Operation {
	case OpSend:
		content := stringParam(req.Params, "content")
		if content == "" {
			return types.Response{}, &types.ValidationError{Field: "content", Reason: "send requires content"}
		}
		channel := stringParam(req.Params, "channel")
		if channel == "" {
			channel = "console"
		}

		msg := Message{Channel: channel, Content: content, At: p.clock.Now()}
		if _, err := fmt.Fprintf(p.out, "[%s] %s\n", channel, content); err != nil {
			return types.Response{}, fmt.Errorf("console write: %w", err)
		}

		p.mu.Lock()
		p.outbox = append(p.outbox, msg)
		if len(p.outbox) > outboxLimit {
			p.outbox = p.outbox[len(p.outbox)-outboxLimit:]
		}
		p.mu.Unlock()

		logging.BusDebug("Sent %d bytes to channel %q", len(content), channel)
		return types.Response{Data: map[string]any{"channel": channel, "delivered": true}}, nil

	case OpObserve:
		channel := stringParam(req.Params, "channel")

		p.mu.Lock()
		var kept, drained []Message
		for _, msg := range p.inbound {
			if channel == "" || msg.Channel == channel {
				drained = append(drained, msg)
			} else {
				kept = append(kept, msg)
			}
		}
		p.inbound = kept
		p.mu.Unlock()

		listed := make([]map[string]any, len(drained))
		for i, msg := range drained {
			listed[i] = map[string]any{"channel": msg.Channel, "content": msg.Content}
		}
		return types.Response{Data: map[string]any{"messages": listed, "count": len(drained)}}, nil

	default:
		return types.Response{}, &types.ValidationError{
			Field:  "operation",
			Reason: fmt.Sprintf("communication does not support %q", req.Operation),
		}
	}
}

// Enqueue queues an inbound message for the next OBSERVE.
func (p *ConsoleProvider) Enqueue(channel, content string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inbound = append(p.inbound, Message{Channel: channel, Content: content, At: p.clock.Now()})
}

// Outbox returns a copy of the recent outbound messages.
func (p *ConsoleProvider) Outbox() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Message, len(p.outbox))
	copy(out, p.outbox)
	return out
}

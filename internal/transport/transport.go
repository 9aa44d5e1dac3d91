// Package transport provides a durable, named-queue message transport with
// at-least-once delivery. Each agent owns one inbound queue; messages are
// persisted before Publish returns and acknowledged only after the consumer's
// handler completes, so a crash between handling and acknowledgment results
// in redelivery. Handlers must therefore be idempotent.
package transport

import (
	"context"

	"github.com/voyantlabs/concourse/internal/protocol"
)

// DeadletterQueue receives envelopes rejected by consumers that run a
// deadletter policy.
const DeadletterQueue = "deadletter"

// QueueName returns the deterministic inbound queue name for an agent.
func QueueName(agentID string) string {
	return "agent_" + agentID
}

// Handler processes one delivered envelope. A nil return acknowledges the
// delivery; an error leaves it in flight for redelivery after the lease
// expires.
type Handler func(ctx context.Context, env *protocol.Envelope) error

// Transport is a durable queue abstraction.
type Transport interface {
	// Declare ensures the named queue exists. It is idempotent.
	Declare(ctx context.Context, queue string) error
	// Publish durably stores the envelope on the named queue before returning.
	Publish(ctx context.Context, queue string, env *protocol.Envelope) error
	// Consume delivers envelopes from the named queue to handler, one message
	// in flight at a time, until ctx is cancelled.
	Consume(ctx context.Context, queue string, handler Handler) error
	// Close releases transport resources.
	Close() error
}

// ABOUTME: Transport abstraction between the runtime and the gateway client.
// ABOUTME: Satisfied by rpc.Client and by in-memory fakes in tests.

package runtime

import (
	"context"

	"github.com/threadworks/loom/internal/bus"
)

// Transport is the runtime's view of its gateway connection.
type Transport interface {
	// Start connects and begins receiving. replay is invoked after every
	// successful (re)connection to restore gateway-side registrations.
	Start(ctx context.Context, replay func(context.Context) error) error

	RegisterAgentType(ctx context.Context, agentType string) error
	AddSubscription(ctx context.Context, sub *bus.Subscription) (string, error)

	Publish(ctx context.Context, env *bus.Envelope) error

	// Deliveries yields routed envelopes until the transport closes.
	Deliveries() <-chan *bus.Delivery

	// ShutdownSignals yields gateway-initiated termination requests.
	ShutdownSignals() <-chan string

	Close() error
}

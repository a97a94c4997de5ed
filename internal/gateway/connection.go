// ABOUTME: Represents a single connected worker and its bidirectional stream.
// ABOUTME: Serializes sends so delivery order holds per sender-topic pair.

package gateway

import (
	"log/slog"
	"sync"

	"github.com/threadworks/loom/internal/bus"
	"github.com/threadworks/loom/internal/rpc"
)

// Connection represents a connected worker with its gRPC stream.
type Connection struct {
	ID string

	stream rpc.Control_MessageStreamServer
	sendMu sync.Mutex
	logger *slog.Logger
}

// NewConnection creates a new Connection for a connected worker.
func NewConnection(id string, stream rpc.Control_MessageStreamServer, logger *slog.Logger) *Connection {
	return &Connection{
		ID:     id,
		stream: stream,
		logger: logger,
	}
}

// Deliver sends a routed envelope to the worker. Sends are serialized per
// connection; the stream itself preserves order.
func (c *Connection) Deliver(d *bus.Delivery) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.stream.Send(&rpc.Frame{Deliver: d})
}

// SendShutdown asks the worker to terminate.
func (c *Connection) SendShutdown(reason string) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.stream.Send(&rpc.Frame{Shutdown: &rpc.Shutdown{Reason: reason}})
}

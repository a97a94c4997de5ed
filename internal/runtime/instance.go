// ABOUTME: In-memory cache of live agent instances keyed by AgentID.
// ABOUTME: Each instance owns a mailbox goroutine, so turns never interleave.

package runtime

import (
	"errors"
	"sync"

	"github.com/threadworks/loom/internal/bus"
)

const mailboxDepth = 64

// instance is one activated agent. The mailbox preserves delivery order and
// the turn mutex serializes mailbox turns with reminder turns.
type instance struct {
	id      bus.AgentID
	agent   Agent
	mailbox chan *bus.Envelope

	// turnMu guards a full load-handle-save turn
	turnMu sync.Mutex
}

// instanceFor returns the cached instance for id, constructing it on first
// use. Instances live until the runtime shuts down; there is no eviction.
func (r *Runtime) instanceFor(id bus.AgentID) (*instance, error) {
	select {
	case <-r.shutdownCh:
		return nil, errors.New("runtime shutting down")
	default:
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if inst, ok := r.instances[id]; ok {
		return inst, nil
	}

	factory, ok := r.factories[id.Type]
	if !ok {
		return nil, &UnknownAgentTypeError{AgentType: id.Type}
	}
	agent, err := factory(id)
	if err != nil {
		return nil, err
	}

	inst := &instance{
		id:      id,
		agent:   agent,
		mailbox: make(chan *bus.Envelope, mailboxDepth),
	}
	r.instances[id] = inst

	r.wg.Add(1)
	go r.mailboxLoop(inst)

	r.logger.Debug("agent instance created", "agent", id.String())
	return inst, nil
}

// mailboxLoop drains one instance's deliveries in order.
func (r *Runtime) mailboxLoop(inst *instance) {
	defer r.wg.Done()
	for env := range inst.mailbox {
		r.runEnvelopeTurn(inst, env)
	}
}

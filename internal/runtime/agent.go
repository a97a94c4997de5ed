// ABOUTME: Agent contract for the worker runtime: dispatch routes and reminders.
// ABOUTME: The Turn type is the only window an agent has onto state and the bus.

package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/threadworks/loom/internal/bus"
)

// ErrNoState indicates an agent read its state before ever writing one.
var ErrNoState = errors.New("no state saved for agent")

// HandlerFunc processes one delivered message on behalf of an agent instance.
type HandlerFunc func(ctx context.Context, turn *Turn, env *bus.Envelope) error

// Agent is one addressable actor hosted by the runtime. Routes maps message
// types to handlers; a delivered type with no route is a handling error.
type Agent interface {
	Routes() map[string]HandlerFunc
}

// Remindable is implemented by agent types that accept scheduled callbacks.
type Remindable interface {
	Agent
	HandleReminder(ctx context.Context, turn *Turn, name string) error
}

// Factory constructs an agent instance for a concrete ID. Called at most
// once per ID for the lifetime of the runtime.
type Factory func(id bus.AgentID) (Agent, error)

// Turn is the context of one serialized activation: state loaded before the
// handler ran, plus the operations the handler may perform. A Turn must not
// be retained after the handler returns.
type Turn struct {
	rt      *Runtime
	id      bus.AgentID
	version int64
	data    []byte
	dirty   bool
}

// AgentID returns the identity of the instance being activated.
func (t *Turn) AgentID() bus.AgentID {
	return t.id
}

// State unmarshals the instance's persisted document into v. Returns
// ErrNoState when nothing has been saved yet.
func (t *Turn) State(v any) error {
	if t.data == nil {
		return ErrNoState
	}
	if err := json.Unmarshal(t.data, v); err != nil {
		return fmt.Errorf("decoding state for %s: %w", t.id, err)
	}
	return nil
}

// SetState stages v as the instance's next state version. The write is
// committed after the handler returns without error.
func (t *Turn) SetState(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding state for %s: %w", t.id, err)
	}
	t.data = data
	t.dirty = true
	return nil
}

// Publish sends a message to a topic through the gateway.
func (t *Turn) Publish(ctx context.Context, msgType string, topic bus.TopicID, payload any) error {
	env, err := bus.NewEnvelope(msgType, topic, payload)
	if err != nil {
		return err
	}
	return t.rt.transport.Publish(ctx, env)
}

// ScheduleReminder arms a durable callback named name for this instance.
// Scheduling an existing name replaces its schedule. A zero due duration
// fires as soon as possible; a zero period makes the reminder one-shot.
func (t *Turn) ScheduleReminder(ctx context.Context, name string, due time.Duration, period time.Duration) error {
	return t.rt.scheduler.Schedule(ctx, t.id, name, time.Now().Add(due), period)
}

// CancelReminder removes the named reminder. Unknown names are not an error.
func (t *Turn) CancelReminder(ctx context.Context, name string) error {
	return t.rt.scheduler.Cancel(ctx, t.id, name)
}

// RequestShutdown asks the hosting runtime to stop after the current turn.
func (t *Turn) RequestShutdown() {
	t.rt.requestShutdown("agent requested shutdown")
}

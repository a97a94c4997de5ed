// ABOUTME: Worker runtime hosting agent instances behind a gateway transport.
// ABOUTME: Defers registrations until Start, dispatches turns, re-arms reminders.

package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/threadworks/loom/internal/bus"
	"github.com/threadworks/loom/internal/state"
)

// Runtime lifecycle errors
var (
	// ErrAlreadyStarted indicates a registration arrived after Start.
	ErrAlreadyStarted = errors.New("runtime already started")

	// ErrNotStarted indicates a publish before Start.
	ErrNotStarted = errors.New("runtime not started")
)

// UnknownAgentTypeError indicates a delivery targeted a type with no factory.
type UnknownAgentTypeError struct {
	AgentType string
}

func (e *UnknownAgentTypeError) Error() string {
	return fmt.Sprintf("no factory for agent type %q", e.AgentType)
}

const turnTimeout = 5 * time.Minute

// Runtime hosts agent instances on one worker process. Factories and
// subscriptions registered before Start become visible to the gateway
// atomically when Start runs, so no message can reach a handler that is not
// yet wired.
type Runtime struct {
	transport Transport
	store     state.Store
	scheduler *Scheduler
	logger    *slog.Logger

	mu          sync.Mutex
	factories   map[string]Factory
	pendingSubs []*bus.Subscription
	instances   map[bus.AgentID]*instance
	started     bool

	shutdownOnce   sync.Once
	shutdownReason string
	shutdownCh     chan struct{}
	dispatchDone   chan struct{}
	wg             sync.WaitGroup
}

// New creates a runtime over the given transport and state store.
func New(transport Transport, store state.Store, logger *slog.Logger) *Runtime {
	rt := &Runtime{
		transport:    transport,
		store:        store,
		logger:       logger.With("component", "runtime"),
		factories:    make(map[string]Factory),
		instances:    make(map[bus.AgentID]*instance),
		shutdownCh:   make(chan struct{}),
		dispatchDone: make(chan struct{}),
	}
	rt.scheduler = NewScheduler(store, rt.fireReminder, logger.With("component", "scheduler"))
	return rt
}

// RegisterAgentFactory declares that this worker hosts agentType. Must be
// called before Start; the gateway learns about the type when Start runs.
func (r *Runtime) RegisterAgentFactory(agentType string, factory Factory) error {
	if agentType == "" {
		return errors.New("agent type is required")
	}
	if factory == nil {
		return errors.New("factory is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return ErrAlreadyStarted
	}
	if _, exists := r.factories[agentType]; exists {
		return fmt.Errorf("agent type %q already has a factory", agentType)
	}
	r.factories[agentType] = factory
	return nil
}

// RegisterSubscriptionsFor queues source-keyed subscriptions routing each
// topic type to agentType.
func (r *Runtime) RegisterSubscriptionsFor(agentType string, topicTypes ...string) error {
	for _, topicType := range topicTypes {
		err := r.RegisterSubscription(&bus.Subscription{
			TopicType: topicType,
			AgentType: agentType,
			KeyMode:   bus.KeyFromSource,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// RegisterSubscription queues a routing rule to install at Start.
func (r *Runtime) RegisterSubscription(sub *bus.Subscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return ErrAlreadyStarted
	}
	r.pendingSubs = append(r.pendingSubs, sub)
	return nil
}

// Start connects the transport, registers every queued factory and
// subscription with the gateway, re-arms persisted reminders, and begins
// dispatching deliveries.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return ErrAlreadyStarted
	}
	r.started = true
	r.mu.Unlock()

	if err := r.transport.Start(ctx, r.replay); err != nil {
		return fmt.Errorf("starting transport: %w", err)
	}

	if err := r.scheduler.Rearm(ctx); err != nil {
		return fmt.Errorf("re-arming reminders: %w", err)
	}

	r.wg.Add(2)
	go r.dispatchLoop()
	go r.watchShutdown()

	r.logger.Info("runtime started",
		"agent_types", len(r.factories),
		"subscriptions", len(r.pendingSubs),
	)
	return nil
}

// replay restores gateway-side registrations. The transport calls it after
// every successful connection, including reconnects after an outage.
func (r *Runtime) replay(ctx context.Context) error {
	r.mu.Lock()
	types := make([]string, 0, len(r.factories))
	for agentType := range r.factories {
		types = append(types, agentType)
	}
	subs := make([]*bus.Subscription, len(r.pendingSubs))
	copy(subs, r.pendingSubs)
	r.mu.Unlock()

	for _, agentType := range types {
		if err := r.transport.RegisterAgentType(ctx, agentType); err != nil {
			return fmt.Errorf("registering agent type %q: %w", agentType, err)
		}
	}
	for _, sub := range subs {
		if _, err := r.transport.AddSubscription(ctx, sub); err != nil {
			return fmt.Errorf("adding subscription %s->%s: %w", sub.TopicType, sub.AgentType, err)
		}
	}
	return nil
}

// PublishMessage sends a message to a topic from outside any agent turn.
func (r *Runtime) PublishMessage(ctx context.Context, msgType string, topic bus.TopicID, payload any) error {
	r.mu.Lock()
	started := r.started
	r.mu.Unlock()
	if !started {
		return ErrNotStarted
	}

	env, err := bus.NewEnvelope(msgType, topic, payload)
	if err != nil {
		return err
	}
	return r.transport.Publish(ctx, env)
}

// dispatchLoop feeds deliveries into per-instance mailboxes. It ends when
// the transport's delivery channel closes.
func (r *Runtime) dispatchLoop() {
	defer r.wg.Done()
	defer close(r.dispatchDone)
	for d := range r.transport.Deliveries() {
		inst, err := r.instanceFor(d.Target)
		if err != nil {
			r.logger.Error("dropping delivery",
				"target", d.Target.String(),
				"type", d.Envelope.Type,
				"error", err,
			)
			continue
		}
		inst.mailbox <- d.Envelope
	}
}

// watchShutdown reacts to gateway-initiated termination.
func (r *Runtime) watchShutdown() {
	defer r.wg.Done()
	select {
	case reason, ok := <-r.transport.ShutdownSignals():
		if ok {
			r.requestShutdown(reason)
		}
	case <-r.shutdownCh:
	}
}

// runEnvelopeTurn dispatches one envelope to its handler. A handler error or
// an unrouted message type is logged and contained; it never stops dispatch.
func (r *Runtime) runEnvelopeTurn(inst *instance, env *bus.Envelope) {
	handler, ok := inst.agent.Routes()[env.Type]
	if !ok {
		r.logger.Error("no handler for message type",
			"agent", inst.id.String(),
			"type", env.Type,
		)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), turnTimeout)
	defer cancel()

	err := r.runTurn(ctx, inst, func(t *Turn) error {
		return handler(ctx, t, env)
	})
	if err != nil {
		r.logger.Error("handler failed",
			"agent", inst.id.String(),
			"type", env.Type,
			"error", err,
		)
	}
}

// fireReminder delivers a due reminder through the same turn machinery as
// messages, so reminder handling never races a message handler.
func (r *Runtime) fireReminder(id bus.AgentID, name string) {
	inst, err := r.instanceFor(id)
	if err != nil {
		r.logger.Error("reminder for unknown agent", "agent", id.String(), "name", name, "error", err)
		return
	}
	rem, ok := inst.agent.(Remindable)
	if !ok {
		r.logger.Error("agent does not handle reminders", "agent", id.String(), "name", name)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), turnTimeout)
	defer cancel()

	err = r.runTurn(ctx, inst, func(t *Turn) error {
		return rem.HandleReminder(ctx, t, name)
	})
	if err != nil {
		r.logger.Error("reminder handler failed",
			"agent", id.String(),
			"name", name,
			"error", err,
		)
	}
}

// runTurn executes one load-handle-save activation under the instance's turn
// lock. State writes commit only when the handler returns nil.
func (r *Runtime) runTurn(ctx context.Context, inst *instance, fn func(*Turn) error) error {
	inst.turnMu.Lock()
	defer inst.turnMu.Unlock()

	turn := &Turn{rt: r, id: inst.id}
	snap, err := r.store.LoadState(ctx, inst.id)
	switch {
	case err == nil:
		turn.version = snap.Version
		turn.data = snap.Data
	case errors.Is(err, state.ErrNotFound):
		// first activation
	default:
		return fmt.Errorf("loading state for %s: %w", inst.id, err)
	}

	if err := fn(turn); err != nil {
		return err
	}

	if turn.dirty {
		if err := r.store.SaveState(ctx, inst.id, turn.version, turn.data); err != nil {
			return fmt.Errorf("saving state for %s: %w", inst.id, err)
		}
	}
	return nil
}

func (r *Runtime) requestShutdown(reason string) {
	r.shutdownOnce.Do(func() {
		r.shutdownReason = reason
		close(r.shutdownCh)
		r.logger.Info("shutdown requested", "reason", reason)
	})
}

// ShutdownRequested closes when the gateway or an agent asks this worker to
// stop. The owner is expected to call Shutdown.
func (r *Runtime) ShutdownRequested() <-chan struct{} {
	return r.shutdownCh
}

// Shutdown stops the scheduler, closes the transport, and waits for
// in-flight turns to drain.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.requestShutdown("shutdown called")
	r.scheduler.Close()

	r.mu.Lock()
	started := r.started
	r.mu.Unlock()

	// Closing the transport ends the delivery channel, which ends the
	// dispatch loop. Mailboxes close only after dispatch stops feeding them.
	err := r.transport.Close()
	if started {
		select {
		case <-r.dispatchDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	r.mu.Lock()
	for _, inst := range r.instances {
		close(inst.mailbox)
	}
	r.instances = make(map[bus.AgentID]*instance)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err != nil {
		return fmt.Errorf("closing transport: %w", err)
	}
	return nil
}

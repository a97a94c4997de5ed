// ABOUTME: Subscription registry: which agent types exist and which topics route to them.
// ABOUTME: Single-writer-many-reader tables; a returned write is visible to every later Route.

package gateway

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/threadworks/loom/internal/bus"
)

// Registry errors
var (
	// ErrAgentTypeRegistered indicates the type is already owned by a
	// different worker endpoint.
	ErrAgentTypeRegistered = errors.New("agent type registered to another worker")

	// ErrSubscriptionNotFound indicates no subscription exists with the ID.
	ErrSubscriptionNotFound = errors.New("subscription not found")
)

// Target is one routing decision: an agent instance on a specific worker.
type Target struct {
	Worker string
	Agent  bus.AgentID
}

// Registry is the gateway's source of truth for agent types and topic
// subscriptions. It performs no business logic.
type Registry struct {
	mu     sync.RWMutex
	types  map[string]string            // agent type -> worker ID
	subs   map[string]*bus.Subscription // subscription ID -> rule
	owners map[string]string            // subscription ID -> worker ID
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		types:  make(map[string]string),
		subs:   make(map[string]*bus.Subscription),
		owners: make(map[string]string),
		logger: logger,
	}
}

// RegisterAgentType records that workerID can instantiate agentType.
// Re-registration from the same worker is idempotent; from a different
// worker it fails.
func (r *Registry) RegisterAgentType(agentType, workerID string) error {
	if agentType == "" {
		return errors.New("empty agent type")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, exists := r.types[agentType]; exists && owner != workerID {
		return fmt.Errorf("%w: %s owned by %s", ErrAgentTypeRegistered, agentType, owner)
	}
	r.types[agentType] = workerID
	r.logger.Info("agent type registered", "agent_type", agentType, "worker_id", workerID)
	return nil
}

// AddSubscription installs a routing rule and returns its generated ID.
func (r *Registry) AddSubscription(workerID string, sub *bus.Subscription) (string, error) {
	if err := sub.Validate(); err != nil {
		return "", err
	}
	installed := *sub
	if installed.KeyMode == "" {
		installed.KeyMode = bus.KeyFromSource
	}
	installed.ID = uuid.New().String()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[installed.ID] = &installed
	r.owners[installed.ID] = workerID
	r.logger.Info("subscription added",
		"subscription_id", installed.ID,
		"topic_type", installed.TopicType,
		"agent_type", installed.AgentType,
	)
	return installed.ID, nil
}

// RemoveSubscription deletes a routing rule.
func (r *Registry) RemoveSubscription(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[id]; !ok {
		return ErrSubscriptionNotFound
	}
	delete(r.subs, id)
	delete(r.owners, id)
	return nil
}

// Subscriptions returns installed rules, optionally filtered by topic type.
func (r *Registry) Subscriptions(topicType string) []*bus.Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*bus.Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		if topicType != "" && sub.TopicType != topicType {
			continue
		}
		copied := *sub
		out = append(out, &copied)
	}
	return out
}

// WorkerFor returns the worker owning an agent type.
func (r *Registry) WorkerFor(agentType string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.types[agentType]
	return w, ok
}

// Route computes every agent instance that must receive the envelope, by
// intersecting its topic type with the subscription set and deriving the
// instance key per rule.
func (r *Registry) Route(env *bus.Envelope) []Target {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var targets []Target
	seen := make(map[bus.AgentID]bool)
	for _, sub := range r.subs {
		if sub.TopicType != env.Topic.Type {
			continue
		}
		id := bus.AgentID{Type: sub.AgentType, Key: sub.DeriveKey(env.Topic.Source)}
		if seen[id] {
			continue
		}
		seen[id] = true

		worker, ok := r.types[sub.AgentType]
		if !ok {
			r.logger.Warn("subscription matches unregistered agent type",
				"agent_type", sub.AgentType,
				"topic_type", sub.TopicType,
			)
			continue
		}
		targets = append(targets, Target{Worker: worker, Agent: id})
	}
	return targets
}

// DropWorker removes every registration and subscription owned by workerID.
// Called when a worker's connection ends.
func (r *Registry) DropWorker(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for agentType, owner := range r.types {
		if owner == workerID {
			delete(r.types, agentType)
		}
	}
	for id, owner := range r.owners {
		if owner == workerID {
			delete(r.subs, id)
			delete(r.owners, id)
		}
	}
	r.logger.Info("worker registrations dropped", "worker_id", workerID)
}

// ABOUTME: Core vocabulary types for topic-routed messaging: agent IDs, topics, envelopes.
// ABOUTME: Shared by the gateway, the worker runtime, and every agent implementation.

package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AgentID addresses one logical, possibly-not-yet-materialized agent instance.
type AgentID struct {
	Type string `json:"type"`
	Key  string `json:"key"`
}

// String renders the ID in the "Type/Key" form used in logs and storage keys.
func (id AgentID) String() string {
	return id.Type + "/" + id.Key
}

// Validate reports whether both halves of the ID are present.
func (id AgentID) Validate() error {
	if id.Type == "" {
		return errors.New("agent id: empty type")
	}
	if id.Key == "" {
		return errors.New("agent id: empty key")
	}
	return nil
}

// TopicID scopes message delivery to a role (Type) and a workflow instance (Source).
type TopicID struct {
	Type   string `json:"type"`
	Source string `json:"source"`
}

func (t TopicID) String() string {
	return t.Type + ":" + t.Source
}

// KeyMode selects how a subscription derives the target AgentID.Key from a topic.
type KeyMode string

const (
	// KeyFromSource keys the instance by the topic source, so every workflow
	// instance gets its own agent instance. This is the default routing policy.
	KeyFromSource KeyMode = "source"

	// KeyFixed routes every matching message to a single instance with an
	// explicit key, regardless of topic source.
	KeyFixed KeyMode = "fixed"
)

// Subscription routes messages published on a TopicType to an AgentType.
type Subscription struct {
	ID        string  `json:"id"`
	TopicType string  `json:"topic_type"`
	AgentType string  `json:"agent_type"`
	KeyMode   KeyMode `json:"key_mode"`
	Key       string  `json:"key,omitempty"`
}

// Validate checks the subscription's routing rule is well formed.
func (s *Subscription) Validate() error {
	if s.TopicType == "" {
		return errors.New("subscription: empty topic type")
	}
	if s.AgentType == "" {
		return errors.New("subscription: empty agent type")
	}
	switch s.KeyMode {
	case KeyFromSource, "":
	case KeyFixed:
		if s.Key == "" {
			return errors.New("subscription: fixed key mode requires a key")
		}
	default:
		return fmt.Errorf("subscription: unknown key mode %q", s.KeyMode)
	}
	return nil
}

// DeriveKey computes the AgentID.Key a message on the given source routes to.
func (s *Subscription) DeriveKey(source string) string {
	if s.KeyMode == KeyFixed {
		return s.Key
	}
	return source
}

// Envelope is a published message: a typed, immutable JSON payload plus the
// topic it was published on.
type Envelope struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Topic       TopicID         `json:"topic"`
	Sender      string          `json:"sender,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	PublishedAt time.Time       `json:"published_at"`
}

// NewEnvelope wraps a payload value into an envelope for the given message
// type and topic. The payload is serialized once, at publish time.
func NewEnvelope(msgType string, topic TopicID, payload any) (*Envelope, error) {
	if msgType == "" {
		return nil, errors.New("envelope: empty message type")
	}
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshaling %s payload: %w", msgType, err)
		}
		raw = data
	}
	return &Envelope{
		ID:          uuid.New().String(),
		Type:        msgType,
		Topic:       topic,
		Payload:     raw,
		PublishedAt: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the envelope payload into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", e.Type, err)
	}
	return nil
}

// Delivery is a routed envelope bound for one agent instance on a worker.
type Delivery struct {
	Target   AgentID   `json:"target"`
	Envelope *Envelope `json:"envelope"`
}

// ABOUTME: Wire types for the loom.v1.Control service: unary requests and stream frames.
// ABOUTME: Exactly one of a Frame's fields is set; unknown frames are ignored by receivers.

package rpc

import (
	"github.com/threadworks/loom/internal/bus"
)

// RegisterAgentTypeRequest records that the calling worker can instantiate
// the named agent type.
type RegisterAgentTypeRequest struct {
	WorkerID  string `json:"worker_id"`
	AgentType string `json:"agent_type"`
}

type RegisterAgentTypeResponse struct{}

// AddSubscriptionRequest installs a topic-to-agent-type routing rule.
type AddSubscriptionRequest struct {
	WorkerID     string            `json:"worker_id"`
	Subscription *bus.Subscription `json:"subscription"`
}

type AddSubscriptionResponse struct {
	ID string `json:"id"`
}

type RemoveSubscriptionRequest struct {
	ID string `json:"id"`
}

type RemoveSubscriptionResponse struct{}

// GetSubscriptionsRequest lists installed subscriptions, optionally filtered
// by topic type.
type GetSubscriptionsRequest struct {
	TopicType string `json:"topic_type,omitempty"`
}

type GetSubscriptionsResponse struct {
	Subscriptions []*bus.Subscription `json:"subscriptions"`
}

// Hello is the mandatory first frame a worker sends on the message stream.
type Hello struct {
	WorkerID string `json:"worker_id"`
}

// Welcome acknowledges a Hello and identifies the gateway instance.
type Welcome struct {
	ServerID string `json:"server_id"`
	WorkerID string `json:"worker_id"`
}

// Shutdown asks the worker to terminate in an orderly fashion.
type Shutdown struct {
	Reason string `json:"reason,omitempty"`
}

// Frame is one message on the bidirectional stream.
type Frame struct {
	Hello    *Hello        `json:"hello,omitempty"`
	Welcome  *Welcome      `json:"welcome,omitempty"`
	Publish  *bus.Envelope `json:"publish,omitempty"`
	Deliver  *bus.Delivery `json:"deliver,omitempty"`
	Shutdown *Shutdown     `json:"shutdown,omitempty"`
}

// ABOUTME: Tests for the core bus vocabulary: IDs, subscriptions, envelopes.

package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgentIDString(t *testing.T) {
	id := AgentID{Type: "Dev", Key: "Org.acme-Repo.app-IssueNumber.7"}
	assert.Equal(t, "Dev/Org.acme-Repo.app-IssueNumber.7", id.String())
}

func TestAgentIDValidate(t *testing.T) {
	assert.NoError(t, AgentID{Type: "Dev", Key: "k"}.Validate())
	assert.Error(t, AgentID{Key: "k"}.Validate())
	assert.Error(t, AgentID{Type: "Dev"}.Validate())
}

func TestSubscriptionValidate(t *testing.T) {
	assert.NoError(t, (&Subscription{TopicType: "Dev", AgentType: "Dev"}).Validate())
	assert.Error(t, (&Subscription{AgentType: "Dev"}).Validate())
	assert.Error(t, (&Subscription{TopicType: "Dev"}).Validate())

	// Fixed key mode needs a key
	assert.Error(t, (&Subscription{TopicType: "Dev", AgentType: "Dev", KeyMode: KeyFixed}).Validate())
	assert.NoError(t, (&Subscription{TopicType: "Dev", AgentType: "Dev", KeyMode: KeyFixed, Key: "default"}).Validate())
}

func TestSubscriptionDeriveKey(t *testing.T) {
	source := &Subscription{TopicType: "Dev", AgentType: "Dev", KeyMode: KeyFromSource}
	assert.Equal(t, "s1", source.DeriveKey("s1"))

	fixed := &Subscription{TopicType: "Dev", AgentType: "Hubber", KeyMode: KeyFixed, Key: "default"}
	assert.Equal(t, "default", fixed.DeriveKey("s1"))

	// Unset mode defaults to source-derived
	unset := &Subscription{TopicType: "Dev", AgentType: "Dev"}
	assert.Equal(t, "s1", unset.DeriveKey("s1"))
}

func TestNewEnvelope(t *testing.T) {
	topic := TopicID{Type: "Hubber", Source: "Org.acme-Repo.app-IssueNumber.3"}
	env, err := NewEnvelope("ReadmeGenerated", topic, map[string]string{"readme": "# Hi"})
	require.NoError(t, err)

	assert.NotEmpty(t, env.ID)
	assert.Equal(t, "ReadmeGenerated", env.Type)
	assert.Equal(t, topic, env.Topic)
	assert.False(t, env.PublishedAt.IsZero())

	var payload map[string]string
	require.NoError(t, env.Decode(&payload))
	assert.Equal(t, "# Hi", payload["readme"])
}

func TestNewEnvelopeNilPayload(t *testing.T) {
	env, err := NewEnvelope("Ping", TopicID{Type: "T", Source: "s"}, nil)
	require.NoError(t, err)
	require.NotNil(t, env)
}

func TestEnvelopeIDsUnique(t *testing.T) {
	a, err := NewEnvelope("Ping", TopicID{Type: "T", Source: "s"}, nil)
	require.NoError(t, err)
	b, err := NewEnvelope("Ping", TopicID{Type: "T", Source: "s"}, nil)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}

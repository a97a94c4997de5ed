// ABOUTME: Tests for worker connection management and envelope fan-out.
// ABOUTME: Uses an in-memory fake of the worker message stream.

package gateway

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/threadworks/loom/internal/bus"
	"github.com/threadworks/loom/internal/config"
	"github.com/threadworks/loom/internal/rpc"
)

// fakeStream captures frames sent to a worker.
type fakeStream struct {
	grpc.ServerStream

	mu   sync.Mutex
	sent []*rpc.Frame
}

func (f *fakeStream) Send(frame *rpc.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, frame)
	return nil
}

func (f *fakeStream) Recv() (*rpc.Frame, error) {
	select {}
}

func (f *fakeStream) frames() []*rpc.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*rpc.Frame, len(f.sent))
	copy(out, f.sent)
	return out
}

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	gw, err := New(config.DefaultGateway(), testLogger())
	require.NoError(t, err)
	return gw
}

func connectWorker(t *testing.T, gw *Gateway, id string) *fakeStream {
	t.Helper()
	stream := &fakeStream{}
	require.NoError(t, gw.manager.Register(NewConnection(id, stream, testLogger())))
	return stream
}

func TestManagerRegisterDuplicate(t *testing.T) {
	m := NewManager(testLogger())

	require.NoError(t, m.Register(NewConnection("w1", &fakeStream{}, testLogger())))
	err := m.Register(NewConnection("w1", &fakeStream{}, testLogger()))
	assert.ErrorIs(t, err, ErrWorkerAlreadyRegistered)

	m.Unregister("w1")
	require.NoError(t, m.Register(NewConnection("w1", &fakeStream{}, testLogger())))
}

func TestManagerDeliverUnknownWorker(t *testing.T) {
	m := NewManager(testLogger())
	err := m.Deliver("missing", &bus.Delivery{})
	assert.ErrorIs(t, err, ErrWorkerNotFound)
}

func TestManagerBroadcast(t *testing.T) {
	m := NewManager(testLogger())
	s1, s2 := &fakeStream{}, &fakeStream{}
	require.NoError(t, m.Register(NewConnection("w1", s1, testLogger())))
	require.NoError(t, m.Register(NewConnection("w2", s2, testLogger())))

	m.Broadcast("maintenance")

	for _, s := range []*fakeStream{s1, s2} {
		frames := s.frames()
		require.Len(t, frames, 1)
		require.NotNil(t, frames[0].Shutdown)
		assert.Equal(t, "maintenance", frames[0].Shutdown.Reason)
	}
}

func TestRoutePublishDeliversToSubscriber(t *testing.T) {
	gw := newTestGateway(t)
	stream := connectWorker(t, gw, "w1")

	require.NoError(t, gw.registry.RegisterAgentType("Dev", "w1"))
	_, err := gw.registry.AddSubscription("w1", &bus.Subscription{
		TopicType: "Dev",
		AgentType: "Dev",
	})
	require.NoError(t, err)

	env, err := bus.NewEnvelope("CodeGenerationRequested",
		bus.TopicID{Type: "Dev", Source: "Org.acme-Repo.app-IssueNumber.3"},
		map[string]string{"ask": "write parser"},
	)
	require.NoError(t, err)

	gw.routePublish("w2", env)

	frames := stream.frames()
	require.Len(t, frames, 1)
	require.NotNil(t, frames[0].Deliver)
	d := frames[0].Deliver
	assert.Equal(t, bus.AgentID{Type: "Dev", Key: "Org.acme-Repo.app-IssueNumber.3"}, d.Target)
	assert.Equal(t, "CodeGenerationRequested", d.Envelope.Type)
	assert.Equal(t, "w2", d.Envelope.Sender)
}

func TestRoutePublishDropsDuplicates(t *testing.T) {
	gw := newTestGateway(t)
	stream := connectWorker(t, gw, "w1")

	require.NoError(t, gw.registry.RegisterAgentType("Dev", "w1"))
	_, err := gw.registry.AddSubscription("w1", &bus.Subscription{
		TopicType: "Dev",
		AgentType: "Dev",
	})
	require.NoError(t, err)

	env, err := bus.NewEnvelope("CodeGenerationRequested",
		bus.TopicID{Type: "Dev", Source: "s1"}, nil)
	require.NoError(t, err)

	gw.routePublish("w1", env)
	gw.routePublish("w1", env)

	assert.Len(t, stream.frames(), 1)
}

func TestRoutePublishNoSubscribersIsSilent(t *testing.T) {
	gw := newTestGateway(t)
	stream := connectWorker(t, gw, "w1")

	env, err := bus.NewEnvelope("NewAsk", bus.TopicID{Type: "Nobody", Source: "s1"}, nil)
	require.NoError(t, err)

	gw.routePublish("w1", env)

	assert.Empty(t, stream.frames())
}

func TestRoutePublishPreservesOrder(t *testing.T) {
	gw := newTestGateway(t)
	stream := connectWorker(t, gw, "w1")

	require.NoError(t, gw.registry.RegisterAgentType("Dev", "w1"))
	_, err := gw.registry.AddSubscription("w1", &bus.Subscription{
		TopicType: "Dev",
		AgentType: "Dev",
	})
	require.NoError(t, err)

	types := []string{"First", "Second", "Third"}
	for _, mt := range types {
		env, err := bus.NewEnvelope(mt, bus.TopicID{Type: "Dev", Source: "s1"}, nil)
		require.NoError(t, err)
		gw.routePublish("w1", env)
	}

	frames := stream.frames()
	require.Len(t, frames, 3)
	for i, mt := range types {
		assert.Equal(t, mt, frames[i].Deliver.Envelope.Type)
	}
}

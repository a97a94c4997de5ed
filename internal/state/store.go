// ABOUTME: Store interface for durable per-agent state documents and reminders.
// ABOUTME: One versioned document per AgentID; single-writer semantics enforced upstream.

package state

import (
	"context"
	"errors"
	"time"

	"github.com/threadworks/loom/internal/bus"
)

// Store errors
var (
	// ErrNotFound indicates no state document exists for the agent yet.
	ErrNotFound = errors.New("state not found")

	// ErrVersionConflict indicates a save raced with another writer. With the
	// runtime's per-instance serialization this signals a bug, not a normal
	// condition.
	ErrVersionConflict = errors.New("state version conflict")
)

// Snapshot is one version of an agent's persistent document.
type Snapshot struct {
	Version   int64
	Data      []byte
	UpdatedAt time.Time
}

// Reminder is the durable form of a scheduled periodic callback.
type Reminder struct {
	Agent  bus.AgentID
	Name   string
	DueAt  time.Time
	Period time.Duration
}

// Store persists agent state documents and reminder schedules.
type Store interface {
	// LoadState returns the current snapshot for the agent, or ErrNotFound
	// on the first-ever turn.
	LoadState(ctx context.Context, id bus.AgentID) (*Snapshot, error)

	// SaveState writes data as the next version. expected is the version the
	// caller loaded (0 for a first write); a mismatch returns
	// ErrVersionConflict and leaves the stored document untouched.
	SaveState(ctx context.Context, id bus.AgentID, expected int64, data []byte) error

	// PutReminder inserts or replaces the reminder for (agent, name).
	PutReminder(ctx context.Context, r *Reminder) error

	// DeleteReminder removes the reminder for (agent, name). Deleting an
	// absent reminder is not an error.
	DeleteReminder(ctx context.Context, id bus.AgentID, name string) error

	// ListReminders returns every persisted reminder, for re-arming at start.
	ListReminders(ctx context.Context) ([]*Reminder, error)

	Close() error
}

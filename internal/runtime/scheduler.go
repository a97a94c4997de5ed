// ABOUTME: Durable reminder scheduler backed by the agent state store.
// ABOUTME: Timers re-arm from persisted rows at start, so restarts never lose a reminder.

package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/threadworks/loom/internal/bus"
	"github.com/threadworks/loom/internal/state"
)

// fireFunc delivers one reminder callback into the runtime's turn machinery.
type fireFunc func(id bus.AgentID, name string)

// Scheduler arms in-process timers for persisted reminders. Delivery is
// at-least-once: a reminder row survives until its one-shot fires or it is
// canceled, so a crash between persist and fire replays on the next start.
type Scheduler struct {
	store  state.Store
	fire   fireFunc
	logger *slog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// NewScheduler creates a scheduler that invokes fire for each due reminder.
func NewScheduler(store state.Store, fire fireFunc, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:  store,
		fire:   fire,
		logger: logger,
		timers: make(map[string]*time.Timer),
	}
}

func reminderKey(id bus.AgentID, name string) string {
	return id.String() + "\x00" + name
}

// Schedule persists and arms a reminder. An existing (agent, name) schedule
// is replaced.
func (s *Scheduler) Schedule(ctx context.Context, id bus.AgentID, name string, dueAt time.Time, period time.Duration) error {
	if name == "" {
		return fmt.Errorf("reminder name is required")
	}
	rem := &state.Reminder{Agent: id, Name: name, DueAt: dueAt, Period: period}
	if err := s.store.PutReminder(ctx, rem); err != nil {
		return fmt.Errorf("persisting reminder %s for %s: %w", name, id, err)
	}
	s.arm(id, name, time.Until(dueAt), period)
	s.logger.Debug("reminder scheduled",
		"agent", id.String(), "name", name, "due_at", dueAt, "period", period)
	return nil
}

// Cancel removes a reminder's persisted row and pending timer. Canceling an
// unknown reminder is not an error.
func (s *Scheduler) Cancel(ctx context.Context, id bus.AgentID, name string) error {
	if err := s.store.DeleteReminder(ctx, id, name); err != nil {
		return fmt.Errorf("deleting reminder %s for %s: %w", name, id, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := reminderKey(id, name)
	if timer, ok := s.timers[key]; ok {
		timer.Stop()
		delete(s.timers, key)
	}
	return nil
}

// Rearm loads every persisted reminder and arms a timer for it. Reminders
// already past due fire immediately.
func (s *Scheduler) Rearm(ctx context.Context) error {
	reminders, err := s.store.ListReminders(ctx)
	if err != nil {
		return fmt.Errorf("listing reminders: %w", err)
	}
	for _, rem := range reminders {
		s.arm(rem.Agent, rem.Name, time.Until(rem.DueAt), rem.Period)
	}
	if len(reminders) > 0 {
		s.logger.Info("reminders re-armed", "count", len(reminders))
	}
	return nil
}

// arm replaces the timer for (id, name).
func (s *Scheduler) arm(id bus.AgentID, name string, delay, period time.Duration) {
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	key := reminderKey(id, name)
	if timer, ok := s.timers[key]; ok {
		timer.Stop()
	}
	s.timers[key] = time.AfterFunc(delay, func() {
		s.onFire(id, name, period)
	})
}

func (s *Scheduler) onFire(id bus.AgentID, name string, period time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if period > 0 {
		// Advance the persisted due time so a restart resumes the cadence
		// rather than replaying the original one.
		next := time.Now().Add(period)
		rem := &state.Reminder{Agent: id, Name: name, DueAt: next, Period: period}
		if err := s.store.PutReminder(ctx, rem); err != nil {
			s.logger.Warn("advancing reminder", "agent", id.String(), "name", name, "error", err)
		}
		s.arm(id, name, period, period)
	} else {
		if err := s.store.DeleteReminder(ctx, id, name); err != nil {
			s.logger.Warn("retiring one-shot reminder", "agent", id.String(), "name", name, "error", err)
		}
		s.mu.Lock()
		delete(s.timers, reminderKey(id, name))
		s.mu.Unlock()
	}

	s.fire(id, name)
}

// Close stops every pending timer. Persisted rows are untouched; they arm
// again on the next Rearm.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for key, timer := range s.timers {
		timer.Stop()
		delete(s.timers, key)
	}
}

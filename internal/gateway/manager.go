// ABOUTME: Manages connected workers, handles registration, and fans out deliveries.
// ABOUTME: Central coordinator between the Control service and the routing registry.

package gateway

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/threadworks/loom/internal/bus"
)

// ErrWorkerAlreadyRegistered indicates a worker with the same ID is already connected.
var ErrWorkerAlreadyRegistered = errors.New("worker already registered")

// ErrWorkerNotFound indicates the specified worker was not found.
var ErrWorkerNotFound = errors.New("worker not found")

// Manager coordinates all connected workers.
type Manager struct {
	workers map[string]*Connection
	mu      sync.RWMutex
	logger  *slog.Logger
}

// NewManager creates a new Manager instance.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		workers: make(map[string]*Connection),
		logger:  logger,
	}
}

// Register adds a new worker connection to the manager.
// Returns ErrWorkerAlreadyRegistered if a worker with the same ID exists.
func (m *Manager) Register(conn *Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.workers[conn.ID]; exists {
		return ErrWorkerAlreadyRegistered
	}
	m.workers[conn.ID] = conn
	m.logger.Info("worker connected", "worker_id", conn.ID, "total_workers", len(m.workers))
	return nil
}

// Unregister removes a worker from the manager.
func (m *Manager) Unregister(workerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.workers[workerID]; exists {
		delete(m.workers, workerID)
		m.logger.Info("worker disconnected", "worker_id", workerID, "total_workers", len(m.workers))
	}
}

// Get retrieves a specific worker connection by ID.
func (m *Manager) Get(workerID string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.workers[workerID]
	return conn, ok
}

// IsOnline checks whether a worker with the given ID is currently connected.
func (m *Manager) IsOnline(workerID string) bool {
	_, ok := m.Get(workerID)
	return ok
}

// List returns the IDs of all connected workers.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.workers))
	for id := range m.workers {
		ids = append(ids, id)
	}
	return ids
}

// Deliver sends a routed envelope to the named worker.
func (m *Manager) Deliver(workerID string, d *bus.Delivery) error {
	conn, ok := m.Get(workerID)
	if !ok {
		return ErrWorkerNotFound
	}
	return conn.Deliver(d)
}

// Broadcast sends a shutdown request to every connected worker.
func (m *Manager) Broadcast(reason string) {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.workers))
	for _, c := range m.workers {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		if err := c.SendShutdown(reason); err != nil {
			m.logger.Warn("sending shutdown", "worker_id", c.ID, "error", err)
		}
	}
}

// Package inhibitor keeps the system from suspending while the cleaning
// unit moves.
package inhibitor

import (
	"fmt"
	"log"
	"sync"
)

type InhibitorType string

const (
	TypeBlock InhibitorType = "block"
	TypeDelay InhibitorType = "delay"
)

// Inhibitor describes who holds an inhibit and why.
type Inhibitor struct {
	Who  string
	What string
	Why  string
	Type InhibitorType
}

// Backend takes and releases an inhibit with some power manager.
type Backend interface {
	Acquire(inh Inhibitor) error
	Release() error
	Close() error
}

// Manager holds a single inhibit on behalf of the service.
type Manager struct {
	logger    *log.Logger
	backend   Backend
	inhibitor Inhibitor

	mutex sync.Mutex
	held  bool
}

func NewManager(logger *log.Logger, backend Backend, inhibitor Inhibitor) *Manager {
	return &Manager{
		logger:    logger,
		backend:   backend,
		inhibitor: inhibitor,
	}
}

// Set acquires or releases the inhibit. Repeated calls with the same
// value do nothing; failures are logged and retried on the next call.
func (m *Manager) Set(hold bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if hold == m.held {
		return
	}

	if hold {
		if err := m.backend.Acquire(m.inhibitor); err != nil {
			m.logger.Printf("Warning: Failed to acquire inhibitor: %v", err)
			return
		}
		m.logger.Printf("Added inhibitor: %s (%s) by %s for %s",
			m.inhibitor.What, m.inhibitor.Type, m.inhibitor.Who, m.inhibitor.Why)
	} else {
		if err := m.backend.Release(); err != nil {
			m.logger.Printf("Warning: Failed to release inhibitor: %v", err)
			return
		}
		m.logger.Printf("Removed inhibitor: %s (%s) by %s",
			m.inhibitor.What, m.inhibitor.Type, m.inhibitor.Who)
	}
	m.held = hold
}

func (m *Manager) Held() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.held
}

// Close releases a held inhibit and closes the backend.
func (m *Manager) Close() error {
	m.Set(false)
	if err := m.backend.Close(); err != nil {
		return fmt.Errorf("failed to close inhibitor backend: %w", err)
	}
	return nil
}

// Nop is a backend for systems without a power manager.
type Nop struct{}

func (Nop) Acquire(Inhibitor) error { return nil }
func (Nop) Release() error          { return nil }
func (Nop) Close() error            { return nil }

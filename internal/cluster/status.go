package cluster

import (
	"sync"

	"github.com/robustmq/robustmq/internal/rerror"
)

// validTransitions enumerates the explicit transitions the process-wide
// status machine allows.
var validTransitions = map[Status][]Status{
	StatusStarting: {StatusRunning, StatusStopping},
	StatusRunning:  {StatusStopping},
	StatusStopping: {StatusStopped},
	StatusStopped:  {},
}

// StatusMachine guards the process-wide cluster status with explicit
// transitions; it is a long-lived, single-assignment handle created
// during startup.
type StatusMachine struct {
	mu      sync.RWMutex
	current Status
}

// NewStatusMachine creates a machine in StatusStarting.
func NewStatusMachine() *StatusMachine {
	return &StatusMachine{current: StatusStarting}
}

// Current returns the current status.
func (m *StatusMachine) Current() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition advances the machine to next, rejecting any transition not
// listed in validTransitions.
func (m *StatusMachine) Transition(next Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, allowed := range validTransitions[m.current] {
		if allowed == next {
			m.current = next
			return nil
		}
	}
	return rerror.New(rerror.Resource, "cluster: invalid status transition %s -> %s", m.current, next)
}

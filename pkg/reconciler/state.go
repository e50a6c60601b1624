package reconciler

import (
	"sync"

	"github.com/fitzek/spreadguard/pkg/queue"
)

// Phase is the lifecycle state of one reconcile key.
type Phase string

const (
	// PhaseIdle means the key is known but nothing is pending for it.
	PhaseIdle Phase = "Idle"

	// PhaseScheduled means the key sits in the work queue.
	PhaseScheduled Phase = "Scheduled"

	// PhaseRunning means a worker is processing the key right now.
	PhaseRunning Phase = "Running"

	// PhaseSucceeded means the last attempt completed cleanly.
	PhaseSucceeded Phase = "Succeeded"

	// PhaseFailed means the last attempt failed and a retry is pending.
	PhaseFailed Phase = "Failed"
)

// stateTracker records the observable lifecycle phase per key. Purely
// diagnostic: the queue drives scheduling, the tracker only mirrors it for
// logs and debugging endpoints.
type stateTracker struct {
	mu     sync.RWMutex
	phases map[queue.Key]Phase
}

func newStateTracker() *stateTracker {
	return &stateTracker{phases: make(map[queue.Key]Phase)}
}

func (t *stateTracker) set(key queue.Key, phase Phase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.phases[key] = phase
}

func (t *stateTracker) forget(key queue.Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.phases, key)
}

// Phase returns the current phase of a key, PhaseIdle when unknown.
func (t *stateTracker) Phase(key queue.Key) Phase {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if phase, ok := t.phases[key]; ok {
		return phase
	}
	return PhaseIdle
}

// Snapshot returns a copy of all tracked phases.
func (t *stateTracker) Snapshot() map[queue.Key]Phase {
	t.mu.RLock()
	defer t.mu.RUnlock()
	snapshot := make(map[queue.Key]Phase, len(t.phases))
	for key, phase := range t.phases {
		snapshot[key] = phase
	}
	return snapshot
}

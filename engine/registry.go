package engine

import (
	"context"
	"sync"
)

// Registry tracks the in-flight monitor of each run: run id to cancellation
// handle. All mutation paths for a run are expected to go through a single
// registered monitor; Add is check-and-set so a second monitor for a live
// run id is rejected rather than raced.
type Registry struct {
	mu       sync.Mutex
	monitors map[string]context.CancelFunc
}

func NewRegistry() *Registry {
	return &Registry{monitors: make(map[string]context.CancelFunc)}
}

// Add registers a monitor for the run. It returns false, without replacing
// anything, when the run is already being monitored.
func (r *Registry) Add(runID string, cancel context.CancelFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, live := r.monitors[runID]; live {
		return false
	}
	r.monitors[runID] = cancel
	return true
}

// Remove deregisters a monitor without cancelling it. Called by the monitor
// itself when its loop exits.
func (r *Registry) Remove(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.monitors, runID)
}

// Cancel stops the monitor of a run, if one is live.
func (r *Registry) Cancel(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cancel, live := r.monitors[runID]
	if !live {
		return false
	}
	cancel()
	delete(r.monitors, runID)
	return true
}

// CancelAll stops every live monitor. Used on shutdown.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for runID, cancel := range r.monitors {
		cancel()
		delete(r.monitors, runID)
	}
}

// Active reports whether a monitor is live for the run.
func (r *Registry) Active(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, live := r.monitors[runID]
	return live
}

// Len returns the number of live monitors.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.monitors)
}

package service

import (
	"sort"
	"sync"
)

// Tracker holds the ids of jobs whose analyze step is currently running.
// It only serializes work on the same id; distinct ids never wait on each other.
type Tracker struct {
	mu       sync.Mutex
	inFlight map[string]struct{}
}

func NewTracker() *Tracker {
	return &Tracker{inFlight: make(map[string]struct{})}
}

// TryAcquire marks id as in flight. It returns false if id is already held.
func (t *Tracker) TryAcquire(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, held := t.inFlight[id]; held {
		return false
	}
	t.inFlight[id] = struct{}{}
	return true
}

// Release clears id. Releasing an id that is not held is a no-op.
func (t *Tracker) Release(id string) {
	t.mu.Lock()
	delete(t.inFlight, id)
	t.mu.Unlock()
}

func (t *Tracker) Busy(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, held := t.inFlight[id]
	return held
}

// InFlight returns the held ids in sorted order.
func (t *Tracker) InFlight() []string {
	t.mu.Lock()
	ids := make([]string, 0, len(t.inFlight))
	for id := range t.inFlight {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	sort.Strings(ids)
	return ids
}

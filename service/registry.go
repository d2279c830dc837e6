package service

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AnTengye/contractreview/model"
)

type EventType string

const (
	EventInserted EventType = "inserted"
	EventUpdated  EventType = "updated"
	EventRemoved  EventType = "removed"
)

// Event describes one committed registry change.
type Event struct {
	Type EventType       `json:"type"`
	Job  model.ReviewJob `json:"job"`
	At   time.Time       `json:"at"`
}

// Registry is the authoritative, ordered set of review jobs for a session.
// All job mutations go through Insert, Update and Remove; readers get deep
// copies.
type Registry struct {
	mu      sync.RWMutex
	jobs    map[string]*model.ReviewJob
	order   []string // most recent first
	tracker *Tracker
	maxJobs int // 0 = unlimited
	now     func() time.Time

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

// NewRegistry creates a registry that clears tracker entries on removal.
// maxJobs bounds retention of settled jobs; live jobs are never evicted, so
// the count may exceed it while many jobs are in progress.
func NewRegistry(tracker *Tracker, maxJobs int) *Registry {
	if tracker == nil {
		tracker = NewTracker()
	}
	if maxJobs < 0 {
		maxJobs = 0
	}
	return &Registry{
		jobs:    make(map[string]*model.ReviewJob),
		tracker: tracker,
		maxJobs: maxJobs,
		now:     time.Now,
		subs:    make(map[int]chan Event),
	}
}

// Insert adds a new pending job at the head of the order.
func (r *Registry) Insert(job model.ReviewJob) error {
	if job.ID == "" {
		return fmt.Errorf("%w: job id is required", ErrInvalidPatch)
	}
	if job.State != model.StatePending || !job.Consistent() {
		return fmt.Errorf("%w: new job must be pending", ErrInvalidPatch)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[job.ID]; exists {
		return fmt.Errorf("%w: job %s already exists", ErrConflict, job.ID)
	}

	now := r.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	stored := job.Clone()
	r.jobs[job.ID] = &stored
	r.order = append([]string{job.ID}, r.order...)
	r.publish(EventInserted, stored, now)

	r.evictIfNeeded(job.ID)
	return nil
}

// Update applies patch to the job atomically and returns the committed job.
func (r *Registry) Update(id string, patch model.JobPatch) (model.ReviewJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.jobs[id]
	if !ok {
		return model.ReviewJob{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	now := r.now()
	next, err := applyPatch(*current, patch, now)
	if err != nil {
		return model.ReviewJob{}, err
	}

	*current = next
	r.publish(EventUpdated, next, now)
	return next.Clone(), nil
}

// applyPatch returns job with patch applied, or an error if the result would
// take an illegal transition or break the analysis/error pairing.
func applyPatch(job model.ReviewJob, p model.JobPatch, now time.Time) (model.ReviewJob, error) {
	if p.State == nil && (p.Analysis != nil || p.LastError != nil) {
		return job, fmt.Errorf("%w: analysis and error change only with state", ErrInvalidPatch)
	}

	if p.State != nil {
		next := *p.State
		if !job.State.CanTransition(next) {
			return job, fmt.Errorf("%w: %s -> %s not allowed", ErrInvalidPatch, job.State, next)
		}
		job.State = next
		job.Analysis = nil
		job.LastError = ""

		switch next {
		case model.StateCompleted:
			if p.Analysis == nil || p.LastError != nil {
				return job, fmt.Errorf("%w: completed requires an analysis only", ErrInvalidPatch)
			}
			job.Analysis = p.Analysis.Clone()
		case model.StateFailed:
			if p.LastError == nil || *p.LastError == "" || p.Analysis != nil {
				return job, fmt.Errorf("%w: failed requires an error only", ErrInvalidPatch)
			}
			job.LastError = *p.LastError
		default:
			if p.Analysis != nil || p.LastError != nil {
				return job, fmt.Errorf("%w: %s carries no analysis or error", ErrInvalidPatch, next)
			}
		}
	}

	if p.RemoteID != nil {
		job.RemoteID = *p.RemoteID
	}
	if p.BackendRef != nil {
		job.BackendRef = *p.BackendRef
	}
	if p.DocumentURL != nil {
		job.DocumentURL = *p.DocumentURL
	}
	if p.PageCount != nil {
		job.PageCount = *p.PageCount
	}
	if p.Attempt {
		job.Attempts++
	}
	job.UpdatedAt = now
	return job, nil
}

func (r *Registry) Get(id string) (model.ReviewJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return model.ReviewJob{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return job.Clone(), nil
}

// List returns all jobs, most recent first.
func (r *Registry) List() []model.ReviewJob {
	return r.filter(func(*model.ReviewJob) bool { return true })
}

// ListByTenant returns the tenant's jobs, most recent first.
func (r *Registry) ListByTenant(tenant string) []model.ReviewJob {
	return r.filter(func(j *model.ReviewJob) bool { return j.Tenant == tenant })
}

func (r *Registry) filter(keep func(*model.ReviewJob) bool) []model.ReviewJob {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]model.ReviewJob, 0, len(r.order))
	for _, id := range r.order {
		if job := r.jobs[id]; keep(job) {
			result = append(result, job.Clone())
		}
	}
	return result
}

// Remove deletes the job and frees its in-flight slot, if any.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	r.removeLocked(id)
	r.publish(EventRemoved, *job, r.now())
	return nil
}

// Must be called with lock held
func (r *Registry) removeLocked(id string) {
	delete(r.jobs, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.tracker.Release(id)
}

// evictIfNeeded drops the oldest completed or failed jobs once the registry
// holds more than maxJobs. keep is never evicted.
// Must be called with lock held
func (r *Registry) evictIfNeeded(keep string) {
	if r.maxJobs <= 0 {
		return
	}
	for i := len(r.order) - 1; i >= 0 && len(r.order) > r.maxJobs; i-- {
		id := r.order[i]
		job := *r.jobs[id]
		if id == keep || !job.State.Settled() || r.tracker.Busy(id) {
			continue
		}
		slog.Info("evicting old review job",
			"job_id", id,
			"state", job.State,
			"created_at", job.CreatedAt,
		)
		r.removeLocked(id)
		r.publish(EventRemoved, job, r.now())
	}
}

// Restore replaces the registry contents with jobs, given most recent first.
// Inconsistent or duplicate records are skipped.
func (r *Registry) Restore(jobs []model.ReviewJob) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.jobs = make(map[string]*model.ReviewJob, len(jobs))
	r.order = r.order[:0]
	for _, job := range jobs {
		if job.ID == "" || !job.State.Valid() || !job.Consistent() {
			slog.Warn("skipping invalid job on restore", "job_id", job.ID, "state", job.State)
			continue
		}
		if _, dup := r.jobs[job.ID]; dup {
			continue
		}
		stored := job.Clone()
		r.jobs[job.ID] = &stored
		r.order = append(r.order, job.ID)
	}
	return len(r.order)
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// Subscribe returns a channel of committed changes. A subscriber that falls
// more than buffer events behind misses events rather than blocking writers.
// cancel closes the channel.
func (r *Registry) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	r.subMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	r.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.subMu.Lock()
			delete(r.subs, id)
			r.subMu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// publish runs under the write lock so subscribers see a job's events in commit order.
func (r *Registry) publish(typ EventType, job model.ReviewJob, at time.Time) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	ev := Event{Type: typ, Job: job.Clone(), At: at}
	for id, ch := range r.subs {
		select {
		case ch <- ev:
		default:
			slog.Warn("registry subscriber lagging, event dropped",
				"subscriber", id,
				"event", typ,
				"job_id", job.ID,
			)
		}
	}
}

// Tracker returns the tracker whose entries Remove clears.
func (r *Registry) Tracker() *Tracker {
	return r.tracker
}

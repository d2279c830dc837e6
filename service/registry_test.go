package service

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/AnTengye/contractreview/model"
)

func newPendingJob(id string) model.ReviewJob {
	return model.ReviewJob{
		ID:            id,
		Tenant:        "tenant1",
		FileName:      id + ".pdf",
		FileSizeBytes: 1024,
		FileType:      "pdf",
		State:         model.StatePending,
	}
}

func TestRegistryInsertAndGet(t *testing.T) {
	reg := NewRegistry(NewTracker(), 0)

	if err := reg.Insert(newPendingJob("job-1")); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	job, err := reg.Get("job-1")
	if err != nil {
		t.Fatalf("Expected to retrieve job: %v", err)
	}
	if job.FileName != "job-1.pdf" {
		t.Errorf("Expected filename job-1.pdf, got %s", job.FileName)
	}
	if job.CreatedAt.IsZero() || job.UpdatedAt.IsZero() {
		t.Error("Expected timestamps to be set")
	}

	if _, err := reg.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestRegistryInsertDuplicate(t *testing.T) {
	reg := NewRegistry(NewTracker(), 0)
	reg.Insert(newPendingJob("dup"))

	if err := reg.Insert(newPendingJob("dup")); !errors.Is(err, ErrConflict) {
		t.Errorf("Expected ErrConflict, got %v", err)
	}
	if reg.Count() != 1 {
		t.Errorf("Expected 1 job, got %d", reg.Count())
	}
}

func TestRegistryInsertRejectsNonPending(t *testing.T) {
	reg := NewRegistry(NewTracker(), 0)
	job := newPendingJob("x")
	job.State = model.StateAnalyzing
	if err := reg.Insert(job); !errors.Is(err, ErrInvalidPatch) {
		t.Errorf("Expected ErrInvalidPatch, got %v", err)
	}
	if err := reg.Insert(model.ReviewJob{State: model.StatePending}); !errors.Is(err, ErrInvalidPatch) {
		t.Errorf("Expected ErrInvalidPatch for empty id, got %v", err)
	}
}

func TestRegistryListMostRecentFirst(t *testing.T) {
	reg := NewRegistry(NewTracker(), 0)
	for _, id := range []string{"a", "b", "c"} {
		reg.Insert(newPendingJob(id))
	}
	other := newPendingJob("d")
	other.Tenant = "tenant2"
	reg.Insert(other)

	jobs := reg.List()
	want := []string{"d", "c", "b", "a"}
	if len(jobs) != len(want) {
		t.Fatalf("Expected %d jobs, got %d", len(want), len(jobs))
	}
	for i, id := range want {
		if jobs[i].ID != id {
			t.Errorf("Position %d: expected %s, got %s", i, id, jobs[i].ID)
		}
	}

	if got := reg.ListByTenant("tenant1"); len(got) != 3 {
		t.Errorf("Expected 3 jobs for tenant1, got %d", len(got))
	}
	if got := reg.ListByTenant("tenant3"); len(got) != 0 {
		t.Errorf("Expected 0 jobs for tenant3, got %d", len(got))
	}
}

func TestRegistryListReturnsCopies(t *testing.T) {
	reg := NewRegistry(NewTracker(), 0)
	reg.Insert(newPendingJob("copy"))

	jobs := reg.List()
	jobs[0].State = model.StateCompleted

	job, _ := reg.Get("copy")
	if job.State != model.StatePending {
		t.Errorf("Expected stored job to stay pending, got %s", job.State)
	}
}

func TestRegistryReadsDoNotAliasAnalysis(t *testing.T) {
	reg := NewRegistry(NewTracker(), 0)
	reg.Insert(newPendingJob("deep"))
	reg.Update("deep", model.Transition(model.StateAnalyzing))

	result := &model.AnalysisResult{
		Summary: "original",
		Clauses: []model.Clause{{Name: "Indemnity", RiskFactors: []string{"uncapped"}}},
	}
	if _, err := reg.Update("deep", model.Complete(result)); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	result.Summary = "changed by writer"

	got, _ := reg.Get("deep")
	got.Analysis.Summary = "changed by reader"
	got.Analysis.Clauses[0].RiskFactors[0] = "changed by reader"
	listed := reg.List()
	listed[0].Analysis.Clauses[0].Name = "changed by lister"

	stored, _ := reg.Get("deep")
	if stored.Analysis.Summary != "original" {
		t.Errorf("Expected summary 'original', got %q", stored.Analysis.Summary)
	}
	if c := stored.Analysis.Clauses[0]; c.Name != "Indemnity" || c.RiskFactors[0] != "uncapped" {
		t.Errorf("Expected stored clause to be untouched, got %+v", c)
	}
}

func TestRegistryUpdateTransitions(t *testing.T) {
	reg := NewRegistry(NewTracker(), 0)
	reg.Insert(newPendingJob("t"))

	if _, err := reg.Update("t", model.Transition(model.StateUploading)); err != nil {
		t.Fatalf("pending -> uploading: %v", err)
	}
	ref := "ref-1"
	patch := model.Transition(model.StateAnalyzing)
	patch.BackendRef = &ref
	job, err := reg.Update("t", patch)
	if err != nil {
		t.Fatalf("uploading -> analyzing: %v", err)
	}
	if job.BackendRef != "ref-1" {
		t.Errorf("Expected backend ref to be set, got %q", job.BackendRef)
	}

	job, err = reg.Update("t", model.Fail("network error"))
	if err != nil {
		t.Fatalf("analyzing -> failed: %v", err)
	}
	if job.LastError != "network error" || job.Analysis != nil {
		t.Errorf("Unexpected failed job: %+v", job)
	}

	job, err = reg.Update("t", model.Transition(model.StateAnalyzing))
	if err != nil {
		t.Fatalf("failed -> analyzing: %v", err)
	}
	if job.LastError != "" {
		t.Errorf("Expected retry to clear last error, got %q", job.LastError)
	}

	job, err = reg.Update("t", model.Complete(&model.AnalysisResult{OverallRiskScore: 30}))
	if err != nil {
		t.Fatalf("analyzing -> completed: %v", err)
	}
	if job.Analysis == nil || job.Analysis.OverallRiskScore != 30 {
		t.Errorf("Expected analysis to be stored, got %+v", job.Analysis)
	}

	if _, err := reg.Update("t", model.Transition(model.StateAnalyzing)); !errors.Is(err, ErrInvalidPatch) {
		t.Errorf("Expected completed job to reject re-analysis, got %v", err)
	}
}

func TestRegistryUpdateRejectsUnpairedFields(t *testing.T) {
	reg := NewRegistry(NewTracker(), 0)
	reg.Insert(newPendingJob("p"))
	reg.Update("p", model.Transition(model.StateUploading))
	reg.Update("p", model.Transition(model.StateAnalyzing))

	msg := "boom"
	tests := []struct {
		name  string
		patch model.JobPatch
	}{
		{"error without state", model.JobPatch{LastError: &msg}},
		{"analysis without state", model.JobPatch{Analysis: &model.AnalysisResult{}}},
		{"completed without analysis", model.Transition(model.StateCompleted)},
		{"failed without error", model.Transition(model.StateFailed)},
		{"failed with empty error", model.Fail("")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := reg.Update("p", tt.patch); !errors.Is(err, ErrInvalidPatch) {
				t.Errorf("Expected ErrInvalidPatch, got %v", err)
			}
			job, _ := reg.Get("p")
			if job.State != model.StateAnalyzing || !job.Consistent() {
				t.Errorf("Expected job untouched, got %+v", job)
			}
		})
	}

	if _, err := reg.Update("missing", model.Transition(model.StateAnalyzing)); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestRegistryRemoveReleasesTracker(t *testing.T) {
	tracker := NewTracker()
	reg := NewRegistry(tracker, 0)
	reg.Insert(newPendingJob("busy"))
	tracker.TryAcquire("busy")

	if err := reg.Remove("busy"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if tracker.Busy("busy") {
		t.Error("Expected in-flight slot to be released on removal")
	}
	if reg.Count() != 0 {
		t.Errorf("Expected empty registry, got %d", reg.Count())
	}
	if err := reg.Remove("busy"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound on second remove, got %v", err)
	}
}

// settle drives a freshly inserted job to completed or failed.
func settle(t *testing.T, reg *Registry, id string, state model.JobState) {
	t.Helper()
	reg.Update(id, model.Transition(model.StateUploading))
	reg.Update(id, model.Transition(model.StateAnalyzing))
	var err error
	if state == model.StateCompleted {
		_, err = reg.Update(id, model.Complete(&model.AnalysisResult{Summary: id}))
	} else {
		_, err = reg.Update(id, model.Fail("boom"))
	}
	if err != nil {
		t.Fatalf("Failed to settle %s: %v", id, err)
	}
}

func TestRegistryAutoCleanup(t *testing.T) {
	tracker := NewTracker()
	reg := NewRegistry(tracker, 3)

	reg.Insert(newPendingJob("a"))
	tracker.TryAcquire("a")
	reg.Insert(newPendingJob("b"))
	settle(t, reg, "b", model.StateCompleted)
	reg.Insert(newPendingJob("c"))
	settle(t, reg, "c", model.StateFailed)
	reg.Insert(newPendingJob("d"))
	reg.Insert(newPendingJob("e"))
	reg.Update("e", model.Transition(model.StateUploading))

	if reg.Count() != 3 {
		t.Errorf("Expected 3 jobs after cleanup, got %d", reg.Count())
	}
	for _, id := range []string{"a", "d", "e"} {
		if _, err := reg.Get(id); err != nil {
			t.Errorf("Expected live job %q to survive eviction", id)
		}
	}
	for _, id := range []string{"b", "c"} {
		if _, err := reg.Get(id); err == nil {
			t.Errorf("Expected oldest settled job %q to be evicted", id)
		}
	}

	// nothing settled is left, so the cap is exceeded rather than dropping work
	if err := reg.Insert(newPendingJob("f")); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if reg.Count() != 4 {
		t.Errorf("Expected 4 jobs, got %d", reg.Count())
	}
}

func TestRegistryEvictionKeepsLiveJobs(t *testing.T) {
	tracker := NewTracker()
	reg := NewRegistry(tracker, 1)

	reg.Insert(newPendingJob("busy"))
	reg.Update("busy", model.Transition(model.StateAnalyzing))
	tracker.TryAcquire("busy")

	if err := reg.Insert(newPendingJob("uploading")); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if _, err := reg.Update("uploading", model.Transition(model.StateUploading)); err != nil {
		t.Fatalf("Expected the new job to survive its own insert, got %v", err)
	}

	if err := reg.Insert(newPendingJob("new")); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	for _, id := range []string{"busy", "uploading", "new"} {
		if _, err := reg.Get(id); err != nil {
			t.Errorf("Expected %q to survive eviction, got %v", id, err)
		}
	}

	settle(t, reg, "uploading", model.StateFailed)
	reg.Insert(newPendingJob("newer"))
	if _, err := reg.Get("uploading"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected failed job to be evicted once settled, got %v", err)
	}
	if reg.Count() != 3 {
		t.Errorf("Expected 3 live jobs, got %d", reg.Count())
	}
}

func TestRegistryUnlimitedJobs(t *testing.T) {
	reg := NewRegistry(nil, 0)
	for i := 0; i < 10; i++ {
		reg.Insert(newPendingJob(fmt.Sprintf("job-%d", i)))
	}
	if reg.Count() != 10 {
		t.Errorf("Expected 10 jobs, got %d", reg.Count())
	}
}

func TestRegistryConcurrentUpdatesToDifferentJobs(t *testing.T) {
	reg := NewRegistry(NewTracker(), 0)
	const n = 50
	for i := 0; i < n; i++ {
		reg.Insert(newPendingJob(fmt.Sprintf("job-%d", i)))
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			reg.Update(id, model.Transition(model.StateUploading))
			reg.Update(id, model.Transition(model.StateAnalyzing))
			reg.Update(id, model.Complete(&model.AnalysisResult{Summary: id}))
		}(fmt.Sprintf("job-%d", i))
	}
	wg.Wait()

	for _, job := range reg.List() {
		if job.State != model.StateCompleted || !job.Consistent() {
			t.Errorf("Job %s: unexpected final state %+v", job.ID, job)
		}
		if job.Analysis.Summary != job.ID {
			t.Errorf("Job %s got another job's analysis %q", job.ID, job.Analysis.Summary)
		}
	}
}

func TestRegistrySubscribe(t *testing.T) {
	reg := NewRegistry(NewTracker(), 0)
	events, cancel := reg.Subscribe(8)
	defer cancel()

	reg.Insert(newPendingJob("s"))
	reg.Update("s", model.Transition(model.StateUploading))
	reg.Remove("s")

	want := []struct {
		typ   EventType
		state model.JobState
	}{
		{EventInserted, model.StatePending},
		{EventUpdated, model.StateUploading},
		{EventRemoved, model.StateUploading},
	}
	for i, w := range want {
		select {
		case ev := <-events:
			if ev.Type != w.typ || ev.Job.State != w.state {
				t.Errorf("Event %d: expected %s/%s, got %s/%s", i, w.typ, w.state, ev.Type, ev.Job.State)
			}
		case <-time.After(time.Second):
			t.Fatalf("Timed out waiting for event %d", i)
		}
	}
}

func TestRegistrySubscribeCancelAndDrop(t *testing.T) {
	reg := NewRegistry(NewTracker(), 0)
	events, cancel := reg.Subscribe(1)

	// second and third events overflow the buffer and are dropped
	reg.Insert(newPendingJob("x"))
	reg.Insert(newPendingJob("y"))
	reg.Insert(newPendingJob("z"))

	ev := <-events
	if ev.Job.ID != "x" {
		t.Errorf("Expected first event for x, got %s", ev.Job.ID)
	}

	cancel()
	cancel()
	if _, ok := <-events; ok {
		t.Error("Expected channel to be closed after cancel")
	}
	if reg.Count() != 3 {
		t.Errorf("Expected writers to proceed despite lagging subscriber, got %d jobs", reg.Count())
	}
}

func TestRegistryRestore(t *testing.T) {
	reg := NewRegistry(NewTracker(), 0)
	reg.Insert(newPendingJob("old"))

	completed := newPendingJob("done")
	completed.State = model.StateCompleted
	completed.Analysis = &model.AnalysisResult{OverallRiskScore: 10}
	broken := newPendingJob("broken")
	broken.State = model.StateFailed

	n := reg.Restore([]model.ReviewJob{completed, newPendingJob("p"), broken, completed})
	if n != 2 {
		t.Errorf("Expected 2 restored jobs, got %d", n)
	}
	if _, err := reg.Get("old"); err == nil {
		t.Error("Expected restore to replace previous contents")
	}
	jobs := reg.List()
	if jobs[0].ID != "done" || jobs[1].ID != "p" {
		t.Errorf("Expected restored order to be kept, got %s, %s", jobs[0].ID, jobs[1].ID)
	}
}

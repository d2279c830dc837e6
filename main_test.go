package main

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AnTengye/contractreview/model"
	"github.com/AnTengye/contractreview/service"
)

type stepRecorder struct {
	mu    sync.Mutex
	steps []string
}

func (r *stepRecorder) add(step string) {
	r.mu.Lock()
	r.steps = append(r.steps, step)
	r.mu.Unlock()
}

type fakeServer struct {
	rec *stepRecorder
	err error
}

func (s *fakeServer) Shutdown(ctx context.Context) error {
	s.rec.add("shutdown")
	return s.err
}

type fakeSteps struct {
	rec    *stepRecorder
	during func()
	err    error
}

func (d *fakeSteps) Drain(ctx context.Context) error {
	if d.during != nil {
		d.during()
	}
	d.rec.add("drain")
	return d.err
}

func TestShutdownOrder(t *testing.T) {
	rec := &stepRecorder{}
	err := shutdown(&fakeServer{rec: rec}, &fakeSteps{rec: rec, err: context.DeadlineExceeded}, time.Second, func() { rec.add("done") })

	require.NoError(t, err)
	assert.Equal(t, []string{"shutdown", "drain", "done"}, rec.steps)
}

func TestShutdownServerErrorStillCallsDone(t *testing.T) {
	rec := &stepRecorder{}
	err := shutdown(&fakeServer{rec: rec, err: errors.New("listener stuck")}, &fakeSteps{rec: rec}, time.Second, func() { rec.add("done") })

	require.Error(t, err)
	assert.Contains(t, err.Error(), "listener stuck")
	assert.Equal(t, []string{"shutdown", "done"}, rec.steps)
}

func TestShutdownFinalSnapshotFollowsDrain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.msgpack")
	registry := service.NewRegistry(service.NewTracker(), 0)
	require.NoError(t, registry.Insert(model.ReviewJob{ID: "job-1", Tenant: "acme", FileName: "a.pdf", State: model.StatePending}))
	_, err := registry.Update("job-1", model.Transition(model.StateAnalyzing))
	require.NoError(t, err)

	snapCtx, stopSnapshots := context.WithCancel(context.Background())
	flushed := make(chan error, 1)
	go func() {
		flushed <- service.RunSnapshots(snapCtx, registry, path, time.Hour)
	}()

	rec := &stepRecorder{}
	steps := &fakeSteps{rec: rec, during: func() {
		registry.Update("job-1", model.Complete(&model.AnalysisResult{Summary: "done", OverallRiskScore: 40}))
	}}
	require.NoError(t, shutdown(&fakeServer{rec: rec}, steps, time.Second, stopSnapshots))

	select {
	case err := <-flushed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("snapshot flusher did not stop")
	}

	restored := service.NewRegistry(service.NewTracker(), 0)
	n, err := service.LoadSnapshot(restored, path)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	job, err := restored.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, model.StateCompleted, job.State)
	assert.Empty(t, job.LastError)
}

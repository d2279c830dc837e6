package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ledongthuc/pdf"

	"github.com/AnTengye/contractreview/config"
	"github.com/AnTengye/contractreview/model"
	"github.com/AnTengye/contractreview/pkg/logger"
	"github.com/AnTengye/contractreview/pkg/metrics"
)

// Pipeline moves review jobs through upload and analysis. The Registry is
// its only state; background steps commit every outcome back to it.
type Pipeline struct {
	registry    *Registry
	tracker     *Tracker
	transport   Transport
	normalizer  *Normalizer
	metrics     *metrics.Collector
	maxBytes    int64
	allowed     []string
	autoAnalyze bool
	stepTimeout time.Duration

	wg sync.WaitGroup
}

func NewPipeline(cfg *config.PipelineConfig, registry *Registry, transport Transport, normalizer *Normalizer, collector *metrics.Collector) *Pipeline {
	if collector == nil {
		collector = metrics.New()
	}
	return &Pipeline{
		registry:    registry,
		tracker:     registry.Tracker(),
		transport:   transport,
		normalizer:  normalizer,
		metrics:     collector,
		maxBytes:    cfg.MaxFileSizeBytes(),
		allowed:     cfg.AllowedTypes,
		autoAnalyze: cfg.AutoAnalyze,
		stepTimeout: cfg.StepTimeout,
	}
}

// Submit validates doc, records a new job and starts its upload in the
// background. Rejected documents never reach the registry.
func (p *Pipeline) Submit(ctx context.Context, doc Document) (model.ReviewJob, error) {
	if err := p.validate(doc); err != nil {
		p.metrics.IncValidationRejected()
		return model.ReviewJob{}, err
	}

	job := model.ReviewJob{
		ID:            uuid.New().String(),
		Tenant:        doc.Tenant,
		FileName:      doc.Name,
		FileSizeBytes: doc.Size(),
		FileType:      doc.Ext(),
		State:         model.StatePending,
	}
	if job.FileType == "pdf" {
		job.PageCount = countPDFPages(doc.Data)
	}
	if err := p.registry.Insert(job); err != nil {
		return model.ReviewJob{}, err
	}

	job, err := p.registry.Update(job.ID, model.Transition(model.StateUploading))
	if err != nil {
		return model.ReviewJob{}, err
	}
	logger.Info(ctx, "review job submitted",
		"job_id", job.ID,
		"file_name", job.FileName,
		"size", job.FileSizeBytes,
	)

	p.wg.Add(1)
	go p.upload(context.WithoutCancel(ctx), job.ID, doc)
	return job, nil
}

func (p *Pipeline) validate(doc Document) error {
	if doc.Name == "" {
		return fmt.Errorf("%w: file name is required", ErrValidation)
	}
	ext := doc.Ext()
	if !slices.Contains(p.allowed, ext) {
		return fmt.Errorf("%w: file type %q is not allowed", ErrValidation, ext)
	}
	if doc.Size() == 0 {
		return fmt.Errorf("%w: file is empty", ErrValidation)
	}
	if p.maxBytes > 0 && doc.Size() > p.maxBytes {
		return fmt.Errorf("%w: file exceeds %d bytes", ErrValidation, p.maxBytes)
	}
	return nil
}

// countPDFPages is best effort; unreadable documents report zero pages.
func countPDFPages(data []byte) (pages int) {
	defer func() {
		if recover() != nil {
			pages = 0
		}
	}()
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0
	}
	return r.NumPage()
}

func (p *Pipeline) upload(ctx context.Context, id string, doc Document) {
	defer p.wg.Done()
	ctx = logger.WithJob(ctx, id)
	defer p.recoverStep(ctx, id, "upload")

	p.metrics.IncUploadStarted()
	callCtx, cancel := p.callContext(ctx)
	result, err := p.transport.UploadDocument(callCtx, id, doc)
	cancel()
	if err != nil {
		p.metrics.IncUploadFailed()
		logger.Warn(ctx, "document upload failed", "error", err)
		p.commit(ctx, id, model.Fail(fmt.Errorf("%w: %v", ErrUpload, err).Error()))
		return
	}

	patch := model.JobPatch{
		RemoteID:    &result.JobID,
		BackendRef:  &result.BackendRef,
		DocumentURL: &result.DocumentURL,
	}
	if !p.autoAnalyze {
		pending := model.StatePending
		patch.State = &pending
		p.commitUpload(ctx, id, doc, patch)
		return
	}

	if !p.tracker.TryAcquire(id) {
		logger.Warn(ctx, "job already in flight after upload")
		reason := fmt.Sprintf("%v: analysis already in flight after upload", ErrConflict)
		failed := model.StateFailed
		patch.State = &failed
		patch.LastError = &reason
		p.commitUpload(ctx, id, doc, patch)
		return
	}
	analyzing := model.StateAnalyzing
	patch.State = &analyzing
	patch.Attempt = true
	job, ok := p.commitUpload(ctx, id, doc, patch)
	if !ok {
		p.tracker.Release(id)
		return
	}
	p.runAnalysis(ctx, job)
}

// commitUpload records a finished upload. When the job was removed while the
// upload ran, whatever the transport stored for it is discarded again.
func (p *Pipeline) commitUpload(ctx context.Context, id string, doc Document, patch model.JobPatch) (model.ReviewJob, bool) {
	job, err := p.registry.Update(id, patch)
	if err == nil {
		return job, true
	}
	p.logCommitError(ctx, err)
	if errors.Is(err, ErrNotFound) {
		p.discard(ctx, model.ReviewJob{ID: id, Tenant: doc.Tenant, FileName: doc.Name})
	}
	return model.ReviewJob{}, false
}

// Analyze starts the analyze step for an uploaded job. It returns
// ErrNotFound for unknown ids and ErrConflict when the job is in flight or
// cannot be analyzed from its current state.
func (p *Pipeline) Analyze(ctx context.Context, id string) error {
	job, err := p.registry.Get(id)
	if err != nil {
		return err
	}
	if err := checkAnalyzable(job); err != nil {
		return err
	}
	if !p.tracker.TryAcquire(id) {
		return fmt.Errorf("%w: job %s is already being analyzed", ErrConflict, id)
	}

	analyzing := model.StateAnalyzing
	job, err = p.registry.Update(id, model.JobPatch{State: &analyzing, Attempt: true})
	if err != nil {
		p.tracker.Release(id)
		if errors.Is(err, ErrInvalidPatch) {
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
		return err
	}
	logger.Info(ctx, "analysis accepted", "job_id", id, "attempt", job.Attempts)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		jobCtx := logger.WithJob(context.WithoutCancel(ctx), id)
		defer p.recoverStep(jobCtx, id, "analyze")
		p.runAnalysis(jobCtx, job)
	}()
	return nil
}

func checkAnalyzable(job model.ReviewJob) error {
	switch job.State {
	case model.StateCompleted:
		return fmt.Errorf("%w: job %s is already completed", ErrConflict, job.ID)
	case model.StateUploading:
		return fmt.Errorf("%w: job %s is still uploading", ErrConflict, job.ID)
	case model.StateAnalyzing:
		return fmt.Errorf("%w: job %s is already being analyzed", ErrConflict, job.ID)
	}
	if !job.Uploaded() {
		return fmt.Errorf("%w: job %s was never uploaded", ErrConflict, job.ID)
	}
	return nil
}

// Retry re-runs analysis of a failed job.
func (p *Pipeline) Retry(ctx context.Context, id string) error {
	job, err := p.registry.Get(id)
	if err != nil {
		return err
	}
	if job.State != model.StateFailed {
		return fmt.Errorf("%w: only failed jobs can be retried, job %s is %s", ErrConflict, id, job.State)
	}
	return p.Analyze(ctx, id)
}

// runAnalysis performs analyze and fetch as one step and commits the outcome.
// The caller holds the tracker entry for job; it is released here.
func (p *Pipeline) runAnalysis(ctx context.Context, job model.ReviewJob) {
	defer p.tracker.Release(job.ID)
	start := time.Now()
	p.metrics.IncAnalysisStarted()

	result, ref, err := p.analyzeStep(ctx, job.BackendRef)
	p.metrics.ObserveAnalysisDuration(time.Since(start))
	if err != nil {
		p.metrics.IncAnalysisFailed()
		logger.Warn(ctx, "analysis failed", "error", err, "duration", time.Since(start))
		p.commit(ctx, job.ID, model.Fail(err.Error()))
		return
	}

	patch := model.Complete(result)
	if ref != job.BackendRef {
		patch.BackendRef = &ref
	}
	if p.commit(ctx, job.ID, patch) {
		p.metrics.IncAnalysisCompleted()
		logger.Info(ctx, "analysis completed",
			"risk_score", result.OverallRiskScore,
			"clauses", len(result.Clauses),
			"duration", time.Since(start),
		)
	}
}

func (p *Pipeline) analyzeStep(ctx context.Context, ref string) (*model.AnalysisResult, string, error) {
	callCtx, cancel := p.callContext(ctx)
	next, err := p.transport.TriggerAnalysis(callCtx, ref)
	cancel()
	if err != nil {
		return nil, ref, fmt.Errorf("%w: %v", ErrAnalysis, err)
	}
	if next != "" {
		ref = next
	}

	callCtx, cancel = p.callContext(ctx)
	raw, err := p.transport.FetchResult(callCtx, ref)
	cancel()
	if err != nil {
		return nil, ref, fmt.Errorf("%w: fetch result: %v", ErrAnalysis, err)
	}

	result, err := p.normalizer.Normalize(raw)
	if err != nil {
		return nil, ref, err
	}
	return result, ref, nil
}

// commit applies patch and reports whether it was stored. A job removed
// while its step ran is not an error; the outcome is dropped.
func (p *Pipeline) commit(ctx context.Context, id string, patch model.JobPatch) bool {
	if _, err := p.registry.Update(id, patch); err != nil {
		p.logCommitError(ctx, err)
		return false
	}
	return true
}

func (p *Pipeline) logCommitError(ctx context.Context, err error) {
	if errors.Is(err, ErrNotFound) {
		p.metrics.IncAnalysisDiscarded()
		logger.Debug(ctx, "job removed while in flight, result discarded")
		return
	}
	logger.Error(ctx, "failed to commit job update", "error", err)
}

// recoverStep turns a panic in a background step into a failed job.
func (p *Pipeline) recoverStep(ctx context.Context, id, step string) {
	r := recover()
	if r == nil {
		return
	}
	logger.Error(ctx, "pipeline step panicked",
		"step", step,
		"panic", r,
		"stack", string(debug.Stack()),
	)
	p.commit(ctx, id, model.Fail(fmt.Sprintf("%s step crashed: %v", step, r)))
	p.tracker.Release(id)
}

func (p *Pipeline) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.stepTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.stepTimeout)
}

func (p *Pipeline) Get(id string) (model.ReviewJob, error) {
	return p.registry.Get(id)
}

func (p *Pipeline) List() []model.ReviewJob {
	return p.registry.List()
}

func (p *Pipeline) ListByTenant(tenant string) []model.ReviewJob {
	return p.registry.ListByTenant(tenant)
}

// Remove deletes the job. An analysis still running for it finishes
// against the backend but its result is discarded. Archived originals are
// deleted on a best-effort basis.
func (p *Pipeline) Remove(ctx context.Context, id string) error {
	job, err := p.registry.Get(id)
	if err != nil {
		return err
	}
	if err := p.registry.Remove(id); err != nil {
		return err
	}
	logger.Info(ctx, "review job removed", "job_id", id, "state", job.State)
	p.discard(ctx, job)
	return nil
}

// discard deletes whatever the transport keeps for job, if anything.
func (p *Pipeline) discard(ctx context.Context, job model.ReviewJob) {
	d, ok := p.transport.(Discarder)
	if !ok {
		return
	}
	callCtx, cancel := p.callContext(ctx)
	defer cancel()
	if err := d.Discard(callCtx, job); err != nil {
		logger.Warn(ctx, "failed to discard stored document", "job_id", job.ID, "error", err)
	}
}

func (p *Pipeline) Subscribe(buffer int) (<-chan Event, func()) {
	return p.registry.Subscribe(buffer)
}

// Busy reports whether the job's analyze step is running.
func (p *Pipeline) Busy(id string) bool {
	return p.tracker.Busy(id)
}

// Wait blocks until every background step has finished.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Drain waits like Wait but gives up when ctx is done.
func (p *Pipeline) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

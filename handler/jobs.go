package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AnTengye/contractreview/config"
	"github.com/AnTengye/contractreview/middleware"
	"github.com/AnTengye/contractreview/model"
	"github.com/AnTengye/contractreview/pkg/logger"
	"github.com/AnTengye/contractreview/service"
)

// multipartOverhead is the room left for form headers when capping the
// request body.
const multipartOverhead = 1 << 20

// JobService is the pipeline surface the HTTP layer drives.
type JobService interface {
	Submit(ctx context.Context, doc service.Document) (model.ReviewJob, error)
	Analyze(ctx context.Context, id string) error
	Retry(ctx context.Context, id string) error
	Get(id string) (model.ReviewJob, error)
	ListByTenant(tenant string) []model.ReviewJob
	Remove(ctx context.Context, id string) error
	Busy(id string) bool
	Subscribe(buffer int) (<-chan service.Event, func())
}

type JobHandler struct {
	jobs     JobService
	maxBytes int64
}

func NewJobHandler(jobs JobService, cfg *config.PipelineConfig) *JobHandler {
	return &JobHandler{jobs: jobs, maxBytes: cfg.MaxFileSizeBytes()}
}

// JobView is a job as rendered for clients, with the derived busy flag and
// risk band.
type JobView struct {
	model.ReviewJob
	Busy     bool            `json:"busy"`
	RiskBand model.RiskLevel `json:"risk_band,omitempty"`
}

func newJobView(job model.ReviewJob, busy bool) JobView {
	v := JobView{ReviewJob: job, Busy: busy}
	if job.Analysis != nil {
		v.RiskBand = job.Analysis.Band()
	}
	return v
}

func (h *JobHandler) view(job model.ReviewJob) JobView {
	return newJobView(job, h.jobs.Busy(job.ID))
}

var contentTypes = map[string]string{
	"pdf":  "application/pdf",
	"doc":  "application/msword",
	"docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}

// Upload accepts a multipart "file" and submits it for review.
func (h *JobHandler) Upload(c *gin.Context) {
	if h.maxBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBytes+multipartOverhead)
	}

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			middleware.AbortWithError(c, http.StatusBadRequest, "validation_error", fmt.Sprintf("file exceeds %d bytes", h.maxBytes))
			return
		}
		middleware.AbortWithError(c, http.StatusBadRequest, "validation_error", "No file provided")
		return
	}
	defer file.Close()

	if h.maxBytes > 0 && header.Size > h.maxBytes {
		middleware.AbortWithError(c, http.StatusBadRequest, "validation_error", fmt.Sprintf("file exceeds %d bytes", h.maxBytes))
		return
	}

	var reader io.Reader = file
	if h.maxBytes > 0 {
		reader = io.LimitReader(file, h.maxBytes+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		middleware.AbortWithError(c, http.StatusBadRequest, "validation_error", "Failed to read file")
		return
	}

	doc := service.Document{
		Name:   header.Filename,
		Tenant: middleware.GetTenant(c),
		Data:   data,
	}
	doc.ContentType = detectContentType(header.Header.Get("Content-Type"), doc.Ext(), data)

	job, err := h.jobs.Submit(c.Request.Context(), doc)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusAccepted, h.view(job))
}

// detectContentType trusts a specific client header, else the extension,
// else the file's leading bytes.
func detectContentType(declared, ext string, data []byte) string {
	if declared != "" && declared != "application/octet-stream" {
		return declared
	}
	if ct, ok := contentTypes[ext]; ok {
		return ct
	}
	return http.DetectContentType(data)
}

// List returns the tenant's jobs, most recent first, optionally filtered by ?state=.
func (h *JobHandler) List(c *gin.Context) {
	jobs := h.jobs.ListByTenant(middleware.GetTenant(c))

	var state model.JobState
	if s := c.Query("state"); s != "" {
		state = model.JobState(strings.ToLower(s))
		if !state.Valid() {
			middleware.AbortWithError(c, http.StatusBadRequest, "validation_error", fmt.Sprintf("unknown state %q", s))
			return
		}
	}

	result := make([]JobView, 0, len(jobs))
	for _, job := range jobs {
		if state != "" && job.State != state {
			continue
		}
		result = append(result, h.view(job))
	}

	c.JSON(http.StatusOK, gin.H{"jobs": result, "count": len(result)})
}

func (h *JobHandler) Get(c *gin.Context) {
	job, ok := h.load(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.view(job))
}

// Analyze starts analysis of an uploaded, pending job.
func (h *JobHandler) Analyze(c *gin.Context) {
	h.trigger(c, h.jobs.Analyze)
}

// Retry re-analyzes a failed job.
func (h *JobHandler) Retry(c *gin.Context) {
	h.trigger(c, h.jobs.Retry)
}

func (h *JobHandler) trigger(c *gin.Context, start func(context.Context, string) error) {
	job, ok := h.load(c)
	if !ok {
		return
	}
	if err := start(c.Request.Context(), job.ID); err != nil {
		h.fail(c, err)
		return
	}

	job, err := h.jobs.Get(job.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, h.view(job))
}

func (h *JobHandler) Delete(c *gin.Context) {
	job, ok := h.load(c)
	if !ok {
		return
	}
	if err := h.jobs.Remove(c.Request.Context(), job.ID); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Job removed", "id": job.ID})
}

// load fetches the :id job, hiding other tenants' jobs as not found.
func (h *JobHandler) load(c *gin.Context) (model.ReviewJob, bool) {
	id := c.Param("id")
	job, err := h.jobs.Get(id)
	if err == nil && job.Tenant != middleware.GetTenant(c) {
		err = fmt.Errorf("%w: %s", service.ErrNotFound, id)
	}
	if err != nil {
		h.fail(c, err)
		return model.ReviewJob{}, false
	}
	return job, true
}

// fail maps pipeline errors onto HTTP statuses.
func (h *JobHandler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		middleware.AbortWithError(c, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, service.ErrNotFound):
		middleware.AbortWithError(c, http.StatusNotFound, "not_found", "Job not found")
	case errors.Is(err, service.ErrConflict):
		middleware.AbortWithError(c, http.StatusConflict, "conflict", err.Error())
	default:
		logger.Error(c.Request.Context(), "job request failed", "error", err)
		_ = c.Error(err)
		middleware.AbortWithError(c, http.StatusInternalServerError, "internal", "Internal server error")
	}
}

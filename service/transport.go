package service

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/AnTengye/contractreview/model"
)

// Document is an uploaded file awaiting submission.
type Document struct {
	Name        string
	ContentType string
	Tenant      string
	Data        []byte
}

func (d Document) Size() int64 {
	return int64(len(d.Data))
}

// Ext returns the lower-case extension without the dot.
func (d Document) Ext() string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(d.Name)), ".")
}

// UploadResult is what the backend returns for an accepted document.
type UploadResult struct {
	JobID       string // backend-assigned id
	BackendRef  string // handle for the analyze and fetch calls
	DocumentURL string // link to the stored original, if any
}

// Transport is the request/response boundary to the analysis engine.
type Transport interface {
	UploadDocument(ctx context.Context, jobID string, doc Document) (UploadResult, error)
	// TriggerAnalysis starts analysis and returns the ref to fetch with;
	// an empty ref means the old one is still valid.
	TriggerAnalysis(ctx context.Context, backendRef string) (string, error)
	FetchResult(ctx context.Context, backendRef string) (json.RawMessage, error)
}

// Discarder is implemented by transports that keep a copy of uploaded
// documents which should go away with the job.
type Discarder interface {
	Discard(ctx context.Context, job model.ReviewJob) error
}

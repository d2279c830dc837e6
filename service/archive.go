package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"

	"github.com/AnTengye/contractreview/model"
)

// ArchivingTransport stores each uploaded original in an ObjectStore before
// handing it to the next Transport, and attaches a download link to the job.
type ArchivingTransport struct {
	next  Transport
	store ObjectStore
}

func NewArchivingTransport(next Transport, store ObjectStore) *ArchivingTransport {
	return &ArchivingTransport{next: next, store: store}
}

// ObjectKey is where a job's original document lives: {tenant}/{job}/{file}.
func ObjectKey(tenant, jobID, fileName string) string {
	if tenant == "" {
		tenant = "default"
	}
	return path.Join(tenant, jobID, path.Base(fileName))
}

func (t *ArchivingTransport) UploadDocument(ctx context.Context, jobID string, doc Document) (UploadResult, error) {
	key := ObjectKey(doc.Tenant, jobID, doc.Name)
	if err := t.store.Put(ctx, key, bytes.NewReader(doc.Data), doc.Size(), doc.ContentType); err != nil {
		return UploadResult{}, fmt.Errorf("archive original: %w", err)
	}

	result, err := t.next.UploadDocument(ctx, jobID, doc)
	if err != nil {
		if delErr := t.store.Delete(ctx, key); delErr != nil {
			slog.Warn("failed to delete archived original", "key", key, "error", delErr)
		}
		return UploadResult{}, err
	}

	if result.DocumentURL == "" {
		link, err := t.store.PresignedURL(ctx, key)
		if err != nil {
			slog.Warn("failed to presign archived original", "key", key, "error", err)
		} else {
			result.DocumentURL = link
		}
	}
	return result, nil
}

func (t *ArchivingTransport) TriggerAnalysis(ctx context.Context, backendRef string) (string, error) {
	return t.next.TriggerAnalysis(ctx, backendRef)
}

func (t *ArchivingTransport) FetchResult(ctx context.Context, backendRef string) (json.RawMessage, error) {
	return t.next.FetchResult(ctx, backendRef)
}

// Discard deletes the archived original of job.
func (t *ArchivingTransport) Discard(ctx context.Context, job model.ReviewJob) error {
	return t.store.Delete(ctx, ObjectKey(job.Tenant, job.ID, job.FileName))
}

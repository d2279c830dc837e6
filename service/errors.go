package service

import "errors"

var (
	// ErrValidation rejects a document before any job is created.
	ErrValidation = errors.New("validation error")
	// ErrUpload wraps transport upload failures.
	ErrUpload = errors.New("upload failed")
	// ErrAnalysis wraps transport analyze and fetch failures.
	ErrAnalysis = errors.New("analysis failed")
	// ErrNormalization means the fetched payload is not an analysis result.
	ErrNormalization = errors.New("unusable analysis payload")
	// ErrConflict is returned when a job cannot be analyzed in its current state.
	ErrConflict = errors.New("conflict")
	ErrNotFound = errors.New("job not found")
	// ErrInvalidPatch means an update would break the job state invariants.
	ErrInvalidPatch = errors.New("invalid job update")
)

package model

import (
	"time"
)

// JobState is the lifecycle state of a ReviewJob.
type JobState string

const (
	StatePending   JobState = "pending"
	StateUploading JobState = "uploading"
	StateAnalyzing JobState = "analyzing"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
)

// transitions lists the states reachable from each state.
var transitions = map[JobState][]JobState{
	StatePending:   {StateUploading, StateAnalyzing},
	StateUploading: {StateAnalyzing, StatePending, StateFailed},
	StateAnalyzing: {StateCompleted, StateFailed},
	StateFailed:    {StateAnalyzing},
	StateCompleted: nil,
}

// Valid reports whether s is a known state.
func (s JobState) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether a job may move from s to next.
func (s JobState) CanTransition(next JobState) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s JobState) Terminal() bool {
	return s == StateCompleted
}

// Settled reports whether no step is pending or running for a job in s,
// so dropping it loses no work.
func (s JobState) Settled() bool {
	return s == StateCompleted || s == StateFailed
}

// ReviewJob is one document tracked through upload and analysis.
type ReviewJob struct {
	ID            string          `json:"id"`
	Tenant        string          `json:"tenant"`
	FileName      string          `json:"file_name"`
	FileSizeBytes int64           `json:"file_size_bytes"`
	FileType      string          `json:"file_type"`
	PageCount     int             `json:"page_count,omitempty"`
	State         JobState        `json:"state"`
	Analysis      *AnalysisResult `json:"analysis,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
	RemoteID      string          `json:"remote_id,omitempty"`
	BackendRef    string          `json:"backend_ref,omitempty"`
	DocumentURL   string          `json:"document_url,omitempty"`
	Attempts      int             `json:"attempts"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Consistent reports whether the analysis/error fields agree with the state:
// Analysis is set only when completed, LastError only when failed.
func (j *ReviewJob) Consistent() bool {
	if (j.State == StateCompleted) != (j.Analysis != nil) {
		return false
	}
	if (j.State == StateFailed) != (j.LastError != "") {
		return false
	}
	return true
}

// Clone returns a copy of j that shares no memory with it.
func (j ReviewJob) Clone() ReviewJob {
	j.Analysis = j.Analysis.Clone()
	return j
}

// Uploaded reports whether the backend has accepted the document.
func (j *ReviewJob) Uploaded() bool {
	return j.BackendRef != ""
}

// JobPatch is a partial update applied atomically by the registry.
// A State change must carry its paired field: Analysis for completed,
// LastError for failed.
type JobPatch struct {
	State       *JobState
	Analysis    *AnalysisResult
	LastError   *string
	RemoteID    *string
	BackendRef  *string
	DocumentURL *string
	PageCount   *int
	Attempt     bool // increments Attempts
}

// Transition builds a patch moving a job into state s.
func Transition(s JobState) JobPatch {
	return JobPatch{State: &s}
}

// Complete builds a patch moving a job to completed with its result.
func Complete(result *AnalysisResult) JobPatch {
	p := Transition(StateCompleted)
	p.Analysis = result
	return p
}

// Fail builds a patch moving a job to failed with a reason.
func Fail(reason string) JobPatch {
	p := Transition(StateFailed)
	p.LastError = &reason
	return p
}

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Stages at which an area can fail.
const (
	StageFetch     = "fetch"
	StageNormalize = "normalize"
	StageStore     = "store"
)

// Error classes for failures outside the fetch stage.
const (
	ClassMalformed = "malformed_document"
	ClassStore     = "store"
)

// AreaFailure describes why one leaf occurrence was not persisted.
type AreaFailure struct {
	Stage      string
	Attempts   int
	ErrorClass string
	Err        error
}

// AreaOutcome is the result of ingesting one leaf occurrence.
type AreaOutcome struct {
	Code       string
	ParentCode string
	Reports    int
	Conditions int
	Failure    *AreaFailure
}

// IngestionReport summarizes one run. Outcomes is in leaf order.
type IngestionReport struct {
	RunID      uuid.UUID
	StartedAt  time.Time
	FinishedAt time.Time
	Outcomes   []AreaOutcome
}

// Succeeded returns, in first-occurrence order, each code whose every
// occurrence was persisted.
func (r IngestionReport) Succeeded() []string {
	failed := r.Failed()
	seen := make(map[string]struct{}, len(r.Outcomes))
	var codes []string
	for _, o := range r.Outcomes {
		if _, bad := failed[o.Code]; bad {
			continue
		}
		if _, dup := seen[o.Code]; dup {
			continue
		}
		seen[o.Code] = struct{}{}
		codes = append(codes, o.Code)
	}
	return codes
}

// Failed maps each code with at least one failed occurrence to its first
// failure. It never shares a code with Succeeded.
func (r IngestionReport) Failed() map[string]AreaFailure {
	failed := make(map[string]AreaFailure)
	for _, o := range r.Outcomes {
		if o.Failure == nil {
			continue
		}
		if _, ok := failed[o.Code]; !ok {
			failed[o.Code] = *o.Failure
		}
	}
	return failed
}

// RunSummary is the serializable view of an IngestionReport.
type RunSummary struct {
	RunID      string                 `json:"run_id"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt time.Time              `json:"finished_at"`
	Succeeded  []string               `json:"succeeded"`
	Failed     map[string]FailureView `json:"failed"`
}

// FailureView is the serializable view of an AreaFailure.
type FailureView struct {
	Stage      string `json:"stage"`
	Attempts   int    `json:"attempts"`
	ErrorClass string `json:"error_class"`
	Error      string `json:"error"`
}

// Summary converts the report for logging, publication and the ops API.
func (r IngestionReport) Summary() RunSummary {
	succeeded := r.Succeeded()
	if succeeded == nil {
		succeeded = []string{}
	}
	failed := make(map[string]FailureView)
	for code, f := range r.Failed() {
		v := FailureView{Stage: f.Stage, Attempts: f.Attempts, ErrorClass: f.ErrorClass}
		if f.Err != nil {
			v.Error = f.Err.Error()
		}
		failed[code] = v
	}
	return RunSummary{
		RunID:      r.RunID.String(),
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Succeeded:  succeeded,
		Failed:     failed,
	}
}

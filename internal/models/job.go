// Package models provides data models for the citation checker system.
package models

import (
	"time"

	"github.com/citation-checker/internal/types"
)

// Job represents one validation request tracked from acceptance to a terminal state
type Job struct {
	JobID            string                 `json:"job_id"`
	AccountToken     string                 `json:"-"`
	Status           types.JobStatus        `json:"status"`
	Style            string                 `json:"style"`
	RequestedCount   int                    `json:"requested_count"`
	GrantedCount     int                    `json:"granted_count"`
	Results          []types.CitationResult `json:"results"` // sorted by global index, filled slots only
	RemainingIndices []int                  `json:"remaining_indices,omitempty"`
	CreditsConsumed  int                    `json:"credits_consumed"`
	Assignment       ProviderAssignment     `json:"provider"`
	Error            string                 `json:"error,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	StartedAt        *time.Time             `json:"started_at,omitempty"`
	CompletedAt      *time.Time             `json:"completed_at,omitempty"`
}

// ProviderAssignment records which backend served a job.
// Written once per job; consumed by the analytics sink.
type ProviderAssignment struct {
	AccountToken      string         `json:"-"`
	RequestedProvider types.Provider `json:"requested_provider"`
	ActualProvider    types.Provider `json:"actual_provider,omitempty"`
	FallbackOccurred  bool           `json:"fallback_occurred"`
}

// CitationsChecked returns how many citations a provider actually looked at.
// Slots whose batch no provider could serve are not counted.
func (j *Job) CitationsChecked() int {
	n := 0
	for _, r := range j.Results {
		if r.ParseStatus != types.ParseStatusNotAttempted {
			n++
		}
	}
	return n
}

// CitationsRemaining returns how many requested citations were not attempted.
func (j *Job) CitationsRemaining() int {
	return j.RequestedCount - j.GrantedCount
}

// Partial reports whether the job ended with fewer citations attempted than requested.
func (j *Job) Partial() bool {
	return j.Status == types.JobStatusPartial
}

// Clone returns a deep copy so pollers never share memory with the job's task.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Results != nil {
		c.Results = make([]types.CitationResult, len(j.Results))
		for i, r := range j.Results {
			c.Results[i] = r
			if r.Errors != nil {
				c.Results[i].Errors = append([]types.CitationError(nil), r.Errors...)
			}
		}
	}
	if j.RemainingIndices != nil {
		c.RemainingIndices = append([]int(nil), j.RemainingIndices...)
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Package types provides common type definitions for the citation checker system.
package types

// JobStatus represents the lifecycle state of a validation job
type JobStatus string

const (
	// JobStatusPending represents a job accepted but not yet picked up by its task
	JobStatusPending JobStatus = "pending"
	// JobStatusProcessing represents a job whose task is dispatching batches
	JobStatusProcessing JobStatus = "processing"
	// JobStatusCompleted represents a job where every requested citation was attempted
	JobStatusCompleted JobStatus = "completed"
	// JobStatusPartial represents a job where fewer citations than requested were attempted
	JobStatusPartial JobStatus = "partial"
	// JobStatusFailed represents a job that hit an unrecoverable internal error
	JobStatusFailed JobStatus = "failed"
)

// IsTerminal reports whether no further transitions are allowed out of s.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusPartial, JobStatusFailed:
		return true
	default:
		return false
	}
}

// CanTransition reports whether the lifecycle allows moving from s to next.
// Transitions are monotonic: pending -> processing -> {completed|partial|failed}.
// A pending job may also fail directly if its task could not start.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobStatusPending:
		return next == JobStatusProcessing || next == JobStatusFailed
	case JobStatusProcessing:
		return next.IsTerminal()
	default:
		return false
	}
}

// ParseStatus describes how a citation result was obtained
type ParseStatus string

const (
	// ParseStatusOK represents a verdict parsed from provider output
	ParseStatusOK ParseStatus = "ok"
	// ParseStatusFailure represents a slot the provider answered unintelligibly or skipped
	ParseStatusFailure ParseStatus = "parse_failure"
	// ParseStatusNotAttempted represents a slot whose batch never reached a provider successfully
	ParseStatusNotAttempted ParseStatus = "not_attempted"
)

// Provider identifies a validation backend
type Provider string

const (
	// ProviderA is the stable backend, used as the default fallback
	ProviderA Provider = "provider_a"
	// ProviderB is the challenger backend
	ProviderB Provider = "provider_b"
)

// ParseProvider maps a header or config value to a Provider.
// The empty string and unknown values return ok=false.
func ParseProvider(s string) (Provider, bool) {
	switch Provider(s) {
	case ProviderA:
		return ProviderA, true
	case ProviderB:
		return ProviderB, true
	default:
		return "", false
	}
}

// PassKind identifies a time-boxed pass product
type PassKind string

const (
	// PassOneDay grants unlimited validation (subject to the daily cap) for 24 hours
	PassOneDay PassKind = "1day"
	// PassSevenDay grants a pass for 7 days
	PassSevenDay PassKind = "7day"
	// PassThirtyDay grants a pass for 30 days
	PassThirtyDay PassKind = "30day"
)

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}

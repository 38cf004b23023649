// Package errors defines the error taxonomy of the validation pipeline and
// maps it onto HTTP status codes and retry classes.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"

	"github.com/citation-checker/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryUserInput represents malformed requests (4xx)
	CategoryUserInput ErrorCategory = "user_input"
	// CategoryEntitlement represents an account without spendable entitlement
	CategoryEntitlement ErrorCategory = "entitlement"
	// CategoryProvider represents validation backend errors
	CategoryProvider ErrorCategory = "provider"
	// CategoryRateLimit represents rate limit errors
	CategoryRateLimit ErrorCategory = "rate_limit"
	// CategoryNotFound represents not found errors
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryAuthorization represents authorization errors
	CategoryAuthorization ErrorCategory = "authorization"
	// CategoryStorage represents ledger or job store errors
	CategoryStorage ErrorCategory = "storage"
	// CategorySystem represents everything else (5xx)
	CategorySystem ErrorCategory = "system"
)

// Sentinels usable with errors.Is across package boundaries.
var (
	ErrEntitlementExhausted = stderrors.New("entitlement exhausted")
	ErrProviderTransient    = stderrors.New("provider transient failure")
	ErrProviderRateLimited  = stderrors.New("provider rate limited")
	ErrProviderUnavailable  = stderrors.New("provider unavailable")
	ErrJobNotFound          = stderrors.New("job not found")
	ErrInvalidTransition    = stderrors.New("invalid job status transition")
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// ToServiceError converts to the wire representation
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// NewEntitlementExhaustedError is returned when a reservation grants zero citations.
func NewEntitlementExhaustedError(requested int) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryEntitlement,
		StatusCode: http.StatusPaymentRequired,
		Code:       "ENTITLEMENT_EXHAUSTED",
		Message:    "no validation credits or active pass available",
		Details: map[string]interface{}{
			"credits_remaining":   0,
			"citations_checked":   0,
			"citations_remaining": requested,
		},
		Cause: ErrEntitlementExhausted,
	}
}

// NewInvalidInputError creates an invalid input error
func NewInvalidInputError(field, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryUserInput,
		StatusCode: http.StatusBadRequest,
		Code:       "INVALID_INPUT",
		Message:    fmt.Sprintf("invalid %s: %s", field, reason),
		Details: map[string]interface{}{
			"field":  field,
			"reason": reason,
		},
	}
}

// NewUnauthorizedError creates an unauthorized error
func NewUnauthorizedError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryAuthorization,
		StatusCode: http.StatusUnauthorized,
		Code:       "UNAUTHORIZED",
		Message:    message,
	}
}

// NewJobNotFoundError creates a not found error for a job id
func NewJobNotFoundError(jobID string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       "JOB_NOT_FOUND",
		Message:    fmt.Sprintf("job not found: %s", jobID),
		Details: map[string]interface{}{
			"job_id": jobID,
		},
		Cause: ErrJobNotFound,
	}
}

// NewRateLimitError creates an inbound rate limit error
func NewRateLimitError(retryAfter int) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryRateLimit,
		StatusCode: http.StatusTooManyRequests,
		Code:       "RATE_LIMIT_EXCEEDED",
		Message:    "rate limit exceeded",
		Details: map[string]interface{}{
			"retry_after_seconds": retryAfter,
		},
	}
}

// NewProviderTransientError wraps a recoverable provider failure (timeouts, 5xx).
func NewProviderTransientError(provider types.Provider, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryProvider,
		StatusCode: http.StatusBadGateway,
		Code:       "PROVIDER_TRANSIENT",
		Message:    fmt.Sprintf("transient provider failure: %s", provider),
		Details: map[string]interface{}{
			"provider": provider,
		},
		Cause: joinCause(ErrProviderTransient, cause),
	}
}

// NewProviderRateLimitedError wraps a 429 / resource exhausted response.
func NewProviderRateLimitedError(provider types.Provider, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryProvider,
		StatusCode: http.StatusTooManyRequests,
		Code:       "PROVIDER_RATE_LIMITED",
		Message:    fmt.Sprintf("provider rate limit exceeded: %s", provider),
		Details: map[string]interface{}{
			"provider": provider,
		},
		Cause: joinCause(ErrProviderRateLimited, cause),
	}
}

// NewProviderUnavailableError marks a batch that no provider could serve.
func NewProviderUnavailableError(providers []types.Provider, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryProvider,
		StatusCode: http.StatusServiceUnavailable,
		Code:       "PROVIDER_UNAVAILABLE",
		Message:    "no validation provider available",
		Details: map[string]interface{}{
			"providers": providers,
		},
		Cause: joinCause(ErrProviderUnavailable, cause),
	}
}

// NewProviderError wraps a non-retryable provider failure (bad credentials, bad request).
func NewProviderError(provider types.Provider, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryProvider,
		StatusCode: http.StatusBadGateway,
		Code:       "PROVIDER_ERROR",
		Message:    fmt.Sprintf("provider error: %s", provider),
		Details: map[string]interface{}{
			"provider": provider,
		},
		Cause: cause,
	}
}

// NewStorageError creates a ledger or job store error
func NewStorageError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryStorage,
		StatusCode: http.StatusInternalServerError,
		Code:       "STORAGE_ERROR",
		Message:    fmt.Sprintf("storage error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Cause:      cause,
	}
}

func joinCause(sentinel, cause error) error {
	if cause == nil {
		return sentinel
	}
	return stderrors.Join(sentinel, cause)
}

// Categorize categorizes an existing error
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}

	switch {
	case stderrors.Is(err, ErrEntitlementExhausted):
		return NewEntitlementExhaustedError(0)
	case stderrors.Is(err, ErrJobNotFound):
		return &CategorizedError{
			Category:   CategoryNotFound,
			StatusCode: http.StatusNotFound,
			Code:       "JOB_NOT_FOUND",
			Message:    err.Error(),
			Cause:      err,
		}
	}

	return NewInternalError("unexpected error", err)
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// RetryClass tells a retry policy how to treat a failed attempt
type RetryClass int

const (
	// RetryNone means the attempt must not be retried
	RetryNone RetryClass = iota
	// RetryTransient means back off exponentially and spend an attempt
	RetryTransient
	// RetryRateLimited means pause for the rate limit window without spending an attempt
	RetryRateLimited
)

// String returns a string representation of the retry class.
func (c RetryClass) String() string {
	switch c {
	case RetryTransient:
		return "transient"
	case RetryRateLimited:
		return "rate_limited"
	default:
		return "permanent"
	}
}

// Classify maps an error onto a retry class.
// Timeouts and network errors are transient; cancellation of the caller's context is not.
func Classify(err error) RetryClass {
	if err == nil {
		return RetryNone
	}
	if stderrors.Is(err, ErrProviderRateLimited) {
		return RetryRateLimited
	}
	if stderrors.Is(err, ErrProviderTransient) || stderrors.Is(err, context.DeadlineExceeded) {
		return RetryTransient
	}
	if stderrors.Is(err, context.Canceled) {
		return RetryNone
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return RetryTransient
	}
	return RetryNone
}

// IsUserError determines if an error is a user error (4xx)
func IsUserError(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	return catErr.StatusCode >= 400 && catErr.StatusCode < 500
}

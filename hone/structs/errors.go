package structs

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrStorageUnavailable is returned when the storage backend cannot
	// service a request. Controllers abort and release their locks; the
	// request pipeline surfaces it to the caller.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrConflictingUpdate is returned by compare-and-swap writes that lost
	// the race. Callers retry up to a bounded number of attempts.
	ErrConflictingUpdate = errors.New("conflicting update")

	// ErrLockHeld is returned when a lock acquisition finds another holder
	// whose TTL has not expired. It is benign; the calling controller exits.
	ErrLockHeld = errors.New("lock held by another holder")

	// ErrLockStale is returned when a lock release presents a fencing token
	// that is no longer current. The release is ignored.
	ErrLockStale = errors.New("lock token is stale")

	// ErrUpstreamFailure is returned when the upstream LLM provider fails
	// with a 5xx or a network error. No log is persisted and no stats are
	// updated for the request.
	ErrUpstreamFailure = errors.New("upstream provider failure")

	// ErrClusterDimension is returned when a request embedding does not
	// match the dimension of a skill's existing centroids.
	ErrClusterDimension = errors.New("embedding dimension mismatch")
)

// Recoverable is the interface for errors that carry an explicit
// retryability discriminator. Retry loops consult this rather than matching
// on error text.
type Recoverable interface {
	error
	IsRecoverable() bool
}

// RecoverableError wraps an error and marks whether retrying may succeed.
type RecoverableError struct {
	Err         string
	Recoverable bool

	wrapped error
}

// NewRecoverableError wraps the given error and adds the recoverable
// discriminator. A nil error returns nil.
func NewRecoverableError(e error, recoverable bool) error {
	if e == nil {
		return nil
	}
	return &RecoverableError{
		Err:         e.Error(),
		Recoverable: recoverable,
		wrapped:     e,
	}
}

func (r *RecoverableError) Error() string {
	return r.Err
}

func (r *RecoverableError) IsRecoverable() bool {
	return r.Recoverable
}

func (r *RecoverableError) Unwrap() error {
	return r.wrapped
}

// IsRecoverable returns true if the error or any error it wraps declares
// itself recoverable.
func IsRecoverable(e error) bool {
	for e != nil {
		if r, ok := e.(Recoverable); ok {
			return r.IsRecoverable()
		}
		e = errors.Unwrap(e)
	}
	return false
}

// JudgeErrorCode classifies judge LLM call failures. The code decides
// retryability and is recorded on fallback evaluation results.
type JudgeErrorCode string

const (
	JudgeErrTimeout    JudgeErrorCode = "timeout"
	JudgeErrRateLimit  JudgeErrorCode = "rate_limit"
	JudgeErrServer     JudgeErrorCode = "server_error"
	JudgeErrConnection JudgeErrorCode = "connection"
	JudgeErrTemporary  JudgeErrorCode = "temporary"
	JudgeErrBadRequest JudgeErrorCode = "bad_request"
	JudgeErrMalformed  JudgeErrorCode = "malformed_response"
)

// Recoverable returns whether a judge call failing with this code may be
// retried.
func (c JudgeErrorCode) Recoverable() bool {
	switch c {
	case JudgeErrTimeout, JudgeErrRateLimit, JudgeErrServer,
		JudgeErrConnection, JudgeErrTemporary:
		return true
	default:
		return false
	}
}

// JudgeError is the typed failure returned by judge LLM clients.
type JudgeError struct {
	Code JudgeErrorCode
	Err  error
}

// NewJudgeError builds a JudgeError with the given classification.
func NewJudgeError(code JudgeErrorCode, format string, args ...interface{}) *JudgeError {
	return &JudgeError{
		Code: code,
		Err:  fmt.Errorf(format, args...),
	}
}

func (e *JudgeError) Error() string {
	return fmt.Sprintf("judge: %s: %v", e.Code, e.Err)
}

func (e *JudgeError) Unwrap() error {
	return e.Err
}

func (e *JudgeError) IsRecoverable() bool {
	return e.Code.Recoverable()
}

// ErrorType returns the code as a string for evaluation result tagging. A
// nil receiver returns the empty string so callers can use it directly on
// classification misses.
func (e *JudgeError) ErrorType() string {
	if e == nil {
		return ""
	}
	return string(e.Code)
}

// UpstreamError wraps a provider failure with enough context to surface to
// the caller and to the cooldown cache. It matches ErrUpstreamFailure via
// errors.Is.
type UpstreamError struct {
	Provider   string
	Model      string
	StatusCode int
	Err        error
}

func NewUpstreamError(provider, model string, status int, err error) *UpstreamError {
	return &UpstreamError{
		Provider:   provider,
		Model:      model,
		StatusCode: status,
		Err:        err,
	}
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s/%s: status %d: %v",
		e.Provider, e.Model, e.StatusCode, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

func (e *UpstreamError) Is(target error) bool {
	return target == ErrUpstreamFailure
}

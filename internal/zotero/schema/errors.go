package schema

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for the sync and write engine.
//
// The typed errors below match these through errors.Is, so callers can branch
// on the category without caring about the concrete type:
//
//	if errors.Is(err, schema.ErrPreconditionFailed) {
//	    // refresh the library version and retry once
//	}
var (
	// ErrConfiguration is returned for invalid request targets or settings.
	// It is never worth retrying.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrFetch is returned when the remote service could not be read or
	// returned a malformed response.
	ErrFetch = errors.New("fetch failed")

	// ErrPreconditionFailed is returned when a conditional write was rejected
	// because the library changed after the claimed version.
	ErrPreconditionFailed = errors.New("library version precondition failed")

	// ErrPrecondition is returned when an operation needs state that does not
	// exist yet, such as an incremental refresh before any full sync.
	ErrPrecondition = errors.New("operation precondition not met")

	// ErrRefreshInProgress is returned when a second sync is started for a
	// library whose sync is still running.
	ErrRefreshInProgress = errors.New("sync already in progress for library")

	// ErrVersionExpired is returned when the remote no longer honours the
	// version used in a since-query.
	ErrVersionExpired = errors.New("library version no longer available")
)

// ConfigurationError describes a rejected configuration value.
type ConfigurationError struct {
	Field   string
	Message string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration error: " + e.Message
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Message)
}

// Is makes errors.Is(err, ErrConfiguration) true.
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// NewConfigurationError builds a ConfigurationError.
func NewConfigurationError(field, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// FetchError describes a failed request to the remote service. Status is the
// HTTP status code, or 0 when no response was received or it could not be
// decoded.
type FetchError struct {
	Status  int
	Library string
	URL     string
	Err     error
}

func (e *FetchError) Error() string {
	msg := "fetch failed for " + e.Library
	if e.Status != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrFetch) true.
func (e *FetchError) Is(target error) bool {
	return target == ErrFetch
}

// RequiresFullResync reports whether the failure means the version used for
// an incremental fetch is no longer valid on the remote.
func (e *FetchError) RequiresFullResync() bool {
	if errors.Is(e.Err, ErrVersionExpired) {
		return true
	}
	switch e.Status {
	case http.StatusBadRequest, http.StatusNotFound, http.StatusGone:
		return errors.Is(e.Err, errSinceQuery)
	}
	return false
}

// errSinceQuery marks fetch errors raised by a since-constrained request.
var errSinceQuery = errors.New("since query rejected")

// NewSinceFetchError builds the FetchError returned when a since-constrained
// request fails, so RequiresFullResync can tell it apart from an ordinary
// missing resource.
func NewSinceFetchError(status int, library, url string, since int) *FetchError {
	return &FetchError{
		Status:  status,
		Library: library,
		URL:     url,
		Err:     fmt.Errorf("%w: since=%d", errSinceQuery, since),
	}
}

// PreconditionFailedError is returned when a write carrying
// If-Unmodified-Since-Version was rejected.
type PreconditionFailedError struct {
	Library string
	Version int
}

func (e *PreconditionFailedError) Error() string {
	return fmt.Sprintf("library %s has changed since version %d", e.Library, e.Version)
}

// Is makes errors.Is(err, ErrPreconditionFailed) true.
func (e *PreconditionFailedError) Is(target error) bool {
	return target == ErrPreconditionFailed
}

// PreconditionError is returned when an operation is not allowed in the
// current state.
type PreconditionError struct {
	Library string
	Reason  string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Library, e.Reason)
}

// Is makes errors.Is(err, ErrPrecondition) true.
func (e *PreconditionError) Is(target error) bool {
	return target == ErrPrecondition
}

// IsRetryable returns true if the error may succeed when the same operation
// is tried again without changes.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var fe *FetchError
	if errors.As(err, &fe) {
		if fe.RequiresFullResync() {
			return false
		}
		// Transport failures and server-side errors
		if fe.Status == 0 || fe.Status >= 500 || fe.Status == http.StatusTooManyRequests {
			return true
		}
		return false
	}

	return errors.Is(err, ErrRefreshInProgress)
}

// RequiresRefresh returns true if the error is cured by refreshing the
// library version and retrying.
func RequiresRefresh(err error) bool {
	return errors.Is(err, ErrPreconditionFailed)
}

// RequiresFullResync returns true if the error can only be cured by a full,
// unconstrained sync of the library.
func RequiresFullResync(err error) bool {
	if err == nil {
		return false
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.RequiresFullResync()
	}
	return errors.Is(err, ErrVersionExpired) || errors.Is(err, ErrPrecondition)
}

// IsFatal returns true if retrying cannot help without changing the input.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrConfiguration) {
		return true
	}

	var fe *FetchError
	if errors.As(err, &fe) {
		// Bad credential or missing access
		return fe.Status == http.StatusUnauthorized || fe.Status == http.StatusForbidden
	}

	return false
}

package hookdb

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrQueueFull      = errors.New("queue full")
	ErrNotImplemented = errors.New("not implemented")

	ErrConfiguration = errors.New("configuration error")
	ErrVerification  = errors.New("verification failed")
	ErrPrecondition  = errors.New("precondition violated")
	ErrUpstream      = errors.New("upstream error")
	ErrStorage       = errors.New("storage error")
)

// ConfigurationError is user facing. Step, when set, tells the caller what to
// supply next.
type ConfigurationError struct {
	Message string
	Step    Step
}

func (e *ConfigurationError) Error() string {
	return e.Message
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

func configurationErrorf(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Message: fmt.Sprintf(format, args...)}
}

type VerificationError struct {
	Status  int
	Message string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("webhook verification failed (%d): %s", e.Status, e.Message)
}

func (e *VerificationError) Is(target error) bool {
	return target == ErrVerification
}

type PreconditionError struct {
	Message string
	Err     error
}

func (e *PreconditionError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *PreconditionError) Is(target error) bool {
	return target == ErrPrecondition
}

func (e *PreconditionError) Unwrap() error {
	return e.Err
}

type UpstreamError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	body := e.Body
	if len(body) > 256 {
		body = body[:256] + "..."
	}
	return fmt.Sprintf("%s %s returned %d: %s", e.Method, e.URL, e.StatusCode, body)
}

func (e *UpstreamError) Is(target error) bool {
	return target == ErrUpstream
}

type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether a failed job is worth another attempt.
// Configuration, verification and precondition failures never are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrConfiguration), errors.Is(err, ErrVerification), errors.Is(err, ErrPrecondition), errors.Is(err, ErrNotFound):
		return false
	}
	return true
}

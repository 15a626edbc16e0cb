package remote

import (
	"errors"
	"fmt"
)

// The engine classifies every remote failure into exactly one of two
// buckets. Transient failures are retried with backoff and never drop the
// pending operation; permanent rejections park the operation in the terminal
// failed state and are surfaced to the operator.

// TransientError is a failure worth retrying: timeout, connection refused,
// or a 5xx from the backend.
type TransientError struct {
	Detail string
	Err    error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient: %s: %v", e.Detail, e.Err)
	}
	return fmt.Sprintf("transient: %s", e.Detail)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is a rejection no retry can fix: a 4xx validation failure
// or an entity the backend does not know.
type PermanentError struct {
	StatusCode int
	Detail     string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %d %s", e.StatusCode, e.Detail)
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err is a terminal rejection.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// classifyHTTP maps a response status to the failure taxonomy.
// Success statuses return nil.
func classifyHTTP(status int, detail string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status >= 500:
		return &TransientError{Detail: fmt.Sprintf("backend returned %d: %s", status, detail)}
	case status >= 400:
		return &PermanentError{StatusCode: status, Detail: detail}
	default:
		return &TransientError{Detail: fmt.Sprintf("unexpected status %d: %s", status, detail)}
	}
}

// classifyTransport wraps a transport-level error. Everything that never
// produced a response (timeouts, refused connections, cancelled contexts)
// is transient: the write may or may not have reached the backend, and
// at-least-once delivery means we simply try again.
func classifyTransport(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Detail: op, Err: err}
}

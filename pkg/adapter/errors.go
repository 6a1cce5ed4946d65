package adapter

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies an adapter failure.
type ErrorKind string

const (
	// KindTransient failures (network, timeout, 5xx, 429) may succeed on a
	// later attempt.
	KindTransient ErrorKind = "transient"

	// KindPermanent failures (4xx, malformed responses, invalid input) will
	// not succeed on retry.
	KindPermanent ErrorKind = "permanent"
)

// TransientError is a failure worth retrying.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError is a failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Transientf returns a formatted TransientError.
func Transientf(format string, args ...any) error {
	return &TransientError{Err: fmt.Errorf(format, args...)}
}

// Permanentf returns a formatted PermanentError.
func Permanentf(format string, args ...any) error {
	return &PermanentError{Err: fmt.Errorf(format, args...)}
}

// Classify returns the kind of err. Anything that is not explicitly a
// PermanentError (network failures, deadlines, unknown errors) is transient.
func Classify(err error) ErrorKind {
	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return KindPermanent
	}

	return KindTransient
}

// StatusError is a non-2xx response from an external API.
type StatusError struct {
	Op         string
	StatusCode int
	Detail     string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.StatusCode)
	}

	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.StatusCode, e.Detail)
}

// statusError classifies a non-2xx HTTP response.
func statusError(op string, code int, detail string) error {
	err := &StatusError{Op: op, StatusCode: code, Detail: detail}

	switch {
	case code == http.StatusTooManyRequests,
		code == http.StatusRequestTimeout,
		code >= http.StatusInternalServerError:
		return &TransientError{Err: err}
	default:
		return &PermanentError{Err: err}
	}
}

// hasStatus reports whether err carries an HTTP status code of code.
func hasStatus(err error, code int) bool {
	var statusErr *StatusError

	return errors.As(err, &statusErr) && statusErr.StatusCode == code
}

package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// ErrUnsupportedCapability is returned by operations a provider cannot perform,
// such as image generation on a local backend.
var ErrUnsupportedCapability = errors.New("llm: unsupported capability")

// TransientError wraps a retryable failure: rate limiting, connection loss or
// a timeout.
type TransientError struct {
	// Backend names the provider implementation that failed.
	Backend string
	Err     error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Backend, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError wraps a failure that retrying cannot fix, such as invalid
// credentials or a malformed request.
type PermanentError struct {
	Backend string
	Err     error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("%s: permanent: %v", e.Backend, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// ParsingError reports model output that is not valid structured data.
type ParsingError struct {
	// Raw is the offending model output.
	Raw string
	Err error
}

func (e *ParsingError) Error() string {
	return fmt.Sprintf("llm: parse structured output: %v", e.Err)
}

func (e *ParsingError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or anything it wraps) is a [TransientError].
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err (or anything it wraps) is a [PermanentError].
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// IsParsing reports whether err (or anything it wraps) is a [ParsingError].
func IsParsing(err error) bool {
	var pe *ParsingError
	return errors.As(err, &pe)
}

// IsTransportFailure reports whether err looks like a network-level or timeout
// failure. Caller cancellation is not a transport failure.
func IsTransportFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Classify wraps err as transient or permanent using only transport-level
// signals. Backends with richer error information (HTTP status codes) should
// classify first and fall back to Classify.
func Classify(backend string, err error) error {
	if err == nil {
		return nil
	}
	if IsTransient(err) || IsPermanent(err) {
		return err
	}
	if IsTransportFailure(err) {
		return &TransientError{Backend: backend, Err: err}
	}
	return &PermanentError{Backend: backend, Err: err}
}

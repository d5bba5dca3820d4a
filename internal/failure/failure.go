// Package failure classifies errors raised while relaying a call.
package failure

import (
	"errors"
	"fmt"
)

// Kind is the coarse error class used for logging, metrics and HTTP mapping.
type Kind string

const (
	KindUnknown           Kind = "unknown"
	KindConfiguration     Kind = "configuration"
	KindUpstreamProtocol  Kind = "upstream_protocol"
	KindTranscoding       Kind = "transcoding"
	KindPersistence       Kind = "persistence"
	KindFunctionExecution Kind = "function_execution"
)

// Error tags an underlying error with a Kind and the failing operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func Configuration(op string, err error) error    { return New(KindConfiguration, op, err) }
func UpstreamProtocol(op string, err error) error { return New(KindUpstreamProtocol, op, err) }
func Transcoding(op string, err error) error      { return New(KindTranscoding, op, err) }
func Persistence(op string, err error) error      { return New(KindPersistence, op, err) }
func FunctionExecution(op string, err error) error {
	return New(KindFunctionExecution, op, err)
}

// KindOf returns the Kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryableUpstreamCode classifies upstream realtime error codes that a
// caller could retry. The relay itself never retries; the flag is logged.
func IsRetryableUpstreamCode(code string) bool {
	switch code {
	case "rate_limit_exceeded", "server_error", "session_expired", "resource_exhausted":
		return true
	default:
		return false
	}
}

// Package errs provides structured error types and helpers shared across the gateway.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies a failure category within the feed pipeline.
type Code string

const (
	// CodeDecode indicates a malformed or truncated vendor frame.
	CodeDecode Code = "decode"
	// CodeNetwork indicates a transient network transport failure.
	CodeNetwork Code = "network"
	// CodeAuth indicates the vendor rejected the supplied credentials.
	CodeAuth Code = "auth"
	// CodeCapacity indicates the vendor rejected a subscribe request for exceeding limits.
	CodeCapacity Code = "capacity"
	// CodeInvalid indicates invalid input provided by a caller or client.
	CodeInvalid Code = "invalid_request"
	// CodeBackpressure indicates a consumer fell too far behind and was cut off.
	CodeBackpressure Code = "backpressure"
	// CodeUnavailable indicates the component is shut down or not yet connected.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the gateway stack.
type E struct {
	Venue   string
	Code    Code
	RawCode string
	RawMsg  string
	Message string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the venue and error code.
func New(venue string, code Code, opts ...Option) *E {
	e := &E{
		Venue:   strings.TrimSpace(venue),
		Code:    code,
		RawCode: "",
		RawMsg:  "",
		Message: "",
		cause:   nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithRawCode captures the raw vendor error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithRawMessage captures the raw vendor error message.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	venue := strings.TrimSpace(e.Venue)
	if venue == "" {
		venue = "unknown"
	}
	parts = append(parts, "venue="+venue)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the failure category from err, or the empty Code when err
// carries no envelope anywhere along its chain.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return Code("")
}

// IsTerminalAuth reports whether err represents a credential rejection that
// will not heal by retrying.
func IsTerminalAuth(err error) bool {
	return CodeOf(err) == CodeAuth
}

// Package fault carries the typed error vocabulary shared by every component.
// A Fault pairs a stable code with a human message and optional structured
// details; API handlers translate codes to HTTP statuses, workers use them to
// split retryable transport failures from terminal logical ones, and verifiers
// flatten them into report entries.
package fault

import (
	"errors"
	"fmt"
)

// Fault is a typed error with a stable code and structured details.
type Fault struct {
	Code    string
	Message string
	Details map[string]any

	cause error
}

// New constructs a Fault with the given code and message.
func New(code, message string) *Fault {
	return &Fault{Code: code, Message: message}
}

// Newf constructs a Fault with a formatted message.
func Newf(code, format string, args ...any) *Fault {
	return &Fault{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs a Fault that records err as its cause.
func Wrap(code, message string, err error) *Fault {
	return &Fault{Code: code, Message: message, cause: err}
}

// With returns a copy of f carrying the additional detail. The receiver is
// not mutated so shared Fault values stay safe.
func (f *Fault) With(key string, value any) *Fault {
	out := &Fault{Code: f.Code, Message: f.Message, cause: f.cause}
	out.Details = make(map[string]any, len(f.Details)+1)
	for k, v := range f.Details {
		out.Details[k] = v
	}
	out.Details[key] = value
	return out
}

func (f *Fault) Error() string {
	if f.cause != nil {
		return fmt.Sprintf("%s: %s: %v", f.Code, f.Message, f.cause)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

func (f *Fault) Unwrap() error { return f.cause }

// Is matches two Faults by code, so errors.Is works against bare
// fault.New(code, "") sentinels.
func (f *Fault) Is(target error) bool {
	t, ok := target.(*Fault)
	return ok && t.Code == f.Code
}

// CodeOf extracts the stable code from err, or "" when err carries none.
func CodeOf(err error) string {
	var f *Fault
	if errors.As(err, &f) {
		return f.Code
	}
	return ""
}

// DetailsOf extracts structured details from err, or nil.
func DetailsOf(err error) map[string]any {
	var f *Fault
	if errors.As(err, &f) {
		return f.Details
	}
	return nil
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	return CodeOf(err) == code
}

package consult

import (
	"github.com/pkg/errors"
)

var (
	// ErrAuthRequired is returned when no account email was supplied.
	ErrAuthRequired = errors.New("authentication required")
	// ErrInvalidRequest is returned for missing or malformed input.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrAccessDenied is returned when the plan lacks the specialist or feature.
	ErrAccessDenied = errors.New("access denied by plan")
	// ErrUpstream is returned when the model or storage collaborator failed.
	ErrUpstream = errors.New("upstream failure")
)

// upstreamError keeps the collaborator's error as cause while matching ErrUpstream.
type upstreamError struct {
	op    string
	cause error
}

func (e *upstreamError) Error() string        { return e.op + ": " + e.cause.Error() }
func (e *upstreamError) Unwrap() error        { return e.cause }
func (e *upstreamError) Is(target error) bool { return target == ErrUpstream }

func upstream(op string, cause error) error {
	return &upstreamError{op: op, cause: cause}
}

func invalid(format string, args ...any) error {
	return errors.Wrapf(ErrInvalidRequest, format, args...)
}

// AccessDeniedError names what the plan does not unlock.
type AccessDeniedError struct {
	Specialist string
	Feature    string
}

func (e *AccessDeniedError) Error() string {
	if e.Feature != "" {
		return "plan does not include " + e.Feature
	}
	return "plan does not include specialist " + e.Specialist
}

func (e *AccessDeniedError) Is(target error) bool { return target == ErrAccessDenied }

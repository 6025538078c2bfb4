package domain

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrMalformedResponse  = errors.New("malformed response")
	ErrRequestRejected    = errors.New("request rejected")
)

const maxErrorBody = 300

// UpstreamError is a non-success status from a remote collaborator. Body is
// truncated to a few hundred characters.
type UpstreamError struct {
	Status int
	Body   string
}

func NewUpstreamError(status int, body []byte) *UpstreamError {
	return &UpstreamError{Status: status, Body: Truncate(string(body), maxErrorBody)}
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error: status=%d body=%s", e.Status, e.Body)
}

// Is lets 4xx upstream errors match ErrRequestRejected.
func (e *UpstreamError) Is(target error) bool {
	return target == ErrRequestRejected && e.Status >= 400 && e.Status < 500
}

// Preconditionf builds an error matching ErrPreconditionFailed.
func Preconditionf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPreconditionFailed, fmt.Sprintf(format, args...))
}

// Malformedf builds an error matching ErrMalformedResponse.
func Malformedf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedResponse, fmt.Sprintf(format, args...))
}

// Truncate cuts s to at most n bytes on a rune boundary and marks the cut.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n < 0 {
		n = 0
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

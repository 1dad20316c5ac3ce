package submit

import (
	"context"
	"fmt"

	"github.com/pavelanni/readiness/internal/i18n"
)

// Kind classifies a failed submission.
type Kind int

const (
	KindUnknown Kind = iota
	KindServer
	KindTimeout
	KindNetwork
)

func (k Kind) String() string {
	switch k {
	case KindServer:
		return "server"
	case KindTimeout:
		return "timeout"
	case KindNetwork:
		return "network"
	default:
		return "unknown"
	}
}

// Error is the final error of a submission, after retries.
type Error struct {
	Kind     Kind
	Status   int // HTTP status when the server answered, 0 otherwise
	Attempts int
	Reason   string // error text returned by the server, if any
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("submit %s error after %d attempt(s)", e.Kind, e.Attempts)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether another attempt may succeed.
func (e *Error) Retryable() bool {
	return e.Kind == KindServer || e.Kind == KindNetwork
}

// Message returns the user-facing text for the error class in the language
// carried by ctx.
func (e *Error) Message(ctx context.Context) string {
	switch e.Kind {
	case KindServer:
		return i18n.T(ctx, "SubmitErrorServer")
	case KindTimeout:
		return i18n.T(ctx, "SubmitErrorTimeout")
	case KindNetwork:
		return i18n.T(ctx, "SubmitErrorNetwork")
	}
	if e.Reason != "" {
		return i18n.Td(ctx, "SubmitErrorRejected", map[string]any{"Reason": e.Reason})
	}
	return i18n.T(ctx, "SubmitErrorUnknown")
}

package assessment

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidState is returned when an operation is not allowed in the current state.
var ErrInvalidState = errors.New("operation not allowed in current state")

// ValidationError reports missing or invalid input. It never leaves the client.
type ValidationError struct {
	Fields []string
	Reason string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed: " + e.Reason
	}
	msg := "validation failed: missing or invalid fields: " + strings.Join(e.Fields, ", ")
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}

// IncompleteAssessmentError lists the questions that still need an answer.
type IncompleteAssessmentError struct {
	Missing []int
}

func (e *IncompleteAssessmentError) Error() string {
	return fmt.Sprintf("assessment incomplete: %d unanswered questions %v", len(e.Missing), e.Missing)
}

// First returns the first unanswered question id, or 0 when none is missing.
func (e *IncompleteAssessmentError) First() int {
	if len(e.Missing) == 0 {
		return 0
	}
	return e.Missing[0]
}

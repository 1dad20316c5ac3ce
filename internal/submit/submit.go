// Package submit sends a completed assessment to the diagnosis endpoint with
// a hard timeout and bounded linear-backoff retries.
package submit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/pavelanni/readiness/internal/assessment"
	"github.com/pavelanni/readiness/internal/model"
)

const (
	DefaultTimeout     = 3 * time.Minute
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
)

// Request is the body of a diagnosis submission.
type Request struct {
	model.CompanyInfo
	AssessmentResponses model.Responses `json:"assessmentResponses"`
	DiagnosisType       string          `json:"diagnosisType"`
	QuestionCount       int             `json:"questionCount"`
}

// Response is the body returned by the diagnosis endpoint.
type Response struct {
	Success     bool   `json:"success"`
	DiagnosisID string `json:"diagnosisId,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Coordinator submits sessions. The zero value is not usable; set Endpoint.
type Coordinator struct {
	Client      *http.Client
	Endpoint    string
	Timeout     time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
	// OnAttempt, if set, is called before every attempt (1-based).
	OnAttempt func(attempt int)
}

// New returns a Coordinator with default timeout and retry settings.
func New(endpoint string) *Coordinator {
	return &Coordinator{
		Client:      &http.Client{},
		Endpoint:    endpoint,
		Timeout:     DefaultTimeout,
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
	}
}

// Submit sends the session and returns the diagnosis id. A session that has
// already completed returns its stored id without a request. Failures after
// BeginSubmit return the session to ReadyToSubmit and are reported as *Error.
func (c *Coordinator) Submit(ctx context.Context, s *assessment.Session) (string, error) {
	if s.State() == assessment.StateCompleted {
		if id := s.DiagnosisID(); id != "" {
			slog.Info("reusing diagnosis id", "diagnosis_id", id)
			return id, nil
		}
	}
	if err := s.BeginSubmit(); err != nil {
		return "", err
	}

	info, responses := s.Payload()
	body, err := json.Marshal(Request{
		CompanyInfo:         info,
		AssessmentResponses: responses,
		DiagnosisType:       model.DiagnosisType,
		QuestionCount:       model.QuestionCount,
	})
	if err != nil {
		s.FailSubmit()
		return "", fmt.Errorf("marshal submission: %w", err)
	}

	id, err := c.send(ctx, body)
	if err != nil {
		s.FailSubmit()
		return "", err
	}
	if err := s.CompleteSubmit(id); err != nil {
		return "", err
	}
	slog.Info("assessment submitted", "diagnosis_id", id)
	return id, nil
}

// send posts body with retries and returns the diagnosis id.
func (c *Coordinator) send(ctx context.Context, body []byte) (string, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxAttempts := c.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var lastErr *Error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if c.OnAttempt != nil {
			c.OnAttempt(attempt)
		}
		id, err := c.post(ctx, body)
		if err == nil {
			return id, nil
		}
		err.Attempts = attempt
		lastErr = err
		if !err.Retryable() || attempt == maxAttempts {
			break
		}

		wait := time.Duration(attempt) * c.BaseDelay
		slog.Warn("submission failed, retrying",
			"attempt", attempt, "kind", err.Kind, "status", err.Status, "wait", wait, "error", err.Err)
		select {
		case <-ctx.Done():
			return "", &Error{Kind: KindTimeout, Attempts: attempt, Err: ctx.Err()}
		case <-time.After(wait):
		}
	}
	return "", lastErr
}

// post performs one attempt.
func (c *Coordinator) post(ctx context.Context, body []byte) (string, *Error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", &Error{Kind: KindUnknown, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", &Error{Kind: KindTimeout, Err: ctx.Err()}
		}
		return "", &Error{Kind: KindNetwork, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		if ctx.Err() != nil {
			return "", &Error{Kind: KindTimeout, Status: resp.StatusCode, Err: ctx.Err()}
		}
		return "", &Error{Kind: KindNetwork, Status: resp.StatusCode, Err: err}
	}

	var out Response
	decodeErr := json.Unmarshal(data, &out)

	switch {
	case resp.StatusCode >= 500:
		return "", &Error{Kind: KindServer, Status: resp.StatusCode, Reason: out.Error,
			Err: fmt.Errorf("server returned %s", resp.Status)}
	case resp.StatusCode >= 400:
		return "", &Error{Kind: KindUnknown, Status: resp.StatusCode, Reason: out.Error,
			Err: fmt.Errorf("request rejected with %s", resp.Status)}
	case decodeErr != nil:
		return "", &Error{Kind: KindUnknown, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", decodeErr)}
	case !out.Success || out.DiagnosisID == "":
		reason := out.Error
		if reason == "" {
			reason = "no diagnosis id returned"
		}
		return "", &Error{Kind: KindUnknown, Status: resp.StatusCode, Reason: out.Error, Err: errors.New(reason)}
	}
	return out.DiagnosisID, nil
}

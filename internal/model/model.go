package model

import (
	"context"
	"time"
)

// QuestionCount is the number of questions in a complete assessment.
const QuestionCount = 45

// DiagnosisType identifies the assessment kind in submission payloads.
const DiagnosisType = "ai-capability"

// Grade is the letter grade derived from a total score.
type Grade string

const (
	GradeS Grade = "S"
	GradeA Grade = "A"
	GradeB Grade = "B"
	GradeC Grade = "C"
	GradeD Grade = "D"
	GradeF Grade = "F"
)

// CompanyInfo holds the contact and firmographic fields collected before the survey.
type CompanyInfo struct {
	CompanyName      string `json:"companyName" validate:"required"`
	ContactName      string `json:"contactName" validate:"required"`
	Email            string `json:"email" validate:"required,email"`
	Phone            string `json:"phone" validate:"required,phone"`
	JobTitle         string `json:"jobTitle" validate:"required"`
	Industry         string `json:"industry" validate:"required"`
	CompanySize      string `json:"companySize" validate:"required"`
	Website          string `json:"website,omitempty"`
	PrivacyConsent   bool   `json:"privacyConsent" validate:"required"`
	MarketingConsent bool   `json:"marketingConsent"`
}

// Responses maps question ID to the selected score (1..5).
type Responses map[int]int

// Clone returns an independent copy of r.
func (r Responses) Clone() Responses {
	out := make(Responses, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Benchmark compares a total score against the industry baseline.
type Benchmark struct {
	IndustryAverage int `json:"industryAverage"`
	Gap             int `json:"gap"`
	Percentile      int `json:"percentile"`
}

// DiagnosisResult is the scored outcome of a complete response set.
type DiagnosisResult struct {
	DiagnosisID    string         `json:"diagnosisId,omitempty"`
	TotalScore     int            `json:"totalScore"`
	Grade          Grade          `json:"grade"`
	CategoryScores map[string]int `json:"categoryScores"`
	Benchmark      Benchmark      `json:"benchmark"`
}

// StepStatus is the state of one pipeline step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in-progress"
	StepCompleted  StepStatus = "completed"
)

// Rank orders statuses so merges never move a step backwards.
func (s StepStatus) Rank() int {
	switch s {
	case StepInProgress:
		return 1
	case StepCompleted:
		return 2
	default:
		return 0
	}
}

// Pipeline step identifiers, in execution order.
const (
	StepValidation   = "validation"
	StepReport       = "report"
	StepStorage      = "storage"
	StepNotification = "notification"
)

// StepIDs lists the pipeline steps in order.
var StepIDs = []string{StepValidation, StepReport, StepStorage, StepNotification}

// Step is the progress of one pipeline step.
type Step struct {
	ID       string     `json:"id"`
	Status   StepStatus `json:"status"`
	Progress int        `json:"progress"`
}

// ProgressSnapshot is the four-step view of server-side processing.
type ProgressSnapshot struct {
	DiagnosisID string `json:"diagnosisId"`
	Steps       []Step `json:"steps"`
	Overall     int    `json:"overallProgress"`
}

// NewProgressSnapshot returns a snapshot with every step pending.
func NewProgressSnapshot(diagnosisID string) ProgressSnapshot {
	steps := make([]Step, len(StepIDs))
	for i, id := range StepIDs {
		steps[i] = Step{ID: id, Status: StepPending}
	}
	return ProgressSnapshot{DiagnosisID: diagnosisID, Steps: steps}
}

// Clone returns a deep copy of p.
func (p ProgressSnapshot) Clone() ProgressSnapshot {
	out := p
	out.Steps = append([]Step(nil), p.Steps...)
	return out
}

// Recompute refreshes Overall as the rounded mean of step progress.
func (p *ProgressSnapshot) Recompute() {
	if len(p.Steps) == 0 {
		p.Overall = 0
		return
	}
	sum := 0
	for _, s := range p.Steps {
		sum += s.Progress
	}
	p.Overall = (sum + len(p.Steps)/2) / len(p.Steps)
}

// Completed reports whether every step is completed.
func (p ProgressSnapshot) Completed() bool {
	for _, s := range p.Steps {
		if s.Status != StepCompleted {
			return false
		}
	}
	return len(p.Steps) > 0
}

// Progress stream event names.
const (
	EventStarted  = "started"
	EventProgress = "progress"
	EventDone     = "done"
	EventTimeout  = "timeout"
)

// ProgressEvent is the payload of a progress stream event. Steps is set when
// the server has an authoritative per-step snapshot.
type ProgressEvent struct {
	DiagnosisID string  `json:"diagnosisId,omitempty"`
	Elapsed     float64 `json:"elapsed"`
	Steps       []Step  `json:"steps,omitempty"`
	Overall     int     `json:"overallProgress,omitempty"`
}

// DeliveryStatus is the e-mail delivery state reported by the status endpoint.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryChecking  DeliveryStatus = "checking"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryConfirmed DeliveryStatus = "confirmed"
	DeliveryCompleted DeliveryStatus = "completed"
	DeliveryError     DeliveryStatus = "error"
)

// Terminal reports whether s ends delivery polling.
func (s DeliveryStatus) Terminal() bool {
	switch s {
	case DeliverySent, DeliveryDelivered, DeliveryConfirmed, DeliveryCompleted:
		return true
	}
	return false
}

// EmailVerificationStatus is the client-side view of report delivery.
type EmailVerificationStatus struct {
	Status           DeliveryStatus `json:"status"`
	Message          string         `json:"message"`
	Timestamp        time.Time      `json:"timestamp"`
	ShouldHideBanner bool           `json:"shouldHideBanner"`
}

// Lead is a stored submission with its computed result.
type Lead struct {
	DiagnosisID string          `json:"diagnosisId"`
	Company     CompanyInfo     `json:"company"`
	Responses   Responses       `json:"responses"`
	Result      DiagnosisResult `json:"result"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Delivery is the stored delivery state of a diagnosis report.
type Delivery struct {
	DiagnosisID string         `json:"diagnosisId"`
	Status      DeliveryStatus `json:"status"`
	Message     string         `json:"message"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// ServerConfig holds runtime server parameters set via CLI flags.
type ServerConfig struct {
	BasePath        string        // URL prefix for sub-path deployments
	StreamLimit     time.Duration // max lifetime of one progress stream
	ProgressEvery   time.Duration // heartbeat interval for progress events
	PipelineTimeout time.Duration // deadline for one diagnosis pipeline
	RateLimit       int           // submissions per IP per RateWindow
	RateWindow      time.Duration
	AdminHash       []byte // bcrypt hash of the admin password, nil disables admin routes
}

type basePathCtxKey struct{}

// ContextWithBasePath stores the base path prefix in context.
func ContextWithBasePath(ctx context.Context, basePath string) context.Context {
	return context.WithValue(ctx, basePathCtxKey{}, basePath)
}

// BasePathFromContext retrieves the base path from context (empty string if not set).
func BasePathFromContext(ctx context.Context) string {
	bp, _ := ctx.Value(basePathCtxKey{}).(string)
	return bp
}

// Package pipeline processes submitted diagnoses in the background and
// publishes per-step progress to a Hub.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pavelanni/readiness/internal/assessment"
	"github.com/pavelanni/readiness/internal/i18n"
	"github.com/pavelanni/readiness/internal/llm"
	"github.com/pavelanni/readiness/internal/metrics"
	"github.com/pavelanni/readiness/internal/model"
	"github.com/pavelanni/readiness/internal/questionbank"
)

// DefaultTimeout bounds one pipeline run.
const DefaultTimeout = 5 * time.Minute

// Repository is the storage the pipeline reads leads from and writes results to.
type Repository interface {
	GetLead(diagnosisID string) (*model.Lead, error)
	SaveReport(diagnosisID, narrative, source string) error
	SetDelivery(d model.Delivery) error
}

// ReportGenerator writes the narrative report. *llm.Client implements it.
type ReportGenerator interface {
	GenerateReport(ctx context.Context, in llm.ReportInput) (*llm.Report, error)
}

// Runner executes validation, report generation, storage and notification
// for each diagnosis. A nil Reports uses the deterministic fallback report.
type Runner struct {
	Store   Repository
	Bank    *questionbank.Bank
	Reports ReportGenerator
	Mailer  Mailer
	Hub     *Hub
	Timeout time.Duration
	Metrics *metrics.Metrics

	wg sync.WaitGroup
}

// Start opens the diagnosis on the hub and runs the pipeline on its own
// goroutine. The run keeps ctx's values but not its cancellation, so a
// finished HTTP request does not abort it.
func (r *Runner) Start(ctx context.Context, diagnosisID string) {
	r.Hub.Open(diagnosisID)
	ctx = context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.Run(ctx, diagnosisID); err != nil {
			slog.Error("pipeline failed", "diagnosis_id", diagnosisID, "error", err)
		}
	}()
}

// Wait blocks until every started run has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Run processes one diagnosis synchronously. The hub entry is always
// finished when Run returns.
func (r *Runner) Run(ctx context.Context, diagnosisID string) (err error) {
	r.Hub.Open(diagnosisID)
	defer r.Hub.Finish(diagnosisID)

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		outcome := "completed"
		if err != nil {
			outcome = "failed"
		}
		r.Metrics.PipelineRun(outcome)
		slog.Info("pipeline finished", "diagnosis_id", diagnosisID, "outcome", outcome,
			"duration", time.Since(start).Round(time.Millisecond))
	}()

	lead, err := r.Store.GetLead(diagnosisID)
	if err != nil {
		return fmt.Errorf("load lead: %w", err)
	}
	if lead == nil {
		return fmt.Errorf("lead %s not found", diagnosisID)
	}

	var report llm.Report
	steps := []struct {
		id string
		fn func(context.Context) error
	}{
		{model.StepValidation, func(context.Context) error { return r.validate(lead) }},
		{model.StepReport, func(ctx context.Context) error {
			report = r.report(ctx, lead)
			return nil
		}},
		{model.StepStorage, func(context.Context) error {
			return r.Store.SaveReport(diagnosisID, report.Text(), report.Source)
		}},
		{model.StepNotification, func(ctx context.Context) error { return r.notify(ctx, lead, report) }},
	}
	for _, s := range steps {
		if err := r.step(ctx, diagnosisID, s.id, s.fn); err != nil {
			r.recordFailure(diagnosisID, err)
			return err
		}
	}
	return nil
}

func (r *Runner) step(ctx context.Context, diagnosisID, id string, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", id, err)
	}
	start := time.Now()
	r.Hub.SetStep(diagnosisID, id, model.StepInProgress, 0)
	if err := fn(ctx); err != nil {
		return fmt.Errorf("%s: %w", id, err)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", id, err)
	}
	r.Hub.SetStep(diagnosisID, id, model.StepCompleted, 100)
	r.Metrics.Step(id, time.Since(start))
	slog.Debug("pipeline step completed", "diagnosis_id", diagnosisID, "step", id)
	return nil
}

func (r *Runner) validate(lead *model.Lead) error {
	if bad := assessment.ValidateCompanyInfo(lead.Company); len(bad) > 0 {
		return &assessment.ValidationError{Fields: bad}
	}
	if missing := r.Bank.Missing(lead.Responses); len(missing) > 0 {
		return &assessment.IncompleteAssessmentError{Missing: missing}
	}
	for id, score := range lead.Responses {
		if !r.Bank.Has(id) || !questionbank.ValidScore(score) {
			return fmt.Errorf("invalid answer %d=%d", id, score)
		}
	}
	return nil
}

func (r *Runner) report(ctx context.Context, lead *model.Lead) llm.Report {
	in := llm.ReportInput{Company: lead.Company, Result: lead.Result}
	if r.Reports != nil {
		rep, err := r.Reports.GenerateReport(ctx, in)
		if err == nil {
			r.Metrics.Report(rep.Source)
			return *rep
		}
		slog.Warn("report generation failed, using fallback", "diagnosis_id", lead.DiagnosisID, "error", err)
	}
	rep := llm.FallbackReport(r.Bank, in)
	r.Metrics.Report(rep.Source)
	return rep
}

func (r *Runner) notify(ctx context.Context, lead *model.Lead, report llm.Report) error {
	mailer := r.Mailer
	if mailer == nil {
		mailer = LogMailer{}
	}
	res := lead.Result
	summary := i18n.Td(ctx, "ResultSummary", map[string]any{
		"Score":      res.TotalScore,
		"Grade":      string(res.Grade),
		"Average":    res.Benchmark.IndustryAverage,
		"Percentile": res.Benchmark.Percentile,
	})
	mail := Mail{
		DiagnosisID: lead.DiagnosisID,
		To:          lead.Company.Email,
		Subject:     i18n.T(ctx, "AppTitle") + ": " + lead.Company.CompanyName,
		Body:        strings.TrimSpace(summary) + "\n\n" + report.Text(),
	}
	if err := mailer.Send(ctx, mail); err != nil {
		return fmt.Errorf("send report: %w", err)
	}
	return r.Store.SetDelivery(model.Delivery{
		DiagnosisID: lead.DiagnosisID,
		Status:      model.DeliverySent,
		Message:     i18n.Td(ctx, "DeliveryCompleted", map[string]any{"Email": lead.Company.Email}),
	})
}

func (r *Runner) recordFailure(diagnosisID string, cause error) {
	err := r.Store.SetDelivery(model.Delivery{
		DiagnosisID: diagnosisID,
		Status:      model.DeliveryError,
		Message:     cause.Error(),
	})
	if err != nil {
		slog.Error("record delivery failure", "diagnosis_id", diagnosisID, "error", err)
	}
}

package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pavelanni/readiness/internal/llm"
	"github.com/pavelanni/readiness/internal/model"
	"github.com/pavelanni/readiness/internal/questionbank"
	"github.com/pavelanni/readiness/internal/scoring"
	"github.com/pavelanni/readiness/internal/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func insertLead(t *testing.T, s *store.Store, bank *questionbank.Bank, id string) model.Lead {
	t.Helper()
	info := model.CompanyInfo{
		CompanyName:    "Acme",
		ContactName:    "Kim",
		Email:          "kim@acme.example",
		Phone:          "+1 555 010 2000",
		JobTitle:       "CTO",
		Industry:       "manufacturing",
		CompanySize:    "51-200",
		PrivacyConsent: true,
	}
	responses := model.Responses{}
	for _, qid := range bank.IDs() {
		responses[qid] = 4
	}
	result, err := scoring.Evaluate(bank, responses, info, nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	lead := model.Lead{DiagnosisID: id, Company: info, Responses: responses, Result: result}
	if err := s.InsertLead(lead); err != nil {
		t.Fatalf("InsertLead: %v", err)
	}
	return lead
}

type fakeReports struct {
	report *llm.Report
	err    error
	block  bool
}

func (f *fakeReports) GenerateReport(ctx context.Context, in llm.ReportInput) (*llm.Report, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.report, f.err
}

type recordingMailer struct {
	mu   sync.Mutex
	sent []Mail
	err  error
}

func (m *recordingMailer) Send(ctx context.Context, mail Mail) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, mail)
	return nil
}

func TestRunCompletesAllSteps(t *testing.T) {
	bank := questionbank.MustDefault()
	s := testStore(t)
	insertLead(t, s, bank, "d-1")
	mailer := &recordingMailer{}
	r := &Runner{
		Store: s,
		Bank:  bank,
		Reports: &fakeReports{report: &llm.Report{
			Summary: "Solid foundation.", Recommendations: []string{"Scale pilots."}, Source: llm.SourceLLM,
		}},
		Mailer: mailer,
		Hub:    NewHub(),
	}

	if err := r.Run(context.Background(), "d-1"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	snap, ok := r.Hub.Snapshot("d-1")
	if !ok {
		t.Fatal("hub lost the run")
	}
	if !snap.Completed() || snap.Overall != 100 {
		t.Errorf("snapshot = %+v, want all steps completed", snap)
	}

	narrative, err := s.GetReport("d-1")
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	if !strings.Contains(narrative, "Solid foundation.") {
		t.Errorf("narrative = %q", narrative)
	}

	d, err := s.GetDelivery("d-1")
	if err != nil {
		t.Fatalf("GetDelivery: %v", err)
	}
	if d.Status != model.DeliverySent {
		t.Errorf("delivery status = %q, want sent", d.Status)
	}
	if !strings.Contains(d.Message, "kim@acme.example") {
		t.Errorf("delivery message = %q", d.Message)
	}

	if len(mailer.sent) != 1 {
		t.Fatalf("mails sent = %d, want 1", len(mailer.sent))
	}
	if mailer.sent[0].To != "kim@acme.example" {
		t.Errorf("mail to = %q", mailer.sent[0].To)
	}
	if !strings.Contains(mailer.sent[0].Body, "Scale pilots.") {
		t.Errorf("mail body = %q", mailer.sent[0].Body)
	}
}

func TestRunFallsBackWhenReportFails(t *testing.T) {
	tests := []struct {
		name    string
		reports ReportGenerator
	}{
		{"no generator", nil},
		{"generator error", &fakeReports{err: errors.New("rate limited")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bank := questionbank.MustDefault()
			s := testStore(t)
			insertLead(t, s, bank, "d-1")
			r := &Runner{Store: s, Bank: bank, Reports: tt.reports, Mailer: &recordingMailer{}, Hub: NewHub()}

			if err := r.Run(context.Background(), "d-1"); err != nil {
				t.Fatalf("Run: %v", err)
			}
			narrative, err := s.GetReport("d-1")
			if err != nil {
				t.Fatalf("GetReport: %v", err)
			}
			if !strings.Contains(narrative, "Acme scored") {
				t.Errorf("narrative = %q, want fallback summary", narrative)
			}
		})
	}
}

func TestRunRecordsMailFailure(t *testing.T) {
	bank := questionbank.MustDefault()
	s := testStore(t)
	insertLead(t, s, bank, "d-1")
	hub := NewHub()
	r := &Runner{Store: s, Bank: bank, Mailer: &recordingMailer{err: errors.New("smtp down")}, Hub: hub}

	err := r.Run(context.Background(), "d-1")
	if err == nil || !strings.Contains(err.Error(), "smtp down") {
		t.Fatalf("Run error = %v, want smtp down", err)
	}

	d, err := s.GetDelivery("d-1")
	if err != nil {
		t.Fatalf("GetDelivery: %v", err)
	}
	if d.Status != model.DeliveryError {
		t.Errorf("delivery status = %q, want error", d.Status)
	}

	snap, _ := hub.Snapshot("d-1")
	last := snap.Steps[len(snap.Steps)-1]
	if last.Status != model.StepInProgress {
		t.Errorf("notification step = %q, want in-progress", last.Status)
	}
	sub, ok := hub.Subscribe("d-1")
	if !ok {
		t.Fatal("Subscribe after failure")
	}
	defer sub.Close()
	select {
	case <-sub.Done:
	default:
		t.Error("hub run not finished after failure")
	}
}

func TestRunUnknownLead(t *testing.T) {
	r := &Runner{Store: testStore(t), Bank: questionbank.MustDefault(), Hub: NewHub()}
	if err := r.Run(context.Background(), "missing"); err == nil {
		t.Fatal("Run succeeded for an unknown lead")
	}
}

func TestRunHonorsTimeout(t *testing.T) {
	bank := questionbank.MustDefault()
	s := testStore(t)
	insertLead(t, s, bank, "d-1")
	r := &Runner{
		Store:   s,
		Bank:    bank,
		Reports: &fakeReports{block: true},
		Mailer:  &recordingMailer{},
		Hub:     NewHub(),
		Timeout: 50 * time.Millisecond,
	}

	err := r.Run(context.Background(), "d-1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run error = %v, want deadline exceeded", err)
	}
	if narrative, _ := s.GetReport("d-1"); narrative != "" {
		t.Errorf("report stored after timeout: %q", narrative)
	}
}

func TestStartDetachesFromCaller(t *testing.T) {
	bank := questionbank.MustDefault()
	s := testStore(t)
	insertLead(t, s, bank, "d-1")
	r := &Runner{Store: s, Bank: bank, Mailer: &recordingMailer{}, Hub: NewHub()}

	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx, "d-1")
	cancel()
	r.Wait()

	d, err := s.GetDelivery("d-1")
	if err != nil {
		t.Fatalf("GetDelivery: %v", err)
	}
	if d.Status != model.DeliverySent {
		t.Errorf("delivery status = %q, want sent", d.Status)
	}
}

package submit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pavelanni/readiness/internal/assessment"
	"github.com/pavelanni/readiness/internal/i18n"
	"github.com/pavelanni/readiness/internal/model"
	"github.com/pavelanni/readiness/internal/questionbank"
)

func readySession(t *testing.T) *assessment.Session {
	t.Helper()
	bank := questionbank.MustDefault()
	s := assessment.New(bank, assessment.NewMemoryStore())
	err := s.SubmitCompanyInfo(model.CompanyInfo{
		CompanyName:    "Acme Corp",
		ContactName:    "Jordan Lee",
		Email:          "jordan@acme.example",
		Phone:          "+1 555 010 2000",
		JobTitle:       "CTO",
		Industry:       "retail",
		CompanySize:    "11-50",
		PrivacyConsent: true,
	})
	if err != nil {
		t.Fatalf("SubmitCompanyInfo: %v", err)
	}
	for _, id := range bank.IDs() {
		if err := s.Answer(id, 4); err != nil {
			t.Fatalf("Answer: %v", err)
		}
	}
	if err := s.GoTo(bank.Len() - 1); err != nil {
		t.Fatalf("GoTo: %v", err)
	}
	if err := s.GoNext(); err != nil {
		t.Fatalf("GoNext: %v", err)
	}
	return s
}

func newCoordinator(url string) *Coordinator {
	c := New(url)
	c.BaseDelay = time.Millisecond
	c.Timeout = 5 * time.Second
	return c
}

// statusSequence answers with the given statuses in order, then 200 with id.
func statusSequence(t *testing.T, calls *atomic.Int32, statuses ...int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(calls.Add(1))
		w.Header().Set("Content-Type", "application/json")
		if n <= len(statuses) {
			w.WriteHeader(statuses[n-1])
			_ = json.NewEncoder(w).Encode(Response{Success: false, Error: "busy"})
			return
		}
		_ = json.NewEncoder(w).Encode(Response{Success: true, DiagnosisID: "diag-42"})
	}))
}

func TestSubmitRequestBody(t *testing.T) {
	bodies := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		bodies <- body
		_ = json.NewEncoder(w).Encode(Response{Success: true, DiagnosisID: "diag-1"})
	}))
	defer srv.Close()

	s := readySession(t)
	id, err := newCoordinator(srv.URL).Submit(context.Background(), s)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id != "diag-1" {
		t.Errorf("id = %q", id)
	}
	got := <-bodies
	if got["companyName"] != "Acme Corp" || got["email"] != "jordan@acme.example" {
		t.Errorf("company info not flattened: %v", got)
	}
	if got["diagnosisType"] != model.DiagnosisType {
		t.Errorf("diagnosisType = %v", got["diagnosisType"])
	}
	if got["questionCount"] != float64(45) {
		t.Errorf("questionCount = %v", got["questionCount"])
	}
	answers, ok := got["assessmentResponses"].(map[string]any)
	if !ok || len(answers) != 45 || answers["17"] != float64(4) {
		t.Errorf("assessmentResponses = %v", got["assessmentResponses"])
	}
	if s.State() != assessment.StateCompleted || s.DiagnosisID() != "diag-1" {
		t.Errorf("session not completed: %s %q", s.State(), s.DiagnosisID())
	}
}

func TestSubmitRetries(t *testing.T) {
	tests := []struct {
		name      string
		statuses  []int
		wantID    string
		wantKind  Kind
		wantCalls int32
	}{
		{"success first try", nil, "diag-42", 0, 1},
		{"one 503 then success", []int{503}, "diag-42", 0, 2},
		{"three 503 exhausts", []int{503, 503, 503}, "", KindServer, 3},
		{"500 502 then success", []int{500, 502}, "diag-42", 0, 3},
		{"400 not retried", []int{400}, "", KindUnknown, 1},
		{"422 not retried", []int{422, 503}, "", KindUnknown, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := statusSequence(t, &calls, tt.statuses...)
			defer srv.Close()

			s := readySession(t)
			id, err := newCoordinator(srv.URL).Submit(context.Background(), s)
			if calls.Load() != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls.Load(), tt.wantCalls)
			}
			if tt.wantID != "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if id != tt.wantID {
					t.Errorf("id = %q, want %q", id, tt.wantID)
				}
				return
			}
			var serr *Error
			if !errors.As(err, &serr) {
				t.Fatalf("expected *Error, got %v", err)
			}
			if serr.Kind != tt.wantKind {
				t.Errorf("kind = %s, want %s", serr.Kind, tt.wantKind)
			}
			if serr.Attempts != int(tt.wantCalls) {
				t.Errorf("attempts = %d, want %d", serr.Attempts, tt.wantCalls)
			}
			if s.State() != assessment.StateReadyToSubmit {
				t.Errorf("state after failure = %s, want ready_to_submit", s.State())
			}
		})
	}
}

func TestSubmitLinearBackoff(t *testing.T) {
	var mu sync.Mutex
	var stamps []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		stamps = append(stamps, time.Now())
		mu.Unlock()
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newCoordinator(srv.URL)
	c.BaseDelay = 40 * time.Millisecond
	_, err := c.Submit(context.Background(), readySession(t))
	if err == nil {
		t.Fatal("expected error")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(stamps) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(stamps))
	}
	if d := stamps[1].Sub(stamps[0]); d < 40*time.Millisecond {
		t.Errorf("first backoff %s, want >= 40ms", d)
	}
	if d := stamps[2].Sub(stamps[1]); d < 80*time.Millisecond {
		t.Errorf("second backoff %s, want >= 80ms", d)
	}
}

func TestSubmitTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := newCoordinator(srv.URL)
	c.Timeout = 50 * time.Millisecond
	_, err := c.Submit(context.Background(), readySession(t))

	var serr *Error
	if !errors.As(err, &serr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if serr.Kind != KindTimeout {
		t.Errorf("kind = %s, want timeout", serr.Kind)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected wrapped DeadlineExceeded, got %v", err)
	}
}

func TestSubmitNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	var attempts atomic.Int32
	c := newCoordinator(url)
	c.OnAttempt = func(int) { attempts.Add(1) }
	_, err := c.Submit(context.Background(), readySession(t))

	var serr *Error
	if !errors.As(err, &serr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if serr.Kind != KindNetwork {
		t.Errorf("kind = %s, want network", serr.Kind)
	}
	if attempts.Load() != 3 {
		t.Errorf("attempts = %d, want 3", attempts.Load())
	}
}

func TestSubmitReusesID(t *testing.T) {
	var calls atomic.Int32
	srv := statusSequence(t, &calls)
	defer srv.Close()

	c := newCoordinator(srv.URL)
	s := readySession(t)
	first, err := c.Submit(context.Background(), s)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	second, err := c.Submit(context.Background(), s)
	if err != nil {
		t.Fatalf("second Submit: %v", err)
	}
	if first != second || calls.Load() != 1 {
		t.Errorf("ids %q/%q with %d calls, want reuse with 1 call", first, second, calls.Load())
	}

	if err := s.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if _, err := c.Submit(context.Background(), s); !errors.Is(err, assessment.ErrInvalidState) {
		t.Errorf("submit after reset = %v, want ErrInvalidState", err)
	}
}

func TestSubmitIncomplete(t *testing.T) {
	s := assessment.New(questionbank.MustDefault(), assessment.NewMemoryStore())
	_, err := New("http://127.0.0.1:0").Submit(context.Background(), s)
	if !errors.Is(err, assessment.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
}

func TestErrorMessages(t *testing.T) {
	if err := i18n.Init("en"); err != nil {
		t.Fatalf("i18n.Init: %v", err)
	}
	ctx := context.Background()
	seen := map[string]Kind{}
	for _, k := range []Kind{KindServer, KindTimeout, KindNetwork, KindUnknown} {
		msg := (&Error{Kind: k}).Message(ctx)
		if msg == "" || strings.HasPrefix(msg, "SubmitError") {
			t.Errorf("%s: missing message %q", k, msg)
		}
		if prev, dup := seen[msg]; dup {
			t.Errorf("%s and %s share message %q", k, prev, msg)
		}
		seen[msg] = k
	}
	got := (&Error{Kind: KindUnknown, Reason: "email is invalid"}).Message(ctx)
	if !strings.Contains(got, "email is invalid") {
		t.Errorf("rejected message = %q", got)
	}
}

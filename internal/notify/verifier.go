// Package notify polls the delivery-status endpoint until the diagnosis
// report e-mail is confirmed or the deadline passes.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/pavelanni/readiness/internal/events"
	"github.com/pavelanni/readiness/internal/i18n"
	"github.com/pavelanni/readiness/internal/model"
	"github.com/pavelanni/readiness/internal/poller"
)

const (
	DefaultInterval    = 30 * time.Second
	DefaultMaxDuration = 10 * time.Minute

	actionCheck = "check"
)

// Request is the body sent to the delivery-status endpoint.
type Request struct {
	DiagnosisID string `json:"diagnosisId"`
	Email       string `json:"email"`
	Action      string `json:"action"`
}

// Response is the delivery-status endpoint reply.
type Response struct {
	Status model.DeliveryStatus `json:"status"`
	Data   ResponseData         `json:"data"`
}

type ResponseData struct {
	ShouldHideBanner  bool   `json:"shouldHideBanner"`
	CompletionMessage string `json:"completionMessage,omitempty"`
}

// Options configures a Verifier.
type Options struct {
	Client      *http.Client
	Interval    time.Duration
	MaxDuration time.Duration
	Bus         *events.Bus
	// OnStatus receives every recorded status.
	OnStatus func(model.EmailVerificationStatus)
}

// Verifier tracks report delivery for one diagnosis.
type Verifier struct {
	endpoint    string
	diagnosisID string
	email       string
	opts        Options

	mu     sync.Mutex
	status model.EmailVerificationStatus
	polls  int
	err    error
	cancel context.CancelFunc
	closed bool

	exited chan struct{}
}

// New returns a verifier for diagnosisID and the submitter's email.
func New(endpoint, diagnosisID, email string, opts Options) *Verifier {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = DefaultMaxDuration
	}
	return &Verifier{
		endpoint:    endpoint,
		diagnosisID: diagnosisID,
		email:       email,
		opts:        opts,
		status:      model.EmailVerificationStatus{Status: model.DeliveryPending},
		exited:      make(chan struct{}),
	}
}

// Start begins polling on a new goroutine. The first poll runs immediately.
func (v *Verifier) Start(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil
	}
	if v.cancel != nil {
		return errors.New("notification verifier already started")
	}
	ctx, v.cancel = context.WithCancel(ctx)
	go v.run(ctx)
	return nil
}

// Stop cancels polling and waits until the polling goroutine has exited.
func (v *Verifier) Stop() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	cancel := v.cancel
	v.mu.Unlock()

	if cancel != nil {
		cancel()
		<-v.exited
	}
}

// Done is closed when polling has ended for any reason.
func (v *Verifier) Done() <-chan struct{} { return v.exited }

// Status returns the last recorded delivery status.
func (v *Verifier) Status() model.EmailVerificationStatus {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.status
}

// Polls returns how many status requests were made.
func (v *Verifier) Polls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.polls
}

// Err reports why polling ended: nil after a terminal status,
// poller.ErrDeadline at the deadline, or the context error.
func (v *Verifier) Err() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.err
}

func (v *Verifier) run(ctx context.Context) {
	defer close(v.exited)

	p := &poller.Poller[Response]{
		Interval:    v.opts.Interval,
		MaxDuration: v.opts.MaxDuration,
		Poll:        v.check,
		Done:        func(r Response) bool { return r.Status.Terminal() },
		OnResult:    func(r Response) { v.record(ctx, r) },
		OnError: func(err error) {
			slog.Debug("delivery status check failed", "diagnosis_id", v.diagnosisID, "error", err)
		},
	}
	last, err := p.Run(ctx)
	if err == nil && !v.Status().Status.Terminal() {
		// The terminal result arrived after cancellation and was not recorded.
		err = ctx.Err()
	}

	v.mu.Lock()
	v.err = err
	v.mu.Unlock()

	switch {
	case err == nil:
		slog.Info("report delivery confirmed", "diagnosis_id", v.diagnosisID, "status", last.Status)
		if v.opts.Bus != nil {
			v.opts.Bus.PublishOnce(events.TopicHideBanners, v.Status())
		}
	case errors.Is(err, poller.ErrDeadline):
		slog.Warn("delivery status deadline reached", "diagnosis_id", v.diagnosisID,
			"last_status", v.Status().Status, "after", v.opts.MaxDuration)
	}
}

// check performs one status request.
func (v *Verifier) check(ctx context.Context) (Response, error) {
	v.mu.Lock()
	v.polls++
	v.mu.Unlock()

	body, err := json.Marshal(Request{DiagnosisID: v.diagnosisID, Email: v.email, Action: actionCheck})
	if err != nil {
		return Response{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.opts.Client.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Response{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return Response{}, fmt.Errorf("delivery status: unexpected status %s", resp.Status)
	}
	var out Response
	if err := json.Unmarshal(data, &out); err != nil {
		return Response{}, fmt.Errorf("decode delivery status: %w", err)
	}
	if out.Status == "" {
		return Response{}, errors.New("delivery status: empty status")
	}
	return out, nil
}

// record stores a poll result as the current status.
func (v *Verifier) record(ctx context.Context, r Response) {
	st := model.EmailVerificationStatus{
		Status:           r.Status,
		Message:          v.message(ctx, r),
		Timestamp:        time.Now(),
		ShouldHideBanner: r.Data.ShouldHideBanner || r.Status.Terminal(),
	}
	if r.Status == model.DeliveryError {
		slog.Warn("report delivery error, still polling", "diagnosis_id", v.diagnosisID)
	}

	v.mu.Lock()
	if ctx.Err() != nil {
		v.mu.Unlock()
		return
	}
	v.status = st
	v.mu.Unlock()

	if v.opts.OnStatus != nil {
		v.opts.OnStatus(st)
	}
}

func (v *Verifier) message(ctx context.Context, r Response) string {
	if r.Status.Terminal() {
		if r.Data.CompletionMessage != "" {
			return r.Data.CompletionMessage
		}
		return i18n.Td(ctx, "DeliveryCompleted", map[string]any{"Email": v.email})
	}
	switch r.Status {
	case model.DeliveryError:
		return i18n.T(ctx, "DeliveryError")
	case model.DeliveryChecking:
		return i18n.T(ctx, "DeliveryChecking")
	default:
		return i18n.T(ctx, "DeliveryPending")
	}
}

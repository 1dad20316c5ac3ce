// Package progress follows server-side processing of a diagnosis over a
// server-sent event stream and keeps a four-step progress snapshot.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/pavelanni/readiness/internal/events"
	"github.com/pavelanni/readiness/internal/model"
)

const (
	DefaultReconnectDelay = 3 * time.Second
	DefaultMaxReconnects  = 3
	DefaultStableAfter    = 10 * time.Second
	DefaultMaxDuration    = 10 * time.Minute
)

var errStreamClosed = errors.New("progress stream closed")

// Options configures a Tracker.
type Options struct {
	Client         *http.Client
	ReconnectDelay time.Duration
	MaxReconnects  int
	StepDurations  []time.Duration
	Bus            *events.Bus

	// StableAfter is how long a connection that delivered events must stay
	// up before the reconnect counter resets.
	StableAfter time.Duration
	// MaxDuration bounds the whole run; when it passes the tracker
	// force-completes.
	MaxDuration time.Duration

	// OnUpdate receives a copy of the snapshot after every change.
	OnUpdate func(model.ProgressSnapshot)
	// OnComplete fires once when every step is completed.
	OnComplete func(model.ProgressSnapshot)
}

// Tracker owns one progress stream connection, its reconnect counter and
// the progress snapshot. Callbacks run on the tracker goroutine.
type Tracker struct {
	endpoint    string
	diagnosisID string
	opts        Options

	mu         sync.Mutex
	snap       model.ProgressSnapshot
	finished   bool
	reconnects int
	cancel     context.CancelFunc
	closed     bool
	started    time.Time

	done   chan struct{}
	exited chan struct{}
}

// New returns a tracker for diagnosisID streaming from endpoint.
func New(endpoint, diagnosisID string, opts Options) *Tracker {
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.MaxReconnects <= 0 {
		opts.MaxReconnects = DefaultMaxReconnects
	}
	if opts.StableAfter <= 0 {
		opts.StableAfter = DefaultStableAfter
	}
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = DefaultMaxDuration
	}
	if len(opts.StepDurations) == 0 {
		opts.StepDurations = DefaultStepDurations
	}
	return &Tracker{
		endpoint:    endpoint,
		diagnosisID: diagnosisID,
		opts:        opts,
		snap:        model.NewProgressSnapshot(diagnosisID),
		done:        make(chan struct{}),
		exited:      make(chan struct{}),
	}
}

// Start opens the stream on a new goroutine. It may be called once; calls
// after Close are ignored.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	if t.cancel != nil {
		return errors.New("progress tracker already started")
	}
	ctx, t.cancel = context.WithCancel(ctx)
	t.started = time.Now()
	go t.run(ctx)
	return nil
}

// Close tears down the connection, cancels any pending reconnect and waits
// for the tracker goroutine. No snapshot change or callback happens after
// Close returns.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	cancel := t.cancel
	t.mu.Unlock()

	if cancel != nil {
		cancel()
		<-t.exited
	}
}

// Done is closed once every step is completed.
func (t *Tracker) Done() <-chan struct{} { return t.done }

// Snapshot returns a copy of the current progress.
func (t *Tracker) Snapshot() model.ProgressSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap.Clone()
}

// Reconnects returns how many reconnect attempts were made.
func (t *Tracker) Reconnects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reconnects
}

func (t *Tracker) run(ctx context.Context) {
	defer close(t.exited)

	// Streams and reconnect delays share the run deadline; finish uses ctx
	// so the deadline still force-completes.
	streamCtx, cancel := context.WithTimeout(ctx, t.opts.MaxDuration)
	defer cancel()

	attempts := 0
	for {
		connected := time.Now()
		received, terminal, err := t.stream(streamCtx)
		if ctx.Err() != nil || terminal {
			return
		}
		if streamCtx.Err() != nil {
			slog.Warn("progress tracking deadline reached, assuming completion",
				"diagnosis_id", t.diagnosisID, "max_duration", t.opts.MaxDuration)
			t.finish(ctx, "deadline")
			return
		}
		if received && time.Since(connected) >= t.opts.StableAfter {
			attempts = 0
		}
		if attempts >= t.opts.MaxReconnects {
			slog.Warn("progress stream lost, assuming completion",
				"diagnosis_id", t.diagnosisID, "reconnects", attempts, "error", err)
			t.finish(ctx, "reconnects exhausted")
			return
		}
		attempts++
		t.mu.Lock()
		t.reconnects++
		t.mu.Unlock()
		slog.Info("progress stream reconnecting",
			"diagnosis_id", t.diagnosisID, "attempt", attempts, "delay", t.opts.ReconnectDelay, "error", err)

		timer := time.NewTimer(t.opts.ReconnectDelay)
		select {
		case <-streamCtx.Done():
			timer.Stop()
			if ctx.Err() != nil {
				return
			}
			t.finish(ctx, "deadline")
			return
		case <-timer.C:
		}
	}
}

// stream runs one connection. It reports whether any event arrived and
// whether a terminal event ended the stream.
func (t *Tracker) stream(ctx context.Context) (received, terminal bool, err error) {
	u, err := t.streamURL()
	if err != nil {
		return false, false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := t.opts.Client.Do(req)
	if err != nil {
		return false, false, fmt.Errorf("connect progress stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, false, fmt.Errorf("progress stream: unexpected status %s", resp.Status)
	}

	t.update(ctx, markConnected)

	r := newEventReader(resp.Body)
	for {
		ev, err := r.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = errStreamClosed
			}
			return received, false, err
		}
		received = true
		if t.handle(ctx, ev) {
			return received, true, nil
		}
	}
}

func (t *Tracker) streamURL() (string, error) {
	u, err := url.Parse(t.endpoint)
	if err != nil {
		return "", fmt.Errorf("parse progress url: %w", err)
	}
	q := u.Query()
	q.Set("diagnosisId", t.diagnosisID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// handle applies one event and reports whether it was terminal.
func (t *Tracker) handle(ctx context.Context, ev Event) bool {
	switch ev.Event {
	case model.EventStarted:
		t.update(ctx, markConnected)
	case model.EventProgress:
		var p model.ProgressEvent
		if ev.Data != "" {
			if err := json.Unmarshal([]byte(ev.Data), &p); err != nil {
				slog.Debug("ignoring malformed progress event", "error", err)
				return false
			}
		}
		t.update(ctx, func(snap *model.ProgressSnapshot) bool {
			if len(p.Steps) > 0 {
				return applySteps(snap, p.Steps)
			}
			elapsed := time.Duration(p.Elapsed * float64(time.Second))
			if p.Elapsed <= 0 {
				elapsed = time.Since(t.started)
			}
			return applySteps(snap, estimateSteps(elapsed, t.opts.StepDurations))
		})
	case model.EventDone, model.EventTimeout:
		t.finish(ctx, ev.Event)
		return true
	default:
		slog.Debug("ignoring progress event", "event", ev.Event)
	}
	return false
}

// update applies fn to the snapshot unless the tracker was cancelled or has
// finished, and notifies OnUpdate on change.
func (t *Tracker) update(ctx context.Context, fn func(*model.ProgressSnapshot) bool) {
	t.mu.Lock()
	if ctx.Err() != nil || t.finished || !fn(&t.snap) {
		t.mu.Unlock()
		return
	}
	t.snap.Recompute()
	snap := t.snap.Clone()
	t.mu.Unlock()

	if t.opts.OnUpdate != nil {
		t.opts.OnUpdate(snap)
	}
}

// finish forces completion. Only the first call has any effect.
func (t *Tracker) finish(ctx context.Context, reason string) {
	t.mu.Lock()
	if ctx.Err() != nil || t.finished {
		t.mu.Unlock()
		return
	}
	t.finished = true
	forceComplete(&t.snap)
	t.snap.Recompute()
	snap := t.snap.Clone()
	t.mu.Unlock()

	close(t.done)
	slog.Info("diagnosis processing complete", "diagnosis_id", t.diagnosisID, "reason", reason)
	if t.opts.OnUpdate != nil {
		t.opts.OnUpdate(snap)
	}
	if t.opts.OnComplete != nil {
		t.opts.OnComplete(snap)
	}
	if t.opts.Bus != nil {
		t.opts.Bus.PublishOnce(events.TopicProgressCompleted, snap)
	}
}

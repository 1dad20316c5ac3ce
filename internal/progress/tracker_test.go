package progress

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-contrib/sse"

	"github.com/pavelanni/readiness/internal/events"
	"github.com/pavelanni/readiness/internal/model"
)

// sseServer writes the given events, then either closes the stream or holds
// it open until the client goes away.
func sseServer(t *testing.T, hold bool, evs ...sse.Event) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.URL.Query().Get("diagnosisId") == "" {
			http.Error(w, "missing id", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", sse.ContentType)
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		flusher.Flush()
		for _, ev := range evs {
			if err := sse.Encode(w, ev); err != nil {
				t.Errorf("encode: %v", err)
			}
			flusher.Flush()
		}
		if hold {
			<-r.Context().Done()
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &requests
}

func progressEvent(elapsed float64, steps ...model.Step) sse.Event {
	return sse.Event{Event: model.EventProgress, Data: model.ProgressEvent{Elapsed: elapsed, Steps: steps}}
}

func doneEvent() sse.Event {
	return sse.Event{Event: model.EventDone, Data: model.ProgressEvent{}}
}

func waitDone(t *testing.T, tr *Tracker) {
	t.Helper()
	select {
	case <-tr.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("tracker did not complete")
	}
}

func assertAllCompleted(t *testing.T, snap model.ProgressSnapshot) {
	t.Helper()
	for _, s := range snap.Steps {
		if s.Status != model.StepCompleted || s.Progress != 100 {
			t.Errorf("step %s = %s/%d, want completed/100", s.ID, s.Status, s.Progress)
		}
	}
	if snap.Overall != 100 {
		t.Errorf("overall = %d, want 100", snap.Overall)
	}
}

func TestDoneAfterProgressCompletesAllSteps(t *testing.T) {
	srv, _ := sseServer(t, true,
		sse.Event{Event: model.EventStarted, Data: model.ProgressEvent{}},
		progressEvent(1),
		progressEvent(2),
		progressEvent(3),
		doneEvent(),
		doneEvent(),
	)

	bus := events.NewBus()
	var signals, completions atomic.Int32
	bus.Subscribe(events.TopicProgressCompleted, func(events.Event) { signals.Add(1) })

	tr := New(srv.URL, "diag-1", Options{
		Bus:        bus,
		OnComplete: func(model.ProgressSnapshot) { completions.Add(1) },
	})
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer tr.Close()
	waitDone(t, tr)
	tr.Close()

	assertAllCompleted(t, tr.Snapshot())
	if completions.Load() != 1 || signals.Load() != 1 {
		t.Errorf("completions=%d signals=%d, want 1 each", completions.Load(), signals.Load())
	}
}

func TestDoneTwiceIsIdempotent(t *testing.T) {
	var completions, updates atomic.Int32
	tr := New("http://unused", "diag-1", Options{
		Bus:        events.NewBus(),
		OnUpdate:   func(model.ProgressSnapshot) { updates.Add(1) },
		OnComplete: func(model.ProgressSnapshot) { completions.Add(1) },
	})
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		tr.handle(ctx, Event{Event: model.EventProgress, Data: fmt.Sprintf(`{"elapsed":%d}`, i)})
	}
	if !tr.handle(ctx, Event{Event: model.EventDone}) {
		t.Fatal("done was not terminal")
	}
	before := updates.Load()
	tr.handle(ctx, Event{Event: model.EventDone})
	tr.handle(ctx, Event{Event: model.EventTimeout})
	tr.handle(ctx, Event{Event: model.EventProgress, Data: `{"elapsed":1}`})

	assertAllCompleted(t, tr.Snapshot())
	if completions.Load() != 1 {
		t.Errorf("completions = %d, want 1", completions.Load())
	}
	if updates.Load() != before {
		t.Errorf("updates after completion: %d", updates.Load()-before)
	}
}

func TestAuthoritativeStepsWin(t *testing.T) {
	tr := New("http://unused", "diag-1", Options{})
	ctx := context.Background()

	tr.handle(ctx, Event{Event: model.EventProgress, Data: `{"elapsed":30,"steps":[` +
		`{"id":"validation","status":"completed","progress":100},` +
		`{"id":"report","status":"in-progress","progress":40}]}`})
	snap := tr.Snapshot()
	if snap.Steps[0].Status != model.StepCompleted || snap.Steps[1].Progress != 40 {
		t.Fatalf("authoritative snapshot not applied: %+v", snap.Steps)
	}
	if snap.Steps[2].Status != model.StepPending {
		t.Errorf("storage = %s, want pending", snap.Steps[2].Status)
	}

	// A stale event never moves progress backwards.
	tr.handle(ctx, Event{Event: model.EventProgress, Data: `{"steps":[` +
		`{"id":"validation","status":"in-progress","progress":50},` +
		`{"id":"report","status":"in-progress","progress":30}]}`})
	snap = tr.Snapshot()
	if snap.Steps[0].Status != model.StepCompleted || snap.Steps[1].Progress != 40 {
		t.Errorf("progress regressed: %+v", snap.Steps)
	}
	if snap.Overall != 35 {
		t.Errorf("overall = %d, want 35", snap.Overall)
	}
}

func TestEstimateSteps(t *testing.T) {
	d := []time.Duration{10 * time.Second, 10 * time.Second, 10 * time.Second, 10 * time.Second}
	tests := []struct {
		name    string
		elapsed time.Duration
		want    []model.StepStatus
		current int
		pct     int
	}{
		{"start", 0, []model.StepStatus{"in-progress", "pending", "pending", "pending"}, 0, 0},
		{"mid first", 5 * time.Second, []model.StepStatus{"in-progress", "pending", "pending", "pending"}, 0, 50},
		{"into second", 12 * time.Second, []model.StepStatus{"completed", "in-progress", "pending", "pending"}, 1, 20},
		{"last never completes", time.Hour, []model.StepStatus{"completed", "completed", "completed", "in-progress"}, 3, heuristicCap},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			steps := estimateSteps(tt.elapsed, d)
			for i, s := range steps {
				if s.Status != tt.want[i] {
					t.Errorf("step %d = %s, want %s", i, s.Status, tt.want[i])
				}
			}
			if steps[tt.current].Progress != tt.pct {
				t.Errorf("current progress = %d, want %d", steps[tt.current].Progress, tt.pct)
			}
		})
	}
}

func TestConnectMarksFirstStep(t *testing.T) {
	srv, _ := sseServer(t, true)
	updates := make(chan model.ProgressSnapshot, 4)
	tr := New(srv.URL, "diag-1", Options{
		OnUpdate: func(s model.ProgressSnapshot) { updates <- s },
	})
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer tr.Close()

	select {
	case snap := <-updates:
		if snap.Steps[0].Status != model.StepInProgress {
			t.Errorf("validation = %s, want in-progress", snap.Steps[0].Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no update after connect")
	}
}

func TestReconnectsThenForceCompletes(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	var completions atomic.Int32
	tr := New(srv.URL, "diag-1", Options{
		ReconnectDelay: 5 * time.Millisecond,
		OnComplete:     func(model.ProgressSnapshot) { completions.Add(1) },
	})
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer tr.Close()
	waitDone(t, tr)
	tr.Close()

	if tr.Reconnects() != 3 {
		t.Errorf("reconnects = %d, want 3", tr.Reconnects())
	}
	if requests.Load() != 4 {
		t.Errorf("requests = %d, want 4 (initial + 3 reconnects)", requests.Load())
	}
	assertAllCompleted(t, tr.Snapshot())
	if completions.Load() != 1 {
		t.Errorf("completions = %d", completions.Load())
	}
}

func TestReconnectCounterResetsAfterStableStream(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) > 2 {
			http.Error(w, "gone", http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", sse.ContentType)
		_ = sse.Encode(w, progressEvent(1))
	}))
	defer srv.Close()

	tr := New(srv.URL, "diag-1", Options{
		ReconnectDelay: 2 * time.Millisecond,
		StableAfter:    time.Nanosecond,
	})
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer tr.Close()
	waitDone(t, tr)
	tr.Close()

	// Two streams each delivered an event, then three failed reconnects.
	if requests.Load() != 5 {
		t.Errorf("requests = %d, want 5", requests.Load())
	}
}

func TestFlappingStreamForceCompletes(t *testing.T) {
	srv, requests := sseServer(t, false, sse.Event{Event: model.EventStarted, Data: model.ProgressEvent{}})

	tr := New(srv.URL, "diag-1", Options{ReconnectDelay: time.Millisecond})
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer tr.Close()
	waitDone(t, tr)
	tr.Close()

	if tr.Reconnects() != 3 {
		t.Errorf("reconnects = %d, want 3", tr.Reconnects())
	}
	if requests.Load() != 4 {
		t.Errorf("requests = %d, want 4", requests.Load())
	}
	assertAllCompleted(t, tr.Snapshot())
}

func TestMaxDurationForceCompletes(t *testing.T) {
	tests := []struct {
		name string
		hold bool
		opts Options
	}{
		{"held stream", true, Options{MaxDuration: 50 * time.Millisecond}},
		{"flapping stream", false, Options{
			ReconnectDelay: time.Millisecond,
			StableAfter:    time.Nanosecond,
			MaxDuration:    50 * time.Millisecond,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := sseServer(t, tt.hold, progressEvent(1))
			bus := events.NewBus()
			tt.opts.Bus = bus
			tr := New(srv.URL, "diag-1", tt.opts)
			if err := tr.Start(context.Background()); err != nil {
				t.Fatalf("Start: %v", err)
			}
			defer tr.Close()
			waitDone(t, tr)
			tr.Close()

			assertAllCompleted(t, tr.Snapshot())
			if !bus.Fired(events.TopicProgressCompleted) {
				t.Error("completion not published")
			}
		})
	}
}

func TestCloseTearsDownStream(t *testing.T) {
	disconnected := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", sse.ContentType)
		_ = sse.Encode(w, progressEvent(1))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		close(disconnected)
	}))
	defer srv.Close()

	var mu sync.Mutex
	var updates int
	first := make(chan struct{}, 1)
	tr := New(srv.URL, "diag-1", Options{
		OnUpdate: func(model.ProgressSnapshot) {
			mu.Lock()
			updates++
			mu.Unlock()
			select {
			case first <- struct{}{}:
			default:
			}
		},
	})
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-first

	closed := make(chan struct{})
	go func() {
		tr.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("server connection was not torn down")
	}

	mu.Lock()
	n := updates
	mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if updates != n {
		t.Errorf("updates after Close: %d", updates-n)
	}
	select {
	case <-tr.Done():
		t.Error("Close must not mark processing complete")
	default:
	}
}

func TestCloseCancelsReconnectDelay(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	tr := New(srv.URL, "diag-1", Options{ReconnectDelay: time.Hour})
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for tr.Reconnects() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	start := time.Now()
	tr.Close()
	if time.Since(start) > time.Second {
		t.Error("Close waited for the reconnect delay")
	}
	if requests.Load() != 1 {
		t.Errorf("requests = %d, want 1", requests.Load())
	}
}

func TestStartAfterCloseIsNoop(t *testing.T) {
	tr := New("http://127.0.0.1:0", "diag-1", Options{})
	tr.Close()
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	tr.Close()
}

func TestEventReader(t *testing.T) {
	stream := ": heartbeat\n\n" +
		"event:progress\nid:7\nretry:1500\ndata:{\"elapsed\":3}\n\n" +
		"data: line one\ndata: line two\n\n" +
		"event: done\r\ndata:{}\r\n\r\n"
	r := newEventReader(strings.NewReader(stream))

	ev, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ev.Event != "progress" || ev.ID != "7" || ev.Retry != 1500*time.Millisecond || ev.Data != `{"elapsed":3}` {
		t.Errorf("unexpected first event: %+v", ev)
	}

	ev, _ = r.Next()
	if ev.Event != "message" || ev.Data != "line one\nline two" {
		t.Errorf("unexpected second event: %+v", ev)
	}

	ev, _ = r.Next()
	if ev.Event != "done" || ev.Data != "{}" {
		t.Errorf("unexpected third event: %+v", ev)
	}

	if _, err := r.Next(); err == nil {
		t.Error("expected EOF")
	}
}

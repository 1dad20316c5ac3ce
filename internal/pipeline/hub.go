package pipeline

import (
	"sync"
	"time"

	"github.com/pavelanni/readiness/internal/model"
)

// Hub keeps the latest progress snapshot of every running diagnosis and fans
// updates out to stream subscribers.
type Hub struct {
	mu   sync.Mutex
	runs map[string]*run
}

type run struct {
	snap       model.ProgressSnapshot
	started    time.Time
	finishedAt time.Time
	done       chan struct{}
	subs       map[*Subscription]struct{}
}

// Subscription receives snapshots of one diagnosis. C holds at most one
// pending snapshot; a newer one replaces an unread older one.
type Subscription struct {
	C       <-chan model.ProgressSnapshot
	Done    <-chan struct{}
	Started time.Time

	c   chan model.ProgressSnapshot
	hub *Hub
	id  string
}

func NewHub() *Hub {
	return &Hub{runs: make(map[string]*run)}
}

// Open registers a diagnosis with every step pending.
func (h *Hub) Open(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.runs[id]; ok {
		return
	}
	h.runs[id] = &run{
		snap:    model.NewProgressSnapshot(id),
		started: time.Now(),
		done:    make(chan struct{}),
		subs:    make(map[*Subscription]struct{}),
	}
}

// Update applies fn to the snapshot of id and notifies subscribers.
func (h *Hub) Update(id string, fn func(*model.ProgressSnapshot)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.runs[id]
	if !ok || !r.finishedAt.IsZero() {
		return
	}
	fn(&r.snap)
	r.snap.Recompute()
	for sub := range r.subs {
		sub.offer(r.snap.Clone())
	}
}

// SetStep sets one step's status and progress.
func (h *Hub) SetStep(id, step string, status model.StepStatus, progress int) {
	h.Update(id, func(s *model.ProgressSnapshot) {
		for i := range s.Steps {
			if s.Steps[i].ID == step {
				s.Steps[i].Status = status
				s.Steps[i].Progress = progress
			}
		}
	})
}

// Finish marks id finished and releases subscribers waiting on Done.
func (h *Hub) Finish(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.runs[id]
	if !ok || !r.finishedAt.IsZero() {
		return
	}
	r.finishedAt = time.Now()
	close(r.done)
}

// Snapshot returns the latest snapshot of id.
func (h *Hub) Snapshot(id string) (model.ProgressSnapshot, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.runs[id]
	if !ok {
		return model.ProgressSnapshot{}, false
	}
	return r.snap.Clone(), true
}

// Subscribe follows id. The current snapshot is delivered first.
func (h *Hub) Subscribe(id string) (*Subscription, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.runs[id]
	if !ok {
		return nil, false
	}
	c := make(chan model.ProgressSnapshot, 1)
	sub := &Subscription{C: c, Done: r.done, Started: r.started, c: c, hub: h, id: id}
	c <- r.snap.Clone()
	r.subs[sub] = struct{}{}
	return sub, true
}

// Close stops delivery to the subscription.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if r, ok := s.hub.runs[s.id]; ok {
		delete(r.subs, s)
	}
}

// offer replaces any unread snapshot with snap. Callers hold the hub lock.
func (s *Subscription) offer(snap model.ProgressSnapshot) {
	select {
	case <-s.c:
	default:
	}
	s.c <- snap
}

// Prune forgets runs finished more than retain ago and returns how many
// were removed.
func (h *Hub) Prune(retain time.Duration) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	cutoff := time.Now().Add(-retain)
	n := 0
	for id, r := range h.runs {
		if !r.finishedAt.IsZero() && r.finishedAt.Before(cutoff) {
			delete(h.runs, id)
			n++
		}
	}
	return n
}

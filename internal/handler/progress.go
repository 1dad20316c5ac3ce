package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/sse"

	"github.com/pavelanni/readiness/internal/model"
)

const (
	DefaultStreamLimit   = 3 * time.Minute
	DefaultProgressEvery = 2 * time.Second
)

// handleProgress streams pipeline progress as server-sent events: started,
// progress on every change and heartbeat, then done or timeout.
func (h *Handler) handleProgress(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("diagnosisId")
	if id == "" {
		http.Error(w, "diagnosisId is required", http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub, ok := h.runner.Hub.Subscribe(id)
	if !ok {
		// The run is unknown to this process; a stored lead means it
		// finished before a restart or was pruned.
		lead, err := h.store.GetLead(id)
		if err != nil {
			slog.Error("failed to get lead", "diagnosis_id", id, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if lead == nil {
			http.Error(w, "diagnosis not found", http.StatusNotFound)
			return
		}
		startStream(w)
		snap := model.NewProgressSnapshot(id)
		for i := range snap.Steps {
			snap.Steps[i].Status = model.StepCompleted
			snap.Steps[i].Progress = 100
		}
		snap.Recompute()
		elapsed := time.Since(lead.CreatedAt).Seconds()
		send(w, flusher, model.EventStarted, progressEvent(snap, elapsed))
		send(w, flusher, model.EventDone, progressEvent(snap, elapsed))
		return
	}
	defer sub.Close()

	h.metrics.StreamOpened()
	defer h.metrics.StreamClosed()

	startStream(w)
	elapsed := func() float64 { return time.Since(sub.Started).Seconds() }
	latest := model.NewProgressSnapshot(id)
	send(w, flusher, model.EventStarted, model.ProgressEvent{DiagnosisID: id, Elapsed: elapsed()})

	limit := time.NewTimer(h.config.StreamLimit)
	defer limit.Stop()
	heartbeat := time.NewTicker(h.config.ProgressEvery)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case snap := <-sub.C:
			latest = snap
			if err := send(w, flusher, model.EventProgress, progressEvent(latest, elapsed())); err != nil {
				return
			}
		case <-heartbeat.C:
			if err := send(w, flusher, model.EventProgress, progressEvent(latest, elapsed())); err != nil {
				return
			}
		case <-sub.Done:
			select {
			case snap := <-sub.C:
				latest = snap
			default:
			}
			send(w, flusher, model.EventDone, progressEvent(latest, elapsed()))
			return
		case <-limit.C:
			slog.Warn("progress stream limit reached", "diagnosis_id", id)
			send(w, flusher, model.EventTimeout, progressEvent(latest, elapsed()))
			return
		}
	}
}

func startStream(w http.ResponseWriter) {
	hdr := w.Header()
	hdr.Set("Content-Type", sse.ContentType)
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
}

func progressEvent(snap model.ProgressSnapshot, elapsed float64) model.ProgressEvent {
	return model.ProgressEvent{
		DiagnosisID: snap.DiagnosisID,
		Elapsed:     elapsed,
		Steps:       snap.Steps,
		Overall:     snap.Overall,
	}
}

func send(w http.ResponseWriter, f http.Flusher, event string, data model.ProgressEvent) error {
	if err := sse.Encode(w, sse.Event{Event: event, Data: data}); err != nil {
		slog.Debug("progress stream write failed", "event", event, "error", err)
		return err
	}
	f.Flush()
	return nil
}

package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/readiness/internal/assessment"
	"github.com/pavelanni/readiness/internal/i18n"
	"github.com/pavelanni/readiness/internal/model"
	"github.com/pavelanni/readiness/internal/notify"
	"github.com/pavelanni/readiness/internal/scoring"
	"github.com/pavelanni/readiness/internal/submit"
)

const maxBodyBytes = 1 << 20

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req submit.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.rejectSubmission(w, "invalid_json", "invalid JSON: "+err.Error())
		return
	}
	if bad := assessment.ValidateCompanyInfo(req.CompanyInfo); len(bad) > 0 {
		h.rejectSubmission(w, "invalid_company",
			i18n.Td(ctx, "ValidationFailed", map[string]any{"Fields": strings.Join(bad, ", ")}))
		return
	}
	if req.QuestionCount != 0 && req.QuestionCount != h.bank.Len() {
		h.rejectSubmission(w, "question_count", "questionCount does not match the catalog")
		return
	}

	result, err := scoring.Evaluate(h.bank, req.AssessmentResponses, req.CompanyInfo, h.bench)
	if err != nil {
		var incomplete *scoring.IncompleteError
		if errors.As(err, &incomplete) {
			h.rejectSubmission(w, "incomplete", i18n.Tp(ctx, "UnansweredQuestions", len(incomplete.Missing)))
			return
		}
		h.rejectSubmission(w, "invalid_answers", err.Error())
		return
	}

	id := uuid.NewString()
	result.DiagnosisID = id
	lead := model.Lead{
		DiagnosisID: id,
		Company:     req.CompanyInfo,
		Responses:   req.AssessmentResponses,
		Result:      result,
		CreatedAt:   time.Now().UTC(),
	}
	if err := h.store.InsertLead(lead); err != nil {
		slog.Error("failed to store lead", "error", err)
		h.metrics.Submission("error")
		writeJSON(w, http.StatusInternalServerError, submit.Response{Error: "internal error"})
		return
	}

	h.runner.Start(ctx, id)
	h.metrics.Submission("accepted")
	slog.Info("diagnosis accepted", "diagnosis_id", id, "total", result.TotalScore, "grade", result.Grade)
	writeJSON(w, http.StatusOK, submit.Response{Success: true, DiagnosisID: id})
}

func (h *Handler) rejectSubmission(w http.ResponseWriter, reason, msg string) {
	h.metrics.Submission("rejected")
	slog.Info("diagnosis rejected", "reason", reason)
	writeJSON(w, http.StatusBadRequest, submit.Response{Error: msg})
}

func (h *Handler) handleEmailStatus(w http.ResponseWriter, r *http.Request) {
	var req notify.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.DiagnosisID == "" || req.Email == "" {
		http.Error(w, "diagnosisId and email are required", http.StatusBadRequest)
		return
	}

	lead, err := h.store.GetLead(req.DiagnosisID)
	if err != nil {
		slog.Error("failed to get lead", "diagnosis_id", req.DiagnosisID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if lead == nil || !strings.EqualFold(lead.Company.Email, strings.TrimSpace(req.Email)) {
		http.Error(w, "diagnosis not found", http.StatusNotFound)
		return
	}

	d, err := h.store.GetDelivery(req.DiagnosisID)
	if err != nil {
		slog.Error("failed to get delivery", "diagnosis_id", req.DiagnosisID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	resp := notify.Response{Status: model.DeliveryPending}
	if d != nil {
		resp.Status = d.Status
		if d.Status.Terminal() {
			resp.Data = notify.ResponseData{ShouldHideBanner: true, CompletionMessage: d.Message}
		}
	}
	h.metrics.DeliveryCheck(string(resp.Status))
	writeJSON(w, http.StatusOK, resp)
}

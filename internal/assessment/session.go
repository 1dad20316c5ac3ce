// Package assessment implements the client-side assessment session: company
// info collection, answering and navigation, submission bookkeeping and
// durable persistence with recovery.
package assessment

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pavelanni/readiness/internal/model"
	"github.com/pavelanni/readiness/internal/questionbank"
	"github.com/pavelanni/readiness/internal/scoring"
)

// State is the session lifecycle state.
type State string

const (
	StateCollectingInfo State = "collecting_info"
	StateAnswering      State = "answering"
	StateReadyToSubmit  State = "ready_to_submit"
	StateSubmitting     State = "submitting"
	StateCompleted      State = "completed"
)

// CursorInfo is the cursor value while company info is being collected.
const CursorInfo = -1

// snapshot is the persisted form of a session.
type snapshot struct {
	CompanyInfo model.CompanyInfo `json:"companyInfo"`
	Responses   model.Responses   `json:"responses"`
	Cursor      int               `json:"cursor"`
	State       State             `json:"state"`
	Completed   bool              `json:"completed"`
	DiagnosisID string            `json:"diagnosisId,omitempty"`
	SavedAt     time.Time         `json:"savedAt"`
}

// Session owns the mutable assessment state. It is safe for concurrent use.
type Session struct {
	mu          sync.Mutex
	bank        *questionbank.Bank
	store       Store
	info        model.CompanyInfo
	responses   model.Responses
	cursor      int
	state       State
	diagnosisID string
}

// New returns a fresh session that persists to store.
func New(bank *questionbank.Bank, store Store) *Session {
	return &Session{
		bank:      bank,
		store:     store,
		responses: model.Responses{},
		cursor:    CursorInfo,
		state:     StateCollectingInfo,
	}
}

// Restore rehydrates a session from store. A missing, unreadable or completed
// payload yields a fresh session and the stale payload is cleared.
func Restore(bank *questionbank.Bank, store Store) (*Session, error) {
	s := New(bank, store)
	data, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if data == nil {
		return s, nil
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		slog.Warn("discarding unreadable session", "error", err)
		return s, s.clearStore()
	}
	if snap.Completed || snap.State == StateCompleted {
		slog.Info("discarding completed session", "diagnosis_id", snap.DiagnosisID)
		return s, s.clearStore()
	}

	s.info = snap.CompanyInfo
	for id, score := range snap.Responses {
		if !bank.Has(id) || !questionbank.ValidScore(score) {
			slog.Warn("dropping invalid stored response", "question_id", id, "score", score)
			continue
		}
		s.responses[id] = score
	}
	s.state = snap.State
	s.cursor = snap.Cursor

	switch s.state {
	case StateAnswering:
		s.cursor = clamp(s.cursor, 0, bank.Len()-1)
	case StateSubmitting, StateReadyToSubmit:
		// An interrupted submission returns to the review point.
		s.state = StateReadyToSubmit
		s.cursor = bank.Len() - 1
		if missing := bank.Missing(s.responses); len(missing) > 0 {
			s.state = StateAnswering
			s.cursor = bank.Index(missing[0])
		}
	default:
		s.state = StateCollectingInfo
		s.cursor = CursorInfo
	}
	slog.Info("restored session", "state", s.state, "cursor", s.cursor, "answered", len(s.responses))
	return s, nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Cursor returns the current question index, or CursorInfo.
func (s *Session) Cursor() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// CurrentQuestion returns the question under the cursor.
func (s *Session) CurrentQuestion() (questionbank.Question, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAnswering {
		return questionbank.Question{}, false
	}
	return s.bank.At(s.cursor)
}

// CompanyInfo returns the collected company info.
func (s *Session) CompanyInfo() model.CompanyInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Responses returns a copy of the answers given so far.
func (s *Session) Responses() model.Responses {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.responses.Clone()
}

// DiagnosisID returns the id assigned by a successful submission.
func (s *Session) DiagnosisID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.diagnosisID
}

// Unanswered returns the unanswered question ids in catalog order.
func (s *Session) Unanswered() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bank.Missing(s.responses)
}

// Preview scores the answers given so far.
func (s *Session) Preview() scoring.Preview {
	s.mu.Lock()
	defer s.mu.Unlock()
	return scoring.NewPreview(s.bank, s.responses)
}

// SubmitCompanyInfo validates and stores company info. From CollectingInfo it
// moves to the first question; later it only updates the stored info.
func (s *Session) SubmitCompanyInfo(info model.CompanyInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateCollectingInfo, StateAnswering, StateReadyToSubmit:
	default:
		return fmt.Errorf("%w: company info in state %s", ErrInvalidState, s.state)
	}
	if bad := ValidateCompanyInfo(info); len(bad) > 0 {
		return &ValidationError{Fields: bad}
	}

	s.info = info
	if s.state == StateCollectingInfo {
		s.state = StateAnswering
		s.cursor = 0
	}
	s.persist()
	return nil
}

// Answer records score for questionID. It does not move the cursor.
func (s *Session) Answer(questionID, score int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateAnswering {
		return fmt.Errorf("%w: answer in state %s", ErrInvalidState, s.state)
	}
	if !s.bank.Has(questionID) {
		return &ValidationError{Fields: []string{"questionId"}, Reason: fmt.Sprintf("unknown question %d", questionID)}
	}
	if !questionbank.ValidScore(score) {
		return &ValidationError{
			Fields: []string{"score"},
			Reason: fmt.Sprintf("score %d outside %d..%d", score, questionbank.MinScore, questionbank.MaxScore),
		}
	}
	s.responses[questionID] = score
	s.persist()
	return nil
}

// AnswerCurrent records score for the question under the cursor.
func (s *Session) AnswerCurrent(score int) error {
	q, ok := s.CurrentQuestion()
	if !ok {
		return fmt.Errorf("%w: no current question", ErrInvalidState)
	}
	return s.Answer(q.ID, score)
}

// GoNext advances the cursor. On the last question it moves to
// ReadyToSubmit, or fails with *IncompleteAssessmentError listing every
// unanswered question.
func (s *Session) GoNext() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateAnswering {
		return fmt.Errorf("%w: next in state %s", ErrInvalidState, s.state)
	}
	last := s.bank.Len() - 1
	if s.cursor < last {
		s.cursor++
		s.persist()
		return nil
	}
	if missing := s.bank.Missing(s.responses); len(missing) > 0 {
		return &IncompleteAssessmentError{Missing: missing}
	}
	s.state = StateReadyToSubmit
	s.persist()
	return nil
}

// GoPrev moves the cursor back. It is a no-op on the first question and
// returns to the last question from ReadyToSubmit.
func (s *Session) GoPrev() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateAnswering:
		if s.cursor == 0 {
			return nil
		}
		s.cursor--
	case StateReadyToSubmit:
		s.state = StateAnswering
		s.cursor = s.bank.Len() - 1
	default:
		return fmt.Errorf("%w: previous in state %s", ErrInvalidState, s.state)
	}
	s.persist()
	return nil
}

// GoTo moves the cursor to the question at index.
func (s *Session) GoTo(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateAnswering && s.state != StateReadyToSubmit {
		return fmt.Errorf("%w: jump in state %s", ErrInvalidState, s.state)
	}
	if index < 0 || index >= s.bank.Len() {
		return fmt.Errorf("question index %d out of range", index)
	}
	s.state = StateAnswering
	s.cursor = index
	s.persist()
	return nil
}

// Payload returns the company info and a copy of the responses for submission.
func (s *Session) Payload() (model.CompanyInfo, model.Responses) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info, s.responses.Clone()
}

// BeginSubmit moves ReadyToSubmit to Submitting.
func (s *Session) BeginSubmit() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateReadyToSubmit {
		if s.state == StateAnswering {
			if missing := s.bank.Missing(s.responses); len(missing) > 0 {
				return &IncompleteAssessmentError{Missing: missing}
			}
		}
		return fmt.Errorf("%w: submit in state %s", ErrInvalidState, s.state)
	}
	if missing := s.bank.Missing(s.responses); len(missing) > 0 {
		return &IncompleteAssessmentError{Missing: missing}
	}
	s.state = StateSubmitting
	s.persist()
	return nil
}

// CompleteSubmit records the diagnosis id and completes the session. The
// durable copy is removed; the id stays available until Reset.
func (s *Session) CompleteSubmit(diagnosisID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateSubmitting {
		return fmt.Errorf("%w: complete in state %s", ErrInvalidState, s.state)
	}
	s.state = StateCompleted
	s.diagnosisID = diagnosisID
	if err := s.store.Clear(); err != nil {
		slog.Warn("failed to clear completed session", "error", err)
	}
	return nil
}

// FailSubmit returns a failed submission to ReadyToSubmit.
func (s *Session) FailSubmit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateSubmitting {
		return
	}
	s.state = StateReadyToSubmit
	s.persist()
}

// Reset discards everything and returns to CollectingInfo.
func (s *Session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info = model.CompanyInfo{}
	s.responses = model.Responses{}
	s.cursor = CursorInfo
	s.state = StateCollectingInfo
	s.diagnosisID = ""
	return s.clearStore()
}

func (s *Session) clearStore() error {
	if err := s.store.Clear(); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// persist writes the full session. Callers hold s.mu. A failed write is
// logged and does not undo the in-memory change.
func (s *Session) persist() {
	data, err := json.Marshal(snapshot{
		CompanyInfo: s.info,
		Responses:   s.responses,
		Cursor:      s.cursor,
		State:       s.state,
		Completed:   s.state == StateCompleted,
		DiagnosisID: s.diagnosisID,
		SavedAt:     time.Now().UTC(),
	})
	if err != nil {
		slog.Error("marshal session", "error", err)
		return
	}
	if err := s.store.Save(data); err != nil {
		slog.Warn("failed to persist session", "error", err)
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Package scoring converts assessment responses into category scores, a total
// score, a letter grade and an industry benchmark. All functions are pure.
package scoring

import (
	"fmt"
	"math"

	"github.com/pavelanni/readiness/internal/model"
	"github.com/pavelanni/readiness/internal/questionbank"
)

// Grade thresholds, inclusive lower bounds evaluated top-down.
var gradeThresholds = []struct {
	min   int
	grade model.Grade
}{
	{90, model.GradeS},
	{80, model.GradeA},
	{70, model.GradeB},
	{60, model.GradeC},
	{40, model.GradeD},
}

// IncompleteError reports a response set that cannot be graded.
type IncompleteError struct {
	Missing []int
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("assessment incomplete: %d unanswered questions", len(e.Missing))
}

// ScoreCategory returns the weighted 0..100 score of one category. Unanswered
// questions are skipped; a category with no answers scores 0.
func ScoreCategory(bank *questionbank.Bank, key string, r model.Responses) int {
	cat, ok := bank.Category(key)
	if !ok {
		return 0
	}
	var got, possible float64
	for _, id := range cat.QuestionIDs {
		score, answered := r[id]
		if !answered {
			continue
		}
		q, _ := bank.Question(id)
		got += float64(score) * q.Weight
		possible += float64(questionbank.MaxScore) * q.Weight
	}
	if possible == 0 {
		return 0
	}
	return roundInt(100 * got / possible)
}

// CategoryScores scores every category in the bank.
func CategoryScores(bank *questionbank.Bank, r model.Responses) map[string]int {
	out := make(map[string]int)
	for _, c := range bank.Categories() {
		out[c.Key] = ScoreCategory(bank, c.Key, r)
	}
	return out
}

// ScoreTotal is the unweighted mean of the category scores. Callers grade only
// complete response sets; see Evaluate.
func ScoreTotal(bank *questionbank.Bank, r model.Responses) int {
	cats := bank.Categories()
	if len(cats) == 0 {
		return 0
	}
	sum := 0
	for _, c := range cats {
		sum += ScoreCategory(bank, c.Key, r)
	}
	return roundInt(float64(sum) / float64(len(cats)))
}

// AssignGrade maps a total score to a letter grade.
func AssignGrade(total int) model.Grade {
	for _, t := range gradeThresholds {
		if total >= t.min {
			return t.grade
		}
	}
	return model.GradeF
}

// Evaluate grades a complete response set. It fails with *IncompleteError
// when any catalog question is unanswered.
func Evaluate(bank *questionbank.Bank, r model.Responses, info model.CompanyInfo, bm *Benchmarks) (model.DiagnosisResult, error) {
	if missing := bank.Missing(r); len(missing) > 0 {
		return model.DiagnosisResult{}, &IncompleteError{Missing: missing}
	}
	for id, score := range r {
		if !bank.Has(id) {
			return model.DiagnosisResult{}, fmt.Errorf("unknown question %d", id)
		}
		if !questionbank.ValidScore(score) {
			return model.DiagnosisResult{}, fmt.Errorf("question %d: score %d out of range", id, score)
		}
	}
	if bm == nil {
		bm = DefaultBenchmarks()
	}

	total := ScoreTotal(bank, r)
	return model.DiagnosisResult{
		TotalScore:     total,
		Grade:          AssignGrade(total),
		CategoryScores: CategoryScores(bank, r),
		Benchmark:      bm.Compare(total, info.Industry, info.CompanySize),
	}, nil
}

// Preview is a live scoring view of a possibly partial response set.
type Preview struct {
	Answered       int            `json:"answered"`
	Total          int            `json:"total"`
	CategoryScores map[string]int `json:"categoryScores"`
}

// NewPreview scores whatever has been answered so far.
func NewPreview(bank *questionbank.Bank, r model.Responses) Preview {
	answered := 0
	for id := range r {
		if bank.Has(id) {
			answered++
		}
	}
	return Preview{
		Answered:       answered,
		Total:          bank.Len(),
		CategoryScores: CategoryScores(bank, r),
	}
}

func roundInt(v float64) int {
	return int(math.Floor(v + 0.5))
}

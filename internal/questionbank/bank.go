// Package questionbank holds the immutable catalog of assessment questions.
package questionbank

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pavelanni/readiness/internal/model"
)

//go:embed questions.json
var defaultCatalog []byte

// LevelCount is the number of answer levels per question.
const LevelCount = 5

// CategoryCount is the number of categories in a catalog.
const CategoryCount = 6

// Score bounds for a single answer.
const (
	MinScore = 1
	MaxScore = LevelCount
)

var defaultLevelLabels = [LevelCount]string{
	"Not started",
	"Exploring",
	"Developing",
	"Established",
	"Leading",
}

// Level is one selectable answer for a question.
type Level struct {
	Score int    `json:"score"`
	Label string `json:"label"`
}

// Question is a single weighted survey item.
type Question struct {
	ID       int               `json:"id"`
	Category string            `json:"category"`
	Text     string            `json:"text"`
	Weight   float64           `json:"weight"`
	Levels   [LevelCount]Level `json:"levels"`
}

// Category groups questions for scoring.
type Category struct {
	Key         string `json:"key"`
	Title       string `json:"title"`
	QuestionIDs []int  `json:"questionIds"`
}

// Bank is a validated, read-only question catalog.
type Bank struct {
	questions  []Question
	categories []Category
	byID       map[int]int // question id -> index in questions
	byCategory map[string]int
}

type catalogFile struct {
	Categories []Category `json:"categories"`
	Questions  []struct {
		ID       int     `json:"id"`
		Category string  `json:"category"`
		Text     string  `json:"text"`
		Weight   float64 `json:"weight"`
		Levels   []Level `json:"levels,omitempty"`
	} `json:"questions"`
}

var (
	defaultOnce sync.Once
	defaultBank *Bank
	defaultErr  error
)

// Default returns the embedded catalog, parsed once per process.
func Default() (*Bank, error) {
	defaultOnce.Do(func() {
		defaultBank, defaultErr = Load(defaultCatalog)
	})
	return defaultBank, defaultErr
}

// MustDefault is Default for callers that treat a broken embedded catalog as fatal.
func MustDefault() *Bank {
	b, err := Default()
	if err != nil {
		panic(fmt.Sprintf("questionbank: embedded catalog: %v", err))
	}
	return b
}

// Load parses and validates a catalog.
func Load(data []byte) (*Bank, error) {
	var f catalogFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	b := &Bank{
		byID:       make(map[int]int, len(f.Questions)),
		byCategory: make(map[string]int, len(f.Categories)),
	}
	for _, fq := range f.Questions {
		if _, dup := b.byID[fq.ID]; dup {
			return nil, fmt.Errorf("question %d: duplicate id", fq.ID)
		}
		if fq.Weight <= 0 {
			return nil, fmt.Errorf("question %d: weight must be positive, got %v", fq.ID, fq.Weight)
		}
		q := Question{ID: fq.ID, Category: fq.Category, Text: fq.Text, Weight: fq.Weight}
		switch len(fq.Levels) {
		case 0:
			for i := range q.Levels {
				q.Levels[i] = Level{Score: i + 1, Label: defaultLevelLabels[i]}
			}
		case LevelCount:
			for i, l := range fq.Levels {
				if l.Score != i+1 {
					return nil, fmt.Errorf("question %d: level %d has score %d, want %d", fq.ID, i, l.Score, i+1)
				}
				q.Levels[i] = l
			}
		default:
			return nil, fmt.Errorf("question %d: want %d levels, got %d", fq.ID, LevelCount, len(fq.Levels))
		}
		b.byID[q.ID] = len(b.questions)
		b.questions = append(b.questions, q)
	}

	seen := make(map[int]string, len(b.questions))
	total := 0
	for _, c := range f.Categories {
		if _, dup := b.byCategory[c.Key]; dup {
			return nil, fmt.Errorf("category %q: duplicate key", c.Key)
		}
		if len(c.QuestionIDs) == 0 {
			return nil, fmt.Errorf("category %q: no questions", c.Key)
		}
		prev := -1
		for _, id := range c.QuestionIDs {
			idx, ok := b.byID[id]
			if !ok {
				return nil, fmt.Errorf("category %q: unknown question %d", c.Key, id)
			}
			if idx <= prev {
				return nil, fmt.Errorf("category %q: question %d is out of catalog order", c.Key, id)
			}
			prev = idx
			if other, dup := seen[id]; dup {
				return nil, fmt.Errorf("question %d: listed in %q and %q", id, other, c.Key)
			}
			if b.questions[idx].Category != c.Key {
				return nil, fmt.Errorf("question %d: declares category %q but is listed in %q",
					id, b.questions[idx].Category, c.Key)
			}
			seen[id] = c.Key
		}
		total += len(c.QuestionIDs)
		b.byCategory[c.Key] = len(b.categories)
		b.categories = append(b.categories, Category{
			Key:         c.Key,
			Title:       c.Title,
			QuestionIDs: append([]int(nil), c.QuestionIDs...),
		})
	}
	if total != len(b.questions) {
		return nil, fmt.Errorf("categories cover %d of %d questions", total, len(b.questions))
	}
	if len(b.questions) == 0 {
		return nil, errors.New("catalog has no questions")
	}
	if len(b.questions) != model.QuestionCount {
		return nil, fmt.Errorf("catalog has %d questions, want %d", len(b.questions), model.QuestionCount)
	}
	if len(b.categories) != CategoryCount {
		return nil, fmt.Errorf("catalog has %d categories, want %d", len(b.categories), CategoryCount)
	}
	return b, nil
}

// Len returns the number of questions.
func (b *Bank) Len() int { return len(b.questions) }

// Question returns the question with the given id.
func (b *Bank) Question(id int) (Question, bool) {
	idx, ok := b.byID[id]
	if !ok {
		return Question{}, false
	}
	return b.questions[idx], true
}

// Has reports whether id is in the catalog.
func (b *Bank) Has(id int) bool {
	_, ok := b.byID[id]
	return ok
}

// At returns the question at catalog position i.
func (b *Bank) At(i int) (Question, bool) {
	if i < 0 || i >= len(b.questions) {
		return Question{}, false
	}
	return b.questions[i], true
}

// Index returns the catalog position of the question id, or -1.
func (b *Bank) Index(id int) int {
	idx, ok := b.byID[id]
	if !ok {
		return -1
	}
	return idx
}

// Questions returns all questions in catalog order.
func (b *Bank) Questions() []Question {
	return append([]Question(nil), b.questions...)
}

// IDs returns all question ids in catalog order.
func (b *Bank) IDs() []int {
	ids := make([]int, len(b.questions))
	for i, q := range b.questions {
		ids[i] = q.ID
	}
	return ids
}

// Categories returns the categories in declaration order.
func (b *Bank) Categories() []Category {
	out := make([]Category, len(b.categories))
	for i, c := range b.categories {
		out[i] = c
		out[i].QuestionIDs = append([]int(nil), c.QuestionIDs...)
	}
	return out
}

// Category returns the category with the given key.
func (b *Bank) Category(key string) (Category, bool) {
	idx, ok := b.byCategory[key]
	if !ok {
		return Category{}, false
	}
	c := b.categories[idx]
	c.QuestionIDs = append([]int(nil), c.QuestionIDs...)
	return c, true
}

// Missing returns the ids of catalog questions absent from r, in catalog order.
func (b *Bank) Missing(r model.Responses) []int {
	var missing []int
	for _, q := range b.questions {
		if _, ok := r[q.ID]; !ok {
			missing = append(missing, q.ID)
		}
	}
	return missing
}

// ValidScore reports whether score is a selectable answer level.
func ValidScore(score int) bool {
	return score >= MinScore && score <= MaxScore
}

package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// QuestionType is the kind of a parsed question.
type QuestionType string

const (
	QuestionMultipleChoice QuestionType = "multiple-choice"
	QuestionWritten        QuestionType = "written"
)

// Question is one testable item within an exam.
type Question struct {
	ID            int          `json:"id"`
	Text          string       `json:"text"`
	Type          QuestionType `json:"type"`
	Options       []string     `json:"options"`
	CorrectAnswer string       `json:"correctAnswer"`
}

// ExamID identifies an exam. Older exports used millisecond timestamps,
// so numeric JSON ids are accepted and kept as their decimal string.
type ExamID string

// UnmarshalJSON accepts both string and number ids.
func (id *ExamID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ExamID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("exam id: %w", err)
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return fmt.Errorf("exam id %q: %w", n, err)
	}
	*id = ExamID(n.String())
	return nil
}

// Exam is one generated practice test with its user-interaction state.
type Exam struct {
	ID              ExamID         `json:"id"`
	Title           string         `json:"title"`
	Questions       []Question     `json:"questions"`
	CourseMaterials string         `json:"courseMaterials"`
	Date            string         `json:"date"`
	UserAnswers     map[int]string `json:"userAnswers"`
	Submitted       bool           `json:"submitted"`
	Category        string         `json:"category"`
	Tags            []string       `json:"tags"`
}

// Clone returns a deep copy of the exam.
func (e Exam) Clone() Exam {
	out := e
	out.Questions = make([]Question, len(e.Questions))
	for i, q := range e.Questions {
		q.Options = append([]string{}, q.Options...)
		out.Questions[i] = q
	}
	out.UserAnswers = make(map[int]string, len(e.UserAnswers))
	for k, v := range e.UserAnswers {
		out.UserAnswers[k] = v
	}
	out.Tags = append([]string{}, e.Tags...)
	return out
}

// State is the full persisted catalog.
type State struct {
	Exams       []Exam   `json:"exams"`
	Categories  []string `json:"categories"`
	CurrentExam *Exam    `json:"currentExam"`
}

// Clone returns a deep copy of the state.
func (s State) Clone() State {
	out := State{
		Exams:      make([]Exam, len(s.Exams)),
		Categories: append([]string{}, s.Categories...),
	}
	for i, e := range s.Exams {
		out.Exams[i] = e.Clone()
	}
	if s.CurrentExam != nil {
		cur := s.CurrentExam.Clone()
		out.CurrentExam = &cur
	}
	return out
}

// RawExam is the input to the catalog's AddExam: generated exam text plus
// the course material it was generated from.
type RawExam struct {
	Questions       string `json:"questions"`
	CourseMaterials string `json:"courseMaterials"`
	Category        string `json:"category"`
}

// Breakdown is the requested number of questions per kind.
type Breakdown struct {
	MultipleChoice int `json:"multipleChoice"`
	TrueFalse      int `json:"trueFalse"`
	Written        int `json:"written"`
}

// Total returns the number of questions requested.
func (b Breakdown) Total() int {
	return b.MultipleChoice + b.TrueFalse + b.Written
}

// DefaultBreakdown is the mix the generator asks for when none is given.
var DefaultBreakdown = Breakdown{MultipleChoice: 2, TrueFalse: 2, Written: 1}

// Verification is the JSON object returned by the verification pass.
type Verification struct {
	IsValid       bool     `json:"isValid"`
	Issues        []string `json:"issues"`
	CorrectedExam string   `json:"correctedExam"`
}

// GenerationResult is the outcome of the generate-then-verify flow.
type GenerationResult struct {
	Text           string   `json:"text"`
	Verified       bool     `json:"verified"`
	HadCorrections bool     `json:"hadCorrections"`
	Corrections    []string `json:"corrections,omitempty"`
	JSONParseError bool     `json:"jsonParseError,omitempty"`
}

// Evaluation is the evaluation service's assessment of one written answer.
type Evaluation struct {
	QuestionID       int      `json:"questionId"`
	Score            float64  `json:"score"`
	IsCorrect        bool     `json:"isCorrect"`
	Feedback         string   `json:"feedback"`
	KeyPointsCovered []string `json:"keyPointsCovered"`
	MissingPoints    []string `json:"missingPoints"`
	Suggestions      string   `json:"suggestions"`
}

// ChoiceResult is the local grading of one multiple-choice answer.
type ChoiceResult struct {
	QuestionID    int    `json:"questionId"`
	UserAnswer    string `json:"userAnswer"`
	CorrectAnswer string `json:"correctAnswer"`
	IsCorrect     bool   `json:"isCorrect"`
}

// ServerConfig holds runtime parameters set via CLI flags.
type ServerConfig struct {
	Breakdown     Breakdown
	Verify        bool
	PromptVariant string // Evaluation prompt variant (strict, standard, lenient)
	APIKeyHash    string // bcrypt hash guarding /api; empty disables the check
	RateLimit     int    // LLM requests per minute per client IP; 0 disables
}

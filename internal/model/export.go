package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrNotObject is returned when a state blob is not a JSON object.
var ErrNotObject = errors.New("state blob is not a JSON object")

// EncodeState serializes the catalog state to its transportable JSON form.
func EncodeState(s State) ([]byte, error) {
	return json.Marshal(s)
}

// DecodeState parses a previously exported state blob. The result is
// normalized so that it satisfies the catalog invariants.
func DecodeState(data []byte) (State, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return State{}, ErrNotObject
	}
	var s State
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return State{}, fmt.Errorf("decode state: %w", err)
	}
	return Normalize(s), nil
}

// Normalize replaces nil collections with empty ones and cleans the
// category list: trimmed, no empties, no duplicates, sorted.
func Normalize(s State) State {
	if s.Exams == nil {
		s.Exams = []Exam{}
	}
	for i := range s.Exams {
		s.Exams[i] = normalizeExam(s.Exams[i])
	}
	if s.CurrentExam != nil {
		cur := normalizeExam(*s.CurrentExam)
		s.CurrentExam = &cur
	}

	seen := make(map[string]bool, len(s.Categories))
	cats := make([]string, 0, len(s.Categories))
	for _, c := range s.Categories {
		c = strings.TrimSpace(c)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		cats = append(cats, c)
	}
	sort.Strings(cats)
	s.Categories = cats
	return s
}

func normalizeExam(e Exam) Exam {
	if e.Questions == nil {
		e.Questions = []Question{}
	}
	for i := range e.Questions {
		if e.Questions[i].Options == nil {
			e.Questions[i].Options = []string{}
		}
	}
	if e.UserAnswers == nil {
		e.UserAnswers = map[int]string{}
	}
	if e.Tags == nil {
		e.Tags = []string{}
	}
	return e
}

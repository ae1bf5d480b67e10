// Package examparse turns the semi-structured exam text produced by the
// generation service into question records.
//
// The expected input looks like
//
//	QUESTIONS:
//	Q1. Capital of France?
//	a) Paris
//	b) Rome
//	c) Berlin
//	d) Madrid
//	Q2. Explain photosynthesis.
//
//	ANSWERS:
//	Q1. a) Paris
//	Q2. Model answer: Plants convert light into chemical energy...
//
// Parsing is best effort. Malformed input never produces an error; fields
// that cannot be recovered are left empty and unrecognised questions are
// classified as written.
package examparse

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/pavelanni/studyaide/internal/model"
)

// AnswerStyle selects what a multiple-choice correctAnswer holds.
type AnswerStyle string

const (
	// AnswerText stores the full text of the correct option.
	AnswerText AnswerStyle = "text"
	// AnswerLetter stores the option letter ("a".."d").
	AnswerLetter AnswerStyle = "letter"
)

// IsValidAnswerStyle reports whether s names a known answer style.
func IsValidAnswerStyle(s string) bool {
	return AnswerStyle(s) == AnswerText || AnswerStyle(s) == AnswerLetter
}

// Options controls classification and answer extraction.
type Options struct {
	// Choices is the number of option lines that make a question
	// multiple-choice. Zero means 4.
	Choices int
	// CollapseTrueFalse classifies a question with exactly two option
	// lines as multiple-choice.
	CollapseTrueFalse bool
	// AnswerStyle is the multiple-choice correctAnswer policy. Empty means AnswerText.
	AnswerStyle AnswerStyle
}

// DefaultOptions is the parser configuration used by Parse.
var DefaultOptions = Options{
	Choices:           4,
	CollapseTrueFalse: true,
	AnswerStyle:       AnswerText,
}

var (
	answersSep      = regexp.MustCompile(`\n[ \t]*\n[ \t]*ANSWERS:[ \t]*`)
	answersHeader   = regexp.MustCompile(`(?m)^[ \t]*ANSWERS:[ \t]*`)
	questionsHeader = regexp.MustCompile(`^QUESTIONS:[ \t]*`)
	questionMarker  = regexp.MustCompile(`(?m)^[ \t]*Q\d+\.`)
	optionLine      = regexp.MustCompile(`^[ \t]*([a-d])\)[ \t]*(.*)$`)
)

// Parse parses exam text with DefaultOptions.
func Parse(text string) []model.Question {
	return DefaultOptions.Parse(text)
}

// Parse parses exam text into an ordered list of questions numbered 1..N.
func (o Options) Parse(text string) []model.Question {
	if o.Choices <= 0 {
		o.Choices = 4
	}
	if o.AnswerStyle == "" {
		o.AnswerStyle = AnswerText
	}

	questionsPart, answersPart := splitSections(text)
	segments := splitQuestions(questionsPart)

	questions := make([]model.Question, 0, len(segments))
	for i, seg := range segments {
		questions = append(questions, o.parseQuestion(seg, i+1, answersPart))
	}
	return questions
}

// splitSections separates the questions section from the answers section.
// A blank line followed by the ANSWERS: header is the canonical separator;
// an ANSWERS: header at a line start is accepted as a fallback.
func splitSections(text string) (questions, answers string) {
	text = strings.ReplaceAll(text, "\r\n", "\n")

	loc := answersSep.FindStringIndex(text)
	if loc == nil {
		loc = answersHeader.FindStringIndex(text)
	}
	if loc == nil {
		questions = text
	} else {
		questions = text[:loc[0]]
		answers = text[loc[1]:]
	}

	questions = strings.TrimSpace(questions)
	questions = questionsHeader.ReplaceAllString(questions, "")
	return strings.TrimSpace(questions), strings.TrimSpace(answers)
}

// splitQuestions cuts the questions section at every question marker and
// drops the markers. Empty segments are discarded.
func splitQuestions(text string) []string {
	var segments []string
	prev := 0
	for _, loc := range questionMarker.FindAllStringIndex(text, -1) {
		segments = append(segments, text[prev:loc[0]])
		prev = loc[1]
	}
	segments = append(segments, text[prev:])

	out := segments[:0]
	for _, s := range segments {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

type option struct {
	letter string
	text   string
}

func (o Options) parseQuestion(segment string, number int, answers string) model.Question {
	lines := strings.Split(segment, "\n")
	q := model.Question{
		ID:      number,
		Text:    strings.TrimSpace(lines[0]),
		Type:    model.QuestionWritten,
		Options: []string{},
	}

	var opts []option
	for _, line := range lines {
		if m := optionLine.FindStringSubmatch(line); m != nil {
			opts = append(opts, option{letter: m[1], text: strings.TrimSpace(m[2])})
		}
	}

	if len(opts) == o.Choices || (o.CollapseTrueFalse && len(opts) == 2) {
		q.Type = model.QuestionMultipleChoice
		for _, opt := range opts {
			q.Options = append(q.Options, opt.text)
		}
		q.CorrectAnswer = o.choiceAnswer(answers, number, opts)
		return q
	}

	q.CorrectAnswer = writtenAnswer(answers, number)
	return q
}

// choiceAnswer finds "Q<n>. <letter>) <text>" in the answers section. When
// there is no "<letter>)" it falls back to matching the line against the
// option texts or a bare option letter such as "Q1. c".
func (o Options) choiceAnswer(answers string, number int, opts []option) string {
	if answers == "" {
		return ""
	}
	n := strconv.Itoa(number)

	lettered := regexp.MustCompile(`(?m)^[ \t]*Q` + n + `\.[ \t]*([a-d])\)[ \t]*(.*)$`)
	if m := lettered.FindStringSubmatch(answers); m != nil {
		letter, text := m[1], strings.TrimSpace(m[2])
		if o.AnswerStyle == AnswerLetter {
			return letter
		}
		if text == "" {
			for _, opt := range opts {
				if opt.letter == letter {
					return opt.text
				}
			}
		}
		return text
	}

	bare := regexp.MustCompile(`(?m)^[ \t]*Q` + n + `\.[ \t]*(.+)$`)
	m := bare.FindStringSubmatch(answers)
	if m == nil {
		return ""
	}
	text := strings.TrimSpace(m[1])
	letter := strings.ToLower(strings.TrimRight(text, ".)"))
	for _, opt := range opts {
		if strings.EqualFold(opt.text, text) || opt.letter == letter {
			if o.AnswerStyle == AnswerLetter {
				return opt.letter
			}
			return opt.text
		}
	}
	return ""
}

// writtenAnswer captures the text after "Q<n>. Model answer:" up to the
// next question marker or the end of the answers section.
func writtenAnswer(answers string, number int) string {
	if answers == "" {
		return ""
	}
	re := regexp.MustCompile(`(?is)(?:^|\n)[ \t]*Q` + strconv.Itoa(number) +
		`\.[ \t]*model answer:[ \t]*(.*?)(?:\n[ \t]*Q\d+\.|\z)`)
	m := re.FindStringSubmatch(answers)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"

	"github.com/pavelanni/studyaide/internal/model"
)

//go:embed templates/*.txt
var templateFS embed.FS

// NoAnswer replaces an empty student answer in evaluation prompts.
const NoAnswer = "[No answer provided]"

const maxAnswerRunes = 10000

var (
	studentAnswerRegex      = regexp.MustCompile(`(?i)</?\s*student-answer\b[^>]*>`)
	systemInstructionsRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
)

// PromptVariant represents an evaluation prompt variant.
type PromptVariant string

const (
	// PromptStrict is a strict evaluation variant for core courses.
	PromptStrict PromptVariant = "strict"
	// PromptStandard is the default evaluation variant.
	PromptStandard PromptVariant = "standard"
	// PromptLenient is a lenient evaluation variant for self-study.
	PromptLenient PromptVariant = "lenient"
)

var validVariants = map[PromptVariant]bool{
	PromptStrict:   true,
	PromptStandard: true,
	PromptLenient:  true,
}

var (
	loadOnce      sync.Once
	loadErr       error
	evalTemplates map[PromptVariant]*template.Template
	named         map[string]*template.Template
	imagePrompt   string
)

// IsValidVariant checks if a prompt variant name is valid.
func IsValidVariant(v string) bool {
	return validVariants[PromptVariant(v)]
}

// GenerateData holds template data for the generation and verification prompts.
type GenerateData struct {
	model.Breakdown
	Materials string
}

// EvalData holds template data for the evaluation user prompt.
type EvalData struct {
	QuestionText string
	ModelAnswer  string
	Answer       string
}

// Load parses the embedded prompt templates. Safe to call many times.
func Load() error {
	return load(templateFS)
}

func load(fsys fs.FS) error {
	loadOnce.Do(func() {
		evalTemplates = make(map[PromptVariant]*template.Template)
		named = make(map[string]*template.Template)

		for v := range validVariants {
			tmpl, err := parseFile(fsys, "evaluate_"+string(v))
			if err != nil {
				loadErr = err
				return
			}
			evalTemplates[v] = tmpl
		}

		for _, name := range []string{"generate_system", "generate_user", "verify_system", "evaluate_user"} {
			tmpl, err := parseFile(fsys, name)
			if err != nil {
				loadErr = err
				return
			}
			named[name] = tmpl
		}

		content, err := fs.ReadFile(fsys, "templates/image.txt")
		if err != nil {
			loadErr = errors.New("failed to read prompt file templates/image.txt: " + err.Error())
			return
		}
		imagePrompt = strings.TrimSpace(string(content))
	})
	return loadErr
}

func parseFile(fsys fs.FS, name string) (*template.Template, error) {
	file := "templates/" + name + ".txt"
	content, err := fs.ReadFile(fsys, file)
	if err != nil {
		return nil, errors.New("failed to read prompt file " + file + ": " + err.Error())
	}
	tmpl, err := template.New(name).Parse(string(content))
	if err != nil {
		return nil, errors.New("failed to parse prompt template " + file + ": " + err.Error())
	}
	return tmpl, nil
}

func execute(name string, data any) (string, error) {
	if err := Load(); err != nil {
		return "", fmt.Errorf("templates load failed: %w", err)
	}
	tmpl, ok := named[name]
	if !ok {
		return "", errors.New("unknown prompt template: " + name)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

// BuildGenerateSystemPrompt builds the exam generation instructions for the
// requested question mix.
func BuildGenerateSystemPrompt(b model.Breakdown) (string, error) {
	return execute("generate_system", GenerateData{Breakdown: b})
}

// BuildGenerateUserPrompt wraps the course materials in the requested output format.
func BuildGenerateUserPrompt(materials string) (string, error) {
	return execute("generate_user", GenerateData{Materials: strings.TrimSpace(materials)})
}

// BuildVerifyPrompt builds the quality-control instructions for a generated exam.
func BuildVerifyPrompt(b model.Breakdown) (string, error) {
	return execute("verify_system", GenerateData{Breakdown: b})
}

// BuildEvalPrompt returns the system and user prompts for evaluating one
// written answer with the given variant.
func BuildEvalPrompt(variant PromptVariant, question model.Question, answer string) (string, string, error) {
	if err := Load(); err != nil {
		return "", "", fmt.Errorf("templates load failed: %w", err)
	}
	tmpl, ok := evalTemplates[variant]
	if !ok {
		return "", "", errors.New("invalid prompt variant: " + string(variant))
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, nil); err != nil {
		return "", "", err
	}

	user, err := execute("evaluate_user", EvalData{
		QuestionText: question.Text,
		ModelAnswer:  question.CorrectAnswer,
		Answer:       sanitizeAnswer(answer),
	})
	if err != nil {
		return "", "", err
	}
	return strings.TrimSpace(buf.String()), user, nil
}

// ImagePrompt returns the instruction sent alongside an image for text extraction.
func ImagePrompt() (string, error) {
	if err := Load(); err != nil {
		return "", fmt.Errorf("templates load failed: %w", err)
	}
	return imagePrompt, nil
}

func sanitizeAnswer(answer string) string {
	answer = studentAnswerRegex.ReplaceAllString(answer, "")
	answer = systemInstructionsRegex.ReplaceAllString(answer, "")
	answer = strings.TrimSpace(answer)

	if answer == "" {
		return NoAnswer
	}

	if utf8.RuneCountInString(answer) > maxAnswerRunes {
		runes := []rune(answer)
		runes = runes[:maxAnswerRunes]
		answer = string(runes) + "\n\n[Answer truncated due to length]"
	}

	return answer
}

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pavelanni/studyaide/internal/llm/prompts"
	"github.com/pavelanni/studyaide/internal/model"

	openai "github.com/sashabaranov/go-openai"
)

var (
	// ErrNoAPIKey is returned before any call when no credential is configured.
	ErrNoAPIKey = errors.New("API key not configured")
	// ErrEmptyResponse is returned when the model answers with no content.
	ErrEmptyResponse = errors.New("empty response from API")
	// ErrNoJSON is returned when a response holds no JSON object.
	ErrNoJSON = errors.New("no JSON object found in LLM response")
)

const imageMaxTokens = 500

// chatCompleter is the part of the OpenAI client the service uses.
type chatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api         chatCompleter
	hasKey      bool
	model       string
	visionModel string
}

// New creates a new LLM client. An empty visionModel falls back to modelName.
func New(baseURL, apiKey, modelName, visionModel string) *Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	if visionModel == "" {
		visionModel = modelName
	}
	return &Client{
		api:         openai.NewClientWithConfig(config),
		hasKey:      apiKey != "",
		model:       modelName,
		visionModel: visionModel,
	}
}

// Model returns the text model name.
func (c *Client) Model() string { return c.model }

// GenerateExam asks the model for a practice exam over materials and, when
// verify is set, runs a second quality-control pass over the result. Only
// the first pass can fail the call; verification problems fall back to the
// first-pass text.
func (c *Client) GenerateExam(ctx context.Context, materials string, b model.Breakdown, verify bool) (*model.GenerationResult, error) {
	if !c.hasKey {
		return nil, ErrNoAPIKey
	}

	system, err := prompts.BuildGenerateSystemPrompt(b)
	if err != nil {
		return nil, fmt.Errorf("build generation prompt: %w", err)
	}
	user, err := prompts.BuildGenerateUserPrompt(materials)
	if err != nil {
		return nil, fmt.Errorf("build generation prompt: %w", err)
	}

	generated, err := c.complete(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: 0.7,
	})
	if err != nil {
		return nil, fmt.Errorf("LLM generation call: %w", err)
	}

	result := &model.GenerationResult{Text: generated}
	if !verify {
		return result, nil
	}

	v, err := c.VerifyExam(ctx, generated, b)
	switch {
	case errors.Is(err, ErrNoJSON) || isSyntaxError(err):
		slog.Warn("verification response was not valid JSON, using generated exam", "error", err)
		result.JSONParseError = true
		return result, nil
	case err != nil:
		slog.Warn("verification failed, using generated exam", "error", err)
		return result, nil
	}

	result.Verified = true
	if !v.IsValid {
		result.HadCorrections = true
		result.Corrections = v.Issues
		if strings.TrimSpace(v.CorrectedExam) != "" {
			result.Text = v.CorrectedExam
		}
		slog.Info("exam corrected by verification", "issues", len(v.Issues))
	}
	return result, nil
}

// VerifyExam runs the quality-control pass over generated exam text.
func (c *Client) VerifyExam(ctx context.Context, exam string, b model.Breakdown) (*model.Verification, error) {
	if !c.hasKey {
		return nil, ErrNoAPIKey
	}
	system, err := prompts.BuildVerifyPrompt(b)
	if err != nil {
		return nil, fmt.Errorf("build verification prompt: %w", err)
	}

	raw, err := c.complete(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: exam},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.1,
	})
	if err != nil {
		return nil, fmt.Errorf("LLM verification call: %w", err)
	}

	var v model.Verification
	if err := decodeJSON(raw, &v); err != nil {
		return nil, fmt.Errorf("parse verification response: %w", err)
	}
	return &v, nil
}

// EvaluateAnswer grades one written answer against the question's model answer.
func (c *Client) EvaluateAnswer(ctx context.Context, variant prompts.PromptVariant, q model.Question, answer string) (*model.Evaluation, error) {
	if !c.hasKey {
		return nil, ErrNoAPIKey
	}
	system, user, err := prompts.BuildEvalPrompt(variant, q, answer)
	if err != nil {
		return nil, fmt.Errorf("build evaluation prompt: %w", err)
	}

	raw, err := c.complete(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.3,
	})
	if err != nil {
		return nil, fmt.Errorf("LLM evaluation call: %w", err)
	}

	var ev model.Evaluation
	if err := decodeJSON(raw, &ev); err != nil {
		return nil, fmt.Errorf("parse evaluation response: %w", err)
	}
	ev.QuestionID = q.ID
	if ev.KeyPointsCovered == nil {
		ev.KeyPointsCovered = []string{}
	}
	if ev.MissingPoints == nil {
		ev.MissingPoints = []string{}
	}
	return &ev, nil
}

// EvaluateWritten evaluates every written question in order. The first
// failure aborts the whole run.
func (c *Client) EvaluateWritten(ctx context.Context, variant prompts.PromptVariant, questions []model.Question, answers map[int]string) ([]model.Evaluation, error) {
	if !c.hasKey {
		return nil, ErrNoAPIKey
	}
	evaluations := []model.Evaluation{}
	for _, q := range questions {
		if q.Type != model.QuestionWritten {
			continue
		}
		ev, err := c.EvaluateAnswer(ctx, variant, q, answers[q.ID])
		if err != nil {
			return nil, fmt.Errorf("question %d: %w", q.ID, err)
		}
		evaluations = append(evaluations, *ev)
	}
	return evaluations, nil
}

// ExtractImageText asks the vision model to transcribe study material from
// an image. The image is a data URL or bare base64 JPEG data.
func (c *Client) ExtractImageText(ctx context.Context, image string) (string, error) {
	if !c.hasKey {
		return "", ErrNoAPIKey
	}
	instruction, err := prompts.ImagePrompt()
	if err != nil {
		return "", err
	}

	text, err := c.complete(ctx, openai.ChatCompletionRequest{
		Model: c.visionModel,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: instruction},
					{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: ImageDataURL(image)}},
				},
			},
		},
		MaxTokens: imageMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("LLM vision call: %w", err)
	}
	return text, nil
}

// ImageDataURL returns image unchanged if it is already an image data URL,
// otherwise treats it as base64 JPEG data.
func ImageDataURL(image string) string {
	if strings.HasPrefix(image, "data:image") {
		return image
	}
	return "data:image/jpeg;base64," + image
}

func (c *Client) complete(ctx context.Context, req openai.ChatCompletionRequest) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	raw := resp.Choices[0].Message.Content
	slog.Debug("LLM response", "model", req.Model, "raw", raw)
	if strings.TrimSpace(raw) == "" {
		return "", ErrEmptyResponse
	}
	return raw, nil
}

// decodeJSON unmarshals the first JSON object in raw, ignoring code fences
// and <think> blocks some models emit around it.
func decodeJSON(raw string, v any) error {
	s := strings.TrimSpace(raw)
	if start := strings.Index(s, "<think>"); start != -1 {
		if end := strings.Index(s, "</think>"); end > start {
			s = s[:start] + s[end+len("</think>"):]
		}
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return ErrNoJSON
	}
	return json.Unmarshal([]byte(s[start:end+1]), v)
}

func isSyntaxError(err error) bool {
	var se *json.SyntaxError
	var te *json.UnmarshalTypeError
	return errors.As(err, &se) || errors.As(err, &te)
}

package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/pavelanni/studyaide/internal/examparse"
	"github.com/pavelanni/studyaide/internal/llm"
	"github.com/pavelanni/studyaide/internal/llm/prompts"
	"github.com/pavelanni/studyaide/internal/model"
)

type generateRequest struct {
	CourseMaterials string           `json:"courseMaterials"`
	Breakdown       *model.Breakdown `json:"breakdown,omitempty"`
	Save            bool             `json:"save"`
	Category        string           `json:"category"`
}

type generatedChoice struct {
	Text string `json:"text"`
}

type generateResult struct {
	Choices        []generatedChoice `json:"choices"`
	HadCorrections bool              `json:"hadCorrections"`
	Corrections    []string          `json:"corrections,omitempty"`
	JSONParseError bool              `json:"jsonParseError,omitempty"`
}

type generateResponse struct {
	Success bool           `json:"success"`
	Result  generateResult `json:"result"`
	Exam    *model.Exam    `json:"exam,omitempty"`
}

func (h *Handler) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.CourseMaterials) == "" {
		writeError(w, r, http.StatusBadRequest, "ErrMissingMaterials", nil)
		return
	}
	b := h.config.Breakdown
	if req.Breakdown != nil {
		b = *req.Breakdown
	}
	if b.MultipleChoice < 0 || b.TrueFalse < 0 || b.Written < 0 || b.Total() == 0 {
		writeError(w, r, http.StatusBadRequest, "ErrInvalidBreakdown", nil)
		return
	}

	start := time.Now()
	res, err := h.llm.GenerateExam(r.Context(), req.CourseMaterials, b, h.config.Verify)
	h.observeLLM("generate", start, err)
	if err != nil {
		slog.Error("exam generation failed", "error", err)
		h.writeLLMError(w, r, "ErrGenerationFailed", err)
		return
	}

	resp := generateResponse{
		Success: true,
		Result: generateResult{
			Choices:        []generatedChoice{{Text: res.Text}},
			HadCorrections: res.HadCorrections,
			Corrections:    res.Corrections,
			JSONParseError: res.JSONParseError,
		},
	}
	if req.Save {
		exam := h.catalog.AddExam(model.RawExam{
			Questions:       res.Text,
			CourseMaterials: req.CourseMaterials,
			Category:        req.Category,
		})
		resp.Exam = &exam
	}
	writeJSON(w, http.StatusOK, resp)
}

type evaluateRequest struct {
	UserAnswers map[int]string   `json:"userAnswers"`
	Questions   []model.Question `json:"questions"`
	Variant     string           `json:"variant,omitempty"`
}

type evaluateResponse struct {
	Success       bool                 `json:"success"`
	Evaluations   []model.Evaluation   `json:"evaluations"`
	ChoiceResults []model.ChoiceResult `json:"choiceResults"`
}

func (h *Handler) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	variant := h.config.PromptVariant
	if req.Variant != "" {
		if !prompts.IsValidVariant(req.Variant) {
			writeError(w, r, http.StatusBadRequest, "ErrInvalidVariant", map[string]any{"Variant": req.Variant})
			return
		}
		variant = req.Variant
	}

	choices := examparse.GradeChoices(req.Questions, req.UserAnswers)

	evaluations := []model.Evaluation{}
	if hasWritten(req.Questions) {
		start := time.Now()
		var err error
		evaluations, err = h.llm.EvaluateWritten(r.Context(), prompts.PromptVariant(variant), req.Questions, req.UserAnswers)
		h.observeLLM("evaluate", start, err)
		if err != nil {
			slog.Error("evaluation failed", "error", err)
			h.writeLLMError(w, r, "ErrEvaluationFailed", err)
			return
		}
	}

	writeJSON(w, http.StatusOK, evaluateResponse{
		Success:       true,
		Evaluations:   evaluations,
		ChoiceResults: choices,
	})
}

func hasWritten(questions []model.Question) bool {
	for _, q := range questions {
		if q.Type == model.QuestionWritten {
			return true
		}
	}
	return false
}

func (h *Handler) handleAnalyzeImage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Image string `json:"image"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Image == "" {
		writeError(w, r, http.StatusBadRequest, "ErrNoImage", nil)
		return
	}

	start := time.Now()
	text, err := h.llm.ExtractImageText(r.Context(), req.Image)
	h.observeLLM("analyze_image", start, err)
	if err != nil {
		slog.Error("image analysis failed", "error", err)
		h.writeLLMError(w, r, "ErrImageFailed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "text": text})
}

func (h *Handler) observeLLM(op string, start time.Time, err error) {
	if h.metrics != nil {
		h.metrics.ObserveLLM(op, start, err)
	}
}

// writeLLMError passes through the upstream API status when there is one.
func (h *Handler) writeLLMError(w http.ResponseWriter, r *http.Request, msgID string, err error) {
	if errors.Is(err, llm.ErrNoAPIKey) {
		writeError(w, r, http.StatusInternalServerError, "ErrNoAPIKey", nil)
		return
	}
	status := http.StatusInternalServerError
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode >= 400 {
		status = apiErr.HTTPStatusCode
	}
	writeError(w, r, status, msgID, map[string]any{"Error": err.Error()})
}

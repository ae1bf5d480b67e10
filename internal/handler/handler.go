package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/studyaide/internal/catalog"
	"github.com/pavelanni/studyaide/internal/examparse"
	appI18n "github.com/pavelanni/studyaide/internal/i18n"
	"github.com/pavelanni/studyaide/internal/llm/prompts"
	"github.com/pavelanni/studyaide/internal/metrics"
	"github.com/pavelanni/studyaide/internal/model"
)

const maxBodyBytes = 20 << 20

// LLM is the generation and evaluation service the API calls out to.
type LLM interface {
	GenerateExam(ctx context.Context, materials string, b model.Breakdown, verify bool) (*model.GenerationResult, error)
	EvaluateWritten(ctx context.Context, variant prompts.PromptVariant, questions []model.Question, answers map[int]string) ([]model.Evaluation, error)
	ExtractImageText(ctx context.Context, image string) (string, error)
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	catalog *catalog.Catalog
	llm     LLM
	parser  examparse.Options
	metrics *metrics.Metrics
	limiter *ipLimiter
	config  model.ServerConfig
}

// Option configures a Handler.
type Option func(*Handler)

// WithParser sets the options used by the parse preview endpoint.
func WithParser(o examparse.Options) Option {
	return func(h *Handler) { h.parser = o }
}

// WithMetrics enables /metrics and LLM call instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// New creates a new Handler.
func New(c *catalog.Catalog, l LLM, cfg model.ServerConfig, opts ...Option) (*Handler, error) {
	if cfg.APIKeyHash != "" {
		if _, err := bcrypt.Cost([]byte(cfg.APIKeyHash)); err != nil {
			return nil, fmt.Errorf("invalid API key hash: %w", err)
		}
	}
	if cfg.PromptVariant == "" {
		cfg.PromptVariant = string(prompts.PromptStandard)
	}
	if !prompts.IsValidVariant(cfg.PromptVariant) {
		return nil, fmt.Errorf("invalid prompt variant %q", cfg.PromptVariant)
	}
	if cfg.Breakdown.Total() == 0 {
		cfg.Breakdown = model.DefaultBreakdown
	}

	h := &Handler{
		catalog: c,
		llm:     l,
		parser:  examparse.DefaultOptions,
		config:  cfg,
	}
	for _, opt := range opts {
		opt(h)
	}
	if cfg.RateLimit > 0 {
		h.limiter = newIPLimiter(cfg.RateLimit)
	}
	return h, nil
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/health", h.handleHealth)
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics.Handler())
	}

	r.Route("/api", func(api chi.Router) {
		api.Use(h.requireAPIKey)

		api.Get("/state", h.handleState)
		api.Post("/parse", h.handleParse)

		api.Get("/exams", h.handleListExams)
		api.Post("/exams", h.handleAddExam)
		api.Route("/exams/{id}", func(er chi.Router) {
			er.Get("/", h.handleGetExam)
			er.Delete("/", h.handleDeleteExam)
			er.Post("/current", h.handleSetCurrent)
			er.Put("/title", h.handleUpdateTitle)
			er.Put("/answers/{questionID}", h.handleSetAnswer)
			er.Post("/submit", h.handleSubmit)
			er.Post("/retake", h.handleRetake)
			er.Put("/category", h.handleUpdateExamCategory)
			er.Put("/tags", h.handleUpdateTags)
		})
		api.Get("/current", h.handleGetCurrent)
		api.Delete("/current", h.handleClearCurrent)

		api.Get("/categories", h.handleListCategories)
		api.Post("/categories", h.handleAddCategory)
		api.Put("/categories/{name}", h.handleRenameCategory)
		api.Delete("/categories/{name}", h.handleRemoveCategory)

		api.Get("/export", h.handleExport)
		api.Post("/import", h.handleImport)

		api.Group(func(g chi.Router) {
			g.Use(h.rateLimit)
			g.Post("/generate", h.handleGenerate)
			g.Post("/evaluate", h.handleEvaluate)
			g.Post("/analyze-image", h.handleAnalyzeImage)
		})
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	s := h.catalog.State()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"exams":      len(s.Exams),
		"categories": len(s.Categories),
	})
}

func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.catalog.State())
}

func (h *Handler) handleParse(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"questions": h.parser.Parse(req.Text),
	})
}

func (h *Handler) handleListExams(w http.ResponseWriter, r *http.Request) {
	category := r.URL.Query().Get("category")
	tag := r.URL.Query().Get("tag")

	exams := []model.Exam{}
	for _, e := range h.catalog.State().Exams {
		if category != "" && e.Category != category {
			continue
		}
		if tag != "" && !slices.Contains(e.Tags, tag) {
			continue
		}
		exams = append(exams, e)
	}
	writeJSON(w, http.StatusOK, map[string]any{"exams": exams})
}

func (h *Handler) handleAddExam(w http.ResponseWriter, r *http.Request) {
	var raw model.RawExam
	if !decodeBody(w, r, &raw) {
		return
	}
	if raw.Questions == "" {
		writeError(w, r, http.StatusBadRequest, "ErrMissingExamText", nil)
		return
	}
	exam := h.catalog.AddExam(raw)
	writeJSON(w, http.StatusCreated, exam)
}

// examFromURL resolves {id} and writes a 404 when the exam is unknown.
func (h *Handler) examFromURL(w http.ResponseWriter, r *http.Request) (model.Exam, bool) {
	id := model.ExamID(chi.URLParam(r, "id"))
	exam, ok := h.catalog.Exam(id)
	if !ok {
		writeError(w, r, http.StatusNotFound, "ErrExamNotFound", map[string]any{"ID": id})
	}
	return exam, ok
}

// writeExam responds with the current version of the exam.
func (h *Handler) writeExam(w http.ResponseWriter, r *http.Request, id model.ExamID) {
	exam, ok := h.catalog.Exam(id)
	if !ok {
		writeError(w, r, http.StatusNotFound, "ErrExamNotFound", map[string]any{"ID": id})
		return
	}
	writeJSON(w, http.StatusOK, exam)
}

func (h *Handler) handleGetExam(w http.ResponseWriter, r *http.Request) {
	if exam, ok := h.examFromURL(w, r); ok {
		writeJSON(w, http.StatusOK, exam)
	}
}

func (h *Handler) handleDeleteExam(w http.ResponseWriter, r *http.Request) {
	exam, ok := h.examFromURL(w, r)
	if !ok {
		return
	}
	h.catalog.DeleteExam(exam.ID)
	slog.Info("exam deleted", "id", exam.ID)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *Handler) handleSetCurrent(w http.ResponseWriter, r *http.Request) {
	exam, ok := h.examFromURL(w, r)
	if !ok {
		return
	}
	h.catalog.SetCurrentExam(exam.ID)
	h.writeExam(w, r, exam.ID)
}

func (h *Handler) handleGetCurrent(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"currentExam": h.catalog.State().CurrentExam})
}

func (h *Handler) handleClearCurrent(w http.ResponseWriter, r *http.Request) {
	h.catalog.SetCurrentExam("")
	writeJSON(w, http.StatusOK, map[string]any{"currentExam": nil})
}

func (h *Handler) handleUpdateTitle(w http.ResponseWriter, r *http.Request) {
	exam, ok := h.examFromURL(w, r)
	if !ok {
		return
	}
	var req struct {
		Title string `json:"title"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	h.catalog.UpdateExamTitle(exam.ID, req.Title)
	h.writeExam(w, r, exam.ID)
}

func (h *Handler) handleSetAnswer(w http.ResponseWriter, r *http.Request) {
	exam, ok := h.examFromURL(w, r)
	if !ok {
		return
	}
	questionID, err := strconv.Atoi(chi.URLParam(r, "questionID"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "ErrInvalidQuestionID", nil)
		return
	}
	var req struct {
		Answer string `json:"answer"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	h.catalog.SetUserAnswer(exam.ID, questionID, req.Answer)
	h.writeExam(w, r, exam.ID)
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	exam, ok := h.examFromURL(w, r)
	if !ok {
		return
	}
	h.catalog.SubmitExam(exam.ID)
	slog.Info("exam submitted", "id", exam.ID)
	h.writeExam(w, r, exam.ID)
}

func (h *Handler) handleRetake(w http.ResponseWriter, r *http.Request) {
	exam, ok := h.examFromURL(w, r)
	if !ok {
		return
	}
	h.catalog.RetakeExam(exam.ID)
	h.writeExam(w, r, exam.ID)
}

func (h *Handler) handleUpdateExamCategory(w http.ResponseWriter, r *http.Request) {
	exam, ok := h.examFromURL(w, r)
	if !ok {
		return
	}
	var req struct {
		Category string `json:"category"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	h.catalog.UpdateExamCategory(exam.ID, req.Category)
	h.writeExam(w, r, exam.ID)
}

func (h *Handler) handleUpdateTags(w http.ResponseWriter, r *http.Request) {
	exam, ok := h.examFromURL(w, r)
	if !ok {
		return
	}
	var req struct {
		Tags []string `json:"tags"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Tags == nil {
		req.Tags = []string{}
	}
	h.catalog.UpdateExamTags(exam.ID, req.Tags)
	h.writeExam(w, r, exam.ID)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

// writeError responds with {"success": false, "error": <localized message>}.
func writeError(w http.ResponseWriter, r *http.Request, status int, msgID string, data map[string]any) {
	msg := appI18n.Td(r.Context(), msgID, data)
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "ErrInvalidBody", nil)
			return false
		}
		slog.Debug("invalid request body", "path", r.URL.Path, "error", err)
		writeError(w, r, http.StatusBadRequest, "ErrInvalidBody", nil)
		return false
	}
	return true
}

package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/studyaide/internal/catalog"
	appI18n "github.com/pavelanni/studyaide/internal/i18n"
	"github.com/pavelanni/studyaide/internal/llm"
	"github.com/pavelanni/studyaide/internal/llm/prompts"
	"github.com/pavelanni/studyaide/internal/metrics"
	"github.com/pavelanni/studyaide/internal/model"
	"github.com/pavelanni/studyaide/internal/store"
)

const sampleExam = `QUESTIONS:
Q1. What is the primary pigment in photosynthesis?
a) Chlorophyll
b) Carotene
c) Xanthophyll
d) Anthocyanin

Q2. Explain the light reactions.

ANSWERS:
Q1. a) Chlorophyll
Q2. Model answer: They convert light energy into ATP and NADPH.`

func TestMain(m *testing.M) {
	if err := appI18n.Init("en"); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

type fakeLLM struct {
	generated   *model.GenerationResult
	evaluations []model.Evaluation
	imageText   string
	err         error

	gotMaterials string
	gotBreakdown model.Breakdown
	gotVerify    bool
	gotVariant   prompts.PromptVariant
	gotImage     string
	calls        int
}

func (f *fakeLLM) GenerateExam(_ context.Context, materials string, b model.Breakdown, verify bool) (*model.GenerationResult, error) {
	f.calls++
	f.gotMaterials, f.gotBreakdown, f.gotVerify = materials, b, verify
	return f.generated, f.err
}

func (f *fakeLLM) EvaluateWritten(_ context.Context, variant prompts.PromptVariant, _ []model.Question, _ map[int]string) ([]model.Evaluation, error) {
	f.calls++
	f.gotVariant = variant
	return f.evaluations, f.err
}

func (f *fakeLLM) ExtractImageText(_ context.Context, image string) (string, error) {
	f.calls++
	f.gotImage = image
	return f.imageText, f.err
}

type testServer struct {
	router  http.Handler
	catalog *catalog.Catalog
	llm     *fakeLLM
}

func newTestServer(t *testing.T, cfg model.ServerConfig, opts ...Option) *testServer {
	t.Helper()
	n := 0
	c := catalog.New(store.NewMemory(),
		catalog.WithClock(func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }),
		catalog.WithIDGenerator(func(time.Time) model.ExamID {
			n++
			return model.ExamID("exam-" + string(rune('0'+n)))
		}),
	)
	f := &fakeLLM{}
	h, err := New(c, f, cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r := chi.NewRouter()
	r.Use(appI18n.Middleware("en"))
	h.Routes(r)
	return &testServer{router: r, catalog: c, llm: f}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func TestNewValidatesConfig(t *testing.T) {
	c := catalog.New(store.NewMemory())
	if _, err := New(c, &fakeLLM{}, model.ServerConfig{APIKeyHash: "not-a-hash"}); err == nil {
		t.Error("expected error for invalid hash")
	}
	if _, err := New(c, &fakeLLM{}, model.ServerConfig{PromptVariant: "harsh"}); err == nil {
		t.Error("expected error for invalid variant")
	}
	h, err := New(c, &fakeLLM{}, model.ServerConfig{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if h.config.Breakdown != model.DefaultBreakdown {
		t.Errorf("Breakdown = %+v, want default", h.config.Breakdown)
	}
	if h.config.PromptVariant != string(prompts.PromptStandard) {
		t.Errorf("PromptVariant = %q", h.config.PromptVariant)
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, model.ServerConfig{})
	rec := s.do(t, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode[map[string]any](t, rec)
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestExamLifecycle(t *testing.T) {
	s := newTestServer(t, model.ServerConfig{})

	rec := s.do(t, http.MethodPost, "/api/exams", model.RawExam{
		Questions:       sampleExam,
		CourseMaterials: "Photosynthesis converts light energy into chemical energy.",
		Category:        "Biology",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("add status = %d: %s", rec.Code, rec.Body)
	}
	exam := decode[model.Exam](t, rec)
	if exam.ID != "exam-1" || len(exam.Questions) != 2 {
		t.Fatalf("unexpected exam: %+v", exam)
	}
	if exam.Questions[0].CorrectAnswer != "Chlorophyll" {
		t.Errorf("CorrectAnswer = %q", exam.Questions[0].CorrectAnswer)
	}

	rec = s.do(t, http.MethodGet, "/api/exams/exam-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	rec = s.do(t, http.MethodPost, "/api/exams/exam-1/current", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("current status = %d", rec.Code)
	}

	rec = s.do(t, http.MethodPut, "/api/exams/exam-1/answers/1", map[string]string{"answer": "Chlorophyll"})
	if rec.Code != http.StatusOK {
		t.Fatalf("answer status = %d", rec.Code)
	}
	if got := decode[model.Exam](t, rec).UserAnswers[1]; got != "Chlorophyll" {
		t.Errorf("answer = %q", got)
	}

	cur := decode[struct {
		CurrentExam *model.Exam `json:"currentExam"`
	}](t, s.do(t, http.MethodGet, "/api/current", nil))
	if cur.CurrentExam == nil || cur.CurrentExam.UserAnswers[1] != "Chlorophyll" {
		t.Errorf("current exam not refreshed: %+v", cur.CurrentExam)
	}

	rec = s.do(t, http.MethodPut, "/api/exams/exam-1/title", map[string]string{"title": "Plants"})
	if got := decode[model.Exam](t, rec).Title; got != "Plants" {
		t.Errorf("title = %q", got)
	}

	rec = s.do(t, http.MethodPost, "/api/exams/exam-1/submit", nil)
	if !decode[model.Exam](t, rec).Submitted {
		t.Error("expected submitted exam")
	}

	rec = s.do(t, http.MethodPost, "/api/exams/exam-1/retake", nil)
	e := decode[model.Exam](t, rec)
	if e.Submitted || len(e.UserAnswers) != 0 {
		t.Errorf("retake did not reset: %+v", e)
	}

	rec = s.do(t, http.MethodPut, "/api/exams/exam-1/tags", map[string][]string{"tags": {"week1", "quiz"}})
	if got := decode[model.Exam](t, rec).Tags; len(got) != 2 {
		t.Errorf("tags = %v", got)
	}

	rec = s.do(t, http.MethodPut, "/api/exams/exam-1/category", map[string]string{"category": ""})
	if got := decode[model.Exam](t, rec).Category; got != "" {
		t.Errorf("category = %q", got)
	}

	rec = s.do(t, http.MethodDelete, "/api/exams/exam-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	state := s.catalog.State()
	if len(state.Exams) != 0 || state.CurrentExam != nil {
		t.Errorf("exam not deleted: %+v", state)
	}
}

func TestAddExamValidation(t *testing.T) {
	s := newTestServer(t, model.ServerConfig{})

	rec := s.do(t, http.MethodPost, "/api/exams", "{not json")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d", rec.Code)
	}
	rec = s.do(t, http.MethodPost, "/api/exams", model.RawExam{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty exam status = %d", rec.Code)
	}
	if body := decode[errorBody](t, rec); body.Success || body.Error != "Exam text is required" {
		t.Errorf("body = %+v", body)
	}
}

func TestUnknownExam(t *testing.T) {
	s := newTestServer(t, model.ServerConfig{})

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/exams/nope"},
		{http.MethodDelete, "/api/exams/nope"},
		{http.MethodPost, "/api/exams/nope/current"},
		{http.MethodPost, "/api/exams/nope/submit"},
		{http.MethodPut, "/api/exams/nope/answers/1"},
	} {
		rec := s.do(t, tc.method, tc.path, map[string]string{})
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s %s status = %d, want 404", tc.method, tc.path, rec.Code)
		}
	}
	body := decode[errorBody](t, s.do(t, http.MethodGet, "/api/exams/nope", nil))
	if body.Error != "Exam nope not found" {
		t.Errorf("error = %q", body.Error)
	}
}

func TestSetAnswerInvalidQuestionID(t *testing.T) {
	s := newTestServer(t, model.ServerConfig{})
	s.catalog.AddExam(model.RawExam{Questions: sampleExam})

	rec := s.do(t, http.MethodPut, "/api/exams/exam-1/answers/abc", map[string]string{"answer": "x"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestListExamsFilters(t *testing.T) {
	s := newTestServer(t, model.ServerConfig{})
	s.catalog.AddExam(model.RawExam{Questions: sampleExam, Category: "Biology"})
	s.catalog.AddExam(model.RawExam{Questions: sampleExam, Category: "Physics"})
	s.catalog.UpdateExamTags("exam-2", []string{"final"})

	tests := []struct {
		query string
		want  int
	}{
		{"", 2},
		{"?category=Biology", 1},
		{"?tag=final", 1},
		{"?category=Biology&tag=final", 0},
	}
	for _, tt := range tests {
		body := decode[struct {
			Exams []model.Exam `json:"exams"`
		}](t, s.do(t, http.MethodGet, "/api/exams"+tt.query, nil))
		if len(body.Exams) != tt.want {
			t.Errorf("GET /api/exams%s = %d exams, want %d", tt.query, len(body.Exams), tt.want)
		}
	}
}

func TestCategories(t *testing.T) {
	s := newTestServer(t, model.ServerConfig{})
	s.catalog.AddExam(model.RawExam{Questions: sampleExam, Category: "Bio"})

	type catsBody struct {
		Categories []string `json:"categories"`
	}

	rec := s.do(t, http.MethodPost, "/api/categories", map[string]string{"name": "  Physics "})
	if rec.Code != http.StatusCreated {
		t.Fatalf("add status = %d", rec.Code)
	}
	if got := decode[catsBody](t, rec).Categories; strings.Join(got, ",") != "Bio,Physics" {
		t.Errorf("categories = %v", got)
	}

	for _, name := range []string{"", "   ", "Physics"} {
		rec = s.do(t, http.MethodPost, "/api/categories", map[string]string{"name": name})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("add %q status = %d, want 400", name, rec.Code)
		}
	}

	rec = s.do(t, http.MethodPut, "/api/categories/Bio", map[string]string{"name": "Biology"})
	if rec.Code != http.StatusOK {
		t.Fatalf("rename status = %d", rec.Code)
	}
	if e, _ := s.catalog.Exam("exam-1"); e.Category != "Biology" {
		t.Errorf("exam category = %q, want cascade to Biology", e.Category)
	}

	rec = s.do(t, http.MethodPut, "/api/categories/Missing", map[string]string{"name": "X"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("rename missing status = %d", rec.Code)
	}
	rec = s.do(t, http.MethodPut, "/api/categories/Biology", map[string]string{"name": "Physics"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("rename onto existing status = %d", rec.Code)
	}

	rec = s.do(t, http.MethodDelete, "/api/categories/Biology", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if e, _ := s.catalog.Exam("exam-1"); e.Category != "" {
		t.Errorf("exam category = %q, want cleared", e.Category)
	}
	rec = s.do(t, http.MethodDelete, "/api/categories/Biology", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("delete missing status = %d", rec.Code)
	}

	got := decode[catsBody](t, s.do(t, http.MethodGet, "/api/categories", nil)).Categories
	if strings.Join(got, ",") != "Physics" {
		t.Errorf("categories = %v", got)
	}
}

func TestExportImport(t *testing.T) {
	src := newTestServer(t, model.ServerConfig{})
	src.catalog.AddExam(model.RawExam{Questions: sampleExam, Category: "Biology"})
	src.catalog.SetCurrentExam("exam-1")

	rec := src.do(t, http.MethodGet, "/api/export", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("export status = %d", rec.Code)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, exportFilename) {
		t.Errorf("Content-Disposition = %q", cd)
	}
	blob := rec.Body.String()

	dst := newTestServer(t, model.ServerConfig{})
	rec = dst.do(t, http.MethodPost, "/api/import", blob)
	if rec.Code != http.StatusOK {
		t.Fatalf("import status = %d: %s", rec.Code, rec.Body)
	}
	if msg := decode[map[string]any](t, rec)["message"]; msg != "Imported 1 exam" {
		t.Errorf("message = %v", msg)
	}
	state := dst.catalog.State()
	if len(state.Exams) != 1 || state.CurrentExam == nil || state.Categories[0] != "Biology" {
		t.Errorf("imported state = %+v", state)
	}

	before := dst.catalog.State()
	for _, bad := range []string{"", "[]", "{broken", "null"} {
		rec = dst.do(t, http.MethodPost, "/api/import", bad)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("import %q status = %d, want 400", bad, rec.Code)
		}
	}
	if after := dst.catalog.State(); len(after.Exams) != len(before.Exams) {
		t.Error("failed import changed the catalog")
	}
}

func TestAddedExamIsLoggedOnce(t *testing.T) {
	var logs bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&logs, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	s := newTestServer(t, model.ServerConfig{})
	s.llm.generated = &model.GenerationResult{Text: sampleExam}

	if rec := s.do(t, http.MethodPost, "/api/exams", model.RawExam{Questions: sampleExam}); rec.Code != http.StatusCreated {
		t.Fatalf("add status = %d", rec.Code)
	}
	if rec := s.do(t, http.MethodPost, "/api/generate", map[string]any{"courseMaterials": "x", "save": true}); rec.Code != http.StatusOK {
		t.Fatalf("generate status = %d", rec.Code)
	}

	for _, id := range []string{"id=exam-1", "id=exam-2"} {
		if n := strings.Count(logs.String(), id); n != 1 {
			t.Errorf("%s logged %d times, want 1:\n%s", id, n, logs.String())
		}
	}
}

func TestParsePreview(t *testing.T) {
	s := newTestServer(t, model.ServerConfig{})
	rec := s.do(t, http.MethodPost, "/api/parse", map[string]string{"text": sampleExam})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode[struct {
		Questions []model.Question `json:"questions"`
	}](t, rec)
	if len(body.Questions) != 2 || body.Questions[1].Type != model.QuestionWritten {
		t.Errorf("questions = %+v", body.Questions)
	}
	if len(s.catalog.State().Exams) != 0 {
		t.Error("parse preview must not modify the catalog")
	}
}

func TestGenerate(t *testing.T) {
	t.Run("response shape", func(t *testing.T) {
		s := newTestServer(t, model.ServerConfig{Verify: true})
		s.llm.generated = &model.GenerationResult{Text: sampleExam, HadCorrections: true, Corrections: []string{"fixed Q2"}}

		rec := s.do(t, http.MethodPost, "/api/generate", map[string]any{"courseMaterials": "Plants make food."})
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d: %s", rec.Code, rec.Body)
		}
		body := decode[generateResponse](t, rec)
		if !body.Success || len(body.Result.Choices) != 1 || body.Result.Choices[0].Text != sampleExam {
			t.Errorf("body = %+v", body)
		}
		if !body.Result.HadCorrections || body.Result.Corrections[0] != "fixed Q2" {
			t.Errorf("corrections lost: %+v", body.Result)
		}
		if body.Exam != nil {
			t.Error("exam should not be saved without save flag")
		}
		if s.llm.gotBreakdown != model.DefaultBreakdown || !s.llm.gotVerify {
			t.Errorf("breakdown = %+v verify = %v", s.llm.gotBreakdown, s.llm.gotVerify)
		}
	})

	t.Run("save with category", func(t *testing.T) {
		s := newTestServer(t, model.ServerConfig{})
		s.llm.generated = &model.GenerationResult{Text: sampleExam}

		rec := s.do(t, http.MethodPost, "/api/generate", map[string]any{
			"courseMaterials": "Plants make food.",
			"breakdown":       model.Breakdown{MultipleChoice: 1, Written: 1},
			"save":            true,
			"category":        "Biology",
		})
		body := decode[generateResponse](t, rec)
		if body.Exam == nil || body.Exam.Category != "Biology" || len(body.Exam.Questions) != 2 {
			t.Fatalf("exam = %+v", body.Exam)
		}
		if s.llm.gotBreakdown.Total() != 2 {
			t.Errorf("breakdown = %+v", s.llm.gotBreakdown)
		}
		if cats := s.catalog.Categories(); len(cats) != 1 || cats[0] != "Biology" {
			t.Errorf("categories = %v", cats)
		}
	})

	t.Run("validation", func(t *testing.T) {
		s := newTestServer(t, model.ServerConfig{})
		for _, body := range []map[string]any{
			{"courseMaterials": "  "},
			{"courseMaterials": "x", "breakdown": model.Breakdown{}},
			{"courseMaterials": "x", "breakdown": model.Breakdown{MultipleChoice: -1, Written: 2}},
		} {
			if rec := s.do(t, http.MethodPost, "/api/generate", body); rec.Code != http.StatusBadRequest {
				t.Errorf("body %v status = %d, want 400", body, rec.Code)
			}
		}
		if s.llm.calls != 0 {
			t.Errorf("LLM called %d times for invalid requests", s.llm.calls)
		}
	})

	t.Run("missing key", func(t *testing.T) {
		s := newTestServer(t, model.ServerConfig{})
		s.llm.err = llm.ErrNoAPIKey
		rec := s.do(t, http.MethodPost, "/api/generate", map[string]any{"courseMaterials": "x"})
		if rec.Code != http.StatusInternalServerError {
			t.Errorf("status = %d", rec.Code)
		}
		if body := decode[errorBody](t, rec); body.Error != "API key not configured" {
			t.Errorf("error = %q", body.Error)
		}
	})

	t.Run("upstream status passed through", func(t *testing.T) {
		s := newTestServer(t, model.ServerConfig{})
		s.llm.err = &openai.APIError{HTTPStatusCode: http.StatusTooManyRequests, Message: "quota"}
		rec := s.do(t, http.MethodPost, "/api/generate", map[string]any{"courseMaterials": "x"})
		if rec.Code != http.StatusTooManyRequests {
			t.Errorf("status = %d, want 429", rec.Code)
		}
		if body := decode[errorBody](t, rec); body.Success || !strings.HasPrefix(body.Error, "Failed to generate exam") {
			t.Errorf("body = %+v", body)
		}
	})
}

func TestEvaluate(t *testing.T) {
	questions := []model.Question{
		{ID: 1, Text: "Pigment?", Type: model.QuestionMultipleChoice, Options: []string{"Chlorophyll", "Carotene", "Xanthophyll", "Anthocyanin"}, CorrectAnswer: "Chlorophyll"},
		{ID: 2, Text: "Explain.", Type: model.QuestionWritten, Options: []string{}, CorrectAnswer: "ATP and NADPH."},
	}

	t.Run("mixed", func(t *testing.T) {
		s := newTestServer(t, model.ServerConfig{PromptVariant: "strict"})
		s.llm.evaluations = []model.Evaluation{{QuestionID: 2, Score: 70, Feedback: "ok"}}

		rec := s.do(t, http.MethodPost, "/api/evaluate", map[string]any{
			"userAnswers": map[string]string{"1": "a", "2": "It makes ATP."},
			"questions":   questions,
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d: %s", rec.Code, rec.Body)
		}
		body := decode[evaluateResponse](t, rec)
		if len(body.Evaluations) != 1 || body.Evaluations[0].QuestionID != 2 {
			t.Errorf("evaluations = %+v", body.Evaluations)
		}
		if len(body.ChoiceResults) != 1 || !body.ChoiceResults[0].IsCorrect {
			t.Errorf("choice results = %+v", body.ChoiceResults)
		}
		if s.llm.gotVariant != prompts.PromptStrict {
			t.Errorf("variant = %q, want strict", s.llm.gotVariant)
		}
	})

	t.Run("variant override", func(t *testing.T) {
		s := newTestServer(t, model.ServerConfig{})
		s.llm.evaluations = []model.Evaluation{}
		s.do(t, http.MethodPost, "/api/evaluate", map[string]any{"questions": questions, "variant": "lenient"})
		if s.llm.gotVariant != prompts.PromptLenient {
			t.Errorf("variant = %q, want lenient", s.llm.gotVariant)
		}
		rec := s.do(t, http.MethodPost, "/api/evaluate", map[string]any{"questions": questions, "variant": "harsh"})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("invalid variant status = %d", rec.Code)
		}
	})

	t.Run("choice only skips LLM", func(t *testing.T) {
		s := newTestServer(t, model.ServerConfig{})
		rec := s.do(t, http.MethodPost, "/api/evaluate", map[string]any{"questions": questions[:1]})
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		if s.llm.calls != 0 {
			t.Error("LLM should not be called without written questions")
		}
		body := decode[evaluateResponse](t, rec)
		if body.Evaluations == nil || len(body.Evaluations) != 0 {
			t.Errorf("evaluations = %v, want empty list", body.Evaluations)
		}
	})

	t.Run("failure", func(t *testing.T) {
		s := newTestServer(t, model.ServerConfig{})
		s.llm.err = errors.New("Failed to evaluate answer")
		rec := s.do(t, http.MethodPost, "/api/evaluate", map[string]any{"questions": questions})
		if rec.Code != http.StatusInternalServerError {
			t.Errorf("status = %d", rec.Code)
		}
		if body := decode[errorBody](t, rec); body.Success {
			t.Error("expected success=false")
		}
	})
}

func TestAnalyzeImage(t *testing.T) {
	s := newTestServer(t, model.ServerConfig{})

	rec := s.do(t, http.MethodPost, "/api/analyze-image", map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing image status = %d", rec.Code)
	}
	if body := decode[errorBody](t, rec); body.Error != "No image provided" {
		t.Errorf("error = %q", body.Error)
	}

	s.llm.imageText = "Chapter 1"
	rec = s.do(t, http.MethodPost, "/api/analyze-image", map[string]string{"image": "aGVsbG8="})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := decode[map[string]any](t, rec)["text"]; got != "Chapter 1" {
		t.Errorf("text = %v", got)
	}
	if s.llm.gotImage != "aGVsbG8=" {
		t.Errorf("image = %q", s.llm.gotImage)
	}
}

func TestAPIKey(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	s := newTestServer(t, model.ServerConfig{APIKeyHash: string(hash)})

	tests := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"wrong key", apiKeyHeader, "nope", http.StatusUnauthorized},
		{"header key", apiKeyHeader, "s3cret", http.StatusOK},
		{"bearer", "Authorization", "Bearer s3cret", http.StatusOK},
		{"bearer wrong", "Authorization", "Bearer nope", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/state", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			s.router.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}

	// Health stays public.
	if rec := s.do(t, http.MethodGet, "/health", nil); rec.Code != http.StatusOK {
		t.Errorf("health status = %d", rec.Code)
	}
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(t, model.ServerConfig{RateLimit: 2})
	s.llm.imageText = "ok"

	body := map[string]string{"image": "AAAA"}
	for i := 0; i < 2; i++ {
		if rec := s.do(t, http.MethodPost, "/api/analyze-image", body); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, rec.Code)
		}
	}
	rec := s.do(t, http.MethodPost, "/api/analyze-image", body)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}

	// Catalog routes are not throttled.
	if rec := s.do(t, http.MethodGet, "/api/state", nil); rec.Code != http.StatusOK {
		t.Errorf("state status = %d", rec.Code)
	}
}

func TestIPLimiterRefillsAndSweeps(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := newIPLimiter(1)
	l.now = func() time.Time { return now }

	if !l.allow("10.0.0.1") {
		t.Fatal("first request should pass")
	}
	if l.allow("10.0.0.1") {
		t.Fatal("second request should be limited")
	}
	if !l.allow("10.0.0.2") {
		t.Fatal("other IPs have their own bucket")
	}

	now = now.Add(time.Minute)
	if !l.allow("10.0.0.1") {
		t.Error("bucket should refill after a minute")
	}

	now = now.Add(10 * time.Minute)
	l.allow("10.0.0.3")
	if _, ok := l.visitors["10.0.0.2"]; ok {
		t.Error("idle visitor should be swept")
	}
}

func TestMetricsRoute(t *testing.T) {
	s := newTestServer(t, model.ServerConfig{}, WithMetrics(metrics.New()))
	s.llm.imageText = "ok"
	s.do(t, http.MethodPost, "/api/analyze-image", map[string]string{"image": "AAAA"})

	rec := s.do(t, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `studyaide_llm_requests_total{operation="analyze_image",outcome="success"} 1`) {
		t.Error("expected LLM counter in metrics output")
	}
}

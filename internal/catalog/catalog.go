// Package catalog holds the persisted collection of exams, categories and
// the exam currently in focus.
//
// Every operation is total: it applies a transformation to the current
// state, saves the result through the Backend and then notifies all
// observers with a snapshot. A failed save is logged and does not roll the
// in-memory state back.
package catalog

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/pavelanni/studyaide/internal/examparse"
	"github.com/pavelanni/studyaide/internal/model"
)

// titleLength is the number of course-material runes kept in a generated title.
const titleLength = 50

// Backend loads and saves the catalog state.
type Backend interface {
	Load() (model.State, error)
	Save(model.State) error
}

// Catalog is the exam store. It is safe for concurrent use.
type Catalog struct {
	mu      sync.Mutex
	state   model.State
	backend Backend

	// Each change takes a ticket under mu; snapshots are delivered in
	// ticket order after mu is released.
	notifyMu   sync.Mutex
	notifyCond *sync.Cond
	issued     uint64
	delivered  uint64

	obsMu     sync.Mutex
	observers map[int]func(model.State)
	nextObs   int

	parser examparse.Options
	now    func() time.Time
	newID  func(time.Time) model.ExamID
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithParser sets the options used to parse generated exam text.
func WithParser(o examparse.Options) Option {
	return func(c *Catalog) { c.parser = o }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Catalog) { c.now = now }
}

// WithIDGenerator overrides exam id generation.
func WithIDGenerator(gen func(time.Time) model.ExamID) Option {
	return func(c *Catalog) { c.newID = gen }
}

// New loads the initial state from the backend. A load failure is logged
// and the catalog starts empty.
func New(backend Backend, opts ...Option) *Catalog {
	c := &Catalog{
		backend:   backend,
		observers: make(map[int]func(model.State)),
		parser:    examparse.DefaultOptions,
		now:       time.Now,
		newID:     NewExamID,
	}
	c.notifyCond = sync.NewCond(&c.notifyMu)
	for _, opt := range opts {
		opt(c)
	}

	state, err := backend.Load()
	if err != nil {
		slog.Error("failed to load catalog state", "error", err)
		state = model.State{}
	}
	c.state = model.Normalize(state)
	return c
}

// Subscribe registers fn to receive a snapshot after every change. fn is
// called once immediately with the current state. The returned function
// removes the observer. Observers must not modify the catalog.
func (c *Catalog) Subscribe(fn func(model.State)) func() {
	c.mu.Lock()
	current := c.state.Clone()
	ticket := c.ticket()
	c.mu.Unlock()

	var id int
	c.inTurn(ticket, func() {
		c.obsMu.Lock()
		id = c.nextObs
		c.nextObs++
		c.observers[id] = fn
		c.obsMu.Unlock()
		fn(current)
	})

	return func() {
		c.obsMu.Lock()
		delete(c.observers, id)
		c.obsMu.Unlock()
	}
}

// State returns a snapshot of the whole catalog.
func (c *Catalog) State() model.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}

// Exam returns a copy of the exam with the given id.
func (c *Catalog) Exam(id model.ExamID) (model.Exam, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := c.indexOf(id); i >= 0 {
		return c.state.Exams[i].Clone(), true
	}
	return model.Exam{}, false
}

// update applies fn to a copy of the state, installs the result, saves it
// and notifies observers.
func (c *Catalog) update(fn func(s *model.State)) {
	c.mu.Lock()
	next := c.state.Clone()
	fn(&next)
	c.state = next
	if err := c.backend.Save(next.Clone()); err != nil {
		slog.Error("failed to persist catalog state", "error", err)
	}
	snapshot := next.Clone()
	ticket := c.ticket()
	c.mu.Unlock()

	c.inTurn(ticket, func() { c.notify(snapshot) })
}

// ticket reserves the next delivery slot. Callers hold mu.
func (c *Catalog) ticket() uint64 {
	t := c.issued
	c.issued++
	return t
}

// inTurn runs fn once every earlier ticket has been delivered.
func (c *Catalog) inTurn(ticket uint64, fn func()) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	for c.delivered != ticket {
		c.notifyCond.Wait()
	}
	defer func() {
		c.delivered++
		c.notifyCond.Broadcast()
	}()
	fn()
}

func (c *Catalog) notify(s model.State) {
	c.obsMu.Lock()
	fns := make([]func(model.State), 0, len(c.observers))
	ids := make([]int, 0, len(c.observers))
	for id := range c.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		fns = append(fns, c.observers[id])
	}
	c.obsMu.Unlock()

	for _, fn := range fns {
		fn(s.Clone())
	}
}

func (c *Catalog) indexOf(id model.ExamID) int {
	return indexOf(c.state.Exams, id)
}

func indexOf(exams []model.Exam, id model.ExamID) int {
	for i, e := range exams {
		if e.ID == id {
			return i
		}
	}
	return -1
}

// mapExam applies fn to the exam with the given id, if present.
func mapExam(s *model.State, id model.ExamID, fn func(e *model.Exam)) {
	if i := indexOf(s.Exams, id); i >= 0 {
		fn(&s.Exams[i])
	}
}

// AddExam parses the raw exam text and appends a new exam. A non-empty
// category unknown to the catalog is registered as well.
func (c *Catalog) AddExam(raw model.RawExam) model.Exam {
	now := c.now()
	exam := model.Exam{
		ID:              c.newID(now),
		Title:           makeTitle(raw.CourseMaterials),
		Questions:       c.parser.Parse(raw.Questions),
		CourseMaterials: raw.CourseMaterials,
		Date:            now.UTC().Format("2006-01-02T15:04:05.000Z"),
		UserAnswers:     map[int]string{},
		Submitted:       false,
		Category:        strings.TrimSpace(raw.Category),
		Tags:            []string{},
	}

	c.update(func(s *model.State) {
		s.Exams = append(s.Exams, exam.Clone())
		if exam.Category != "" && !contains(s.Categories, exam.Category) {
			s.Categories = append(s.Categories, exam.Category)
			sort.Strings(s.Categories)
		}
	})
	slog.Info("added exam", "id", exam.ID, "questions", len(exam.Questions), "category", exam.Category)
	return exam
}

func makeTitle(materials string) string {
	if utf8.RuneCountInString(materials) > titleLength {
		materials = string([]rune(materials)[:titleLength])
	}
	return materials + "..."
}

// DeleteExam removes the exam with the given id.
func (c *Catalog) DeleteExam(id model.ExamID) {
	c.update(func(s *model.State) {
		if i := indexOf(s.Exams, id); i >= 0 {
			s.Exams = append(s.Exams[:i], s.Exams[i+1:]...)
		}
	})
}

// SetCurrentExam focuses a copy of the exam with the given id. An unknown
// id clears the current exam.
func (c *Catalog) SetCurrentExam(id model.ExamID) {
	c.update(func(s *model.State) {
		s.CurrentExam = nil
		if i := indexOf(s.Exams, id); i >= 0 {
			cur := s.Exams[i].Clone()
			s.CurrentExam = &cur
		}
	})
}

// UpdateExamTitle replaces the exam's title.
func (c *Catalog) UpdateExamTitle(id model.ExamID, title string) {
	c.update(func(s *model.State) {
		mapExam(s, id, func(e *model.Exam) { e.Title = title })
	})
}

// SetUserAnswer records one answer. The current exam is refreshed when it
// is the same exam.
func (c *Catalog) SetUserAnswer(examID model.ExamID, questionID int, answer string) {
	c.update(func(s *model.State) {
		mapExam(s, examID, func(e *model.Exam) {
			e.UserAnswers[questionID] = answer
			if s.CurrentExam != nil && s.CurrentExam.ID == examID {
				cur := e.Clone()
				s.CurrentExam = &cur
			}
		})
	})
}

// SubmitExam marks the exam submitted. Answers stay mutable.
func (c *Catalog) SubmitExam(id model.ExamID) {
	c.update(func(s *model.State) {
		mapExam(s, id, func(e *model.Exam) { e.Submitted = true })
	})
}

// RetakeExam clears the answers and the submitted flag.
func (c *Catalog) RetakeExam(id model.ExamID) {
	c.update(func(s *model.State) {
		mapExam(s, id, func(e *model.Exam) {
			e.UserAnswers = map[int]string{}
			e.Submitted = false
		})
	})
}

// UpdateExamCategory replaces the exam's category.
func (c *Catalog) UpdateExamCategory(id model.ExamID, category string) {
	c.update(func(s *model.State) {
		mapExam(s, id, func(e *model.Exam) { e.Category = category })
	})
}

// UpdateExamTags replaces the exam's tags.
func (c *Catalog) UpdateExamTags(id model.ExamID, tags []string) {
	tags = append([]string{}, tags...)
	c.update(func(s *model.State) {
		mapExam(s, id, func(e *model.Exam) { e.Tags = tags })
	})
}

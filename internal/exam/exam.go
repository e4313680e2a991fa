package exam

import (
	"errors"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/pavelanni/examgen/internal/dedup"
	"github.com/pavelanni/examgen/internal/fingerprint"
	"github.com/pavelanni/examgen/internal/model"
)

var (
	ErrExamNotFound = errors.New("exam not found")
	ErrItemNotFound = errors.New("item not found")
)

// Publisher delivers exam events to live subscribers.
type Publisher interface {
	Publish(subject string, ev model.Event) int
}

// Request describes a new exam.
type Request struct {
	Prompt      string
	Subject     string
	Count       int
	Temperature float64
	Style       string
	Digests     []string
}

// Context returns the generation context of the request.
func (r Request) Context() model.GenerationContext {
	return model.GenerationContext{
		Prompt:      r.Prompt,
		Digests:     slices.Clone(r.Digests),
		Temperature: r.Temperature,
		Style:       r.Style,
		Subject:     r.Subject,
	}
}

// Exam is the aggregate of one exam. Every mutation takes mu, and the
// matching event is published before mu is released, so subscribers see
// events in acceptance order.
type Exam struct {
	ID          string
	Context     model.GenerationContext
	Fingerprint fingerprint.Fingerprint
	TargetCount int
	CreatedAt   time.Time

	pub Publisher
	// seen holds the content hash of every item the exam has pooled or
	// accepted, shared by the run and every regeneration.
	seen *dedup.Set

	mu      sync.Mutex
	items   []model.Item
	lastID  int
	status  model.ExamStatus
	results []model.GradeResult
}

func newExam(req Request, pub Publisher) *Exam {
	gc := req.Context()
	return &Exam{
		ID:          uuid.NewString(),
		Context:     gc,
		Fingerprint: fingerprint.Compute(gc),
		TargetCount: req.Count,
		CreatedAt:   time.Now().UTC(),
		pub:         pub,
		seen:        dedup.NewSet(),
		status:      model.ExamGenerating,
	}
}

func (e *Exam) publish(ev model.Event) {
	if e.pub != nil {
		e.pub.Publish(e.ID, ev)
	}
}

// appendItem assigns the next id to item, stores it and publishes it.
func (e *Exam) appendItem(item model.Item) model.Item {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastID++
	item.ID = e.lastID
	e.items = append(e.items, item)
	out := item
	e.publish(model.Event{Type: model.EventItem, Item: &out})
	return item
}

// removeItem deletes the item with id and returns it with the items left.
func (e *Exam) removeItem(id int) (model.Item, []model.Item, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	idx := slices.IndexFunc(e.items, func(it model.Item) bool { return it.ID == id })
	if idx < 0 {
		return model.Item{}, nil, false
	}
	removed := e.items[idx]
	e.items = slices.Delete(e.items, idx, idx+1)
	return removed, slices.Clone(e.items), true
}

func (e *Exam) finish(status model.ExamStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status = status
	e.publish(model.Event{Type: model.EventComplete, Status: status})
}

func (e *Exam) fail(code, message string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.publish(model.Event{Type: model.EventError, Code: code, Message: message})
}

// Status returns the current lifecycle state.
func (e *Exam) Status() model.ExamStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Len returns the number of items currently in the exam.
func (e *Exam) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.items)
}

// Snapshot returns a copy of the exam state.
func (e *Exam) Snapshot() model.ExamSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return model.ExamSnapshot{
		ExamID:      e.ID,
		Status:      e.status,
		TargetCount: e.TargetCount,
		Items:       slices.Clone(e.items),
		CreatedAt:   e.CreatedAt,
	}
}

// Submit grades sub against the current items and records the result.
func (e *Exam) Submit(sub model.Submission) model.GradeResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	res := model.Grade(e.items, sub)
	e.results = append(e.results, res)
	return res
}

// Results returns every recorded submission with summary statistics.
func (e *Exam) Results() model.ExamResults {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := model.ExamResults{
		ExamID:        e.ID,
		TotalStudents: len(e.results),
		Students:      slices.Clone(e.results),
	}
	if len(e.results) > 0 {
		pct := lo.Map(e.results, func(r model.GradeResult, _ int) float64 { return r.Percentage })
		out.Statistics = model.ResultStats{
			Average: math.Round(lo.Mean(pct)*10) / 10,
			Highest: lo.Max(pct),
			Lowest:  lo.Min(pct),
		}
	}
	return out
}

// Registry holds live exams by id.
type Registry struct {
	mu    sync.RWMutex
	exams map[string]*Exam
}

func NewRegistry() *Registry {
	return &Registry{exams: make(map[string]*Exam)}
}

func (r *Registry) add(e *Exam) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exams[e.ID] = e
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.exams, id)
}

// Get returns the exam with id or ErrExamNotFound.
func (r *Registry) Get(id string) (*Exam, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.exams[id]
	if !ok {
		return nil, ErrExamNotFound
	}
	return e, nil
}

// Len returns the number of registered exams.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.exams)
}

// Prune drops finished exams created before cutoff and returns how many were
// removed. Exams still generating are kept.
func (r *Registry) Prune(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, e := range r.exams {
		if e.CreatedAt.Before(cutoff) && e.Status() != model.ExamGenerating {
			delete(r.exams, id)
			n++
		}
	}
	return n
}

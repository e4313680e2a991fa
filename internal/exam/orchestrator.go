// Package exam assembles exams from cached and freshly generated items.
//
// An Orchestrator pools items cached under the exam's fingerprint, fans out
// generation for the shortfall, deduplicates results and appends accepted
// items to the exam aggregate, publishing each as it is accepted.
package exam

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/semaphore"

	"github.com/pavelanni/examgen/internal/dedup"
	"github.com/pavelanni/examgen/internal/i18n"
	"github.com/pavelanni/examgen/internal/metrics"
	"github.com/pavelanni/examgen/internal/model"
)

// CodeRegenerationFailed is the error event code sent when a deleted item
// could not be replaced.
const CodeRegenerationFailed = "regeneration_failed"

// ContentStore is the item cache the orchestrator reads and writes.
type ContentStore interface {
	Put(ctx context.Context, fp string, item model.Item) (bool, error)
	GetAll(ctx context.Context, fp string) ([]model.CachedItem, error)
	Remove(ctx context.Context, fp string, item model.Item) (model.Kind, bool, error)
}

// ItemGenerator produces one item of a fixed kind.
type ItemGenerator interface {
	Generate(ctx context.Context, gc model.GenerationContext) (model.Item, error)
}

type Orchestrator struct {
	store      ContentStore
	selector   TypeSelector
	generators map[model.Kind]ItemGenerator
	pub        Publisher
	exec       *Executor
	registry   *Registry
	metrics    *metrics.Metrics
	cfg        model.Config

	pick func(n int) int
}

// New creates an Orchestrator. generators must cover model.DefaultKinds.
func New(
	store ContentStore,
	selector TypeSelector,
	generators map[model.Kind]ItemGenerator,
	pub Publisher,
	exec *Executor,
	m *metrics.Metrics,
	cfg model.Config,
) *Orchestrator {
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 1
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Orchestrator{
		store:      store,
		selector:   selector,
		generators: generators,
		pub:        pub,
		exec:       exec,
		registry:   NewRegistry(),
		metrics:    m,
		cfg:        cfg,
		pick:       rand.IntN,
	}
}

// Registry returns the registry of live exams.
func (o *Orchestrator) Registry() *Registry { return o.registry }

// Create registers an empty exam and schedules its generation run.
// The returned exam is in the generating state.
func (o *Orchestrator) Create(ctx context.Context, req Request) (*Exam, error) {
	e := newExam(req, o.pub)
	o.registry.add(e)
	if err := o.exec.Submit(func(jobCtx context.Context) { o.Run(jobCtx, e) }); err != nil {
		o.registry.remove(e.ID)
		return nil, fmt.Errorf("schedule exam: %w", err)
	}
	slog.Info("exam created",
		"exam_id", e.ID,
		"fingerprint", e.Fingerprint.Short(),
		"target", e.TargetCount,
		"subject", e.Context.Subject,
	)
	return e, nil
}

// Get returns a live exam.
func (o *Orchestrator) Get(id string) (*Exam, error) {
	return o.registry.Get(id)
}

// Run fills e up to its target count and finalizes its status.
func (o *Orchestrator) Run(ctx context.Context, e *Exam) {
	start := time.Now()
	kinds := o.selectKinds(ctx, e)

	pool := o.loadPool(ctx, e)
	e.seen.Seed(lo.Map(pool, func(ci model.CachedItem, _ int) string { return ci.ContentHash })...)

	accepted := o.fill(ctx, e, kinds, pool, e.seen)

	status := model.ExamComplete
	if accepted < e.TargetCount {
		status = model.ExamDegraded
	}
	e.finish(status)
	o.metrics.ExamFinished(status)
	slog.Info("exam finished",
		"exam_id", e.ID,
		"status", status,
		"accepted", accepted,
		"target", e.TargetCount,
		"duration", time.Since(start),
	)
}

// Delete removes an item from an exam and schedules a replacement of the
// same kind. Remaining items keep their ids.
func (o *Orchestrator) Delete(ctx context.Context, examID string, itemID int) (model.Item, int, error) {
	e, err := o.registry.Get(examID)
	if err != nil {
		return model.Item{}, 0, err
	}
	removed, remaining, ok := e.removeItem(itemID)
	if !ok {
		return model.Item{}, 0, ErrItemNotFound
	}

	fp := e.Fingerprint.String()
	kind, found, err := o.store.Remove(ctx, fp, removed)
	if err != nil {
		o.metrics.StoreError("remove")
		slog.Error("remove cached item", "exam_id", e.ID, "error", err)
	}
	if err != nil || !found {
		kind = removed.Kind
	}

	// Items from a run still in flight land in e.seen too, so a replacement
	// can never repeat them.
	e.seen.SeedItems(removed)

	loc := i18n.LocalizerFromContext(ctx)
	job := func(jobCtx context.Context) {
		o.regenerate(i18n.WithLocalizer(jobCtx, loc), e, kind, e.seen)
	}
	if err := o.exec.Submit(job); err != nil {
		slog.Warn("schedule regeneration", "exam_id", e.ID, "error", err)
		o.metrics.Regeneration(false)
		e.fail(CodeRegenerationFailed, i18n.T(i18n.WithLocalizer(ctx, loc), "RegenerationFailed"))
	}
	slog.Info("item deleted", "exam_id", e.ID, "item_id", itemID, "kind", kind)
	return removed, len(remaining), nil
}

// regenerate fills a single slot of kind, reusing cached items that are
// not in seen before generating.
func (o *Orchestrator) regenerate(ctx context.Context, e *Exam, kind model.Kind, seen *dedup.Set) {
	pool := lo.Filter(o.loadPool(ctx, e), func(ci model.CachedItem, _ int) bool {
		return !seen.Has(ci.ContentHash)
	})
	seen.Seed(lo.Map(pool, func(ci model.CachedItem, _ int) string { return ci.ContentHash })...)

	if o.fill(ctx, e, []model.Kind{kind}, pool, seen) == 1 {
		o.metrics.Regeneration(true)
		return
	}
	o.metrics.Regeneration(false)
	slog.Warn("regeneration failed", "exam_id", e.ID, "kind", kind)
	e.fail(CodeRegenerationFailed, i18n.T(ctx, "RegenerationFailed"))
}

func (o *Orchestrator) selectKinds(ctx context.Context, e *Exam) []model.Kind {
	n := e.TargetCount
	kinds, err := o.selector.Select(ctx, e.Context, n)
	if err != nil {
		slog.Warn("type selector failed, using default mix", "exam_id", e.ID, "error", err)
		kinds = roundRobin(model.DefaultKinds, n)
	}
	kinds = normalizeKinds(kinds, o.served(e.Context.Subject), n)
	return enforceDiversity(kinds)
}

// served returns the kinds available for subject that have a generator.
func (o *Orchestrator) served(subject string) []model.Kind {
	return lo.Filter(model.KindsForSubject(subject), func(k model.Kind, _ int) bool {
		_, ok := o.generators[k]
		return ok
	})
}

func (o *Orchestrator) loadPool(ctx context.Context, e *Exam) []model.CachedItem {
	pool, err := o.store.GetAll(ctx, e.Fingerprint.String())
	if err != nil {
		o.metrics.StoreError("get_all")
		slog.Error("load cached items", "exam_id", e.ID, "error", err)
		return nil
	}
	return pool
}

// fill appends up to len(slots) items to e, taking unconsumed pooled items
// first and generating the rest. seen must already hold every pooled hash.
// It returns the number of items appended.
func (o *Orchestrator) fill(ctx context.Context, e *Exam, slots []model.Kind, pool []model.CachedItem, seen *dedup.Set) int {
	target := len(slots)
	byKind := lo.GroupBy(pool, func(ci model.CachedItem) model.Kind { return ci.Kind })

	accepted := 0
	var pending []model.Kind
	for _, k := range slots {
		candidates := byKind[k]
		if len(candidates) == 0 {
			pending = append(pending, k)
			continue
		}
		i := o.pick(len(candidates))
		item := candidates[i].Item
		byKind[k] = append(candidates[:i:i], candidates[i+1:]...)
		e.appendItem(item)
		o.metrics.ItemAccepted(metrics.SourceCache)
		accepted++
	}

	for round := 0; accepted < target && len(pending) > 0; round++ {
		if ctx.Err() != nil {
			break
		}
		var filled []model.Kind
		for res := range o.generateAll(ctx, e, pending) {
			if res.err != nil {
				o.metrics.GenerationFailed(res.kind)
				slog.Warn("generation failed", "exam_id", e.ID, "kind", res.kind, "error", res.err)
				continue
			}
			if !seen.Accept(res.item) {
				o.metrics.DuplicateRejected()
				continue
			}
			o.cache(ctx, e, res.item)
			if accepted < target {
				e.appendItem(res.item)
				o.metrics.ItemAccepted(metrics.SourceGenerated)
				filled = append(filled, res.kind)
				accepted++
			}
		}
		if accepted >= target || round >= o.cfg.MaxRetries {
			break
		}
		left := unfilled(pending, filled)
		if len(left) == 0 {
			left = pending
		}
		shortfall := target - accepted
		pending = roundRobin(left, shortfall+1)
		slog.Info("retrying generation", "exam_id", e.ID, "round", round+1, "shortfall", shortfall)
	}
	return accepted
}

func (o *Orchestrator) cache(ctx context.Context, e *Exam, item model.Item) {
	if _, err := o.store.Put(ctx, e.Fingerprint.String(), item); err != nil {
		o.metrics.StoreError("put")
		slog.Error("cache item", "exam_id", e.ID, "kind", item.Kind, "error", err)
	}
}

type result struct {
	kind model.Kind
	item model.Item
	err  error
}

// generateAll runs one generator call per kind with bounded concurrency.
// Results arrive on the returned channel in completion order; it is closed
// after the last one.
func (o *Orchestrator) generateAll(ctx context.Context, e *Exam, kinds []model.Kind) <-chan result {
	out := make(chan result, len(kinds))
	sem := semaphore.NewWeighted(int64(o.cfg.MaxConcurrency))
	go func() {
		defer close(out)
		done := make(chan struct{}, len(kinds))
		for _, k := range kinds {
			if err := sem.Acquire(ctx, 1); err != nil {
				out <- result{kind: k, err: err}
				done <- struct{}{}
				continue
			}
			go func(k model.Kind) {
				defer sem.Release(1)
				item, err := o.generate(ctx, e, k)
				out <- result{kind: k, item: item, err: err}
				done <- struct{}{}
			}(k)
		}
		for range kinds {
			<-done
		}
	}()
	return out
}

func (o *Orchestrator) generate(ctx context.Context, e *Exam, kind model.Kind) (model.Item, error) {
	gen, ok := o.generators[kind]
	if !ok {
		return model.Item{}, fmt.Errorf("no generator for kind %s", kind)
	}
	if o.cfg.GenerateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.GenerateTimeout)
		defer cancel()
	}
	start := time.Now()
	item, err := gen.Generate(ctx, e.Context)
	o.metrics.ObserveGeneration(kind, time.Since(start))
	if err != nil {
		return model.Item{}, fmt.Errorf("generate %s: %w", kind, err)
	}
	item.ID = 0
	item.Kind = kind
	if err := item.Validate(); err != nil {
		return model.Item{}, fmt.Errorf("validate %s: %w", kind, err)
	}
	return item, nil
}

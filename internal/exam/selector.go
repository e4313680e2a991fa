package exam

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/samber/lo"

	"github.com/pavelanni/examgen/internal/model"
)

// TypeSelector picks the kind of each slot of an exam.
type TypeSelector interface {
	Select(ctx context.Context, gc model.GenerationContext, count int) ([]model.Kind, error)
}

// ResponseCache stores raw responses by exact key.
type ResponseCache interface {
	GetResponse(ctx context.Context, key string) (string, bool, error)
	SaveResponse(ctx context.Context, key, payload string) error
}

// CachedSelector answers repeated selections from a response cache.
// Cache failures fall through to the wrapped selector.
type CachedSelector struct {
	Next  TypeSelector
	Cache ResponseCache
}

func selectorKey(gc model.GenerationContext, count int) string {
	return fmt.Sprintf("selector\x00%s\x00%s\x00%d", gc.Subject, gc.Prompt, count)
}

func (s *CachedSelector) Select(ctx context.Context, gc model.GenerationContext, count int) ([]model.Kind, error) {
	key := selectorKey(gc, count)
	if payload, found, err := s.Cache.GetResponse(ctx, key); err != nil {
		slog.Warn("selector cache read failed", "error", err)
	} else if found {
		var kinds []model.Kind
		if err := json.Unmarshal([]byte(payload), &kinds); err == nil && len(kinds) > 0 {
			return kinds, nil
		}
	}

	kinds, err := s.Next.Select(ctx, gc, count)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(kinds); err == nil {
		if err := s.Cache.SaveResponse(ctx, key, string(data)); err != nil {
			slog.Warn("selector cache write failed", "error", err)
		}
	}
	return kinds, nil
}

// roundRobin repeats kinds cyclically up to n entries.
func roundRobin(kinds []model.Kind, n int) []model.Kind {
	if len(kinds) == 0 {
		return nil
	}
	return lo.Times(n, func(i int) model.Kind { return kinds[i%len(kinds)] })
}

// normalizeKinds maps kinds outside served to single_choice and pads or
// truncates the result to n entries.
func normalizeKinds(kinds []model.Kind, served []model.Kind, n int) []model.Kind {
	out := lo.Map(kinds, func(k model.Kind, _ int) model.Kind {
		if lo.Contains(served, k) {
			return k
		}
		return model.KindSingleChoice
	})
	for len(out) < n {
		out = append(out, model.KindSingleChoice)
	}
	return out[:n]
}

// enforceDiversity replaces a list of three or more identical kinds with
// the default round-robin mix.
func enforceDiversity(kinds []model.Kind) []model.Kind {
	if len(kinds) >= 3 && len(lo.Uniq(kinds)) == 1 {
		return roundRobin(model.DefaultKinds, len(kinds))
	}
	return kinds
}

// unfilled returns the kinds of requested that are not matched by an
// entry of filled, preserving the order of requested.
func unfilled(requested, filled []model.Kind) []model.Kind {
	left := lo.CountValues(filled)
	return lo.Filter(requested, func(k model.Kind, _ int) bool {
		if left[k] > 0 {
			left[k]--
			return false
		}
		return true
	})
}

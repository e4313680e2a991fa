package llm

import (
	"context"
	"fmt"

	"github.com/invopop/jsonschema"
	"github.com/samber/lo"

	"github.com/pavelanni/examgen/internal/llm/prompts"
	"github.com/pavelanni/examgen/internal/model"
)

// Generator produces items of one kind through a Completer.
type Generator struct {
	kind       model.Kind
	completer  Completer
	media      *Media
	language   string
	schema     *jsonschema.Schema
	schemaText []byte
}

// NewGenerator creates a generator for kind. media may be nil, in which
// case image and audio items carry only their prompt and script.
func NewGenerator(kind model.Kind, c Completer, media *Media, language string) *Generator {
	s := schemaFor(kind)
	return &Generator{
		kind:       kind,
		completer:  c,
		media:      media,
		language:   language,
		schema:     s,
		schemaText: schemaJSON(s),
	}
}

// Generators returns a generator for every kind.
func Generators(c Completer, media *Media, language string) map[model.Kind]*Generator {
	gens := make(map[model.Kind]*Generator, len(model.AllKinds))
	for _, k := range model.AllKinds {
		gens[k] = NewGenerator(k, c, media, language)
	}
	return gens
}

// Kind returns the kind this generator produces.
func (g *Generator) Kind() model.Kind { return g.kind }

// Generate asks the model for one item. The item is validated, and media
// is rendered when enabled; a rendering failure fails the call.
func (g *Generator) Generate(ctx context.Context, gc model.GenerationContext) (model.Item, error) {
	system, user, err := prompts.BuildItemPrompt(g.kind, gc, g.language, g.schemaText)
	if err != nil {
		return model.Item{}, fmt.Errorf("build prompt: %w", err)
	}
	raw, err := g.completer.Complete(ctx, Completion{
		System:      system,
		User:        user,
		Temperature: gc.Temperature,
		SchemaName:  string(g.kind),
		Schema:      g.schema,
	})
	if err != nil {
		return model.Item{}, err
	}
	item, err := parseItem(g.kind, raw)
	if err != nil {
		return model.Item{}, err
	}
	if err := item.Validate(); err != nil {
		return model.Item{}, fmt.Errorf("invalid %s item: %w", g.kind, err)
	}
	if g.media != nil {
		if err := g.media.Render(ctx, &item); err != nil {
			return model.Item{}, fmt.Errorf("render media: %w", err)
		}
	}
	return item, nil
}

// Selector picks item kinds for an exam through a Completer.
type Selector struct {
	completer Completer
	schema    *jsonschema.Schema
}

func NewSelector(c Completer) *Selector {
	return &Selector{completer: c, schema: reflectSchema(&genSelection{})}
}

// Select asks the model for count kinds. Kinds not available for the
// subject are replaced with single_choice; the length is not adjusted.
func (s *Selector) Select(ctx context.Context, gc model.GenerationContext, count int) ([]model.Kind, error) {
	available := model.KindsForSubject(gc.Subject)
	system, user, err := prompts.BuildSelectorPrompt(gc, available, count)
	if err != nil {
		return nil, fmt.Errorf("build prompt: %w", err)
	}
	raw, err := s.completer.Complete(ctx, Completion{
		System:      system,
		User:        user,
		Temperature: gc.Temperature,
		SchemaName:  "question_types",
		Schema:      s.schema,
	})
	if err != nil {
		return nil, err
	}
	var sel genSelection
	if err := decode(raw, &sel); err != nil {
		return nil, err
	}
	if len(sel.Types) == 0 {
		return nil, fmt.Errorf("selector returned no types (raw: %s)", raw)
	}
	kinds := make([]model.Kind, len(sel.Types))
	for i, t := range sel.Types {
		k := model.Kind(t)
		if !lo.Contains(available, k) {
			k = model.KindSingleChoice
		}
		kinds[i] = k
	}
	return kinds, nil
}

package store

import (
	"context"
	"testing"

	"github.com/pavelanni/examgen/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("newTestStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testItem(text string) model.Item {
	return model.Item{
		Kind:        model.KindSingleChoice,
		Text:        text,
		Explanation: "explanation for " + text,
		Choice:      &model.Choice{Options: []string{"a", "b", "c", "d"}, Correct: []int{0}},
	}
}

func blankItem(text string) model.Item {
	return model.Item{
		Kind:        model.KindFillInBlanks,
		Text:        text,
		Explanation: "explanation for " + text,
		Blanks:      &model.Blanks{Count: 1, Answers: []string{"go"}},
	}
}

func TestPutIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inserted, err := s.Put(ctx, "fp1", testItem("What is Go?"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !inserted {
		t.Error("expected first Put to insert")
	}

	// Same content with a different exam-local id.
	again := testItem("What is Go?")
	again.ID = 42
	inserted, err = s.Put(ctx, "fp1", again)
	if err != nil {
		t.Fatalf("Put again: %v", err)
	}
	if inserted {
		t.Error("expected second Put to be a no-op")
	}

	items, err := s.GetAll(ctx, "fp1")
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	if items[0].Item.ID != 0 {
		t.Errorf("expected stored id 0, got %d", items[0].Item.ID)
	}
}

func TestGetAllScopedByFingerprint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, it := range []model.Item{testItem("Q1"), blankItem("Q2 ___")} {
		if _, err := s.Put(ctx, "fp1", it); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if _, err := s.Put(ctx, "fp2", testItem("Q3")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	items, err := s.GetAll(ctx, "fp1")
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	kinds := map[model.Kind]bool{}
	for _, ci := range items {
		if ci.Fingerprint != "fp1" {
			t.Errorf("expected fingerprint fp1, got %s", ci.Fingerprint)
		}
		if ci.ContentHash == "" {
			t.Error("empty content hash")
		}
		kinds[ci.Kind] = true
	}
	if !kinds[model.KindSingleChoice] || !kinds[model.KindFillInBlanks] {
		t.Errorf("expected both kinds, got %v", kinds)
	}

	empty, err := s.GetAll(ctx, "missing")
	if err != nil {
		t.Fatalf("GetAll missing: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("expected no items, got %d", len(empty))
	}
}

func TestRemove(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	item := blankItem("Fill ___")
	if _, err := s.Put(ctx, "fp", item); err != nil {
		t.Fatalf("Put: %v", err)
	}

	item.ID = 3
	kind, found, err := s.Remove(ctx, "fp", item)
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if !found {
		t.Fatal("expected item to be found")
	}
	if kind != model.KindFillInBlanks {
		t.Errorf("expected kind fill_in_blanks, got %s", kind)
	}

	_, found, err = s.Remove(ctx, "fp", item)
	if err != nil {
		t.Fatalf("Remove again: %v", err)
	}
	if found {
		t.Error("expected second Remove to report not found")
	}

	count, err := s.ItemCount(ctx)
	if err != nil {
		t.Fatalf("ItemCount: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 items, got %d", count)
	}
}

func TestMediaURLKeptInPayload(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	item := model.Item{
		Kind:   model.KindImageSingleChoice,
		Text:   "What animal is shown?",
		Choice: &model.Choice{Options: []string{"cat", "dog"}, Correct: []int{0}},
		Image:  &model.Image{Prompt: "a cat", URL: "https://img.example/cat.png"},
	}
	if _, err := s.Put(ctx, "fp", item); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Same content rendered to a different URL is the same cached item.
	other := item
	other.Image = &model.Image{Prompt: "a cat", URL: "https://img.example/other.png"}
	inserted, err := s.Put(ctx, "fp", other)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if inserted {
		t.Error("expected media URL to be ignored for identity")
	}

	items, err := s.GetAll(ctx, "fp")
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(items) != 1 || items[0].Item.Image == nil || items[0].Item.Image.URL != "https://img.example/cat.png" {
		t.Errorf("expected stored image URL, got %+v", items)
	}
}

func TestResponseCache(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, found, err := s.GetResponse(ctx, "missing")
	if err != nil {
		t.Fatalf("GetResponse: %v", err)
	}
	if found {
		t.Error("expected missing key")
	}

	if err := s.SaveResponse(ctx, "key", `["single_choice"]`); err != nil {
		t.Fatalf("SaveResponse: %v", err)
	}
	if err := s.SaveResponse(ctx, "key", `["multi_choice"]`); err != nil {
		t.Fatalf("SaveResponse overwrite: %v", err)
	}

	payload, found, err := s.GetResponse(ctx, "key")
	if err != nil {
		t.Fatalf("GetResponse: %v", err)
	}
	if !found {
		t.Fatal("expected key to be found")
	}
	if payload != `["multi_choice"]` {
		t.Errorf("expected overwritten payload, got %q", payload)
	}
}

func TestExportAndStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	puts := []struct {
		fp   string
		item model.Item
	}{
		{"fpA", testItem("A1")},
		{"fpA", blankItem("A2 ___")},
		{"fpB", testItem("B1")},
	}
	for _, p := range puts {
		if _, err := s.Put(ctx, p.fp, p.item); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	export, err := s.ExportItems(ctx)
	if err != nil {
		t.Fatalf("ExportItems: %v", err)
	}
	if export.Fingerprints != 2 {
		t.Errorf("expected 2 fingerprints, got %d", export.Fingerprints)
	}
	if export.Items != 3 {
		t.Errorf("expected 3 items, got %d", export.Items)
	}
	if export.Groups[0].Fingerprint != "fpA" || len(export.Groups[0].Items) != 2 {
		t.Errorf("unexpected first group: %+v", export.Groups[0])
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	got := map[model.Kind]int{}
	for _, kc := range stats {
		got[kc.Kind] = kc.Count
	}
	if got[model.KindSingleChoice] != 2 {
		t.Errorf("expected 2 single_choice, got %d", got[model.KindSingleChoice])
	}
	if got[model.KindFillInBlanks] != 1 {
		t.Errorf("expected 1 fill_in_blanks, got %d", got[model.KindFillInBlanks])
	}
}

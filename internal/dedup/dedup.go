// Package dedup detects content-identical exam items.
package dedup

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"golang.org/x/crypto/blake2b"

	"github.com/pavelanni/examgen/internal/model"
)

// Canonical returns a copy of item with identity and rendered media
// stripped. Choice and blank slices are deep-copied.
func Canonical(item model.Item) model.Item {
	c := item
	c.ID = 0
	if item.Choice != nil {
		ch := *item.Choice
		ch.Options = append([]string(nil), item.Choice.Options...)
		ch.Correct = append([]int(nil), item.Choice.Correct...)
		c.Choice = &ch
	}
	if item.Blanks != nil {
		b := *item.Blanks
		b.Answers = append([]string(nil), item.Blanks.Answers...)
		c.Blanks = &b
	}
	if item.Image != nil {
		img := *item.Image
		img.URL = ""
		c.Image = &img
	}
	if item.Audio != nil {
		a := *item.Audio
		a.Script = append([]model.DialogueLine(nil), item.Audio.Script...)
		a.URL = ""
		c.Audio = &a
	}
	return c
}

// ContentHash is the hex BLAKE2b-256 of the canonical JSON of item.
func ContentHash(item model.Item) (string, error) {
	data, err := json.Marshal(Canonical(item))
	if err != nil {
		return "", fmt.Errorf("marshal item: %w", err)
	}
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Set is a running set of content hashes. The zero value is not usable;
// call NewSet.
type Set struct {
	mu     sync.Mutex
	hashes map[string]struct{}
}

func NewSet() *Set {
	return &Set{hashes: make(map[string]struct{})}
}

// Seed marks hashes as already seen.
func (s *Set) Seed(hashes ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range hashes {
		s.hashes[h] = struct{}{}
	}
}

// SeedItems marks items as already seen. Items that cannot be hashed are skipped.
func (s *Set) SeedItems(items ...model.Item) {
	for _, it := range items {
		if h, err := ContentHash(it); err == nil {
			s.Seed(h)
		}
	}
}

// Has reports whether hash has been seen.
func (s *Set) Has(hash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.hashes[hash]
	return ok
}

// Accept records item and returns true if its content was not seen before.
// Items that cannot be hashed are rejected.
func (s *Set) Accept(item model.Item) bool {
	h, err := ContentHash(item)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.hashes[h]; ok {
		return false
	}
	s.hashes[h] = struct{}{}
	return true
}

// Len returns the number of distinct hashes seen.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.hashes)
}

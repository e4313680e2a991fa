package store

import (
	"context"
	"fmt"
	"time"

	"github.com/pavelanni/examgen/internal/model"
)

// ExportItems builds an export document with all cached items grouped by fingerprint.
func (s *Store) ExportItems(ctx context.Context) (model.CacheExport, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT fingerprint, content_hash, kind, payload, created_at
		 FROM item_cache ORDER BY fingerprint, created_at, content_hash`,
	)
	if err != nil {
		return model.CacheExport{}, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	items, err := scanCachedItems(rows)
	if err != nil {
		return model.CacheExport{}, fmt.Errorf("scan items: %w", err)
	}

	export := model.CacheExport{
		ExportedAt: time.Now().UTC(),
		Items:      len(items),
		Groups:     []model.FingerprintGroup{},
	}
	for _, ci := range items {
		n := len(export.Groups)
		if n == 0 || export.Groups[n-1].Fingerprint != ci.Fingerprint {
			export.Groups = append(export.Groups, model.FingerprintGroup{Fingerprint: ci.Fingerprint})
			n++
		}
		export.Groups[n-1].Items = append(export.Groups[n-1].Items, ci)
	}
	export.Fingerprints = len(export.Groups)
	return export, nil
}

// Stats returns the number of cached items per kind, ordered by kind.
func (s *Store) Stats(ctx context.Context) ([]model.KindCount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, COUNT(*) FROM item_cache GROUP BY kind ORDER BY kind`,
	)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	var counts []model.KindCount
	for rows.Next() {
		var kc model.KindCount
		var kind string
		if err := rows.Scan(&kind, &kc.Count); err != nil {
			return nil, err
		}
		kc.Kind = model.Kind(kind)
		counts = append(counts, kc)
	}
	return counts, rows.Err()
}

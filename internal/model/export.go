package model

import "time"

// CacheExport is the top-level JSON structure written by the export command.
type CacheExport struct {
	ExportedAt   time.Time          `json:"exported_at"`
	Fingerprints int                `json:"fingerprints"`
	Items        int                `json:"items"`
	Groups       []FingerprintGroup `json:"groups"`
}

// FingerprintGroup holds every cached item stored under one fingerprint.
type FingerprintGroup struct {
	Fingerprint string       `json:"fingerprint"`
	Items       []CachedItem `json:"items"`
}

// KindCount is one row of the cache statistics.
type KindCount struct {
	Kind  Kind `json:"kind"`
	Count int  `json:"count"`
}

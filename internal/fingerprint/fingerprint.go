// Package fingerprint derives the cache key of a generation context.
//
// The encoding is a version tag followed by length-prefixed fields, so no
// choice of prompt or style text can shift a field boundary. Auxiliary
// digests are lower-cased, trimmed and sorted before encoding.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"slices"
	"strings"

	"github.com/pavelanni/examgen/internal/model"
)

const version = "examgen/fp/v1"

// Fingerprint is a SHA-256 digest of a canonical generation context.
type Fingerprint [sha256.Size]byte

// String returns the lowercase hex form used as the store key.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// Short returns a prefix suitable for log lines.
func (f Fingerprint) Short() string {
	return f.String()[:12]
}

// Compute returns the fingerprint of c. It does not modify c.
func Compute(c model.GenerationContext) Fingerprint {
	return sha256.Sum256(Encode(c))
}

// Encode returns the canonical byte form of c.
func Encode(c model.GenerationContext) []byte {
	var buf []byte
	buf = appendField(buf, version)
	buf = appendField(buf, c.Prompt)

	digests := CanonicalDigests(c.Digests)
	buf = binary.AppendUvarint(buf, uint64(len(digests)))
	for _, d := range digests {
		buf = appendField(buf, d)
	}

	t := c.Temperature
	if t == 0 {
		t = 0 // folds -0 into +0
	}
	buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(t))

	buf = appendField(buf, c.Style)
	buf = appendField(buf, c.Subject)
	return buf
}

// CanonicalDigests returns a sorted, normalized copy of digests.
func CanonicalDigests(digests []string) []string {
	out := make([]string, 0, len(digests))
	for _, d := range digests {
		out = append(out, strings.ToLower(strings.TrimSpace(d)))
	}
	slices.Sort(out)
	return out
}

func appendField(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

// Package backfill turns gap signals into deduplicated recovery runs.
package backfill

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// RequestID derives the stable dedup key for a gap. Identifiers are sorted
// before hashing so the same gap reported in any order maps to the same key,
// and capped at maxIdentifiers so one enormous gap cannot produce an
// unbounded recovery request.
func RequestID(gapType string, identifiers []string, maxIdentifiers int) string {
	ids := CapIdentifiers(identifiers, maxIdentifiers)
	sum := sha256.Sum256([]byte(gapType + "|" + strings.Join(ids, ",")))
	return hex.EncodeToString(sum[:])
}

// CapIdentifiers returns a sorted copy of identifiers truncated to max
// entries. max <= 0 means no cap.
func CapIdentifiers(identifiers []string, max int) []string {
	ids := append([]string(nil), identifiers...)
	sort.Strings(ids)
	if max > 0 && len(ids) > max {
		ids = ids[:max]
	}
	return ids
}

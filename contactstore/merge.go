package contactstore

import (
	"errors"
	"sort"
)

// ErrNoSuchContact is returned by Migrate when oldPID has no record.
var ErrNoSuchContact = errors.New("contactstore: no such contact")

// mergeHistory concatenates a and b, deduplicates by message ID (keeping
// the first occurrence encountered, which is always from the pre-existing
// record a so locally-applied edits/deletes aren't clobbered), and sorts
// the result by TS — per spec.md §3's merge invariant.
func mergeHistory(a, b []ChatMessage) []ChatMessage {
	seen := make(map[string]bool, len(a)+len(b))
	merged := make([]ChatMessage, 0, len(a)+len(b))

	for _, m := range a {
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		merged = append(merged, m)
	}
	for _, m := range b {
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		merged = append(merged, m)
	}

	sort.Slice(merged, func(i, j int) bool { return merged[i].TS < merged[j].TS })
	return merged
}

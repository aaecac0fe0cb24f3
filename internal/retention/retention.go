// Package retention decides which backups to delete once a location holds
// more than its configured keep count.
package retention

import (
	"sort"
	"time"
)

// Unlimited disables pruning when used as a keep count.
const Unlimited = -1

// Candidate is one existing backup at a location.
type Candidate struct {
	// ID names the backup the way the owning store addresses it
	// (file name, object key, remote file ID).
	ID string
	// Timestamp is the creation time recovered from the backup's name.
	// Backups with unparsable names carry their fallback time here and
	// are marked Unparsed so ties sort them first.
	Timestamp time.Time
	Unparsed  bool
}

// SelectForDeletion returns the IDs of the oldest candidates in excess of
// keep, oldest first. A negative keep means unlimited retention and always
// selects nothing. The input slice is not modified.
func SelectForDeletion(candidates []Candidate, keep int) []string {
	if keep < 0 || len(candidates) <= keep {
		return nil
	}

	sorted := make([]Candidate, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Unparsed != b.Unparsed {
			return a.Unparsed
		}
		return a.Timestamp.Before(b.Timestamp)
	})

	excess := len(sorted) - keep
	ids := make([]string, 0, excess)
	for _, c := range sorted[:excess] {
		ids = append(ids, c.ID)
	}
	return ids
}

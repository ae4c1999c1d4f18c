package deploy

import (
	"sort"
)

// Prune selects the jails to destroy so that at most keep jails remain,
// counting current. Names sort chronologically, so the oldest go first.
// current is never selected.
func Prune(names []string, current string, keep int) []string {
	others := make([]string, 0, len(names))
	for _, name := range names {
		if name != current {
			others = append(others, name)
		}
	}
	sort.Strings(others)

	retain := keep - 1
	if retain < 0 {
		retain = 0
	}
	if len(others) <= retain {
		return nil
	}
	return others[:len(others)-retain]
}

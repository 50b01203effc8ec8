// Package membership tracks the authoritative room member list reported by
// the relay and computes join/leave deltas against it.
package membership

import "sort"

// Tracker owns the current member set for one room. It never infers
// membership locally; Apply replaces the stored set with whatever the relay
// broadcast, and the returned deltas drive session creation and teardown in
// the caller.
type Tracker struct {
	localID string
	members map[string]struct{}
}

func NewTracker(localID string) *Tracker {
	return &Tracker{
		localID: localID,
		members: make(map[string]struct{}),
	}
}

// Apply replaces the stored member set with current and returns the ids that
// joined and left since the previous call. The local id is stored but never
// reported in either delta. Deltas are sorted so callers act in a
// deterministic order; an unchanged set yields empty deltas.
func (t *Tracker) Apply(current []string) (joined, left []string) {
	next := make(map[string]struct{}, len(current))
	for _, id := range current {
		next[id] = struct{}{}
	}

	for id := range next {
		if id == t.localID {
			continue
		}
		if _, ok := t.members[id]; !ok {
			joined = append(joined, id)
		}
	}
	for id := range t.members {
		if id == t.localID {
			continue
		}
		if _, ok := next[id]; !ok {
			left = append(left, id)
		}
	}

	t.members = next

	sort.Strings(joined)
	sort.Strings(left)
	return joined, left
}

// Contains reports whether id is in the stored member set.
func (t *Tracker) Contains(id string) bool {
	_, ok := t.members[id]
	return ok
}

// Members returns a sorted copy of the stored member set.
func (t *Tracker) Members() []string {
	out := make([]string, 0, len(t.members))
	for id := range t.members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

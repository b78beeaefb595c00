package timetable

import (
	"sort"

	"unical/internal/model"
)

// ConflictSet holds the identity keys of events that overlap at least one
// other event. It carries membership only.
type ConflictSet map[model.Key]struct{}

// Has reports whether k is in the set.
func (s ConflictSet) Has(k model.Key) bool {
	_, ok := s[k]
	return ok
}

// Keys returns the members in a stable order, for output.
func (s ConflictSet) Keys() []model.Key {
	out := make([]model.Key, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Start != out[j].Start {
			return out[i].Start < out[j].Start
		}
		if out[i].Title != out[j].Title {
			return out[i].Title < out[j].Title
		}
		return out[i].Program < out[j].Program
	})
	return out
}

// Overlaps is the strict interval test: intervals that only touch do not
// overlap.
func Overlaps(a, b model.Event) bool {
	return a.Start.Before(b.End) && b.Start.Before(a.End)
}

// Conflicts returns the keys of every event overlapping another distinct
// event in events, regardless of program. It sweeps events in start order
// while keeping the still-open intervals active.
func Conflicts(events []model.Event) ConflictSet {
	set := make(ConflictSet)
	if len(events) < 2 {
		return set
	}

	order := make([]int, len(events))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return events[order[i]].Start.Before(events[order[j]].Start)
	})

	active := make([]int, 0, 8)
	for _, cur := range order {
		ev := events[cur]

		// Drop intervals that ended at or before this start; later events
		// start no earlier, so they cannot overlap them either.
		kept := active[:0]
		for _, a := range active {
			if events[a].End.After(ev.Start) {
				kept = append(kept, a)
			}
		}
		active = kept

		for _, a := range active {
			if Overlaps(events[a], ev) {
				set[events[a].Key()] = struct{}{}
				set[ev.Key()] = struct{}{}
			}
		}
		active = append(active, cur)
	}
	return set
}

package timetable

import (
	"sort"

	"unical/internal/model"
)

// dupKey identifies exact duplicates: same title on the same date with the
// same start and end time. The owning program does not participate.
type dupKey struct {
	title string
	start int64
	end   int64
}

// Aggregate merges lists into one slice in first-seen order, keeping only
// the first of any duplicates. It does not sort.
func Aggregate(lists ...[]model.Event) []model.Event {
	total := 0
	for _, l := range lists {
		total += len(l)
	}
	seen := make(map[dupKey]struct{}, total)
	out := make([]model.Event, 0, total)
	for _, l := range lists {
		for _, ev := range l {
			k := dupKey{title: ev.Title, start: ev.Start.UnixNano(), end: ev.End.UnixNano()}
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, ev)
		}
	}
	return out
}

// SortChronological returns a copy of events ordered by start, then end,
// then title.
func SortChronological(events []model.Event) []model.Event {
	out := make([]model.Event, len(events))
	copy(out, events)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		if !a.End.Equal(b.End) {
			return a.End.Before(b.End)
		}
		return a.Title < b.Title
	})
	return out
}

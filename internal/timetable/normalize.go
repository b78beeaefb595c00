package timetable

import (
	"errors"
	"fmt"
	"strings"
	"time"

	appLog "unical/internal/log"
	"unical/internal/metrics"
	"unical/internal/model"
)

// Rejection reasons reported in Warnings.
const (
	ReasonMissingTitle = "missing_title"
	ReasonBadStart     = "bad_start"
	ReasonBadEnd       = "bad_end"
	ReasonEmptyRange   = "empty_range"
	ReasonBadYear      = "bad_year"
)

// Layouts tried in order. Zone-less layouts are read in the normalizer's
// location.
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// RejectError explains why a raw record did not become an Event.
type RejectError struct {
	Reason string
	Err    error
}

func (e *RejectError) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *RejectError) Unwrap() error { return e.Err }

// Warnings tallies records the normalizer refused.
type Warnings struct {
	Rejected int            `json:"rejected"`
	Reasons  map[string]int `json:"reasons,omitempty"`
}

func (w *Warnings) add(reason string) {
	if w.Reasons == nil {
		w.Reasons = make(map[string]int)
	}
	w.Rejected++
	w.Reasons[reason]++
}

// Merge returns the sum of w and o.
func (w Warnings) Merge(o Warnings) Warnings {
	out := Warnings{Rejected: w.Rejected + o.Rejected}
	if len(w.Reasons)+len(o.Reasons) == 0 {
		return out
	}
	out.Reasons = make(map[string]int, len(w.Reasons)+len(o.Reasons))
	for k, v := range w.Reasons {
		out.Reasons[k] += v
	}
	for k, v := range o.Reasons {
		out.Reasons[k] += v
	}
	return out
}

// Normalizer turns raw upstream records into events.
type Normalizer struct {
	loc *time.Location
}

// NewNormalizer reads zone-less timestamps in loc (UTC when nil).
func NewNormalizer(loc *time.Location) *Normalizer {
	if loc == nil {
		loc = time.UTC
	}
	return &Normalizer{loc: loc}
}

// Normalize converts recs in order. Records with unusable data are skipped
// and counted; they are never defaulted to the current time.
func (n *Normalizer) Normalize(recs []model.RawRecord) ([]model.Event, Warnings) {
	var warn Warnings
	out := make([]model.Event, 0, len(recs))
	for _, r := range recs {
		ev, err := n.Event(r)
		if err != nil {
			var rej *RejectError
			reason := "invalid"
			if errors.As(err, &rej) {
				reason = rej.Reason
			}
			warn.add(reason)
			appLog.Debug("timetable record rejected", "reason", reason, "program", r.Program, "year", r.Year, "title", r.Title)
			continue
		}
		out = append(out, ev)
	}
	for reason, count := range warn.Reasons {
		metrics.RecordRejected(reason, count)
	}
	if warn.Rejected > 0 {
		appLog.Warn("timetable records rejected", "rejected", warn.Rejected, "accepted", len(out))
	}
	return out, warn
}

// Event converts a single record.
func (n *Normalizer) Event(r model.RawRecord) (model.Event, error) {
	if strings.TrimSpace(r.Title) == "" {
		return model.Event{}, &RejectError{Reason: ReasonMissingTitle}
	}
	if r.Year <= 0 {
		return model.Event{}, &RejectError{Reason: ReasonBadYear, Err: fmt.Errorf("year %d", r.Year)}
	}
	start, err := n.parseTime(r.Start)
	if err != nil {
		return model.Event{}, &RejectError{Reason: ReasonBadStart, Err: err}
	}
	end, err := n.parseTime(r.End)
	if err != nil {
		return model.Event{}, &RejectError{Reason: ReasonBadEnd, Err: err}
	}
	if !start.Before(end) {
		return model.Event{}, &RejectError{Reason: ReasonEmptyRange, Err: fmt.Errorf("start %s not before end %s", r.Start, r.End)}
	}

	var locs []model.Location
	if len(r.Rooms) > 0 {
		locs = make([]model.Location, len(r.Rooms))
		for i, room := range r.Rooms {
			locs[i] = model.Location{
				Building:  room.Building,
				Floor:     room.Floor,
				Address:   room.Address,
				Placement: room.Placement,
				Room:      room.Room,
			}
		}
	}

	return model.Event{
		Title:      r.Title,
		Teacher:    r.Teacher,
		Start:      start,
		End:        end,
		Year:       r.Year,
		Program:    r.Program,
		Credits:    int(r.Credits),
		Locations:  locs,
		MeetingURL: r.Teams,
		Note:       r.Note,
	}, nil
}

func (n *Normalizer) parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	for _, layout := range timeLayouts {
		var (
			t   time.Time
			err error
		)
		if layout == time.RFC3339 {
			t, err = time.Parse(layout, s)
		} else {
			t, err = time.ParseInLocation(layout, s, n.loc)
		}
		if err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/google/uuid"

	appLog "unical/internal/log"
	"unical/internal/metrics"
	"unical/internal/model"
)

// ErrExport is returned when a calendar could not be produced. No partial
// text accompanies it.
var ErrExport = errors.New("ics: export failed")

const (
	DefaultProductID    = "-//unical//University Timetable//EN"
	DefaultCalendarName = "University Timetable"

	// floatingLayout renders wall-clock time without a zone designator.
	floatingLayout = "20060102T150405"
	utcLayout      = "20060102T150405Z"
)

// uidNamespace scopes the UUIDv5 event identifiers.
var uidNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://unical.invalid/event"))

// ExportOptions tunes the calendar header and stamps. Zero values fall back
// to defaults.
type ExportOptions struct {
	ProductID    string
	CalendarName string
	// Now is used for DTSTAMP. Defaults to time.Now.
	Now func() time.Time
}

// Export renders events as an iCalendar document. Start and end are written
// as floating local times so the calendar shows exactly the upstream
// wall-clock. If any event is invalid, Export fails as a whole.
func Export(events []model.Event, opts ExportOptions) (string, error) {
	if opts.ProductID == "" {
		opts.ProductID = DefaultProductID
	}
	if opts.CalendarName == "" {
		opts.CalendarName = DefaultCalendarName
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	stamp := opts.Now().UTC().Format(utcLayout)

	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(opts.ProductID)
	cal.SetXWRCalName(opts.CalendarName)

	for i, e := range events {
		if err := validate(e); err != nil {
			return fail(fmt.Errorf("event %d (%q): %w", i, e.Title, err))
		}
		addEvent(cal, e, stamp)
	}

	var buf bytes.Buffer
	if err := cal.SerializeTo(&buf); err != nil {
		return fail(err)
	}

	appLog.Debug("ics export done", "events", len(events), "bytes", buf.Len())
	return buf.String(), nil
}

func fail(err error) (string, error) {
	metrics.RecordExportFailure()
	appLog.Error("ics export failed", err)
	return "", fmt.Errorf("%w: %v", ErrExport, err)
}

func validate(e model.Event) error {
	switch {
	case strings.TrimSpace(e.Title) == "":
		return errors.New("empty title")
	case e.Start.IsZero() || e.End.IsZero():
		return errors.New("missing start or end")
	case !e.Start.Before(e.End):
		return errors.New("start is not before end")
	}
	return nil
}

func addEvent(cal *ical.Calendar, e model.Event, stamp string) {
	ve := cal.AddEvent(EventUID(e))
	ve.SetProperty(ical.ComponentPropertyDtstamp, stamp)
	ve.SetProperty(ical.ComponentPropertyDtStart, e.Start.Format(floatingLayout))
	ve.SetProperty(ical.ComponentPropertyDtEnd, e.End.Format(floatingLayout))
	ve.SetProperty(ical.ComponentPropertySummary, e.Title)
	ve.SetProperty(ical.ComponentPropertyDescription, Description(e))
	if loc := Location(e); loc != "" {
		ve.SetProperty(ical.ComponentPropertyLocation, loc)
	}
	if e.Program != "" {
		ve.SetProperty(ical.ComponentPropertyCategories, e.Program)
	}
	ve.SetProperty(ical.ComponentPropertyStatus, "CONFIRMED")
	ve.SetProperty(ical.ComponentPropertyTransp, "OPAQUE")
	if e.MeetingURL != "" {
		ve.SetProperty(ical.ComponentPropertyUrl, e.MeetingURL)
	}
}

// EventUID is stable across exports of the same event. The end is part of
// the name because aggregation keeps events that differ only in their end.
func EventUID(e model.Event) string {
	name := e.Key().String() + "_" + e.End.UTC().Format(time.RFC3339)
	return uuid.NewSHA1(uidNamespace, []byte(name)).String()
}

// Description is the multi-line DESCRIPTION text.
func Description(e model.Event) string {
	var b strings.Builder
	b.WriteString("Course: " + e.Title)
	b.WriteString("\nTeacher: " + e.Teacher)
	b.WriteString("\nProgram: " + e.Program)
	if e.Note != "" {
		b.WriteString("\nNotes: " + e.Note)
	}
	return b.String()
}

// Location is "placement - room" of the first location, or "".
func Location(e model.Event) string {
	if len(e.Locations) == 0 {
		return ""
	}
	l := e.Locations[0]
	return l.Placement + " - " + l.Room
}

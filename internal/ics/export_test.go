package ics

import (
	"errors"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unical/internal/metrics"
	"unical/internal/model"
	"unical/internal/timetable"
)

func rome(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Rome")
	require.NoError(t, err)
	return loc
}

func sample(t *testing.T) []model.Event {
	loc := rome(t)
	return []model.Event{
		{
			Title:   "Analisi Matematica",
			Teacher: "Prof. Rossi",
			Program: "Alpha",
			Year:    1,
			Start:   time.Date(2024, 10, 7, 9, 0, 0, 0, loc),
			End:     time.Date(2024, 10, 7, 11, 0, 0, 0, loc),
			Locations: []model.Location{
				{Placement: "Plesso Belmeloro", Room: "Aula 2"},
				{Placement: "Ignored", Room: "Second"},
			},
			MeetingURL: "https://teams.example/meet/1",
		},
		{
			Title:   "Fisica",
			Teacher: "Prof. Bianchi",
			Program: "Beta",
			Year:    2,
			Start:   time.Date(2024, 10, 8, 14, 30, 0, 0, loc),
			End:     time.Date(2024, 10, 8, 16, 0, 0, 0, loc),
			Note:    "lab",
		},
	}
}

func fixedNow() time.Time { return time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC) }

func TestExportRoundTrip(t *testing.T) {
	events := sample(t)
	text, err := Export(events, ExportOptions{Now: fixedNow})
	require.NoError(t, err)

	assert.Contains(t, text, "BEGIN:VCALENDAR")
	assert.Contains(t, text, "PRODID:"+DefaultProductID)
	assert.Contains(t, text, "DTSTART:20241007T090000")
	assert.Contains(t, text, "DTEND:20241007T110000")
	assert.Contains(t, text, "DTSTAMP:20240901T120000Z")
	assert.NotContains(t, text, "DTSTART:20241007T070000Z")

	parsed, err := ParseICS([]byte(text), rome(t))
	require.NoError(t, err)
	require.Len(t, parsed, 2)

	for i, p := range parsed {
		e := events[i]
		assert.Equal(t, e.Title, p.Summary)
		assert.True(t, e.Start.Equal(p.Start), "start %d", i)
		assert.True(t, e.End.Equal(p.End), "end %d", i)
		assert.Equal(t, e.Program, p.Categories)
		assert.Equal(t, "CONFIRMED", p.Status)
		assert.Equal(t, EventUID(e), p.UID)
		assert.Contains(t, p.Description, "Teacher: "+e.Teacher)
		assert.False(t, p.AllDay)
	}
	assert.Equal(t, "Plesso Belmeloro - Aula 2", parsed[0].Location)
	assert.Equal(t, "https://teams.example/meet/1", parsed[0].URL)
	assert.Empty(t, parsed[1].Location)
	assert.Empty(t, parsed[1].URL)
}

func TestExportFailsAsAWhole(t *testing.T) {
	events := sample(t)
	bad := events[1]
	bad.End = bad.Start
	events = append(events, bad)

	before := testutil.ToFloat64(metrics.ExportFailures())
	text, err := Export(events, ExportOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExport))
	assert.Empty(t, text)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.ExportFailures()))

	_, err = Export([]model.Event{{Title: " ", Start: events[0].Start, End: events[0].End}}, ExportOptions{})
	assert.ErrorIs(t, err, ErrExport)

	_, err = Export([]model.Event{{Title: "No times"}}, ExportOptions{})
	assert.ErrorIs(t, err, ErrExport)
}

func TestExportEmptyCalendar(t *testing.T) {
	text, err := Export(nil, ExportOptions{CalendarName: "Empty"})
	require.NoError(t, err)
	assert.Contains(t, text, "BEGIN:VCALENDAR")
	assert.Contains(t, text, "X-WR-CALNAME:Empty")
	assert.NotContains(t, text, "BEGIN:VEVENT")
}

func TestDescriptionAndLocation(t *testing.T) {
	events := sample(t)
	assert.Equal(t, "Course: Analisi Matematica\nTeacher: Prof. Rossi\nProgram: Alpha", Description(events[0]))
	assert.Equal(t, "Course: Fisica\nTeacher: Prof. Bianchi\nProgram: Beta\nNotes: lab", Description(events[1]))
	assert.Equal(t, "Plesso Belmeloro - Aula 2", Location(events[0]))
	assert.Equal(t, "", Location(events[1]))
}

func TestEventUIDIsStable(t *testing.T) {
	events := sample(t)
	a := EventUID(events[0])
	assert.Equal(t, a, EventUID(events[0]))
	assert.NotEqual(t, a, EventUID(events[1]))

	moved := events[0]
	moved.Program = "Beta"
	assert.NotEqual(t, a, EventUID(moved))
}

func TestExportDistinctUIDsForDifferentEnds(t *testing.T) {
	short := sample(t)[0]
	long := short
	long.End = short.End.Add(time.Hour)

	survivors := timetable.Aggregate([]model.Event{short, long})
	require.Len(t, survivors, 2)
	assert.NotEqual(t, EventUID(survivors[0]), EventUID(survivors[1]))

	text, err := Export(survivors, ExportOptions{Now: fixedNow})
	require.NoError(t, err)

	parsed, err := ParseICS([]byte(text), rome(t))
	require.NoError(t, err)
	require.Len(t, parsed, 2)
	assert.NotEqual(t, parsed[0].UID, parsed[1].UID)
	assert.Equal(t, 2, strings.Count(text, "UID:"))
}

func TestParseICSTime(t *testing.T) {
	loc := rome(t)

	utc, err := parseICSTime("20250101T090000Z", loc)
	require.NoError(t, err)
	assert.Equal(t, time.UTC, utc.Location())

	floating, err := parseICSTime("20250101T090000", loc)
	require.NoError(t, err)
	assert.Equal(t, 9, floating.Hour())
	assert.Equal(t, loc, floating.Location())

	day, err := parseICSTime("20250101", loc)
	require.NoError(t, err)
	assert.Equal(t, 0, day.Hour())

	_, err = parseICSTime("  ", loc)
	assert.Error(t, err)
}

func TestParseICSSkipsBrokenEvents(t *testing.T) {
	body := strings.Join([]string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//test//EN",
		"BEGIN:VEVENT",
		"UID:ok",
		"SUMMARY:Kept",
		"DTSTART;VALUE=DATE:20241007",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"SUMMARY:No UID",
		"DTSTART:20241007T090000",
		"END:VEVENT",
		"END:VCALENDAR",
		"",
	}, "\r\n")

	parsed, err := ParseICS([]byte(body), rome(t))
	require.NoError(t, err)
	require.Len(t, parsed, 1)
	assert.Equal(t, "Kept", parsed[0].Summary)
	assert.True(t, parsed[0].AllDay)
	assert.Equal(t, parsed[0].Start.AddDate(0, 0, 1), parsed[0].End)

	_, err = ParseICS(nil, nil)
	assert.Error(t, err)
}

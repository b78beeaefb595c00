package timetable

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unical/internal/metrics"
	"unical/internal/model"
)

func TestFetchProgramYearCountByClass(t *testing.T) {
	up := newFakeUpstream(t)
	f := NewFetcher(Options{})
	ctx := context.Background()

	cases := []struct {
		kind  string
		prog  string
		years []int
	}{
		{"laurea", "Alpha", []int{1, 2, 3}},
		{"magistrale", "Beta", []int{1, 2}},
		{"magistralecu", "Gamma", []int{1, 2, 3, 4, 5, 6}},
	}
	for _, tc := range cases {
		recs := f.FetchProgram(ctx, model.ProgramDescriptor{Name: tc.prog, URL: up.url(tc.kind, tc.prog)})
		assert.Len(t, up.requestsFor(tc.prog), len(tc.years), tc.prog)
		// Results are tagged and ordered by the year they were issued for.
		assert.Equal(t, tc.years, yearsOf(recs), tc.prog)
		for _, r := range recs {
			assert.Equal(t, tc.prog, r.Program)
		}
	}
}

func TestFetchProgramExplicitYear(t *testing.T) {
	up := newFakeUpstream(t)
	f := NewFetcher(Options{})
	ctx := context.Background()

	recs := f.FetchProgram(ctx, model.ProgramDescriptor{Name: "Alpha", URL: up.url("laurea", "Alpha") + "?anno=2"})
	require.Len(t, up.requestsFor("Alpha"), 1)
	assert.Equal(t, []int{2}, yearsOf(recs))

	recs = f.FetchProgram(ctx, model.ProgramDescriptor{Name: "Beta", URL: up.url("magistrale", "Beta"), Year: 1})
	reqs := up.requestsFor("Beta")
	require.Len(t, reqs, 1)
	assert.Equal(t, "1", reqs[0].URL.Query().Get("anno"))
	assert.Equal(t, []int{1}, yearsOf(recs))
}

func TestFetchProgramSurvivesOneFailedYear(t *testing.T) {
	up := newFakeUpstream(t)
	up.fail["Alpha:2"] = http.StatusBadGateway
	f := NewFetcher(Options{})

	before := testutil.ToFloat64(metrics.UpstreamRequests(metrics.OutcomeStatus))
	recs := f.FetchProgram(context.Background(), model.ProgramDescriptor{Name: "Alpha", URL: up.url("laurea", "Alpha")})

	assert.Equal(t, []int{1, 3}, yearsOf(recs))
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.UpstreamRequests(metrics.OutcomeStatus)))
}

func TestFetchProgramTimeoutIsPerYear(t *testing.T) {
	up := newFakeUpstream(t)
	up.slow["Beta:1"] = 2 * time.Second
	f := NewFetcher(Options{Timeout: 100 * time.Millisecond})

	recs := f.FetchProgram(context.Background(), model.ProgramDescriptor{Name: "Beta", URL: up.url("magistrale", "Beta")})
	assert.Equal(t, []int{2}, yearsOf(recs))
}

func TestFetchProgramUndecodableBody(t *testing.T) {
	up := newFakeUpstream(t)
	up.body["Beta:2"] = `{"error": "not an array"}`
	f := NewFetcher(Options{})

	recs := f.FetchProgram(context.Background(), model.ProgramDescriptor{Name: "Beta", URL: up.url("magistrale", "Beta")})
	assert.Equal(t, []int{1}, yearsOf(recs))
}

func TestFetchProgramCopiesCurricula(t *testing.T) {
	up := newFakeUpstream(t)
	f := NewFetcher(Options{UserAgent: "unical-test"})

	f.FetchProgram(context.Background(), model.ProgramDescriptor{
		Name: "Beta",
		URL:  up.url("magistrale", "Beta") + "?curricula=B55-000",
	})
	reqs := up.requestsFor("Beta")
	require.Len(t, reqs, 2)
	for _, r := range reqs {
		assert.Equal(t, "B55-000", r.URL.Query().Get("curricula"))
		assert.NotEmpty(t, r.URL.Query().Get("anno"))
		assert.Equal(t, "unical-test", r.Header.Get("User-Agent"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
	}
}

func TestFetchProgramManualYears(t *testing.T) {
	up := newFakeUpstream(t)
	f := NewFetcher(Options{ProgramYears: map[string]int{"Alpha": 4}})
	ctx := context.Background()

	recs := f.FetchProgram(ctx, model.ProgramDescriptor{Name: "Alpha", URL: up.url("laurea", "Alpha")})
	assert.Equal(t, []int{1, 2, 3, 4}, yearsOf(recs))

	// The descriptor's own override beats the configured one.
	recs = f.FetchProgram(ctx, model.ProgramDescriptor{Name: "Alpha", URL: up.url("laurea", "Alpha"), Years: 1})
	assert.Equal(t, []int{1}, yearsOf(recs))
}

func TestFetchProgramInvalidDescriptor(t *testing.T) {
	f := NewFetcher(Options{})
	ctx := context.Background()

	assert.Nil(t, f.FetchProgram(ctx, model.ProgramDescriptor{Name: "Broken", URL: "::not a url"}))
	assert.Nil(t, f.FetchProgram(ctx, model.ProgramDescriptor{Name: "Relative", URL: "/laurea/x"}))
	assert.Nil(t, f.FetchProgram(ctx, model.ProgramDescriptor{Name: "BadYear", URL: "https://x.example/laurea/x?anno=zero"}))
}

func TestFetchProgramUnreachableHost(t *testing.T) {
	up := newFakeUpstream(t)
	addr := up.url("laurea", "Alpha")
	up.Close()

	f := NewFetcher(Options{Timeout: time.Second})
	recs := f.FetchProgram(context.Background(), model.ProgramDescriptor{Name: "Alpha", URL: addr})
	assert.Empty(t, recs)
}

func TestFetcherCapsInFlightRequests(t *testing.T) {
	up := newFakeUpstream(t)
	up.hold = 50 * time.Millisecond
	f := NewFetcher(Options{MaxConcurrency: 2})

	recs := f.FetchProgram(context.Background(), model.ProgramDescriptor{Name: "Gamma", URL: up.url("magistralecu", "Gamma")})
	assert.Len(t, recs, 6)
	assert.LessOrEqual(t, up.maxInFlight.Load(), int32(2))
}

func TestFetcherPlan(t *testing.T) {
	f := NewFetcher(Options{})
	urls, err := f.Plan(model.ProgramDescriptor{
		Name:      "Beta",
		URL:       "https://corsi.unibo.it/magistrale/Beta/timetable/@@orario_reale_json",
		Curricula: "000-000",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://corsi.unibo.it/magistrale/Beta/timetable/@@orario_reale_json?anno=1&curricula=000-000",
		"https://corsi.unibo.it/magistrale/Beta/timetable/@@orario_reale_json?anno=2&curricula=000-000",
	}, urls)
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "https://corsi.unibo.it/laurea/x?...", redactURL("https://user:pw@corsi.unibo.it/laurea/x?anno=1"))
	assert.Equal(t, "timetable://...(redacted)", redactURL("no-host"))
}

package timetable

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	_ "time/tzdata"

	"unical/internal/model"
)

// fakeUpstream serves one record per (program path, year). Paths look like
// /laurea/Alpha/orario; the second segment names the program.
type fakeUpstream struct {
	*httptest.Server

	mu       sync.Mutex
	requests []*http.Request
	fail     map[string]int           // "Alpha:2" -> status
	slow     map[string]time.Duration // "Alpha:1" -> delay
	body     map[string]string        // raw body override

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	hold        time.Duration
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{
		fail: map[string]int{},
		slow: map[string]time.Duration{},
		body: map[string]string{},
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeUpstream) serve(w http.ResponseWriter, r *http.Request) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		cur := f.maxInFlight.Load()
		if n <= cur || f.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	f.mu.Lock()
	f.requests = append(f.requests, r.Clone(r.Context()))
	f.mu.Unlock()

	prog := programOf(r.URL.Path)
	year, _ := strconv.Atoi(r.URL.Query().Get("anno"))
	id := fmt.Sprintf("%s:%d", prog, year)

	delay := f.hold
	f.mu.Lock()
	if d, ok := f.slow[id]; ok {
		delay = d
	}
	status, failing := f.fail[id]
	body, overridden := f.body[id]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if failing {
		http.Error(w, "upstream broke", status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if overridden {
		_, _ = w.Write([]byte(body))
		return
	}
	_ = json.NewEncoder(w).Encode([]map[string]any{{
		"start":   fmt.Sprintf("2024-10-%02dT09:00:00", year),
		"end":     fmt.Sprintf("2024-10-%02dT11:00:00", year),
		"title":   fmt.Sprintf("%s course Y%d", prog, year),
		"docente": "Prof. " + prog,
		"cfu":     6,
		"aule": []map[string]string{{
			"des_edificio":   "Edificio " + prog,
			"des_ubicazione": "Plesso " + prog,
			"des_risorsa":    fmt.Sprintf("Aula %d", year),
		}},
	}})
}

func (f *fakeUpstream) requestsFor(prog string) []*http.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*http.Request
	for _, r := range f.requests {
		if programOf(r.URL.Path) == prog {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeUpstream) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeUpstream) url(kind, prog string) string {
	return f.URL + "/" + kind + "/" + prog + "/orario-lezioni/@@orario_reale_json"
}

func programOf(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

func yearsOf(recs []model.RawRecord) []int {
	out := make([]int, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Year)
	}
	return out
}

var rome = mustLoad("Europe/Rome")

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ev builds an event on 2024-10-07 from "HH:MM" bounds.
func ev(title, program, from, to string) model.Event {
	day := time.Date(2024, 10, 7, 0, 0, 0, 0, rome)
	return model.Event{
		Title:   title,
		Program: program,
		Year:    1,
		Start:   day.Add(clock(from)),
		End:     day.Add(clock(to)),
	}
}

func clock(hhmm string) time.Duration {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		panic(err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute
}

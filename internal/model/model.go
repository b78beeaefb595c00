package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Event is a single scheduled class after normalization. Events are never
// mutated once produced; every stage downstream of the normalizer passes
// them by value.
type Event struct {
	Title   string `json:"title"`
	Teacher string `json:"teacher"`

	// Start / End keep the wall clock the upstream authored, in the
	// location the normalizer resolved zone-less timestamps into.
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`

	Year    int    `json:"year"`
	Program string `json:"program"`
	Credits int    `json:"credits,omitempty"`

	Locations  []Location `json:"locations,omitempty"`
	MeetingURL string     `json:"meeting_url,omitempty"`
	Note       string     `json:"note,omitempty"`
}

// Location is one room entry of an event.
type Location struct {
	Building  string `json:"building,omitempty"`
	Floor     string `json:"floor,omitempty"`
	Address   string `json:"address,omitempty"`
	Placement string `json:"placement,omitempty"`
	Room      string `json:"room,omitempty"`
}

// Key is the identity of an event: (title, start, program). Start is kept
// as RFC 3339 text so keys compare by value and are safe as map keys.
type Key struct {
	Title   string
	Start   string
	Program string
}

// Key returns the identity key of e.
func (e Event) Key() Key {
	return Key{Title: e.Title, Start: e.Start.Format(time.RFC3339), Program: e.Program}
}

func (k Key) String() string {
	return k.Title + "_" + k.Start + "_" + k.Program
}

// MarshalText lets keys be used in JSON output (e.g. conflict lists).
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// RawRecord is one element of the upstream timetable JSON array. Year and
// Program are provenance tags set by the fetcher, not by upstream.
type RawRecord struct {
	Start   string    `json:"start"`
	End     string    `json:"end"`
	Title   string    `json:"title"`
	Teacher string    `json:"docente"`
	Credits Credits   `json:"cfu"`
	Rooms   []RawRoom `json:"aule"`
	Teams   string    `json:"teams"`
	Note    string    `json:"note"`

	Year    int    `json:"-"`
	Program string `json:"-"`
}

// RawRoom is one entry of the upstream "aule" list.
type RawRoom struct {
	Building  string `json:"des_edificio"`
	Floor     string `json:"des_piano"`
	Address   string `json:"des_indirizzo"`
	Placement string `json:"des_ubicazione"`
	Room      string `json:"des_risorsa"`
}

// Credits accepts the upstream "cfu" field as a number, a numeric string,
// an empty string or null. Non-numeric values decode to zero.
type Credits int

func (c *Credits) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*c = 0
		return nil
	}
	s := string(b)
	if b[0] == '"' {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		s = strings.TrimSpace(str)
	}
	if s == "" {
		*c = 0
		return nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		*c = Credits(n)
		return nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		*c = Credits(int(f))
		return nil
	}
	*c = 0
	return nil
}

// ProgramDescriptor identifies one study program to fetch. It is supplied
// by the caller and never mutated.
type ProgramDescriptor struct {
	Name string `json:"name" yaml:"name" koanf:"name" validate:"required"`
	URL  string `json:"url" yaml:"url" koanf:"url" validate:"required,url"`

	// Year pins a single academic year. Zero means "all years".
	Year int `json:"year,omitempty" yaml:"year,omitempty" koanf:"year" validate:"gte=0"`

	// Curricula is copied into every per-year request when set.
	Curricula string `json:"curricula,omitempty" yaml:"curricula,omitempty" koanf:"curricula"`

	// Years overrides the inferred year count. Zero means "infer".
	Years int `json:"years,omitempty" yaml:"years,omitempty" koanf:"years" validate:"gte=0"`
}

// ExplicitYear returns the pinned year, either from Year or from an "anno"
// query parameter already present in URL.
func (d ProgramDescriptor) ExplicitYear() (int, bool, error) {
	if d.Year > 0 {
		return d.Year, true, nil
	}
	u, err := url.Parse(d.URL)
	if err != nil {
		return 0, false, err
	}
	anno := u.Query().Get("anno")
	if anno == "" {
		return 0, false, nil
	}
	n, err := strconv.Atoi(anno)
	if err != nil || n <= 0 {
		return 0, false, fmt.Errorf("invalid anno parameter %q", anno)
	}
	return n, true, nil
}

// CurriculaParam returns Curricula, or the "curricula" parameter of URL.
func (d ProgramDescriptor) CurriculaParam() string {
	if d.Curricula != "" {
		return d.Curricula
	}
	u, err := url.Parse(d.URL)
	if err != nil {
		return ""
	}
	return u.Query().Get("curricula")
}

// Package program infers the degree type of a study program, and from it
// how many academic years of timetable exist.
package program

import "strings"

// Class is the inferred degree type.
type Class int

const (
	Bachelor Class = iota
	Master
	SingleCycle
)

func (c Class) String() string {
	switch c {
	case Master:
		return "master"
	case SingleCycle:
		return "single-cycle"
	default:
		return "bachelor"
	}
}

// Years is the default number of academic years for the class.
func (c Class) Years() int {
	switch c {
	case Master:
		return 2
	case SingleCycle:
		return 6
	default:
		return 3
	}
}

// rule matches a lowercased URL or program name. URL markers are checked
// for every rule before any name hint, and within each pass the first hit
// wins, so single-cycle markers must precede the master marker
// ("/magistralecu/" also contains "/magistrale"). Bachelor URLs such as
// "/laurea/" carry no rule: they fall through to the name hints and then
// to the default.
type rule struct {
	class   Class
	urlHas  []string
	nameHas []string
}

var rules = []rule{
	{
		class:   SingleCycle,
		urlHas:  []string{"/magistralecu/", "single-cycle", "singlecycle", "ciclo-unico", "ciclounico"},
		nameHas: []string{"single cycle", "ciclo unico", "6 year", "6-year"},
	},
	{
		class:  Master,
		urlHas: []string{"/magistrale/", "/2cycle/"},
	},
}

// Classify infers the class of a program from its timetable URL and its
// display name. The URL is authoritative; the name is only consulted when
// no URL marker matches. Unknown programs are treated as bachelor's degrees.
func Classify(rawURL, name string) Class {
	u := strings.ToLower(rawURL)
	for _, r := range rules {
		if containsAny(u, r.urlHas) {
			return r.class
		}
	}
	n := strings.ToLower(name)
	for _, r := range rules {
		if containsAny(n, r.nameHas) {
			return r.class
		}
	}
	return Bachelor
}

// YearCount resolves how many years to fetch. A positive override wins over
// inference.
func YearCount(rawURL, name string, override int) (int, Class) {
	c := Classify(rawURL, name)
	if override > 0 {
		return override, c
	}
	return c.Years(), c
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

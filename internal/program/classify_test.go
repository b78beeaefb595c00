package program

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyByURL(t *testing.T) {
	cases := []struct {
		url   string
		class Class
		years int
	}{
		{"https://corsi.unibo.it/laurea/IngegneriaInformatica/orario-lezioni/@@orario_reale_json", Bachelor, 3},
		{"https://corsi.unibo.it/magistrale/DigitalTransformationManagement/timetable/@@orario_reale_json", Master, 2},
		{"https://corsi.unibo.it/magistralecu/Medicina/orario-lezioni/@@orario_reale_json", SingleCycle, 6},
		{"https://corsi.unibo.it/2cycle/DigitalTransformationManagement/timetable/@@orario_reale_json", Master, 2},
		{"https://corsi.unibo.it/single-cycle/Pharmacy/timetable", SingleCycle, 6},
		{"https://corsi.unibo.it/Laurea/Economia/orario", Bachelor, 3},
		{"https://example.org/whatever", Bachelor, 3},
	}
	for _, tc := range cases {
		got := Classify(tc.url, "")
		assert.Equal(t, tc.class, got, tc.url)
		assert.Equal(t, tc.years, got.Years(), tc.url)
	}
}

func TestClassifyByName(t *testing.T) {
	assert.Equal(t, SingleCycle, Classify("https://example.org/x", "Law (Single Cycle)"))
	assert.Equal(t, SingleCycle, Classify("https://example.org/x", "Giurisprudenza ciclo unico"))
	assert.Equal(t, SingleCycle, Classify("https://example.org/x", "Medicine 6-year programme"))
}

func TestClassifyURLMarkerBeatsNameHint(t *testing.T) {
	assert.Equal(t, Master, Classify("https://corsi.unibo.it/magistrale/X", "6 year medicine"))
	// A bachelor URL is not a marker, so the name still applies.
	assert.Equal(t, SingleCycle, Classify("https://corsi.unibo.it/laurea/X", "Giurisprudenza ciclo unico"))

	n, c := YearCount("https://corsi.unibo.it/magistrale/Medicina/orario-lezioni", "Medicina ciclo unico", 0)
	assert.Equal(t, Master, c)
	assert.Equal(t, 2, n)

	// The name still decides when the URL carries no marker.
	assert.Equal(t, SingleCycle, Classify("https://example.org/x", "Medicina ciclo unico"))
}

func TestYearCountOverride(t *testing.T) {
	n, c := YearCount("https://corsi.unibo.it/magistrale/X", "X", 0)
	assert.Equal(t, 2, n)
	assert.Equal(t, Master, c)

	n, c = YearCount("https://corsi.unibo.it/magistrale/X", "X", 5)
	assert.Equal(t, 5, n)
	assert.Equal(t, Master, c)
}

func TestClassString(t *testing.T) {
	assert.Equal(t, "bachelor", Bachelor.String())
	assert.Equal(t, "master", Master.String())
	assert.Equal(t, "single-cycle", SingleCycle.String())
}

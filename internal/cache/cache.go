// Package cache stores aggregated timetable results keyed by the set of
// program descriptors that produced them. Callers receive a Cache by
// injection; nothing in the pipeline reads or writes it implicitly.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"unical/internal/model"
)

// Entry is one cached aggregation.
type Entry struct {
	Timestamp time.Time     `json:"timestamp"`
	Events    []model.Event `json:"events"`
}

// Cache is the get/set/invalidate contract used by the web layer.
type Cache interface {
	// Get returns the entry for key. ok is false on a miss or expiry.
	Get(ctx context.Context, key string) (entry Entry, ok bool, err error)
	Set(ctx context.Context, key string, entry Entry) error
	Invalidate(ctx context.Context, key string) error
}

// KeyFor derives a stable key from a descriptor set. The order of
// descriptors does not matter; anything that changes which years are
// fetched changes the key.
func KeyFor(descs []model.ProgramDescriptor) string {
	parts := make([]string, 0, len(descs))
	for _, d := range descs {
		// An invalid anno stays distinguishable through the URL itself.
		year, _, _ := d.ExplicitYear()
		parts = append(parts, fmt.Sprintf("%s|%s|%s|%d|%d", d.Name, d.URL, d.CurriculaParam(), year, d.Years))
	}
	sort.Strings(parts)
	sum := sha256.Sum256([]byte(strings.Join(parts, "\n")))
	return "events:" + hex.EncodeToString(sum[:12])
}

// Nop never stores anything; every Get is a miss.
type Nop struct{}

func (Nop) Get(context.Context, string) (Entry, bool, error) { return Entry{}, false, nil }
func (Nop) Set(context.Context, string, Entry) error         { return nil }
func (Nop) Invalidate(context.Context, string) error         { return nil }

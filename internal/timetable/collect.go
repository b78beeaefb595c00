package timetable

import (
	"context"

	"golang.org/x/sync/errgroup"

	appLog "unical/internal/log"
	"unical/internal/metrics"
	"unical/internal/model"
)

// ProgramFetcher is the part of Fetcher the Collector depends on.
type ProgramFetcher interface {
	FetchProgram(ctx context.Context, d model.ProgramDescriptor) []model.RawRecord
}

// Result is the outcome of one aggregation run.
type Result struct {
	Events   []model.Event
	Warnings Warnings
}

// Collector runs fetch and normalize for several programs concurrently and
// aggregates the results.
type Collector struct {
	fetcher    ProgramFetcher
	normalizer *Normalizer
}

func NewCollector(f ProgramFetcher, n *Normalizer) *Collector {
	return &Collector{fetcher: f, normalizer: n}
}

// Collect aggregates every descriptor. Program failures only shrink the
// result. If ctx is cancelled before all programs finish, the partial
// result is discarded and ctx.Err() is returned.
func (c *Collector) Collect(ctx context.Context, descs []model.ProgramDescriptor) (Result, error) {
	type slot struct {
		events []model.Event
		warn   Warnings
	}
	slots := make([]slot, len(descs))

	var g errgroup.Group
	for i, d := range descs {
		i, d := i, d
		g.Go(func() error {
			raw := c.fetcher.FetchProgram(ctx, d)
			events, warn := c.normalizer.Normalize(raw)
			slots[i] = slot{events: events, warn: warn}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		appLog.Warn("timetable collect cancelled; discarding partial result", "programs", len(descs))
		return Result{}, err
	}

	lists := make([][]model.Event, len(slots))
	var warn Warnings
	in := 0
	for i, s := range slots {
		lists[i] = s.events
		warn = warn.Merge(s.warn)
		in += len(s.events)
	}
	events := Aggregate(lists...)

	metrics.RecordDuplicates(in - len(events))
	metrics.SetAggregated(len(events))
	appLog.Info("timetable collect done",
		"programs", len(descs),
		"events", len(events),
		"duplicates", in-len(events),
		"rejected", warn.Rejected,
	)
	return Result{Events: events, Warnings: warn}, nil
}

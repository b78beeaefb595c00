package web

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	appLog "unical/internal/log"
	"unical/internal/model"
)

// Warmer re-aggregates a fixed descriptor set on a cron schedule and stores
// the result, so /api/events for those programs is served from cache.
type Warmer struct {
	srv     *Server
	descs   []model.ProgramDescriptor
	timeout time.Duration
	cron    *cron.Cron
}

// NewWarmer validates spec (standard 5-field cron syntax) and registers the
// refresh job. The schedule does not run until Start.
func NewWarmer(spec string, srv *Server, descs []model.ProgramDescriptor, timeout time.Duration) (*Warmer, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("invalid refresh schedule %q: %w", spec, err)
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	w := &Warmer{
		srv:     srv,
		descs:   descs,
		timeout: timeout,
		cron:    cron.New(),
	}
	if _, err := w.cron.AddFunc(spec, w.tick); err != nil {
		return nil, fmt.Errorf("register refresh job: %w", err)
	}
	return w, nil
}

func (w *Warmer) Start() {
	appLog.Info("cache warmer started", "programs", len(w.descs))
	w.cron.Start()
}

// Stop halts the schedule and waits for a running refresh to finish or ctx
// to expire.
func (w *Warmer) Stop(ctx context.Context) {
	done := w.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
	appLog.Info("cache warmer stopped")
}

// RunOnce refreshes the cached aggregation immediately.
func (w *Warmer) RunOnce(ctx context.Context) error {
	if len(w.descs) == 0 {
		return nil
	}
	snap, err := w.srv.refresh(ctx, w.descs)
	if err != nil {
		return err
	}
	appLog.Info("cache warmed", "programs", len(w.descs), "events", len(snap.events))
	return nil
}

func (w *Warmer) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	if err := w.RunOnce(ctx); err != nil {
		appLog.Error("cache warm failed", err)
	}
}

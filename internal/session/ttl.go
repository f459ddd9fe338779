package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// SweepCallback runs after every TTL sweep with the number of sessions
// removed. It is also the hook for transcript retention.
type SweepCallback func(ctx context.Context, listening, arguments int)

// StartTTLWorker sweeps idle sessions on the given cron schedule (for
// example "@every 5m") until ctx is done.
func StartTTLWorker(ctx context.Context, mgr *Manager, schedule string, onSweep SweepCallback) error {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		sweep(ctx, mgr, onSweep)
	})
	if err != nil {
		return fmt.Errorf("parse ttl schedule %q: %w", schedule, err)
	}

	c.Start()
	slog.Info("TTL worker started", "schedule", schedule)

	go func() {
		<-ctx.Done()
		stopped := c.Stop()
		<-stopped.Done()
		slog.Info("TTL worker shutting down", "reason", ctx.Err())
	}()
	return nil
}

func sweep(ctx context.Context, mgr *Manager, onSweep SweepCallback) {
	if ctx.Err() != nil {
		return
	}
	listening, arguments := mgr.SweepExpired()
	if listening > 0 || arguments > 0 {
		slog.Info("TTL worker removed idle sessions", "listening", listening, "arguments", arguments)
	}
	if onSweep != nil {
		onSweep(ctx, listening, arguments)
	}
}

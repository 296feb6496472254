package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"agentcore/internal/domain"
)

// JanitorConfig controls the retention sweep.
type JanitorConfig struct {
	MaxIdle    time.Duration // threads idle longer than this are deleted
	Schedule   string        // cron expression, e.g. "0 3 * * *"
	SweepLimit int           // max threads removed per sweep
}

// Janitor deletes threads whose last activity predates the retention window.
// Sweeps run on a cron schedule; Sweep may also be called directly.
type Janitor struct {
	store  domain.Store
	bus    domain.EventBus
	logger *slog.Logger
	cfg    JanitorConfig

	mu      sync.Mutex
	cron    *cron.Cron
	started bool
}

// NewJanitor creates a Janitor. Start must be called to begin scheduling.
func NewJanitor(st domain.Store, bus domain.EventBus, logger *slog.Logger, cfg JanitorConfig) *Janitor {
	return &Janitor{
		store:  st,
		bus:    bus,
		logger: logger,
		cfg:    cfg,
		cron:   cron.New(),
	}
}

// Start schedules the sweep and launches the cron runner.
func (j *Janitor) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.started {
		return nil
	}
	_, err := j.cron.AddFunc(j.cfg.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := j.Sweep(ctx); err != nil {
			j.logger.Error("retention sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("janitor: schedule %q: %w", j.cfg.Schedule, err)
	}
	j.cron.Start()
	j.started = true
	j.logger.Info("retention janitor started",
		"schedule", j.cfg.Schedule, "max_idle", j.cfg.MaxIdle, "sweep_limit", j.cfg.SweepLimit)
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.started {
		return
	}
	<-j.cron.Stop().Done()
	j.started = false
}

// Sweep removes up to SweepLimit threads idle past MaxIdle and reports how
// many were deleted. Individual delete failures are logged and skipped so one
// broken thread cannot wedge the sweep.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-j.cfg.MaxIdle)
	ids, err := j.store.StaleThreads(ctx, cutoff, j.cfg.SweepLimit)
	if err != nil {
		return 0, fmt.Errorf("janitor: stale threads: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	deleted := make([]string, 0, len(ids))
	for _, id := range ids {
		if err := j.store.DeleteThread(ctx, id); err != nil {
			j.logger.Warn("retention sweep: delete failed", "thread_id", id, "error", err)
			continue
		}
		deleted = append(deleted, id)
	}

	j.logger.Info("retention sweep complete", "deleted", len(deleted), "cutoff", cutoff)
	j.emitSwept(ctx, deleted)
	return len(deleted), nil
}

func (j *Janitor) emitSwept(ctx context.Context, ids []string) {
	if j.bus == nil || len(ids) == 0 {
		return
	}
	payload, _ := json.Marshal(map[string]any{
		"thread_ids": ids,
		"count":      len(ids),
	})
	j.bus.Publish(ctx, domain.Event{
		Type:      domain.EventRetentionSwept,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

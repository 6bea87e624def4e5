// Package pipeline runs background data maintenance jobs.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/kimpbot/internal/clock"
	"github.com/alanyoungcy/kimpbot/internal/domain"
)

// ArchiverConfig controls the cycle archive job.
type ArchiverConfig struct {
	// Retention is how long a terminal cycle stays in the primary store.
	Retention time.Duration
	// Interval between runs.
	Interval time.Duration
	// BatchSize caps the cycles written per archive object.
	BatchSize int
}

// Archiver moves terminal cycles older than the retention from the cycle
// store to cold storage. Rows are deleted only after their batch uploaded.
type Archiver struct {
	cfg     ArchiverConfig
	cycles  domain.CycleStore
	archive domain.CycleArchive
	audit   domain.AuditStore
	clk     clock.Clock
	logger  *slog.Logger
}

// NewArchiver creates an Archiver. audit may be nil.
func NewArchiver(cfg ArchiverConfig, cycles domain.CycleStore, archive domain.CycleArchive,
	audit domain.AuditStore, clk clock.Clock, logger *slog.Logger) *Archiver {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	return &Archiver{
		cfg:     cfg,
		cycles:  cycles,
		archive: archive,
		audit:   audit,
		clk:     clk,
		logger:  logger.With(slog.String("component", "archiver")),
	}
}

// RunOnce archives every eligible cycle and returns how many were moved.
func (a *Archiver) RunOnce(ctx context.Context) (int, error) {
	cutoff := a.clk.Now().UTC().Add(-a.cfg.Retention)
	total := 0
	for {
		batch, err := a.cycles.ListTerminalBefore(ctx, cutoff, a.cfg.BatchSize)
		if err != nil {
			return total, fmt.Errorf("pipeline: list cycles before %s: %w", cutoff.Format(time.RFC3339), err)
		}
		if len(batch) == 0 {
			break
		}

		key := archiveKey(batch[0])
		if err := a.archive.ArchiveCycles(ctx, key, batch); err != nil {
			return total, fmt.Errorf("pipeline: archive %s: %w", key, err)
		}
		ids := make([]string, len(batch))
		for i, c := range batch {
			ids[i] = c.ID
		}
		if err := a.cycles.DeleteCycles(ctx, ids); err != nil {
			return total, fmt.Errorf("pipeline: delete archived cycles: %w", err)
		}
		total += len(batch)

		a.logger.Info("archived cycles", slog.String("key", key), slog.Int("count", len(batch)))
		if a.audit != nil {
			if err := a.audit.Log(ctx, "archive.cycles", map[string]any{
				"key":    key,
				"count":  len(batch),
				"before": cutoff.Format(time.RFC3339),
			}); err != nil {
				a.logger.Warn("audit log failed", slog.String("error", err.Error()))
			}
		}
		if len(batch) < a.cfg.BatchSize {
			break
		}
	}
	return total, nil
}

// Run calls RunOnce every interval until ctx is cancelled. Failed runs are
// logged and retried on the next tick.
func (a *Archiver) Run(ctx context.Context) error {
	a.logger.Info("archiver started",
		slog.Duration("retention", a.cfg.Retention),
		slog.Duration("interval", a.cfg.Interval),
	)
	for {
		if n, err := a.RunOnce(ctx); err != nil {
			a.logger.Error("archive run failed", slog.Int("archived", n), slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.clk.After(a.cfg.Interval):
		}
	}
}

// archiveKey partitions objects by the month the batch's first cycle ended:
//
//	cycles/2026-03/<first cycle id>.jsonl
func archiveKey(first domain.Cycle) string {
	ended := first.StartedAt
	if first.EndedAt != nil {
		ended = *first.EndedAt
	}
	return fmt.Sprintf("cycles/%s/%s.jsonl", ended.UTC().Format("2006-01"), first.ID)
}

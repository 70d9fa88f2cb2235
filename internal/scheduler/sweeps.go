package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fraudlab/ringtrace/internal/engine"
	"github.com/fraudlab/ringtrace/internal/models"
	"github.com/fraudlab/ringtrace/internal/queue"
	"github.com/fraudlab/ringtrace/internal/store"
)

// Sweeps holds the recurring maintenance duties: opening investigations for
// unhandled high-risk alerts and failing cases that stopped making progress.
type Sweeps struct {
	Store      *store.Store
	Queue      *queue.Queue
	Engine     *engine.Engine
	Logger     *slog.Logger
	StaleAfter time.Duration
}

// AlertSweep opens an investigation for every high-bucket alert still in
// status "new". Alerts whose suspect cannot be resolved in the graph are
// closed as invalid rather than retried forever.
func (s *Sweeps) AlertSweep(ctx context.Context) error {
	status := "new"
	bucket := models.BucketHigh
	alerts, err := s.Store.ListAlerts(ctx, &status, &bucket)
	if err != nil {
		return fmt.Errorf("listing new alerts: %w", err)
	}

	for i := range alerts {
		alert := &alerts[i]

		c, err := s.Engine.Start(ctx, alert, models.Budget{})
		if err != nil {
			s.Logger.Warn("skipping alert", "alert_id", alert.ID, "error", err)
			_ = s.Store.UpdateAlertStatus(ctx, alert.ID, "invalid")
			continue
		}

		if err := s.Store.SaveCase(ctx, c); err != nil {
			return fmt.Errorf("saving case for alert %s: %w", alert.ID, err)
		}
		if err := s.Queue.EnqueueInvestigation(ctx, &queue.Job{
			CaseID:  c.ID,
			AlertID: alert.ID,
		}); err != nil {
			return fmt.Errorf("enqueueing case %s: %w", c.ID, err)
		}
		if err := s.Store.UpdateAlertStatus(ctx, alert.ID, "queued"); err != nil {
			return fmt.Errorf("updating alert %s: %w", alert.ID, err)
		}

		s.Logger.Info("opened investigation", "alert_id", alert.ID, "case_id", c.ID)
	}

	return nil
}

// StaleCaseSweep fails non-terminal cases that have not advanced within the
// staleness window, so orphaned investigations do not hold alerts open.
func (s *Sweeps) StaleCaseSweep(ctx context.Context) error {
	cutoff := time.Now().Add(-s.StaleAfter)
	stale, err := s.Store.ListStaleCases(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("listing stale cases: %w", err)
	}

	for _, c := range stale {
		reason := fmt.Sprintf("no progress since %s", c.UpdatedAt.UTC().Format(time.RFC3339))
		if err := s.Store.MarkCaseFailed(ctx, c.ID, reason); err != nil {
			s.Logger.Error("failing stale case", "case_id", c.ID, "error", err)
			continue
		}
		_ = s.Store.UpdateAlertStatus(ctx, c.AlertID, "investigation_failed")
		s.Logger.Warn("failed stale case", "case_id", c.ID, "stage", c.Stage)
	}

	return nil
}

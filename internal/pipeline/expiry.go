package pipeline

import (
	"context"
	"time"

	"sparlo-backend/internal/notify"
	"sparlo-backend/internal/reports"
	"sparlo-backend/internal/shared/metrics"
	"sparlo-backend/internal/shared/telemetry"
)

const defaultSweepInterval = time.Minute

// Sweeper expires suspended reports whose clarification deadline has passed.
// The underlying update is guarded by status, so a sweep racing a last-second
// answer resolves to exactly one winner.
type Sweeper struct {
	Repo     reports.Repo
	Notifier notify.Notifier
	Interval time.Duration
}

// Run sweeps on a ticker until the context is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce expires everything past its deadline and returns the count.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	expired, err := s.Repo.ExpireStale(ctx, time.Now().UTC(), reports.ExpiredMessage)
	if err != nil {
		telemetry.Error("expiry.sweep_failed", map[string]any{"error": err.Error()})
		return 0
	}
	for _, report := range expired {
		metrics.IncReportExpired()
		telemetry.Info("expiry.report_expired", map[string]any{
			"report_id":  report.ID,
			"account_id": report.AccountID,
		})
		if s.Notifier != nil {
			if err := s.Notifier.Publish(ctx, notify.ReportUpdate{
				ReportID:  report.ID,
				AccountID: report.AccountID,
				Status:    string(reports.StatusExpired),
			}); err != nil {
				telemetry.Warn("expiry.notify_failed", map[string]any{
					"report_id": report.ID,
					"error":     err.Error(),
				})
			}
		}
	}
	return len(expired)
}

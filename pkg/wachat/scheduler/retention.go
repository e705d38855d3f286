package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// RetentionJobName is the name of the history retention job.
const RetentionJobName = "history-retention"

// DefaultRetentionSchedule runs the retention job once a day.
const DefaultRetentionSchedule = "@daily"

// Pruner deletes conversations last updated before a cutoff.
type Pruner interface {
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// PruneCounter receives the number of conversations removed per run.
type PruneCounter interface {
	Add(float64)
}

// RetentionJob returns a job deleting conversations idle for longer than
// retention. counter may be nil.
func RetentionJob(p Pruner, retention time.Duration, counter PruneCounter, logger *slog.Logger) JobFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context) error {
		cutoff := time.Now().Add(-retention)
		n, err := p.PruneOlderThan(ctx, cutoff)
		if err != nil {
			return err
		}
		if counter != nil && n > 0 {
			counter.Add(float64(n))
		}
		logger.Info("history retention run", "removed", n, "retention", retention)
		return nil
	}
}

// AddRetention registers the retention job. A zero retention disables it
// and reports false.
func (s *Scheduler) AddRetention(p Pruner, retention time.Duration, schedule string, counter PruneCounter) (bool, error) {
	if retention <= 0 {
		s.logger.Info("history retention disabled")
		return false, nil
	}
	if schedule == "" {
		schedule = DefaultRetentionSchedule
	}
	if err := s.Add(RetentionJobName, schedule, RetentionJob(p, retention, counter, s.logger)); err != nil {
		return false, err
	}
	return true, nil
}

package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// ExposureStore is the part of the exposure output store the jobs service
// reads and cleans up.
type ExposureStore interface {
	ReadExposure(ctx context.Context, trajectoryID, analysisID, exposureID string, timestep int, iterable string) (any, error)
	DeleteAnalysis(ctx context.Context, trajectoryID, analysisID string) error
}

// ListingCleaner drops precomputed listing rows of removed analyses.
type ListingCleaner interface {
	DeleteAnalyses(ctx context.Context, analysisIDs []string) error
}

// BulkResult reports what a bulk operation touched.
type BulkResult struct {
	Jobs     int `json:"jobs"`
	Analyses int `json:"analyses"`
	Dequeued int `json:"dequeued"`
}

// Bulk runs trajectory scoped maintenance operations. Each operation holds
// the trajectory lock for its whole duration.
type Bulk struct {
	locker    *Locker
	statuses  *StatusStore
	queue     *Queue
	analyses  AnalysisRepository
	exposures ExposureStore
	listings  ListingCleaner
	hub       *Hub
	logger    *slog.Logger
}

func NewBulk(locker *Locker, statuses *StatusStore, queue *Queue, analyses AnalysisRepository, exposures ExposureStore, listings ListingCleaner, hub *Hub, logger *slog.Logger) *Bulk {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bulk{
		locker:    locker,
		statuses:  statuses,
		queue:     queue,
		analyses:  analyses,
		exposures: exposures,
		listings:  listings,
		hub:       hub,
		logger:    logger.With("component", "bulk-jobs"),
	}
}

func (b *Bulk) withLock(ctx context.Context, teamID, trajectoryID string, fn func() error) error {
	release, err := b.locker.Acquire(ctx, teamID, trajectoryID)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// ClearHistory deletes every job of the trajectory and the analyses they
// belong to, with their stored outputs.
func (b *Bulk) ClearHistory(ctx context.Context, teamID, trajectoryID string) (*BulkResult, error) {
	var res *BulkResult
	err := b.withLock(ctx, teamID, trajectoryID, func() error {
		recs, err := b.statuses.ListTrajectory(ctx, teamID, trajectoryID)
		if err != nil {
			return err
		}
		res, err = b.remove(ctx, teamID, trajectoryID, recs)
		return err
	})
	if err != nil {
		return nil, err
	}
	b.logger.Info("job history cleared", "teamId", teamID, "trajectoryId", trajectoryID, "jobs", res.Jobs, "analyses", res.Analyses)
	return res, nil
}

// RemoveRunningJobs deletes the trajectory's jobs that have not reached a
// terminal state, and their analyses. Workers already running one of them
// finish, and their late updates are ignored.
func (b *Bulk) RemoveRunningJobs(ctx context.Context, teamID, trajectoryID string) (*BulkResult, error) {
	var res *BulkResult
	err := b.withLock(ctx, teamID, trajectoryID, func() error {
		recs, err := b.statuses.ListTrajectory(ctx, teamID, trajectoryID)
		if err != nil {
			return err
		}
		active := recs[:0]
		for _, rec := range recs {
			if !rec.Status.Terminal() {
				active = append(active, rec)
			}
		}
		res, err = b.remove(ctx, teamID, trajectoryID, active)
		return err
	})
	if err != nil {
		return nil, err
	}
	b.logger.Info("running jobs removed", "teamId", teamID, "trajectoryId", trajectoryID, "jobs", res.Jobs, "analyses", res.Analyses)
	return res, nil
}

func (b *Bulk) remove(ctx context.Context, teamID, trajectoryID string, recs []StatusUpdate) (*BulkResult, error) {
	jobIDs := make([]string, 0, len(recs))
	seen := make(map[string]bool)
	var analysisIDs []string
	for _, rec := range recs {
		jobIDs = append(jobIDs, rec.JobID)
		if rec.AnalysisID != "" && !seen[rec.AnalysisID] {
			seen[rec.AnalysisID] = true
			analysisIDs = append(analysisIDs, rec.AnalysisID)
		}
	}
	sort.Strings(analysisIDs)

	dequeued, err := b.queue.Remove(ctx, jobIDs)
	if err != nil {
		return nil, err
	}
	if err := b.statuses.Delete(ctx, teamID, jobIDs); err != nil {
		return nil, err
	}
	deleted, err := b.analyses.DeleteByIDs(ctx, analysisIDs)
	if err != nil {
		return nil, err
	}
	if b.listings != nil {
		if err := b.listings.DeleteAnalyses(ctx, analysisIDs); err != nil {
			return nil, err
		}
	}
	if b.exposures != nil {
		for _, id := range analysisIDs {
			if err := b.exposures.DeleteAnalysis(ctx, trajectoryID, id); err != nil {
				return nil, fmt.Errorf("delete outputs of analysis %s: %w", id, err)
			}
		}
	}
	return &BulkResult{Jobs: len(jobIDs), Analyses: deleted, Dequeued: dequeued}, nil
}

// RetryFailedJobs re-enqueues the trajectory's failed jobs into their
// existing analyses, keeping job ids and ForEach indexes, and reopens those
// analyses. It returns the number of jobs requeued.
func (b *Bulk) RetryFailedJobs(ctx context.Context, teamID, trajectoryID string) (int, error) {
	retried := 0
	err := b.withLock(ctx, teamID, trajectoryID, func() error {
		recs, err := b.statuses.ListTrajectory(ctx, teamID, trajectoryID)
		if err != nil {
			return err
		}
		reopened := make(map[string]bool)
		for _, rec := range recs {
			if rec.Status != StatusFailed {
				continue
			}
			job, err := b.statuses.Job(ctx, rec.JobID)
			if err != nil {
				return fmt.Errorf("load job %s: %w", rec.JobID, err)
			}
			job.Attempts++
			job.UploadWaits = 0

			if !reopened[job.Metadata.AnalysisID] {
				if err := b.analyses.Reopen(ctx, job.Metadata.AnalysisID); err != nil {
					return fmt.Errorf("reopen analysis %s: %w", job.Metadata.AnalysisID, err)
				}
				reopened[job.Metadata.AnalysisID] = true
			}

			queued := job.update(StatusQueued)
			queued.Timestamp = laterThan(rec.Timestamp)
			if _, err := b.statuses.Transition(ctx, queued); err != nil {
				return fmt.Errorf("requeue job %s: %w", job.JobID, err)
			}
			if err := b.queue.Enqueue(ctx, job); err != nil {
				return err
			}
			b.hub.Publish(queued)
			retried++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	b.logger.Info("failed jobs requeued", "teamId", teamID, "trajectoryId", trajectoryID, "jobs", retried)
	return retried, nil
}

// laterThan returns now, or just after t when the clock has not moved past
// it.
func laterThan(t time.Time) time.Time {
	now := time.Now().UTC()
	if !now.After(t) {
		return t.Add(time.Nanosecond)
	}
	return now
}

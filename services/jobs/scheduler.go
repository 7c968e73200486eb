package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"plugin-engine/api/services/workflow"
)

// StartRequest asks for one plugin to run over a trajectory.
type StartRequest struct {
	TeamID         string         `json:"teamId"`
	TrajectoryID   string         `json:"trajectoryId"`
	TrajectoryName string         `json:"trajectoryName"`
	PluginSlug     string         `json:"plugin"`
	Config         map[string]any `json:"config"`
	// Timesteps restricts the run. Empty means every uploaded timestep.
	Timesteps []int `json:"timesteps,omitempty"`
}

func (r StartRequest) validate() error {
	switch {
	case r.TeamID == "":
		return errMissing("teamId")
	case r.TrajectoryID == "":
		return errMissing("trajectoryId")
	case r.PluginSlug == "":
		return errMissing("plugin")
	}
	return nil
}

// StartResult describes a fanned out analysis.
type StartResult struct {
	Analysis  *Analysis `json:"analysis"`
	SessionID string    `json:"sessionId"`
	Jobs      []*Job    `json:"jobs"`
}

// Scheduler turns analysis requests into queued jobs.
type Scheduler struct {
	plugins  *workflow.PluginCache
	dumps    DumpStore
	analyses AnalysisRepository
	statuses *StatusStore
	queue    *Queue
	hub      *Hub
	logger   *slog.Logger
}

func NewScheduler(plugins *workflow.PluginCache, dumps DumpStore, analyses AnalysisRepository, statuses *StatusStore, queue *Queue, hub *Hub, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		plugins:  plugins,
		dumps:    dumps,
		analyses: analyses,
		statuses: statuses,
		queue:    queue,
		hub:      hub,
		logger:   logger.With("component", "scheduler"),
	}
}

// StartAnalysis creates the Analysis and one job per (timestep, ForEach
// item) unit. The ForEach iterable is resolved once against the request
// before any job runs. An empty unit set completes the analysis at once.
func (s *Scheduler) StartAnalysis(ctx context.Context, req StartRequest) (*StartResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	lp, err := s.plugins.Get(ctx, req.PluginSlug)
	if err != nil {
		return nil, err
	}
	if !lp.Plugin.Validated {
		return nil, fmt.Errorf("%w: %s", ErrPluginNotValidated, req.PluginSlug)
	}

	timesteps := req.Timesteps
	if len(timesteps) == 0 {
		timesteps, err = s.dumps.ListTimesteps(ctx, req.TrajectoryID)
		if err != nil {
			return nil, fmt.Errorf("list timesteps: %w", err)
		}
	}

	analysisID := uuid.New().String()
	planning := &workflow.ExecutionContext{
		TrajectoryID: req.TrajectoryID,
		AnalysisID:   analysisID,
		TeamID:       req.TeamID,
		UserConfig:   req.Config,
	}
	items, iterating, err := workflow.ResolveIterable(lp.Graph, planning)
	if err != nil {
		return nil, fmt.Errorf("resolve iterable: %w", err)
	}

	units := len(timesteps)
	if iterating {
		units *= len(items)
	}

	now := time.Now().UTC()
	analysis := &Analysis{
		ID:           analysisID,
		TrajectoryID: req.TrajectoryID,
		TeamID:       req.TeamID,
		Plugin:       req.PluginSlug,
		Config:       req.Config,
		Status:       AnalysisQueued,
		TotalItems:   units,
		CreatedAt:    now,
	}
	if units == 0 {
		analysis.Status = AnalysisCompleted
		analysis.FinishedAt = &now
	}
	if err := s.analyses.Create(ctx, analysis); err != nil {
		return nil, err
	}

	sessionID := uuid.New().String()
	jobs := make([]*Job, 0, units)
	for _, ts := range timesteps {
		if !iterating {
			jobs = append(jobs, s.newJob(req, lp.Plugin, analysisID, sessionID, ts, units, nil, nil))
			continue
		}
		for i, item := range items {
			index := i
			jobs = append(jobs, s.newJob(req, lp.Plugin, analysisID, sessionID, ts, units, item, &index))
		}
	}

	for _, job := range jobs {
		rec := job.update(StatusQueued)
		if err := s.statuses.Create(ctx, job, rec); err != nil {
			return nil, fmt.Errorf("store job %s: %w", job.JobID, err)
		}
		if err := s.queue.Enqueue(ctx, job); err != nil {
			return nil, err
		}
		s.hub.Publish(rec)
	}

	s.logger.Info("analysis scheduled",
		"analysisId", analysisID,
		"trajectoryId", req.TrajectoryID,
		"plugin", req.PluginSlug,
		"timesteps", len(timesteps),
		"jobs", len(jobs),
	)
	return &StartResult{Analysis: analysis, SessionID: sessionID, Jobs: jobs}, nil
}

func (s *Scheduler) newJob(req StartRequest, plugin *workflow.Plugin, analysisID, sessionID string, timestep, total int, item any, index *int) *Job {
	return &Job{
		JobID:     uuid.New().String(),
		TeamID:    req.TeamID,
		QueueType: s.queue.Name(),
		SessionID: sessionID,
		Metadata: AnalysisJobMetadata{
			TrajectoryID:   req.TrajectoryID,
			TrajectoryName: req.TrajectoryName,
			AnalysisID:     analysisID,
			Config:         req.Config,
			Timestep:       timestep,
			PluginSlug:     req.PluginSlug,
			PluginID:       plugin.ID,
			PluginRevision: plugin.UpdatedAt,
			ForEachItem:    item,
			ForEachIndex:   index,
			TotalItems:     total,
		},
	}
}

package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"plugin-engine/api/services/listing"
	"plugin-engine/api/services/workflow"
)

// PoolConfig tunes the worker pool.
type PoolConfig struct {
	Workers          int
	PollInterval     time.Duration
	UploadRetryDelay time.Duration
	MaxUploadWaits   int
	// WorkDir holds per-job scratch directories. Empty uses the OS temp dir.
	WorkDir string
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.UploadRetryDelay <= 0 {
		c.UploadRetryDelay = 10 * time.Second
	}
	if c.MaxUploadWaits <= 0 {
		c.MaxUploadWaits = 30
	}
	return c
}

// Pool runs jobs from the queue on a fixed number of workers. Each worker
// runs one job to completion before taking the next.
type Pool struct {
	cfg        PoolConfig
	queue      *Queue
	statuses   *StatusStore
	analyses   AnalysisRepository
	plugins    *workflow.PluginCache
	dumps      DumpStore
	engine     *workflow.Engine
	precompute *listing.Precomputer
	hub        *Hub
	logger     *slog.Logger
}

// PoolDeps are the collaborators a Pool needs.
type PoolDeps struct {
	Queue       *Queue
	Statuses    *StatusStore
	Analyses    AnalysisRepository
	Plugins     *workflow.PluginCache
	Dumps       DumpStore
	Engine      *workflow.Engine
	Precomputer *listing.Precomputer
	Hub         *Hub
}

func NewPool(cfg PoolConfig, deps PoolDeps, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		cfg:        cfg.withDefaults(),
		queue:      deps.Queue,
		statuses:   deps.Statuses,
		analyses:   deps.Analyses,
		plugins:    deps.Plugins,
		dumps:      deps.Dumps,
		engine:     deps.Engine,
		precompute: deps.Precomputer,
		hub:        deps.Hub,
		logger:     logger.With("component", "worker-pool"),
	}
}

// Run starts the workers and blocks until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			return p.work(ctx, worker)
		})
	}
	p.logger.Info("worker pool started", "workers", p.cfg.Workers, "queue", p.queue.Name())
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pool) work(ctx context.Context, worker int) error {
	logger := p.logger.With("worker", worker)
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error("dequeue failed", "error", err)
		}
		if job != nil {
			p.Process(ctx, job)
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Process runs one job through the workflow engine and records the outcome.
// Errors are reported through the job status, never returned.
func (p *Pool) Process(ctx context.Context, job *Job) {
	logger := p.logger.With("jobId", job.JobID, "analysisId", job.Metadata.AnalysisID, "timestep", job.Metadata.Timestep)

	if !p.transition(ctx, logger, job.update(StatusRunning)) {
		return
	}

	lp, err := p.plugins.Get(ctx, job.Metadata.PluginSlug)
	if err != nil {
		p.fail(ctx, logger, job, err)
		return
	}
	if err := checkRevision(job, lp.Plugin); err != nil {
		p.fail(ctx, logger, job, err)
		return
	}

	dump, err := p.dumps.GetDump(ctx, job.Metadata.TrajectoryID, job.Metadata.Timestep)
	if err != nil {
		p.fail(ctx, logger, job, err)
		return
	}
	if dump == nil {
		p.waitForUpload(ctx, logger, job)
		return
	}

	workDir, err := os.MkdirTemp(p.cfg.WorkDir, "job-*")
	if err != nil {
		p.fail(ctx, logger, job, fmt.Errorf("create work dir: %w", err))
		return
	}
	defer os.RemoveAll(workDir)

	ec := &workflow.ExecutionContext{
		TrajectoryID: job.Metadata.TrajectoryID,
		AnalysisID:   job.Metadata.AnalysisID,
		TeamID:       job.TeamID,
		Timestep:     job.Metadata.Timestep,
		UserConfig:   job.Metadata.Config,
		Dump:         dump,
		WorkDir:      workDir,
	}
	if job.Metadata.ForEachIndex != nil {
		ec.SetIteration(*job.Metadata.ForEachIndex, job.Metadata.ForEachItem)
	}

	results, err := p.engine.Execute(ctx, lp.Graph, ec)
	if err != nil {
		p.fail(ctx, logger, job, err)
		return
	}

	rows := 0
	if p.precompute != nil {
		rows, err = p.precompute.Precompute(ctx, lp.Graph, listing.Frame{
			Plugin:       job.Metadata.PluginSlug,
			AnalysisID:   job.Metadata.AnalysisID,
			TrajectoryID: job.Metadata.TrajectoryID,
			Timestep:     job.Metadata.Timestep,
		}, results)
		if err != nil {
			logger.Warn("listing precompute failed", "error", err)
		}
	}

	p.complete(ctx, logger, job, results, rows)
}

// checkRevision rejects a plugin that was edited or lost its validation
// after job was scheduled. Jobs without a pinned revision only need a
// validated plugin.
func checkRevision(job *Job, plugin *workflow.Plugin) error {
	if !plugin.Validated {
		return fmt.Errorf("%w: %s is not validated", ErrPluginChanged, plugin.Slug)
	}
	if job.Metadata.PluginID == "" {
		return nil
	}
	if plugin.ID != job.Metadata.PluginID || !plugin.UpdatedAt.Equal(job.Metadata.PluginRevision) {
		return fmt.Errorf("%w: %s revision %s, scheduled with %s",
			ErrPluginChanged, plugin.Slug, plugin.UpdatedAt.Format(time.RFC3339Nano), job.Metadata.PluginRevision.Format(time.RFC3339Nano))
	}
	return nil
}

// transition stores and broadcasts rec. It reports false when the job has
// been removed or superseded, in which case the caller drops it.
func (p *Pool) transition(ctx context.Context, logger *slog.Logger, rec StatusUpdate) bool {
	_, err := p.statuses.Transition(ctx, rec)
	switch {
	case errors.Is(err, ErrJobNotFound), errors.Is(err, ErrStaleUpdate):
		logger.Debug("ignoring late status update", "status", rec.Status, "reason", err)
		return false
	case err != nil:
		logger.Error("failed to store job status", "status", rec.Status, "error", err)
		return false
	}
	p.hub.Publish(rec)
	return true
}

func (p *Pool) waitForUpload(ctx context.Context, logger *slog.Logger, job *Job) {
	job.UploadWaits++
	if job.UploadWaits > p.cfg.MaxUploadWaits {
		p.fail(ctx, logger, job, fmt.Errorf("%w: dump for timestep %d was never uploaded", ErrPreconditionNotMet, job.Metadata.Timestep))
		return
	}

	rec := job.update(StatusWaitingForUpload)
	if !p.transition(ctx, logger, rec) {
		return
	}
	if err := p.queue.EnqueueAt(ctx, job, time.Now().Add(p.cfg.UploadRetryDelay)); err != nil {
		logger.Error("failed to re-enqueue job", "error", err)
		return
	}
	logger.Info("waiting for dump upload", "waits", job.UploadWaits)
}

func (p *Pool) fail(ctx context.Context, logger *slog.Logger, job *Job, cause error) {
	logger.Warn("job failed", "error", cause)

	rec := job.update(StatusFailed)
	rec.Error = userMessage(cause)
	if !p.transition(ctx, logger, rec) {
		return
	}
	if err := p.analyses.MarkFailed(ctx, job.Metadata.AnalysisID); err != nil && !errors.Is(err, ErrAnalysisNotFound) {
		logger.Error("failed to mark analysis failed", "error", err)
	}
}

func (p *Pool) complete(ctx context.Context, logger *slog.Logger, job *Job, results *workflow.ExecutionResults, rows int) {
	rec := job.update(StatusCompleted)
	exposures := make([]string, 0, len(results.Exposures))
	for id := range results.Exposures {
		exposures = append(exposures, id)
	}
	sort.Strings(exposures)
	rec.Result = map[string]any{
		"executionId":   results.ExecutionID,
		"totalDuration": results.TotalDuration,
		"exposures":     exposures,
		"listingRows":   rows,
	}

	prev, err := p.statuses.Transition(ctx, rec)
	switch {
	case errors.Is(err, ErrJobNotFound), errors.Is(err, ErrStaleUpdate):
		logger.Debug("ignoring late completion", "reason", err)
		return
	case err != nil:
		logger.Error("failed to store job status", "status", rec.Status, "error", err)
		return
	}
	p.hub.Publish(rec)

	if prev.Status == StatusCompleted {
		logger.Debug("job already completed, progress unchanged")
		return
	}
	analysis, done, err := p.analyses.IncrementCompleted(ctx, job.Metadata.AnalysisID)
	if err != nil {
		if errors.Is(err, ErrAnalysisNotFound) {
			logger.Debug("analysis removed before completion")
			return
		}
		logger.Error("failed to update analysis progress", "error", err)
		return
	}
	logger.Info("job completed", "completedFrames", analysis.CompletedFrames, "totalItems", analysis.TotalItems)
	if done {
		logger.Info("analysis completed", "totalItems", analysis.TotalItems)
	}
}

// userMessage is the failure text safe to broadcast: node failures carry
// their own message, everything else is summarized.
func userMessage(err error) string {
	var nodeErr *workflow.NodeExecutionError
	var graphErr *workflow.GraphIntegrityError
	switch {
	case errors.As(err, &nodeErr):
		return nodeErr.Error()
	case errors.As(err, &graphErr):
		return graphErr.Error()
	case errors.Is(err, workflow.ErrPluginNotFound):
		return "plugin not found"
	case errors.Is(err, ErrPluginChanged):
		return ErrPluginChanged.Error()
	case errors.Is(err, ErrPreconditionNotMet):
		return "trajectory dump was not uploaded in time"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "job was interrupted"
	default:
		return "internal error while processing job"
	}
}

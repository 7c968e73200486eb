package jobs

import (
	"context"
	"sync"
	"time"
)

// AnalysisRepository persists Analyses. FindByID returns nil, nil when the
// analysis does not exist.
type AnalysisRepository interface {
	Create(ctx context.Context, a *Analysis) error
	FindByID(ctx context.Context, id string) (*Analysis, error)
	// IncrementCompleted adds one completed frame unless the analysis is
	// already full. It reports whether this call moved the analysis to
	// completed, which happens exactly once.
	IncrementCompleted(ctx context.Context, id string) (*Analysis, bool, error)
	// MarkFailed flags the analysis failed unless it already completed.
	MarkFailed(ctx context.Context, id string) error
	// Reopen moves a failed analysis back to processing.
	Reopen(ctx context.Context, id string) error
	DeleteByIDs(ctx context.Context, ids []string) (int, error)
}

// MemoryAnalysisRepository keeps analyses in process memory. A single mutex
// serializes progress updates.
type MemoryAnalysisRepository struct {
	mu       sync.Mutex
	analyses map[string]*Analysis
}

func NewMemoryAnalysisRepository() *MemoryAnalysisRepository {
	return &MemoryAnalysisRepository{analyses: make(map[string]*Analysis)}
}

func (r *MemoryAnalysisRepository) Create(_ context.Context, a *Analysis) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := *a
	r.analyses[a.ID] = &stored
	return nil
}

func (r *MemoryAnalysisRepository) FindByID(_ context.Context, id string) (*Analysis, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.analyses[id]
	if !ok {
		return nil, nil
	}
	out := *a
	return &out, nil
}

func (r *MemoryAnalysisRepository) IncrementCompleted(_ context.Context, id string) (*Analysis, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.analyses[id]
	if !ok {
		return nil, false, ErrAnalysisNotFound
	}

	completed := false
	if a.CompletedFrames < a.TotalItems {
		a.CompletedFrames++
		switch {
		case a.CompletedFrames >= a.TotalItems:
			now := time.Now().UTC()
			a.Status = AnalysisCompleted
			a.FinishedAt = &now
			completed = true
		case a.Status == AnalysisQueued:
			a.Status = AnalysisProcessing
		}
	}
	out := *a
	return &out, completed, nil
}

func (r *MemoryAnalysisRepository) MarkFailed(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.analyses[id]
	if !ok {
		return ErrAnalysisNotFound
	}
	if a.Status != AnalysisCompleted {
		a.Status = AnalysisFailed
	}
	return nil
}

func (r *MemoryAnalysisRepository) Reopen(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.analyses[id]
	if !ok {
		return ErrAnalysisNotFound
	}
	if a.Status == AnalysisFailed {
		a.Status = AnalysisProcessing
	}
	return nil
}

func (r *MemoryAnalysisRepository) DeleteByIDs(_ context.Context, ids []string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, id := range ids {
		if _, ok := r.analyses[id]; ok {
			delete(r.analyses, id)
			n++
		}
	}
	return n, nil
}

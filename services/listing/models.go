package listing

import (
	"context"
	"time"
)

// Row is one precomputed listing row: the columns of one Visualizers
// listing evaluated against one exposure result of one analysis frame.
type Row struct {
	Plugin       string         `json:"plugin"`
	ListingSlug  string         `json:"listingSlug"`
	AnalysisID   string         `json:"analysisId"`
	TrajectoryID string         `json:"trajectoryId"`
	Timestep     int            `json:"timestep"`
	ExposureID   string         `json:"exposureId"`
	Data         map[string]any `json:"data"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// Filter selects rows of one listing. Empty fields match everything.
type Filter struct {
	Plugin       string
	ListingSlug  string
	AnalysisID   string
	TrajectoryID string
}

func (f Filter) matches(r *Row) bool {
	return (f.Plugin == "" || f.Plugin == r.Plugin) &&
		(f.ListingSlug == "" || f.ListingSlug == r.ListingSlug) &&
		(f.AnalysisID == "" || f.AnalysisID == r.AnalysisID) &&
		(f.TrajectoryID == "" || f.TrajectoryID == r.TrajectoryID)
}

// Repository persists listing rows. Upsert is keyed by
// (plugin, listingSlug, analysisId, timestep).
type Repository interface {
	Upsert(ctx context.Context, row *Row) error
	FindAll(ctx context.Context, f Filter) ([]Row, error)
	DeleteAnalyses(ctx context.Context, analysisIDs []string) error
}

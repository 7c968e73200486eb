package listing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"plugin-engine/api/services/workflow"
)

// Frame identifies the analysis frame a set of results belongs to.
type Frame struct {
	Plugin       string
	AnalysisID   string
	TrajectoryID string
	Timestep     int
}

// Precomputer turns execution results into listing rows.
type Precomputer struct {
	repo   Repository
	logger *slog.Logger
}

// NewPrecomputer creates a Precomputer writing to repo.
func NewPrecomputer(repo Repository, logger *slog.Logger) *Precomputer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Precomputer{repo: repo, logger: logger.With("component", "listing-precompute")}
}

// Precompute upserts one row per Exposure that produced output in results
// and has a Visualizers descendant with a non-empty listing. Running it again
// for the same frame replaces the rows. It returns the number of rows
// written.
func (p *Precomputer) Precompute(ctx context.Context, g *workflow.Graph, frame Frame, results *workflow.ExecutionResults) (int, error) {
	if results == nil {
		return 0, nil
	}

	written := 0
	for _, exposure := range g.NodesOfType(workflow.NodeExposure) {
		out, ok := results.Exposures[exposure.ID]
		if !ok {
			continue
		}
		columns := listingColumns(g, exposure.ID)
		if len(columns) == 0 {
			continue
		}

		value := out["results"]
		data := make(map[string]any, len(columns))
		for column, path := range columns {
			data[column] = evaluate(value, path)
		}

		row := &Row{
			Plugin:       frame.Plugin,
			ListingSlug:  ListingSlug(exposure),
			AnalysisID:   frame.AnalysisID,
			TrajectoryID: frame.TrajectoryID,
			Timestep:     frame.Timestep,
			ExposureID:   exposure.ID,
			Data:         data,
			UpdatedAt:    time.Now().UTC(),
		}
		if err := p.repo.Upsert(ctx, row); err != nil {
			return written, fmt.Errorf("upsert listing %s: %w", row.ListingSlug, err)
		}
		written++
	}

	if written > 0 {
		p.logger.Debug("listing rows precomputed", "analysisId", frame.AnalysisID, "timestep", frame.Timestep, "rows", written)
	}
	return written, nil
}

// listingColumns returns the listing of the closest Visualizers descendant
// of exposureID that has one.
func listingColumns(g *workflow.Graph, exposureID string) map[string]string {
	for _, viz := range g.FindDescendantsByType(exposureID, workflow.NodeVisualizers) {
		if viz.Data.Visualizers != nil && len(viz.Data.Visualizers.Listing) > 0 {
			return viz.Data.Visualizers.Listing
		}
	}
	return nil
}

// evaluate reads a column from the exposure results. Paths are dotted
// lookups; templates with placeholders are resolved with the results bound
// to "results".
func evaluate(value any, path string) any {
	if strings.Contains(path, "{{") {
		return workflow.Resolve(path, map[string]any{"results": value})
	}
	return workflow.Lookup(value, path)
}

// ListingSlug is the slug of the exposure name, or the exposure id when the
// name has no usable characters.
func ListingSlug(exposure *workflow.Node) string {
	if exposure.Data.Exposure != nil {
		if s := Slugify(exposure.Data.Exposure.Name); s != "" {
			return s
		}
	}
	return exposure.ID
}

// Slugify lowercases s and joins its letter and digit runs with dashes.
func Slugify(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if dash && b.Len() > 0 {
				b.WriteByte('-')
			}
			b.WriteRune(r)
			dash = false
			continue
		}
		dash = true
	}
	return b.String()
}

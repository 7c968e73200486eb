package listing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PgRepository stores listing rows in PostgreSQL.
type PgRepository struct {
	db *pgxpool.Pool
}

// NewPgRepository creates a repository backed by the given connection pool.
func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{db: pool}
}

// InitSchema creates the listing_rows table if it does not exist.
func (r *PgRepository) InitSchema(ctx context.Context) error {
	_, err := r.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS listing_rows (
			plugin        TEXT NOT NULL,
			listing_slug  TEXT NOT NULL,
			analysis_id   TEXT NOT NULL,
			timestep      INTEGER NOT NULL,
			trajectory_id TEXT NOT NULL,
			exposure_id   TEXT NOT NULL,
			data          JSONB NOT NULL DEFAULT '{}',
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (plugin, listing_slug, analysis_id, timestep)
		)
	`)
	if err != nil {
		return fmt.Errorf("init listing schema: %w", err)
	}
	return nil
}

// Upsert inserts the row or replaces the one with the same key.
func (r *PgRepository) Upsert(ctx context.Context, row *Row) error {
	data, err := json.Marshal(row.Data)
	if err != nil {
		return fmt.Errorf("marshal listing data: %w", err)
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO listing_rows (plugin, listing_slug, analysis_id, timestep, trajectory_id, exposure_id, data, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (plugin, listing_slug, analysis_id, timestep) DO UPDATE SET
			trajectory_id = EXCLUDED.trajectory_id,
			exposure_id = EXCLUDED.exposure_id,
			data = EXCLUDED.data,
			updated_at = EXCLUDED.updated_at
	`, row.Plugin, row.ListingSlug, row.AnalysisID, row.Timestep, row.TrajectoryID, row.ExposureID, data, row.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert listing row: %w", err)
	}
	return nil
}

// FindAll returns the rows matching f ordered by analysis and timestep.
func (r *PgRepository) FindAll(ctx context.Context, f Filter) ([]Row, error) {
	var where []string
	var args []any
	add := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		where = append(where, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	add("plugin", f.Plugin)
	add("listing_slug", f.ListingSlug)
	add("analysis_id", f.AnalysisID)
	add("trajectory_id", f.TrajectoryID)

	query := `SELECT plugin, listing_slug, analysis_id, trajectory_id, timestep, exposure_id, data, updated_at FROM listing_rows`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY analysis_id, timestep"

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query listing rows: %w", err)
	}
	defer rows.Close()

	out := []Row{}
	for rows.Next() {
		var row Row
		var data []byte
		if err := rows.Scan(&row.Plugin, &row.ListingSlug, &row.AnalysisID, &row.TrajectoryID,
			&row.Timestep, &row.ExposureID, &data, &row.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan listing row: %w", err)
		}
		if err := json.Unmarshal(data, &row.Data); err != nil {
			return nil, fmt.Errorf("unmarshal listing data: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// DeleteAnalyses removes every row of the given analyses.
func (r *PgRepository) DeleteAnalyses(ctx context.Context, analysisIDs []string) error {
	if len(analysisIDs) == 0 {
		return nil
	}
	if _, err := r.db.Exec(ctx, `DELETE FROM listing_rows WHERE analysis_id = ANY($1)`, analysisIDs); err != nil {
		return fmt.Errorf("delete listing rows: %w", err)
	}
	return nil
}

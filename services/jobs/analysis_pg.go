package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgAnalysisRepository stores analyses in PostgreSQL. Progress updates are
// single statements so concurrent workers never lose an increment.
type PgAnalysisRepository struct {
	db *pgxpool.Pool
}

func NewPgAnalysisRepository(pool *pgxpool.Pool) *PgAnalysisRepository {
	return &PgAnalysisRepository{db: pool}
}

// InitSchema creates the analyses table if it does not exist.
func (r *PgAnalysisRepository) InitSchema(ctx context.Context) error {
	_, err := r.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS analyses (
			id               TEXT PRIMARY KEY,
			trajectory_id    TEXT NOT NULL,
			team_id          TEXT NOT NULL,
			plugin           TEXT NOT NULL,
			config           JSONB NOT NULL DEFAULT '{}',
			status           TEXT NOT NULL,
			completed_frames INTEGER NOT NULL DEFAULT 0,
			total_items      INTEGER NOT NULL,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			finished_at      TIMESTAMPTZ
		)
	`)
	if err != nil {
		return fmt.Errorf("init analyses schema: %w", err)
	}
	return nil
}

const analysisColumns = `id, trajectory_id, team_id, plugin, config, status, completed_frames, total_items, created_at, finished_at`

func (r *PgAnalysisRepository) Create(ctx context.Context, a *Analysis) error {
	config, err := json.Marshal(a.Config)
	if err != nil {
		return fmt.Errorf("marshal analysis config: %w", err)
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO analyses (`+analysisColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, a.ID, a.TrajectoryID, a.TeamID, a.Plugin, config, string(a.Status), a.CompletedFrames, a.TotalItems, a.CreatedAt, a.FinishedAt)
	if err != nil {
		return fmt.Errorf("insert analysis: %w", err)
	}
	return nil
}

func (r *PgAnalysisRepository) FindByID(ctx context.Context, id string) (*Analysis, error) {
	row := r.db.QueryRow(ctx, `SELECT `+analysisColumns+` FROM analyses WHERE id = $1`, id)
	a, err := scanAnalysis(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find analysis: %w", err)
	}
	return a, nil
}

// IncrementCompleted bumps completed_frames guarded by completed_frames <
// total_items. The returned row carries the new values, so reaching
// total_items in this statement is the completion transition.
func (r *PgAnalysisRepository) IncrementCompleted(ctx context.Context, id string) (*Analysis, bool, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE analyses SET
			completed_frames = completed_frames + 1,
			status = CASE
				WHEN completed_frames + 1 >= total_items THEN 'completed'
				WHEN status = 'queued' THEN 'processing'
				ELSE status
			END,
			finished_at = CASE WHEN completed_frames + 1 >= total_items THEN NOW() ELSE finished_at END
		WHERE id = $1 AND completed_frames < total_items
		RETURNING `+analysisColumns, id)
	a, err := scanAnalysis(row)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, findErr := r.FindByID(ctx, id)
		if findErr != nil {
			return nil, false, findErr
		}
		if existing == nil {
			return nil, false, ErrAnalysisNotFound
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("increment analysis progress: %w", err)
	}
	return a, a.CompletedFrames >= a.TotalItems, nil
}

func (r *PgAnalysisRepository) MarkFailed(ctx context.Context, id string) error {
	return r.setStatus(ctx, id, `UPDATE analyses SET status = 'failed' WHERE id = $1 AND status <> 'completed'`)
}

func (r *PgAnalysisRepository) Reopen(ctx context.Context, id string) error {
	return r.setStatus(ctx, id, `UPDATE analyses SET status = 'processing' WHERE id = $1 AND status = 'failed'`)
}

func (r *PgAnalysisRepository) setStatus(ctx context.Context, id, query string) error {
	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("update analysis status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		existing, err := r.FindByID(ctx, id)
		if err != nil {
			return err
		}
		if existing == nil {
			return ErrAnalysisNotFound
		}
	}
	return nil
}

func (r *PgAnalysisRepository) DeleteByIDs(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.db.Exec(ctx, `DELETE FROM analyses WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("delete analyses: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanAnalysis(row pgx.Row) (*Analysis, error) {
	var a Analysis
	var config []byte
	var status string
	if err := row.Scan(&a.ID, &a.TrajectoryID, &a.TeamID, &a.Plugin, &config, &status,
		&a.CompletedFrames, &a.TotalItems, &a.CreatedAt, &a.FinishedAt); err != nil {
		return nil, err
	}
	a.Status = AnalysisStatus(status)
	if err := json.Unmarshal(config, &a.Config); err != nil {
		return nil, fmt.Errorf("unmarshal analysis config: %w", err)
	}
	return &a, nil
}

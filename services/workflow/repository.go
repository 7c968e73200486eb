package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository handles plugin persistence in PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new Repository backed by the given connection pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{db: pool}
}

// InitSchema creates the plugins table if it does not exist.
func (r *Repository) InitSchema(ctx context.Context) error {
	_, err := r.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS plugins (
			id                UUID PRIMARY KEY,
			slug              TEXT NOT NULL UNIQUE,
			team              TEXT NOT NULL DEFAULT '',
			name              TEXT NOT NULL DEFAULT '',
			workflow          JSONB NOT NULL DEFAULT '{"nodes":[],"edges":[]}',
			status            TEXT NOT NULL DEFAULT 'draft',
			validated         BOOLEAN NOT NULL DEFAULT FALSE,
			validation_errors JSONB NOT NULL DEFAULT '[]',
			created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

const pluginColumns = `id, slug, team, name, workflow, status, validated, validation_errors, created_at, updated_at`

// FindBySlug retrieves a plugin by slug. Returns nil, nil if not found.
func (r *Repository) FindBySlug(ctx context.Context, slug string) (*Plugin, error) {
	return r.findOne(ctx, `SELECT `+pluginColumns+` FROM plugins WHERE slug = $1`, slug)
}

// FindByID retrieves a plugin by id. Returns nil, nil if not found.
func (r *Repository) FindByID(ctx context.Context, id string) (*Plugin, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}
	return r.findOne(ctx, `SELECT `+pluginColumns+` FROM plugins WHERE id = $1`, id)
}

func (r *Repository) findOne(ctx context.Context, query string, arg any) (*Plugin, error) {
	var p Plugin
	var workflowJSON, errorsJSON []byte
	var status string

	err := r.db.QueryRow(ctx, query, arg).Scan(
		&p.ID, &p.Slug, &p.Team, &p.Name, &workflowJSON, &status,
		&p.Validated, &errorsJSON, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get plugin: %w", err)
	}
	p.Status = PluginStatus(status)

	if err := json.Unmarshal(workflowJSON, &p.Workflow); err != nil {
		return nil, fmt.Errorf("unmarshal workflow: %w", err)
	}
	if err := json.Unmarshal(errorsJSON, &p.ValidationErrors); err != nil {
		return nil, fmt.Errorf("unmarshal validation errors: %w", err)
	}
	return &p, nil
}

// Save inserts or updates a plugin by slug.
func (r *Repository) Save(ctx context.Context, p *Plugin) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Status == "" {
		p.Status = PluginDraft
	}
	if p.ValidationErrors == nil {
		p.ValidationErrors = []string{}
	}
	workflowJSON, err := json.Marshal(p.Workflow)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	errorsJSON, err := json.Marshal(p.ValidationErrors)
	if err != nil {
		return fmt.Errorf("marshal validation errors: %w", err)
	}

	now := time.Now().UTC()
	err = r.db.QueryRow(ctx, `
		INSERT INTO plugins (id, slug, team, name, workflow, status, validated, validation_errors, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (slug) DO UPDATE SET
			team = EXCLUDED.team,
			name = EXCLUDED.name,
			workflow = EXCLUDED.workflow,
			status = EXCLUDED.status,
			validated = EXCLUDED.validated,
			validation_errors = EXCLUDED.validation_errors,
			updated_at = EXCLUDED.updated_at
		RETURNING id, created_at, updated_at
	`, p.ID, p.Slug, p.Team, p.Name, workflowJSON, string(p.Status), p.Validated, errorsJSON, now,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save plugin: %w", err)
	}
	return nil
}

// InitDB creates the plugins schema. Called by serve on startup.
func InitDB(ctx context.Context, pool *pgxpool.Pool) error {
	return NewRepository(pool).InitSchema(ctx)
}

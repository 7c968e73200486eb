package listing

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping repository tests")
	}

	pool, err := pgxpool.New(context.Background(), dbURL)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })
	return pool
}

func TestPgRepository_UpsertAndFind(t *testing.T) {
	pool := getTestPool(t)
	repo := NewPgRepository(pool)
	ctx := context.Background()
	require.NoError(t, repo.InitSchema(ctx))
	require.NoError(t, repo.InitSchema(ctx))

	plugin := "listing-test-" + uuid.New().String()
	analysisID := uuid.New().String()
	t.Cleanup(func() { _ = repo.DeleteAnalyses(context.Background(), []string{analysisID}) })

	row := &Row{
		Plugin: plugin, ListingSlug: "high-energy", AnalysisID: analysisID, TrajectoryID: "t-1",
		Timestep: 10, ExposureID: "hot", Data: map[string]any{"mean": 1.0}, UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, repo.Upsert(ctx, row))

	row.Data = map[string]any{"mean": 2.5}
	require.NoError(t, repo.Upsert(ctx, row))

	rows, err := repo.FindAll(ctx, Filter{Plugin: plugin, ListingSlug: "high-energy"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 2.5, rows[0].Data["mean"])
	assert.Equal(t, "hot", rows[0].ExposureID)

	require.NoError(t, repo.DeleteAnalyses(ctx, []string{analysisID}))
	rows, err = repo.FindAll(ctx, Filter{Plugin: plugin})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

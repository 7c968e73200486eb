package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testJob(id, team, trajectory string, timestep int) *Job {
	return &Job{
		JobID:     id,
		TeamID:    team,
		QueueType: DefaultQueue,
		SessionID: "session-1",
		Metadata: AnalysisJobMetadata{
			TrajectoryID: trajectory,
			AnalysisID:   "analysis-" + trajectory,
			Timestep:     timestep,
			PluginSlug:   "frames",
			TotalItems:   1,
		},
	}
}

func TestStatusStore_CreateAndGet(t *testing.T) {
	store := NewStatusStore(openTestDB(t), "")
	ctx := context.Background()

	job := testJob("job-1", "team-1", "traj-1", 10)
	require.NoError(t, store.Create(ctx, job, job.update(StatusQueued)))

	rec, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, rec.Status)
	assert.Equal(t, "traj-1", rec.TrajectoryID)
	assert.Equal(t, 10, rec.Timestep)

	stored, err := store.Job(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, job.Metadata, stored.Metadata)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = store.Job(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestStatusStore_Transition(t *testing.T) {
	store := NewStatusStore(openTestDB(t), DefaultQueue)
	ctx := context.Background()
	job := testJob("job-1", "team-1", "traj-1", 10)
	queued := job.update(StatusQueued)
	require.NoError(t, store.Create(ctx, job, queued))

	running := job.update(StatusRunning)
	running.Timestamp = queued.Timestamp.Add(time.Second)
	prev, err := store.Transition(ctx, running)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, prev.Status)

	t.Run("older update is stale", func(t *testing.T) {
		late := job.update(StatusFailed)
		late.Timestamp = queued.Timestamp
		_, err := store.Transition(ctx, late)
		assert.ErrorIs(t, err, ErrStaleUpdate)
		assert.Equal(t, StatusRunning, mustGet(t, store, "job-1").Status)
	})

	t.Run("unknown job", func(t *testing.T) {
		_, err := store.Transition(ctx, testJob("ghost", "team-1", "traj-1", 1).update(StatusRunning))
		assert.ErrorIs(t, err, ErrJobNotFound)
	})

	t.Run("completed is final", func(t *testing.T) {
		done := job.update(StatusCompleted)
		done.Timestamp = running.Timestamp.Add(time.Second)
		_, err := store.Transition(ctx, done)
		require.NoError(t, err)

		again := job.update(StatusRunning)
		again.Timestamp = done.Timestamp.Add(time.Second)
		_, err = store.Transition(ctx, again)
		assert.ErrorIs(t, err, ErrStaleUpdate)

		redone := job.update(StatusCompleted)
		redone.Timestamp = again.Timestamp
		prev, err := store.Transition(ctx, redone)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, prev.Status)
	})
}

func TestStatusStore_ListAndDelete(t *testing.T) {
	store := NewStatusStore(openTestDB(t), DefaultQueue)
	ctx := context.Background()

	for _, job := range []*Job{
		testJob("b", "team-1", "traj-1", 1),
		testJob("a", "team-1", "traj-2", 1),
		testJob("c", "team-1", "traj-1", 2),
		testJob("d", "team-2", "traj-1", 1),
	} {
		require.NoError(t, store.Create(ctx, job, job.update(StatusQueued)))
	}

	team, err := store.ListTeam(ctx, "team-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, jobIDs(team))

	traj, err := store.ListTrajectory(ctx, "team-1", "traj-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, jobIDs(traj))

	require.NoError(t, store.Delete(ctx, "team-1", []string{"b", "c", "unknown"}))
	team, err = store.ListTeam(ctx, "team-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, jobIDs(team))

	_, err = store.Job(ctx, "b")
	assert.ErrorIs(t, err, ErrJobNotFound)

	other, err := store.ListTeam(ctx, "team-2")
	require.NoError(t, err)
	assert.Equal(t, []string{"d"}, jobIDs(other))
}

func mustGet(t *testing.T, store *StatusStore, jobID string) *StatusUpdate {
	t.Helper()
	rec, err := store.Get(context.Background(), jobID)
	require.NoError(t, err)
	return rec
}

func TestStatusStore_TeamIndexIsolatesSeparatorIDs(t *testing.T) {
	store := NewStatusStore(openTestDB(t), "")
	ctx := context.Background()

	for _, job := range []*Job{
		testJob("job-a", "a", "traj-1", 1),
		testJob("job-a-jobs", "a:jobs", "traj-1", 1),
	} {
		require.NoError(t, store.Create(ctx, job, job.update(StatusQueued)))
	}

	recs, err := store.ListTeam(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"job-a"}, jobIDs(recs))

	recs, err = store.ListTeam(ctx, "a:jobs")
	require.NoError(t, err)
	assert.Equal(t, []string{"job-a-jobs"}, jobIDs(recs))
}

func jobIDs(recs []StatusUpdate) []string {
	out := make([]string, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.JobID)
	}
	return out
}

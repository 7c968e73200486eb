package jobs

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(env *testEnv) *mux.Router {
	router := mux.NewRouter()
	svc := NewService(env.scheduler, env.statuses, env.analyses, env.bulk, env.exposures, env.hub)
	svc.LoadRoutes(router)
	return router
}

func serve(router http.Handler, method, url string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(method, url, &buf))
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHandleStartAnalysis(t *testing.T) {
	env := newTestEnv(t)
	env.savePlugin(t, "frames", frameWorkflow())
	draft := frameWorkflow()
	env.savePlugin(t, "draft", draft)
	p, err := env.plugins.FindBySlug(context.Background(), "draft")
	require.NoError(t, err)
	p.Validated = false
	require.NoError(t, env.plugins.Save(context.Background(), p))
	env.cache.Invalidate("draft")

	router := newTestRouter(env)

	tests := []struct {
		name       string
		body       any
		wantStatus int
		wantJobs   float64
		wantMsg    string
	}{
		{
			name:       "scheduled",
			body:       map[string]any{"teamId": "team-1", "trajectoryId": "traj-1", "plugin": "frames", "timesteps": []int{1, 2}},
			wantStatus: http.StatusCreated,
			wantJobs:   2,
		},
		{
			name:       "missing trajectory",
			body:       map[string]any{"teamId": "team-1", "plugin": "frames"},
			wantStatus: http.StatusBadRequest,
			wantMsg:    "trajectoryId is required",
		},
		{
			name:       "unknown plugin",
			body:       map[string]any{"teamId": "team-1", "trajectoryId": "traj-1", "plugin": "nope"},
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "plugin not validated",
			body:       map[string]any{"teamId": "team-1", "trajectoryId": "traj-1", "plugin": "draft"},
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "invalid body",
			body:       "not an object",
			wantStatus: http.StatusBadRequest,
			wantMsg:    "invalid request body",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(router, http.MethodPost, "/analyses", tt.body)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			body := decode(t, rec)
			if tt.wantStatus == http.StatusCreated {
				assert.Equal(t, tt.wantJobs, body["jobs"])
				assert.NotEmpty(t, body["sessionId"])
				analysis := body["analysis"].(map[string]any)
				assert.Equal(t, "queued", analysis["status"])
				return
			}
			assert.NotEmpty(t, body["message"])
			if tt.wantMsg != "" {
				assert.Equal(t, tt.wantMsg, body["message"])
			}
		})
	}
}

func TestHandleGetAnalysisAndExposure(t *testing.T) {
	env := newTestEnv(t)
	env.savePlugin(t, "frames", frameWorkflow())
	env.uploadDump(t, "traj-1", 3)
	res, err := env.scheduler.StartAnalysis(context.Background(), StartRequest{TeamID: "team-1", TrajectoryID: "traj-1", PluginSlug: "frames"})
	require.NoError(t, err)
	require.Equal(t, 1, env.runReady(t))

	router := newTestRouter(env)

	rec := serve(router, http.MethodGet, "/analyses/"+res.Analysis.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, float64(1), body["completedFrames"])

	rec = serve(router, http.MethodGet, "/analyses/"+res.Analysis.ID+"/exposures/frame/timesteps/3", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body = decode(t, rec)
	data := body["data"].(map[string]any)
	assert.Equal(t, float64(3), data["timestep"])

	tests := []struct {
		name string
		url  string
		want int
	}{
		{"unknown analysis", "/analyses/missing", http.StatusNotFound},
		{"unknown exposure", "/analyses/" + res.Analysis.ID + "/exposures/nope/timesteps/3", http.StatusNotFound},
		{"unknown timestep", "/analyses/" + res.Analysis.ID + "/exposures/frame/timesteps/4", http.StatusNotFound},
		{"non numeric timestep", "/analyses/" + res.Analysis.ID + "/exposures/frame/timesteps/abc", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(router, http.MethodGet, tt.url, nil)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestHandleListJobs(t *testing.T) {
	env := newTestEnv(t)
	env.savePlugin(t, "frames", frameWorkflow())
	env.uploadDump(t, "traj-1", 5)
	_, err := env.scheduler.StartAnalysis(context.Background(), StartRequest{
		TeamID: "team-1", TrajectoryID: "traj-1", TrajectoryName: "Copper", PluginSlug: "frames", Timesteps: []int{5, 6},
	})
	require.NoError(t, err)
	env.pool.cfg.UploadRetryDelay = time.Hour
	require.Equal(t, 2, env.runReady(t))

	router := newTestRouter(env)
	rec := serve(router, http.MethodGet, "/teams/team-1/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Trajectories []TrajectoryGroup `json:"trajectories"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Trajectories, 1)
	g := body.Trajectories[0]
	assert.Equal(t, "Copper", g.TrajectoryName)
	assert.Equal(t, GroupRunning, g.Status)
	assert.Equal(t, 2, g.Total)
	assert.Equal(t, 1, g.Completed)
	require.Len(t, g.Frames, 2)
	assert.Equal(t, GroupCompleted, g.Frames[0].Status)
	assert.Equal(t, GroupRunning, g.Frames[1].Status)

	rec = serve(router, http.MethodGet, "/teams/team-2/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Empty(t, body.Trajectories)
}

func TestHandleBulkOperations(t *testing.T) {
	env := newTestEnv(t)
	env.savePlugin(t, "frames", frameWorkflow())
	env.uploadDump(t, "traj-1", 1)
	env.failing.Store(true)
	_, err := env.scheduler.StartAnalysis(context.Background(), StartRequest{TeamID: "team-1", TrajectoryID: "traj-1", PluginSlug: "frames"})
	require.NoError(t, err)
	require.Equal(t, 1, env.runReady(t))
	env.failing.Store(false)

	router := newTestRouter(env)

	release, err := env.locker.Acquire(context.Background(), "team-1", "traj-1")
	require.NoError(t, err)
	rec := serve(router, http.MethodPost, "/teams/team-1/trajectories/traj-1/jobs/retry-failed", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, ErrLockConflict.Error(), decode(t, rec)["message"])
	release()

	rec = serve(router, http.MethodPost, "/teams/team-1/trajectories/traj-1/jobs/retry-failed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["retried"])

	rec = serve(router, http.MethodDelete, "/teams/team-1/trajectories/traj-1/jobs/running", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var res BulkResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, BulkResult{Jobs: 1, Analyses: 1, Dequeued: 1}, res)

	rec = serve(router, http.MethodDelete, "/teams/team-1/trajectories/traj-1/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, BulkResult{}, res)
}

func TestHandleStreamJobs(t *testing.T) {
	env := newTestEnv(t)
	server := httptest.NewServer(newTestRouter(env))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/teams/team-1/jobs/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return env.hub.Subscribers("team-1") == 1 }, time.Second, 5*time.Millisecond)
	env.hub.Publish(StatusUpdate{JobID: "job-1", TeamID: "team-1", Status: StatusRunning})

	reader := bufio.NewReader(resp.Body)
	event, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: job-status\n", event)
	data, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(data, "data: "))

	var update StatusUpdate
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(data, "data: ")), &update))
	assert.Equal(t, "job-1", update.JobID)
	assert.Equal(t, StatusRunning, update.Status)

	cancel()
	require.Eventually(t, func() bool { return env.hub.Subscribers("team-1") == 0 }, time.Second, 5*time.Millisecond)
}

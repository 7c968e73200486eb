package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"plugin-engine/api/services/exposure"
	"plugin-engine/api/services/workflow"
)

// Service exposes analyses, job status and bulk operations over HTTP.
type Service struct {
	scheduler *Scheduler
	statuses  *StatusStore
	analyses  AnalysisRepository
	bulk      *Bulk
	exposures ExposureStore
	hub       *Hub
}

func NewService(scheduler *Scheduler, statuses *StatusStore, analyses AnalysisRepository, bulk *Bulk, exposures ExposureStore, hub *Hub) *Service {
	return &Service{
		scheduler: scheduler,
		statuses:  statuses,
		analyses:  analyses,
		bulk:      bulk,
		exposures: exposures,
		hub:       hub,
	}
}

// GetAnalysis returns the analysis with the given id or ErrAnalysisNotFound.
func (s *Service) GetAnalysis(ctx context.Context, id string) (*Analysis, error) {
	a, err := s.analyses.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("%w: %s", ErrAnalysisNotFound, id)
	}
	return a, nil
}

// TeamJobs returns the team's jobs grouped by trajectory and timestep.
func (s *Service) TeamJobs(ctx context.Context, teamID string) ([]TrajectoryGroup, error) {
	recs, err := s.statuses.ListTeam(ctx, teamID)
	if err != nil {
		return nil, err
	}
	return GroupJobs(recs), nil
}

// LoadRoutes registers the analysis and job handlers on the given router.
func (s *Service) LoadRoutes(parentRouter *mux.Router) {
	analyses := parentRouter.PathPrefix("/analyses").Subrouter()
	analyses.StrictSlash(false)
	analyses.Use(jsonMiddleware)
	analyses.HandleFunc("", s.HandleStartAnalysis).Methods("POST")
	analyses.HandleFunc("/{analysisId}", s.HandleGetAnalysis).Methods("GET")
	analyses.HandleFunc("/{analysisId}/exposures/{exposureId}/timesteps/{timestep:[0-9]+}", s.HandleGetExposure).Methods("GET")

	teams := parentRouter.PathPrefix("/teams/{teamId}").Subrouter()
	teams.StrictSlash(false)
	teams.HandleFunc("/jobs/stream", s.HandleStreamJobs).Methods("GET")

	teamsJSON := teams.NewRoute().Subrouter()
	teamsJSON.Use(jsonMiddleware)
	teamsJSON.HandleFunc("/jobs", s.HandleListJobs).Methods("GET")
	teamsJSON.HandleFunc("/trajectories/{trajectoryId}/jobs", s.HandleClearHistory).Methods("DELETE")
	teamsJSON.HandleFunc("/trajectories/{trajectoryId}/jobs/running", s.HandleRemoveRunning).Methods("DELETE")
	teamsJSON.HandleFunc("/trajectories/{trajectoryId}/jobs/retry-failed", s.HandleRetryFailed).Methods("POST")
}

// HandleStartAnalysis fans a plugin run out into jobs.
func (s *Service) HandleStartAnalysis(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := s.scheduler.StartAnalysis(r.Context(), req)
	if err != nil {
		fail(w, "Failed to start analysis", err, "plugin", req.PluginSlug, "trajectoryId", req.TrajectoryID)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"analysis":  res.Analysis,
		"sessionId": res.SessionID,
		"jobs":      len(res.Jobs),
	})
}

func (s *Service) HandleGetAnalysis(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["analysisId"]
	a, err := s.GetAnalysis(r.Context(), id)
	if err != nil {
		fail(w, "Failed to get analysis", err, "analysisId", id)
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(a)
}

// HandleGetExposure replays the stored output of one exposure for one
// timestep. The optional iterable query parameter unwraps chunked output.
func (s *Service) HandleGetExposure(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["analysisId"]
	timestep, err := strconv.Atoi(vars["timestep"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid timestep")
		return
	}

	a, err := s.GetAnalysis(r.Context(), id)
	if err != nil {
		fail(w, "Failed to get analysis", err, "analysisId", id)
		return
	}

	value, err := s.exposures.ReadExposure(r.Context(), a.TrajectoryID, a.ID, vars["exposureId"], timestep, r.URL.Query().Get("iterable"))
	if err != nil {
		fail(w, "Failed to read exposure", err, "analysisId", id, "exposureId", vars["exposureId"], "timestep", timestep)
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"analysisId": a.ID,
		"exposureId": vars["exposureId"],
		"timestep":   timestep,
		"data":       value,
	})
}

func (s *Service) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	teamID := mux.Vars(r)["teamId"]
	groups, err := s.TeamJobs(r.Context(), teamID)
	if err != nil {
		fail(w, "Failed to list jobs", err, "teamId", teamID)
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{"trajectories": groups})
}

func (s *Service) HandleClearHistory(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	res, err := s.bulk.ClearHistory(r.Context(), vars["teamId"], vars["trajectoryId"])
	if err != nil {
		fail(w, "Failed to clear job history", err, "teamId", vars["teamId"], "trajectoryId", vars["trajectoryId"])
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(res)
}

func (s *Service) HandleRemoveRunning(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	res, err := s.bulk.RemoveRunningJobs(r.Context(), vars["teamId"], vars["trajectoryId"])
	if err != nil {
		fail(w, "Failed to remove running jobs", err, "teamId", vars["teamId"], "trajectoryId", vars["trajectoryId"])
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(res)
}

func (s *Service) HandleRetryFailed(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	n, err := s.bulk.RetryFailedJobs(r.Context(), vars["teamId"], vars["trajectoryId"])
	if err != nil {
		fail(w, "Failed to retry jobs", err, "teamId", vars["teamId"], "trajectoryId", vars["trajectoryId"])
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]int{"retried": n})
}

// HandleStreamJobs streams the team's status updates as server-sent events
// until the client disconnects.
func (s *Service) HandleStreamJobs(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	teamID := mux.Vars(r)["teamId"]
	updates, unsubscribe := s.hub.Subscribe(teamID)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			data, err := json.Marshal(update)
			if err != nil {
				slog.Error("Failed to encode status update", "jobId", update.JobID, "error", err)
				continue
			}
			fmt.Fprintf(w, "event: job-status\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	var vErr *validationError
	switch {
	case errors.As(err, &vErr):
		return http.StatusBadRequest
	case errors.Is(err, ErrLockConflict):
		return http.StatusConflict
	case errors.Is(err, ErrPluginNotValidated):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrAnalysisNotFound),
		errors.Is(err, workflow.ErrPluginNotFound),
		errors.Is(err, exposure.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// fail logs err and writes a response that only carries a message safe for
// clients.
func fail(w http.ResponseWriter, msg string, err error, attrs ...any) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error(msg, append(attrs, "error", err)...)
		writeError(w, status, "internal server error")
		return
	}
	slog.Debug(msg, append(attrs, "error", err)...)
	writeError(w, status, err.Error())
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"message": message})
}

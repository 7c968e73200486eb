package workflow

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
)

// HandleGetPlugin loads a plugin definition and returns it as JSON.
func (s *Service) HandleGetPlugin(w http.ResponseWriter, r *http.Request) {
	slug := mux.Vars(r)["slug"]
	slog.Debug("Getting plugin", "slug", slug)

	p, err := s.Get(r.Context(), slug)
	if err != nil {
		s.fail(w, "Failed to get plugin", slug, err)
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(p)
}

// HandleSavePlugin stores the request body as a new draft of the plugin.
func (s *Service) HandleSavePlugin(w http.ResponseWriter, r *http.Request) {
	slug := mux.Vars(r)["slug"]

	var req SavePluginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validateSaveRequest(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	p := &Plugin{Slug: slug, Team: req.Team, Name: req.Name, Workflow: req.Workflow}
	if err := s.Save(r.Context(), p); err != nil {
		s.fail(w, "Failed to save plugin", slug, err)
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(p)
}

// HandleValidatePlugin validates the stored plugin graph.
func (s *Service) HandleValidatePlugin(w http.ResponseWriter, r *http.Request) {
	slug := mux.Vars(r)["slug"]

	p, err := s.Validate(r.Context(), slug)
	if err != nil {
		s.fail(w, "Failed to validate plugin", slug, err)
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(p)
}

// HandlePublishPlugin validates and publishes the plugin. Invalid plugins
// are returned with their validation errors and status 422.
func (s *Service) HandlePublishPlugin(w http.ResponseWriter, r *http.Request) {
	slug := mux.Vars(r)["slug"]

	p, err := s.Publish(r.Context(), slug)
	if err != nil {
		s.fail(w, "Failed to publish plugin", slug, err)
		return
	}

	if !p.Validated {
		w.WriteHeader(http.StatusUnprocessableEntity)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(p)
}

func (s *Service) fail(w http.ResponseWriter, msg, slug string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error(msg, "slug", slug, "error", err)
		writeError(w, status, "internal server error")
		return
	}
	writeError(w, status, err.Error())
}

// SavePluginRequest is the JSON body of PUT /plugins/{slug}.
type SavePluginRequest struct {
	Team     string   `json:"team"`
	Name     string   `json:"name"`
	Workflow Workflow `json:"workflow"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"message": message})
}

func validateSaveRequest(req SavePluginRequest) error {
	if req.Team == "" {
		return errMissing("team")
	}
	if len(req.Workflow.Nodes) == 0 {
		return errMissing("workflow")
	}
	return nil
}

type validationError struct {
	field string
	kind  string
}

func (e *validationError) Error() string {
	if e.kind == "missing" {
		return e.field + " is required"
	}
	return e.field + " is invalid"
}

func errMissing(field string) error { return &validationError{field: field, kind: "missing"} }

package listing

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
)

// Service serves precomputed listing rows over HTTP.
type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// LoadRoutes registers the listing handlers on the given router.
func (s *Service) LoadRoutes(parentRouter *mux.Router) {
	router := parentRouter.PathPrefix("/plugins/{slug}/listings").Subrouter()
	router.StrictSlash(false)
	router.Use(jsonMiddleware)

	router.HandleFunc("/{listingSlug}", s.HandleGetListing).Methods("GET")
}

// HandleGetListing returns the rows of one listing, optionally narrowed to
// one analysis or trajectory. Frames that have not been precomputed yet are
// simply absent.
func (s *Service) HandleGetListing(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	f := Filter{
		Plugin:       vars["slug"],
		ListingSlug:  vars["listingSlug"],
		AnalysisID:   r.URL.Query().Get("analysisId"),
		TrajectoryID: r.URL.Query().Get("trajectoryId"),
	}

	rows, err := s.repo.FindAll(r.Context(), f)
	if err != nil {
		slog.Error("Failed to list rows", "plugin", f.Plugin, "listing", f.ListingSlug, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{"rows": rows, "total": len(rows)})
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"message": message})
}

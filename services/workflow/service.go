package workflow

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
)

// Service wires plugin persistence, validation and the plugin cache.
type Service struct {
	repo      PluginRepo
	cache     *PluginCache
	modifiers ModifierSet
	exporters map[string]Exporter
}

// NewService creates a Service. The cache is shared with the worker pool so
// that saving or publishing a plugin drops the stale entry.
func NewService(repo PluginRepo, cache *PluginCache, modifiers ModifierSet, exporters map[string]Exporter) *Service {
	if modifiers == nil {
		modifiers = BuiltinModifiers()
	}
	return &Service{repo: repo, cache: cache, modifiers: modifiers, exporters: exporters}
}

// Get returns the plugin with the given slug or ErrPluginNotFound.
func (s *Service) Get(ctx context.Context, slug string) (*Plugin, error) {
	p, err := s.repo.FindBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, slug)
	}
	return p, nil
}

// Save stores a new draft revision of a plugin. Any earlier validation is
// discarded.
func (s *Service) Save(ctx context.Context, p *Plugin) error {
	if p.Slug == "" {
		return errMissing("slug")
	}
	p.Status = PluginDraft
	p.Validated = false
	p.ValidationErrors = []string{}
	if err := s.repo.Save(ctx, p); err != nil {
		return err
	}
	s.cache.Invalidate(p.Slug)
	return nil
}

// Validate runs graph validation and records the outcome on the plugin.
func (s *Service) Validate(ctx context.Context, slug string) (*Plugin, error) {
	return s.validate(ctx, slug, false)
}

// Publish validates the plugin and publishes it when it has no errors.
func (s *Service) Publish(ctx context.Context, slug string) (*Plugin, error) {
	return s.validate(ctx, slug, true)
}

func (s *Service) validate(ctx context.Context, slug string, publish bool) (*Plugin, error) {
	p, err := s.Get(ctx, slug)
	if err != nil {
		return nil, err
	}

	errs := Validate(&p.Workflow, s.modifiers, s.exporters)
	p.ValidationErrors = make([]string, 0, len(errs))
	for _, e := range errs {
		p.ValidationErrors = append(p.ValidationErrors, e.Error())
	}
	p.Validated = len(errs) == 0
	if publish && p.Validated {
		p.Status = PluginPublished
	}

	if err := s.repo.Save(ctx, p); err != nil {
		return nil, err
	}
	s.cache.Invalidate(slug)
	return p, nil
}

// jsonMiddleware sets the Content-Type header to application/json.
func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// LoadRoutes registers plugin HTTP handlers on the given router.
func (s *Service) LoadRoutes(parentRouter *mux.Router) {
	router := parentRouter.PathPrefix("/plugins").Subrouter()
	router.StrictSlash(false)
	router.Use(jsonMiddleware)

	router.HandleFunc("/{slug}", s.HandleGetPlugin).Methods("GET")
	router.HandleFunc("/{slug}", s.HandleSavePlugin).Methods("PUT")
	router.HandleFunc("/{slug}/validate", s.HandleValidatePlugin).Methods("POST")
	router.HandleFunc("/{slug}/publish", s.HandlePublishPlugin).Methods("POST")
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	var vErr *validationError
	switch {
	case errors.As(err, &vErr):
		return http.StatusBadRequest
	case errors.Is(err, ErrPluginNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

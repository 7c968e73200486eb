package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository keeps plugins in process memory. It is used when no
// database is configured and by tests.
type MemoryRepository struct {
	mu     sync.RWMutex
	bySlug map[string]*Plugin
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{bySlug: make(map[string]*Plugin)}
}

func (r *MemoryRepository) FindBySlug(_ context.Context, slug string) (*Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.bySlug[slug]
	if !ok {
		return nil, nil
	}
	return clonePlugin(p)
}

func (r *MemoryRepository) FindByID(_ context.Context, id string) (*Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.bySlug {
		if p.ID == id {
			return clonePlugin(p)
		}
	}
	return nil, nil
}

func (r *MemoryRepository) Save(_ context.Context, p *Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := r.bySlug[p.Slug]; ok {
		p.ID = existing.ID
		p.CreatedAt = existing.CreatedAt
	} else {
		if p.ID == "" {
			p.ID = uuid.New().String()
		}
		p.CreatedAt = now
	}
	if p.Status == "" {
		p.Status = PluginDraft
	}
	p.UpdatedAt = now

	stored, err := clonePlugin(p)
	if err != nil {
		return err
	}
	r.bySlug[p.Slug] = stored
	return nil
}

// clonePlugin deep copies p so callers never share graph state with the store.
func clonePlugin(p *Plugin) (*Plugin, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("clone plugin: %w", err)
	}
	var out Plugin
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("clone plugin: %w", err)
	}
	return &out, nil
}

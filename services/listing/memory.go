package listing

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryRepository keeps listing rows in process memory.
type MemoryRepository struct {
	mu   sync.RWMutex
	rows map[string]Row
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{rows: make(map[string]Row)}
}

func rowKey(r *Row) string {
	return fmt.Sprintf("%s\x00%s\x00%s\x00%d", r.Plugin, r.ListingSlug, r.AnalysisID, r.Timestep)
}

func (m *MemoryRepository) Upsert(_ context.Context, row *Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[rowKey(row)] = *row
	return nil
}

func (m *MemoryRepository) FindAll(_ context.Context, f Filter) ([]Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []Row{}
	for _, r := range m.rows {
		if f.matches(&r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AnalysisID != out[j].AnalysisID {
			return out[i].AnalysisID < out[j].AnalysisID
		}
		return out[i].Timestep < out[j].Timestep
	})
	return out, nil
}

func (m *MemoryRepository) DeleteAnalyses(_ context.Context, analysisIDs []string) error {
	ids := make(map[string]bool, len(analysisIDs))
	for _, id := range analysisIDs {
		ids[id] = true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, r := range m.rows {
		if ids[r.AnalysisID] {
			delete(m.rows, k)
		}
	}
	return nil
}

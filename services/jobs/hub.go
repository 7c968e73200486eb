package jobs

import (
	"log/slog"
	"sync"
)

const subscriberBuffer = 64

// Hub fans job status updates out to per-team subscribers. Slow subscribers
// lose updates instead of blocking workers.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[int]chan StatusUpdate
	nextID int
	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   make(map[string]map[int]chan StatusUpdate),
		logger: logger.With("component", "status-hub"),
	}
}

// Subscribe registers a subscriber for teamID. The returned function
// unsubscribes and closes the channel.
func (h *Hub) Subscribe(teamID string) (<-chan StatusUpdate, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	id := h.nextID
	ch := make(chan StatusUpdate, subscriberBuffer)
	if h.subs[teamID] == nil {
		h.subs[teamID] = make(map[int]chan StatusUpdate)
	}
	h.subs[teamID][id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() { h.unsubscribe(teamID, id) })
	}
}

func (h *Hub) unsubscribe(teamID string, id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[teamID][id]; ok {
		delete(h.subs[teamID], id)
		close(ch)
	}
	if len(h.subs[teamID]) == 0 {
		delete(h.subs, teamID)
	}
}

// Publish delivers update to every subscriber of update.TeamID.
func (h *Hub) Publish(update StatusUpdate) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs[update.TeamID] {
		select {
		case ch <- update:
		default:
			h.logger.Warn("dropping status update for slow subscriber", "teamId", update.TeamID, "jobId", update.JobID)
		}
	}
}

// Subscribers returns the number of subscribers of teamID.
func (h *Hub) Subscribers(teamID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[teamID])
}

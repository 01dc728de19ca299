package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/wager-engine/internal/model"
)

// MemoryStore implements Store with an in-process map. Used for tests and
// single-process deployments. Not durable.
type MemoryStore struct {
	mu     sync.RWMutex
	wagers map[int64]*model.Wager
	nextID int64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wagers: make(map[int64]*model.Wager),
	}
}

func (s *MemoryStore) CreateWager(_ context.Context, w *model.Wager) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	w.ID = s.nextID

	// Store a copy to avoid external mutation.
	s.wagers[w.ID] = w.Clone()
	return nil
}

func (s *MemoryStore) GetWager(_ context.Context, id int64) (*model.Wager, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wagers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return w.Clone(), nil
}

func (s *MemoryStore) UpdateWager(_ context.Context, w *model.Wager) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.wagers[w.ID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, w.ID)
	}

	// Immutable fields are kept from the stored row.
	updated := w.Clone()
	updated.ConversationID = existing.ConversationID
	updated.Proposer = existing.Proposer
	updated.Prompt = existing.Prompt
	updated.Stake = existing.Stake
	updated.CreatedAt = existing.CreatedAt
	s.wagers[w.ID] = updated
	return nil
}

func (s *MemoryStore) ListWagers(_ context.Context, status model.Status) ([]model.Wager, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wagers := make([]model.Wager, 0, len(s.wagers))
	for _, w := range s.wagers {
		if status != "" && w.Status != status {
			continue
		}
		wagers = append(wagers, *w.Clone())
	}
	sort.Slice(wagers, func(i, j int) bool { return wagers[i].ID < wagers[j].ID })
	return wagers, nil
}

package anchor

import (
	"context"
	"sync"
)

// TicketStore persists tickets. Implementations must be safe for concurrent
// use; the service serializes writes per subject on top of this.
type TicketStore interface {
	Create(ctx context.Context, t *Ticket) error
	Update(ctx context.Context, t *Ticket) error

	// Get returns the ticket for (subjectID, digest), or ErrNotFound.
	Get(ctx context.Context, subjectID, digest string) (*Ticket, error)

	// GetByID returns the ticket with the given id, or ErrNotFound.
	GetByID(ctx context.Context, id string) (*Ticket, error)

	// ListByState returns all tickets in the given state.
	ListByState(ctx context.Context, state State) ([]*Ticket, error)
}

// MemStore is an in-memory TicketStore for tests and local runs.
type MemStore struct {
	mu      sync.RWMutex
	byID    map[string]*Ticket
	byPair  map[pairKey]string
}

type pairKey struct{ subject, digest string }

// NewMemStore creates an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		byID:   make(map[string]*Ticket),
		byPair: make(map[pairKey]string),
	}
}

func (s *MemStore) Create(ctx context.Context, t *Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.byID[t.ID] = &cp
	s.byPair[pairKey{t.SubjectID, t.Digest}] = t.ID
	return nil
}

func (s *MemStore) Update(ctx context.Context, t *Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[t.ID]; !ok {
		return ErrNotFound
	}
	cp := *t
	s.byID[t.ID] = &cp
	return nil
}

func (s *MemStore) Get(ctx context.Context, subjectID, digest string) (*Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byPair[pairKey{subjectID, digest}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.byID[id]
	return &cp, nil
}

func (s *MemStore) GetByID(ctx context.Context, id string) (*Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemStore) ListByState(ctx context.Context, state State) ([]*Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Ticket
	for _, t := range s.byID {
		if t.State == state {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

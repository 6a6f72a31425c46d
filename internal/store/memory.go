package store

import (
	"context"
	"sync"

	"vpsforge/internal/instance"
)

// MemoryStore is an in-memory Store used by tests and the --memory serve mode
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]instance.Record
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]instance.Record),
	}
}

// Close is a no-op for the in-memory store
func (s *MemoryStore) Close() error {
	return nil
}

// Insert stores a new record, failing if the ID is already present
func (s *MemoryStore) Insert(ctx context.Context, rec *instance.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.ID]; exists {
		return ErrAlreadyExists
	}
	s.records[rec.ID] = *rec
	return nil
}

// Update overwrites an existing record
func (s *MemoryStore) Update(ctx context.Context, rec *instance.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.ID]; !exists {
		return ErrNotFound
	}
	s.records[rec.ID] = *rec
	return nil
}

// FindByID retrieves a record by internal instance ID
func (s *MemoryStore) FindByID(ctx context.Context, id string) (*instance.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.records[id]
	if !exists {
		return nil, ErrNotFound
	}
	// Return a copy so callers cannot mutate stored state
	out := rec
	return &out, nil
}

// FindByExternalID retrieves the record carrying the given billing-service ID
func (s *MemoryStore) FindByExternalID(ctx context.Context, externalID string) (*instance.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rec := range s.records {
		if rec.ExternalServiceID == externalID {
			out := rec
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

// List returns all instance records
func (s *MemoryStore) List(ctx context.Context) ([]*instance.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]*instance.Record, 0, len(s.records))
	for _, rec := range s.records {
		out := rec
		records = append(records, &out)
	}
	return records, nil
}

package store

import (
	"context"
	"sync"
)

// MemoryStore is an in-process CallStore and CredentialStore, used when no
// redis backend is configured and throughout the tests.
type MemoryStore struct {
	mu    sync.RWMutex
	calls map[string]CallRecord
	creds map[string]ProviderCredentials
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		calls: make(map[string]CallRecord),
		creds: make(map[string]ProviderCredentials),
	}
}

func (s *MemoryStore) SaveCall(_ context.Context, rec *CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[rec.ID] = *rec
	return nil
}

func (s *MemoryStore) GetCall(_ context.Context, id string) (*CallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.calls[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := rec
	return &out, nil
}

func (s *MemoryStore) ListActiveCalls(_ context.Context) ([]*CallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*CallRecord
	for _, rec := range s.calls {
		if !rec.Status.Terminal() {
			cp := rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) DeleteCall(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.calls, id)
	return nil
}

func (s *MemoryStore) SaveCredentials(_ context.Context, tenantID string, creds *ProviderCredentials) error {
	if err := creds.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[tenantID] = *creds
	return nil
}

func (s *MemoryStore) GetCredentials(_ context.Context, tenantID string) (*ProviderCredentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	creds, ok := s.creds[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	out := creds
	return &out, nil
}

package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/ruteri/wallet-provisioning-backend/interfaces"
)

// MemoryPassStore keeps passes in process memory. Used for tests and for
// development runs that do not need a persistent pass library.
type MemoryPassStore struct {
	name string

	mu     sync.RWMutex
	passes map[string]interfaces.ProvisionedPass
}

// NewMemoryPassStore creates an empty in-memory pass library.
func NewMemoryPassStore(name string) *MemoryPassStore {
	if name == "" {
		name = "default"
	}
	return &MemoryPassStore{
		name:   name,
		passes: make(map[string]interfaces.ProvisionedPass),
	}
}

func (s *MemoryPassStore) Put(ctx context.Context, pass interfaces.ProvisionedPass) error {
	if err := validateSerial(pass.SerialNumber); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passes[pass.SerialNumber] = pass
	return nil
}

func (s *MemoryPassStore) List(ctx context.Context) ([]interfaces.ProvisionedPass, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	passes := make([]interfaces.ProvisionedPass, 0, len(s.passes))
	for _, pass := range s.passes {
		passes = append(passes, pass)
	}
	return passes, nil
}

func (s *MemoryPassStore) Delete(ctx context.Context, serialNumber string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.passes[serialNumber]; !ok {
		return interfaces.ErrPassNotFound
	}
	delete(s.passes, serialNumber)
	return nil
}

func (s *MemoryPassStore) Available(ctx context.Context) bool {
	return true
}

func (s *MemoryPassStore) Name() string {
	return fmt.Sprintf("memory-%s", s.name)
}

func (s *MemoryPassStore) LocationURI() string {
	return fmt.Sprintf("memory://%s", s.name)
}

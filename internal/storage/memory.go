package storage

import (
	"sync"

	apppb "go.viam.com/api/app/v1"
	"google.golang.org/protobuf/proto"
)

// MemStore is an in-memory Storage used by tests and by builds with no
// writable filesystem.
type MemStore struct {
	mu     sync.Mutex
	creds  *Credentials
	config *apppb.RobotConfig
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{}
}

func (s *MemStore) HasCredentials() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds != nil
}

func (s *MemStore) GetCredentials() (Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.creds == nil {
		return Credentials{}, ErrNotFound
	}
	return *s.creds, nil
}

func (s *MemStore) StoreCredentials(c Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = &c
	return nil
}

func (s *MemStore) ResetCredentials() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = nil
	return nil
}

func (s *MemStore) HasConfig() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config != nil
}

func (s *MemStore) GetConfig() (*apppb.RobotConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.config == nil {
		return nil, ErrNotFound
	}
	return proto.Clone(s.config).(*apppb.RobotConfig), nil
}

func (s *MemStore) StoreConfig(cfg *apppb.RobotConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config = proto.Clone(cfg).(*apppb.RobotConfig)
	return nil
}

func (s *MemStore) ResetConfig() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config = nil
	return nil
}

package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	apppb "go.viam.com/api/app/v1"
	"google.golang.org/protobuf/encoding/protojson"
)

const (
	credentialsFile = "credentials.json"
	configFile      = "config.json"
)

// FileStore keeps both blobs as JSON files under a state directory.
// Writes go through a temp file + rename so a crash mid-write never leaves
// a truncated blob behind.
type FileStore struct {
	dir string
}

// NewFileStore creates the state directory if needed and returns a store
// rooted at it.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("storage: failed to create state dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(name string) string {
	return filepath.Join(s.dir, name)
}

// writeAtomic writes data to the named file via temp file + rename.
func (s *FileStore) writeAtomic(name string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("storage: failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("storage: failed to write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("storage: failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path(name)); err != nil {
		return fmt.Errorf("storage: failed to rename %s: %w", name, err)
	}
	ok = true
	return nil
}

func (s *FileStore) read(name string) ([]byte, error) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: failed to read %s: %w", name, err)
	}
	return data, nil
}

func (s *FileStore) remove(name string) error {
	if err := os.Remove(s.path(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("storage: failed to remove %s: %w", name, err)
	}
	return nil
}

func (s *FileStore) HasCredentials() bool {
	_, err := os.Stat(s.path(credentialsFile))
	return err == nil
}

func (s *FileStore) GetCredentials() (Credentials, error) {
	data, err := s.read(credentialsFile)
	if err != nil {
		return Credentials{}, err
	}
	var c Credentials
	if err := json.Unmarshal(data, &c); err != nil {
		return Credentials{}, fmt.Errorf("storage: corrupted credentials blob: %w", err)
	}
	return c, nil
}

func (s *FileStore) StoreCredentials(c Credentials) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("storage: failed to marshal credentials: %w", err)
	}
	return s.writeAtomic(credentialsFile, data)
}

func (s *FileStore) ResetCredentials() error {
	return s.remove(credentialsFile)
}

func (s *FileStore) HasConfig() bool {
	_, err := os.Stat(s.path(configFile))
	return err == nil
}

func (s *FileStore) GetConfig() (*apppb.RobotConfig, error) {
	data, err := s.read(configFile)
	if err != nil {
		return nil, err
	}
	var cfg apppb.RobotConfig
	if err := protojson.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("storage: corrupted config blob: %w", err)
	}
	return &cfg, nil
}

func (s *FileStore) StoreConfig(cfg *apppb.RobotConfig) error {
	data, err := protojson.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("storage: failed to marshal config: %w", err)
	}
	return s.writeAtomic(configFile, data)
}

func (s *FileStore) ResetConfig() error {
	return s.remove(configFile)
}

// Package storage persists the machine's cloud identity and its last-known
// cloud configuration. Two logical blobs are kept: the robot credentials
// (id + secret + app address, written once by provisioning) and the cached
// RobotConfig (refreshed on every successful config fetch so the agent can
// come up offline).
//
// Storage is logically single-writer: only the bootstrap orchestrator and
// the provisioning server mutate it. Reads may happen from any component.
package storage

import (
	"errors"

	apppb "go.viam.com/api/app/v1"
)

// ErrNotFound is returned by Get* operations when the requested blob has
// never been stored (or has been reset).
var ErrNotFound = errors.New("storage: not found")

// Credentials is the machine's cloud identity. AppAddress may be empty, in
// which case the agent talks to the default app URI.
type Credentials struct {
	ID         string `json:"id"`
	Secret     string `json:"secret"`
	AppAddress string `json:"app_address"`
}

// Storage is the persistence interface consumed by the serving core.
// All operations are synchronous; implementations report medium failures
// as wrapped errors.
type Storage interface {
	HasCredentials() bool
	GetCredentials() (Credentials, error)
	StoreCredentials(Credentials) error
	ResetCredentials() error

	HasConfig() bool
	GetConfig() (*apppb.RobotConfig, error)
	StoreConfig(*apppb.RobotConfig) error
	ResetConfig() error
}

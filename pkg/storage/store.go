package storage

import (
	"github.com/cuemby/burrow/pkg/types"
)

// Store keeps the local history of deploys
type Store interface {
	// RecordDeploy stores or replaces a deploy record
	RecordDeploy(record *types.DeployRecord) error

	// ListDeploys returns a service's records, newest first. limit <= 0
	// returns all of them.
	ListDeploys(service string, limit int) ([]*types.DeployRecord, error)

	// LatestDeploy returns the newest record of a service on host
	LatestDeploy(service, host string) (*types.DeployRecord, error)

	// Close closes the store
	Close() error
}

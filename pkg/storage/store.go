package storage

import (
	"errors"

	"github.com/ttheew/symphony/pkg/types"
)

var (
	// ErrNotFound is returned when a deployment id does not exist.
	ErrNotFound = errors.New("deployment not found")
	// ErrNameConflict is returned when a name is held by a live record or
	// an unreaped tombstone.
	ErrNameConflict = errors.New("deployment name already in use")
	// ErrDeleted is returned when mutating a tombstoned record.
	ErrDeleted = errors.New("deployment is deleted")
	// ErrCorrupt is returned when a stored record cannot be decoded. Data
	// integrity beats availability; callers abort rather than continue on
	// a damaged store.
	ErrCorrupt = errors.New("deployment store corrupt")
)

// Store is the durable source of truth for deployment records. The core
// assumes crash-consistent writes and read-your-writes ordering for a single
// conductor.
type Store interface {
	// Create inserts a new record, assigning id, revision 1 and
	// timestamps. Fails with ErrNameConflict while the name is taken,
	// including by a tombstone.
	Create(d *types.Deployment) (*types.Deployment, error)

	// Get returns a record by id, tombstoned or not.
	Get(id string) (*types.Deployment, error)

	// List returns non-deleted records in (created_at_ms, id) order.
	List(limit, offset int) ([]*types.Deployment, error)

	// ListAll returns every record including tombstones, in the same
	// stable order. The reconciler drives teardown from it.
	ListAll() ([]*types.Deployment, error)

	// Update applies a patch. SpecRevision bumps only when the
	// specification or desired state actually changes.
	Update(id string, patch types.DeploymentPatch) (*types.Deployment, error)

	// UpdateStatus mutates conductor-observed fields (assignment, reason,
	// current state) without touching SpecRevision. The mutate func runs
	// inside the write transaction.
	UpdateStatus(id string, mutate func(d *types.Deployment)) (*types.Deployment, error)

	// Delete tombstones a record. The name stays reserved and the
	// reconciler keeps driving teardown until Reap.
	Delete(id string) error

	// Reap removes a tombstoned record for good, freeing its name.
	Reap(id string) error

	// Changes delivers deployment ids whose records changed. The channel
	// is bounded; missed notifications are healed by the reconciler's
	// periodic sweep.
	Changes() <-chan string

	Close() error
}

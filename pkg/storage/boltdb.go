package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"reflect"
	"sort"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/ttheew/symphony/pkg/types"
)

var (
	bucketDeployments = []byte("deployments")
	bucketNames       = []byte("names")
)

// BoltStore implements Store on a single bbolt file.
type BoltStore struct {
	db      *bolt.DB
	changes chan string
}

// NewBoltStore opens (or creates) the deployment database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "symphony.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketDeployments, bucketNames} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{
		db:      db,
		changes: make(chan string, 256),
	}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Changes returns the change notification stream.
func (s *BoltStore) Changes() <-chan string {
	return s.changes
}

func (s *BoltStore) notify(id string) {
	select {
	case s.changes <- id:
	default:
		// Bounded queue; the periodic sweep re-reads the store anyway.
	}
}

func (s *BoltStore) Create(d *types.Deployment) (*types.Deployment, error) {
	rec := *d
	rec.ID = uuid.New().String()
	rec.SpecRevision = 1
	rec.CurrentState = types.StatePending
	now := types.NowMs()
	rec.CreatedAtMs = now
	rec.UpdatedAtMs = now

	err := s.db.Update(func(tx *bolt.Tx) error {
		names := tx.Bucket(bucketNames)
		if names.Get([]byte(rec.Name)) != nil {
			return fmt.Errorf("%w: %s", ErrNameConflict, rec.Name)
		}
		if err := names.Put([]byte(rec.Name), []byte(rec.ID)); err != nil {
			return err
		}
		return putDeployment(tx, &rec)
	})
	if err != nil {
		return nil, err
	}

	s.notify(rec.ID)
	return &rec, nil
}

func (s *BoltStore) Get(id string) (*types.Deployment, error) {
	var rec *types.Deployment
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		rec, err = getDeployment(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *BoltStore) List(limit, offset int) ([]*types.Deployment, error) {
	all, err := s.ListAll()
	if err != nil {
		return nil, err
	}

	live := all[:0]
	for _, d := range all {
		if !d.Deleted {
			live = append(live, d)
		}
	}

	if offset >= len(live) {
		return []*types.Deployment{}, nil
	}
	live = live[offset:]
	if limit > 0 && limit < len(live) {
		live = live[:limit]
	}
	return live, nil
}

func (s *BoltStore) ListAll() ([]*types.Deployment, error) {
	var out []*types.Deployment
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeployments)
		return b.ForEach(func(k, v []byte) error {
			var d types.Deployment
			if err := json.Unmarshal(v, &d); err != nil {
				return fmt.Errorf("%w: record %s: %v", ErrCorrupt, k, err)
			}
			out = append(out, &d)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAtMs != out[j].CreatedAtMs {
			return out[i].CreatedAtMs < out[j].CreatedAtMs
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *BoltStore) Update(id string, patch types.DeploymentPatch) (*types.Deployment, error) {
	var rec *types.Deployment
	err := s.db.Update(func(tx *bolt.Tx) error {
		d, err := getDeployment(tx, id)
		if err != nil {
			return err
		}
		if d.Deleted {
			return fmt.Errorf("%w: %s", ErrDeleted, id)
		}

		contentChanged := false

		if patch.Name != nil && *patch.Name != d.Name {
			names := tx.Bucket(bucketNames)
			if owner := names.Get([]byte(*patch.Name)); owner != nil && string(owner) != id {
				return fmt.Errorf("%w: %s", ErrNameConflict, *patch.Name)
			}
			if err := names.Delete([]byte(d.Name)); err != nil {
				return err
			}
			if err := names.Put([]byte(*patch.Name), []byte(id)); err != nil {
				return err
			}
			d.Name = *patch.Name
		}
		if patch.DesiredState != nil && *patch.DesiredState != d.DesiredState {
			d.DesiredState = *patch.DesiredState
			contentChanged = true
		}
		if patch.Specification != nil && !reflect.DeepEqual(*patch.Specification, d.Specification) {
			d.Specification = *patch.Specification
			contentChanged = true
		}

		if contentChanged {
			d.SpecRevision++
		}
		d.UpdatedAtMs = types.NowMs()

		if err := putDeployment(tx, d); err != nil {
			return err
		}
		rec = d
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notify(id)
	return rec, nil
}

func (s *BoltStore) UpdateStatus(id string, mutate func(d *types.Deployment)) (*types.Deployment, error) {
	var rec *types.Deployment
	err := s.db.Update(func(tx *bolt.Tx) error {
		d, err := getDeployment(tx, id)
		if err != nil {
			return err
		}
		mutate(d)
		d.UpdatedAtMs = types.NowMs()
		if err := putDeployment(tx, d); err != nil {
			return err
		}
		rec = d
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notify(id)
	return rec, nil
}

func (s *BoltStore) Delete(id string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		d, err := getDeployment(tx, id)
		if err != nil {
			return err
		}
		if d.Deleted {
			return nil
		}
		d.Deleted = true
		d.UpdatedAtMs = types.NowMs()
		return putDeployment(tx, d)
	})
	if err != nil {
		return err
	}

	s.notify(id)
	return nil
}

func (s *BoltStore) Reap(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		d, err := getDeployment(tx, id)
		if err != nil {
			return err
		}
		if !d.Deleted {
			return fmt.Errorf("refusing to reap live deployment %s", id)
		}
		if err := tx.Bucket(bucketNames).Delete([]byte(d.Name)); err != nil {
			return err
		}
		return tx.Bucket(bucketDeployments).Delete([]byte(id))
	})
}

func getDeployment(tx *bolt.Tx, id string) (*types.Deployment, error) {
	data := tx.Bucket(bucketDeployments).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	var d types.Deployment
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("%w: record %s: %v", ErrCorrupt, id, err)
	}
	return &d, nil
}

func putDeployment(tx *bolt.Tx, d *types.Deployment) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketDeployments).Put([]byte(d.ID), data)
}

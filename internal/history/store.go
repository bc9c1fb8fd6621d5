// Package history keeps final reports of past runs in a bbolt file.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/wesleyorama2/horde/internal/output"
)

const bucketRuns = "runs"

// ErrNotFound is returned by Get and Delete for an unknown run id.
var ErrNotFound = errors.New("run not found")

// Run is one stored result.
type Run struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Host      string         `json:"host,omitempty"`
	StartedAt time.Time      `json:"startedAt"`
	Passed    bool           `json:"passed"`
	Report    *output.Report `json:"report"`
}

// Store persists runs. Ids are UUIDv7 so key order is start order.
type Store struct {
	db   *bbolt.DB
	path string
}

// DefaultPath returns ~/.horde/history.db.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".horde", "history.db"), nil
}

// Open opens or creates the store at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open history %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketRuns))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, path: path}, nil
}

// Path returns the file backing the store.
func (s *Store) Path() string {
	return s.path
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// NewRun builds a Run from a report and assigns it a fresh id.
func NewRun(r *output.Report) (*Run, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	started := r.StartTime
	if started.IsZero() {
		started = time.Now()
	}
	return &Run{
		ID:        id.String(),
		Name:      r.Name,
		Host:      r.Host,
		StartedAt: started,
		Passed:    r.Passed,
		Report:    r,
	}, nil
}

// Save stores run, replacing any run with the same id.
func (s *Store) Save(run *Run) error {
	if run.ID == "" {
		return errors.New("run id is required")
	}
	data, err := json.Marshal(run)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketRuns)).Put([]byte(run.ID), data)
	})
}

// List returns up to limit runs, newest first. A limit <= 0 returns all.
func (s *Store) List(limit int) ([]*Run, error) {
	var runs []*Run
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(bucketRuns)).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var run Run
			if err := json.Unmarshal(v, &run); err != nil {
				return fmt.Errorf("decode run %s: %w", k, err)
			}
			runs = append(runs, &run)
			if limit > 0 && len(runs) == limit {
				break
			}
		}
		return nil
	})
	return runs, err
}

// Get returns the run with the given id.
func (s *Store) Get(id string) (*Run, error) {
	var run Run
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(bucketRuns)).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &run)
	})
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// Delete removes the run with the given id.
func (s *Store) Delete(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketRuns))
		if b.Get([]byte(id)) == nil {
			return ErrNotFound
		}
		return b.Delete([]byte(id))
	})
}

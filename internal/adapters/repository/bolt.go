package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/okian/coinledger/internal/domain/account"
	bolt "go.etcd.io/bbolt"
)

var (
	usersBucket = []byte("users")
	tasksBucket = []byte("tasks")
)

// BoltStore persists accounts and tasks in a single bbolt file.
// Writers are serialized by bbolt, so Update never reports ErrConflict.
type BoltStore struct {
	db *bolt.DB
}

var (
	_ Store   = (*BoltStore)(nil)
	_ Catalog = (*BoltStore)(nil)
)

// OpenBolt opens (or creates) the database at path and ensures the buckets
// exist. Tasks passed via WithTasks are inserted when absent.
func OpenBolt(path string, opts ...Option) (*BoltStore, error) {
	o := applyOptions(opts)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("bolt: create dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: o.timeout})
	if err != nil {
		return nil, fmt.Errorf("bolt: open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{usersBucket, tasksBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		tasks := tx.Bucket(tasksBucket)
		for id, points := range o.seedTasks {
			if tasks.Get([]byte(id)) != nil {
				continue
			}
			if err := putTask(tasks, account.Task{ID: id, Points: points}); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bolt: init buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Get(ctx context.Context, id string) (*account.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out *account.Account
	err := s.db.View(func(tx *bolt.Tx) error {
		a, err := readAccount(tx.Bucket(usersBucket), id)
		out = a
		return err
	})
	return out, err
}

func (s *BoltStore) Create(ctx context.Context, a *account.Account) (*account.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec := a.Clone()
	rec.Normalize()
	rec.Version = 1
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(usersBucket)
		if b.Get([]byte(rec.ID)) != nil {
			return ErrAlreadyExists
		}
		return writeAccount(b, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *BoltStore) Update(ctx context.Context, id string, fn UpdateFunc) (*account.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out *account.Account
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(usersBucket)
		a, err := readAccount(b, id)
		if err != nil {
			return err
		}
		version := a.Version
		if err := fn(a); err != nil {
			return err
		}
		a.ID = id
		a.Version = version + 1
		out = a
		return writeAccount(b, a)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) ExpiredFeatures(ctx context.Context, now time.Time) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(usersBucket).ForEach(func(k, v []byte) error {
			var a account.Account
			if err := json.Unmarshal(v, &a); err != nil {
				return fmt.Errorf("bolt: decode %s: %w", k, err)
			}
			if a.ActiveFeature.Expired(now) {
				ids = append(ids, string(k))
			}
			return nil
		})
	})
	sort.Strings(ids)
	return ids, err
}

func (s *BoltStore) Count(_ context.Context) (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(usersBucket).Stats().KeyN
		return nil
	})
	return n, err
}

func (s *BoltStore) Close(_ context.Context) error {
	return s.db.Close()
}

// Task implements Catalog.
func (s *BoltStore) Task(ctx context.Context, id string) (account.Task, error) {
	if err := ctx.Err(); err != nil {
		return account.Task{}, err
	}
	var task account.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(tasksBucket).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		var rec struct {
			Points json.Number `json:"points"`
		}
		if err := json.Unmarshal(v, &rec); err != nil {
			return ErrInvalidTask
		}
		points, err := rec.Points.Int64()
		if err != nil || points < 0 {
			return ErrInvalidTask
		}
		task = account.Task{ID: id, Points: points}
		return nil
	})
	return task, err
}

// PutTask adds or replaces a catalog task.
func (s *BoltStore) PutTask(ctx context.Context, task account.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return putTask(tx.Bucket(tasksBucket), task)
	})
}

// PutRawTask stores an undecoded task value. Used to load catalogs curated
// outside this service.
func (s *BoltStore) PutRawTask(ctx context.Context, id string, raw []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !json.Valid(raw) {
		return errors.New("bolt: task value is not JSON")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(tasksBucket).Put([]byte(id), raw)
	})
}

func putTask(b *bolt.Bucket, task account.Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return b.Put([]byte(task.ID), payload)
}

func readAccount(b *bolt.Bucket, id string) (*account.Account, error) {
	v := b.Get([]byte(id))
	if v == nil {
		return nil, ErrNotFound
	}
	var a account.Account
	if err := json.Unmarshal(v, &a); err != nil {
		return nil, fmt.Errorf("bolt: decode %s: %w", id, err)
	}
	a.Normalize()
	return &a, nil
}

func writeAccount(b *bolt.Bucket, a *account.Account) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("bolt: encode %s: %w", a.ID, err)
	}
	return b.Put([]byte(a.ID), payload)
}

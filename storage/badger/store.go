// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package badger persists local users in an embedded BadgerDB so that users
// added at runtime survive restarts.
package badger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/absmach/mqproxy/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.Store = (*Store)(nil)

const (
	defaultGCInterval = 5 * time.Minute
	gcDiscardRatio    = 0.5
)

// Config holds BadgerDB configuration.
type Config struct {
	Dir string
	// GCInterval is the value log GC period, 5 minutes when zero.
	GCInterval time.Duration
	InMemory   bool
}

// Store owns the database and its value log collector.
type Store struct {
	db    *badger.DB
	users *UserStore

	stopGC    context.CancelFunc
	gcDone    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New opens the database at cfg.Dir and starts value log collection.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir).
		WithLogger(nil).
		WithNumVersionsToKeep(1)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	} else {
		// Writes are rare; every one is fsynced.
		opts = opts.WithSyncWrites(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	interval := cfg.GCInterval
	if interval <= 0 {
		interval = defaultGCInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		db:     db,
		users:  &UserStore{db: db},
		stopGC: cancel,
		gcDone: make(chan struct{}),
	}
	go s.collect(ctx, interval)

	return s, nil
}

func (s *Store) Users() storage.UserStore {
	return s.users
}

// Close stops collection and closes the database. Repeated calls return the
// first result.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.stopGC()
		<-s.gcDone
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

func (s *Store) collect(ctx context.Context, interval time.Duration) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Each successful run rewrites one file; repeat until nothing is left.
			for s.db.RunValueLogGC(gcDiscardRatio) == nil {
				if ctx.Err() != nil {
					return
				}
			}
		}
	}
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return storage.ErrNotFound
	case errors.Is(err, badger.ErrDBClosed):
		return storage.ErrStoreClosed
	default:
		return err
	}
}

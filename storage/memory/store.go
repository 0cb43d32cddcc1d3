// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory keeps local users in process memory. Contents are lost on
// restart, so users come from configuration on every start.
package memory

import (
	"slices"
	"strings"
	"sync"

	"github.com/absmach/mqproxy/storage"
)

var (
	_ storage.Store     = (*Store)(nil)
	_ storage.UserStore = (*users)(nil)
)

// Store holds users keyed by org and name.
type Store struct {
	mu     sync.RWMutex
	byKey  map[string]*storage.User
	closed bool
}

func New() *Store {
	return &Store{byKey: make(map[string]*storage.User)}
}

// Users returns a view of the store implementing storage.UserStore.
func (s *Store) Users() storage.UserStore {
	return (*users)(s)
}

// Close drops every user; later calls fail with storage.ErrStoreClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.byKey = nil
	return nil
}

type users Store

func (u *users) Get(org, name string) (*storage.User, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()

	if u.closed {
		return nil, storage.ErrStoreClosed
	}
	usr, ok := u.byKey[storage.UserKey(org, name)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return usr.Copy(), nil
}

func (u *users) Save(usr *storage.User) error {
	if err := usr.Validate(); err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return storage.ErrStoreClosed
	}
	u.byKey[usr.Key()] = usr.Copy()
	return nil
}

func (u *users) Delete(org, name string) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return storage.ErrStoreClosed
	}
	delete(u.byKey, storage.UserKey(org, name))
	return nil
}

// List orders users by org, then name.
func (u *users) List(org string) ([]*storage.User, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()

	if u.closed {
		return nil, storage.ErrStoreClosed
	}
	var out []*storage.User
	for _, usr := range u.byKey {
		if org == "" || usr.Org == org {
			out = append(out, usr.Copy())
		}
	}
	slices.SortFunc(out, func(a, b *storage.User) int {
		return strings.Compare(a.Key(), b.Key())
	})
	return out, nil
}

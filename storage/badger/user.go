// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"encoding/json"
	"fmt"

	"github.com/absmach/mqproxy/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.UserStore = (*UserStore)(nil)

// Users live under "user:<org>:<name>" so an org prefix scan lists one org.
const userPrefix = "user:"

// UserStore keeps JSON encoded users.
type UserStore struct {
	db *badger.DB
}

func userKey(org, name string) []byte {
	return []byte(userPrefix + storage.UserKey(org, name))
}

func decodeUser(item *badger.Item) (*storage.User, error) {
	u := &storage.User{}
	err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, u)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode user %q: %w", item.Key(), err)
	}
	return u, nil
}

func (s *UserStore) Get(org, name string) (*storage.User, error) {
	if s.db.IsClosed() {
		return nil, storage.ErrStoreClosed
	}
	var u *storage.User
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(userKey(org, name))
		if err != nil {
			return err
		}
		u, err = decodeUser(item)
		return err
	})
	if err != nil {
		return nil, mapErr(err)
	}
	return u, nil
}

func (s *UserStore) Save(u *storage.User) error {
	if err := u.Validate(); err != nil {
		return err
	}
	if s.db.IsClosed() {
		return storage.ErrStoreClosed
	}
	data, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return mapErr(s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(userKey(u.Org, u.Name), data)
	}))
}

func (s *UserStore) Delete(org, name string) error {
	if s.db.IsClosed() {
		return storage.ErrStoreClosed
	}
	return mapErr(s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(userKey(org, name))
	}))
}

// List returns users in key order, so by org and then by name.
func (s *UserStore) List(org string) ([]*storage.User, error) {
	if s.db.IsClosed() {
		return nil, storage.ErrStoreClosed
	}
	prefix := []byte(userPrefix)
	if org != "" {
		prefix = append(prefix, org+":"...)
	}

	var users []*storage.User
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			u, err := decodeUser(it.Item())
			if err != nil {
				return err
			}
			users = append(users, u)
		}
		return nil
	})
	return users, mapErr(err)
}

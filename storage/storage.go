// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"errors"
	"slices"
	"time"
)

// Common errors.
var (
	ErrNotFound    = errors.New("not found")
	ErrInvalidUser = errors.New("invalid user")
	ErrStoreClosed = errors.New("store is closed")
)

// Store is the composite storage interface.
type Store interface {
	// Users returns the local user store.
	Users() UserStore

	// Close closes all storage backends.
	Close() error
}

// User is a locally configured user. Local users are checked before the
// external authenticator is asked.
type User struct {
	Org  string `json:"org"`
	Name string `json:"name"`
	// PasswordHash is a bcrypt hash.
	PasswordHash string `json:"password_hash"`
	// Masks are authorization masks granted to the user's sessions.
	Masks     []string  `json:"masks,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Key returns the identity under which the user is stored.
func (u *User) Key() string {
	return UserKey(u.Org, u.Name)
}

// Validate checks the mandatory fields.
func (u *User) Validate() error {
	if u.Name == "" || u.PasswordHash == "" {
		return ErrInvalidUser
	}
	return nil
}

// Copy returns a deep copy.
func (u *User) Copy() *User {
	c := *u
	c.Masks = slices.Clone(u.Masks)
	return &c
}

// UserKey returns the store key of a user.
func UserKey(org, name string) string {
	return org + ":" + name
}

// UserStore persists local users.
type UserStore interface {
	// Get returns the user of org with the given name.
	Get(org, name string) (*User, error)

	// Save adds or replaces a user.
	Save(u *User) error

	// Delete removes a user.
	Delete(org, name string) error

	// List returns the users of org, or of every org when org is empty.
	List(org string) ([]*User, error)
}

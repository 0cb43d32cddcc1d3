// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"testing"

	"github.com/absmach/mqproxy/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUsersSaveGet(t *testing.T) {
	users := New().Users()

	device := &storage.User{Org: "org1", Name: "meter-7", PasswordHash: "hash", Masks: []string{"meters/#"}}
	require.NoError(t, users.Save(device))

	got, err := users.Get("org1", "meter-7")
	require.NoError(t, err)
	assert.Equal(t, "hash", got.PasswordHash)

	device.Masks[0] = "changed"
	got.Masks[0] = "changed too"
	again, err := users.Get("org1", "meter-7")
	require.NoError(t, err)
	assert.Equal(t, []string{"meters/#"}, again.Masks, "stored copy is isolated")

	_, err = users.Get("org2", "meter-7")
	assert.ErrorIs(t, err, storage.ErrNotFound, "names are scoped by org")

	assert.ErrorIs(t, users.Save(&storage.User{Org: "org1", Name: "nohash"}), storage.ErrInvalidUser)
}

func TestUsersListDelete(t *testing.T) {
	users := New().Users()
	for _, u := range []*storage.User{
		{Org: "org2", Name: "carol", PasswordHash: "h"},
		{Org: "org1", Name: "bob", PasswordHash: "h"},
		{Org: "org1", Name: "alice", PasswordHash: "h"},
	} {
		require.NoError(t, users.Save(u))
	}

	org1, err := users.List("org1")
	require.NoError(t, err)
	require.Len(t, org1, 2)
	assert.Equal(t, "alice", org1[0].Name)
	assert.Equal(t, "bob", org1[1].Name)

	all, err := users.List("")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "org2", all[2].Org)

	require.NoError(t, users.Delete("org1", "alice"))
	require.NoError(t, users.Delete("org1", "alice"), "deleting an absent user is not an error")
	_, err = users.Get("org1", "alice")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestClosedStore(t *testing.T) {
	s := New()
	users := s.Users()
	require.NoError(t, users.Save(&storage.User{Org: "o", Name: "n", PasswordHash: "h"}))
	require.NoError(t, s.Close())

	_, err := users.Get("o", "n")
	assert.ErrorIs(t, err, storage.ErrStoreClosed)
	assert.ErrorIs(t, users.Save(&storage.User{Org: "o", Name: "m", PasswordHash: "h"}), storage.ErrStoreClosed)
	assert.ErrorIs(t, users.Delete("o", "n"), storage.ErrStoreClosed)
	_, err = users.List("")
	assert.ErrorIs(t, err, storage.ErrStoreClosed)
}

package store

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRegisterAndList(t *testing.T) {
	db := openTestDB(t)

	a, err := db.Addresses.Register("user-1", "Shop@Tempbox.dev")
	require.NoError(t, err)
	assert.Equal(t, "shop@tempbox.dev", a.Address, "addresses are normalized to lower case")
	assert.Equal(t, "user-1", a.UserID)
	assert.False(t, a.CreatedAt.IsZero())

	list, err := db.Addresses.ListByUser("user-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, a.ID, list[0].ID)
}

func TestRegisterRejectsInvalid(t *testing.T) {
	db := openTestDB(t)

	_, err := db.Addresses.Register("user-1", "")
	assert.Error(t, err)
	_, err = db.Addresses.Register("user-1", "not-an-address")
	assert.Error(t, err)
}

func TestRegisterEnforcesPerUserLimit(t *testing.T) {
	db := openTestDB(t)

	for i := 0; i < MaxAddressesPerUser; i++ {
		_, err := db.Addresses.Register("user-1", fmt.Sprintf("a%d@tempbox.dev", i))
		require.NoError(t, err)
	}

	_, err := db.Addresses.Register("user-1", "overflow@tempbox.dev")
	assert.ErrorIs(t, err, ErrLimitReached)

	// Another user is unaffected.
	_, err = db.Addresses.Register("user-2", "fresh@tempbox.dev")
	assert.NoError(t, err)
}

func TestRegisterRejectsTakenAddress(t *testing.T) {
	db := openTestDB(t)

	_, err := db.Addresses.Register("user-1", "shared@tempbox.dev")
	require.NoError(t, err)

	_, err = db.Addresses.Register("user-2", "shared@tempbox.dev")
	assert.ErrorIs(t, err, ErrAddressTaken)
}

func TestDeleteOwnership(t *testing.T) {
	db := openTestDB(t)

	a, err := db.Addresses.Register("user-1", "mine@tempbox.dev")
	require.NoError(t, err)

	ok, err := db.Addresses.Delete("user-2", a.ID)
	require.NoError(t, err)
	assert.False(t, ok, "another user must not delete the registration")

	ok, err = db.Addresses.Delete("user-1", a.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	list, err := db.Addresses.ListByUser("user-1")
	require.NoError(t, err)
	assert.Empty(t, list)
}

package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testGovAddr   = "0x2222222222222222222222222222222222222222"
	testOwnerAddr = "0x3333333333333333333333333333333333333333"
)

func TestGenerateAndValidateKey(t *testing.T) {
	m := NewManager(NewMemoryStore(), true)
	ctx := context.Background()

	rawKey, key, err := m.GenerateKey(ctx, "0x3333333333333333333333333333333333333333", "test key")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rawKey, "sk_"))
	assert.True(t, strings.HasPrefix(key.ID, "ak_"))
	assert.Equal(t, testOwnerAddr, key.Address)

	got, err := m.ValidateKey(ctx, rawKey)
	require.NoError(t, err)
	assert.Equal(t, key.ID, got.ID)
	assert.Equal(t, testOwnerAddr, got.Address)

	// Bearer prefix is accepted as-is from the Authorization header.
	got, err = m.ValidateKey(ctx, "Bearer "+rawKey)
	require.NoError(t, err)
	assert.Equal(t, key.ID, got.ID)
}

func TestValidateKeyRejects(t *testing.T) {
	m := NewManager(NewMemoryStore(), true)
	ctx := context.Background()

	_, err := m.ValidateKey(ctx, "")
	assert.ErrorIs(t, err, ErrNoAPIKey)

	_, err = m.ValidateKey(ctx, "not-a-key")
	assert.ErrorIs(t, err, ErrInvalidAPIKey)

	_, err = m.ValidateKey(ctx, "sk_deadbeef")
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
}

func TestValidateKeyRevokedAndExpired(t *testing.T) {
	store := NewMemoryStore()
	m := NewManager(store, true)
	ctx := context.Background()

	rawKey, key, err := m.GenerateKey(ctx, testOwnerAddr, "doomed")
	require.NoError(t, err)

	require.NoError(t, m.RevokeKey(ctx, key.ID, testOwnerAddr))
	_, err = m.ValidateKey(ctx, rawKey)
	assert.ErrorIs(t, err, ErrInvalidAPIKey)

	rawKey2, key2, err := m.GenerateKey(ctx, testOwnerAddr, "expired")
	require.NoError(t, err)
	past := time.Now().Add(-time.Hour)
	key2.ExpiresAt = &past
	require.NoError(t, store.Update(ctx, key2))
	_, err = m.ValidateKey(ctx, rawKey2)
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
}

func TestRevokeKeyWrongOwner(t *testing.T) {
	m := NewManager(NewMemoryStore(), true)
	ctx := context.Background()

	_, key, err := m.GenerateKey(ctx, testOwnerAddr, "mine")
	require.NoError(t, err)

	// Another address cannot revoke it.
	err = m.RevokeKey(ctx, key.ID, testGovAddr)
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestSeedKey(t *testing.T) {
	m := NewManager(NewMemoryStore(), true)
	ctx := context.Background()

	require.NoError(t, m.SeedKey(ctx, testGovAddr, "governance", "sk_bootstrap"))

	key, err := m.ValidateKey(ctx, "sk_bootstrap")
	require.NoError(t, err)
	assert.Equal(t, testGovAddr, key.Address)

	// Seeding again is a no-op, not a duplicate.
	require.NoError(t, m.SeedKey(ctx, testGovAddr, "governance", "sk_bootstrap"))
	keys, err := m.ListKeys(ctx, testGovAddr)
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	// Raw keys must carry the sk_ prefix.
	assert.ErrorIs(t, m.SeedKey(ctx, testGovAddr, "bad", "bootstrap"), ErrInvalidAPIKey)
}

func TestListKeysByAddress(t *testing.T) {
	m := NewManager(NewMemoryStore(), true)
	ctx := context.Background()

	_, _, err := m.GenerateKey(ctx, testOwnerAddr, "one")
	require.NoError(t, err)
	_, _, err = m.GenerateKey(ctx, testOwnerAddr, "two")
	require.NoError(t, err)
	_, _, err = m.GenerateKey(ctx, testGovAddr, "other")
	require.NoError(t, err)

	keys, err := m.ListKeys(ctx, testOwnerAddr)
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

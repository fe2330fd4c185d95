package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/stablevault/internal/pagination"
)

func TestMemoryStoreListByOwnerCursor(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	owner := "0xaaa0000000000000000000000000000000000001"
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"evt_1", "evt_2", "evt_3", "evt_4"} {
		require.NoError(t, store.Append(ctx, &Spent{
			ID:        id,
			Owner:     owner,
			Merchant:  "0xbbb0000000000000000000000000000000000001",
			Amount:    "1.000000",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	page1, err := store.ListByOwner(ctx, owner, nil, 2)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Equal(t, "evt_4", page1[0].ID)
	assert.Equal(t, "evt_3", page1[1].ID)

	cursor := &pagination.Cursor{CreatedAt: page1[1].CreatedAt, ID: page1[1].ID}
	page2, err := store.ListByOwner(ctx, owner, cursor, 2)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Equal(t, "evt_2", page2[0].ID)
	assert.Equal(t, "evt_1", page2[1].ID)

	// Exhausted.
	cursor = &pagination.Cursor{CreatedAt: page2[1].CreatedAt, ID: page2[1].ID}
	page3, err := store.ListByOwner(ctx, owner, cursor, 2)
	require.NoError(t, err)
	assert.Empty(t, page3)
}

func TestMemoryStoreOtherOwnerInvisible(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, &Spent{
		ID:        "evt_x",
		Owner:     "0xaaa0000000000000000000000000000000000001",
		Merchant:  "0xbbb0000000000000000000000000000000000001",
		Amount:    "1.000000",
		CreatedAt: time.Now(),
	}))

	out, err := store.ListByOwner(ctx, "0xccc0000000000000000000000000000000000001", nil, 10)
	require.NoError(t, err)
	assert.Empty(t, out)
}

package docstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_CreateAndRead(t *testing.T) {
	store := NewMemoryStore()

	created, err := store.Create(context.Background(), Document{
		ID:           "doc1",
		PartitionKey: "p1",
		Data:         []byte(`{"n":1}`),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ETag)

	read, err := store.Read(context.Background(), "doc1", "p1")
	require.NoError(t, err)
	assert.Equal(t, created.ETag, read.ETag)
	assert.Equal(t, []byte(`{"n":1}`), read.Data)
}

func TestMemoryStore_Read_Missing(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.Read(context.Background(), "nope", "p1")

	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_Create_Conflict(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.Create(context.Background(), Document{ID: "doc1", PartitionKey: "p1"})
	require.NoError(t, err)

	_, err = store.Create(context.Background(), Document{ID: "doc1", PartitionKey: "p1"})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestMemoryStore_Replace_RotatesETag(t *testing.T) {
	store := NewMemoryStore()
	created, err := store.Create(context.Background(), Document{ID: "doc1", PartitionKey: "p1"})
	require.NoError(t, err)

	replaced, err := store.Replace(context.Background(), Document{
		ID:           "doc1",
		PartitionKey: "p1",
		Data:         []byte(`{"n":2}`),
	}, created.ETag)
	require.NoError(t, err)

	assert.NotEqual(t, created.ETag, replaced.ETag)
}

func TestMemoryStore_Replace_StaleETag(t *testing.T) {
	store := NewMemoryStore()
	created, err := store.Create(context.Background(), Document{ID: "doc1", PartitionKey: "p1"})
	require.NoError(t, err)

	_, err = store.Replace(context.Background(), Document{ID: "doc1", PartitionKey: "p1"}, created.ETag)
	require.NoError(t, err)

	// Replaying the original etag must fail.
	_, err = store.Replace(context.Background(), Document{ID: "doc1", PartitionKey: "p1"}, created.ETag)
	assert.ErrorIs(t, err, ErrPreconditionFailed)
}

func TestMemoryStore_Replace_Missing(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.Replace(context.Background(), Document{ID: "nope", PartitionKey: "p1"}, "any")

	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_Upsert_CreatesAndOverwrites(t *testing.T) {
	store := NewMemoryStore()

	first, err := store.Upsert(context.Background(), Document{ID: "doc1", PartitionKey: "p1", Data: []byte("a")})
	require.NoError(t, err)
	second, err := store.Upsert(context.Background(), Document{ID: "doc1", PartitionKey: "p1", Data: []byte("b")})
	require.NoError(t, err)

	assert.NotEqual(t, first.ETag, second.ETag)

	read, err := store.Read(context.Background(), "doc1", "p1")
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), read.Data)
}

func TestMemoryStore_Delete(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Create(context.Background(), Document{ID: "doc1", PartitionKey: "p1"})
	require.NoError(t, err)

	require.NoError(t, store.Delete(context.Background(), "doc1", "p1"))

	_, err = store.Read(context.Background(), "doc1", "p1")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, store.Delete(context.Background(), "doc1", "p1"), ErrNotFound)
}

func TestMemoryStore_Query_PartitionScoped(t *testing.T) {
	store := NewMemoryStore()
	for _, id := range []string{"a", "b"} {
		_, err := store.Create(context.Background(), Document{ID: id, PartitionKey: "p1"})
		require.NoError(t, err)
	}
	_, err := store.Create(context.Background(), Document{ID: "c", PartitionKey: "p2"})
	require.NoError(t, err)

	docs, err := store.Query(context.Background(), "p1")
	require.NoError(t, err)

	assert.Len(t, docs, 2)
}

func TestMemoryStore_TTL_Expiry(t *testing.T) {
	current := time.Now()
	store := NewMemoryStoreWithClock(func() time.Time { return current })

	_, err := store.Create(context.Background(), Document{ID: "doc1", PartitionKey: "p1", TTLSeconds: 10})
	require.NoError(t, err)

	_, err = store.Read(context.Background(), "doc1", "p1")
	require.NoError(t, err)

	current = current.Add(11 * time.Second)

	_, err = store.Read(context.Background(), "doc1", "p1")
	assert.ErrorIs(t, err, ErrNotFound)

	docs, err := store.Query(context.Background(), "p1")
	require.NoError(t, err)
	assert.Empty(t, docs)

	// The slot can be recreated once the old entry expired.
	_, err = store.Create(context.Background(), Document{ID: "doc1", PartitionKey: "p1"})
	assert.NoError(t, err)
}

func TestMemoryStore_Create_DataIsCopied(t *testing.T) {
	store := NewMemoryStore()
	data := []byte("original")

	_, err := store.Create(context.Background(), Document{ID: "doc1", PartitionKey: "p1", Data: data})
	require.NoError(t, err)

	data[0] = 'X'

	read, err := store.Read(context.Background(), "doc1", "p1")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), read.Data)
}

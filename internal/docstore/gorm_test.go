package docstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestGormStore(t *testing.T) *GormStore {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "docstore.db")), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	store, err := NewGormStore(db)
	require.NoError(t, err)
	return store
}

func TestGormStore_CreateAndRead(t *testing.T) {
	store := newTestGormStore(t)

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

func TestGormStore_Create_Conflict(t *testing.T) {
	store := newTestGormStore(t)

	_, err := store.Create(context.Background(), Document{ID: "doc1", PartitionKey: "p1"})
	require.NoError(t, err)

	_, err = store.Create(context.Background(), Document{ID: "doc1", PartitionKey: "p1"})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestGormStore_Create_ReclaimsExpiredRow(t *testing.T) {
	store := newTestGormStore(t)

	_, err := store.Create(context.Background(), Document{ID: "doc1", PartitionKey: "p1", TTLSeconds: 5})
	require.NoError(t, err)

	// Shift the store clock past the TTL; the row is dead but still
	// occupies the primary key.
	store.now = func() time.Time { return time.Now().Add(10 * time.Second) }

	created, err := store.Create(context.Background(), Document{ID: "doc1", PartitionKey: "p1", Data: []byte("new")})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ETag)

	read, err := store.Read(context.Background(), "doc1", "p1")
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), read.Data)
}

func TestGormStore_Replace_ETagGuard(t *testing.T) {
	store := newTestGormStore(t)
	created, err := store.Create(context.Background(), Document{ID: "doc1", PartitionKey: "p1"})
	require.NoError(t, err)

	replaced, err := store.Replace(context.Background(), Document{
		ID:           "doc1",
		PartitionKey: "p1",
		Data:         []byte("v2"),
	}, created.ETag)
	require.NoError(t, err)
	assert.NotEqual(t, created.ETag, replaced.ETag)

	// Stale etag fails the precondition.
	_, err = store.Replace(context.Background(), Document{ID: "doc1", PartitionKey: "p1"}, created.ETag)
	assert.ErrorIs(t, err, ErrPreconditionFailed)

	// Missing document reports not-found, not a stale etag.
	_, err = store.Replace(context.Background(), Document{ID: "ghost", PartitionKey: "p1"}, created.ETag)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGormStore_Upsert(t *testing.T) {
	store := newTestGormStore(t)

	first, err := store.Upsert(context.Background(), Document{ID: "doc1", PartitionKey: "p1", Data: []byte("a")})
	require.NoError(t, err)
	second, err := store.Upsert(context.Background(), Document{ID: "doc1", PartitionKey: "p1", Data: []byte("b")})
	require.NoError(t, err)

	assert.NotEqual(t, first.ETag, second.ETag)

	read, err := store.Read(context.Background(), "doc1", "p1")
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), read.Data)
}

func TestGormStore_Delete(t *testing.T) {
	store := newTestGormStore(t)
	_, err := store.Create(context.Background(), Document{ID: "doc1", PartitionKey: "p1"})
	require.NoError(t, err)

	require.NoError(t, store.Delete(context.Background(), "doc1", "p1"))

	_, err = store.Read(context.Background(), "doc1", "p1")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, store.Delete(context.Background(), "doc1", "p1"), ErrNotFound)
}

func TestGormStore_Query_SkipsExpired(t *testing.T) {
	store := newTestGormStore(t)

	_, err := store.Create(context.Background(), Document{ID: "live", PartitionKey: "p1"})
	require.NoError(t, err)
	_, err = store.Create(context.Background(), Document{ID: "dying", PartitionKey: "p1", TTLSeconds: 5})
	require.NoError(t, err)
	_, err = store.Create(context.Background(), Document{ID: "other", PartitionKey: "p2"})
	require.NoError(t, err)

	store.now = func() time.Time { return time.Now().Add(10 * time.Second) }

	docs, err := store.Query(context.Background(), "p1")
	require.NoError(t, err)

	require.Len(t, docs, 1)
	assert.Equal(t, "live", docs[0].ID)
}

package docstore

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	redisDocPrefix  = "rg:doc:"
	redisPartPrefix = "rg:part:"

	// Partition index sets are refreshed on every write and query so
	// they outlive the documents they point at.
	redisIndexTTL = 24 * time.Hour
)

// Conditional create: fails when the document key already exists.
// KEYS[1] = document hash, KEYS[2] = partition index set
// ARGV = etag, data, docTTLSeconds, docID, indexTTLSeconds
var redisCreateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'etag', ARGV[1], 'data', ARGV[2])
if tonumber(ARGV[3]) > 0 then
  redis.call('EXPIRE', KEYS[1], ARGV[3])
end
redis.call('SADD', KEYS[2], ARGV[4])
redis.call('EXPIRE', KEYS[2], ARGV[5])
return 1
`)

// Conditional replace: compares the stored etag before overwriting.
// Returns -1 when the document is missing, 0 on a stale etag.
// KEYS[1] = document hash, KEYS[2] = partition index set
// ARGV = ifMatch, newETag, data, docTTLSeconds, docID, indexTTLSeconds
var redisReplaceScript = redis.NewScript(`
local etag = redis.call('HGET', KEYS[1], 'etag')
if not etag then
  return -1
end
if etag ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'etag', ARGV[2], 'data', ARGV[3])
if tonumber(ARGV[4]) > 0 then
  redis.call('EXPIRE', KEYS[1], ARGV[4])
else
  redis.call('PERSIST', KEYS[1])
end
redis.call('SADD', KEYS[2], ARGV[5])
redis.call('EXPIRE', KEYS[2], ARGV[6])
return 1
`)

// RedisStore keeps each document in a redis hash and maintains a
// per-partition index set for partition-scoped queries. Conditional
// create and replace run as Lua scripts so the etag comparison is
// atomic on the server.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore constructs a store over an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func redisDocKey(partitionKey, id string) string {
	return redisDocPrefix + partitionKey + ":" + id
}

func redisPartKey(partitionKey string) string {
	return redisPartPrefix + partitionKey
}

// Read implements Store.
func (r *RedisStore) Read(ctx context.Context, id, partitionKey string) (Document, error) {
	fields, err := r.client.HGetAll(ctx, redisDocKey(partitionKey, id)).Result()
	if err != nil {
		return Document{}, err
	}
	if len(fields) == 0 {
		return Document{}, ErrNotFound
	}
	return Document{
		ID:           id,
		PartitionKey: partitionKey,
		ETag:         fields["etag"],
		Data:         []byte(fields["data"]),
	}, nil
}

// Create implements Store.
func (r *RedisStore) Create(ctx context.Context, doc Document) (Document, error) {
	etag := uuid.New().String()
	created, err := redisCreateScript.Run(ctx, r.client,
		[]string{redisDocKey(doc.PartitionKey, doc.ID), redisPartKey(doc.PartitionKey)},
		etag, doc.Data, doc.TTLSeconds, doc.ID, int(redisIndexTTL/time.Second),
	).Int()
	if err != nil {
		return Document{}, err
	}
	if created == 0 {
		return Document{}, ErrConflict
	}
	doc.ETag = etag
	return doc, nil
}

// Replace implements Store.
func (r *RedisStore) Replace(ctx context.Context, doc Document, ifMatch string) (Document, error) {
	etag := uuid.New().String()
	status, err := redisReplaceScript.Run(ctx, r.client,
		[]string{redisDocKey(doc.PartitionKey, doc.ID), redisPartKey(doc.PartitionKey)},
		ifMatch, etag, doc.Data, doc.TTLSeconds, doc.ID, int(redisIndexTTL/time.Second),
	).Int()
	if err != nil {
		return Document{}, err
	}
	switch status {
	case -1:
		return Document{}, ErrNotFound
	case 0:
		return Document{}, ErrPreconditionFailed
	}
	doc.ETag = etag
	return doc, nil
}

// Upsert implements Store.
func (r *RedisStore) Upsert(ctx context.Context, doc Document) (Document, error) {
	etag := uuid.New().String()
	docKey := redisDocKey(doc.PartitionKey, doc.ID)
	partKey := redisPartKey(doc.PartitionKey)

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, docKey, "etag", etag, "data", doc.Data)
	if doc.TTLSeconds > 0 {
		pipe.Expire(ctx, docKey, time.Duration(doc.TTLSeconds)*time.Second)
	} else {
		pipe.Persist(ctx, docKey)
	}
	pipe.SAdd(ctx, partKey, doc.ID)
	pipe.Expire(ctx, partKey, redisIndexTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return Document{}, err
	}
	doc.ETag = etag
	return doc, nil
}

// Delete implements Store.
func (r *RedisStore) Delete(ctx context.Context, id, partitionKey string) error {
	pipe := r.client.TxPipeline()
	del := pipe.Del(ctx, redisDocKey(partitionKey, id))
	pipe.SRem(ctx, redisPartKey(partitionKey), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	if del.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

// Query implements Store.
func (r *RedisStore) Query(ctx context.Context, partitionKey string) ([]Document, error) {
	partKey := redisPartKey(partitionKey)
	ids, err := r.client.SMembers(ctx, partKey).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, redisDocKey(partitionKey, id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	docs := make([]Document, 0, len(ids))
	var dead []any
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			// Document expired out from under the index; prune lazily.
			dead = append(dead, ids[i])
			continue
		}
		docs = append(docs, Document{
			ID:           ids[i],
			PartitionKey: partitionKey,
			ETag:         fields["etag"],
			Data:         []byte(fields["data"]),
		})
	}
	if len(dead) > 0 {
		r.client.SRem(ctx, partKey, dead...)
	}
	return docs, nil
}

var _ Store = (*RedisStore)(nil)

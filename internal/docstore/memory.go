package docstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryEntry struct {
	doc       Document
	expiresAt time.Time // zero means no expiry
}

// MemoryStore is an in-process Store used by tests and local
// development. Expiry is enforced lazily on read and query.
type MemoryStore struct {
	mu         sync.Mutex
	partitions map[string]map[string]*memoryEntry
	now        func() time.Time
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(time.Now)
}

// NewMemoryStoreWithClock constructs a store with an injected clock so
// tests can control expiry.
func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		partitions: make(map[string]map[string]*memoryEntry),
		now:        now,
	}
}

func (m *MemoryStore) live(entry *memoryEntry) bool {
	return entry.expiresAt.IsZero() || entry.expiresAt.After(m.now())
}

func (m *MemoryStore) expiry(doc Document) time.Time {
	if doc.TTLSeconds <= 0 {
		return time.Time{}
	}
	return m.now().Add(time.Duration(doc.TTLSeconds) * time.Second)
}

func stamped(doc Document) Document {
	doc.ETag = uuid.New().String()
	doc.Data = append([]byte(nil), doc.Data...)
	return doc
}

// Read implements Store.
func (m *MemoryStore) Read(ctx context.Context, id, partitionKey string) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.partitions[partitionKey][id]
	if !ok || !m.live(entry) {
		return Document{}, ErrNotFound
	}
	return entry.doc, nil
}

// Create implements Store.
func (m *MemoryStore) Create(ctx context.Context, doc Document) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	part, ok := m.partitions[doc.PartitionKey]
	if !ok {
		part = make(map[string]*memoryEntry)
		m.partitions[doc.PartitionKey] = part
	}
	if entry, exists := part[doc.ID]; exists && m.live(entry) {
		return Document{}, ErrConflict
	}

	stored := stamped(doc)
	part[doc.ID] = &memoryEntry{doc: stored, expiresAt: m.expiry(stored)}
	return stored, nil
}

// Replace implements Store.
func (m *MemoryStore) Replace(ctx context.Context, doc Document, ifMatch string) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.partitions[doc.PartitionKey][doc.ID]
	if !ok || !m.live(entry) {
		return Document{}, ErrNotFound
	}
	if entry.doc.ETag != ifMatch {
		return Document{}, ErrPreconditionFailed
	}

	stored := stamped(doc)
	entry.doc = stored
	entry.expiresAt = m.expiry(stored)
	return stored, nil
}

// Upsert implements Store.
func (m *MemoryStore) Upsert(ctx context.Context, doc Document) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	part, ok := m.partitions[doc.PartitionKey]
	if !ok {
		part = make(map[string]*memoryEntry)
		m.partitions[doc.PartitionKey] = part
	}

	stored := stamped(doc)
	part[doc.ID] = &memoryEntry{doc: stored, expiresAt: m.expiry(stored)}
	return stored, nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(ctx context.Context, id, partitionKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.partitions[partitionKey][id]
	if !ok || !m.live(entry) {
		return ErrNotFound
	}
	delete(m.partitions[partitionKey], id)
	return nil
}

// Query implements Store.
func (m *MemoryStore) Query(ctx context.Context, partitionKey string) ([]Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	part := m.partitions[partitionKey]
	docs := make([]Document, 0, len(part))
	for id, entry := range part {
		if !m.live(entry) {
			delete(part, id)
			continue
		}
		docs = append(docs, entry.doc)
	}
	return docs, nil
}

var _ Store = (*MemoryStore)(nil)

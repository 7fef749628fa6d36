package docstore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// documentRow is the relational shape of a Document. The (id,
// partition_key) pair forms the primary key; etag guards replaces.
type documentRow struct {
	ID           string `gorm:"primaryKey;size:256"`
	PartitionKey string `gorm:"primaryKey;size:256;index:idx_documents_partition"`
	ETag         string `gorm:"size:36;not null"`
	Data         []byte
	ExpiresAt    *time.Time `gorm:"index"`
	UpdatedAt    time.Time
}

func (documentRow) TableName() string { return "rate_limit_documents" }

// GormStore persists documents in a relational database through gorm.
// Production deployments use postgres; tests use sqlite.
//
// The database must be opened with gorm.Config.TranslateError enabled
// so duplicate-key violations surface as gorm.ErrDuplicatedKey.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormStore constructs a store over db and creates the backing
// table when it does not exist.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&documentRow{}); err != nil {
		return nil, err
	}
	return &GormStore{db: db, now: time.Now}, nil
}

func (g *GormStore) rowToDoc(row documentRow) Document {
	ttl := 0
	if row.ExpiresAt != nil {
		ttl = int(time.Until(*row.ExpiresAt) / time.Second)
	}
	return Document{
		ID:           row.ID,
		PartitionKey: row.PartitionKey,
		ETag:         row.ETag,
		Data:         row.Data,
		TTLSeconds:   ttl,
	}
}

func (g *GormStore) docToRow(doc Document, etag string) documentRow {
	now := g.now()
	row := documentRow{
		ID:           doc.ID,
		PartitionKey: doc.PartitionKey,
		ETag:         etag,
		Data:         doc.Data,
		UpdatedAt:    now,
	}
	if doc.TTLSeconds > 0 {
		expires := now.Add(time.Duration(doc.TTLSeconds) * time.Second)
		row.ExpiresAt = &expires
	}
	return row
}

func (g *GormStore) expired(row documentRow) bool {
	return row.ExpiresAt != nil && !row.ExpiresAt.After(g.now())
}

// Read implements Store.
func (g *GormStore) Read(ctx context.Context, id, partitionKey string) (Document, error) {
	var row documentRow
	err := g.db.WithContext(ctx).
		Where("id = ? AND partition_key = ?", id, partitionKey).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	if g.expired(row) {
		return Document{}, ErrNotFound
	}
	return g.rowToDoc(row), nil
}

// Create implements Store.
func (g *GormStore) Create(ctx context.Context, doc Document) (Document, error) {
	row := g.docToRow(doc, uuid.New().String())
	err := g.db.WithContext(ctx).Create(&row).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// The conflicting row may be an expired leftover; reclaim it.
		_, readErr := g.Read(ctx, doc.ID, doc.PartitionKey)
		if readErr == nil {
			return Document{}, ErrConflict
		}
		if !errors.Is(readErr, ErrNotFound) {
			return Document{}, readErr
		}
		res := g.db.WithContext(ctx).
			Where("id = ? AND partition_key = ?", doc.ID, doc.PartitionKey).
			Select("e_tag", "data", "expires_at", "updated_at").
			Updates(&row)
		if res.Error != nil {
			return Document{}, res.Error
		}
		if res.RowsAffected == 0 {
			return Document{}, ErrConflict
		}
		return g.rowToDoc(row), nil
	}
	if err != nil {
		return Document{}, err
	}
	return g.rowToDoc(row), nil
}

// Replace implements Store.
func (g *GormStore) Replace(ctx context.Context, doc Document, ifMatch string) (Document, error) {
	row := g.docToRow(doc, uuid.New().String())
	res := g.db.WithContext(ctx).
		Model(&documentRow{}).
		Where("id = ? AND partition_key = ? AND e_tag = ?", doc.ID, doc.PartitionKey, ifMatch).
		Updates(map[string]any{
			"e_tag":      row.ETag,
			"data":       row.Data,
			"expires_at": row.ExpiresAt,
			"updated_at": row.UpdatedAt,
		})
	if res.Error != nil {
		return Document{}, res.Error
	}
	if res.RowsAffected == 0 {
		// Zero rows means either the document is gone or the etag is
		// stale; re-read to report which.
		if _, err := g.Read(ctx, doc.ID, doc.PartitionKey); errors.Is(err, ErrNotFound) {
			return Document{}, ErrNotFound
		} else if err != nil {
			return Document{}, err
		}
		return Document{}, ErrPreconditionFailed
	}
	return g.rowToDoc(row), nil
}

// Upsert implements Store.
func (g *GormStore) Upsert(ctx context.Context, doc Document) (Document, error) {
	row := g.docToRow(doc, uuid.New().String())
	err := g.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}, {Name: "partition_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"e_tag", "data", "expires_at", "updated_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return Document{}, err
	}
	return g.rowToDoc(row), nil
}

// Delete implements Store.
func (g *GormStore) Delete(ctx context.Context, id, partitionKey string) error {
	res := g.db.WithContext(ctx).
		Where("id = ? AND partition_key = ?", id, partitionKey).
		Delete(&documentRow{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Query implements Store.
func (g *GormStore) Query(ctx context.Context, partitionKey string) ([]Document, error) {
	var rows []documentRow
	err := g.db.WithContext(ctx).
		Where("partition_key = ? AND (expires_at IS NULL OR expires_at > ?)", partitionKey, g.now()).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	docs := make([]Document, 0, len(rows))
	for _, row := range rows {
		docs = append(docs, g.rowToDoc(row))
	}
	return docs, nil
}

var _ Store = (*GormStore)(nil)

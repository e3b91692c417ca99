package gallery

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Item is one user-visible artifact row.
type Item struct {
	ID        string    `json:"id" gorm:"primaryKey;size:36"`
	UserID    string    `json:"user_id" gorm:"index;size:64"`
	AssetURL  string    `json:"asset_url" gorm:"size:1024"`
	Metadata  string    `json:"metadata,omitempty" gorm:"type:text"`
	CreatedAt time.Time `json:"created_at" gorm:"index"`
}

// TableName keeps the table name stable across gorm naming strategies.
func (Item) TableName() string { return "gallery_items" }

// GormGallery persists gallery rows on the engine database.
type GormGallery struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
}

// NewGormGallery creates the repository.
func NewGormGallery(db *gorm.DB, logger *zap.Logger) *GormGallery {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormGallery{db: db, now: time.Now, logger: logger}
}

// AutoMigrate creates the gallery table.
func (g *GormGallery) AutoMigrate() error {
	return g.db.AutoMigrate(&Item{})
}

// Create appends one artifact row. Metadata is stored as JSON text.
func (g *GormGallery) Create(ctx context.Context, userID, assetURL string, metadata map[string]string) error {
	var meta string
	if len(metadata) > 0 {
		if b, err := json.Marshal(metadata); err == nil {
			meta = string(b)
		}
	}
	return g.db.WithContext(ctx).Create(&Item{
		ID:        uuid.NewString(),
		UserID:    userID,
		AssetURL:  assetURL,
		Metadata:  meta,
		CreatedAt: g.now(),
	}).Error
}

// ListByUser returns the newest rows for one user, newest first.
func (g *GormGallery) ListByUser(ctx context.Context, userID string, limit int) ([]Item, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var items []Item
	err := g.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&items).Error
	return items, err
}

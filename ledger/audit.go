package ledger

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// UsageRecord is one append-only audit row, written independently of the
// balance bookkeeping.
type UsageRecord struct {
	ID        string    `json:"id" gorm:"primaryKey;size:36"`
	UserID    string    `json:"user_id" gorm:"index;size:64"`
	Provider  string    `json:"provider" gorm:"size:64"`
	Model     string    `json:"model" gorm:"size:128"`
	Prompt    string    `json:"prompt" gorm:"size:512"`
	Cost      int64     `json:"cost"`
	Metadata  string    `json:"metadata,omitempty" gorm:"type:text"`
	CreatedAt time.Time `json:"created_at" gorm:"index"`
}

// GormAudit implements the usage-audit collaborator on the same database as
// the ledger.
type GormAudit struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
}

// NewGormAudit creates the audit writer.
func NewGormAudit(db *gorm.DB, logger *zap.Logger) *GormAudit {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormAudit{db: db, now: time.Now, logger: logger}
}

// Record appends one usage row. Metadata is stored as JSON text.
func (a *GormAudit) Record(ctx context.Context, userID, provider, model, prompt string, cost int64, metadata map[string]string) error {
	var meta string
	if len(metadata) > 0 {
		if b, err := json.Marshal(metadata); err == nil {
			meta = string(b)
		}
	}
	return a.db.WithContext(ctx).Create(&UsageRecord{
		ID:        uuid.NewString(),
		UserID:    userID,
		Provider:  provider,
		Model:     model,
		Prompt:    truncatePrompt(prompt),
		Cost:      cost,
		Metadata:  meta,
		CreatedAt: a.now(),
	}).Error
}

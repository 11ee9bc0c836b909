package checkpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Round outcomes recorded in the ledger.
const (
	OUTCOME_PERSISTED = "persisted"
	OUTCOME_ACCEPTED  = "accepted"
	OUTCOME_POISONED  = "poisoned"
	OUTCOME_REJECTED  = "rejected"
)

type RoundRecord struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	RunId           string    `gorm:"index;size:64" json:"run_id"`
	Round           int       `json:"round"`
	Clusters        int       `json:"clusters"`
	Samples         int64     `json:"samples"`
	Outcome         string    `gorm:"size:16" json:"outcome"`
	Accuracy        float64   `json:"accuracy"`
	RemainingRounds int       `json:"remaining_rounds"`
	CreatedAt       time.Time `json:"created_at"`
}

func (RoundRecord) TableName() string {
	return "sl_round_history"
}

type IHistory interface {
	Record(ctx context.Context, record *RoundRecord) error
	List(ctx context.Context, runId string) ([]RoundRecord, error)
}

type History struct {
	db *gorm.DB
}

// OpenHistory opens (or creates) the sqlite ledger at path.
func OpenHistory(path string) (*History, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("opening history db %s: %w", path, err)
	}
	return NewHistory(db)
}

func NewHistory(db *gorm.DB) (*History, error) {
	if err := db.AutoMigrate(&RoundRecord{}); err != nil {
		return nil, fmt.Errorf("failed to auto migrate: %w", err)
	}
	return &History{db: db}, nil
}

func (h *History) Record(ctx context.Context, record *RoundRecord) error {
	if err := h.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("recording round %d: %w", record.Round, err)
	}
	return nil
}

// List returns the rounds of a run in order. An empty runId lists every run.
func (h *History) List(ctx context.Context, runId string) ([]RoundRecord, error) {
	var records []RoundRecord
	query := h.db.WithContext(ctx).Order("id")
	if runId != "" {
		query = query.Where("run_id = ?", runId)
	}
	if err := query.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

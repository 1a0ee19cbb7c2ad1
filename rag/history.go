package rag

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	historyDefaultTake = 20
	historyMaxTake     = 100
)

// QueryRecord is the persisted trail of one answered question: what was
// asked, what came back and which sources backed it.
type QueryRecord struct {
	ID            uint64         `gorm:"primaryKey" json:"id"`
	UserID        uint64         `gorm:"not null;index" json:"user_id"`
	Query         string         `gorm:"type:text;not null" json:"query"`
	Answer        string         `gorm:"type:text" json:"answer"`
	Confidence    float64        `gorm:"not null;default:0" json:"confidence"`
	Warning       *string        `gorm:"size:255" json:"warning,omitempty"`
	Citations     datatypes.JSON `gorm:"type:json" json:"citations,omitempty"`
	DocumentIDs   datatypes.JSON `gorm:"type:json" json:"document_ids,omitempty"`
	RetrievalMode string         `gorm:"size:16;not null;default:''" json:"retrieval_mode"`
	Model         string         `gorm:"size:128" json:"model,omitempty"`
	TraceID       string         `gorm:"size:64;index" json:"trace_id,omitempty"`
	ExecutionMS   int64          `gorm:"not null;default:0" json:"execution_ms"`
	CreatedAt     time.Time      `json:"created_at"`
}

func (QueryRecord) TableName() string {
	return "query_records"
}

// recordQuery persists the history row. History writes are best-effort: a
// failed insert is logged, never surfaced to the caller.
func recordQuery(ctx context.Context, db *gorm.DB, userID uint64, req QueryRequest, result *QueryResult, traceID string, elapsed time.Duration) *QueryRecord {
	record := QueryRecord{
		UserID:        userID,
		Query:         req.Query,
		Answer:        result.Answer,
		Confidence:    result.Confidence,
		RetrievalMode: result.RetrievalMode,
		Model:         req.Model,
		TraceID:       traceID,
		ExecutionMS:   elapsed.Milliseconds(),
	}
	if result.Warning != "" {
		warning := result.Warning
		record.Warning = &warning
	}
	if len(result.Citations) > 0 {
		if raw, err := json.Marshal(result.Citations); err == nil {
			record.Citations = datatypes.JSON(raw)
		}
	}
	if len(req.DocumentIDs) > 0 {
		if raw, err := json.Marshal(req.DocumentIDs); err == nil {
			record.DocumentIDs = datatypes.JSON(raw)
		}
	}

	if err := db.WithContext(ctx).Create(&record).Error; err != nil {
		log.Printf("rag: record query of user %d failed: %v", userID, err)
		return nil
	}
	return &record
}

func listHistory(ctx context.Context, db *gorm.DB, userID uint64, skip, take int) ([]QueryRecord, int64, error) {
	if skip < 0 {
		skip = 0
	}
	if take <= 0 {
		take = historyDefaultTake
	}
	if take > historyMaxTake {
		take = historyMaxTake
	}

	var total int64
	if err := db.WithContext(ctx).Model(&QueryRecord{}).
		Where("user_id = ?", userID).
		Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var records []QueryRecord
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id DESC").
		Offset(skip).
		Limit(take).
		Find(&records).Error
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

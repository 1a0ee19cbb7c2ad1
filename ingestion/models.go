package ingestion

import (
	"time"

	"gorm.io/datatypes"
)

// Document processing lifecycle. Only the ingestion worker and the reprocess
// endpoint move a document between states.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusReady      = "ready"
	StatusFailed     = "failed"
)

// Ingestion job record lifecycle. One row per queue job id; a reprocess
// creates a new row rather than mutating the old one.
const (
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

type Document struct {
	ID               uint64         `gorm:"primaryKey" json:"id"`
	UserID           uint64         `gorm:"not null;index" json:"user_id"`
	Filename         string         `gorm:"size:255;not null" json:"filename"`
	MimeType         string         `gorm:"size:128;not null" json:"mime_type"`
	SizeBytes        int64          `gorm:"not null" json:"size_bytes"`
	StorageKey       string         `gorm:"size:255;not null" json:"storage_key"`
	Metadata         datatypes.JSON `gorm:"type:json" json:"metadata,omitempty"`
	ChunkCount       int            `gorm:"not null;default:0" json:"chunk_count"`
	PageCount        *int           `json:"page_count,omitempty"`
	CharCount        int            `gorm:"not null;default:0" json:"char_count"`
	ProcessingStatus string         `gorm:"size:16;not null;default:'pending'" json:"processing_status"`
	StatusMessage    *string        `gorm:"size:500" json:"status_message,omitempty"`
	LastJobID        string         `gorm:"size:64;index" json:"last_job_id"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

func (Document) TableName() string {
	return "documents"
}

// Chunk rows are immutable once written except for the vector link; a
// reprocess deletes and recreates them wholesale.
type Chunk struct {
	ID         uint64    `gorm:"primaryKey" json:"id"`
	DocumentID uint64    `gorm:"not null;index:idx_document_seq" json:"document_id"`
	UserID     uint64    `gorm:"not null;index" json:"user_id"`
	Seq        int       `gorm:"not null;index:idx_document_seq" json:"seq"`
	Text       string    `gorm:"type:text;not null" json:"text"`
	Page       *int      `json:"page,omitempty"`
	StartChar  int       `gorm:"not null;default:0" json:"start_char"`
	EndChar    int       `gorm:"not null;default:0" json:"end_char"`
	VectorID   *string   `gorm:"size:64;uniqueIndex" json:"vector_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func (Chunk) TableName() string {
	return "document_chunks"
}

// IngestionJob is the durable audit record of one ingestion attempt. It
// outlives the queue transport's own bookkeeping and is removed only when the
// owning document is deleted.
type IngestionJob struct {
	ID           uint64         `gorm:"primaryKey" json:"id"`
	DocumentID   uint64         `gorm:"not null;index" json:"document_id"`
	UserID       uint64         `gorm:"not null;index" json:"user_id"`
	JobID        string         `gorm:"size:64;not null;uniqueIndex" json:"job_id"`
	Status       string         `gorm:"size:16;not null;default:'queued'" json:"status"`
	Attempts     int            `gorm:"not null;default:0" json:"attempts"`
	Metadata     datatypes.JSON `gorm:"type:json" json:"metadata,omitempty"`
	ErrorMessage *string        `gorm:"size:1000" json:"error_message,omitempty"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

func (IngestionJob) TableName() string {
	return "ingestion_jobs"
}

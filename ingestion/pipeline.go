package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"docqa_back/queue"
	"docqa_back/storage"
	"docqa_back/vectorindex"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Embedder is the slice of the provider capability the pipeline needs.
// Embeddings are best-effort: an unavailable or failing embedder never fails
// an ingestion job.
type Embedder interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
	Available() bool
}

// Pipeline executes ingestion jobs pulled off the queue: fetch the stored
// file, extract text, chunk it, embed what it can, and persist chunks plus
// vectors. Every attempt starts from a clean slate so retries never
// accumulate duplicate chunks.
type Pipeline struct {
	db       *gorm.DB
	files    storage.FileStore
	index    *vectorindex.Index
	embedder Embedder
	chunker  *chunker
}

// NewPipeline wires the pipeline. Chunk parameters come from
// CHUNK_SIZE_CHARS and CHUNK_OVERLAP_CHARS.
func NewPipeline(db *gorm.DB, files storage.FileStore, index *vectorindex.Index, embedder Embedder) *Pipeline {
	chunkSize := 0
	if raw := strings.TrimSpace(os.Getenv("CHUNK_SIZE_CHARS")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			chunkSize = parsed
		}
	}
	overlap := -1
	if raw := strings.TrimSpace(os.Getenv("CHUNK_OVERLAP_CHARS")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			overlap = parsed
		}
	}

	return &Pipeline{
		db:       db,
		files:    files,
		index:    index,
		embedder: embedder,
		chunker:  newChunker(chunkSize, overlap),
	}
}

// Execute runs one ingestion attempt. A returned error hands the job to the
// queue's retry policy after the document and job record are marked failed.
func (p *Pipeline) Execute(ctx context.Context, job queue.Job) error {
	if err := p.markProcessing(ctx, job); err != nil {
		return err
	}

	if err := p.process(ctx, job); err != nil {
		p.markFailed(ctx, job, err)
		return err
	}
	return nil
}

func (p *Pipeline) process(ctx context.Context, job queue.Job) error {
	payload := job.Payload

	// Clean slate: a retry or reprocess must never append to prior chunks.
	if err := p.deleteChunks(ctx, payload.UserID, payload.DocumentID); err != nil {
		return fmt.Errorf("ingestion: clear previous chunks: %w", err)
	}

	extractor, err := extractorFor(payload.MimeType, payload.Filename)
	if err != nil {
		return err
	}

	file, size, err := p.files.Open(ctx, payload.StorageKey)
	if err != nil {
		return fmt.Errorf("ingestion: open stored file: %w", err)
	}
	extraction, err := extractor.Extract(file, size)
	_ = file.Close()
	if err != nil {
		return err
	}

	cleaned := cleanText(extraction.Text)
	segments := p.chunker.split(extraction.Text)

	if len(segments) == 0 {
		message := "no text content extracted"
		if err := p.db.WithContext(ctx).Model(&Document{}).
			Where("id = ?", payload.DocumentID).
			Updates(map[string]any{
				"processing_status": StatusReady,
				"status_message":    message,
				"chunk_count":       0,
				"char_count":        0,
				"page_count":        extraction.Pages,
			}).Error; err != nil {
			return fmt.Errorf("ingestion: update empty document: %w", err)
		}
		return p.markCompleted(ctx, job, 0, 0, extraction.Pages)
	}

	texts := make([]string, len(segments))
	for i, segment := range segments {
		texts[i] = segment.Text
	}

	// Best-effort embeddings: a provider outage degrades retrieval quality
	// but must not fail the job.
	var embeddings [][]float32
	if p.embedder != nil && p.embedder.Available() {
		embeddings, err = p.embedder.Embed(ctx, texts)
		if err != nil {
			log.Printf("ingestion: embed %d chunks of document %d failed, continuing without vectors: %v",
				len(segments), payload.DocumentID, err)
			embeddings = nil
		}
	}

	charCount := runeLen(cleaned)
	chunks := make([]Chunk, len(segments))
	for i, segment := range segments {
		chunks[i] = Chunk{
			DocumentID: payload.DocumentID,
			UserID:     payload.UserID,
			Seq:        i,
			Text:       segment.Text,
			Page:       chunkPage(segment, charCount, extraction.Pages),
			StartChar:  segment.StartChar,
			EndChar:    segment.EndChar,
		}
	}

	if err := p.db.WithContext(ctx).CreateInBatches(&chunks, 100).Error; err != nil {
		return fmt.Errorf("ingestion: persist chunks: %w", err)
	}

	if len(embeddings) == len(chunks) {
		if err := p.linkVectors(ctx, payload, chunks, embeddings); err != nil {
			log.Printf("ingestion: index vectors of document %d failed, chunks remain searchable by keyword: %v",
				payload.DocumentID, err)
		}
	}

	if err := p.db.WithContext(ctx).Model(&Document{}).
		Where("id = ?", payload.DocumentID).
		Updates(map[string]any{
			"processing_status": StatusReady,
			"status_message":    gorm.Expr("NULL"),
			"chunk_count":       len(chunks),
			"char_count":        charCount,
			"page_count":        extraction.Pages,
		}).Error; err != nil {
		return fmt.Errorf("ingestion: update document: %w", err)
	}

	return p.markCompleted(ctx, job, len(chunks), charCount, extraction.Pages)
}

// linkVectors upserts one point per embedded chunk and records the vector id
// back on the chunk row.
func (p *Pipeline) linkVectors(ctx context.Context, payload queue.JobPayload, chunks []Chunk, embeddings [][]float32) error {
	if p.index == nil || !p.index.Enabled() {
		return nil
	}

	points := make([]vectorindex.Point, 0, len(chunks))
	vectorIDs := make([]*string, len(chunks))
	for i := range chunks {
		if len(embeddings[i]) == 0 {
			continue
		}
		id := uuid.NewString()
		vectorIDs[i] = &id
		points = append(points, vectorindex.Point{
			VectorID:   id,
			ChunkID:    chunks[i].ID,
			DocumentID: payload.DocumentID,
			UserID:     payload.UserID,
			Seq:        chunks[i].Seq,
			Filename:   payload.Filename,
			Vector:     embeddings[i],
		})
	}
	if len(points) == 0 {
		return nil
	}

	if err := p.index.Upsert(ctx, payload.UserID, points); err != nil {
		return err
	}

	for i := range chunks {
		if vectorIDs[i] == nil {
			continue
		}
		if err := p.db.WithContext(ctx).Model(&Chunk{}).
			Where("id = ?", chunks[i].ID).
			Update("vector_id", *vectorIDs[i]).Error; err != nil {
			return fmt.Errorf("ingestion: link vector to chunk %d: %w", chunks[i].ID, err)
		}
	}
	return nil
}

// deleteChunks removes all chunks and vector points of a document.
func (p *Pipeline) deleteChunks(ctx context.Context, userID, documentID uint64) error {
	if p.index != nil && p.index.Enabled() {
		if err := p.index.DeleteByDocument(ctx, userID, documentID); err != nil {
			return err
		}
	}
	return p.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Delete(&Chunk{}).Error
}

func (p *Pipeline) markProcessing(ctx context.Context, job queue.Job) error {
	payload := job.Payload

	if err := p.db.WithContext(ctx).Model(&Document{}).
		Where("id = ?", payload.DocumentID).
		Updates(map[string]any{
			"processing_status": StatusProcessing,
			"status_message":    gorm.Expr("NULL"),
		}).Error; err != nil {
		return fmt.Errorf("ingestion: mark document processing: %w", err)
	}

	updates := map[string]any{
		"status":   JobStatusProcessing,
		"attempts": job.Attempt,
	}
	if job.Attempt <= 1 {
		updates["started_at"] = time.Now().UTC()
	}
	if err := p.db.WithContext(ctx).Model(&IngestionJob{}).
		Where("job_id = ?", job.ID).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("ingestion: mark job processing: %w", err)
	}
	return nil
}

func (p *Pipeline) markCompleted(ctx context.Context, job queue.Job, chunkCount, charCount int, pages *int) error {
	summary := map[string]any{
		"chunks":     chunkCount,
		"characters": charCount,
	}
	if pages != nil {
		summary["pages"] = *pages
	}
	raw, _ := json.Marshal(summary)

	now := time.Now().UTC()
	if err := p.db.WithContext(ctx).Model(&IngestionJob{}).
		Where("job_id = ?", job.ID).
		Updates(map[string]any{
			"status":        JobStatusCompleted,
			"metadata":      datatypes.JSON(raw),
			"error_message": gorm.Expr("NULL"),
			"finished_at":   now,
		}).Error; err != nil {
		return fmt.Errorf("ingestion: mark job completed: %w", err)
	}
	return nil
}

// markFailed records the error on both the document and the job record. The
// queue decides whether another attempt follows; the records always reflect
// the latest failure.
func (p *Pipeline) markFailed(ctx context.Context, job queue.Job, cause error) {
	message := cause.Error()
	if len(message) > 1000 {
		message = message[:1000]
	}

	if err := p.db.WithContext(ctx).Model(&Document{}).
		Where("id = ?", job.Payload.DocumentID).
		Updates(map[string]any{
			"processing_status": StatusFailed,
			"status_message":    message,
		}).Error; err != nil {
		log.Printf("ingestion: mark document %d failed: %v", job.Payload.DocumentID, err)
	}

	now := time.Now().UTC()
	if err := p.db.WithContext(ctx).Model(&IngestionJob{}).
		Where("job_id = ?", job.ID).
		Updates(map[string]any{
			"status":        JobStatusFailed,
			"attempts":      job.Attempt,
			"error_message": message,
			"finished_at":   now,
		}).Error; err != nil {
		log.Printf("ingestion: mark job %s failed: %v", job.ID, err)
	}
}

// chunkPage estimates the page a chunk starts on when the extractor reported
// a page count. The mapping is proportional to the chunk's offset.
func chunkPage(segment chunkSegment, charCount int, pages *int) *int {
	if pages == nil || *pages <= 0 || charCount <= 0 {
		return nil
	}
	page := 1 + segment.StartChar*(*pages)/charCount
	if page > *pages {
		page = *pages
	}
	return &page
}

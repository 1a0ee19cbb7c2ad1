package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"docqa_back/queue"
	"docqa_back/storage"
	"docqa_back/vectorindex"
	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Module wires the documents HTTP surface to the database, the file store,
// the ingestion queue and the vector index.
type Module struct {
	db    *gorm.DB
	files storage.FileStore
	queue *queue.Queue
	index *vectorindex.Index
}

// RegisterRoutes opens the database, migrates the ingestion models and
// mounts the /documents endpoints.
func RegisterRoutes(router *gin.Engine, files storage.FileStore, q *queue.Queue, index *vectorindex.Index) (*Module, error) {
	db, err := openDatabaseFromEnv()
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&Document{}, &Chunk{}, &IngestionJob{}); err != nil {
		return nil, fmt.Errorf("ingestion: migrate models: %w", err)
	}

	module := &Module{db: db, files: files, queue: q, index: index}

	group := router.Group("/documents")
	group.POST("/upload", module.handleUpload)
	group.GET("", module.handleList)
	group.GET("/:id/status", module.handleStatus)
	group.GET("/:id/download", module.handleDownload)
	group.GET("/:id/ingestion-jobs", module.handleJobs)
	group.POST("/:id/reprocess", module.handleReprocess)
	group.DELETE("/:id", module.handleDelete)

	return module, nil
}

// DB exposes the module's database handle so sibling modules share one
// connection pool.
func (m *Module) DB() *gorm.DB {
	return m.db
}

// currentUserID reads the authenticated user from the X-User-ID header the
// edge proxy injects. Authentication itself happens upstream.
func currentUserID(c *gin.Context) (uint64, bool) {
	raw := strings.TrimSpace(c.GetHeader("X-User-ID"))
	if raw == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "X-User-ID header is required"})
		return 0, false
	}
	userID, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid X-User-ID header"})
		return 0, false
	}
	return userID, true
}

func parseDocumentID(c *gin.Context) (uint64, bool) {
	docID, err := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if err != nil || docID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid document id"})
		return 0, false
	}
	return docID, true
}

func (m *Module) loadDocument(ctx context.Context, userID, docID uint64) (*Document, error) {
	var doc Document
	err := m.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", docID, userID).
		Take(&doc).Error
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (m *Module) handleUpload(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}

	filename := path.Base(strings.ReplaceAll(fileHeader.Filename, "\\", "/"))
	if filename == "" || filename == "." {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid filename"})
		return
	}

	mimeType := fileHeader.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = mime.TypeByExtension(path.Ext(filename))
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	metadata := datatypes.JSON([]byte("{}"))
	var metadataMap map[string]any
	if raw := strings.TrimSpace(c.PostForm("metadata")); raw != "" {
		if err := json.Unmarshal([]byte(raw), &metadataMap); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "metadata must be a JSON object"})
			return
		}
		metadata = datatypes.JSON([]byte(raw))
	}

	ctx := c.Request.Context()
	key := storage.NewKey(filename)
	if err := m.files.Save(ctx, fileHeader, key); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	doc := Document{
		UserID:           userID,
		Filename:         filename,
		MimeType:         mimeType,
		SizeBytes:        fileHeader.Size,
		StorageKey:       key,
		Metadata:         metadata,
		ProcessingStatus: StatusPending,
	}
	if err := m.db.WithContext(ctx).Create(&doc).Error; err != nil {
		_ = m.files.Delete(ctx, key)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create document failed"})
		return
	}

	jobID, err := m.enqueueIngestion(ctx, &doc, metadataMap)
	if err != nil {
		log.Printf("ingestion: enqueue upload of document %d failed: %v", doc.ID, err)
		message := "failed to enqueue ingestion"
		_ = m.db.WithContext(ctx).Model(&Document{}).Where("id = ?", doc.ID).
			Updates(map[string]any{"processing_status": StatusFailed, "status_message": message})
		c.JSON(http.StatusInternalServerError, gin.H{"error": message})
		return
	}
	doc.LastJobID = jobID

	c.JSON(http.StatusCreated, gin.H{
		"document": doc,
		"data": gin.H{
			"chunks":         0,
			"ingestionJobId": jobID,
		},
	})
}

// enqueueIngestion pushes a queue job and records the matching audit row.
func (m *Module) enqueueIngestion(ctx context.Context, doc *Document, metadata map[string]any) (string, error) {
	jobID, err := m.queue.Enqueue(ctx, queue.JobPayload{
		DocumentID: doc.ID,
		UserID:     doc.UserID,
		StorageKey: doc.StorageKey,
		Filename:   doc.Filename,
		MimeType:   doc.MimeType,
		SizeBytes:  doc.SizeBytes,
		Metadata:   metadata,
	})
	if err != nil {
		return "", err
	}

	record := IngestionJob{
		DocumentID: doc.ID,
		UserID:     doc.UserID,
		JobID:      jobID,
		Status:     JobStatusQueued,
		Metadata:   doc.Metadata,
	}
	if err := m.db.WithContext(ctx).Create(&record).Error; err != nil {
		return "", fmt.Errorf("ingestion: create job record: %w", err)
	}

	if err := m.db.WithContext(ctx).Model(&Document{}).
		Where("id = ?", doc.ID).
		Update("last_job_id", jobID).Error; err != nil {
		return "", fmt.Errorf("ingestion: link job to document: %w", err)
	}
	return jobID, nil
}

func (m *Module) handleList(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var docs []Document
	if err := m.db.WithContext(c.Request.Context()).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Find(&docs).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list documents failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs})
}

func (m *Module) handleStatus(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	docID, ok := parseDocumentID(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	doc, err := m.loadDocument(ctx, userID, docID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load document failed"})
		return
	}

	var latestJob *IngestionJob
	var job IngestionJob
	err = m.db.WithContext(ctx).
		Where("document_id = ?", doc.ID).
		Order("id DESC").
		Take(&job).Error
	if err == nil {
		latestJob = &job
	}

	c.JSON(http.StatusOK, gin.H{
		"documentId":       doc.ID,
		"processingStatus": doc.ProcessingStatus,
		"statusMessage":    doc.StatusMessage,
		"chunkCount":       doc.ChunkCount,
		"ingestionJobId":   doc.LastJobID,
		"ingestionJob":     latestJob,
		"createdAt":        doc.CreatedAt,
		"updatedAt":        doc.UpdatedAt,
	})
}

const downloadLinkTTL = 15 * time.Minute

// handleDownload hands back the original uploaded file. Object stores answer
// with a redirect to a short-lived presigned link; the local store streams
// the file through the API instead.
func (m *Module) handleDownload(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	docID, ok := parseDocumentID(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	doc, err := m.loadDocument(ctx, userID, docID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load document failed"})
		return
	}

	if signer, ok := m.files.(storage.URLSigner); ok {
		signed, err := signer.PresignedURL(ctx, doc.StorageKey, downloadLinkTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "sign download link failed"})
			return
		}
		c.Redirect(http.StatusFound, signed)
		return
	}

	reader, size, err := m.files.Open(ctx, doc.StorageKey)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "original file is no longer available"})
		return
	}
	defer reader.Close()

	c.DataFromReader(http.StatusOK, size, doc.MimeType, reader, map[string]string{
		"Content-Disposition": fmt.Sprintf("attachment; filename=%q", doc.Filename),
	})
}

func (m *Module) handleJobs(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	docID, ok := parseDocumentID(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	if _, err := m.loadDocument(ctx, userID, docID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load document failed"})
		return
	}

	var jobs []IngestionJob
	if err := m.db.WithContext(ctx).
		Where("document_id = ?", docID).
		Order("id DESC").
		Find(&jobs).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list ingestion jobs failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

type reprocessRequest struct {
	Force bool `json:"force"`
}

func (m *Module) handleReprocess(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	docID, ok := parseDocumentID(c)
	if !ok {
		return
	}

	var req reprocessRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
			return
		}
	}

	ctx := c.Request.Context()
	doc, err := m.loadDocument(ctx, userID, docID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load document failed"})
		return
	}

	if doc.ProcessingStatus == StatusProcessing && !req.Force {
		c.JSON(http.StatusConflict, gin.H{"error": "document is currently processing"})
		return
	}

	exists, err := m.files.Exists(ctx, doc.StorageKey)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !exists {
		c.JSON(http.StatusBadRequest, gin.H{"error": "original file is no longer available"})
		return
	}

	var metadata map[string]any
	if len(doc.Metadata) > 0 {
		_ = json.Unmarshal(doc.Metadata, &metadata)
	}

	if err := m.db.WithContext(ctx).Model(&Document{}).
		Where("id = ?", doc.ID).
		Updates(map[string]any{
			"processing_status": StatusPending,
			"status_message":    gorm.Expr("NULL"),
		}).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update document failed"})
		return
	}

	jobID, err := m.enqueueIngestion(ctx, doc, metadata)
	if err != nil {
		log.Printf("ingestion: enqueue reprocess of document %d failed: %v", doc.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue ingestion"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"documentId":     doc.ID,
		"ingestionJobId": jobID,
	})
}

// handleDelete removes the document together with its chunks, vector points,
// job records and stored file.
func (m *Module) handleDelete(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	docID, ok := parseDocumentID(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	doc, err := m.loadDocument(ctx, userID, docID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load document failed"})
		return
	}

	if m.index != nil && m.index.Enabled() {
		if err := m.index.DeleteByDocument(ctx, userID, doc.ID); err != nil {
			log.Printf("ingestion: delete vectors of document %d failed: %v", doc.ID, err)
		}
	}

	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ?", doc.ID).Delete(&Chunk{}).Error; err != nil {
			return err
		}
		if err := tx.Where("document_id = ?", doc.ID).Delete(&IngestionJob{}).Error; err != nil {
			return err
		}
		return tx.Delete(&Document{}, doc.ID).Error
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete document failed"})
		return
	}

	if err := m.files.Delete(ctx, doc.StorageKey); err != nil {
		log.Printf("ingestion: delete stored file %s failed: %v", doc.StorageKey, err)
	}

	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

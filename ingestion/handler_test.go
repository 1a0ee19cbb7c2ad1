package ingestion

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"docqa_back/queue"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestModule(t *testing.T) (*gin.Engine, *Module) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	t.Setenv("DATABASE_DSN", filepath.Join(t.TempDir(), "test.db"))

	store, _ := newTestStore(t)

	// The queue client never connects in these tests; only handlers that
	// stay off the queue are exercised here.
	q, err := queue.NewQueue(redis.NewClient(&redis.Options{Addr: "localhost:1"}))
	require.NoError(t, err)

	router := gin.New()
	module, err := RegisterRoutes(router, store, q, nil)
	require.NoError(t, err)
	return router, module
}

func TestUploadRequiresUser(t *testing.T) {
	router, _ := newTestModule(t)

	recorder := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/documents/upload", nil)
	router.ServeHTTP(recorder, req)

	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
}

func TestUploadRequiresFile(t *testing.T) {
	router, _ := newTestModule(t)

	recorder := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/documents/upload", nil)
	req.Header.Set("X-User-ID", "1")
	router.ServeHTTP(recorder, req)

	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestListDocumentsEmpty(t *testing.T) {
	router, _ := newTestModule(t)

	recorder := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/documents", nil)
	req.Header.Set("X-User-ID", "1")
	router.ServeHTTP(recorder, req)

	require.Equal(t, http.StatusOK, recorder.Code)

	var body struct {
		Documents []Document `json:"documents"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	assert.Empty(t, body.Documents)
}

func TestStatusUnknownDocument(t *testing.T) {
	router, _ := newTestModule(t)

	recorder := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/documents/42/status", nil)
	req.Header.Set("X-User-ID", "1")
	router.ServeHTTP(recorder, req)

	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestStatusInvalidDocumentID(t *testing.T) {
	router, _ := newTestModule(t)

	recorder := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/documents/abc/status", nil)
	req.Header.Set("X-User-ID", "1")
	router.ServeHTTP(recorder, req)

	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestStatusForeignDocumentHidden(t *testing.T) {
	router, module := newTestModule(t)

	doc := Document{
		UserID:           2,
		Filename:         "theirs.txt",
		MimeType:         "text/plain",
		StorageKey:       "documents/theirs.txt",
		ProcessingStatus: StatusReady,
	}
	require.NoError(t, module.DB().Create(&doc).Error)

	recorder := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/documents/1/status", nil)
	req.Header.Set("X-User-ID", "1")
	router.ServeHTTP(recorder, req)

	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestStatusReportsLatestJob(t *testing.T) {
	router, module := newTestModule(t)
	db := module.DB()

	doc := Document{
		UserID:           1,
		Filename:         "mine.txt",
		MimeType:         "text/plain",
		StorageKey:       "documents/mine.txt",
		ProcessingStatus: StatusReady,
		ChunkCount:       3,
		LastJobID:        "job-2",
	}
	require.NoError(t, db.Create(&doc).Error)
	require.NoError(t, db.Create(&IngestionJob{
		DocumentID: doc.ID, UserID: 1, JobID: "job-1", Status: JobStatusFailed,
	}).Error)
	require.NoError(t, db.Create(&IngestionJob{
		DocumentID: doc.ID, UserID: 1, JobID: "job-2", Status: JobStatusCompleted,
	}).Error)

	recorder := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/documents/1/status", nil)
	req.Header.Set("X-User-ID", "1")
	router.ServeHTTP(recorder, req)

	require.Equal(t, http.StatusOK, recorder.Code)

	var body struct {
		ProcessingStatus string        `json:"processingStatus"`
		ChunkCount       int           `json:"chunkCount"`
		IngestionJobID   string        `json:"ingestionJobId"`
		IngestionJob     *IngestionJob `json:"ingestionJob"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	assert.Equal(t, StatusReady, body.ProcessingStatus)
	assert.Equal(t, 3, body.ChunkCount)
	assert.Equal(t, "job-2", body.IngestionJobID)
	require.NotNil(t, body.IngestionJob)
	assert.Equal(t, "job-2", body.IngestionJob.JobID)
}

func TestReprocessMissingStoredFile(t *testing.T) {
	router, module := newTestModule(t)

	doc := Document{
		UserID:           1,
		Filename:         "gone.txt",
		MimeType:         "text/plain",
		StorageKey:       "documents/gone.txt",
		ProcessingStatus: StatusReady,
	}
	require.NoError(t, module.DB().Create(&doc).Error)

	recorder := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/documents/1/reprocess", nil)
	req.Header.Set("X-User-ID", "1")
	router.ServeHTTP(recorder, req)

	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestReprocessConflictWhileProcessing(t *testing.T) {
	router, module := newTestModule(t)

	doc := Document{
		UserID:           1,
		Filename:         "busy.txt",
		MimeType:         "text/plain",
		StorageKey:       "documents/busy.txt",
		ProcessingStatus: StatusProcessing,
	}
	require.NoError(t, module.DB().Create(&doc).Error)

	recorder := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/documents/1/reprocess", nil)
	req.Header.Set("X-User-ID", "1")
	router.ServeHTTP(recorder, req)

	assert.Equal(t, http.StatusConflict, recorder.Code)
}

func TestDownloadStreamsLocalFile(t *testing.T) {
	gin.SetMode(gin.TestMode)
	t.Setenv("DATABASE_DSN", filepath.Join(t.TempDir(), "test.db"))

	store, dir := newTestStore(t)
	writeStoredFile(t, dir, "documents/mine.txt", "Dogs are mammals.")

	q, err := queue.NewQueue(redis.NewClient(&redis.Options{Addr: "localhost:1"}))
	require.NoError(t, err)

	router := gin.New()
	module, err := RegisterRoutes(router, store, q, nil)
	require.NoError(t, err)

	doc := Document{
		UserID:           1,
		Filename:         "mine.txt",
		MimeType:         "text/plain",
		StorageKey:       "documents/mine.txt",
		ProcessingStatus: StatusReady,
	}
	require.NoError(t, module.DB().Create(&doc).Error)

	recorder := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/documents/1/download", nil)
	req.Header.Set("X-User-ID", "1")
	router.ServeHTTP(recorder, req)

	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "Dogs are mammals.", recorder.Body.String())
	assert.Contains(t, recorder.Header().Get("Content-Disposition"), "mine.txt")
}

func TestDownloadMissingStoredFile(t *testing.T) {
	router, module := newTestModule(t)

	doc := Document{
		UserID:           1,
		Filename:         "gone.txt",
		MimeType:         "text/plain",
		StorageKey:       "documents/gone.txt",
		ProcessingStatus: StatusReady,
	}
	require.NoError(t, module.DB().Create(&doc).Error)

	recorder := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/documents/1/download", nil)
	req.Header.Set("X-User-ID", "1")
	router.ServeHTTP(recorder, req)

	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestDeleteDocumentCascades(t *testing.T) {
	router, module := newTestModule(t)
	db := module.DB()

	doc := Document{
		UserID:           1,
		Filename:         "mine.txt",
		MimeType:         "text/plain",
		StorageKey:       "documents/mine.txt",
		ProcessingStatus: StatusReady,
	}
	require.NoError(t, db.Create(&doc).Error)
	require.NoError(t, db.Create(&Chunk{DocumentID: doc.ID, UserID: 1, Seq: 0, Text: "Dogs are mammals."}).Error)
	require.NoError(t, db.Create(&IngestionJob{DocumentID: doc.ID, UserID: 1, JobID: "job-1", Status: JobStatusCompleted}).Error)

	recorder := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodDelete, "/documents/1", nil)
	req.Header.Set("X-User-ID", "1")
	router.ServeHTTP(recorder, req)

	require.Equal(t, http.StatusOK, recorder.Code)

	var count int64
	require.NoError(t, db.Model(&Document{}).Count(&count).Error)
	assert.Zero(t, count)
	require.NoError(t, db.Model(&Chunk{}).Count(&count).Error)
	assert.Zero(t, count)
	require.NoError(t, db.Model(&IngestionJob{}).Count(&count).Error)
	assert.Zero(t, count)
}

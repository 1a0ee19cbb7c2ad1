package rag

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"docqa_back/ingestion"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := openDatabase("sqlite", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&ingestion.Document{}, &ingestion.Chunk{}, &QueryRecord{}))
	return db
}

// stubProvider answers with a fixed completion, or reports itself down.
type stubProvider struct {
	available bool
	answer    string
	lastModel string
	prompt    string
}

func (s *stubProvider) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	return nil, errors.New("stub: no embeddings")
}

func (s *stubProvider) Complete(ctx context.Context, messages []Message, opts CompletionOptions) (string, error) {
	if !s.available {
		return "", errors.New("stub: provider down")
	}
	s.lastModel = opts.Model
	for _, msg := range messages {
		s.prompt += msg.Content + "\n"
	}
	return s.answer, nil
}

func (s *stubProvider) Available() bool { return s.available }

func seedReadyDocument(t *testing.T, db *gorm.DB, userID uint64, filename string, texts ...string) ingestion.Document {
	t.Helper()
	doc := ingestion.Document{
		UserID:           userID,
		Filename:         filename,
		MimeType:         "text/plain",
		SizeBytes:        128,
		StorageKey:       "documents/" + filename,
		ChunkCount:       len(texts),
		ProcessingStatus: ingestion.StatusReady,
	}
	require.NoError(t, db.Create(&doc).Error)

	for i, text := range texts {
		chunk := ingestion.Chunk{
			DocumentID: doc.ID,
			UserID:     userID,
			Seq:        i,
			Text:       text,
		}
		require.NoError(t, db.Create(&chunk).Error)
	}
	return doc
}

func TestAnswerEmptyQuery(t *testing.T) {
	db := newTestDB(t)
	o := NewOrchestrator(db, nil, &stubProvider{}, nil)

	_, err := o.Answer(context.Background(), 1, QueryRequest{Query: "   "})
	assert.ErrorIs(t, err, ErrEmptyQuery)
}

func TestAnswerNoDocuments(t *testing.T) {
	db := newTestDB(t)
	o := NewOrchestrator(db, nil, &stubProvider{}, nil)

	result, err := o.Answer(context.Background(), 1, QueryRequest{Query: "anything"})
	require.NoError(t, err)
	assert.Zero(t, result.Confidence)
	assert.Empty(t, result.Citations)
	assert.Equal(t, retrievalModeNone, result.RetrievalMode)
	assert.Contains(t, result.Answer, "no processed documents")
}

func TestAnswerDocumentsWithoutChunks(t *testing.T) {
	db := newTestDB(t)
	seedReadyDocument(t, db, 1, "empty.txt")

	o := NewOrchestrator(db, nil, &stubProvider{}, nil)

	result, err := o.Answer(context.Background(), 1, QueryRequest{Query: "anything"})
	require.NoError(t, err)
	assert.Zero(t, result.Confidence)
	assert.Empty(t, result.Citations)
	assert.Equal(t, retrievalModeNone, result.RetrievalMode)
	assert.Contains(t, result.Answer, "no searchable content")
}

func TestAnswerForeignDocumentScope(t *testing.T) {
	db := newTestDB(t)
	mine := seedReadyDocument(t, db, 1, "mine.txt", "Dogs are mammals.")
	other := seedReadyDocument(t, db, 2, "other.txt", "Cats are mammals.")

	o := NewOrchestrator(db, nil, &stubProvider{}, nil)

	_, err := o.Answer(context.Background(), 1, QueryRequest{
		Query:       "Are dogs mammals?",
		DocumentIDs: []uint64{mine.ID, other.ID},
	})
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestAnswerKeywordFallbackWithoutProvider(t *testing.T) {
	db := newTestDB(t)
	seedReadyDocument(t, db, 1, "animals.txt",
		"Dogs are mammals. Cats are mammals too.",
		"Birds can fly over long distances.")

	o := NewOrchestrator(db, nil, &stubProvider{available: false}, nil)

	result, err := o.Answer(context.Background(), 1, QueryRequest{Query: "Are dogs mammals?"})
	require.NoError(t, err)
	assert.Equal(t, retrievalModeKeyword, result.RetrievalMode)
	assert.Contains(t, result.Answer, "Dogs are mammals.")
	assert.Greater(t, result.Confidence, 0.0)

	require.Len(t, result.Citations, 1, "the bird chunk matches no query token")
	assert.Equal(t, "animals.txt", result.Citations[0].Filename)
	assert.Contains(t, result.Citations[0].Excerpt, "Dogs are mammals.")
}

func TestAnswerNoRelevantChunks(t *testing.T) {
	db := newTestDB(t)
	seedReadyDocument(t, db, 1, "animals.txt", "Dogs are mammals.")

	o := NewOrchestrator(db, nil, &stubProvider{}, nil)

	result, err := o.Answer(context.Background(), 1, QueryRequest{Query: "quantum entanglement"})
	require.NoError(t, err)
	assert.Zero(t, result.Confidence)
	assert.Empty(t, result.Citations)
	assert.Contains(t, result.Answer, "could not find relevant information")
}

func TestAnswerWithProviderGroundsPrompt(t *testing.T) {
	db := newTestDB(t)
	seedReadyDocument(t, db, 1, "animals.txt", "Dogs are mammals. Cats are mammals too.")

	provider := &stubProvider{available: true, answer: "Yes, dogs are mammals."}
	o := NewOrchestrator(db, nil, provider, nil)

	result, err := o.Answer(context.Background(), 1, QueryRequest{
		Query: "Are dogs mammals?",
		Model: "custom-model",
	})
	require.NoError(t, err)
	assert.Equal(t, "Yes, dogs are mammals.", result.Answer)
	assert.Equal(t, "custom-model", provider.lastModel)
	assert.Contains(t, provider.prompt, "Source 1: animals.txt")
	assert.Contains(t, provider.prompt, "Dogs are mammals.")
	assert.Contains(t, provider.prompt, "Are dogs mammals?")
}

func TestAnswerScopedToDocument(t *testing.T) {
	db := newTestDB(t)
	seedReadyDocument(t, db, 1, "dogs.txt", "Dogs are loyal animals.")
	cats := seedReadyDocument(t, db, 1, "cats.txt", "Cats are independent animals.")

	o := NewOrchestrator(db, nil, &stubProvider{}, nil)

	result, err := o.Answer(context.Background(), 1, QueryRequest{
		Query:       "Which animals are independent?",
		DocumentIDs: []uint64{cats.ID},
	})
	require.NoError(t, err)
	require.NotEmpty(t, result.Citations)
	for _, citation := range result.Citations {
		assert.Equal(t, cats.ID, citation.DocumentID)
	}
}

func TestConfidenceFromScores(t *testing.T) {
	tests := []struct {
		name     string
		scores   []float64
		expected float64
	}{
		{"empty", nil, 0},
		{"boosted mean", []float64{0.4, 0.6}, 0.75},
		{"clamped to one", []float64{0.9, 0.9}, 1.0},
		{"low scores stay low", []float64{0.1}, 0.15},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			kept := make([]scoredChunk, 0, len(tc.scores))
			for _, score := range tc.scores {
				kept = append(kept, scoredChunk{score: score})
			}
			assert.InDelta(t, tc.expected, confidenceFromScores(kept), 1e-9)
		})
	}
}

func TestAnswerLowConfidenceWarning(t *testing.T) {
	db := newTestDB(t)
	// Only one of four query tokens matches, keeping the score at 0.25 and
	// the boosted confidence well under the warning threshold.
	seedReadyDocument(t, db, 1, "notes.txt", "The ledger mentions payments.")

	o := NewOrchestrator(db, nil, &stubProvider{}, nil)

	result, err := o.Answer(context.Background(), 1, QueryRequest{Query: "ledger zebra quasar nebula"})
	require.NoError(t, err)
	assert.Greater(t, result.Confidence, 0.0)
	assert.Less(t, result.Confidence, 0.8)
	assert.NotEmpty(t, result.Warning)
}

func TestKeywordScore(t *testing.T) {
	tokens := strings.Fields(strings.ToLower("Are dogs mammals?"))

	assert.InDelta(t, 1.0, keywordScore(tokens, "Dogs are mammals. Cats too."), 1e-9)
	assert.InDelta(t, 0.0, keywordScore(tokens, "Birds can fly."), 1e-9)
	assert.InDelta(t, 1.0/3.0, keywordScore(tokens, "mammals everywhere"), 1e-9)
}

func TestExcerptTruncation(t *testing.T) {
	short := "A short chunk."
	assert.Equal(t, short, excerpt(short))

	long := strings.Repeat("water ", 60)
	truncated := excerpt(long)
	assert.LessOrEqual(t, len([]rune(truncated)), excerptRunes+1)
	assert.True(t, strings.HasSuffix(truncated, "…"))
}

func TestRecordAndListHistory(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	req := QueryRequest{Query: "Are dogs mammals?", DocumentIDs: []uint64{1}}
	result := &QueryResult{
		Answer:        "Yes.",
		Confidence:    0.9,
		Citations:     []Citation{{DocumentID: 1, ChunkID: 2, Filename: "animals.txt", Excerpt: "Dogs are mammals."}},
		RetrievalMode: retrievalModeKeyword,
	}

	record := recordQuery(ctx, db, 1, req, result, "trace-1", 120*time.Millisecond)
	require.NotNil(t, record)
	assert.NotZero(t, record.ID)
	assert.Equal(t, "trace-1", record.TraceID)
	assert.EqualValues(t, 120, record.ExecutionMS)

	recordQuery(ctx, db, 1, QueryRequest{Query: "second"}, &QueryResult{Answer: "n/a", RetrievalMode: retrievalModeNone}, "trace-2", time.Millisecond)
	recordQuery(ctx, db, 2, QueryRequest{Query: "other user"}, &QueryResult{Answer: "n/a", RetrievalMode: retrievalModeNone}, "trace-3", time.Millisecond)

	records, total, err := listHistory(ctx, db, 1, 0, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	require.Len(t, records, 2)
	assert.Equal(t, "second", records[0].Query, "newest first")
	assert.Equal(t, "Are dogs mammals?", records[1].Query)
	assert.NotEmpty(t, records[1].Citations)

	page, total, err := listHistory(ctx, db, 1, 1, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	require.Len(t, page, 1)
	assert.Equal(t, "Are dogs mammals?", page[0].Query)
}

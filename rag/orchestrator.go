package rag

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"

	"docqa_back/ingestion"
	"docqa_back/vectorindex"
	"gorm.io/gorm"
)

const (
	defaultTopK            = 5
	defaultSimilarityFloor = 0.1
	defaultWarningBelow    = 0.8

	// Applied to mean similarity before clamping to [0, 1]. An arbitrary
	// calibration constant, not a derived quantity.
	confidenceBoost = 1.5

	excerptRunes = 200

	retrievalModeVector  = "vector"
	retrievalModeKeyword = "keyword"
	retrievalModeAgents  = "agents"
	retrievalModeNone    = "none"
)

var (
	// ErrEmptyQuery is returned when the query text is blank.
	ErrEmptyQuery = errors.New("rag: query must not be empty")
	// ErrDocumentNotFound is returned when a requested document does not
	// exist or belongs to another user.
	ErrDocumentNotFound = errors.New("rag: document not found")
)

// QueryRequest is one question plus its optional scope and overrides. The
// provider label is advisory: a deployment runs one configured provider, so
// an override that names anything else is forwarded to the agent pipeline and
// otherwise ignored.
type QueryRequest struct {
	Query       string
	DocumentIDs []uint64
	Provider    string
	Model       string
}

// Citation points the answer back at a chunk of a source document. The wire
// names follow the public API: text is the excerpt, source the filename,
// similarity the retrieval score.
type Citation struct {
	DocumentID uint64  `json:"documentId"`
	ChunkID    uint64  `json:"chunkId,omitempty"`
	Filename   string  `json:"source"`
	Page       *int    `json:"page,omitempty"`
	Excerpt    string  `json:"text"`
	Score      float64 `json:"similarity"`
}

// QueryResult is the orchestrator's answer with its supporting evidence.
type QueryResult struct {
	Answer        string     `json:"answer"`
	Confidence    float64    `json:"confidence"`
	Warning       string     `json:"warning,omitempty"`
	Citations     []Citation `json:"citations"`
	RetrievalMode string     `json:"retrieval_mode"`
}

// scoredChunk pairs a chunk with its retrieval score in [0, 1].
type scoredChunk struct {
	chunk ingestion.Chunk
	score float64
}

// Orchestrator answers questions over a user's ingested documents. It
// retrieves candidate chunks by vector similarity when the index and the
// embedding provider are live, silently falls back to keyword scoring when
// either is down, and grounds the completion on whatever survives the
// similarity floor.
type Orchestrator struct {
	db       *gorm.DB
	index    *vectorindex.Index
	provider Provider
	agents   *Agents

	topK         int
	floor        float64
	warningBelow float64
}

// NewOrchestrator reads RAG_TOP_K, RAG_SIMILARITY_FLOOR and
// RAG_CONFIDENCE_WARNING for tuning.
func NewOrchestrator(db *gorm.DB, index *vectorindex.Index, provider Provider, agents *Agents) *Orchestrator {
	topK := defaultTopK
	if raw := strings.TrimSpace(os.Getenv("RAG_TOP_K")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			topK = parsed
		}
	}
	floor := defaultSimilarityFloor
	if raw := strings.TrimSpace(os.Getenv("RAG_SIMILARITY_FLOOR")); raw != "" {
		if parsed, err := strconv.ParseFloat(raw, 64); err == nil && parsed >= 0 {
			floor = parsed
		}
	}
	warningBelow := defaultWarningBelow
	if raw := strings.TrimSpace(os.Getenv("RAG_CONFIDENCE_WARNING")); raw != "" {
		if parsed, err := strconv.ParseFloat(raw, 64); err == nil && parsed > 0 {
			warningBelow = parsed
		}
	}

	return &Orchestrator{
		db:           db,
		index:        index,
		provider:     provider,
		agents:       agents,
		topK:         topK,
		floor:        floor,
		warningBelow: warningBelow,
	}
}

// Answer runs one query end to end: scope resolution, retrieval, grounding
// and citation assembly. History is the caller's concern.
func (o *Orchestrator) Answer(ctx context.Context, userID uint64, req QueryRequest) (*QueryResult, error) {
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return nil, ErrEmptyQuery
	}

	docs, err := o.resolveScope(ctx, userID, req.DocumentIDs)
	if err != nil {
		return nil, err
	}

	if len(docs) == 0 {
		return &QueryResult{
			Answer:        "You have no processed documents yet. Upload a document and wait for ingestion to finish before asking questions.",
			Confidence:    0,
			Citations:     []Citation{},
			RetrievalMode: retrievalModeNone,
		}, nil
	}

	hasChunks, err := o.scopeHasChunks(ctx, userID, docs)
	if err != nil {
		return nil, err
	}
	if !hasChunks {
		return &QueryResult{
			Answer:        "Your documents have no searchable content yet. Wait for processing to finish or upload a document with readable text.",
			Confidence:    0,
			Citations:     []Citation{},
			RetrievalMode: retrievalModeNone,
		}, nil
	}

	// A fully configured agent pipeline owns the request outright: its
	// failures surface to the caller, never a partial mix with local retrieval.
	if o.agents.Configured() {
		result, err := o.agents.Run(ctx, userID, req)
		if err != nil {
			return nil, err
		}
		o.flagLowConfidence(result)
		return result, nil
	}

	kept, mode, err := o.retrieve(ctx, userID, req.Query, docs)
	if err != nil {
		return nil, err
	}

	// The floor applies to the best match, not to each hit individually.
	if bestScore(kept) < o.floor {
		kept = nil
	}

	if len(kept) == 0 {
		return &QueryResult{
			Answer:        "I could not find relevant information in your documents for this question.",
			Confidence:    0,
			Citations:     []Citation{},
			RetrievalMode: mode,
		}, nil
	}

	filenames := documentFilenames(docs)
	answer, err := o.compose(ctx, req, kept, filenames)
	if err != nil {
		return nil, err
	}

	result := &QueryResult{
		Answer:        answer,
		Confidence:    confidenceFromScores(kept),
		Citations:     buildCitations(kept, filenames),
		RetrievalMode: mode,
	}
	o.flagLowConfidence(result)
	return result, nil
}

const lowConfidenceWarning = "low confidence: the answer may not be fully supported by your documents"

// flagLowConfidence attaches the lower-confidence warning whenever confidence
// falls under the threshold, on either answering path.
func (o *Orchestrator) flagLowConfidence(result *QueryResult) {
	if result.Confidence >= o.warningBelow {
		return
	}
	if result.Warning == "" {
		result.Warning = lowConfidenceWarning
		return
	}
	result.Warning = lowConfidenceWarning + "; " + result.Warning
}

// resolveScope loads the documents the query may draw from. An explicit
// document list must resolve completely within the caller's own documents;
// without one the scope is every ready document the caller owns.
func (o *Orchestrator) resolveScope(ctx context.Context, userID uint64, documentIDs []uint64) ([]ingestion.Document, error) {
	var docs []ingestion.Document

	if len(documentIDs) > 0 {
		err := o.db.WithContext(ctx).
			Where("id IN ? AND user_id = ?", documentIDs, userID).
			Find(&docs).Error
		if err != nil {
			return nil, fmt.Errorf("rag: load scoped documents: %w", err)
		}
		if len(docs) != len(uniqueIDs(documentIDs)) {
			return nil, ErrDocumentNotFound
		}
		ready := docs[:0]
		for _, doc := range docs {
			if doc.ProcessingStatus == ingestion.StatusReady {
				ready = append(ready, doc)
			}
		}
		return ready, nil
	}

	err := o.db.WithContext(ctx).
		Where("user_id = ? AND processing_status = ?", userID, ingestion.StatusReady).
		Find(&docs).Error
	if err != nil {
		return nil, fmt.Errorf("rag: load documents: %w", err)
	}
	return docs, nil
}

// scopeHasChunks reports whether any chunk exists across the scoped documents.
func (o *Orchestrator) scopeHasChunks(ctx context.Context, userID uint64, docs []ingestion.Document) (bool, error) {
	docIDs := make([]uint64, 0, len(docs))
	for _, doc := range docs {
		docIDs = append(docIDs, doc.ID)
	}
	var total int64
	err := o.db.WithContext(ctx).Model(&ingestion.Chunk{}).
		Where("user_id = ? AND document_id IN ?", userID, docIDs).
		Count(&total).Error
	if err != nil {
		return false, fmt.Errorf("rag: count scoped chunks: %w", err)
	}
	return total > 0, nil
}

func bestScore(scored []scoredChunk) float64 {
	best := 0.0
	for _, sc := range scored {
		if sc.score > best {
			best = sc.score
		}
	}
	return best
}

// retrieve returns scored candidate chunks, best first. Vector search is the
// primary path; any embedding or index failure degrades to keyword scoring
// without surfacing an error.
func (o *Orchestrator) retrieve(ctx context.Context, userID uint64, query string, docs []ingestion.Document) ([]scoredChunk, string, error) {
	docIDs := make([]uint64, 0, len(docs))
	for _, doc := range docs {
		docIDs = append(docIDs, doc.ID)
	}

	if o.index.Enabled() && o.provider != nil && o.provider.Available() {
		scored, err := o.retrieveByVector(ctx, userID, query, docIDs)
		if err == nil {
			return scored, retrievalModeVector, nil
		}
		log.Printf("rag: vector retrieval failed, falling back to keyword search: %v", err)
	}

	scored, err := o.retrieveByKeyword(ctx, userID, query, docIDs)
	if err != nil {
		return nil, "", err
	}
	return scored, retrievalModeKeyword, nil
}

func (o *Orchestrator) retrieveByVector(ctx context.Context, userID uint64, query string, docIDs []uint64) ([]scoredChunk, error) {
	vectors, err := o.provider.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 || len(vectors[0]) == 0 {
		return nil, errors.New("rag: query embedding is empty")
	}

	matches, err := o.index.Query(ctx, userID, vectors[0], o.topK, docIDs)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}

	chunkIDs := make([]uint64, 0, len(matches))
	for _, match := range matches {
		chunkIDs = append(chunkIDs, match.ChunkID)
	}

	var chunks []ingestion.Chunk
	err = o.db.WithContext(ctx).
		Where("id IN ? AND user_id = ?", chunkIDs, userID).
		Find(&chunks).Error
	if err != nil {
		return nil, fmt.Errorf("rag: load matched chunks: %w", err)
	}

	byID := make(map[uint64]ingestion.Chunk, len(chunks))
	for _, chunk := range chunks {
		byID[chunk.ID] = chunk
	}

	scored := make([]scoredChunk, 0, len(matches))
	for _, match := range matches {
		chunk, ok := byID[match.ChunkID]
		if !ok {
			// The index can lag behind a delete; skip orphaned points.
			continue
		}
		scored = append(scored, scoredChunk{chunk: chunk, score: match.Score})
	}
	return scored, nil
}

// retrieveByKeyword scores each chunk by the fraction of query tokens it
// contains, case-insensitively, and keeps the topK best.
func (o *Orchestrator) retrieveByKeyword(ctx context.Context, userID uint64, query string, docIDs []uint64) ([]scoredChunk, error) {
	tokens := strings.Fields(strings.ToLower(query))
	if len(tokens) == 0 {
		return nil, nil
	}

	var chunks []ingestion.Chunk
	err := o.db.WithContext(ctx).
		Where("user_id = ? AND document_id IN ?", userID, docIDs).
		Find(&chunks).Error
	if err != nil {
		return nil, fmt.Errorf("rag: load chunks: %w", err)
	}

	scored := make([]scoredChunk, 0, len(chunks))
	for _, chunk := range chunks {
		score := keywordScore(tokens, chunk.Text)
		if score <= 0 {
			continue
		}
		scored = append(scored, scoredChunk{chunk: chunk, score: score})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].score > scored[j].score
	})
	if len(scored) > o.topK {
		scored = scored[:o.topK]
	}
	return scored, nil
}

// keywordScore is the fraction of tokens present in the text. Tokens are
// matched as substrings so "mammals?" still hits "mammals".
func keywordScore(tokens []string, text string) float64 {
	lower := strings.ToLower(text)
	hits := 0
	for _, token := range tokens {
		trimmed := strings.TrimFunc(token, func(r rune) bool {
			return !('a' <= r && r <= 'z' || '0' <= r && r <= '9' || r > 127)
		})
		if trimmed == "" {
			continue
		}
		if strings.Contains(lower, trimmed) {
			hits++
		}
	}
	if len(tokens) == 0 {
		return 0
	}
	return float64(hits) / float64(len(tokens))
}

// compose produces the answer text. With a live completion provider the
// chunks become grounded context for the model; without one the answer is
// extractive, stitched from the best chunks verbatim.
func (o *Orchestrator) compose(ctx context.Context, req QueryRequest, kept []scoredChunk, filenames map[uint64]string) (string, error) {
	if o.provider == nil || !o.provider.Available() {
		return extractiveAnswer(kept, filenames), nil
	}

	var sources strings.Builder
	for i, sc := range kept {
		fmt.Fprintf(&sources, "Source %d: %s\n%s\n\n", i+1, filenames[sc.chunk.DocumentID], sc.chunk.Text)
	}

	messages := []Message{
		{
			Role: "system",
			Content: "You answer questions strictly from the provided sources. " +
				"If the sources do not contain the answer, say so. " +
				"Do not use outside knowledge.",
		},
		{
			Role:    "user",
			Content: fmt.Sprintf("Sources:\n\n%sQuestion: %s", sources.String(), req.Query),
		},
	}

	answer, err := o.provider.Complete(ctx, messages, CompletionOptions{Model: req.Model})
	if err != nil {
		return "", fmt.Errorf("rag: generate answer: %w", err)
	}
	return answer, nil
}

func extractiveAnswer(kept []scoredChunk, filenames map[uint64]string) string {
	var b strings.Builder
	b.WriteString("Answer generation is unavailable; the most relevant passages from your documents are:\n")
	for i, sc := range kept {
		fmt.Fprintf(&b, "\n%d. %s: %s", i+1, filenames[sc.chunk.DocumentID], excerpt(sc.chunk.Text))
	}
	return b.String()
}

func confidenceFromScores(kept []scoredChunk) float64 {
	if len(kept) == 0 {
		return 0
	}
	sum := 0.0
	for _, sc := range kept {
		sum += sc.score
	}
	confidence := sum / float64(len(kept)) * confidenceBoost
	if confidence > 1 {
		confidence = 1
	}
	if confidence < 0 {
		confidence = 0
	}
	return confidence
}

func buildCitations(kept []scoredChunk, filenames map[uint64]string) []Citation {
	citations := make([]Citation, 0, len(kept))
	for _, sc := range kept {
		citations = append(citations, Citation{
			DocumentID: sc.chunk.DocumentID,
			ChunkID:    sc.chunk.ID,
			Filename:   filenames[sc.chunk.DocumentID],
			Page:       sc.chunk.Page,
			Excerpt:    excerpt(sc.chunk.Text),
			Score:      sc.score,
		})
	}
	return citations
}

// excerpt trims a chunk to a citation-sized snippet on rune boundaries.
func excerpt(text string) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) <= excerptRunes {
		return text
	}
	return strings.TrimSpace(string(runes[:excerptRunes])) + "…"
}

func documentFilenames(docs []ingestion.Document) map[uint64]string {
	filenames := make(map[uint64]string, len(docs))
	for _, doc := range docs {
		filenames[doc.ID] = doc.Filename
	}
	return filenames
}

func uniqueIDs(ids []uint64) []uint64 {
	seen := make(map[uint64]struct{}, len(ids))
	unique := make([]uint64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	return unique
}

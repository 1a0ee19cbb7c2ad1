package vectorindex

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
)

const defaultVectorDim = 1536

// Point is one chunk vector with its ownership metadata echo.
type Point struct {
	VectorID   string
	ChunkID    uint64
	DocumentID uint64
	UserID     uint64
	Seq        int
	Filename   string
	Vector     []float32
}

// Match is a similarity hit, best first.
type Match struct {
	ChunkID    uint64  `json:"chunk_id"`
	DocumentID uint64  `json:"document_id"`
	Score      float64 `json:"score"`
}

// Index persists chunk vectors and answers top-K cosine similarity queries.
// Every query is scoped to one user; when no Qdrant endpoint is configured
// the index is disabled and every operation is a no-op, which callers handle
// by falling back to keyword search.
type Index struct {
	client *qdrantClient
	dim    int

	ensuredMu sync.Mutex
	ensured   map[string]struct{}
}

// NewIndexFromEnv builds the index from QDRANT_URL / QDRANT_API_KEY /
// EMBEDDING_VECTOR_DIM. A missing QDRANT_URL yields a disabled index, not an
// error.
func NewIndexFromEnv() (*Index, error) {
	client, err := newQdrantClientFromEnv()
	if err != nil {
		return nil, err
	}

	dim := defaultVectorDim
	if raw := strings.TrimSpace(os.Getenv("EMBEDDING_VECTOR_DIM")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			dim = parsed
		}
	}

	if client == nil {
		log.Printf("vectorindex: QDRANT_URL not set, similarity search disabled")
	}

	return &Index{
		client:  client,
		dim:     dim,
		ensured: make(map[string]struct{}),
	}, nil
}

// Enabled reports whether a vector store backs this index.
func (ix *Index) Enabled() bool {
	return ix != nil && ix.client != nil
}

// Dimension returns the configured embedding dimension.
func (ix *Index) Dimension() int {
	if ix == nil {
		return defaultVectorDim
	}
	return ix.dim
}

func collectionName(userID uint64) string {
	return fmt.Sprintf("user_%d_documents", userID)
}

func (ix *Index) ensure(ctx context.Context, collection string) error {
	ix.ensuredMu.Lock()
	_, ok := ix.ensured[collection]
	ix.ensuredMu.Unlock()
	if ok {
		return nil
	}
	if err := ix.client.ensureCollection(ctx, collection, ix.dim); err != nil {
		return err
	}
	ix.ensuredMu.Lock()
	ix.ensured[collection] = struct{}{}
	ix.ensuredMu.Unlock()
	return nil
}

// Upsert writes chunk vectors, overwriting any prior point with the same id.
// A vector whose length differs from the configured dimension is logged and
// stored anyway: degraded ranking quality is preferable to losing the chunk.
func (ix *Index) Upsert(ctx context.Context, userID uint64, points []Point) error {
	if !ix.Enabled() || len(points) == 0 {
		return nil
	}

	collection := collectionName(userID)
	if err := ix.ensure(ctx, collection); err != nil {
		return err
	}

	converted := make([]qdrantPoint, 0, len(points))
	for _, p := range points {
		if len(p.Vector) != ix.dim {
			log.Printf("vectorindex: chunk %d vector dimension %d does not match configured %d",
				p.ChunkID, len(p.Vector), ix.dim)
		}
		converted = append(converted, qdrantPoint{
			ID:     p.VectorID,
			Vector: p.Vector,
			Payload: map[string]any{
				"chunk_id":    p.ChunkID,
				"document_id": p.DocumentID,
				"user_id":     p.UserID,
				"seq":         p.Seq,
				"filename":    p.Filename,
			},
		})
	}

	return ix.client.upsertPoints(ctx, collection, converted)
}

// Query returns up to topK matches for the caller's own chunks, best first,
// optionally restricted to a document subset. A disabled index returns no
// matches.
func (ix *Index) Query(ctx context.Context, userID uint64, vector []float32, topK int, documentIDs []uint64) ([]Match, error) {
	if !ix.Enabled() {
		return nil, nil
	}

	must := []map[string]any{
		{"key": "user_id", "match": map[string]any{"value": userID}},
	}
	if len(documentIDs) > 0 {
		must = append(must, map[string]any{
			"key":   "document_id",
			"match": map[string]any{"any": documentIDs},
		})
	}

	hits, err := ix.client.search(ctx, collectionName(userID), vector, topK, map[string]any{"must": must})
	if err != nil {
		return nil, err
	}

	matches := make([]Match, 0, len(hits))
	for _, hit := range hits {
		if hit.Payload == nil {
			continue
		}
		chunkID := payloadUint(hit.Payload, "chunk_id")
		docID := payloadUint(hit.Payload, "document_id")
		if chunkID == 0 || docID == 0 {
			continue
		}
		matches = append(matches, Match{ChunkID: chunkID, DocumentID: docID, Score: hit.Score})
	}
	return matches, nil
}

// DeleteByDocument removes every point belonging to one document.
func (ix *Index) DeleteByDocument(ctx context.Context, userID uint64, documentID uint64) error {
	if !ix.Enabled() {
		return nil
	}
	filter := map[string]any{
		"must": []map[string]any{
			{"key": "user_id", "match": map[string]any{"value": userID}},
			{"key": "document_id", "match": map[string]any{"value": documentID}},
		},
	}
	return ix.client.deleteByFilter(ctx, collectionName(userID), filter)
}

// DeleteByChunks removes the points behind the given vector ids.
func (ix *Index) DeleteByChunks(ctx context.Context, userID uint64, vectorIDs []string) error {
	if !ix.Enabled() || len(vectorIDs) == 0 {
		return nil
	}
	return ix.client.deleteByIDs(ctx, collectionName(userID), vectorIDs)
}

package vectorindex

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// qdrantClient speaks the Qdrant REST API directly; the payload surface this
// service needs is small enough that an SDK would add more than it saves.
type qdrantClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

func newQdrantClientFromEnv() (*qdrantClient, error) {
	baseURL := strings.TrimSpace(os.Getenv("QDRANT_URL"))
	if baseURL == "" {
		return nil, nil
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("vectorindex: invalid Qdrant URL %q", baseURL)
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("vectorindex: parse Qdrant URL: %w", err)
	}

	return &qdrantClient{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(os.Getenv("QDRANT_API_KEY")),
	}, nil
}

// do sends one JSON request and decodes the response body into out when it is
// non-nil.
func (c *qdrantClient) do(ctx context.Context, method, path string, payload any, out any) error {
	if c == nil {
		return errors.New("vectorindex: qdrant client is not configured")
	}

	body := &bytes.Buffer{}
	if payload != nil {
		if err := json.NewEncoder(body).Encode(payload); err != nil {
			return fmt.Errorf("vectorindex: encode payload: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("vectorindex: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("vectorindex: %s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("vectorindex: %s %s status %s: %s", method, path, resp.Status, strings.TrimSpace(string(snippet)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("vectorindex: decode response: %w", err)
		}
	}
	return nil
}

func collectionPath(collection string, suffix string) string {
	return "/collections/" + url.PathEscape(collection) + suffix
}

func (c *qdrantClient) ensureCollection(ctx context.Context, collection string, vectorSize int) error {
	if vectorSize <= 0 {
		return errors.New("vectorindex: vector size must be positive")
	}
	payload := map[string]any{
		"vectors": map[string]any{
			"size":     vectorSize,
			"distance": "Cosine",
		},
	}
	return c.do(ctx, http.MethodPut, collectionPath(collection, ""), payload, nil)
}

type qdrantPoint struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload,omitempty"`
}

func (c *qdrantClient) upsertPoints(ctx context.Context, collection string, points []qdrantPoint) error {
	if len(points) == 0 {
		return nil
	}
	return c.do(ctx, http.MethodPut, collectionPath(collection, "/points"),
		map[string]any{"points": points}, nil)
}

func (c *qdrantClient) deleteByIDs(ctx context.Context, collection string, pointIDs []string) error {
	if len(pointIDs) == 0 {
		return nil
	}
	return c.do(ctx, http.MethodPost, collectionPath(collection, "/points/delete"),
		map[string]any{"points": pointIDs}, nil)
}

func (c *qdrantClient) deleteByFilter(ctx context.Context, collection string, filter map[string]any) error {
	return c.do(ctx, http.MethodPost, collectionPath(collection, "/points/delete"),
		map[string]any{"filter": filter}, nil)
}

type qdrantSearchHit struct {
	ID      any            `json:"id"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
}

func (c *qdrantClient) search(ctx context.Context, collection string, vector []float32, limit int, filter map[string]any) ([]qdrantSearchHit, error) {
	if len(vector) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}

	payload := map[string]any{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
	}
	if filter != nil {
		payload["filter"] = filter
	}

	var decoded struct {
		Result []qdrantSearchHit `json:"result"`
	}
	if err := c.do(ctx, http.MethodPost, collectionPath(collection, "/points/search"), payload, &decoded); err != nil {
		return nil, err
	}
	return decoded.Result, nil
}

func payloadUint(payload map[string]any, key string) uint64 {
	switch v := payload[key].(type) {
	case float64:
		if v > 0 {
			return uint64(v)
		}
	case string:
		if parsed, err := strconv.ParseUint(v, 10, 64); err == nil {
			return parsed
		}
	case json.Number:
		if parsed, err := strconv.ParseUint(v.String(), 10, 64); err == nil {
			return parsed
		}
	}
	return 0
}

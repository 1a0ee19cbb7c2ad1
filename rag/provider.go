package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultBaseURL    = "https://api.openai.com/v1"
	defaultChatModel  = "gpt-4o-mini"
	defaultEmbedModel = "text-embedding-3-small"
	defaultMaxBatch   = 64
	providerTimeout   = 30 * time.Second
)

// Message is a single turn of a chat completion payload.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionOptions carries per-request overrides from the query payload.
type CompletionOptions struct {
	Model string
}

// Provider is the capability interface over the external embedding and
// completion services. The orchestrator and the ingestion pipeline depend
// only on this interface; concrete implementations are selected at startup.
type Provider interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
	Complete(ctx context.Context, messages []Message, opts CompletionOptions) (string, error)
	Available() bool
}

// NewProviderFromEnv returns an OpenAI-compatible provider when LLM_API_KEY
// (or EMBEDDING_API_KEY) is set, and an unavailable stand-in otherwise. The
// system stays functional without a provider: ingestion skips embeddings and
// queries fall back to keyword search.
func NewProviderFromEnv() (Provider, error) {
	apiKey := strings.TrimSpace(os.Getenv("LLM_API_KEY"))
	if apiKey == "" {
		apiKey = strings.TrimSpace(os.Getenv("EMBEDDING_API_KEY"))
	}
	if apiKey == "" {
		log.Printf("rag: no provider API key configured, running without embeddings and completions")
		return unavailableProvider{}, nil
	}

	baseURL := strings.TrimSpace(os.Getenv("LLM_BASE_URL"))
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("rag: invalid provider base URL %q", baseURL)
	}

	chatModel := strings.TrimSpace(os.Getenv("LLM_MODEL_ID"))
	if chatModel == "" {
		chatModel = defaultChatModel
	}
	embedModel := strings.TrimSpace(os.Getenv("EMBEDDING_MODEL_ID"))
	if embedModel == "" {
		embedModel = defaultEmbedModel
	}

	maxBatch := defaultMaxBatch
	if raw := strings.TrimSpace(os.Getenv("EMBEDDING_MAX_BATCH")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			maxBatch = parsed
		}
	}

	expectDim := 0
	if raw := strings.TrimSpace(os.Getenv("EMBEDDING_VECTOR_DIM")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			expectDim = parsed
		}
	}

	return &httpProvider{
		httpClient: &http.Client{Timeout: providerTimeout},
		baseURL:    baseURL,
		apiKey:     apiKey,
		chatModel:  chatModel,
		embedModel: embedModel,
		maxBatch:   maxBatch,
		expectDim:  expectDim,
	}, nil
}

// unavailableProvider is used when no API key is configured.
type unavailableProvider struct{}

func (unavailableProvider) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	return nil, errors.New("rag: embedding provider is not configured")
}

func (unavailableProvider) Complete(ctx context.Context, messages []Message, opts CompletionOptions) (string, error) {
	return "", errors.New("rag: completion provider is not configured")
}

func (unavailableProvider) Available() bool { return false }

// httpProvider talks to an OpenAI-compatible REST API.
type httpProvider struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	chatModel  string
	embedModel string
	maxBatch   int
	expectDim  int
}

func (p *httpProvider) Available() bool { return p != nil }

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// Embed converts the inputs to vectors, batching requests as needed. The
// returned slice is index-aligned with inputs; blank inputs yield nil vectors.
func (p *httpProvider) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	results := make([][]float32, len(inputs))

	pending := make([]string, 0, len(inputs))
	positions := make([]int, 0, len(inputs))
	for i, input := range inputs {
		trimmed := strings.TrimSpace(input)
		if trimmed == "" {
			continue
		}
		pending = append(pending, trimmed)
		positions = append(positions, i)
	}

	for start := 0; start < len(pending); start += p.maxBatch {
		end := start + p.maxBatch
		if end > len(pending) {
			end = len(pending)
		}
		vectors, err := p.embedBatch(ctx, pending[start:end])
		if err != nil {
			return nil, err
		}
		for i, vector := range vectors {
			results[positions[start+i]] = vector
		}
	}
	return results, nil
}

func (p *httpProvider) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	var decoded embeddingResponse
	err := p.post(ctx, "/embeddings", embeddingRequest{Model: p.embedModel, Input: batch}, &decoded)
	if err != nil {
		return nil, err
	}
	if len(decoded.Data) != len(batch) {
		return nil, fmt.Errorf("rag: embedding response count mismatch (expected %d, got %d)", len(batch), len(decoded.Data))
	}

	vectors := make([][]float32, len(decoded.Data))
	for i, item := range decoded.Data {
		vector := make([]float32, 0, len(item.Embedding))
		for _, value := range item.Embedding {
			vector = append(vector, float32(value))
		}
		if p.expectDim > 0 && len(vector) != p.expectDim {
			log.Printf("rag: embedding length %d does not match configured dimension %d", len(vector), p.expectDim)
		}
		vectors[i] = vector
	}
	return vectors, nil
}

type chatCompletionRequest struct {
	Model    string    `json:"model"`
	Stream   bool      `json:"stream"`
	Messages []Message `json:"messages"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

// Complete sends the messages to the chat completions API and returns the
// first assistant reply verbatim.
func (p *httpProvider) Complete(ctx context.Context, messages []Message, opts CompletionOptions) (string, error) {
	payload := chatCompletionRequest{
		Model:    p.chatModel,
		Messages: make([]Message, 0, len(messages)),
	}
	if model := strings.TrimSpace(opts.Model); model != "" {
		payload.Model = model
	}
	for _, msg := range messages {
		role := strings.TrimSpace(msg.Role)
		if role == "" {
			role = "user"
		}
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		payload.Messages = append(payload.Messages, Message{Role: role, Content: content})
	}
	if len(payload.Messages) == 0 {
		return "", errors.New("rag: messages contain no content")
	}

	var decoded chatCompletionResponse
	if err := p.post(ctx, "/chat/completions", payload, &decoded); err != nil {
		return "", err
	}
	if len(decoded.Choices) == 0 {
		return "", errors.New("rag: response contains no choices")
	}
	return strings.TrimSpace(decoded.Choices[0].Message.Content), nil
}

func (p *httpProvider) post(ctx context.Context, path string, payload any, out any) error {
	body := &bytes.Buffer{}
	if err := json.NewEncoder(body).Encode(payload); err != nil {
		return fmt.Errorf("rag: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("rag: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("rag: execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("rag: unexpected status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("rag: decode response: %w", err)
	}
	return nil
}

package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Stage timeouts mirror the work each agent does: parsing is cheap,
// generation is not.
const (
	parserTimeout     = 5 * time.Second
	retrievalTimeout  = 15 * time.Second
	rankingTimeout    = 15 * time.Second
	generationTimeout = 60 * time.Second
	validationTimeout = 20 * time.Second
)

// agentStage is one externally hosted step of the agent pipeline.
type agentStage struct {
	name    string
	url     string
	timeout time.Duration
}

// Agents drives the alternate multi-stage answering path: parse, retrieve,
// rank, generate, validate, each stage a separate HTTP service. The path is
// active only when all five stage URLs are configured; otherwise the
// orchestrator's local retrieval handles every query.
type Agents struct {
	httpClient *http.Client
	parser     agentStage
	retrieval  agentStage
	ranking    agentStage
	generation agentStage
	validation agentStage
}

// NewAgentsFromEnv reads AGENT_QUERY_PARSER_URL, AGENT_RETRIEVAL_URL,
// AGENT_RANKING_URL, AGENT_GENERATION_URL and AGENT_VALIDATION_URL.
func NewAgentsFromEnv() *Agents {
	stage := func(name, envKey string, timeout time.Duration) agentStage {
		return agentStage{
			name:    name,
			url:     strings.TrimRight(strings.TrimSpace(os.Getenv(envKey)), "/"),
			timeout: timeout,
		}
	}
	return &Agents{
		httpClient: &http.Client{Timeout: generationTimeout + 10*time.Second},
		parser:     stage("query-parser", "AGENT_QUERY_PARSER_URL", parserTimeout),
		retrieval:  stage("retrieval", "AGENT_RETRIEVAL_URL", retrievalTimeout),
		ranking:    stage("ranking", "AGENT_RANKING_URL", rankingTimeout),
		generation: stage("generation", "AGENT_GENERATION_URL", generationTimeout),
		validation: stage("validation", "AGENT_VALIDATION_URL", validationTimeout),
	}
}

// Configured reports whether every stage has an endpoint. Partial
// configurations are treated as unconfigured rather than half-run.
func (a *Agents) Configured() bool {
	if a == nil {
		return false
	}
	for _, s := range a.stages() {
		if s.url == "" {
			return false
		}
	}
	return true
}

func (a *Agents) stages() []agentStage {
	return []agentStage{a.parser, a.retrieval, a.ranking, a.generation, a.validation}
}

// StageStatus is one row of the admin status report.
type StageStatus struct {
	Name       string `json:"name"`
	URL        string `json:"url,omitempty"`
	Configured bool   `json:"configured"`
	Reachable  *bool  `json:"reachable,omitempty"`
}

// Status probes each configured stage's health endpoint. Reachability is
// best-effort and never fails the report.
func (a *Agents) Status(ctx context.Context) []StageStatus {
	statuses := make([]StageStatus, 0, 5)
	for _, s := range a.stages() {
		status := StageStatus{Name: s.name, URL: s.url, Configured: s.url != ""}
		if s.url != "" {
			reachable := a.probe(ctx, s.url)
			status.Reachable = &reachable
		}
		statuses = append(statuses, status)
	}
	return statuses
}

func (a *Agents) probe(ctx context.Context, baseURL string) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 500
}

type agentChunk struct {
	ChunkID    uint64  `json:"chunk_id"`
	DocumentID uint64  `json:"document_id"`
	Filename   string  `json:"filename"`
	Text       string  `json:"text"`
	Page       *int    `json:"page,omitempty"`
	Score      float64 `json:"score"`
}

type parseStageResponse struct {
	RewrittenQuery string   `json:"rewritten_query"`
	Intent         string   `json:"intent"`
	Keywords       []string `json:"keywords"`
}

type retrievalStageResponse struct {
	Chunks []agentChunk `json:"chunks"`
}

type rankingStageResponse struct {
	Chunks []agentChunk `json:"chunks"`
}

type generationStageResponse struct {
	Answer string `json:"answer"`
}

type validationStageResponse struct {
	Score  float64  `json:"score"`
	Issues []string `json:"issues"`
}

// Run executes the five stages in order. Any stage failure aborts the run;
// the caller decides whether to fall back to local retrieval.
func (a *Agents) Run(ctx context.Context, userID uint64, req QueryRequest) (*QueryResult, error) {
	traceID := uuid.NewString()

	var parsed parseStageResponse
	err := a.call(ctx, a.parser, map[string]any{
		"trace_id": traceID,
		"user_id":  userID,
		"query":    req.Query,
	}, &parsed)
	if err != nil {
		return nil, err
	}
	query := strings.TrimSpace(parsed.RewrittenQuery)
	if query == "" {
		query = req.Query
	}

	var retrieved retrievalStageResponse
	err = a.call(ctx, a.retrieval, map[string]any{
		"trace_id":     traceID,
		"user_id":      userID,
		"query":        query,
		"keywords":     parsed.Keywords,
		"document_ids": req.DocumentIDs,
	}, &retrieved)
	if err != nil {
		return nil, err
	}

	ranked := retrieved.Chunks
	if len(ranked) > 0 {
		var ranking rankingStageResponse
		err = a.call(ctx, a.ranking, map[string]any{
			"trace_id": traceID,
			"user_id":  userID,
			"query":    query,
			"chunks":   retrieved.Chunks,
		}, &ranking)
		if err != nil {
			return nil, err
		}
		if len(ranking.Chunks) > 0 {
			ranked = ranking.Chunks
		}
	}

	var generated generationStageResponse
	err = a.call(ctx, a.generation, map[string]any{
		"trace_id": traceID,
		"user_id":  userID,
		"query":    query,
		"provider": req.Provider,
		"model":    req.Model,
		"chunks":   ranked,
	}, &generated)
	if err != nil {
		return nil, err
	}
	answer := strings.TrimSpace(generated.Answer)
	if answer == "" {
		return nil, errors.New("rag: generation stage returned an empty answer")
	}

	var validated validationStageResponse
	err = a.call(ctx, a.validation, map[string]any{
		"trace_id": traceID,
		"user_id":  userID,
		"query":    query,
		"answer":   answer,
		"chunks":   ranked,
	}, &validated)
	if err != nil {
		return nil, err
	}

	confidence := validated.Score
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	result := &QueryResult{
		Answer:        answer,
		Confidence:    confidence,
		Citations:     agentCitations(ranked),
		RetrievalMode: retrievalModeAgents,
	}
	if len(validated.Issues) > 0 {
		result.Warning = "validation flagged: " + strings.Join(validated.Issues, "; ")
	}
	return result, nil
}

func agentCitations(chunks []agentChunk) []Citation {
	citations := make([]Citation, 0, len(chunks))
	for _, chunk := range chunks {
		citations = append(citations, Citation{
			DocumentID: chunk.DocumentID,
			ChunkID:    chunk.ChunkID,
			Filename:   chunk.Filename,
			Page:       chunk.Page,
			Excerpt:    excerpt(chunk.Text),
			Score:      chunk.Score,
		})
	}
	return citations
}

// call posts one stage request with the stage's own deadline.
func (a *Agents) call(ctx context.Context, stage agentStage, payload any, out any) error {
	stageCtx, cancel := context.WithTimeout(ctx, stage.timeout)
	defer cancel()

	body := &bytes.Buffer{}
	if err := json.NewEncoder(body).Encode(payload); err != nil {
		return fmt.Errorf("rag: encode %s request: %w", stage.name, err)
	}

	req, err := http.NewRequestWithContext(stageCtx, http.MethodPost, stage.url, body)
	if err != nil {
		return fmt.Errorf("rag: create %s request: %w", stage.name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("rag: %s stage failed: %w", stage.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("rag: %s stage status %s: %s", stage.name, resp.Status, strings.TrimSpace(string(snippet)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("rag: decode %s response: %w", stage.name, err)
	}
	return nil
}

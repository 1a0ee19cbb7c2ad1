package rag

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"docqa_back/vectorindex"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Module wires the query endpoints to the orchestrator and history store.
type Module struct {
	db           *gorm.DB
	orchestrator *Orchestrator
	agents       *Agents
}

// RegisterRoutes opens the database, migrates the history model and mounts
// the /queries endpoints plus the agent status report.
func RegisterRoutes(router *gin.Engine, index *vectorindex.Index, provider Provider) (*Module, error) {
	db, err := openDatabaseFromEnv()
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&QueryRecord{}); err != nil {
		return nil, fmt.Errorf("rag: migrate models: %w", err)
	}

	agents := NewAgentsFromEnv()
	module := &Module{
		db:           db,
		orchestrator: NewOrchestrator(db, index, provider, agents),
		agents:       agents,
	}

	group := router.Group("/queries")
	group.POST("", module.handleQuery)
	group.GET("/history", module.handleHistory)

	router.GET("/admin/agents/status", module.handleAgentStatus)

	return module, nil
}

// currentUserID reads the authenticated user from the X-User-ID header the
// edge proxy injects.
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

type queryRequestBody struct {
	Query       string   `json:"query"`
	DocumentIDs []uint64 `json:"documentIds"`
	Provider    string   `json:"provider"`
	Model       string   `json:"model"`
}

func (m *Module) handleQuery(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var body queryRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	req := QueryRequest{
		Query:       strings.TrimSpace(body.Query),
		DocumentIDs: body.DocumentIDs,
		Provider:    strings.TrimSpace(body.Provider),
		Model:       strings.TrimSpace(body.Model),
	}

	ctx := c.Request.Context()
	traceID := uuid.NewString()
	started := time.Now()
	result, err := m.orchestrator.Answer(ctx, userID, req)
	if err != nil {
		switch {
		case errors.Is(err, ErrEmptyQuery):
			c.JSON(http.StatusBadRequest, gin.H{"error": "query must not be empty"})
		case errors.Is(err, ErrDocumentNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	elapsed := time.Since(started)
	response := gin.H{
		"response":      result.Answer,
		"confidence":    result.Confidence,
		"citations":     result.Citations,
		"retrievalMode": result.RetrievalMode,
		"metadata": gin.H{
			"executionTimeMs": elapsed.Milliseconds(),
			"traceId":         traceID,
		},
	}
	if result.Warning != "" {
		response["warning"] = result.Warning
	}
	// The history write outlives the request so a client disconnect after the
	// answer is computed still leaves an audit row.
	if record := recordQuery(context.Background(), m.db, userID, req, result, traceID, elapsed); record != nil {
		response["queryId"] = record.ID
	}

	c.JSON(http.StatusOK, response)
}

func (m *Module) handleHistory(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	skip, _ := strconv.Atoi(strings.TrimSpace(c.Query("skip")))
	take, _ := strconv.Atoi(strings.TrimSpace(c.Query("take")))
	if skip < 0 {
		skip = 0
	}
	if take <= 0 {
		take = historyDefaultTake
	}
	if take > historyMaxTake {
		take = historyMaxTake
	}

	records, total, err := listHistory(c.Request.Context(), m.db, userID, skip, take)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list query history failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"items": records,
		"total": total,
		"skip":  skip,
		"take":  take,
	})
}

func (m *Module) handleAgentStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"configured": m.agents.Configured(),
		"stages":     m.agents.Status(c.Request.Context()),
	})
}

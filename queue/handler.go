package queue

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// RegisterAdminRoutes mounts the queue monitoring endpoints under /admin/queue.
func RegisterAdminRoutes(router *gin.Engine, q *Queue) {
	group := router.Group("/admin/queue")
	group.GET("", func(c *gin.Context) {
		counts, err := q.Counts(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, counts)
	})
	group.GET("/jobs/:id", func(c *gin.Context) {
		jobID := strings.TrimSpace(c.Param("id"))
		if jobID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "job id is required"})
			return
		}
		detail, err := q.Job(c.Request.Context(), jobID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if detail == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusOK, detail)
	})
	group.POST("/pause", func(c *gin.Context) {
		if err := q.Pause(c.Request.Context()); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"paused": true})
	})
	group.POST("/resume", func(c *gin.Context) {
		if err := q.Resume(c.Request.Context()); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"paused": false})
	})
}

package recon

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Handlers exposes the reconciliation feed over HTTP
type Handlers struct {
	matcher    *Matcher
	exceptions ExceptionStore
}

// NewHandlers creates the reconciliation HTTP handlers
func NewHandlers(matcher *Matcher, exceptions ExceptionStore) *Handlers {
	return &Handlers{matcher: matcher, exceptions: exceptions}
}

// Register mounts the reconciliation routes on r
func (h *Handlers) Register(r *gin.Engine) {
	v1 := r.Group("/api/v1")
	{
		v1.POST("/recon/statements", h.ingest)
		v1.GET("/recon/exceptions", h.listExceptions)
		v1.POST("/recon/exceptions/:id/resolve", h.resolve)
	}
}

func (h *Handlers) ingest(c *gin.Context) {
	var body struct {
		Lines []Line `json:"lines"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if len(body.Lines) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "lines are required"})
		return
	}

	result := h.matcher.MatchBatch(c.Request.Context(), body.Lines)
	c.JSON(http.StatusOK, result)
}

func (h *Handlers) listExceptions(c *gin.Context) {
	unresolvedOnly := c.Query("unresolved") == "true"
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	exceptions, err := h.exceptions.List(c.Request.Context(), unresolvedOnly, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"exceptions": exceptions})
}

func (h *Handlers) resolve(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid exception id"})
		return
	}

	if err := h.exceptions.Resolve(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolved": true})
}

package schedule

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/terminal-bench/payflow/internal/approval"
	"github.com/terminal-bench/payflow/internal/auth"
	"github.com/terminal-bench/payflow/internal/quota"
)

// Handlers exposes the batch scheduler over HTTP
type Handlers struct {
	scheduler *Scheduler
	auth      *auth.Service
}

// NewHandlers creates the scheduler HTTP handlers
func NewHandlers(scheduler *Scheduler, authSvc *auth.Service) *Handlers {
	return &Handlers{scheduler: scheduler, auth: authSvc}
}

// Register mounts the plan routes on r
func (h *Handlers) Register(r *gin.Engine) {
	v1 := r.Group("/api/v1")
	{
		v1.POST("/plans", h.generate)
		v1.GET("/plans/:id", h.get)
		v1.POST("/plans/:id/approve", h.auth.Middleware(), h.approve)
		v1.POST("/plans/:id/reject", h.auth.Middleware(), h.reject)
		v1.POST("/plans/:id/cancel", h.cancel)
		v1.POST("/plans/:id/execute", h.execute)
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrPlanNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrNoCandidates), errors.Is(err, ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, quota.ErrExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, approval.ErrDuplicateSigner), errors.Is(err, approval.ErrAlreadyResolved):
		return http.StatusConflict
	case errors.Is(err, approval.ErrRoleNotAllowed):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) generate(c *gin.Context) {
	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.AccountID == "" || req.Currency == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "account_id and currency are required"})
		return
	}

	plan, err := h.scheduler.GeneratePlan(c.Request.Context(), req)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, plan)
}

func planID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid plan id"})
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handlers) get(c *gin.Context) {
	id, ok := planID(c)
	if !ok {
		return
	}

	plan, err := h.scheduler.GetPlan(c.Request.Context(), id)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, plan)
}

func (h *Handlers) approve(c *gin.Context) {
	id, ok := planID(c)
	if !ok {
		return
	}
	actor, _ := auth.ActorFrom(c)

	plan, err := h.scheduler.Approve(c.Request.Context(), id, actor)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, plan)
}

func (h *Handlers) reject(c *gin.Context) {
	id, ok := planID(c)
	if !ok {
		return
	}
	actor, _ := auth.ActorFrom(c)

	var body struct {
		Reason string `json:"reason"`
	}
	c.ShouldBindJSON(&body)

	plan, err := h.scheduler.Reject(c.Request.Context(), id, actor, body.Reason)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, plan)
}

func (h *Handlers) cancel(c *gin.Context) {
	id, ok := planID(c)
	if !ok {
		return
	}

	plan, err := h.scheduler.Cancel(c.Request.Context(), id)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, plan)
}

func (h *Handlers) execute(c *gin.Context) {
	id, ok := planID(c)
	if !ok {
		return
	}

	batch, err := h.scheduler.Execute(c.Request.Context(), id)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, batch)
}

package payouts

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/terminal-bench/payflow/internal/approval"
	"github.com/terminal-bench/payflow/internal/auth"
)

// ApprovalHandler records one approval signature; the multi-signature gate
// sits behind it.
type ApprovalHandler interface {
	AddApproval(ctx context.Context, entityType string, entityID uuid.UUID, actor auth.Actor) (approved bool, err error)
	RejectEntity(ctx context.Context, entityType string, entityID uuid.UUID, actor auth.Actor, reason string) error
}

// Handlers exposes the payout service over HTTP
type Handlers struct {
	svc  *Service
	auth *auth.Service
	gate ApprovalHandler
}

// NewHandlers creates the payout HTTP handlers
func NewHandlers(svc *Service, authSvc *auth.Service, gate ApprovalHandler) *Handlers {
	return &Handlers{svc: svc, auth: authSvc, gate: gate}
}

// Register mounts the payout routes on r
func (h *Handlers) Register(r *gin.Engine) {
	v1 := r.Group("/api/v1")
	{
		v1.POST("/payouts", h.create)
		v1.POST("/payouts/batch", h.createBatch)
		v1.GET("/payouts", h.list)
		v1.GET("/payouts/:id", h.get)
		v1.GET("/payouts/:id/events", h.history)
		v1.DELETE("/payouts/:id", h.auth.Middleware(), h.cancel)
		v1.POST("/payouts/:id/approve", h.auth.Middleware(), h.approve)
		v1.POST("/payouts/:id/reject", h.auth.Middleware(), h.reject)
	}
}

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrAlreadyProcessed):
		return http.StatusConflict
	case errors.Is(err, approval.ErrDuplicateSigner), errors.Is(err, approval.ErrAlreadyResolved):
		return http.StatusConflict
	case errors.Is(err, approval.ErrRoleNotAllowed):
		return http.StatusForbidden
	case errors.Is(err, approval.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	req.IdempotencyKey = c.GetHeader("X-Idempotency-Key")
	if actor, ok := auth.ActorFrom(c); ok {
		req.Actor = actor.ID
	}

	resp, err := h.svc.Create(c.Request.Context(), req)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (h *Handlers) createBatch(c *gin.Context) {
	var req struct {
		Items []CreateRequest `json:"items"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	results, err := h.svc.CreateBatch(c.Request.Context(), req.Items)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusMultiStatus, gin.H{"results": results})
}

func (h *Handlers) get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payout id"})
		return
	}

	p, err := h.svc.Get(c.Request.Context(), id)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handlers) list(c *gin.Context) {
	f := ListFilter{
		Status:   Status(c.Query("status")),
		Module:   c.Query("module"),
		Currency: c.Query("currency"),
	}

	payouts, err := h.svc.List(c.Request.Context(), f)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"payouts": payouts})
}

func (h *Handlers) history(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payout id"})
		return
	}

	events, err := h.svc.History(c.Request.Context(), id)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (h *Handlers) cancel(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payout id"})
		return
	}
	actor, _ := auth.ActorFrom(c)

	var body struct {
		Reason string `json:"reason"`
	}
	c.ShouldBindJSON(&body)

	p, err := h.svc.Cancel(c.Request.Context(), id, actor, body.Reason)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handlers) approve(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payout id"})
		return
	}
	actor, _ := auth.ActorFrom(c)

	approved, err := h.gate.AddApproval(c.Request.Context(), approval.EntityPayout, id, actor)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"approved": approved})
}

func (h *Handlers) reject(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payout id"})
		return
	}
	actor, _ := auth.ActorFrom(c)

	var body struct {
		Reason string `json:"reason"`
	}
	c.ShouldBindJSON(&body)

	if err := h.gate.RejectEntity(c.Request.Context(), approval.EntityPayout, id, actor, body.Reason); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rejected": true})
}

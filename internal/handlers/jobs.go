// Package handlers exposes the engine's HTTP and WebSocket surface.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"g3-engine/internal/ai"
	"g3-engine/internal/engine"
	"g3-engine/internal/logging"
	"g3-engine/internal/websocket"
)

// Handler bundles the dependencies the HTTP surface needs.
type Handler struct {
	orchestrator *engine.Orchestrator
	store        engine.Store
	broadcaster  *websocket.Broadcaster
	limiter      *ai.RateLimiter
}

// New creates the handler set.
func New(orchestrator *engine.Orchestrator, store engine.Store, broadcaster *websocket.Broadcaster, limiter *ai.RateLimiter) *Handler {
	return &Handler{
		orchestrator: orchestrator,
		store:        store,
		broadcaster:  broadcaster,
		limiter:      limiter,
	}
}

// RegisterRoutes attaches all endpoints to the router.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	{
		api.POST("/jobs", h.CreateJob)
		api.GET("/jobs/:id", h.GetJob)
		api.GET("/jobs/:id/artifacts", h.ListArtifacts)
		api.POST("/jobs/:id/cancel", h.CancelJob)
		api.GET("/limiter", h.LimiterStatus)
	}

	r.GET("/ws/jobs/:id", h.StreamJob)
}

// Health reports liveness.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type createJobRequest struct {
	Requirement string `json:"requirement" binding:"required"`
	MaxRounds   int    `json:"max_rounds"`
}

// CreateJob accepts a requirement and starts a generation job.
func (h *Handler) CreateJob(c *gin.Context) {
	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "requirement is required"})
		return
	}

	jobID, err := h.orchestrator.Submit(c.Request.Context(), req.Requirement, engine.Options{MaxRounds: req.MaxRounds})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"job_id": jobID})
}

// GetJob returns the job's current state.
func (h *Handler) GetJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	job, err := h.orchestrator.Get(c.Request.Context(), jobID)
	if errors.Is(err, engine.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load job"})
		return
	}

	c.JSON(http.StatusOK, job)
}

// ListArtifacts returns everything the job's roles have produced so far.
func (h *Handler) ListArtifacts(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	if _, err := h.orchestrator.Get(c.Request.Context(), jobID); errors.Is(err, engine.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}

	artifacts, err := h.store.ListArtifacts(c.Request.Context(), jobID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load artifacts"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"artifacts": artifacts})
}

// CancelJob requests cancellation. Idempotent: cancelling a finished or
// already-cancelled job succeeds without effect.
func (h *Handler) CancelJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	if _, err := h.orchestrator.Get(c.Request.Context(), jobID); errors.Is(err, engine.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}

	h.orchestrator.Cancel(jobID)
	c.JSON(http.StatusOK, gin.H{"status": "cancellation requested"})
}

// LimiterStatus exposes the shared rate limiter's live snapshot.
func (h *Handler) LimiterStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": h.limiter.Status()})
}

var wsUpgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// StreamJob upgrades the connection and subscribes it to the job's event
// stream. Invalid ids are rejected before the upgrade.
func (h *Handler) StreamJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}
	if _, err := h.orchestrator.Get(c.Request.Context(), jobID); errors.Is(err, engine.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.L().Warn("websocket upgrade failed",
			zap.String("job_id", jobID.String()), zap.Error(err))
		return
	}

	websocket.NewClient(jobID, conn, h.broadcaster)
}

// jobID parses the :id path parameter, replying 400 on garbage.
func (h *Handler) jobID(c *gin.Context) (uuid.UUID, bool) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return uuid.Nil, false
	}
	return jobID, true
}

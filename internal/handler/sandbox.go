package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/xctf-platform/sandboxnet/internal/allocator"
	"github.com/xctf-platform/sandboxnet/internal/model"
	"github.com/xctf-platform/sandboxnet/internal/nft"
	"github.com/xctf-platform/sandboxnet/internal/service"
)

type SandboxHandler struct {
	controller *service.SandboxController
	sweeper    *service.Sweeper
	rules      *nft.RuleSetManager
}

func NewSandboxHandler(controller *service.SandboxController, sweeper *service.Sweeper, rules *nft.RuleSetManager) *SandboxHandler {
	return &SandboxHandler{controller: controller, sweeper: sweeper, rules: rules}
}

func (h *SandboxHandler) RegisterRoutes(r *gin.RouterGroup) {
	sandboxes := r.Group("/sandboxes")
	{
		sandboxes.POST("", h.Provision)
		sandboxes.GET("", h.List)
		sandboxes.POST("/sweep", h.TriggerSweep)
		sandboxes.GET("/sweep/runs", h.ListSweepRuns)
		sandboxes.GET("/sweep/runs/:id", h.GetSweepRun)
		sandboxes.GET("/:id", h.Get)
		sandboxes.DELETE("/:id", h.Teardown)
	}

	static := r.Group("/static-ports")
	{
		static.POST("", h.AddStaticPort)
		static.DELETE("/:port", h.RemoveStaticPort)
	}
}

func (h *SandboxHandler) Provision(c *gin.Context) {
	var req model.ProvisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	instance, err := h.controller.Provision(c.Request.Context(), &req)
	if err != nil {
		c.JSON(provisionStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, instance)
}

// provisionStatus maps the provisioning error taxonomy onto HTTP codes:
// pool exhaustion is retryable, a static conflict is a configuration error,
// and a kernel rejection is an internal failure.
func provisionStatus(err error) int {
	switch {
	case errors.Is(err, allocator.ErrExhausted):
		return http.StatusServiceUnavailable
	case errors.Is(err, allocator.ErrStaticConflict):
		return http.StatusConflict
	case errors.Is(err, nft.ErrRuleApply):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func (h *SandboxHandler) List(c *gin.Context) {
	resp, err := h.controller.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *SandboxHandler) Get(c *gin.Context) {
	id := c.Param("id")

	instance, err := h.controller.Get(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if instance == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "instance not found"})
		return
	}
	c.JSON(http.StatusOK, instance)
}

func (h *SandboxHandler) Teardown(c *gin.Context) {
	id := c.Param("id")

	if err := h.controller.Teardown(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusNoContent, nil)
}

func (h *SandboxHandler) TriggerSweep(c *gin.Context) {
	var req model.SweepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.LiveInstanceIDs == nil {
		req.LiveInstanceIDs = []string{}
	}

	resp, err := h.sweeper.Sweep(c.Request.Context(), req.LiveInstanceIDs, "manual")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, resp)
}

func (h *SandboxHandler) ListSweepRuns(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	resp, err := h.sweeper.ListRuns(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *SandboxHandler) AddStaticPort(c *gin.Context) {
	var req struct {
		Port int `json:"port" binding:"required,min=1,max=65535"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.rules.AddStaticPort(c.Request.Context(), req.Port); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"port": req.Port})
}

func (h *SandboxHandler) RemoveStaticPort(c *gin.Context) {
	port, err := strconv.Atoi(c.Param("port"))
	if err != nil || port < 1 || port > 65535 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid port"})
		return
	}

	if err := h.rules.RemoveStaticPort(c.Request.Context(), port); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusNoContent, nil)
}

func (h *SandboxHandler) GetSweepRun(c *gin.Context) {
	id := c.Param("id")
	resp, err := h.sweeper.GetRun(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if resp == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "sweep run not found"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

package handler

import (
	"errors"
	"net/http"

	"github.com/fileboxlabs/gateway/internal/counter"
	"github.com/fileboxlabs/gateway/internal/service"
	"github.com/gin-gonic/gin"
)

// Admin surface for rate limit rules and live counters.
type RateLimitRuleHandler struct {
	service *service.RateLimitRuleService
}

func NewRateLimitRuleHandler(service *service.RateLimitRuleService) *RateLimitRuleHandler {
	return &RateLimitRuleHandler{service: service}
}

type ruleRequest struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	Method      string `json:"method"`
	WindowMs    int64  `json:"window_ms"`
	MaxRequests int    `json:"max_requests"`
	UserTier    string `json:"user_tier"`
	Enabled     *bool  `json:"enabled"`
	Description string `json:"description"`
}

type ruleUpdateRequest struct {
	Name        *string `json:"name"`
	Path        *string `json:"path"`
	Method      *string `json:"method"`
	WindowMs    *int64  `json:"window_ms"`
	MaxRequests *int    `json:"max_requests"`
	UserTier    *string `json:"user_tier"`
	Enabled     *bool   `json:"enabled"`
	Description *string `json:"description"`
}

func (h *RateLimitRuleHandler) List(c *gin.Context) {
	ctx := c.Request.Context()
	rules, err := h.service.List(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, rules)
}

func (h *RateLimitRuleHandler) Get(c *gin.Context) {
	ctx := c.Request.Context()
	rule, err := h.service.Get(ctx, c.Param("id"))
	if err != nil {
		respondRuleError(c, err)
		return
	}

	c.JSON(http.StatusOK, rule)
}

func (h *RateLimitRuleHandler) Create(c *gin.Context) {
	var req ruleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	rule, err := h.service.Create(ctx, service.CreateRuleInput{
		Name:        req.Name,
		Path:        req.Path,
		Method:      req.Method,
		WindowMs:    req.WindowMs,
		MaxRequests: req.MaxRequests,
		UserTier:    req.UserTier,
		Enabled:     req.Enabled,
		Description: req.Description,
		CreatedBy:   c.GetString("email"),
	})
	if err != nil {
		respondRuleError(c, err)
		return
	}

	c.JSON(http.StatusCreated, rule)
}

func (h *RateLimitRuleHandler) Update(c *gin.Context) {
	var req ruleUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	rule, err := h.service.Update(ctx, c.Param("id"), service.UpdateRuleInput{
		Name:        req.Name,
		Path:        req.Path,
		Method:      req.Method,
		WindowMs:    req.WindowMs,
		MaxRequests: req.MaxRequests,
		UserTier:    req.UserTier,
		Enabled:     req.Enabled,
		Description: req.Description,
	})
	if err != nil {
		respondRuleError(c, err)
		return
	}

	c.JSON(http.StatusOK, rule)
}

func (h *RateLimitRuleHandler) Delete(c *gin.Context) {
	ctx := c.Request.Context()
	if err := h.service.Delete(ctx, c.Param("id")); err != nil {
		respondRuleError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Rule deleted"})
}

func (h *RateLimitRuleHandler) ActiveLimits(c *gin.Context) {
	ctx := c.Request.Context()
	active, err := h.service.ActiveLimits(ctx)
	if err != nil {
		respondRuleError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"count":  len(active),
		"limits": active,
	})
}

func (h *RateLimitRuleHandler) ClearKey(c *gin.Context) {
	var req struct {
		Key string `json:"key" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	if err := h.service.ClearKey(ctx, req.Key); err != nil {
		respondRuleError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Counter cleared"})
}

func (h *RateLimitRuleHandler) ClearAll(c *gin.Context) {
	ctx := c.Request.Context()
	deleted, err := h.service.ClearAll(ctx)
	if err != nil {
		respondRuleError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "All counters cleared",
		"deleted": deleted,
	})
}

// Maps service errors to status codes. Validation problems are itemized for
// the caller; capability gaps are distinguished from failures.
func respondRuleError(c *gin.Context, err error) {
	var ve *service.ValidationError
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "Validation failed",
			"issues": ve.Issues,
		})
	case errors.Is(err, service.ErrRuleNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrRuleConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, counter.ErrCapabilityUnavailable):
		c.JSON(http.StatusNotImplemented, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

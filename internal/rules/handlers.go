package rules

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for rule management.
type Handler struct {
	service *Service
}

// NewHandler creates a new rules handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) rule routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/rules", h.ListRules)
	r.GET("/rules/:id", h.GetRule)
}

// RegisterProtectedRoutes sets up rule authoring routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/rules", h.CreateRule)
	r.PUT("/rules/:id", h.UpdateRule)
	r.DELETE("/rules/:id", h.DeleteRule)
}

// CreateRule handles POST /v1/rules
func (h *Handler) CreateRule(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "name and criteria are required",
		})
		return
	}

	rule, err := h.service.Create(c.Request.Context(), req, c.GetString("authUserID"))
	if err != nil {
		h.mapError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"rule": rule})
}

// GetRule handles GET /v1/rules/:id
func (h *Handler) GetRule(c *gin.Context) {
	rule, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.mapError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"rule": rule})
}

// ListRules handles GET /v1/rules
func (h *Handler) ListRules(c *gin.Context) {
	f := Filter{
		Status:   Status(c.Query("status")),
		Severity: Severity(c.Query("severity")),
		Search:   c.Query("search"),
		Limit:    50,
	}
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			f.Limit = parsed
			if f.Limit > 200 {
				f.Limit = 200
			}
		}
	}
	if o := c.Query("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed > 0 {
			f.Offset = parsed
		}
	}

	list, total, err := h.service.List(c.Request.Context(), f)
	if err != nil {
		h.mapError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"rules": list,
		"count": len(list),
		"total": total,
	})
}

// UpdateRule handles PUT /v1/rules/:id
func (h *Handler) UpdateRule(c *gin.Context) {
	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	rule, err := h.service.Update(c.Request.Context(), c.Param("id"), req, c.GetString("authUserID"))
	if err != nil {
		h.mapError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"rule": rule})
}

// DeleteRule handles DELETE /v1/rules/:id
func (h *Handler) DeleteRule(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.mapError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// mapError maps service errors to HTTP responses.
func (h *Handler) mapError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrRuleNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrDuplicateName):
		status = http.StatusConflict
		code = "duplicate_rule"
	case errors.Is(err, ErrValidation):
		status = http.StatusBadRequest
		code = "validation_error"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

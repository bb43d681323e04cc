package anomaly

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for anomaly case operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new anomaly handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) anomaly routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/anomalies", h.ListAnomalies)
	r.GET("/anomalies/stats", h.GetStats)
	r.GET("/anomalies/:id", h.GetAnomaly)
	r.GET("/transactions/:id/anomalies", h.ListByTransaction)
}

// RegisterProtectedRoutes sets up routes that require analyst or admin scope.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/anomalies", h.CreateAnomaly)
	r.PUT("/anomalies/:id", h.UpdateAnomaly)
	r.POST("/anomalies/:id/comments", h.AddComment)
	r.DELETE("/anomalies/:id", h.DeleteAnomaly)
}

// CreateManualRequest is the payload for flagging a transaction by hand.
type CreateManualRequest struct {
	TransactionID string  `json:"transaction_id" binding:"required"`
	UserID        string  `json:"user_id"`
	Amount        float64 `json:"amount"`
	Description   string  `json:"description"`
}

// CommentRequest is the payload for adding an investigation comment.
type CommentRequest struct {
	Author string `json:"author"`
	Text   string `json:"text" binding:"required"`
}

// CreateAnomaly handles POST /v1/anomalies
func (h *Handler) CreateAnomaly(c *gin.Context) {
	var req CreateManualRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "transaction_id is required",
		})
		return
	}

	ref := TransactionRef{
		TransactionID: req.TransactionID,
		UserID:        req.UserID,
		Amount:        req.Amount,
		Timestamp:     time.Now().UTC(),
	}
	createdBy := c.GetString("authUserID")

	a, err := h.service.CreateManual(c.Request.Context(), ref, createdBy, req.Description)
	if err != nil {
		h.mapError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"anomaly": a})
}

// GetAnomaly handles GET /v1/anomalies/:id
func (h *Handler) GetAnomaly(c *gin.Context) {
	a, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.mapError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"anomaly": a})
}

// ListAnomalies handles GET /v1/anomalies
func (h *Handler) ListAnomalies(c *gin.Context) {
	f := Filter{
		Status:    Status(c.Query("status")),
		Algorithm: c.Query("algorithm"),
		Search:    c.Query("search"),
		Limit:     parseLimit(c),
		Offset:    parseOffset(c),
	}
	if v := c.Query("min_risk"); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			f.MinRisk = &parsed
		}
	}
	if v := c.Query("max_risk"); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			f.MaxRisk = &parsed
		}
	}
	if v := c.Query("from"); v != "" {
		if parsed, err := time.Parse(time.RFC3339, v); err == nil {
			f.From = &parsed
		}
	}
	if v := c.Query("to"); v != "" {
		if parsed, err := time.Parse(time.RFC3339, v); err == nil {
			f.To = &parsed
		}
	}

	if f.Status != "" && !ValidStatus(f.Status) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Unknown status filter",
		})
		return
	}

	anomalies, total, err := h.service.List(c.Request.Context(), f)
	if err != nil {
		h.mapError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"anomalies": anomalies,
		"count":     len(anomalies),
		"total":     total,
	})
}

// ListByTransaction handles GET /v1/transactions/:id/anomalies
func (h *Handler) ListByTransaction(c *gin.Context) {
	anomalies, err := h.service.ByTransaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.mapError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"anomalies": anomalies,
		"count":     len(anomalies),
	})
}

// GetStats handles GET /v1/anomalies/stats
func (h *Handler) GetStats(c *gin.Context) {
	stats, err := h.service.GetStats(c.Request.Context())
	if err != nil {
		h.mapError(c, err)
		return
	}

	c.JSON(http.StatusOK, stats)
}

// UpdateAnomaly handles PUT /v1/anomalies/:id
func (h *Handler) UpdateAnomaly(c *gin.Context) {
	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if req.ResolvedBy == "" {
		req.ResolvedBy = c.GetString("authUserID")
	}

	a, err := h.service.Update(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.mapError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"anomaly": a})
}

// AddComment handles POST /v1/anomalies/:id/comments
func (h *Handler) AddComment(c *gin.Context) {
	var req CommentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Comment text is required",
		})
		return
	}

	comment := Comment{
		Author:   req.Author,
		AuthorID: c.GetString("authUserID"),
		Text:     req.Text,
	}

	a, err := h.service.AddComment(c.Request.Context(), c.Param("id"), comment)
	if err != nil {
		h.mapError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"anomaly": a})
}

// DeleteAnomaly handles DELETE /v1/anomalies/:id
func (h *Handler) DeleteAnomaly(c *gin.Context) {
	a, err := h.service.Delete(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.mapError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"anomaly": a})
}

func parseLimit(c *gin.Context) int {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}
	return limit
}

func parseOffset(c *gin.Context) int {
	offset := 0
	if o := c.Query("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed > 0 {
			offset = parsed
		}
	}
	return offset
}

// mapError maps service errors to HTTP responses.
func (h *Handler) mapError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrAnomalyNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrValidation):
		status = http.StatusBadRequest
		code = "validation_error"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

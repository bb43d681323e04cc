package transaction

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mwale/fraudlens/internal/validation"
)

// Handler provides HTTP endpoints for transaction operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new transaction handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) transaction routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/transactions", h.ListTransactions)
	r.GET("/transactions/stats", h.GetStats)
	r.GET("/transactions/:id", h.GetTransaction)
}

// RegisterProtectedRoutes sets up routes that mutate the ledger.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/transactions", h.IngestTransaction)
	r.PUT("/transactions/:id/flag", h.FlagFraud)
}

// FlagRequest is the payload for manually flagging fraud.
type FlagRequest struct {
	Reason string `json:"reason"`
}

// IngestTransaction handles POST /v1/transactions
func (h *Handler) IngestTransaction(c *gin.Context) {
	var req IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "user_id and a positive amount are required",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("user_id", req.UserID),
		validation.PositiveAmount("amount", req.Amount),
		validation.OneOf("currency", req.Currency, "USD", "EUR", "GBP", "CAD", "AUD", "JPY"),
		validation.MaxLength("description", req.Description, validation.MaxStringLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
			"fields":  errs,
		})
		return
	}
	req.Description = validation.SanitizeString(req.Description, validation.MaxStringLength)
	req.Merchant = validation.SanitizeString(req.Merchant, 256)

	result, err := h.service.Ingest(c.Request.Context(), req)
	if err != nil {
		h.mapError(c, err)
		return
	}

	c.JSON(http.StatusCreated, result)
}

// GetTransaction handles GET /v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	t, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.mapError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": t})
}

// ListTransactions handles GET /v1/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	f := Filter{
		UserID: c.Query("user_id"),
		Status: Status(c.Query("status")),
		Search: c.Query("search"),
		Limit:  parseTxnLimit(c),
		Offset: parseTxnOffset(c),
	}
	if v := c.Query("is_fraud"); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			f.IsFraud = &parsed
		}
	}
	if v := c.Query("min_amount"); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			f.MinAmount = &parsed
		}
	}
	if v := c.Query("max_amount"); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			f.MaxAmount = &parsed
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

	transactions, total, err := h.service.List(c.Request.Context(), f)
	if err != nil {
		h.mapError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transactions": transactions,
		"count":        len(transactions),
		"total":        total,
	})
}

// GetStats handles GET /v1/transactions/stats
func (h *Handler) GetStats(c *gin.Context) {
	stats, err := h.service.GetStats(c.Request.Context())
	if err != nil {
		h.mapError(c, err)
		return
	}

	c.JSON(http.StatusOK, stats)
}

// FlagFraud handles PUT /v1/transactions/:id/flag
func (h *Handler) FlagFraud(c *gin.Context) {
	var req FlagRequest
	_ = c.ShouldBindJSON(&req) // reason is optional

	result, err := h.service.FlagFraud(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), req.Reason)
	if err != nil {
		h.mapError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func parseTxnLimit(c *gin.Context) int {
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

func parseTxnOffset(c *gin.Context) int {
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
	case errors.Is(err, ErrTransactionNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrDuplicateID):
		status = http.StatusConflict
		code = "duplicate_transaction"
	case errors.Is(err, ErrValidation):
		status = http.StatusBadRequest
		code = "validation_error"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

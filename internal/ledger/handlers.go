package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// IdempotencyHeader carries the caller's idempotency key on mutating calls.
const IdempotencyHeader = "Idempotency-Key"

// Handler exposes the in-process ledger over HTTP so other deployments
// can use it through HTTPClient.
type Handler struct {
	ledger *Ledger
	logger *slog.Logger
}

// NewHandler creates a new ledger handler.
func NewHandler(ledger *Ledger, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, logger: logger}
}

// RegisterRoutes sets up ledger routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/ledger/holds", h.Reserve)
	r.POST("/ledger/releases", h.Release)
	r.GET("/ledger/releases/:key", h.Lookup)
	r.GET("/ledger/orders/:id", h.GetOrder)
	r.GET("/ledger/health", h.Health)
}

// Health handles GET /ledger/health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Reserve handles POST /ledger/holds
func (h *Handler) Reserve(c *gin.Context) {
	key := strings.TrimSpace(c.GetHeader(IdempotencyHeader))
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_idempotency_key", "message": IdempotencyHeader + " header is required"})
		return
	}
	var req ReserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	req.IdempotencyKey = key

	ref, err := h.ledger.Reserve(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, "reserve", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ref": ref})
}

// Release handles POST /ledger/releases
func (h *Handler) Release(c *gin.Context) {
	key := strings.TrimSpace(c.GetHeader(IdempotencyHeader))
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_idempotency_key", "message": IdempotencyHeader + " header is required"})
		return
	}
	var req ReleaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	req.IdempotencyKey = key

	txRef, err := h.ledger.Release(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, "release", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"txRef": txRef})
}

// Lookup handles GET /ledger/releases/:key
func (h *Handler) Lookup(c *gin.Context) {
	txRef, found, err := h.ledger.Lookup(c.Request.Context(), c.Param("key"))
	if err != nil {
		h.writeError(c, "lookup", err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No release with this key"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"txRef": txRef})
}

// GetOrder handles GET /ledger/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	ctx := c.Request.Context()
	hold, err := h.ledger.GetHold(ctx, c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No hold for this order"})
		return
	}
	if err != nil {
		h.writeError(c, "get_hold", err)
		return
	}
	transfers, err := h.ledger.ListTransfers(ctx, hold.OrderID)
	if err != nil {
		h.writeError(c, "list_transfers", err)
		return
	}
	if transfers == nil {
		transfers = []*Transfer{}
	}
	c.JSON(http.StatusOK, gin.H{"hold": hold, "transfers": transfers})
}

func (h *Handler) writeError(c *gin.Context, op string, err error) {
	if IsRejected(err) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "rejected", "message": err.Error()})
		return
	}
	h.logger.Error("ledger request failed", "op", op, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "ledger_error", "message": "Ledger operation failed"})
}

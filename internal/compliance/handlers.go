package compliance

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler lets operators record compliance status by hand.
type Handler struct {
	store  Store
	logger *slog.Logger
}

// NewHandler creates a new compliance handler.
func NewHandler(store Store, logger *slog.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

// RegisterAdminRoutes sets up admin-only compliance routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.PUT("/compliance/clients/:id/kyc", h.SetKYC)
	r.GET("/compliance/clients/:id/kyc", h.GetKYC)
	r.PUT("/compliance/orders/:id/documents", h.SetDocuments)
	r.GET("/compliance/orders/:id/documents", h.GetDocuments)
}

type statusRequest struct {
	Value *bool `json:"value" binding:"required"`
}

// SetKYC handles PUT /compliance/clients/:id/kyc
func (h *Handler) SetKYC(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	id := c.Param("id")
	if err := h.store.SetClientVerified(c.Request.Context(), id, *req.Value); err != nil {
		h.fail(c, "set_kyc", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"clientId": id, "verified": *req.Value})
}

// GetKYC handles GET /compliance/clients/:id/kyc
func (h *Handler) GetKYC(c *gin.Context) {
	id := c.Param("id")
	ok, err := h.store.IsClientVerified(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "get_kyc", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"clientId": id, "verified": ok})
}

// SetDocuments handles PUT /compliance/orders/:id/documents
func (h *Handler) SetDocuments(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	id := c.Param("id")
	if err := h.store.SetDocumentsComplete(c.Request.Context(), id, *req.Value); err != nil {
		h.fail(c, "set_documents", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orderId": id, "complete": *req.Value})
}

// GetDocuments handles GET /compliance/orders/:id/documents
func (h *Handler) GetDocuments(c *gin.Context) {
	id := c.Param("id")
	ok, err := h.store.DocumentsComplete(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "get_documents", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orderId": id, "complete": ok})
}

func (h *Handler) fail(c *gin.Context, op string, err error) {
	h.logger.Error("compliance request failed", "op", op, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "compliance_error", "message": "Compliance store unavailable"})
}

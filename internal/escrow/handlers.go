package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/tradeescrow/internal/logging"
	"github.com/mbd888/tradeescrow/internal/validation"
)

// Handler provides HTTP endpoints for orders and disputes.
type Handler struct {
	service     *Service
	arbitration *Arbitration
	hideCauses  bool
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service, arbitration *Arbitration) *Handler {
	return &Handler{service: service, arbitration: arbitration}
}

// WithHiddenCauses stops infrastructure error details from reaching clients.
func (h *Handler) WithHiddenCauses(hide bool) *Handler {
	h.hideCauses = hide
	return h
}

// RegisterRoutes sets up the order and dispute routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	ids := validation.IDParamMiddleware()

	r.POST("/orders", h.PlaceOrder)
	r.GET("/orders", h.ListOrders)
	r.GET("/orders/:id", ids, h.GetOrder)
	r.GET("/orders/:id/releases", ids, h.ListReleases)
	r.GET("/orders/:id/disputes", ids, h.ListDisputes)
	r.POST("/orders/:id/banks", ids, h.AssignBank)
	r.POST("/orders/:id/approvals", ids, h.RecordBankApproval)
	r.POST("/orders/:id/shipment", ids, h.ConfirmShipment)
	r.POST("/orders/:id/delivery", ids, h.ConfirmDelivery)
	r.POST("/orders/:id/cancel", ids, h.Cancel)
	r.POST("/orders/:id/disputes", ids, h.OpenDispute)

	r.GET("/disputes/:id", ids, h.GetDispute)
	r.POST("/disputes/:id/arbitrator", ids, h.AssignArbitrator)
	r.POST("/disputes/:id/evidence", ids, h.SubmitEvidence)
	r.POST("/disputes/:id/ruling", ids, h.IssueRuling)
	r.POST("/disputes/:id/settle", ids, h.SettleDispute)
}

// RegisterAdminRoutes sets up operator routes. Callers protect the group.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/orders/:id/unflag", validation.IDParamMiddleware(), h.Unflag)
	r.POST("/reconcile", h.Reconcile)
}

// bankRequest is the body of bank assignment and approval calls.
type bankRequest struct {
	BankType BankType `json:"bankType" binding:"required"`
	BankID   string   `json:"bankId" binding:"required"`
}

type shipmentRequest struct {
	TrackingID string `json:"trackingId" binding:"required"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type arbitratorRequest struct {
	ArbitratorID string `json:"arbitratorId" binding:"required"`
}

type unflagRequest struct {
	Operator string `json:"operator" binding:"required"`
	Note     string `json:"note"`
}

// PlaceOrder handles POST /v1/orders
func (h *Handler) PlaceOrder(c *gin.Context) {
	var req PlaceOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "buyerId, sellerId, total and currency are required",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidID("buyerId", req.BuyerID),
		validation.ValidID("sellerId", req.SellerID),
		validation.ValidID("buyerBankId", req.BuyerBankID),
		validation.ValidID("sellerBankId", req.SellerBankID),
		validation.ValidAmount("total", req.Total),
		validation.ValidCurrency("currency", req.Currency),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	order, err := h.service.PlaceOrder(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"order": order})
}

// GetOrder handles GET /v1/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	order, err := h.service.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

// ListOrders handles GET /v1/orders?status=&party=&flagged=&limit=&cursor=
func (h *Handler) ListOrders(c *gin.Context) {
	filter := OrderFilter{
		Status:  Status(c.Query("status")),
		PartyID: c.Query("party"),
		Cursor:  c.Query("cursor"),
		Limit:   50,
	}
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			filter.Limit = parsed
		}
	}
	if f := c.Query("flagged"); f != "" {
		flagged, err := strconv.ParseBool(f)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "flagged must be true or false",
			})
			return
		}
		filter.Flagged = &flagged
	}

	page, err := h.service.ListOrders(c.Request.Context(), filter)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"orders":     page.Orders,
		"count":      len(page.Orders),
		"nextCursor": page.NextCursor,
		"hasMore":    page.HasMore,
	})
}

// ListReleases handles GET /v1/orders/:id/releases
func (h *Handler) ListReleases(c *gin.Context) {
	releases, err := h.service.ListReleases(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"releases": releases, "count": len(releases)})
}

// ListDisputes handles GET /v1/orders/:id/disputes
func (h *Handler) ListDisputes(c *gin.Context) {
	disputes, err := h.arbitration.ListDisputes(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": disputes, "count": len(disputes)})
}

// AssignBank handles POST /v1/orders/:id/banks
func (h *Handler) AssignBank(c *gin.Context) {
	req, ok := bindBank(c)
	if !ok {
		return
	}
	order, err := h.service.AssignBank(c.Request.Context(), c.Param("id"), req.BankType, req.BankID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

// RecordBankApproval handles POST /v1/orders/:id/approvals
func (h *Handler) RecordBankApproval(c *gin.Context) {
	req, ok := bindBank(c)
	if !ok {
		return
	}
	order, err := h.service.RecordBankApproval(c.Request.Context(), c.Param("id"), req.BankType, req.BankID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

func bindBank(c *gin.Context) (bankRequest, bool) {
	var req bankRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "bankType and bankId are required",
		})
		return req, false
	}
	if errs := validation.Validate(
		validation.OneOf("bankType", string(req.BankType), string(BankBuyer), string(BankSeller)),
		validation.ValidID("bankId", req.BankID),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return req, false
	}
	return req, true
}

// ConfirmShipment handles POST /v1/orders/:id/shipment
func (h *Handler) ConfirmShipment(c *gin.Context) {
	var req shipmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "trackingId is required",
		})
		return
	}
	order, err := h.service.ConfirmShipment(c.Request.Context(), c.Param("id"), req.TrackingID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

// ConfirmDelivery handles POST /v1/orders/:id/delivery
func (h *Handler) ConfirmDelivery(c *gin.Context) {
	order, err := h.service.ConfirmDelivery(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

// Cancel handles POST /v1/orders/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var req cancelRequest
	// Body is optional.
	_ = c.ShouldBindJSON(&req)
	if len(req.Reason) > validation.MaxStringLength {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "reason exceeds maximum length",
		})
		return
	}
	order, err := h.service.Cancel(c.Request.Context(), c.Param("id"), validation.SanitizeString(req.Reason, validation.MaxStringLength))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

// OpenDispute handles POST /v1/orders/:id/disputes
func (h *Handler) OpenDispute(c *gin.Context) {
	var req OpenDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "initiatedBy, reason and amount are required",
		})
		return
	}
	if errs := validation.Validate(
		validation.ValidAmount("amount", req.Amount),
		validation.MaxLength("reason", req.Reason, validation.MaxStringLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	dispute, err := h.service.OpenDispute(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": dispute})
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	dispute, err := h.arbitration.GetDispute(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": dispute})
}

// AssignArbitrator handles POST /v1/disputes/:id/arbitrator
func (h *Handler) AssignArbitrator(c *gin.Context) {
	var req arbitratorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "arbitratorId is required",
		})
		return
	}
	if errs := validation.Validate(validation.ValidID("arbitratorId", req.ArbitratorID)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
		})
		return
	}
	dispute, err := h.arbitration.AssignArbitrator(c.Request.Context(), c.Param("id"), req.ArbitratorID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": dispute})
}

// SubmitEvidence handles POST /v1/disputes/:id/evidence
func (h *Handler) SubmitEvidence(c *gin.Context) {
	var req EvidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "submittedBy and description are required",
		})
		return
	}
	req.Description = validation.SanitizeString(req.Description, validation.MaxStringLength)
	dispute, err := h.arbitration.SubmitEvidence(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": dispute})
}

// IssueRuling handles POST /v1/disputes/:id/ruling
func (h *Handler) IssueRuling(c *gin.Context) {
	var req RulingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "arbitratorId, rulingType and reasoning are required",
		})
		return
	}
	dispute, err := h.arbitration.IssueRuling(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": dispute})
}

// SettleDispute handles POST /v1/disputes/:id/settle
func (h *Handler) SettleDispute(c *gin.Context) {
	dispute, err := h.arbitration.SettleDispute(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": dispute})
}

// Unflag handles POST /v1/admin/orders/:id/unflag
func (h *Handler) Unflag(c *gin.Context) {
	var req unflagRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "operator is required",
		})
		return
	}
	order, err := h.service.Unflag(c.Request.Context(), c.Param("id"), req.Operator, req.Note)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

// Reconcile handles POST /v1/admin/reconcile
func (h *Handler) Reconcile(c *gin.Context) {
	report, err := h.service.ReconcilePending(c.Request.Context(), h.arbitration)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// errorStatus maps an error kind to an HTTP status and error code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, ErrInvalidRuling):
		return http.StatusBadRequest, "invalid_ruling"
	case errors.Is(err, ErrAmountExceedsEscrow):
		return http.StatusUnprocessableEntity, "amount_exceeds_escrow"
	case errors.Is(err, ErrInvalidBank):
		return http.StatusForbidden, "invalid_bank"
	case errors.Is(err, ErrClientNotVerified):
		return http.StatusForbidden, "client_not_verified"
	case errors.Is(err, ErrDocumentsIncomplete):
		return http.StatusPreconditionFailed, "documents_incomplete"
	case errors.Is(err, ErrOrderDisputed):
		return http.StatusConflict, "order_disputed"
	case errors.Is(err, ErrAlreadyResolved):
		return http.StatusConflict, "already_resolved"
	case errors.Is(err, ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, ErrInvariantViolation):
		return http.StatusConflict, "invariant_violation"
	case errors.Is(err, ErrLedgerReleaseFailed):
		return http.StatusBadGateway, "ledger_release_failed"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status, code := errorStatus(err)
	body := gin.H{"error": code, "message": err.Error()}

	if e, ok := AsError(err); ok {
		if h.hideCauses {
			body["message"] = e.Kind.Error()
			if e.Reason != "" {
				body["message"] = e.Kind.Error() + ": " + e.Reason
			}
		}
		if e.OrderID != "" {
			body["orderId"] = e.OrderID
		}
		if e.DisputeID != "" {
			body["disputeId"] = e.DisputeID
		}
		if e.State != "" {
			body["state"] = e.State
		}
		if e.Outcome != "" {
			body["outcome"] = e.Outcome
		}
	} else if h.hideCauses {
		body["message"] = "internal error"
	}

	if status >= http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("escrow request failed",
			"path", c.FullPath(), "status", status, "error", err)
	}
	c.JSON(status, body)
}

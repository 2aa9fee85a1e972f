package escrow

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/foliopay/foliopay/internal/logging"
	"github.com/foliopay/foliopay/internal/money"
	"github.com/foliopay/foliopay/internal/validation"
)

// Handlers exposes the escrow state machine over HTTP.
type Handlers struct {
	service *Service
}

// NewHandlers creates HTTP handlers for the escrow service.
func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

// RegisterRoutes mounts the escrow endpoints on the given router group.
func (h *Handlers) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrow", h.initiate)
	r.GET("/escrow/:id", h.get)
	r.GET("/escrow/:id/confirmations", h.confirmations)
	r.POST("/escrow/:id/confirm", h.confirm)
	r.POST("/escrow/:id/release", h.release)
	r.POST("/escrow/:id/refund", h.refund)
	r.GET("/users/:userId/escrows", h.listByUser)
}

type initiateRequest struct {
	BookID     string `json:"bookId" binding:"required"`
	BorrowerID string `json:"borrowerId" binding:"required"`
	LenderID   string `json:"lenderId" binding:"required"`

	TotalAmount     string `json:"totalAmount" binding:"required"`
	RentalFee       string `json:"rentalFee" binding:"required"`
	SecurityDeposit string `json:"securityDeposit" binding:"required"`
	PlatformFee     string `json:"platformFee"`

	PaymentMethod  string `json:"paymentMethod" binding:"required"`
	PaymentDetails string `json:"paymentDetails"`

	IPAddress         string    `json:"ipAddress"`
	Country           string    `json:"country"`
	DeviceFingerprint string    `json:"deviceFingerprint"`
	UserAgent         string    `json:"userAgent"`
	AccountCreatedAt  time.Time `json:"accountCreatedAt"`
}

func (h *Handlers) initiate(c *gin.Context) {
	var req initiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if errs := validation.Validate(
		validation.ValidID("bookId", req.BookID),
		validation.ValidID("borrowerId", req.BorrowerID),
		validation.ValidID("lenderId", req.LenderID),
		validation.ValidAmount("totalAmount", req.TotalAmount),
		validation.ValidAmount("rentalFee", req.RentalFee),
		validation.ValidAmount("securityDeposit", req.SecurityDeposit),
		validation.MaxLength("paymentMethod", req.PaymentMethod, 64),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": errs.Error(), "details": errs})
		return
	}

	total, _ := money.Parse(req.TotalAmount)
	fee, _ := money.Parse(req.RentalFee)
	deposit, _ := money.Parse(req.SecurityDeposit)
	platform, ok := money.Parse(req.PlatformFee)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid platformFee"})
		return
	}

	txn, err := h.service.Initiate(c.Request.Context(), InitiateRequest{
		BookID:            req.BookID,
		BorrowerID:        req.BorrowerID,
		LenderID:          req.LenderID,
		TotalAmount:       total,
		RentalFee:         fee,
		SecurityDeposit:   deposit,
		PlatformFee:       platform,
		PaymentMethod:     req.PaymentMethod,
		PaymentDetails:    req.PaymentDetails,
		IPAddress:         req.IPAddress,
		Country:           req.Country,
		DeviceFingerprint: req.DeviceFingerprint,
		UserAgent:         validation.SanitizeString(req.UserAgent, 512),
		AccountCreatedAt:  req.AccountCreatedAt,
	})
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"transactionId": txn.ID,
		"status":        txn.Status,
		"totalAmount":   money.Format(txn.TotalAmount),
		"expiresAt":     txn.ExpiresAt,
	})
}

func (h *Handlers) get(c *gin.Context) {
	id := c.Param("id")
	if !validation.IsValidID(id) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid transaction id"})
		return
	}

	txn, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, txn)
}

func (h *Handlers) confirmations(c *gin.Context) {
	id := c.Param("id")
	if !validation.IsValidID(id) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid transaction id"})
		return
	}

	events, err := h.service.Confirmations(c.Request.Context(), id)
	if err != nil {
		h.renderError(c, err)
		return
	}
	if events == nil {
		events = []*ConfirmationEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"confirmations": events})
}

type confirmRequest struct {
	ActorID           string `json:"actorId" binding:"required"`
	Action            string `json:"action" binding:"required"`
	IPAddress         string `json:"ipAddress"`
	DeviceFingerprint string `json:"deviceFingerprint"`
	PhotoURL          string `json:"photoUrl"`
	Notes             string `json:"notes"`
}

func (h *Handlers) confirm(c *gin.Context) {
	var req confirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if errs := validation.Validate(
		validation.ValidID("actorId", req.ActorID),
		validation.OneOf("action", req.Action, "lent", "borrowed", "returned", "received"),
		validation.MaxLength("notes", req.Notes, 2000),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": errs.Error(), "details": errs})
		return
	}

	result, err := h.service.Confirm(c.Request.Context(), c.Param("id"), req.ActorID, Action(req.Action), ConfirmMeta{
		IPAddress:         req.IPAddress,
		DeviceFingerprint: req.DeviceFingerprint,
		PhotoURL:          req.PhotoURL,
		Notes:             validation.SanitizeString(req.Notes, 2000),
	})
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type releaseRequest struct {
	ActorID        string `json:"actorId" binding:"required"`
	Type           string `json:"type"`
	Mode           string `json:"mode"`
	LenderAmount   string `json:"lenderAmount"`
	BorrowerAmount string `json:"borrowerAmount"`
}

func (h *Handlers) release(c *gin.Context) {
	var req releaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if errs := validation.Validate(
		validation.ValidID("actorId", req.ActorID),
		validation.OneOf("type", req.Type, "complete", "refund"),
		validation.OneOf("mode", req.Mode, "full", "partial", "security_only", "damage_deduction"),
		validation.ValidAmount("lenderAmount", req.LenderAmount),
		validation.ValidAmount("borrowerAmount", req.BorrowerAmount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": errs.Error(), "details": errs})
		return
	}

	lenderAmt, _ := money.Parse(req.LenderAmount)
	borrowerAmt, _ := money.Parse(req.BorrowerAmount)

	result, err := h.service.ReleaseFunds(c.Request.Context(), c.Param("id"), req.ActorID, ReleaseRequest{
		Type:           req.Type,
		Mode:           RefundMode(req.Mode),
		LenderAmount:   lenderAmt,
		BorrowerAmount: borrowerAmt,
	})
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type refundRequest struct {
	ActorID string `json:"actorId" binding:"required"`
	Mode    string `json:"mode" binding:"required"`
	Reason  string `json:"reason"`
}

func (h *Handlers) refund(c *gin.Context) {
	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if errs := validation.Validate(
		validation.ValidID("actorId", req.ActorID),
		validation.OneOf("mode", req.Mode, "full", "partial", "security_only", "damage_deduction"),
		validation.MaxLength("reason", req.Reason, 500),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": errs.Error(), "details": errs})
		return
	}

	refund, err := h.service.RequestRefund(c.Request.Context(), c.Param("id"), req.ActorID, RefundMode(req.Mode), req.Reason)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, refund)
}

func (h *Handlers) listByUser(c *gin.Context) {
	userID := c.Param("userId")
	if !validation.IsValidID(userID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}

	txns, err := h.service.ListByUser(c.Request.Context(), userID, 50)
	if err != nil {
		h.renderError(c, err)
		return
	}
	if txns == nil {
		txns = []*Transaction{}
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txns})
}

// renderError maps domain errors to HTTP status codes. Unrecognized errors
// are logged and masked as 500s.
func (h *Handlers) renderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "transaction not found"})
	case errors.Is(err, ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, ErrFraudDeclined):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, ErrSelfTransaction), errors.Is(err, ErrAmountMismatch):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ErrBookConflict), errors.Is(err, ErrAlreadyConfirmed), errors.Is(err, ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, ErrGatewayFailure):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		logging.FromContext(c.Request.Context()).Error("escrow handler error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

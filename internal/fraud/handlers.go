package fraud

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/foliopay/foliopay/internal/logging"
	"github.com/foliopay/foliopay/internal/money"
	"github.com/foliopay/foliopay/internal/validation"
)

// Handlers exposes fraud assessment over HTTP.
type Handlers struct {
	scorer *Scorer
	store  Store
}

// NewHandlers creates HTTP handlers backed by the scorer and audit store.
func NewHandlers(scorer *Scorer, store Store) *Handlers {
	return &Handlers{scorer: scorer, store: store}
}

// RegisterRoutes mounts the fraud endpoints on the given router group.
func (h *Handlers) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/fraud/assess", h.assess)
	r.GET("/fraud/checks/:userId", h.listChecks)
}

type assessRequest struct {
	UserID            string `json:"userId" binding:"required"`
	TransactionID     string `json:"transactionId"`
	Amount            string `json:"amount" binding:"required"`
	PaymentMethod     string `json:"paymentMethod"`
	IPAddress         string `json:"ipAddress"`
	Country           string `json:"country"`
	DeviceFingerprint string `json:"deviceFingerprint"`
	UserAgent         string `json:"userAgent"`

	History struct {
		AccountCreatedAt  time.Time `json:"accountCreatedAt"`
		AverageAmount     string    `json:"averageAmount"`
		KnownFingerprints []string  `json:"knownFingerprints"`
		KnownLocations    []string  `json:"knownLocations"`
		SuspiciousCount   int       `json:"suspiciousCount"`
		Recent            []struct {
			Amount    string    `json:"amount"`
			CreatedAt time.Time `json:"createdAt"`
		} `json:"recent"`
	} `json:"history"`
}

func (h *Handlers) assess(c *gin.Context) {
	var req assessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if errs := validation.Validate(
		validation.ValidID("userId", req.UserID),
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": errs.Error(), "details": errs})
		return
	}

	amount, _ := money.Parse(req.Amount)

	pctx := PaymentContext{
		UserID:            req.UserID,
		TransactionID:     req.TransactionID,
		Amount:            amount,
		PaymentMethod:     req.PaymentMethod,
		IPAddress:         req.IPAddress,
		Country:           req.Country,
		DeviceFingerprint: req.DeviceFingerprint,
		UserAgent:         validation.SanitizeString(req.UserAgent, 512),
	}

	hist := UserHistory{
		AccountCreatedAt:  req.History.AccountCreatedAt,
		KnownFingerprints: req.History.KnownFingerprints,
		KnownLocations:    req.History.KnownLocations,
		SuspiciousCount:   req.History.SuspiciousCount,
	}
	if avg, ok := money.Parse(req.History.AverageAmount); ok {
		hist.AverageAmount = avg
	}
	for _, tx := range req.History.Recent {
		amt, ok := money.Parse(tx.Amount)
		if !ok {
			continue
		}
		hist.Recent = append(hist.Recent, RecentTransaction{Amount: amt, CreatedAt: tx.CreatedAt})
	}

	check := h.scorer.Assess(c.Request.Context(), pctx, hist)

	logging.FromContext(c.Request.Context()).Info("fraud assessment",
		"check_id", check.ID,
		"user_id", check.UserID,
		"score", check.Score,
		"recommendation", check.Recommendation,
	)

	c.JSON(http.StatusOK, check)
}

func (h *Handlers) listChecks(c *gin.Context) {
	userID := c.Param("userId")
	if !validation.IsValidID(userID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}

	checks, err := h.store.ListByUser(c.Request.Context(), userID, 50)
	if err != nil {
		logging.FromContext(c.Request.Context()).Error("list fraud checks", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if checks == nil {
		checks = []*Check{}
	}

	c.JSON(http.StatusOK, gin.H{"checks": checks})
}

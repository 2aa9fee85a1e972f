// Package fraud scores payment attempts before any money moves.
//
// The scorer runs a fixed set of rule families (velocity, amount, location,
// device, behavior, blacklist) over the attempt and the user's history, sums
// weighted flags into a 0..1 risk score, and maps the score to an
// approve / review / decline recommendation. Every assessment is recorded
// for audit regardless of outcome.
package fraud

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no assessments exist for a user.
	ErrNotFound = errors.New("fraud check not found")
)

// Severity is the weight a single flag contributes to the raw score.
type Severity float64

const (
	SeverityLow      Severity = 0.1
	SeverityMedium   Severity = 0.3
	SeverityHigh     Severity = 0.6
	SeverityCritical Severity = 1.0
)

// Level is the coarse risk band derived from the final score.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Recommendation is the gate decision handed to the escrow service.
type Recommendation string

const (
	RecommendApprove Recommendation = "approve"
	RecommendReview  Recommendation = "review"
	RecommendDecline Recommendation = "decline"
)

// Flag is one triggered rule with its weight and a human-readable reason.
type Flag struct {
	Type        string   `json:"type"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
}

// Check is a completed fraud assessment.
type Check struct {
	ID             string         `json:"id"`
	UserID         string         `json:"userId"`
	TransactionID  string         `json:"transactionId,omitempty"`
	Score          float64        `json:"score"`
	Level          Level          `json:"level"`
	Recommendation Recommendation `json:"recommendation"`
	Flags          []Flag         `json:"flags"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// PaymentContext describes the attempt being scored.
type PaymentContext struct {
	UserID            string    `json:"userId"`
	TransactionID     string    `json:"transactionId,omitempty"`
	Amount            int64     `json:"amount"` // cents
	PaymentMethod     string    `json:"paymentMethod,omitempty"`
	IPAddress         string    `json:"ipAddress,omitempty"`
	Country           string    `json:"country,omitempty"`
	DeviceFingerprint string    `json:"deviceFingerprint,omitempty"`
	UserAgent         string    `json:"userAgent,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// RecentTransaction is one prior payment in the user's recent window.
type RecentTransaction struct {
	Amount    int64     `json:"amount"` // cents
	CreatedAt time.Time `json:"createdAt"`
}

// UserHistory is what the scorer knows about the user ahead of the attempt.
// KnownLocations holds the country codes seen on the user's prior payments;
// an empty set means the user has no location history to compare against.
type UserHistory struct {
	AccountCreatedAt  time.Time           `json:"accountCreatedAt"`
	AverageAmount     int64               `json:"averageAmount"` // cents, 0 when no history
	KnownFingerprints []string            `json:"knownFingerprints,omitempty"`
	KnownLocations    []string            `json:"knownLocations,omitempty"`
	SuspiciousCount   int                 `json:"suspiciousCount"`
	Recent            []RecentTransaction `json:"recent,omitempty"`
}

// Store persists completed assessments for audit.
type Store interface {
	Record(ctx context.Context, check *Check) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Check, error)
}

// Blacklist answers whether a user, source address, or payment instrument is
// blocked outright.
type Blacklist interface {
	Contains(ctx context.Context, userID, ipAddress, paymentMethod string) (bool, error)
}

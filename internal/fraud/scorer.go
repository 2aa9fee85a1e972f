package fraud

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/foliopay/foliopay/internal/idgen"
	"github.com/foliopay/foliopay/internal/logging"
	"github.com/foliopay/foliopay/internal/metrics"
	"github.com/foliopay/foliopay/internal/money"
	"github.com/foliopay/foliopay/internal/retry"
)

// Thresholds shared by the rule families. Amount thresholds are in cents.
const (
	maxHourlyAttempts = 5
	maxDailyAttempts  = 20

	amountRatioHigh   = 10.0
	amountRatioMedium = 5.0

	newAccountWindow   = 24 * time.Hour
	suspiciousCountMax = 3

	// Fallback 2am..5am window where legitimate rental activity is rare,
	// used until the user has enough history to derive their own pattern.
	quietHourStart = 2
	quietHourEnd   = 5

	// Minimum recent transactions before the hour-of-day check is
	// personalized instead of using the fallback window.
	minHourSamples = 5
)

// User agents that indicate scripted traffic rather than a browser or app.
var botAgentMarkers = []string{"bot", "curl", "wget", "python", "headless", "scrapy"}

// ScorerConfig carries the tunable limits, parsed from service config.
type ScorerConfig struct {
	MaxAmount         int64 // cents, per-transaction ceiling
	DailyAmountCap    int64 // cents, rolling 24h spend ceiling
	HighRiskCountries []string
}

// Scorer evaluates payment attempts. It is safe for concurrent use.
type Scorer struct {
	store     Store
	blacklist Blacklist
	cfg       ScorerConfig
	highRisk  map[string]struct{}
	now       func() time.Time
}

// NewScorer builds a Scorer. The store receives every completed assessment
// asynchronously; the blacklist is consulted first on every attempt.
func NewScorer(store Store, blacklist Blacklist, cfg ScorerConfig) *Scorer {
	hr := make(map[string]struct{}, len(cfg.HighRiskCountries))
	for _, c := range cfg.HighRiskCountries {
		hr[strings.ToUpper(strings.TrimSpace(c))] = struct{}{}
	}
	return &Scorer{
		store:     store,
		blacklist: blacklist,
		cfg:       cfg,
		highRisk:  hr,
		now:       time.Now,
	}
}

// Assess scores a payment attempt against the user's history.
//
// Blacklist hits short-circuit to an immediate decline; a blacklist lookup
// that keeps failing after retries is treated as a miss so that a degraded
// list service does not block all payments. The completed check is recorded
// asynchronously and returned either way.
func (s *Scorer) Assess(ctx context.Context, pctx PaymentContext, hist UserHistory) *Check {
	now := s.now().UTC()
	if pctx.Timestamp.IsZero() {
		pctx.Timestamp = now
	}

	check := &Check{
		ID:            idgen.WithPrefix("chk_"),
		UserID:        pctx.UserID,
		TransactionID: pctx.TransactionID,
		CreatedAt:     now,
	}

	if s.isBlacklisted(ctx, pctx) {
		check.Flags = []Flag{{
			Type:        "blacklist",
			Severity:    SeverityCritical,
			Description: "user, source address, or payment method is blacklisted",
		}}
		check.Score = 1.0
		check.Level = LevelCritical
		check.Recommendation = RecommendDecline
		s.record(ctx, check)
		return check
	}

	var flags []Flag
	flags = append(flags, s.velocityFlags(pctx, hist)...)
	flags = append(flags, s.amountFlags(pctx, hist)...)
	flags = append(flags, s.locationFlags(pctx, hist)...)
	flags = append(flags, s.deviceFlags(pctx, hist)...)
	flags = append(flags, s.behaviorFlags(pctx, hist)...)

	check.Flags = flags
	check.Score = scoreOf(flags)
	check.Level = levelOf(check.Score)
	check.Recommendation = recommend(check.Level, flags)

	s.record(ctx, check)
	return check
}

func (s *Scorer) isBlacklisted(ctx context.Context, pctx PaymentContext) bool {
	var hit bool
	err := retry.Do(ctx, 3, 100*time.Millisecond, func() error {
		var err error
		hit, err = s.blacklist.Contains(ctx, pctx.UserID, pctx.IPAddress, pctx.PaymentMethod)
		return err
	})
	if err != nil {
		logging.FromContext(ctx).Warn("blacklist lookup failed, treating as miss",
			"user_id", pctx.UserID, "error", err)
		return false
	}
	return hit
}

// record persists the assessment without blocking the caller, the same way
// the escrow path must not wait on audit writes.
func (s *Scorer) record(ctx context.Context, check *Check) {
	metrics.FraudChecksTotal.WithLabelValues(string(check.Recommendation)).Inc()
	metrics.FraudScore.Observe(check.Score)

	logger := logging.FromContext(ctx)
	cp := *check
	go func() {
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.store.Record(rctx, &cp); err != nil {
			logger.Error("record fraud check", "check_id", cp.ID, "error", err)
		}
	}()
}

func (s *Scorer) velocityFlags(pctx PaymentContext, hist UserHistory) []Flag {
	var flags []Flag

	var hourly, daily int
	var dailySum int64
	for _, tx := range hist.Recent {
		age := pctx.Timestamp.Sub(tx.CreatedAt)
		if age < 0 || age > 24*time.Hour {
			continue
		}
		daily++
		dailySum += tx.Amount
		if age <= time.Hour {
			hourly++
		}
	}

	if hourly > maxHourlyAttempts {
		flags = append(flags, Flag{
			Type:        "velocity_hourly",
			Severity:    SeverityHigh,
			Description: fmt.Sprintf("%d transactions in the last hour", hourly),
		})
	}
	if daily > maxDailyAttempts {
		flags = append(flags, Flag{
			Type:        "velocity_daily",
			Severity:    SeverityCritical,
			Description: fmt.Sprintf("%d transactions in the last 24 hours", daily),
		})
	}
	if s.cfg.DailyAmountCap > 0 && dailySum+pctx.Amount > s.cfg.DailyAmountCap {
		flags = append(flags, Flag{
			Type:        "velocity_amount",
			Severity:    SeverityMedium,
			Description: fmt.Sprintf("daily spend %s exceeds cap %s", money.Format(dailySum+pctx.Amount), money.Format(s.cfg.DailyAmountCap)),
		})
	}

	return flags
}

func (s *Scorer) amountFlags(pctx PaymentContext, hist UserHistory) []Flag {
	var flags []Flag

	if hist.AverageAmount > 0 {
		ratio := float64(pctx.Amount) / float64(hist.AverageAmount)
		switch {
		case ratio > amountRatioHigh:
			flags = append(flags, Flag{
				Type:        "amount_spike",
				Severity:    SeverityHigh,
				Description: fmt.Sprintf("amount is %.0fx the user's average", ratio),
			})
		case ratio > amountRatioMedium:
			flags = append(flags, Flag{
				Type:        "amount_spike",
				Severity:    SeverityMedium,
				Description: fmt.Sprintf("amount is %.0fx the user's average", ratio),
			})
		}
	}

	if s.cfg.MaxAmount > 0 && pctx.Amount > s.cfg.MaxAmount {
		sev := SeverityMedium
		if pctx.Amount > 2*s.cfg.MaxAmount {
			sev = SeverityHigh
		}
		flags = append(flags, Flag{
			Type:        "amount_over_limit",
			Severity:    sev,
			Description: fmt.Sprintf("amount %s exceeds limit %s", money.Format(pctx.Amount), money.Format(s.cfg.MaxAmount)),
		})
	}

	// Card-testing rings favor clean round amounts.
	if pctx.Amount >= 10_000 && pctx.Amount%10_000 == 0 {
		flags = append(flags, Flag{
			Type:        "amount_round",
			Severity:    SeverityLow,
			Description: "suspiciously round amount",
		})
	}

	return flags
}

func (s *Scorer) locationFlags(pctx PaymentContext, hist UserHistory) []Flag {
	var flags []Flag

	if pctx.Country == "" {
		flags = append(flags, Flag{
			Type:        "location_unknown",
			Severity:    SeverityMedium,
			Description: "could not resolve country for source address",
		})
		return flags
	}

	country := strings.ToUpper(pctx.Country)

	if _, ok := s.highRisk[country]; ok {
		flags = append(flags, Flag{
			Type:        "location_high_risk",
			Severity:    SeverityHigh,
			Description: fmt.Sprintf("payment from high-risk country %s", pctx.Country),
		})
	}

	if len(hist.KnownLocations) > 0 {
		known := false
		for _, loc := range hist.KnownLocations {
			if strings.EqualFold(loc, country) {
				known = true
				break
			}
		}
		if !known {
			flags = append(flags, Flag{
				Type:        "location_new",
				Severity:    SeverityMedium,
				Description: fmt.Sprintf("payment from %s, outside the user's known locations", pctx.Country),
			})
		}
	}

	return flags
}

func (s *Scorer) deviceFlags(pctx PaymentContext, hist UserHistory) []Flag {
	var flags []Flag

	if pctx.DeviceFingerprint != "" {
		known := false
		for _, fp := range hist.KnownFingerprints {
			if fp == pctx.DeviceFingerprint {
				known = true
				break
			}
		}
		if !known {
			flags = append(flags, Flag{
				Type:        "device_new",
				Severity:    SeverityLow,
				Description: "payment from an unrecognized device",
			})
		}
	}

	ua := strings.ToLower(pctx.UserAgent)
	for _, marker := range botAgentMarkers {
		if strings.Contains(ua, marker) {
			flags = append(flags, Flag{
				Type:        "device_automation",
				Severity:    SeverityCritical,
				Description: "user agent indicates automated client",
			})
			break
		}
	}

	return flags
}

func (s *Scorer) behaviorFlags(pctx PaymentContext, hist UserHistory) []Flag {
	var flags []Flag

	hour := pctx.Timestamp.UTC().Hour()
	if unusualHour(hour, hist.Recent) {
		flags = append(flags, Flag{
			Type:        "behavior_unusual_hour",
			Severity:    SeverityLow,
			Description: fmt.Sprintf("payment at %02d:00 UTC", hour),
		})
	}

	if !hist.AccountCreatedAt.IsZero() && pctx.Timestamp.Sub(hist.AccountCreatedAt) < newAccountWindow {
		flags = append(flags, Flag{
			Type:        "behavior_new_account",
			Severity:    SeverityMedium,
			Description: "account is less than a day old",
		})
	}

	if hist.SuspiciousCount > suspiciousCountMax {
		flags = append(flags, Flag{
			Type:        "behavior_prior_flags",
			Severity:    SeverityHigh,
			Description: fmt.Sprintf("%d prior suspicious events", hist.SuspiciousCount),
		})
	}

	return flags
}

// unusualHour reports whether the hour of day falls outside the user's own
// activity pattern, derived from recent transaction timestamps with one hour
// of slack either side. Thin history falls back to the fixed overnight
// window.
func unusualHour(hour int, recent []RecentTransaction) bool {
	if len(recent) < minHourSamples {
		return hour >= quietHourStart && hour < quietHourEnd
	}
	seen := make(map[int]bool, 24)
	for _, tx := range recent {
		h := tx.CreatedAt.UTC().Hour()
		seen[h] = true
		seen[(h+1)%24] = true
		seen[(h+23)%24] = true
	}
	return !seen[hour]
}

// scoreOf sums severities and normalizes into 0..1.
func scoreOf(flags []Flag) float64 {
	var sum float64
	for _, f := range flags {
		sum += float64(f.Severity)
	}
	score := sum / 10
	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
}

func levelOf(score float64) Level {
	switch {
	case score >= 0.9:
		return LevelCritical
	case score >= 0.8:
		return LevelHigh
	case score >= 0.6:
		return LevelMedium
	default:
		return LevelLow
	}
}

// recommend maps the banded level and flag composition to a gate decision.
// Any single critical flag declines outright, no matter the total score.
func recommend(level Level, flags []Flag) Recommendation {
	mediums := 0
	for _, f := range flags {
		if f.Severity == SeverityCritical {
			return RecommendDecline
		}
		if f.Severity == SeverityMedium {
			mediums++
		}
	}
	if level == LevelCritical {
		return RecommendDecline
	}
	if level == LevelHigh || mediums >= 3 {
		return RecommendReview
	}
	return RecommendApprove
}

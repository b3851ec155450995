package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"refledger/services/ledger"
)

// Ledger is the part of *ledger.Service the HTTP layer calls.
type Ledger interface {
	GenerateLink(ctx context.Context, userID, displayName string) (ledger.Link, error)
	RecordSignup(ctx context.Context, code, referredUserID string) (ledger.Signup, error)
	RecordDeposit(ctx context.Context, signupID uuid.UUID, amount decimal.Decimal, date time.Time) (ledger.Signup, error)
	RecordPayment(ctx context.Context, actor string, referralID uuid.UUID, amount decimal.Decimal, date time.Time, notes string) (ledger.Payment, error)
	GetSummary(ctx context.Context, userID string) (ledger.Summary, error)
	SignupByReferredUser(ctx context.Context, referredUserID string) (ledger.Signup, error)
	CommissionPreview(ctx context.Context, signupID uuid.UUID) (decimal.Decimal, error)

	SetActive(ctx context.Context, actor string, referralID uuid.UUID, active bool, reason string) (ledger.Referral, error)
	CompleteReferral(ctx context.Context, actor string, referralID uuid.UUID, reason string) (ledger.Referral, error)
	OverrideStatus(ctx context.Context, actor string, referralID uuid.UUID, status ledger.Status, reason string) (ledger.Referral, error)
	Recompute(ctx context.Context, actor string, referralID uuid.UUID) (ledger.Referral, error)
	Verify(ctx context.Context) ([]ledger.Violation, error)
	ListReferrals(ctx context.Context, filter ledger.ReferralFilter) ([]ledger.Referral, error)
	ListAudit(ctx context.Context, filter ledger.AuditFilter) ([]ledger.AuditEntry, error)

	Ping(ctx context.Context) error
}

var _ Ledger = (*ledger.Service)(nil)

// Config controls runtime behaviour for the HTTP layer.
type Config struct {
	AllowedOrigins []string
	RateLimit      int
	// Middleware wraps the whole router, typically telemetry.Middleware.
	Middleware func(http.Handler) http.Handler
	Gatherer   prometheus.Gatherer
}

// API wires the ledger service and bearer token checks into HTTP handlers.
type API struct {
	ledger Ledger
	auth   *Authenticator
	config Config
	log    zerolog.Logger
}

// New initialises the API layer with defaults applied to cfg.
func New(l Ledger, auth *Authenticator, cfg Config, logger zerolog.Logger) (*API, error) {
	if l == nil {
		return nil, errors.New("ledger is required")
	}
	if auth == nil {
		return nil, errors.New("authenticator is required")
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 100
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}

	return &API{
		ledger: l,
		auth:   auth,
		config: cfg,
		log:    logger.With().Str("component", "api").Logger(),
	}, nil
}

package ledger

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName           = "refledger/services/ledger"
	defaultSummaryRowCap = 5000
)

// Options configures a Service. Zero values fall back to defaults.
type Options struct {
	BaseURL       string
	Codes         *CodeGenerator
	Commission    CommissionPolicy
	Retry         RetryPolicy
	SummaryRowCap int
	Events        Publisher
	Metrics       *Metrics
	Logger        zerolog.Logger
	Now           func() time.Time
}

// Service is the transactional facade over the referral ledger. Every
// mutation runs as one unit of work that writes the fact, re-derives the
// owning referral's aggregates and appends an audit entry.
type Service struct {
	store   Store
	baseURL string
	codes   *CodeGenerator
	policy  CommissionPolicy
	retry   RetryPolicy
	rowCap  int
	events  Publisher
	metrics *Metrics
	log     zerolog.Logger
	now     func() time.Time
	tracer  trace.Tracer
}

// NewService wires a Service over store.
func NewService(store Store, opts Options) (*Service, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	u, err := url.Parse(opts.BaseURL)
	if err != nil || !u.IsAbs() {
		return nil, fmt.Errorf("base url must be absolute, got %q", opts.BaseURL)
	}
	if opts.Codes == nil {
		opts.Codes = NewCodeGenerator(defaultCodeTrials, defaultSuffixLen)
	}
	if opts.Commission.Rate.IsZero() {
		opts.Commission = DefaultCommissionPolicy()
	}
	if opts.Commission.Places <= 0 {
		opts.Commission.Places = 2
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.SummaryRowCap <= 0 {
		opts.SummaryRowCap = defaultSummaryRowCap
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Service{
		store:   store,
		baseURL: opts.BaseURL,
		codes:   opts.Codes,
		policy:  opts.Commission,
		retry:   opts.Retry,
		rowCap:  opts.SummaryRowCap,
		events:  opts.Events,
		metrics: opts.Metrics,
		log:     opts.Logger.With().Str("component", "ledger").Logger(),
		now:     func() time.Time { return opts.Now().UTC() },
		tracer:  otel.Tracer(tracerName),
	}, nil
}

// run executes one operation with tracing, metrics and retries on
// ErrStorageUnavailable. fn must be safe to re-run from scratch.
func (s *Service) run(ctx context.Context, op string, fn func(context.Context) error, attrs ...attribute.KeyValue) (err error) {
	ctx, span := s.tracer.Start(ctx, "ledger."+op, trace.WithAttributes(attrs...))
	start := time.Now()
	defer func() {
		s.metrics.observe(op, err, time.Since(start))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, Kind(err))
		}
		span.End()
	}()

	return s.retry.do(ctx, fn, func() {
		s.metrics.retried(op)
		s.log.Warn().Str("op", op).Msg("retrying after transient storage failure")
	})
}

// GenerateLink returns the user's referral link, creating the referral on
// first use. displayName seeds the human-readable code prefix.
func (s *Service) GenerateLink(ctx context.Context, userID, displayName string) (Link, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Link{}, invalidArgument("user id is required")
	}

	var (
		ref     Referral
		created bool
	)
	err := s.run(ctx, "generate_link", func(ctx context.Context) error {
		for attempt := 1; ; attempt++ {
			created = false
			err := s.store.Update(ctx, func(tx Tx) error {
				existing, err := tx.ReferralByUser(ctx, userID)
				if err == nil {
					ref = existing
					return nil
				}
				if !errors.Is(err, ErrNotFound) {
					return err
				}

				code, err := s.codes.Generate(ctx, displayName, tx.CodeExists)
				if err != nil {
					return err
				}
				now := s.now()
				ref, err = CreateReferral(ctx, tx, userID, code, now)
				if err != nil {
					return err
				}
				created = true
				return tx.InsertAudit(ctx, newAuditEntry(ActorLinkService, ActionReferralCreated, Referral{}, ref, map[string]any{
					"user_id":       userID,
					"referral_code": code,
				}, now))
			})

			switch {
			case errors.Is(err, ErrAlreadyExists):
				// a concurrent call created it first
				created = false
				return s.store.View(ctx, func(tx ReadTx) error {
					existing, err := tx.ReferralByUser(ctx, userID)
					ref = existing
					return err
				})
			case errors.Is(err, ErrCodeTaken):
				if attempt >= s.codes.MaxAttempts {
					return ErrCodeGenerationExhausted
				}
				continue
			default:
				return err
			}
		}
	}, attribute.String("user_id", userID))
	if err != nil {
		return Link{}, err
	}

	if created {
		s.log.Info().Str("user_id", userID).Str("referral_code", ref.Code).Msg("referral created")
		s.publishJSON(ctx, SubjectReferralLinked, referralEvent{
			ReferralID: ref.ID,
			UserID:     ref.UserID,
			Code:       ref.Code,
			Status:     ref.Status,
			At:         ref.CreatedAt,
		})
	}

	return Link{ReferralID: ref.ID, Code: ref.Code, URL: ref.Link(s.baseURL)}, nil
}

// RecordSignup attributes referredUserID to the active referral owning code.
func (s *Service) RecordSignup(ctx context.Context, code, referredUserID string) (Signup, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	referredUserID = strings.TrimSpace(referredUserID)
	if code == "" {
		return Signup{}, ErrUnknownCode
	}
	if referredUserID == "" {
		return Signup{}, invalidArgument("referred user id is required")
	}

	var (
		signup Signup
		ref    Referral
		from   Status
	)
	err := s.run(ctx, "record_signup", func(ctx context.Context) error {
		return s.store.Update(ctx, func(tx Tx) error {
			owner, err := tx.ReferralByCode(ctx, code)
			if errors.Is(err, ErrNotFound) {
				return ErrUnknownCode
			}
			if err != nil {
				return err
			}

			before, err := tx.LockReferral(ctx, owner.ID)
			if err != nil {
				return err
			}
			if !before.IsActive {
				return ErrInactiveReferral
			}
			if before.UserID == referredUserID {
				return invalidArgument("user %s cannot refer themselves", referredUserID)
			}

			now := s.now()
			signup, err = CreateSignup(ctx, tx, before, referredUserID, now)
			if err != nil {
				return err
			}
			ref, err = Recompute(ctx, tx, before, now)
			if err != nil {
				return err
			}
			from = before.Status
			return tx.InsertAudit(ctx, newAuditEntry(ActorSignupFlow, ActionSignupRecorded, before, ref, map[string]any{
				"signup_id":        signup.ID.String(),
				"referred_user_id": referredUserID,
			}, now))
		})
	}, attribute.String("referral_code", code))
	if err != nil {
		return Signup{}, err
	}

	s.log.Info().
		Str("referral_id", ref.ID.String()).
		Str("signup_id", signup.ID.String()).
		Int64("total_referrals", ref.TotalReferrals).
		Msg("signup recorded")
	s.publishJSON(ctx, SubjectSignupRecorded, signupEvent{
		SignupID:       signup.ID,
		ReferralID:     ref.ID,
		ReferredUserID: signup.ReferredUserID,
		At:             signup.SignupDate,
	})
	s.publishStatus(ctx, ref, from, ActorSignupFlow)
	return signup, nil
}

// RecordDeposit records the first deposit of a referred user. A signup's
// deposit is written once; later calls fail with ErrAlreadySet.
func (s *Service) RecordDeposit(ctx context.Context, signupID uuid.UUID, amount decimal.Decimal, date time.Time) (Signup, error) {
	if signupID == uuid.Nil {
		return Signup{}, invalidArgument("signup id is required")
	}
	if date.IsZero() {
		return Signup{}, invalidArgument("deposit date is required")
	}

	var (
		signup Signup
		ref    Referral
		from   Status
	)
	err := s.run(ctx, "record_deposit", func(ctx context.Context) error {
		return s.store.Update(ctx, func(tx Tx) error {
			current, err := tx.Signup(ctx, signupID)
			if err != nil {
				return err
			}
			before, err := tx.LockReferral(ctx, current.ReferralID)
			if err != nil {
				return err
			}

			var after Referral
			signup, after, err = RecordDeposit(ctx, tx, before, current, amount, date)
			if err != nil {
				return err
			}
			if after.Status, err = Transition(before.Status, EventDepositRecorded); err != nil {
				return err
			}

			now := s.now()
			ref, err = Recompute(ctx, tx, after, now)
			if err != nil {
				return err
			}
			from = before.Status
			return tx.InsertAudit(ctx, newAuditEntry(ActorDepositFeed, ActionDepositRecorded, before, ref, map[string]any{
				"signup_id":    signup.ID.String(),
				"amount":       signup.DepositAmount.Decimal.StringFixed(2),
				"deposit_date": signup.DepositDate.Format(DateLayout),
			}, now))
		})
	}, attribute.String("signup_id", signupID.String()))
	if err != nil {
		return Signup{}, err
	}

	commission := s.policy.Commission(signup.DepositAmount.Decimal)
	s.log.Info().
		Str("referral_id", ref.ID.String()).
		Str("signup_id", signup.ID.String()).
		Str("amount", signup.DepositAmount.Decimal.StringFixed(2)).
		Str("commission", commission.StringFixed(2)).
		Msg("deposit recorded")
	s.publishJSON(ctx, SubjectDepositRecorded, depositEvent{
		SignupID:   signup.ID,
		ReferralID: ref.ID,
		Amount:     signup.DepositAmount.Decimal.StringFixed(2),
		Commission: commission.StringFixed(2),
		Date:       signup.DepositDate.Format(DateLayout),
	})
	s.publishStatus(ctx, ref, from, ActorDepositFeed)
	return signup, nil
}

// RecordPayment appends a commission payment made by actor to the referral.
func (s *Service) RecordPayment(ctx context.Context, actor string, referralID uuid.UUID, amount decimal.Decimal, date time.Time, notes string) (Payment, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return Payment{}, invalidArgument("actor is required")
	}
	if referralID == uuid.Nil {
		return Payment{}, invalidArgument("referral id is required")
	}
	if date.IsZero() {
		return Payment{}, invalidArgument("payment date is required")
	}

	var (
		payment Payment
		ref     Referral
		from    Status
	)
	err := s.run(ctx, "record_payment", func(ctx context.Context) error {
		return s.store.Update(ctx, func(tx Tx) error {
			before, err := tx.LockReferral(ctx, referralID)
			if err != nil {
				return err
			}

			now := s.now()
			payment, err = RecordPayment(ctx, tx, before, amount, date, notes, actor, now)
			if err != nil {
				return err
			}

			after := before
			if after.Status, err = Transition(before.Status, EventPaymentRecorded); err != nil {
				return err
			}
			ref, err = Recompute(ctx, tx, after, now)
			if err != nil {
				return err
			}
			from = before.Status
			return tx.InsertAudit(ctx, newAuditEntry(actor, ActionPaymentRecorded, before, ref, map[string]any{
				"payment_id":   payment.ID.String(),
				"amount":       payment.Amount.StringFixed(2),
				"payment_date": payment.PaymentDate.Format(DateLayout),
				"notes":        notes,
			}, now))
		})
	}, attribute.String("referral_id", referralID.String()))
	if err != nil {
		return Payment{}, err
	}

	s.log.Info().
		Str("referral_id", ref.ID.String()).
		Str("payment_id", payment.ID.String()).
		Str("amount", payment.Amount.StringFixed(2)).
		Str("actor", actor).
		Msg("payment recorded")
	s.publishJSON(ctx, SubjectPaymentRecorded, paymentEvent{
		PaymentID:  payment.ID,
		ReferralID: ref.ID,
		Amount:     payment.Amount.StringFixed(2),
		Date:       payment.PaymentDate.Format(DateLayout),
		RecordedBy: actor,
	})
	s.publishStatus(ctx, ref, from, actor)
	return payment, nil
}

// GetSummary returns the user's referral with its signups and payments from
// one consistent snapshot. A year-to-date figure left over from an earlier
// year is re-derived for the current year in the returned copy.
func (s *Service) GetSummary(ctx context.Context, userID string) (Summary, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Summary{}, invalidArgument("user id is required")
	}

	var sum Summary
	err := s.run(ctx, "get_summary", func(ctx context.Context) error {
		sum = Summary{}
		return s.store.View(ctx, func(tx ReadTx) error {
			ref, err := tx.ReferralByUser(ctx, userID)
			if err != nil {
				return err
			}

			signups, err := tx.Signups(ctx, ref.ID, s.rowCap+1)
			if err != nil {
				return err
			}
			payments, err := tx.Payments(ctx, ref.ID, s.rowCap+1)
			if err != nil {
				return err
			}
			if len(signups) > s.rowCap {
				signups = signups[:s.rowCap]
				sum.Truncated = true
			}
			if len(payments) > s.rowCap {
				payments = payments[:s.rowCap]
				sum.Truncated = true
			}

			if year := s.now().Year(); ref.YTDYear != year {
				agg, err := tx.Aggregate(ctx, ref.ID, year)
				if err != nil {
					return err
				}
				ref.YearToDateEarnings = agg.YearToDateEarnings
				ref.YTDYear = year
			}

			sum.Referral = ref
			sum.Link = ref.Link(s.baseURL)
			sum.Signups = signups
			sum.Payments = payments
			return nil
		})
	}, attribute.String("user_id", userID))
	if err != nil {
		return Summary{}, err
	}
	if sum.Truncated {
		s.log.Warn().Str("user_id", userID).Int("row_cap", s.rowCap).Msg("summary truncated")
	}
	return sum, nil
}

// SignupByReferredUser finds the signup attributing referredUserID.
func (s *Service) SignupByReferredUser(ctx context.Context, referredUserID string) (Signup, error) {
	var signup Signup
	err := s.run(ctx, "signup_lookup", func(ctx context.Context) error {
		return s.store.View(ctx, func(tx ReadTx) error {
			var err error
			signup, err = tx.SignupByReferredUser(ctx, referredUserID)
			return err
		})
	})
	return signup, err
}

// CommissionPreview returns the advisory commission for a signup's deposit.
func (s *Service) CommissionPreview(ctx context.Context, signupID uuid.UUID) (decimal.Decimal, error) {
	var signup Signup
	err := s.run(ctx, "commission_preview", func(ctx context.Context) error {
		return s.store.View(ctx, func(tx ReadTx) error {
			var err error
			signup, err = tx.Signup(ctx, signupID)
			return err
		})
	})
	if err != nil {
		return decimal.Zero, err
	}
	if !signup.HasDeposit() {
		return decimal.Zero, invalidArgument("signup %s has no deposit", signupID)
	}
	return s.policy.Commission(signup.DepositAmount.Decimal), nil
}

// Ping checks that the backing store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

package ledger

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
	scanPageSize     = 500
)

// SetActive enables or disables new signups for a referral. Setting the
// current value again is a no-op and writes no audit entry.
func (s *Service) SetActive(ctx context.Context, actor string, referralID uuid.UUID, active bool, reason string) (Referral, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return Referral{}, invalidArgument("actor is required")
	}

	var ref Referral
	err := s.run(ctx, "set_active", func(ctx context.Context) error {
		return s.store.Update(ctx, func(tx Tx) error {
			before, err := tx.LockReferral(ctx, referralID)
			if err != nil {
				return err
			}
			ref = before
			if before.IsActive == active {
				return nil
			}

			now := s.now()
			ref.IsActive = active
			ref.UpdatedAt = now
			if err := tx.UpdateReferral(ctx, ref); err != nil {
				return err
			}
			action := ActionReferralSuspended
			if active {
				action = ActionReferralReactivated
			}
			return tx.InsertAudit(ctx, newAuditEntry(actor, action, before, ref, map[string]any{"reason": reason}, now))
		})
	}, attribute.String("referral_id", referralID.String()))
	if err != nil {
		return Referral{}, err
	}

	s.log.Info().Str("referral_id", referralID.String()).Bool("is_active", ref.IsActive).Str("actor", actor).Msg("referral activity set")
	return ref, nil
}

// CompleteReferral moves an earning referral to completed.
func (s *Service) CompleteReferral(ctx context.Context, actor string, referralID uuid.UUID, reason string) (Referral, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return Referral{}, invalidArgument("actor is required")
	}

	var (
		ref  Referral
		from Status
	)
	err := s.run(ctx, "complete_referral", func(ctx context.Context) error {
		return s.store.Update(ctx, func(tx Tx) error {
			before, err := tx.LockReferral(ctx, referralID)
			if err != nil {
				return err
			}
			ref = before
			if ref.Status, err = Transition(before.Status, EventCompleted); err != nil {
				return err
			}

			now := s.now()
			ref.UpdatedAt = now
			if err := tx.UpdateReferral(ctx, ref); err != nil {
				return err
			}
			from = before.Status
			return tx.InsertAudit(ctx, newAuditEntry(actor, ActionReferralCompleted, before, ref, map[string]any{"reason": reason}, now))
		})
	}, attribute.String("referral_id", referralID.String()))
	if err != nil {
		return Referral{}, err
	}

	s.publishStatus(ctx, ref, from, actor)
	return ref, nil
}

// OverrideStatus sets any status, bypassing the lifecycle rules. A reason is
// mandatory and recorded in the audit log.
func (s *Service) OverrideStatus(ctx context.Context, actor string, referralID uuid.UUID, status Status, reason string) (Referral, error) {
	actor = strings.TrimSpace(actor)
	reason = strings.TrimSpace(reason)
	if actor == "" {
		return Referral{}, invalidArgument("actor is required")
	}
	if reason == "" {
		return Referral{}, invalidArgument("reason is required for a status override")
	}
	if !status.Valid() {
		return Referral{}, invalidArgument("unknown status %q", status)
	}

	var (
		ref  Referral
		from Status
	)
	err := s.run(ctx, "override_status", func(ctx context.Context) error {
		return s.store.Update(ctx, func(tx Tx) error {
			before, err := tx.LockReferral(ctx, referralID)
			if err != nil {
				return err
			}
			ref = before
			from = before.Status
			if before.Status == status {
				return nil
			}

			now := s.now()
			ref.Status = status
			ref.UpdatedAt = now
			if err := tx.UpdateReferral(ctx, ref); err != nil {
				return err
			}
			return tx.InsertAudit(ctx, newAuditEntry(actor, ActionStatusOverridden, before, ref, map[string]any{"reason": reason}, now))
		})
	}, attribute.String("referral_id", referralID.String()))
	if err != nil {
		return Referral{}, err
	}

	if from != ref.Status {
		s.log.Warn().
			Str("referral_id", referralID.String()).
			Str("from", string(from)).
			Str("to", string(ref.Status)).
			Str("actor", actor).
			Str("reason", reason).
			Msg("referral status overridden")
	}
	s.publishStatus(ctx, ref, from, actor)
	return ref, nil
}

// Recompute re-derives one referral's aggregates from its source rows. An
// audit entry is written only when a stored value changed.
func (s *Service) Recompute(ctx context.Context, actor string, referralID uuid.UUID) (Referral, error) {
	ref, _, err := s.recompute(ctx, actor, referralID)
	return ref, err
}

func (s *Service) recompute(ctx context.Context, actor string, referralID uuid.UUID) (Referral, bool, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return Referral{}, false, invalidArgument("actor is required")
	}

	var (
		ref     Referral
		changed bool
	)
	err := s.run(ctx, "recompute", func(ctx context.Context) error {
		changed = false
		return s.store.Update(ctx, func(tx Tx) error {
			before, err := tx.LockReferral(ctx, referralID)
			if err != nil {
				return err
			}
			now := s.now()
			agg, err := tx.Aggregate(ctx, referralID, now.Year())
			if err != nil {
				return err
			}
			if len(Compare(before, agg)) == 0 {
				ref = before
				return nil
			}
			ref, err = Recompute(ctx, tx, before, now)
			if err != nil {
				return err
			}
			changed = true
			return tx.InsertAudit(ctx, newAuditEntry(actor, ActionAggregatesRecomputed, before, ref, nil, now))
		})
	}, attribute.String("referral_id", referralID.String()))
	if err != nil {
		return Referral{}, false, err
	}
	return ref, changed, nil
}

// RecomputeAll runs Recompute over every referral and returns how many changed.
func (s *Service) RecomputeAll(ctx context.Context, actor string) (int, error) {
	changed := 0
	err := s.eachReferral(ctx, func(id uuid.UUID) error {
		_, ok, err := s.recompute(ctx, actor, id)
		if err != nil {
			return err
		}
		if ok {
			changed++
		}
		return nil
	})
	if err != nil {
		return changed, err
	}
	s.log.Info().Int("changed", changed).Msg("aggregates recomputed")
	return changed, nil
}

// Verify compares every referral's stored aggregates with the values derived
// from its source rows. It reads each referral in its own snapshot.
func (s *Service) Verify(ctx context.Context) ([]Violation, error) {
	var violations []Violation
	year := s.now().Year()
	err := s.eachReferral(ctx, func(id uuid.UUID) error {
		return s.store.View(ctx, func(tx ReadTx) error {
			ref, err := tx.ReferralByID(ctx, id)
			if err != nil {
				return err
			}
			agg, err := tx.Aggregate(ctx, id, year)
			if err != nil {
				return err
			}
			violations = append(violations, Compare(ref, agg)...)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.metrics.setViolations(len(violations))
	if len(violations) > 0 {
		s.log.Error().Int("violations", len(violations)).Msg("ledger aggregates disagree with source rows")
	}
	return violations, nil
}

func (s *Service) eachReferral(ctx context.Context, fn func(uuid.UUID) error) error {
	after := uuid.Nil
	for {
		var page []uuid.UUID
		err := s.run(ctx, "scan_referrals", func(ctx context.Context) error {
			return s.store.View(ctx, func(tx ReadTx) error {
				var err error
				page, err = tx.ReferralIDs(ctx, after, scanPageSize)
				return err
			})
		})
		if err != nil {
			return err
		}
		for _, id := range page {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(id); err != nil {
				return err
			}
		}
		if len(page) < scanPageSize {
			return nil
		}
		after = page[len(page)-1]
	}
}

// ListReferrals pages through referrals for administrative views.
func (s *Service) ListReferrals(ctx context.Context, filter ReferralFilter) ([]Referral, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, invalidArgument("unknown status %q", filter.Status)
	}
	filter.Limit = clampLimit(filter.Limit)
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var out []Referral
	err := s.run(ctx, "list_referrals", func(ctx context.Context) error {
		var err error
		out, err = s.store.ListReferrals(ctx, filter)
		return err
	})
	return out, err
}

// ListAudit returns audit entries newest first.
func (s *Service) ListAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error) {
	filter.Limit = clampLimit(filter.Limit)
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var out []AuditEntry
	err := s.run(ctx, "list_audit", func(ctx context.Context) error {
		return s.store.View(ctx, func(tx ReadTx) error {
			var err error
			out, err = tx.AuditEntries(ctx, filter)
			return err
		})
	})
	return out, err
}

// Snapshot copies every ledger table from one consistent read.
func (s *Service) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := s.run(ctx, "snapshot", func(ctx context.Context) error {
		snap = Snapshot{TakenAt: s.now()}
		return s.store.View(ctx, func(tx ReadTx) error {
			after := uuid.Nil
			for {
				ids, err := tx.ReferralIDs(ctx, after, scanPageSize)
				if err != nil {
					return err
				}
				for _, id := range ids {
					ref, err := tx.ReferralByID(ctx, id)
					if err != nil {
						return err
					}
					signups, err := tx.Signups(ctx, id, 0)
					if err != nil {
						return err
					}
					payments, err := tx.Payments(ctx, id, 0)
					if err != nil {
						return err
					}
					snap.Referrals = append(snap.Referrals, ref)
					snap.Signups = append(snap.Signups, signups...)
					snap.Payments = append(snap.Payments, payments...)
				}
				if len(ids) < scanPageSize {
					break
				}
				after = ids[len(ids)-1]
			}

			for offset := 0; ; offset += maxListLimit {
				entries, err := tx.AuditEntries(ctx, AuditFilter{Limit: maxListLimit, Offset: offset})
				if err != nil {
					return err
				}
				snap.Audit = append(snap.Audit, entries...)
				if len(entries) < maxListLimit {
					return nil
				}
			}
		})
	})
	return snap, err
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultListLimit
	case limit > maxListLimit:
		return maxListLimit
	default:
		return limit
	}
}

package migrations

import (
	"context"
	"database/sql"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(upLedgerGuards, downLedgerGuards)
}

var ledgerGuardsUp = []string{
	`ALTER TABLE referrals ADD CONSTRAINT chk_referrals_status
		CHECK (status IN ('pending', 'deposited', 'earning', 'completed'))`,
	`ALTER TABLE referrals ADD CONSTRAINT chk_referrals_total_referrals
		CHECK (total_referrals >= 0)`,
	`ALTER TABLE referral_signups ADD CONSTRAINT chk_referral_signups_deposit
		CHECK ((deposit_amount IS NULL) = (deposit_date IS NULL) AND (deposit_amount IS NULL OR deposit_amount > 0))`,
	`CREATE OR REPLACE FUNCTION ledger_append_only() RETURNS trigger AS $$
	BEGIN
		RAISE EXCEPTION '% is append-only', TG_TABLE_NAME;
	END;
	$$ LANGUAGE plpgsql`,
	`CREATE TRIGGER trg_referral_payments_append_only
		BEFORE UPDATE OR DELETE ON referral_payments
		FOR EACH ROW EXECUTE FUNCTION ledger_append_only()`,
	`CREATE TRIGGER trg_audit_append_only
		BEFORE UPDATE OR DELETE ON audit
		FOR EACH ROW EXECUTE FUNCTION ledger_append_only()`,
	`CREATE OR REPLACE FUNCTION ledger_deposit_write_once() RETURNS trigger AS $$
	BEGIN
		IF OLD.deposit_amount IS NOT NULL AND
			(NEW.deposit_amount IS DISTINCT FROM OLD.deposit_amount OR NEW.deposit_date IS DISTINCT FROM OLD.deposit_date) THEN
			RAISE EXCEPTION 'deposit already recorded for signup %', OLD.id;
		END IF;
		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql`,
	`CREATE TRIGGER trg_referral_signups_deposit_once
		BEFORE UPDATE ON referral_signups
		FOR EACH ROW EXECUTE FUNCTION ledger_deposit_write_once()`,
}

var ledgerGuardsDown = []string{
	`DROP TRIGGER IF EXISTS trg_referral_signups_deposit_once ON referral_signups`,
	`DROP FUNCTION IF EXISTS ledger_deposit_write_once()`,
	`DROP TRIGGER IF EXISTS trg_audit_append_only ON audit`,
	`DROP TRIGGER IF EXISTS trg_referral_payments_append_only ON referral_payments`,
	`DROP FUNCTION IF EXISTS ledger_append_only()`,
	`ALTER TABLE referral_signups DROP CONSTRAINT IF EXISTS chk_referral_signups_deposit`,
	`ALTER TABLE referrals DROP CONSTRAINT IF EXISTS chk_referrals_total_referrals`,
	`ALTER TABLE referrals DROP CONSTRAINT IF EXISTS chk_referrals_status`,
}

func upLedgerGuards(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx, ledgerGuardsUp)
}

func downLedgerGuards(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx, ledgerGuardsDown)
}

func execAll(ctx context.Context, tx *sql.Tx, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

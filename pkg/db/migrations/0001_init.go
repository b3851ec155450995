package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

type Referral struct {
	ID                 uuid.UUID           `gorm:"type:uuid;primaryKey"`
	UserID             string              `gorm:"type:text;not null;uniqueIndex:idx_referrals_user_id"`
	ReferralCode       string              `gorm:"type:text;not null;uniqueIndex:idx_referrals_code"`
	Status             string              `gorm:"type:text;not null;default:'pending'"`
	IsActive           bool                `gorm:"not null;default:true"`
	TotalReferrals     int64               `gorm:"not null;default:0"`
	TotalEarnings      decimal.Decimal     `gorm:"type:numeric(20,2);not null;default:0"`
	YearToDateEarnings decimal.Decimal     `gorm:"type:numeric(20,2);not null;default:0"`
	YTDYear            int                 `gorm:"column:ytd_year;not null"`
	InitialDeposit     decimal.NullDecimal `gorm:"type:numeric(20,2)"`
	DepositDate        *time.Time          `gorm:"type:date"`
	CreatedAt          time.Time           `gorm:"type:timestamptz;not null;default:now()"`
	UpdatedAt          time.Time           `gorm:"type:timestamptz;not null;default:now()"`
}

type ReferralSignup struct {
	ID             uuid.UUID           `gorm:"type:uuid;primaryKey"`
	ReferralID     uuid.UUID           `gorm:"type:uuid;not null;index"`
	ReferredUserID string              `gorm:"type:text;not null;uniqueIndex:idx_referral_signups_referred_user"`
	SignupDate     time.Time           `gorm:"type:timestamptz;not null;default:now()"`
	DepositAmount  decimal.NullDecimal `gorm:"type:numeric(20,2)"`
	DepositDate    *time.Time          `gorm:"type:date"`
	Referral       Referral            `gorm:"foreignKey:ReferralID;references:ID;constraint:OnUpdate:RESTRICT,OnDelete:RESTRICT"`
}

type ReferralPayment struct {
	ID          uuid.UUID       `gorm:"type:uuid;primaryKey"`
	ReferralID  uuid.UUID       `gorm:"type:uuid;not null;index:idx_referral_payments_referral_date,priority:1"`
	Amount      decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	PaymentDate time.Time       `gorm:"type:date;not null;index:idx_referral_payments_referral_date,priority:2"`
	Notes       string          `gorm:"type:text;not null"`
	RecordedBy  string          `gorm:"type:text;not null"`
	CreatedAt   time.Time       `gorm:"type:timestamptz;not null;default:now()"`
	Referral    Referral        `gorm:"foreignKey:ReferralID;references:ID;constraint:OnUpdate:RESTRICT,OnDelete:RESTRICT"`
}

type Audit struct {
	ID      int64             `gorm:"type:bigserial;primaryKey"`
	Actor   string            `gorm:"type:text;not null"`
	Action  string            `gorm:"type:text;not null"`
	Obj     string            `gorm:"type:text;index"`
	Details datatypes.JSONMap `gorm:"type:jsonb"`
	At      time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (Audit) TableName() string { return "audit" }

func openGorm(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).AutoMigrate(
		&Referral{},
		&ReferralSignup{},
		&ReferralPayment{},
		&Audit{},
	); err != nil {
		return err
	}

	// CREATE TABLE already carries the belongs-to foreign keys; only add
	// them to tables that predate the relation.
	m := gormDB.WithContext(ctx).Migrator()
	for _, model := range []any{&ReferralSignup{}, &ReferralPayment{}} {
		if m.HasConstraint(model, "Referral") {
			continue
		}
		if err := m.CreateConstraint(model, "Referral"); err != nil {
			return err
		}
	}

	return nil
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(
		&Audit{},
		&ReferralPayment{},
		&ReferralSignup{},
		&Referral{},
	)
}

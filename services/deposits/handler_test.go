package deposits

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"refledger/pkg/bus"
	"refledger/services/ledger"
)

type fakeLedger struct {
	signups   map[string]ledger.Signup
	depositFn func(uuid.UUID) error
	recorded  []uuid.UUID
	dates     []time.Time
}

func (f *fakeLedger) SignupByReferredUser(_ context.Context, referredUserID string) (ledger.Signup, error) {
	s, ok := f.signups[referredUserID]
	if !ok {
		return ledger.Signup{}, ledger.ErrNotFound
	}
	return s, nil
}

func (f *fakeLedger) RecordDeposit(_ context.Context, signupID uuid.UUID, amount decimal.Decimal, date time.Time) (ledger.Signup, error) {
	if f.depositFn != nil {
		if err := f.depositFn(signupID); err != nil {
			return ledger.Signup{}, err
		}
	}
	f.recorded = append(f.recorded, signupID)
	f.dates = append(f.dates, date)
	return ledger.Signup{ID: signupID, DepositAmount: decimal.NewNullDecimal(amount)}, nil
}

func TestHandle(t *testing.T) {
	known := uuid.New()

	tests := []struct {
		name      string
		body      string
		depositFn func(uuid.UUID) error
		want      Outcome
		recorded  bool
	}{
		{
			name:     "by referred user",
			body:     `{"event_id":"e1","referred_user_id":"u2","amount":"1000.00","deposited_at":"2024-03-01T10:15:00Z"}`,
			want:     Ack,
			recorded: true,
		},
		{
			name:     "by signup id",
			body:     fmt.Sprintf(`{"signup_id":%q,"amount":250,"deposited_at":"2024-03-01"}`, uuid.New()),
			want:     Ack,
			recorded: true,
		},
		{name: "not json", body: `{`, want: Reject},
		{name: "no subject", body: `{"amount":"5","deposited_at":"2024-03-01"}`, want: Reject},
		{name: "zero amount", body: `{"referred_user_id":"u2","amount":"0","deposited_at":"2024-03-01"}`, want: Reject},
		{name: "bad date", body: `{"referred_user_id":"u2","amount":"5","deposited_at":"yesterday"}`, want: Reject},
		{name: "user never referred", body: `{"referred_user_id":"stranger","amount":"5","deposited_at":"2024-03-01"}`, want: Ack},
		{
			name:      "already recorded",
			body:      `{"referred_user_id":"u2","amount":"5","deposited_at":"2024-03-01"}`,
			depositFn: func(uuid.UUID) error { return ledger.ErrAlreadySet },
			want:      Ack,
		},
		{
			name:      "storage down",
			body:      `{"referred_user_id":"u2","amount":"5","deposited_at":"2024-03-01"}`,
			depositFn: func(uuid.UUID) error { return fmt.Errorf("%w: timeout", ledger.ErrStorageUnavailable) },
			want:      Requeue,
		},
		{
			name:      "unexpected failure",
			body:      `{"referred_user_id":"u2","amount":"5","deposited_at":"2024-03-01"}`,
			depositFn: func(uuid.UUID) error { return errors.New("boom") },
			want:      Requeue,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeLedger{
				signups:   map[string]ledger.Signup{"u2": {ID: known, ReferredUserID: "u2"}},
				depositFn: tt.depositFn,
			}
			h := NewHandler(fake, zerolog.Nop())
			if got := h.Handle(context.Background(), []byte(tt.body)); got != tt.want {
				t.Fatalf("Handle() = %s, want %s", got, tt.want)
			}
			if tt.recorded != (len(fake.recorded) == 1) {
				t.Fatalf("recorded deposits = %d", len(fake.recorded))
			}
		})
	}
}

func TestHandleTruncatesTimestampToDate(t *testing.T) {
	fake := &fakeLedger{signups: map[string]ledger.Signup{"u2": {ID: uuid.New()}}}
	h := NewHandler(fake, zerolog.Nop())
	h.Handle(context.Background(), []byte(`{"referred_user_id":"u2","amount":"5","deposited_at":"2024-03-01T23:30:00-02:00"}`))
	if len(fake.dates) != 1 {
		t.Fatalf("recorded %d deposits, want 1", len(fake.dates))
	}
	if want := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC); !fake.dates[0].Equal(want) {
		t.Fatalf("date = %s, want %s", fake.dates[0], want)
	}
}

type fakeAck struct {
	acked   bool
	requeue *bool
}

func (f *fakeAck) Ack(bool) error {
	f.acked = true
	return nil
}

func (f *fakeAck) Nack(_ bool, requeue bool) error {
	f.requeue = &requeue
	return nil
}

func TestSettle(t *testing.T) {
	ack := &fakeAck{}
	_ = settle(ack, Ack)
	if !ack.acked || ack.requeue != nil {
		t.Fatalf("Ack settled as %+v", ack)
	}

	requeue := &fakeAck{}
	_ = settle(requeue, Requeue)
	if requeue.acked || requeue.requeue == nil || !*requeue.requeue {
		t.Fatalf("Requeue settled as %+v", requeue)
	}

	reject := &fakeAck{}
	_ = settle(reject, Reject)
	if reject.acked || reject.requeue == nil || *reject.requeue {
		t.Fatalf("Reject settled as %+v", reject)
	}
}

func TestNATSHandler(t *testing.T) {
	fake := &fakeLedger{signups: map[string]ledger.Signup{"u2": {ID: uuid.New()}}}
	fn := natsHandler(NewHandler(fake, zerolog.Nop()))

	if err := fn(context.Background(), []byte(`{"referred_user_id":"u2","amount":"5","deposited_at":"2024-03-01"}`)); err != nil {
		t.Fatalf("valid notification error = %v", err)
	}
	if err := fn(context.Background(), []byte(`not json`)); !errors.Is(err, bus.ErrPermanent) {
		t.Fatalf("malformed notification error = %v, want ErrPermanent", err)
	}

	fake.depositFn = func(uuid.UUID) error { return ledger.ErrStorageUnavailable }
	err := fn(context.Background(), []byte(`{"referred_user_id":"u2","amount":"5","deposited_at":"2024-03-01"}`))
	if err == nil || errors.Is(err, bus.ErrPermanent) {
		t.Fatalf("transient failure error = %v, want retryable error", err)
	}
}

func TestNewConsumerValidation(t *testing.T) {
	h := NewHandler(&fakeLedger{}, zerolog.Nop())
	if _, err := NewConsumer(ConsumerConfig{Queue: "q"}, h, zerolog.Nop()); err == nil {
		t.Fatalf("NewConsumer() without url expected error")
	}
	c, err := NewConsumer(ConsumerConfig{URL: "amqp://localhost", Queue: "q"}, h, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewConsumer() error = %v", err)
	}
	if c.cfg.Workers != 1 || c.cfg.Prefetch != 1 {
		t.Fatalf("defaults = %+v", c.cfg)
	}
}

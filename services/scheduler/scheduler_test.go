package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"refledger/services/ledger"
)

type fakeJobs struct {
	actor      string
	recomputes int
	violations []ledger.Violation
	err        error
}

func (f *fakeJobs) RecomputeAll(_ context.Context, actor string) (int, error) {
	f.actor = actor
	f.recomputes++
	return 3, f.err
}

func (f *fakeJobs) Verify(context.Context) ([]ledger.Violation, error) {
	return f.violations, f.err
}

func TestNewRegistersJobs(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		wantJobs int
	}{
		{name: "rollover only", cfg: Config{}, wantJobs: 1},
		{name: "with verify", cfg: Config{VerifyInterval: time.Hour}, wantJobs: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(context.Background(), &fakeJobs{}, tt.cfg, zerolog.Nop())
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			defer s.Shutdown()
			if got := len(s.sched.Jobs()); got != tt.wantJobs {
				t.Fatalf("jobs = %d, want %d", got, tt.wantJobs)
			}
		})
	}

	if _, err := New(context.Background(), &fakeJobs{}, Config{RolloverCron: "not a cron"}, zerolog.Nop()); err == nil {
		t.Fatalf("New() with invalid cron expected error")
	}
	if _, err := New(context.Background(), nil, Config{}, zerolog.Nop()); err == nil {
		t.Fatalf("New() without jobs expected error")
	}
}

func TestRolloverUsesSchedulerActor(t *testing.T) {
	jobs := &fakeJobs{}
	s, err := New(context.Background(), jobs, Config{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer s.Shutdown()

	if err := s.Rollover(context.Background()); err != nil {
		t.Fatalf("Rollover() error = %v", err)
	}
	if jobs.recomputes != 1 || jobs.actor != ledger.ActorScheduler {
		t.Fatalf("RecomputeAll calls = %d by %q", jobs.recomputes, jobs.actor)
	}

	jobs.err = errors.New("db down")
	if err := s.Rollover(context.Background()); err == nil {
		t.Fatalf("Rollover() expected error")
	}
}

func TestVerifyFailsOnViolations(t *testing.T) {
	jobs := &fakeJobs{}
	s, err := New(context.Background(), jobs, Config{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer s.Shutdown()

	if err := s.Verify(context.Background()); err != nil {
		t.Fatalf("Verify() clean error = %v", err)
	}
	jobs.violations = []ledger.Violation{{ReferralID: uuid.New(), Field: "total_earnings", Stored: "10", Derived: "12"}}
	if err := s.Verify(context.Background()); err == nil {
		t.Fatalf("Verify() with violations expected error")
	}
}

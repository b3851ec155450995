package bus

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestSettlement(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want action
	}{
		{name: "success", err: nil, want: ack},
		{name: "permanent", err: ErrPermanent, want: term},
		{name: "wrapped permanent", err: fmt.Errorf("%w: bad payload", ErrPermanent), want: term},
		{name: "transient", err: errors.New("db down"), want: nak},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := settlement(tt.err); got != tt.want {
				t.Fatalf("settlement(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestNakDelay(t *testing.T) {
	tests := []struct {
		delivered uint64
		want      time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{4, 8 * time.Second},
		{7, time.Minute},
		{40, time.Minute},
	}
	for _, tt := range tests {
		if got := nakDelay(tt.delivered); got != tt.want {
			t.Fatalf("nakDelay(%d) = %s, want %s", tt.delivered, got, tt.want)
		}
	}
}

func TestNilBus(t *testing.T) {
	var b *Bus
	if err := b.Publish(context.Background(), "ledger.x", 1); err == nil {
		t.Fatalf("Publish() on nil bus expected error")
	}
	if err := b.EnsureStream("LEDGER", "ledger.>"); err == nil {
		t.Fatalf("EnsureStream() on nil bus expected error")
	}
	b.Close()
}

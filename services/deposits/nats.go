package deposits

import (
	"context"
	"errors"
	"fmt"
	"io"

	"refledger/pkg/bus"
)

// Subscriber is the part of *bus.Bus used for the NATS feed.
type Subscriber interface {
	Subscribe(ctx context.Context, subj, durable string, fn func(ctx context.Context, data []byte) error) (io.Closer, error)
}

const natsDurable = "ledger-deposits"

// SubscribeNATS feeds deposit notifications published on subject into h.
func SubscribeNATS(ctx context.Context, sub Subscriber, subject string, h *Handler) (io.Closer, error) {
	if sub == nil {
		return nil, errors.New("subscriber is required")
	}
	if subject == "" {
		return nil, errors.New("subject is required")
	}
	return sub.Subscribe(ctx, subject, natsDurable, natsHandler(h))
}

func natsHandler(h *Handler) func(context.Context, []byte) error {
	return func(ctx context.Context, data []byte) error {
		switch outcome := h.Handle(ctx, data); outcome {
		case Ack:
			return nil
		case Reject:
			return fmt.Errorf("%w: deposit notification rejected", bus.ErrPermanent)
		default:
			return errors.New("deposit notification requeued")
		}
	}
}

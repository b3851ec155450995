// Package bus publishes ledger events to NATS JetStream and feeds durable
// subscriptions into handlers.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// ErrPermanent marks handler failures that redelivery cannot fix. Messages
// failing with it are terminated instead of negatively acknowledged.
var ErrPermanent = errors.New("bus: permanent failure")

const (
	defaultMaxDeliver     = 10
	defaultAckWait        = 30 * time.Second
	defaultHandlerTimeout = 25 * time.Second
	maxNakDelay           = time.Minute
)

// Options tunes the connection and the consumers it creates.
type Options struct {
	Name           string
	Logger         zerolog.Logger
	MaxDeliver     int
	AckWait        time.Duration
	HandlerTimeout time.Duration
}

// Bus wraps a NATS JetStream connection.
type Bus struct {
	conn *nats.Conn
	js   nats.JetStreamContext
	opts Options
	log  zerolog.Logger
}

// Connect dials url and reconnects forever, logging connection changes.
func Connect(url string, opts Options) (*Bus, error) {
	if opts.MaxDeliver <= 0 {
		opts.MaxDeliver = defaultMaxDeliver
	}
	if opts.AckWait <= 0 {
		opts.AckWait = defaultAckWait
	}
	if opts.HandlerTimeout <= 0 || opts.HandlerTimeout >= opts.AckWait {
		opts.HandlerTimeout = opts.AckWait - opts.AckWait/6
	}
	logger := opts.Logger.With().Str("component", "bus").Logger()

	nc, err := nats.Connect(url,
		nats.Name(opts.Name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	return &Bus{conn: nc, js: js, opts: opts, log: logger}, nil
}

// Close drains subscriptions and closes the connection.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}

// EnsureStream creates the named stream for subjects unless it already exists.
func (b *Bus) EnsureStream(name string, subjects ...string) error {
	if b == nil {
		return errors.New("nil bus")
	}
	if _, err := b.js.StreamInfo(name); err == nil {
		return nil
	} else if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info %s: %w", name, err)
	}
	_, err := b.js.AddStream(&nats.StreamConfig{
		Name:      name,
		Subjects:  subjects,
		Retention: nats.LimitsPolicy,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("add stream %s: %w", name, err)
	}
	return nil
}

// Publish sends v as a JSON message and waits for the stream to store it.
func (b *Bus) Publish(ctx context.Context, subj string, v any) error {
	if b == nil {
		return errors.New("nil bus")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", subj, err)
	}

	msg := nats.NewMsg(subj)
	msg.Header.Set("Content-Type", "application/json")
	msg.Data = data
	if _, err := b.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish %s: %w", subj, err)
	}
	return nil
}

type subscription struct {
	sub  *nats.Subscription
	once sync.Once
	err  error
}

func (s *subscription) Close() error {
	s.once.Do(func() { s.err = s.sub.Drain() })
	return s.err
}

// Subscribe binds a durable consumer on subj and runs fn for each message
// until ctx is done or the returned closer is closed.
func (b *Bus) Subscribe(ctx context.Context, subj, durable string, fn func(ctx context.Context, data []byte) error) (io.Closer, error) {
	if b == nil {
		return nil, errors.New("nil bus")
	}
	if fn == nil {
		return nil, errors.New("nil handler")
	}
	logger := b.log.With().Str("subject", subj).Str("durable", durable).Logger()

	handler := func(msg *nats.Msg) {
		handlerCtx, cancel := context.WithTimeout(ctx, b.opts.HandlerTimeout)
		defer cancel()

		delivered := uint64(1)
		if meta, err := msg.Metadata(); err == nil {
			delivered = meta.NumDelivered
		}
		err := fn(handlerCtx, msg.Data)
		switch settlement(err) {
		case ack:
			_ = msg.Ack()
		case term:
			logger.Warn().Err(err).Uint64("delivered", delivered).Msg("message terminated")
			_ = msg.Term()
		default:
			logger.Warn().Err(err).Uint64("delivered", delivered).Msg("message redelivery scheduled")
			_ = msg.NakWithDelay(nakDelay(delivered))
		}
	}

	sub, err := b.js.Subscribe(subj, handler,
		nats.Durable(durable),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(b.opts.AckWait),
		nats.MaxDeliver(b.opts.MaxDeliver),
	)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subj, err)
	}

	s := &subscription{sub: sub}
	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()
	return s, nil
}

type action int

const (
	ack action = iota
	nak
	term
)

func settlement(err error) action {
	switch {
	case err == nil:
		return ack
	case errors.Is(err, ErrPermanent):
		return term
	default:
		return nak
	}
}

// nakDelay doubles from one second per delivery, capped at maxNakDelay.
func nakDelay(delivered uint64) time.Duration {
	if delivered < 1 {
		delivered = 1
	}
	if delivered > 7 {
		return maxNakDelay
	}
	d := time.Second << (delivered - 1)
	if d > maxNakDelay {
		return maxNakDelay
	}
	return d
}

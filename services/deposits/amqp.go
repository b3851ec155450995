package deposits

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
)

const (
	reconnectDelay    = time.Second
	maxReconnectDelay = 30 * time.Second
)

// ConsumerConfig configures the RabbitMQ consumer.
type ConsumerConfig struct {
	URL      string
	Queue    string
	Prefetch int
	Workers  int
}

// Consumer reads deposit notifications from a durable RabbitMQ queue and
// settles each delivery according to the handler's outcome.
type Consumer struct {
	cfg     ConsumerConfig
	handler *Handler
	log     zerolog.Logger
}

// NewConsumer validates cfg and returns a Consumer.
func NewConsumer(cfg ConsumerConfig, h *Handler, logger zerolog.Logger) (*Consumer, error) {
	if cfg.URL == "" {
		return nil, errors.New("amqp url is required")
	}
	if cfg.Queue == "" {
		return nil, errors.New("queue is required")
	}
	if h == nil {
		return nil, errors.New("handler is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = cfg.Workers
	}
	return &Consumer{
		cfg:     cfg,
		handler: h,
		log:     logger.With().Str("component", "deposits-amqp").Str("queue", cfg.Queue).Logger(),
	}, nil
}

// Run consumes until ctx is cancelled, reconnecting with capped exponential
// backoff whenever the broker connection drops.
func (c *Consumer) Run(ctx context.Context) error {
	b := retry.NewExponential(reconnectDelay)
	b = retry.WithCappedDuration(maxReconnectDelay, b)
	b = retry.WithJitterPercent(10, b)

	err := retry.Do(ctx, b, func(ctx context.Context) error {
		err := c.consume(ctx)
		if err == nil || ctx.Err() != nil {
			return nil
		}
		c.log.Error().Err(err).Msg("amqp consumer stopped, reconnecting")
		return retry.RetryableError(err)
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// consume runs one connection's lifetime. It returns nil when ctx is done
// and an error when the connection or channel closes underneath it.
func (c *Consumer) consume(ctx context.Context) error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(
		c.cfg.Queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	msgs, err := ch.Consume(c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	c.log.Info().Int("workers", c.cfg.Workers).Int("prefetch", c.cfg.Prefetch).Msg("consuming deposit notifications")

	workCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			c.worker(workCtx, id, msgs)
		}(i)
	}

	var result error
	select {
	case <-ctx.Done():
	case amqpErr := <-closed:
		if amqpErr != nil {
			result = amqpErr
		} else {
			result = errors.New("connection closed")
		}
	}
	cancel()
	wg.Wait()
	return result
}

func (c *Consumer) worker(ctx context.Context, id int, msgs <-chan amqp.Delivery) {
	logger := c.log.With().Int("worker_id", id).Logger()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				logger.Warn().Msg("delivery channel closed")
				return
			}
			outcome := c.handler.Handle(ctx, msg.Body)
			if err := settle(msg, outcome); err != nil {
				logger.Warn().Err(err).Stringer("outcome", outcome).Msg("settle delivery")
			}
		}
	}
}

type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

func settle(d acknowledger, outcome Outcome) error {
	switch outcome {
	case Ack:
		return d.Ack(false)
	case Requeue:
		return d.Nack(false, true)
	default:
		return d.Nack(false, false)
	}
}

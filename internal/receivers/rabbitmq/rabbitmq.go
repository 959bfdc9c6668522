// Package rabbitmq is a receiver that consumes one RabbitMQ queue and cuts
// deliveries into blocks. Deliveries are acked once handed to the block
// generator.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/ingestctl/internal/receiver"
	"github.com/danmuck/ingestctl/internal/stream"
	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

var (
	ErrURLRequired      = errors.New("rabbitmq: url required")
	ErrQueueRequired    = errors.New("rabbitmq: queue required")
	ErrExchangeRequired = errors.New("rabbitmq: exchange required")
	ErrInvalidPrefetch  = errors.New("rabbitmq: prefetch_count must be >= 1")
	ErrDeliveriesClosed = errors.New("rabbitmq: delivery channel closed")
)

type Config struct {
	URL           string
	Exchange      string
	Queue         string
	RoutingKeys   []string
	ConsumerTag   string
	PrefetchCount int
	Username      string
	Password      string
	Location      string
	BlockInterval time.Duration
}

func (c *Config) withDefaults() {
	if c.ConsumerTag == "" {
		c.ConsumerTag = "ingestctl-rabbitmq"
	}
	if c.PrefetchCount == 0 {
		c.PrefetchCount = 64
	}
	if len(c.RoutingKeys) == 0 {
		c.RoutingKeys = []string{"#"}
	}
	if c.BlockInterval <= 0 {
		c.BlockInterval = receiver.DefaultBlockInterval
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return ErrURLRequired
	}
	if strings.TrimSpace(c.Queue) == "" {
		return ErrQueueRequired
	}
	if strings.TrimSpace(c.Exchange) == "" {
		return ErrExchangeRequired
	}
	if c.PrefetchCount < 1 {
		return ErrInvalidPrefetch
	}
	return nil
}

// source is an open consumer: a delivery feed plus the resources behind it.
type source interface {
	Deliveries() <-chan amqp091.Delivery
	Close() error
}

type Receiver struct {
	*receiver.Base
	cfg   Config
	store receiver.BlockStore
	open  func(cfg Config) (source, error)
}

// Factory validates cfg once and returns a factory for fresh receivers.
func Factory(cfg Config, store receiver.BlockStore) (stream.Factory, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return func() stream.Receiver {
		return newReceiver(cfg, store, openConsumer)
	}, nil
}

func newReceiver(cfg Config, store receiver.BlockStore, open func(Config) (source, error)) *Receiver {
	return &Receiver{
		Base:  receiver.NewBase(cfg.Location, fmt.Sprintf("amqp://%s/%s", cfg.Exchange, cfg.Queue)),
		cfg:   cfg,
		store: store,
		open:  open,
	}
}

func (r *Receiver) Start(ctx context.Context, ep stream.Endpoint) error {
	return receiver.Run(ctx, ep, r.Base, receiver.GeneratorConfig{
		Interval: r.cfg.BlockInterval,
		Store:    r.store,
	}, r.produce)
}

func (r *Receiver) produce(ctx context.Context, g *receiver.Generator) error {
	src, err := r.open(r.cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := src.Close(); err != nil {
			log.Debug().Err(err).Int("stream_id", int(r.StreamID())).Msg("rabbitmq close")
		}
	}()
	log.Info().
		Int("stream_id", int(r.StreamID())).
		Str("queue", r.cfg.Queue).
		Str("exchange", r.cfg.Exchange).
		Msg("rabbitmq receiver consuming")

	deliveries := src.Deliveries()
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrDeliveriesClosed
			}
			g.Add(receiver.Record{
				Offset:     int64(d.DeliveryTag),
				Key:        []byte(d.RoutingKey),
				Value:      d.Body,
				ReceivedAt: deliveryTime(d),
			})
			if d.Acknowledger != nil {
				if err := d.Ack(false); err != nil {
					return fmt.Errorf("rabbitmq: ack tag=%d: %w", d.DeliveryTag, err)
				}
			}
		}
	}
}

func deliveryTime(d amqp091.Delivery) time.Time {
	if d.Timestamp.IsZero() {
		return time.Now()
	}
	return d.Timestamp
}

type consumer struct {
	conn       *amqp091.Connection
	ch         *amqp091.Channel
	tag        string
	deliveries <-chan amqp091.Delivery
}

func openConsumer(cfg Config) (source, error) {
	dialCfg := amqp091.Config{}
	if cfg.Username != "" {
		dialCfg.SASL = []amqp091.Authentication{&amqp091.PlainAuth{Username: cfg.Username, Password: cfg.Password}}
	}
	conn, err := amqp091.DialConfig(strings.TrimSpace(cfg.URL), dialCfg)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("rabbitmq: open channel: %w", err)
	}
	fail := func(step string, err error) (source, error) {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("rabbitmq: %s: %w", step, err)
	}
	if err := ch.Qos(cfg.PrefetchCount, 0, false); err != nil {
		return fail("set prefetch", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fail("declare exchange", err)
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		return fail("declare queue", err)
	}
	for _, key := range cfg.RoutingKeys {
		if err := ch.QueueBind(cfg.Queue, key, cfg.Exchange, false, nil); err != nil {
			return fail("bind queue key="+key, err)
		}
	}
	deliveries, err := ch.Consume(cfg.Queue, cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return fail("consume", err)
	}
	return &consumer{conn: conn, ch: ch, tag: cfg.ConsumerTag, deliveries: deliveries}, nil
}

func (c *consumer) Deliveries() <-chan amqp091.Delivery {
	return c.deliveries
}

func (c *consumer) Close() error {
	_ = c.ch.Cancel(c.tag, false)
	var errs []error
	if err := c.ch.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.conn.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

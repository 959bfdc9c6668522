// Package kafka is a receiver that consumes Kafka topics with franz-go and
// cuts the records into blocks.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/ingestctl/internal/receiver"
	"github.com/danmuck/ingestctl/internal/stream"
	"github.com/rs/zerolog/log"
	"github.com/twmb/franz-go/pkg/kgo"
)

var (
	ErrBrokersRequired = errors.New("kafka: brokers required")
	ErrTopicsRequired  = errors.New("kafka: topics required")
	ErrGroupRequired   = errors.New("kafka: group_id required")
)

type Config struct {
	Brokers        []string
	Topics         []string
	GroupID        string
	ClientID       string
	MaxPollRecords int
	FetchMaxWait   time.Duration
	Location       string
	BlockInterval  time.Duration
}

func (c *Config) withDefaults() {
	if c.MaxPollRecords <= 0 {
		c.MaxPollRecords = 500
	}
	if c.FetchMaxWait <= 0 {
		c.FetchMaxWait = time.Second
	}
	if c.BlockInterval <= 0 {
		c.BlockInterval = receiver.DefaultBlockInterval
	}
}

func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return ErrBrokersRequired
	}
	if len(c.Topics) == 0 {
		return ErrTopicsRequired
	}
	if strings.TrimSpace(c.GroupID) == "" {
		return ErrGroupRequired
	}
	return nil
}

// source is the slice of *kgo.Client the receiver polls through.
type source interface {
	PollRecords(ctx context.Context, maxPollRecords int) kgo.Fetches
	Close()
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
		return newReceiver(cfg, store, openClient)
	}, nil
}

func newReceiver(cfg Config, store receiver.BlockStore, open func(Config) (source, error)) *Receiver {
	addr := fmt.Sprintf("kafka://%s/%s", strings.Join(cfg.Brokers, ","), strings.Join(cfg.Topics, ","))
	return &Receiver{
		Base:  receiver.NewBase(cfg.Location, addr),
		cfg:   cfg,
		store: store,
		open:  open,
	}
}

func openClient(cfg Config) (source, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.FetchMaxWait(cfg.FetchMaxWait),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka: new client: %w", err)
	}
	return cl, nil
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
	defer src.Close()
	log.Info().
		Int("stream_id", int(r.StreamID())).
		Strs("topics", r.cfg.Topics).
		Str("group", r.cfg.GroupID).
		Msg("kafka receiver consuming")

	for {
		if ctx.Err() != nil {
			return nil
		}
		fetches := src.PollRecords(ctx, r.cfg.MaxPollRecords)
		if ctx.Err() != nil {
			return nil
		}
		for _, fe := range fetches.Errors() {
			if errors.Is(fe.Err, context.Canceled) || errors.Is(fe.Err, kgo.ErrClientClosed) {
				return nil
			}
			return fmt.Errorf("kafka: fetch %s/%d: %w", fe.Topic, fe.Partition, fe.Err)
		}
		fetches.EachRecord(func(rec *kgo.Record) {
			g.Add(receiver.Record{
				Offset:     rec.Offset,
				Key:        rec.Key,
				Value:      rec.Value,
				ReceivedAt: rec.Timestamp,
			})
		})
	}
}

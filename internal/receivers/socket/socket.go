// Package socket is a receiver that dials a TCP source and treats each
// newline-terminated line as one record.
package socket

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/danmuck/ingestctl/internal/receiver"
	"github.com/danmuck/ingestctl/internal/stream"
	"github.com/rs/zerolog/log"
)

const DefaultMaxLineBytes = 1 << 20

var (
	ErrAddressRequired = errors.New("socket: address required")
	ErrSourceClosed    = errors.New("socket: source closed the connection")
)

type Config struct {
	Address       string
	DialTimeout   time.Duration
	MaxLineBytes  int
	Location      string
	BlockInterval time.Duration
}

func (c *Config) withDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.MaxLineBytes <= 0 {
		c.MaxLineBytes = DefaultMaxLineBytes
	}
	if c.BlockInterval <= 0 {
		c.BlockInterval = receiver.DefaultBlockInterval
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Address) == "" {
		return ErrAddressRequired
	}
	if _, _, err := net.SplitHostPort(c.Address); err != nil {
		return fmt.Errorf("socket: address %q: %w", c.Address, err)
	}
	return nil
}

type Receiver struct {
	*receiver.Base
	cfg   Config
	store receiver.BlockStore
}

// Factory validates cfg once and returns a factory for fresh receivers.
func Factory(cfg Config, store receiver.BlockStore) (stream.Factory, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return func() stream.Receiver {
		return &Receiver{
			Base:  receiver.NewBase(cfg.Location, "tcp://"+cfg.Address),
			cfg:   cfg,
			store: store,
		}
	}, nil
}

func (r *Receiver) Start(ctx context.Context, ep stream.Endpoint) error {
	return receiver.Run(ctx, ep, r.Base, receiver.GeneratorConfig{
		Interval: r.cfg.BlockInterval,
		Store:    r.store,
	}, r.produce)
}

func (r *Receiver) produce(ctx context.Context, g *receiver.Generator) error {
	dialer := net.Dialer{Timeout: r.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", r.cfg.Address)
	if err != nil {
		return fmt.Errorf("socket: dial %s: %w", r.cfg.Address, err)
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	log.Info().Int("stream_id", int(r.StreamID())).Str("addr", r.cfg.Address).Msg("socket receiver connected")

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), r.cfg.MaxLineBytes)
	var offset int64
	for scanner.Scan() {
		line := scanner.Bytes()
		value := make([]byte, len(line))
		copy(value, line)
		g.Add(receiver.Record{Offset: offset, Value: value, ReceivedAt: time.Now()})
		offset++
	}
	if ctx.Err() != nil {
		return nil
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("socket: read %s: %w", r.cfg.Address, err)
	}
	return ErrSourceClosed
}

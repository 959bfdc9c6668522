package config

import (
	"fmt"
	"time"

	"github.com/danmuck/ingestctl/internal/receiver"
	"github.com/danmuck/ingestctl/internal/receivers/kafka"
	"github.com/danmuck/ingestctl/internal/receivers/rabbitmq"
	"github.com/danmuck/ingestctl/internal/receivers/socket"
	"github.com/danmuck/ingestctl/internal/stream"
	"github.com/danmuck/ingestctl/internal/tracker"
)

// TrackerConfig maps the daemon keys onto tracker settings.
func (c Config) TrackerConfig() tracker.Config {
	out := tracker.DefaultConfig()
	out.Transport = c.MailboxTransport
	out.ListenAddr = c.MailboxAddr
	out.AuthToken = c.AuthToken
	out.WarmupPartitions = c.WarmupPartitions
	out.StopReason = c.StopReason
	return out
}

// StreamSet builds one stream definition per [[streams]] entry. Every
// receiver writes its blocks into store.
func (c Config) StreamSet(store receiver.BlockStore) (*stream.Set, error) {
	defs := make([]stream.InputStream, 0, len(c.Streams))
	for _, sc := range c.Streams {
		factory, err := sc.Factory(store, c.BlockInterval)
		if err != nil {
			return nil, fmt.Errorf("stream %d (%s): %w", sc.ID, sc.Kind, err)
		}
		name := sc.Name
		if name == "" {
			name = fmt.Sprintf("%s-%d", sc.Kind, sc.ID)
		}
		defs = append(defs, stream.NewDefinition(stream.ID(sc.ID), name, factory))
	}
	return stream.NewSet(defs...)
}

func (s StreamConfig) Factory(store receiver.BlockStore, blockInterval time.Duration) (stream.Factory, error) {
	switch s.Kind {
	case KindKafka:
		return kafka.Factory(kafka.Config{
			Brokers:       s.Brokers,
			Topics:        s.Topics,
			GroupID:       s.Group,
			ClientID:      s.ClientID,
			Location:      s.Location,
			BlockInterval: blockInterval,
		}, store)
	case KindRabbitMQ:
		return rabbitmq.Factory(rabbitmq.Config{
			URL:           s.URL,
			Exchange:      s.Exchange,
			Queue:         s.Queue,
			RoutingKeys:   s.RoutingKeys,
			PrefetchCount: s.Prefetch,
			Username:      s.Username,
			Password:      s.Password,
			Location:      s.Location,
			BlockInterval: blockInterval,
		}, store)
	case KindSocket:
		return socket.Factory(socket.Config{
			Address:       s.Address,
			Location:      s.Location,
			BlockInterval: blockInterval,
		}, store)
	default:
		return nil, fmt.Errorf("%w: unknown stream kind %q", ErrInvalidConfig, s.Kind)
	}
}

package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/ingestctl/internal/batch"
	"github.com/danmuck/ingestctl/internal/receiver"
	"github.com/danmuck/ingestctl/internal/tracker"
)

const (
	KindKafka    = "kafka"
	KindRabbitMQ = "rabbitmq"
	KindSocket   = "socket"
)

var ErrInvalidConfig = errors.New("config: invalid")

// Config is the ingestctl daemon configuration after defaults are applied.
type Config struct {
	ID               string
	AdminAddr        string
	MailboxAddr      string
	MailboxTransport string
	AuthToken        string
	BatchInterval    time.Duration
	BlockInterval    time.Duration
	WarmupPartitions int
	StopReason       string
	CORSOrigins      []string
	Workers          []string
	Streams          []StreamConfig
}

// StreamConfig is one [[streams]] entry. Only the keys for Kind are read.
type StreamConfig struct {
	ID       int    `toml:"id"`
	Name     string `toml:"name"`
	Kind     string `toml:"kind"`
	Location string `toml:"location"`

	Brokers  []string `toml:"brokers"`
	Topics   []string `toml:"topics"`
	Group    string   `toml:"group"`
	ClientID string   `toml:"client_id"`

	URL         string   `toml:"url"`
	Exchange    string   `toml:"exchange"`
	Queue       string   `toml:"queue"`
	RoutingKeys []string `toml:"routing_keys"`
	Prefetch    int      `toml:"prefetch"`
	Username    string   `toml:"username"`
	Password    string   `toml:"password"`

	Address string `toml:"address"`
}

type WorkerConfig struct {
	Name string `toml:"name"`
}

// ingestctl config.toml key mapping.
type fileConfig struct {
	ID               string         `toml:"id"`
	AdminAddr        string         `toml:"admin_addr"`
	MailboxAddr      string         `toml:"mailbox_addr"`
	MailboxTransport string         `toml:"mailbox_transport"`
	AuthToken        string         `toml:"auth_token"`
	BatchInterval    string         `toml:"batch_interval"`
	BlockInterval    string         `toml:"block_interval"`
	WarmupPartitions int            `toml:"warmup_partitions"`
	StopReason       string         `toml:"stop_reason"`
	CORSOrigins      []string       `toml:"cors_origins"`
	Workers          []WorkerConfig `toml:"workers"`
	Streams          []StreamConfig `toml:"streams"`
}

func DefaultConfig() Config {
	return Config{
		ID:               "ingestctl",
		AdminAddr:        "127.0.0.1:9410",
		MailboxAddr:      tracker.DefaultConfig().ListenAddr,
		MailboxTransport: tracker.TransportLocal,
		BatchInterval:    batch.DefaultInterval,
		BlockInterval:    receiver.DefaultBlockInterval,
		WarmupPartitions: tracker.DefaultWarmupPartitions,
		StopReason:       tracker.DefaultStopReason,
		CORSOrigins:      []string{"http://localhost:3000"},
	}
}

// Load decodes path over DefaultConfig and validates the result.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown key %q in %s", ErrInvalidConfig, undecoded[0].String(), path)
	}

	if meta.IsDefined("id") {
		cfg.ID = strings.TrimSpace(raw.ID)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("mailbox_addr") {
		cfg.MailboxAddr = strings.TrimSpace(raw.MailboxAddr)
	}
	if meta.IsDefined("mailbox_transport") {
		cfg.MailboxTransport = strings.ToLower(strings.TrimSpace(raw.MailboxTransport))
	}
	if meta.IsDefined("auth_token") {
		cfg.AuthToken = strings.TrimSpace(raw.AuthToken)
	}
	if meta.IsDefined("batch_interval") {
		if cfg.BatchInterval, err = parseDuration("batch_interval", raw.BatchInterval); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("block_interval") {
		if cfg.BlockInterval, err = parseDuration("block_interval", raw.BlockInterval); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("warmup_partitions") {
		cfg.WarmupPartitions = raw.WarmupPartitions
	}
	if meta.IsDefined("stop_reason") {
		cfg.StopReason = strings.TrimSpace(raw.StopReason)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = raw.CORSOrigins
	}
	for _, w := range raw.Workers {
		cfg.Workers = append(cfg.Workers, strings.TrimSpace(w.Name))
	}
	for _, s := range raw.Streams {
		s.Kind = strings.ToLower(strings.TrimSpace(s.Kind))
		s.Name = strings.TrimSpace(s.Name)
		s.Location = strings.TrimSpace(s.Location)
		cfg.Streams = append(cfg.Streams, s)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
	}
	return d, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidConfig)
	}
	switch c.MailboxTransport {
	case tracker.TransportLocal:
	case tracker.TransportTCP:
		if _, _, err := net.SplitHostPort(c.MailboxAddr); err != nil {
			return fmt.Errorf("%w: mailbox_addr %q: %v", ErrInvalidConfig, c.MailboxAddr, err)
		}
	default:
		return fmt.Errorf("%w: mailbox_transport must be %q or %q", ErrInvalidConfig, tracker.TransportLocal, tracker.TransportTCP)
	}
	if c.AdminAddr != "" {
		if _, _, err := net.SplitHostPort(c.AdminAddr); err != nil {
			return fmt.Errorf("%w: admin_addr %q: %v", ErrInvalidConfig, c.AdminAddr, err)
		}
	}
	if c.BatchInterval <= 0 {
		return fmt.Errorf("%w: batch_interval must be positive", ErrInvalidConfig)
	}
	if c.BlockInterval <= 0 {
		return fmt.Errorf("%w: block_interval must be positive", ErrInvalidConfig)
	}
	if c.WarmupPartitions < 0 {
		return fmt.Errorf("%w: warmup_partitions must be >= 0", ErrInvalidConfig)
	}

	workers := make(map[string]struct{}, len(c.Workers))
	for i, w := range c.Workers {
		if w == "" {
			return fmt.Errorf("%w: workers[%d] missing name", ErrInvalidConfig, i)
		}
		if _, dup := workers[w]; dup {
			return fmt.Errorf("%w: duplicate worker %q", ErrInvalidConfig, w)
		}
		workers[w] = struct{}{}
	}

	if len(c.Streams) == 0 {
		return fmt.Errorf("%w: at least one [[streams]] entry is required", ErrInvalidConfig)
	}
	ids := make(map[int]struct{}, len(c.Streams))
	for i, s := range c.Streams {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("%w: streams[%d]: %v", ErrInvalidConfig, i, err)
		}
		if _, dup := ids[s.ID]; dup {
			return fmt.Errorf("%w: duplicate stream id %d", ErrInvalidConfig, s.ID)
		}
		ids[s.ID] = struct{}{}
		if s.Location != "" && len(workers) > 0 {
			if _, ok := workers[s.Location]; !ok {
				return fmt.Errorf("%w: stream %d location %q is not a configured worker", ErrInvalidConfig, s.ID, s.Location)
			}
		}
	}
	return nil
}

// Validate checks the keys common to every kind. Kind-specific keys are
// checked when the receiver factory is built.
func (s StreamConfig) Validate() error {
	if s.ID < 0 {
		return fmt.Errorf("id must be >= 0")
	}
	switch s.Kind {
	case KindKafka, KindRabbitMQ, KindSocket:
	case "":
		return fmt.Errorf("kind is required")
	default:
		return fmt.Errorf("unknown kind %q", s.Kind)
	}
	return nil
}

// Package tracker coordinates the receivers launched for a fixed set of input
// streams.
//
// Ownership boundary:
// - the registry of live receiver handles, owned by the mailbox goroutine
// - buffering reported block refs until the downstream scheduler drains them
// - launching receivers through the cluster engine and stopping them on shutdown
//
// Receivers never get restarted here. A Deregister is recorded and nothing else.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/ingestctl/internal/auth"
	"github.com/danmuck/ingestctl/internal/cluster"
	"github.com/danmuck/ingestctl/internal/ledger"
	"github.com/danmuck/ingestctl/internal/observability"
	"github.com/danmuck/ingestctl/internal/protocol/session"
	"github.com/danmuck/ingestctl/internal/receiver"
	"github.com/danmuck/ingestctl/internal/stream"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoStreams      = errors.New("tracker: stream set required")
	ErrNoEngine       = errors.New("tracker: cluster engine required")
	ErrInvalidMode    = errors.New("tracker: invalid mailbox transport")
	ErrAlreadyStarted = errors.New("tracker: already started")
	ErrNotStarted     = errors.New("tracker: not started")
)

const (
	TransportLocal = "local"
	TransportTCP   = "tcp"
)

type Config struct {
	// Transport selects how receivers reach the mailbox: "local" or "tcp".
	Transport        string
	ListenAddr       string
	AuthToken        string
	WarmupPartitions int
	StopReason       string
	Session          session.Config
}

func DefaultConfig() Config {
	return Config{
		Transport:        TransportLocal,
		ListenAddr:       "127.0.0.1:9400",
		WarmupPartitions: DefaultWarmupPartitions,
		StopReason:       DefaultStopReason,
		Session:          session.DefaultConfig(),
	}
}

// Tracker owns the ledger, mailbox, optional network endpoint and executor
// for one process lifetime.
type Tracker struct {
	cfg     Config
	streams *stream.Set
	engine  cluster.Engine
	ledger  *ledger.Ledger
	mailbox *Mailbox

	mu       sync.Mutex
	started  bool
	executor *Executor
	endpoint *EndpointServer
	cancel   context.CancelFunc
	done     chan struct{}
	runErr   error
	stopOnce sync.Once
}

func New(cfg Config, streams *stream.Set, engine cluster.Engine) (*Tracker, error) {
	if streams == nil {
		return nil, ErrNoStreams
	}
	if engine == nil {
		return nil, ErrNoEngine
	}
	cfg.Transport = strings.ToLower(strings.TrimSpace(cfg.Transport))
	if cfg.Transport == "" {
		cfg.Transport = TransportLocal
	}
	if cfg.Transport != TransportLocal && cfg.Transport != TransportTCP {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, cfg.Transport)
	}
	cfg.Session = cfg.Session.WithDefaults()
	l := ledger.New()
	return &Tracker{
		cfg:     cfg,
		streams: streams,
		engine:  engine,
		ledger:  l,
		mailbox: NewMailbox(streams, l),
		done:    make(chan struct{}),
	}, nil
}

// Start brings up the mailbox, the network endpoint when configured, and the
// executor goroutine. It returns once receivers are being placed.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return ErrAlreadyStarted
	}

	t.mailbox.Start()

	connector := LocalConnector(t.mailbox)
	if t.cfg.Transport == TransportTCP {
		ln, err := net.Listen("tcp", t.cfg.ListenAddr)
		if err != nil {
			t.mailbox.Close()
			return fmt.Errorf("tracker: listen %s: %w", t.cfg.ListenAddr, err)
		}
		t.endpoint = NewEndpointServer(EndpointConfig{
			Session:   t.cfg.Session,
			Validator: auth.ForToken(t.cfg.AuthToken),
		}, t.mailbox)
		go func() {
			if err := t.endpoint.Serve(ctx, ln); err != nil {
				log.Error().Err(err).Msg("tracker endpoint serve failed")
			}
		}()
		connector = receiver.NewRemoteConnector(receiver.RemoteConfig{
			Address:    ln.Addr().String(),
			AuthToken:  t.cfg.AuthToken,
			AskTimeout: AskTimeout,
			Session:    t.cfg.Session,
		})
		log.Info().Str("addr", ln.Addr().String()).Msg("tracker endpoint listening")
	}

	t.executor = NewExecutor(ExecutorConfig{
		WarmupPartitions: t.cfg.WarmupPartitions,
		StopReason:       t.cfg.StopReason,
	}, t.streams, t.engine, t.mailbox, connector)

	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.started = true
	go func() {
		defer close(t.done)
		err := t.executor.Run(runCtx)
		t.mu.Lock()
		t.runErr = err
		t.mu.Unlock()
	}()
	log.Info().
		Int("streams", t.streams.Len()).
		Str("transport", t.cfg.Transport).
		Msg("tracker started")
	return nil
}

// Stop broadcasts stop signals, interrupts the executor and waits for it,
// then closes the endpoint and the mailbox. Safe to call more than once.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() {
		t.mu.Lock()
		started := t.started
		executor := t.executor
		cancel := t.cancel
		endpoint := t.endpoint
		t.mu.Unlock()

		if !started {
			t.mailbox.Close()
			return
		}
		executor.StopReceivers()
		cancel()
		<-t.done
		if endpoint != nil {
			endpoint.Close()
		}
		t.mailbox.Close()
		log.Info().Msg("tracker stopped")
	})
}

// Wait blocks until the executor returns and reports its result.
func (t *Tracker) Wait() error {
	t.mu.Lock()
	started := t.started
	t.mu.Unlock()
	if !started {
		return ErrNotStarted
	}
	<-t.done
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runErr
}

// Running reports whether the tracker was started and its executor has not
// returned yet.
func (t *Tracker) Running() bool {
	t.mu.Lock()
	started := t.started
	t.mu.Unlock()
	if !started {
		return false
	}
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// Done is closed when the executor returns.
func (t *Tracker) Done() <-chan struct{} {
	return t.done
}

// DrainBlocks removes and returns every block queued for id. batchTime only
// labels the drain in logs.
func (t *Tracker) DrainBlocks(id stream.ID, batchTime time.Time) []stream.BlockRef {
	refs := t.ledger.DrainAll(id)
	if len(refs) > 0 {
		observability.RecordBlocksDrained(int(id), len(refs))
	}
	log.Debug().
		Int("stream_id", int(id)).
		Int("blocks", len(refs)).
		Time("batch_time", batchTime).
		Msg("tracker drained blocks")
	return refs
}

// Pending reports how many refs are queued for id.
func (t *Tracker) Pending(id stream.ID) int {
	return t.ledger.Pending(id)
}

// Endpoint is the in-process mailbox receivers may report through.
func (t *Tracker) Endpoint() stream.Endpoint {
	return t.mailbox
}

func (t *Tracker) Streams() *stream.Set {
	return t.streams
}

// Receivers returns the live registry ordered by stream id.
func (t *Tracker) Receivers(ctx context.Context) ([]Registration, error) {
	return t.mailbox.Snapshot(ctx)
}

func (t *Tracker) RecentFailures(limit int) []Failure {
	return t.mailbox.RecentFailures(limit)
}

// EndpointAddr returns the network endpoint address, or "" for local transport.
func (t *Tracker) EndpointAddr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.endpoint == nil {
		return ""
	}
	return t.endpoint.Addr()
}

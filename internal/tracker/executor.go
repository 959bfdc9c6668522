package tracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/danmuck/ingestctl/internal/cluster"
	"github.com/danmuck/ingestctl/internal/observability"
	"github.com/danmuck/ingestctl/internal/stream"
	"github.com/rs/zerolog/log"
)

var (
	ErrEmptyPartition = fmt.Errorf("%w: partition must hold exactly one receiver", ErrProtocolViolation)
	ErrNilReceiver    = errors.New("tracker: stream produced nil receiver")
	ErrNotReceiver    = errors.New("tracker: partition value is not a receiver")
)

const (
	DefaultWarmupPartitions = 50
	DefaultStopReason       = "stopped by tracker"
	receiverJobName         = "receivers"
)

// Connector yields the endpoint a receiver on worker reports through. An
// endpoint that implements io.Closer is closed when its receiver exits.
type Connector interface {
	Connect(ctx context.Context, worker string) (stream.Endpoint, error)
}

// ConnectorFunc adapts a function into a Connector.
type ConnectorFunc func(ctx context.Context, worker string) (stream.Endpoint, error)

func (f ConnectorFunc) Connect(ctx context.Context, worker string) (stream.Endpoint, error) {
	return f(ctx, worker)
}

// LocalConnector hands every receiver the in-process mailbox.
func LocalConnector(m *Mailbox) Connector {
	return ConnectorFunc(func(context.Context, string) (stream.Endpoint, error) {
		return m, nil
	})
}

type ExecutorConfig struct {
	// WarmupPartitions sizes the throwaway job run before placement; <= 0 skips it.
	WarmupPartitions int
	StopReason       string
}

// Executor places one receiver per stream onto the cluster and broadcasts
// stop signals on shutdown.
type Executor struct {
	cfg       ExecutorConfig
	streams   *stream.Set
	engine    cluster.Engine
	mailbox   *Mailbox
	connector Connector

	stopOnce sync.Once
	mu       sync.Mutex
	launched []stream.Receiver
}

func NewExecutor(cfg ExecutorConfig, streams *stream.Set, engine cluster.Engine, mailbox *Mailbox, connector Connector) *Executor {
	if cfg.StopReason == "" {
		cfg.StopReason = DefaultStopReason
	}
	if connector == nil {
		connector = LocalConnector(mailbox)
	}
	return &Executor{
		cfg:       cfg,
		streams:   streams,
		engine:    engine,
		mailbox:   mailbox,
		connector: connector,
	}
}

// Run launches every receiver and blocks until the submission finishes.
// Cancellation of ctx is a normal shutdown and returns nil. Stop signals are
// always broadcast before Run returns.
func (e *Executor) Run(ctx context.Context) error {
	defer e.StopReceivers()

	receivers, err := e.buildReceivers()
	if err != nil {
		return err
	}
	if len(receivers) == 0 {
		log.Info().Msg("tracker executor has no streams to place")
		return nil
	}
	e.mu.Lock()
	e.launched = receivers
	e.mu.Unlock()

	data, pinned, err := placement(receivers)
	if err != nil {
		return err
	}
	log.Info().
		Int("receivers", len(receivers)).
		Bool("pinned", pinned).
		Msg("tracker executor placing receivers")

	e.warmup(ctx)
	if ctx.Err() != nil {
		log.Info().Msg("tracker executor interrupted before launch")
		return nil
	}

	err = e.engine.Submit(ctx, cluster.Job{
		Name: receiverJobName,
		Data: data,
		Task: e.runPartition,
	})
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			log.Info().Err(err).Msg("tracker executor interrupted")
			return nil
		}
		log.Error().Err(err).Msg("tracker executor submission failed")
		return err
	}
	if ctx.Err() != nil {
		log.Info().Msg("tracker executor interrupted")
		return nil
	}
	log.Info().Msg("tracker executor receivers exited")
	return nil
}

// StopReceivers sends one stop signal to every registered handle. Only the
// first call has any effect.
func (e *Executor) StopReceivers() {
	e.stopOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), AskTimeout)
		defer cancel()
		regs, err := e.mailbox.Snapshot(ctx)
		if err != nil {
			log.Error().Err(err).Msg("tracker stop broadcast could not read registry")
			return
		}
		for _, reg := range regs {
			log.Info().
				Int("stream_id", int(reg.StreamID)).
				Str("address", reg.Address()).
				Msg("tracker sending stop signal")
			reg.Handle.Stop(e.cfg.StopReason)
			observability.RecordStopSignal()
		}
		log.Info().Int("receivers", len(regs)).Msg("tracker stop broadcast complete")
	})
}

// Launched returns the receivers built by the most recent Run.
func (e *Executor) Launched() []stream.Receiver {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]stream.Receiver, len(e.launched))
	copy(out, e.launched)
	return out
}

func (e *Executor) buildReceivers() ([]stream.Receiver, error) {
	out := make([]stream.Receiver, 0, e.streams.Len())
	for _, in := range e.streams.Streams() {
		r := in.NewReceiver()
		if r == nil {
			return nil, fmt.Errorf("%w: %s", ErrNilReceiver, in.ID())
		}
		r.SetStreamID(in.ID())
		out = append(out, r)
	}
	return out, nil
}

// placement pins receivers only when every one of them names a location.
func placement(receivers []stream.Receiver) (cluster.Dataset, bool, error) {
	values := make([]any, len(receivers))
	prefs := make([]string, len(receivers))
	pinned := true
	for i, r := range receivers {
		values[i] = r
		prefs[i] = r.PreferredLocation()
		if prefs[i] == "" {
			pinned = false
		}
	}
	if !pinned {
		return cluster.Parallelize(values, len(values)), false, nil
	}
	data, err := cluster.WithLocations(values, prefs)
	return data, true, err
}

func (e *Executor) warmup(ctx context.Context) {
	if e.cfg.WarmupPartitions <= 0 {
		return
	}
	n, err := e.engine.Warmup(ctx, e.cfg.WarmupPartitions)
	if err != nil {
		log.Warn().Err(err).Int("partitions", e.cfg.WarmupPartitions).Msg("tracker warmup failed")
		return
	}
	log.Debug().Int("partitions", e.cfg.WarmupPartitions).Int("sum", n).Msg("tracker warmup done")
}

func (e *Executor) runPartition(ctx context.Context, tc cluster.TaskContext, values []any) error {
	if len(values) != 1 {
		return fmt.Errorf("%w: partition %d holds %d", ErrEmptyPartition, tc.Partition, len(values))
	}
	r, ok := values[0].(stream.Receiver)
	if !ok {
		return fmt.Errorf("%w: %T", ErrNotReceiver, values[0])
	}

	ep, err := e.connector.Connect(ctx, tc.Worker)
	if err != nil {
		return fmt.Errorf("tracker: connect receiver %s on %q: %w", r.StreamID(), tc.Worker, err)
	}
	if closer, ok := ep.(io.Closer); ok {
		defer func() {
			if err := closer.Close(); err != nil {
				log.Debug().Err(err).Int("stream_id", int(r.StreamID())).Msg("tracker endpoint close")
			}
		}()
	}

	log.Info().
		Int("stream_id", int(r.StreamID())).
		Str("worker", tc.Worker).
		Int("partition", tc.Partition).
		Msg("tracker starting receiver")
	if err := r.Start(stream.WithOrigin(ctx, tc.Worker), ep); err != nil {
		return fmt.Errorf("tracker: receiver %s: %w", r.StreamID(), err)
	}
	log.Info().Int("stream_id", int(r.StreamID())).Str("worker", tc.Worker).Msg("tracker receiver exited")
	return nil
}

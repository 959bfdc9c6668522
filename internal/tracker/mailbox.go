package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/ingestctl/internal/ledger"
	"github.com/danmuck/ingestctl/internal/observability"
	"github.com/danmuck/ingestctl/internal/stream"
	"github.com/rs/zerolog/log"
)

var (
	ErrProtocolViolation = errors.New("tracker: protocol violation")
	ErrUnknownStream     = fmt.Errorf("%w: unknown stream", ErrProtocolViolation)
	ErrMailboxClosed     = errors.New("tracker: mailbox closed")
	ErrNilHandle         = errors.New("tracker: nil receiver handle")
)

// AskTimeout bounds request/response calls into the mailbox from remote
// receivers.
const AskTimeout = 5 * time.Second

const defaultMailboxBuffer = 256

// Mailbox serializes every registry mutation and block report through a
// single goroutine. It implements stream.Endpoint for in-process receivers.
type Mailbox struct {
	streams  *stream.Set
	ledger   *ledger.Ledger
	registry *Registry
	failures *failureLog
	now      func() time.Time

	mu        sync.RWMutex
	closed    bool
	started   bool
	inbox     chan message
	done      chan struct{}
	closing   chan struct{}
	closeOnce sync.Once
}

func NewMailbox(streams *stream.Set, l *ledger.Ledger) *Mailbox {
	return &Mailbox{
		streams:  streams,
		ledger:   l,
		registry: newRegistry(),
		failures: newFailureLog(defaultFailureHistory),
		now:      time.Now,
		inbox:    make(chan message, defaultMailboxBuffer),
		done:     make(chan struct{}),
		closing:  make(chan struct{}),
	}
}

// Start launches the processing loop. Repeated calls are no-ops.
func (m *Mailbox) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.closed {
		return
	}
	m.started = true
	go m.loop()
}

// Close stops accepting messages, processes what is already queued, and
// waits for the loop to exit. Senders blocked on a full inbox give up with
// ErrMailboxClosed.
func (m *Mailbox) Close() {
	m.closeOnce.Do(func() { close(m.closing) })
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		<-m.done
		return
	}
	m.closed = true
	close(m.inbox)
	started := m.started
	m.mu.Unlock()
	if !started {
		close(m.done)
		return
	}
	<-m.done
}

// Register installs handle as the live receiver for id and reports whether it
// was accepted. Unknown ids fail with ErrUnknownStream.
func (m *Mailbox) Register(ctx context.Context, id stream.ID, handle stream.Handle, origin string) (bool, error) {
	if handle == nil {
		return false, ErrNilHandle
	}
	reply := make(chan registerReply, 1)
	if err := m.send(ctx, registerMsg{id: id, handle: handle, origin: origin, reply: reply}); err != nil {
		return false, err
	}
	select {
	case r := <-reply:
		return r.ok, r.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// ReportBlocks queues refs for id. It does not wait for processing.
func (m *Mailbox) ReportBlocks(ctx context.Context, id stream.ID, refs []stream.BlockRef, metadata any) error {
	if !m.streams.Known(id) {
		observability.RecordProtocolViolation("report_blocks")
		log.Error().Int("stream_id", int(id)).Int("blocks", len(refs)).Msg("tracker report_blocks for unknown stream")
		return fmt.Errorf("%w: %s", ErrUnknownStream, id)
	}
	owned := make([]stream.BlockRef, len(refs))
	copy(owned, refs)
	return m.send(ctx, reportBlocksMsg{id: id, refs: owned, metadata: metadata})
}

// Deregister removes the receiver for id and records reason as a failure.
func (m *Mailbox) Deregister(ctx context.Context, id stream.ID, reason string) error {
	return m.send(ctx, deregisterMsg{id: id, reason: reason})
}

// Snapshot returns the registry contents ordered by stream id.
func (m *Mailbox) Snapshot(ctx context.Context) ([]Registration, error) {
	reply := make(chan []Registration, 1)
	if err := m.send(ctx, snapshotMsg{reply: reply}); err != nil {
		return nil, err
	}
	select {
	case out := <-reply:
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RecentFailures returns up to limit deregistrations, oldest first.
func (m *Mailbox) RecentFailures(limit int) []Failure {
	return m.failures.recent(limit)
}

func (m *Mailbox) send(ctx context.Context, msg message) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrMailboxClosed
	}
	select {
	case m.inbox <- msg:
		return nil
	case <-m.closing:
		return ErrMailboxClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Mailbox) loop() {
	defer close(m.done)
	log.Debug().Int("streams", m.streams.Len()).Msg("tracker mailbox started")
	for msg := range m.inbox {
		m.handle(msg)
	}
	log.Debug().Int("registered", m.registry.len()).Msg("tracker mailbox closed")
}

func (m *Mailbox) handle(msg message) {
	switch msg := msg.(type) {
	case registerMsg:
		msg.reply <- m.handleRegister(msg)
	case reportBlocksMsg:
		m.handleReportBlocks(msg)
	case deregisterMsg:
		m.handleDeregister(msg)
	case snapshotMsg:
		msg.reply <- m.registry.snapshot()
	default:
		log.Warn().Str("kind", msg.kind()).Msg("tracker mailbox dropped unknown message")
	}
}

func (m *Mailbox) handleRegister(msg registerMsg) registerReply {
	if !m.streams.Known(msg.id) {
		observability.RecordProtocolViolation("register")
		log.Error().
			Int("stream_id", int(msg.id)).
			Str("address", msg.handle.Address()).
			Str("origin", msg.origin).
			Msg("tracker register for unknown stream")
		return registerReply{err: fmt.Errorf("%w: %s", ErrUnknownStream, msg.id)}
	}
	replaced := m.registry.put(msg.id, msg.handle)
	observability.RecordRegistration(int(msg.id), m.registry.len())
	log.Info().
		Int("stream_id", int(msg.id)).
		Str("address", msg.handle.Address()).
		Str("origin", msg.origin).
		Bool("replaced", replaced).
		Msg("tracker registered receiver")
	return registerReply{ok: true}
}

func (m *Mailbox) handleReportBlocks(msg reportBlocksMsg) {
	m.ledger.Append(msg.id, msg.refs)
	observability.RecordBlocksReported(int(msg.id), len(msg.refs))
	if in, ok := m.streams.Resolve(msg.id); ok {
		in.AddMetadata(msg.metadata)
	}
	log.Debug().Int("stream_id", int(msg.id)).Int("blocks", len(msg.refs)).Msg("tracker blocks reported")
}

func (m *Mailbox) handleDeregister(msg deregisterMsg) {
	h, ok := m.registry.remove(msg.id)
	if !ok {
		log.Error().
			Int("stream_id", int(msg.id)).
			Str("reason", msg.reason).
			Bool("registered", false).
			Msg("tracker receiver failed before registration")
		return
	}
	observability.RecordDeregistration(int(msg.id), m.registry.len())
	m.failures.record(Failure{
		StreamID: msg.id,
		Address:  h.Address(),
		Reason:   msg.reason,
		At:       m.now(),
	})
	log.Error().
		Int("stream_id", int(msg.id)).
		Str("address", h.Address()).
		Str("reason", msg.reason).
		Msg("tracker deregistered receiver")
}

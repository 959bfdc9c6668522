package receiver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/ingestctl/internal/protocol/frame"
	"github.com/danmuck/ingestctl/internal/protocol/schema"
	"github.com/danmuck/ingestctl/internal/protocol/session"
	"github.com/danmuck/ingestctl/internal/stream"
	"github.com/rs/zerolog/log"
)

var (
	ErrTrackerAddressRequired = errors.New("receiver: tracker address required")
	ErrAckTimeout             = errors.New("receiver: register.ack timeout")
	ErrSessionClosed          = errors.New("receiver: tracker session closed")
	ErrInvalidStreamID        = errors.New("receiver: invalid stream id")
)

const defaultAskTimeout = 5 * time.Second

type RemoteConfig struct {
	Address   string
	AuthToken string
	// Origin is sent with every registration; the worker name is used when blank.
	Origin             string
	AskTimeout         time.Duration
	Session            session.Config
	MaxConnectAttempts int
}

func DefaultRemoteConfig() RemoteConfig {
	return RemoteConfig{
		AskTimeout:         defaultAskTimeout,
		Session:            session.DefaultConfig(),
		MaxConnectAttempts: 5,
	}
}

// RemoteConnector dials one tracker session per launched receiver.
type RemoteConnector struct {
	cfg RemoteConfig
}

func NewRemoteConnector(cfg RemoteConfig) *RemoteConnector {
	return &RemoteConnector{cfg: cfg}
}

func (c *RemoteConnector) Connect(ctx context.Context, worker string) (stream.Endpoint, error) {
	cfg := c.cfg
	if strings.TrimSpace(cfg.Origin) == "" {
		cfg.Origin = worker
	}
	return Dial(ctx, cfg)
}

// RemoteEndpoint is a stream.Endpoint backed by a framed TCP session to the
// tracker. Stop frames from the tracker are delivered to the registered handle.
type RemoteEndpoint struct {
	cfg    RemoteConfig
	conn   net.Conn
	reader *bufio.Reader
	auth   []byte

	writeMu       sync.Mutex
	nextMessageID atomic.Uint64
	closeOnce     sync.Once

	mu      sync.Mutex
	closed  bool
	pending map[uint64]chan session.RegisterAck
	handles map[uint32]stream.Handle
	done    chan struct{}
}

// Dial connects to the tracker, retrying with backoff up to MaxConnectAttempts.
func Dial(ctx context.Context, cfg RemoteConfig) (*RemoteEndpoint, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, ErrTrackerAddressRequired
	}
	if cfg.AskTimeout <= 0 {
		cfg.AskTimeout = defaultAskTimeout
	}
	cfg.Session = cfg.Session.WithDefaults()
	backoff := session.NewBackoff(cfg.Session.Backoff, cfg.MaxConnectAttempts, rand.New(rand.NewSource(time.Now().UnixNano())))

	dialer := net.Dialer{Timeout: cfg.Session.ConnectTimeout}
	for {
		conn, err := dialer.DialContext(ctx, "tcp", cfg.Address)
		if err == nil {
			return newRemoteEndpoint(cfg, conn), nil
		}
		log.Warn().Err(err).Int("attempt", backoff.Attempts()+1).Str("addr", cfg.Address).Msg("receiver tracker dial")
		retry, waitErr := backoff.Wait(ctx)
		if waitErr != nil {
			return nil, waitErr
		}
		if !retry {
			return nil, err
		}
	}
}

func newRemoteEndpoint(cfg RemoteConfig, conn net.Conn) *RemoteEndpoint {
	e := &RemoteEndpoint{
		cfg:     cfg,
		conn:    conn,
		reader:  bufio.NewReader(conn),
		pending: make(map[uint64]chan session.RegisterAck),
		handles: make(map[uint32]stream.Handle),
		done:    make(chan struct{}),
	}
	if token := strings.TrimSpace(cfg.AuthToken); token != "" {
		e.auth = []byte(token)
	}
	e.nextMessageID.Store(uint64(time.Now().UnixNano()))
	go e.readLoop()
	return e
}

func (e *RemoteEndpoint) Register(ctx context.Context, id stream.ID, handle stream.Handle, origin string) (bool, error) {
	sid, err := wireID(id)
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(origin) == "" {
		origin = e.cfg.Origin
	}
	if strings.TrimSpace(origin) == "" {
		origin = e.conn.LocalAddr().String()
	}

	msgID := e.nextMessageID.Add(1)
	reply := make(chan session.RegisterAck, 1)
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false, ErrSessionClosed
	}
	e.pending[msgID] = reply
	e.handles[sid] = handle
	e.mu.Unlock()

	raw, err := session.EncodeRegisterFrame(e.envelope(msgID), session.Register{
		StreamID: sid,
		Origin:   origin,
		Address:  handle.Address(),
	})
	if err == nil {
		err = e.write(ctx, raw)
	}
	if err != nil {
		e.forget(msgID, sid)
		return false, err
	}

	timer := time.NewTimer(e.cfg.AskTimeout)
	defer timer.Stop()
	select {
	case ack, ok := <-reply:
		if !ok {
			e.forget(msgID, sid)
			return false, ErrSessionClosed
		}
		if !ack.Accepted() {
			e.forget(msgID, sid)
			return false, fmt.Errorf("%w: %s", ErrRegistrationRejected, ack.Message)
		}
		return true, nil
	case <-timer.C:
		e.forget(msgID, sid)
		return false, ErrAckTimeout
	case <-ctx.Done():
		e.forget(msgID, sid)
		return false, ctx.Err()
	}
}

func (e *RemoteEndpoint) ReportBlocks(ctx context.Context, id stream.ID, refs []stream.BlockRef, metadata any) error {
	sid, err := wireID(id)
	if err != nil {
		return err
	}
	meta, encoding, err := encodeMetadata(metadata)
	if err != nil {
		return err
	}
	rep := session.ReportBlocks{
		StreamID:         sid,
		BlockRefs:        make([]string, len(refs)),
		Metadata:         meta,
		MetadataEncoding: encoding,
	}
	for i, ref := range refs {
		rep.BlockRefs[i] = string(ref)
	}
	raw, err := session.EncodeReportBlocksFrame(e.envelope(e.nextMessageID.Add(1)), rep)
	if err != nil {
		return err
	}
	return e.write(ctx, raw)
}

func (e *RemoteEndpoint) Deregister(ctx context.Context, id stream.ID, reason string) error {
	sid, err := wireID(id)
	if err != nil {
		return err
	}
	raw, err := session.EncodeDeregisterFrame(e.envelope(e.nextMessageID.Add(1)), session.Deregister{
		StreamID: sid,
		Reason:   reason,
	})
	if err != nil {
		return err
	}
	if err := e.write(ctx, raw); err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.handles, sid)
	e.mu.Unlock()
	return nil
}

// Close ends the session and waits for the read loop to exit.
func (e *RemoteEndpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()
		err = e.conn.Close()
	})
	<-e.done
	return err
}

func (e *RemoteEndpoint) envelope(messageID uint64) session.Envelope {
	return session.Envelope{MessageID: messageID, Auth: e.auth}
}

func (e *RemoteEndpoint) write(ctx context.Context, raw []byte) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	deadline := time.Now().Add(e.cfg.Session.WriteTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := e.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if _, err := e.conn.Write(raw); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrSessionClosed
		}
		return err
	}
	return nil
}

func (e *RemoteEndpoint) forget(msgID uint64, sid uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pending, msgID)
	delete(e.handles, sid)
}

func (e *RemoteEndpoint) readLoop() {
	defer func() {
		e.mu.Lock()
		e.closed = true
		for id, ch := range e.pending {
			close(ch)
			delete(e.pending, id)
		}
		e.mu.Unlock()
		close(e.done)
	}()
	for {
		fr, err := session.ReadFrame(e.reader, frame.DefaultLimits())
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Debug().Err(err).Str("addr", e.cfg.Address).Msg("receiver tracker session ended")
			}
			return
		}
		switch fr.Header.MessageType {
		case schema.MsgRegisterAck:
			ack, err := session.DecodeRegisterAckFrame(fr)
			if err != nil {
				log.Warn().Err(err).Msg("receiver decode register.ack")
				continue
			}
			e.mu.Lock()
			ch, ok := e.pending[fr.Header.MessageID]
			delete(e.pending, fr.Header.MessageID)
			e.mu.Unlock()
			if ok {
				ch <- ack
			}
		case schema.MsgStop:
			stop, err := session.DecodeStopFrame(fr)
			if err != nil {
				log.Warn().Err(err).Msg("receiver decode stop")
				continue
			}
			e.mu.Lock()
			h, ok := e.handles[stop.StreamID]
			e.mu.Unlock()
			if !ok {
				log.Debug().Uint32("stream_id", stop.StreamID).Msg("receiver stop for unknown handle")
				continue
			}
			h.Stop(stop.Reason)
		default:
			log.Warn().Str("message", schema.MessageName(fr.Header.MessageType)).Msg("receiver unexpected message")
		}
	}
}

func wireID(id stream.ID) (uint32, error) {
	if id < 0 || int64(id) > int64(^uint32(0)) {
		return 0, fmt.Errorf("%w: %d", ErrInvalidStreamID, int(id))
	}
	return uint32(id), nil
}

// encodeMetadata puts metadata on the wire. Byte slices travel untouched and
// arrive as []byte; json.RawMessage and every other value arrive as
// json.RawMessage.
func encodeMetadata(metadata any) ([]byte, string, error) {
	switch m := metadata.(type) {
	case nil:
		return nil, "", nil
	case json.RawMessage:
		return m, session.MetadataJSON, nil
	case []byte:
		return m, session.MetadataRaw, nil
	default:
		raw, err := json.Marshal(m)
		if err != nil {
			return nil, "", fmt.Errorf("receiver: encode metadata: %w", err)
		}
		return raw, session.MetadataJSON, nil
	}
}

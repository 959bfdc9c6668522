package tracker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/ingestctl/internal/auth"
	"github.com/danmuck/ingestctl/internal/observability"
	"github.com/danmuck/ingestctl/internal/protocol/frame"
	"github.com/danmuck/ingestctl/internal/protocol/schema"
	"github.com/danmuck/ingestctl/internal/protocol/session"
	"github.com/danmuck/ingestctl/internal/stream"
	"github.com/rs/zerolog/log"
)

type EndpointConfig struct {
	Session   session.Config
	Validator auth.Validator
}

// EndpointServer exposes the mailbox to remote receivers over framed TCP.
// A dropped connection does not deregister its receivers.
type EndpointServer struct {
	cfg     EndpointConfig
	mailbox *Mailbox

	mu      sync.Mutex
	ln      net.Listener
	conns   map[net.Conn]struct{}
	closed  bool
	clients atomic.Int64
}

func NewEndpointServer(cfg EndpointConfig, mailbox *Mailbox) *EndpointServer {
	cfg.Session = cfg.Session.WithDefaults()
	if cfg.Validator == nil {
		cfg.Validator = auth.Open{}
	}
	return &EndpointServer{
		cfg:     cfg,
		mailbox: mailbox,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Serve accepts receiver sessions on ln until ctx is done or Close is called.
func (s *EndpointServer) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.ln = ln
	s.mu.Unlock()
	defer ln.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-stop:
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if !s.trackConn(conn) {
			_ = conn.Close()
			return nil
		}
		go s.handleConn(conn)
	}
}

func (s *EndpointServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Close stops accepting and drops every open session.
func (s *EndpointServer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.ln != nil {
		_ = s.ln.Close()
	}
	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
}

func (s *EndpointServer) handleConn(conn net.Conn) {
	defer conn.Close()
	defer s.untrackConn(conn)
	remote := conn.RemoteAddr().String()
	active := s.clients.Add(1)
	log.Info().Str("remote", remote).Int64("active_clients", active).Msg("tracker endpoint client connected")
	defer func() {
		remaining := s.clients.Add(-1)
		log.Info().Str("remote", remote).Int64("active_clients", remaining).Msg("tracker endpoint client disconnected")
	}()

	reader := bufio.NewReader(conn)
	out := &sessionWriter{conn: conn, timeout: s.cfg.Session.WriteTimeout}
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.Session.HandshakeTimeout))
	handshaking := true
	for {
		fr, err := session.ReadFrame(reader, frame.DefaultLimits())
		if err != nil {
			var netErr net.Error
			switch {
			case handshaking && errors.As(err, &netErr) && netErr.Timeout():
				observability.RecordProtocolViolation("handshake_timeout")
				log.Warn().
					Str("remote", remote).
					Dur("timeout", s.cfg.Session.HandshakeTimeout).
					Msg("tracker endpoint client sent no frame before handshake deadline")
			case !errors.Is(err, net.ErrClosed):
				log.Debug().Err(err).Str("remote", remote).Msg("tracker endpoint read ended")
			}
			return
		}
		if handshaking {
			_ = conn.SetReadDeadline(time.Time{})
			handshaking = false
		}
		if err := auth.CheckFrameAuth(s.cfg.Validator, fr.Auth); err != nil {
			observability.RecordProtocolViolation("auth")
			log.Warn().Err(err).Str("remote", remote).Msg("tracker endpoint rejected frame")
			return
		}
		if !s.dispatch(fr, out, remote) {
			return
		}
	}
}

// dispatch handles one inbound frame and reports whether the session should continue.
func (s *EndpointServer) dispatch(fr frame.Frame, out *sessionWriter, remote string) bool {
	switch fr.Header.MessageType {
	case schema.MsgRegister:
		reg, err := session.DecodeRegisterFrame(fr)
		if err != nil {
			log.Warn().Err(err).Str("remote", remote).Msg("tracker endpoint decode register")
			return false
		}
		addr := strings.TrimSpace(reg.Address)
		if addr == "" {
			addr = remote
		}
		handle := &sessionHandle{out: out, streamID: reg.StreamID, address: addr}
		ctx, cancel := context.WithTimeout(context.Background(), AskTimeout)
		ok, err := s.mailbox.Register(ctx, stream.ID(reg.StreamID), handle, reg.Origin)
		cancel()
		ack := session.RegisterAck{Status: session.AckStatusAccepted, Message: "registered"}
		if err != nil || !ok {
			ack.Status = session.AckStatusRejected
			ack.Message = "rejected"
			if err != nil {
				ack.Message = err.Error()
			}
		}
		if err := out.writeAck(fr.Header.MessageID, ack); err != nil {
			log.Warn().Err(err).Str("remote", remote).Msg("tracker endpoint write register.ack")
			return false
		}
		return true

	case schema.MsgReportBlocks:
		rep, err := session.DecodeReportBlocksFrame(fr)
		if err != nil {
			log.Warn().Err(err).Str("remote", remote).Msg("tracker endpoint decode report_blocks")
			return false
		}
		refs := make([]stream.BlockRef, len(rep.BlockRefs))
		for i, ref := range rep.BlockRefs {
			refs[i] = stream.BlockRef(ref)
		}
		metadata, err := decodeMetadata(rep)
		if err != nil {
			observability.RecordProtocolViolation("metadata_encoding")
			log.Warn().Err(err).Uint32("stream_id", rep.StreamID).Str("remote", remote).Msg("tracker endpoint decode metadata")
			return false
		}
		if err := s.mailbox.ReportBlocks(context.Background(), stream.ID(rep.StreamID), refs, metadata); err != nil {
			log.Warn().Err(err).Uint32("stream_id", rep.StreamID).Str("remote", remote).Msg("tracker endpoint report_blocks")
			return !errors.Is(err, ErrMailboxClosed)
		}
		return true

	case schema.MsgDeregister:
		msg, err := session.DecodeDeregisterFrame(fr)
		if err != nil {
			log.Warn().Err(err).Str("remote", remote).Msg("tracker endpoint decode deregister")
			return false
		}
		if err := s.mailbox.Deregister(context.Background(), stream.ID(msg.StreamID), msg.Reason); err != nil {
			log.Warn().Err(err).Uint32("stream_id", msg.StreamID).Msg("tracker endpoint deregister")
			return false
		}
		return true

	default:
		observability.RecordProtocolViolation("message_type")
		log.Warn().
			Str("message", schema.MessageName(fr.Header.MessageType)).
			Str("remote", remote).
			Msg("tracker endpoint unexpected message")
		return false
	}
}

func (s *EndpointServer) trackConn(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *EndpointServer) untrackConn(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

// sessionWriter serializes outbound frames on one connection.
type sessionWriter struct {
	mu      sync.Mutex
	conn    net.Conn
	timeout time.Duration
	nextID  atomic.Uint64
}

func (w *sessionWriter) write(raw []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	_, err := w.conn.Write(raw)
	return err
}

func (w *sessionWriter) writeAck(messageID uint64, ack session.RegisterAck) error {
	raw, err := session.EncodeRegisterAckFrame(session.Envelope{MessageID: messageID}, ack)
	if err != nil {
		return err
	}
	return w.write(raw)
}

// sessionHandle is the registry handle for a receiver registered over TCP.
type sessionHandle struct {
	out      *sessionWriter
	streamID uint32
	address  string
}

// Stop writes a stop frame without waiting for delivery.
func (h *sessionHandle) Stop(reason string) {
	go func() {
		raw, err := session.EncodeStopFrame(
			session.Envelope{MessageID: h.out.nextID.Add(1)},
			session.Stop{StreamID: h.streamID, Reason: reason},
		)
		if err == nil {
			err = h.out.write(raw)
		}
		if err != nil {
			log.Warn().Err(err).Uint32("stream_id", h.streamID).Str("address", h.address).Msg("tracker stop signal not delivered")
		}
	}()
}

func (h *sessionHandle) Address() string {
	return h.address
}

func decodeMetadata(rep session.ReportBlocks) (any, error) {
	if len(rep.Metadata) == 0 {
		return nil, nil
	}
	switch rep.MetadataEncoding {
	case session.MetadataRaw:
		return rep.Metadata, nil
	case session.MetadataJSON, "":
		return json.RawMessage(rep.Metadata), nil
	default:
		return nil, fmt.Errorf("%w: metadata encoding %q", ErrProtocolViolation, rep.MetadataEncoding)
	}
}

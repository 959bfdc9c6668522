package session

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/danmuck/ingestctl/internal/protocol/frame"
	"github.com/danmuck/ingestctl/internal/protocol/schema"
	"github.com/danmuck/ingestctl/internal/protocol/tlv"
)

const (
	AckStatusAccepted = "accepted"
	AckStatusRejected = "rejected"
)

var (
	ErrInvalidRegistration    = errors.New("session: invalid registration")
	ErrInvalidRegistrationAck = errors.New("session: invalid registration ack")
	ErrUnexpectedMessage      = errors.New("session: unexpected message type")
)

// Register is the receiver->tracker session-start payload.
type Register struct {
	StreamID uint32
	Origin   string
	Address  string
}

func (r Register) Validate() error {
	if strings.TrimSpace(r.Origin) == "" {
		return fmt.Errorf("%w: missing origin", ErrInvalidRegistration)
	}
	return nil
}

// RegisterAck is the tracker->receiver registration response.
type RegisterAck struct {
	Status  string
	Message string
}

func (a RegisterAck) Validate() error {
	status := strings.TrimSpace(a.Status)
	if status != AckStatusAccepted && status != AckStatusRejected {
		return fmt.Errorf("%w: invalid status %q", ErrInvalidRegistrationAck, a.Status)
	}
	return nil
}

func (a RegisterAck) Accepted() bool {
	return a.Status == AckStatusAccepted
}

// Metadata encodings carried beside report_blocks metadata.
const (
	MetadataJSON = "json"
	MetadataRaw  = "raw"
)

// ReportBlocks carries block references in production order. MetadataEncoding
// tells the tracker whether Metadata is a JSON document or opaque bytes; an
// absent marker means JSON.
type ReportBlocks struct {
	StreamID         uint32
	BlockRefs        []string
	Metadata         []byte
	MetadataEncoding string
}

type Deregister struct {
	StreamID uint32
	Reason   string
}

type Stop struct {
	StreamID uint32
	Reason   string
}

// Envelope carries framing options for one outbound message.
type Envelope struct {
	MessageID uint64
	Auth      []byte
	Response  bool
}

func EncodeRegisterFrame(env Envelope, reg Register) ([]byte, error) {
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	return encode(env, schema.MsgRegister, []tlv.Field{
		tlv.U32(schema.FieldStreamID, reg.StreamID),
		tlv.String(schema.FieldOrigin, reg.Origin),
		tlv.String(schema.FieldAddress, reg.Address),
	})
}

func DecodeRegisterFrame(f frame.Frame) (Register, error) {
	fields, err := decode(f, schema.MsgRegister)
	if err != nil {
		return Register{}, err
	}
	reg := Register{
		StreamID: getU32(fields, schema.FieldStreamID),
		Origin:   getString(fields, schema.FieldOrigin),
		Address:  getString(fields, schema.FieldAddress),
	}
	if err := reg.Validate(); err != nil {
		return Register{}, err
	}
	return reg, nil
}

// EncodeRegisterAckFrame always marks the frame as a response.
func EncodeRegisterAckFrame(env Envelope, ack RegisterAck) ([]byte, error) {
	if err := ack.Validate(); err != nil {
		return nil, err
	}
	env.Response = true
	return encode(env, schema.MsgRegisterAck, []tlv.Field{
		tlv.String(schema.FieldStatus, ack.Status),
		tlv.String(schema.FieldMessage, ack.Message),
	})
}

func DecodeRegisterAckFrame(f frame.Frame) (RegisterAck, error) {
	fields, err := decode(f, schema.MsgRegisterAck)
	if err != nil {
		return RegisterAck{}, err
	}
	ack := RegisterAck{
		Status:  getString(fields, schema.FieldStatus),
		Message: getString(fields, schema.FieldMessage),
	}
	if err := ack.Validate(); err != nil {
		return RegisterAck{}, err
	}
	return ack, nil
}

func EncodeReportBlocksFrame(env Envelope, rep ReportBlocks) ([]byte, error) {
	fields := make([]tlv.Field, 0, len(rep.BlockRefs)+3)
	fields = append(fields, tlv.U32(schema.FieldStreamID, rep.StreamID))
	for _, ref := range rep.BlockRefs {
		fields = append(fields, tlv.String(schema.FieldBlockRef, ref))
	}
	if len(rep.Metadata) > 0 {
		encoding := rep.MetadataEncoding
		if encoding == "" {
			encoding = MetadataJSON
		}
		fields = append(fields,
			tlv.Bytes(schema.FieldMetadata, rep.Metadata),
			tlv.String(schema.FieldMetadataEncoding, encoding),
		)
	}
	return encode(env, schema.MsgReportBlocks, fields)
}

func DecodeReportBlocksFrame(f frame.Frame) (ReportBlocks, error) {
	fields, err := decode(f, schema.MsgReportBlocks)
	if err != nil {
		return ReportBlocks{}, err
	}
	refs := tlv.GetFields(fields, schema.FieldBlockRef)
	rep := ReportBlocks{
		StreamID:  getU32(fields, schema.FieldStreamID),
		BlockRefs: make([]string, 0, len(refs)),
	}
	for _, ref := range refs {
		rep.BlockRefs = append(rep.BlockRefs, string(ref.Value))
	}
	if meta, ok := tlv.GetField(fields, schema.FieldMetadata); ok {
		rep.Metadata = meta.Value
		rep.MetadataEncoding = MetadataJSON
		if enc := getString(fields, schema.FieldMetadataEncoding); enc != "" {
			rep.MetadataEncoding = enc
		}
	}
	return rep, nil
}

func EncodeDeregisterFrame(env Envelope, msg Deregister) ([]byte, error) {
	return encode(env, schema.MsgDeregister, []tlv.Field{
		tlv.U32(schema.FieldStreamID, msg.StreamID),
		tlv.String(schema.FieldReason, msg.Reason),
	})
}

func DecodeDeregisterFrame(f frame.Frame) (Deregister, error) {
	fields, err := decode(f, schema.MsgDeregister)
	if err != nil {
		return Deregister{}, err
	}
	return Deregister{
		StreamID: getU32(fields, schema.FieldStreamID),
		Reason:   getString(fields, schema.FieldReason),
	}, nil
}

func EncodeStopFrame(env Envelope, msg Stop) ([]byte, error) {
	return encode(env, schema.MsgStop, []tlv.Field{
		tlv.U32(schema.FieldStreamID, msg.StreamID),
		tlv.String(schema.FieldReason, msg.Reason),
	})
}

func DecodeStopFrame(f frame.Frame) (Stop, error) {
	fields, err := decode(f, schema.MsgStop)
	if err != nil {
		return Stop{}, err
	}
	return Stop{
		StreamID: getU32(fields, schema.FieldStreamID),
		Reason:   getString(fields, schema.FieldReason),
	}, nil
}

// ReadFrame reads one framed message from the stream.
func ReadFrame(r io.Reader, limits frame.Limits) (frame.Frame, error) {
	return frame.ReadFrame(r, limits)
}

func encode(env Envelope, messageType uint32, fields []tlv.Field) ([]byte, error) {
	if err := schema.Validate(messageType, fields); err != nil {
		return nil, err
	}
	var flags uint32
	if env.Response {
		flags |= frame.FlagIsResponse
	}
	var buf bytes.Buffer
	err := frame.WriteFrame(&buf, frame.Frame{
		Header: frame.Header{
			MessageID:   env.MessageID,
			MessageType: messageType,
			Flags:       flags,
		},
		Auth:    env.Auth,
		Payload: tlv.EncodeFields(fields),
	}, frame.DefaultLimits())
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(f frame.Frame, messageType uint32) ([]tlv.Field, error) {
	if f.Header.MessageType != messageType {
		return nil, fmt.Errorf(
			"%w: got %s want %s",
			ErrUnexpectedMessage,
			schema.MessageName(f.Header.MessageType),
			schema.MessageName(messageType),
		)
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(messageType, fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// getString and getU32 assume schema.Validate already ran.
func getString(fields []tlv.Field, id uint16) string {
	f, _ := tlv.GetField(fields, id)
	return string(f.Value)
}

func getU32(fields []tlv.Field, id uint16) uint32 {
	f, _ := tlv.GetField(fields, id)
	v, _ := tlv.U32FromBytes(f.Value)
	return v
}

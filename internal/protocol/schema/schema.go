package schema

import (
	"fmt"

	"github.com/danmuck/ingestctl/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Message type IDs.
const (
	MsgRegister     uint32 = 1
	MsgRegisterAck  uint32 = 2
	MsgReportBlocks uint32 = 3
	MsgDeregister   uint32 = 4
	MsgStop         uint32 = 5
)

// Field IDs.
const (
	FieldStreamID uint16 = 1
	FieldOrigin   uint16 = 2
	FieldAddress  uint16 = 3

	FieldStatus  uint16 = 100
	FieldMessage uint16 = 101

	FieldBlockRef         uint16 = 200
	FieldMetadata         uint16 = 201
	FieldMetadataEncoding uint16 = 202

	FieldReason uint16 = 300
)

func MessageName(messageType uint32) string {
	switch messageType {
	case MsgRegister:
		return "register"
	case MsgRegisterAck:
		return "register.ack"
	case MsgReportBlocks:
		return "report_blocks"
	case MsgDeregister:
		return "deregister"
	case MsgStop:
		return "stop"
	default:
		return fmt.Sprintf("unknown(%d)", messageType)
	}
}

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var requirements = map[uint32][]Requirement{
	MsgRegister: {
		{FieldStreamID, tlv.TypeU32},
		{FieldOrigin, tlv.TypeString},
		{FieldAddress, tlv.TypeString},
	},
	MsgRegisterAck: {
		{FieldStatus, tlv.TypeString},
		{FieldMessage, tlv.TypeString},
	},
	MsgReportBlocks: {
		{FieldStreamID, tlv.TypeU32},
	},
	MsgDeregister: {
		{FieldStreamID, tlv.TypeU32},
		{FieldReason, tlv.TypeString},
	},
	MsgStop: {
		{FieldStreamID, tlv.TypeU32},
		{FieldReason, tlv.TypeString},
	},
}

// optional fields are type-checked on every occurrence when present.
var optional = map[uint32][]Requirement{
	MsgReportBlocks: {
		{FieldBlockRef, tlv.TypeString},
		{FieldMetadata, tlv.TypeBytes},
		{FieldMetadataEncoding, tlv.TypeString},
	},
}

// Validate enforces required fields and field types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	log.Debug().Uint32("message_type", messageType).Int("fields", len(fields)).Msg("schema validate")
	reqs, ok := requirements[messageType]
	if !ok {
		log.Error().Uint32("message_type", messageType).Msg("schema validate unknown message_type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Error().
				Str("message", MessageName(messageType)).
				Uint16("field_id", req.ID).
				Msg("schema validate missing field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Error().
				Str("message", MessageName(messageType)).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema validate type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	for _, opt := range optional[messageType] {
		for _, f := range tlv.GetFields(fields, opt.ID) {
			if f.Type != opt.Type {
				return ValidationError{MessageType: messageType, FieldID: opt.ID, Reason: "type mismatch"}
			}
		}
	}
	return nil
}

package schema

import (
	"fmt"

	"github.com/danmuck/testhost/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Message type IDs carried in frame.Header.MessageType.
const (
	MsgProcessInfo       uint32 = 1
	MsgProcessInfoResult uint32 = 2
	MsgInvoke            uint32 = 3
	MsgInvokeResult      uint32 = 4
	MsgError             uint32 = 5
)

// RequestType values carried in FieldRequestType.
const (
	RequestProvideProcessInfo = "ProvideProcessInfo"
	RequestRemoteInvoke       = "RemoteInvoke"
)

// Field IDs.
const (
	FieldRequestType uint16 = 1
	FieldRequestID   uint16 = 2
	FieldTimeoutMS   uint16 = 3

	FieldAssemblyName uint16 = 100
	FieldTypeName     uint16 = 101
	FieldMethodName   uint16 = 102
	FieldArgs         uint16 = 103

	FieldPID uint16 = 200

	FieldResults uint16 = 300
	FieldLog     uint16 = 301

	FieldStatus  uint16 = 400
	FieldMessage uint16 = 401
)

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
	MsgProcessInfo: {
		{FieldRequestType, tlv.TypeString},
	},
	MsgProcessInfoResult: {
		{FieldPID, tlv.TypeU64},
	},
	MsgInvoke: {
		{FieldRequestType, tlv.TypeString},
		{FieldAssemblyName, tlv.TypeString},
		{FieldTypeName, tlv.TypeString},
		{FieldMethodName, tlv.TypeString},
		{FieldArgs, tlv.TypeBytes},
	},
	MsgInvokeResult: {
		{FieldResults, tlv.TypeU32},
		{FieldLog, tlv.TypeString},
	},
	MsgError: {
		{FieldStatus, tlv.TypeString},
		{FieldMessage, tlv.TypeString},
	},
}

// requestTypes pins the RequestType string each request message must carry.
var requestTypes = map[uint32]string{
	MsgProcessInfo: RequestProvideProcessInfo,
	MsgInvoke:      RequestRemoteInvoke,
}

// Validate enforces required fields and their types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	log.Debug().Uint32("message_type", messageType).Int("fields", len(fields)).Msg("schema.validate")
	reqs, ok := requirements[messageType]
	if !ok {
		log.Debug().Uint32("message_type", messageType).Msg("schema.validate unknown message_type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Debug().Uint32("message_type", messageType).Uint16("field_id", req.ID).Msg("schema.validate missing field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Debug().
				Uint32("message_type", messageType).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema.validate type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	if want, ok := requestTypes[messageType]; ok {
		got, _ := tlv.StringValue(fields, FieldRequestType)
		if got != want {
			return ValidationError{
				MessageType: messageType,
				FieldID:     FieldRequestType,
				Reason:      fmt.Sprintf("request type %q, want %q", got, want),
			}
		}
	}
	return nil
}

// MessageName is used for metric labels and logs.
func MessageName(messageType uint32) string {
	switch messageType {
	case MsgProcessInfo:
		return RequestProvideProcessInfo
	case MsgInvoke:
		return RequestRemoteInvoke
	case MsgProcessInfoResult:
		return "ProcessInfoResult"
	case MsgInvokeResult:
		return "InvokeResult"
	case MsgError:
		return "Error"
	default:
		return "unknown"
	}
}

package schema

import (
	"fmt"

	"github.com/danmuck/genelink/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Message type IDs. These never travel on the wire (the data-kind id does);
// they name the body shapes validated here.
const (
	MsgAgreement           uint32 = 1
	MsgConnectRequest      uint32 = 2
	MsgConnectResponse     uint32 = 3
	MsgUpdateAgreement     uint32 = 4
	MsgAssignRelayBlock    uint32 = 5
	MsgAssignRelayRequest  uint32 = 6
	MsgAssignRelayResponse uint32 = 7
	MsgSetupRelay          uint32 = 8
	MsgTestBlock           uint32 = 9
	MsgDataIdentifier      uint32 = 10
	MsgPutRequest          uint32 = 11
	MsgCatalogEntry        uint32 = 12
	MsgCatalogList         uint32 = 13
	MsgResult              uint32 = 14
	MsgListRequest         uint32 = 15
)

// Field IDs.
const (
	FieldMaxBlockSize     uint16 = 1
	FieldMaxStreamLength  uint16 = 2
	FieldStreamBufferSize uint16 = 3
	FieldRetentionMics    uint16 = 4

	FieldPublicKey        uint16 = 100
	FieldEncapsulationKey uint16 = 101
	FieldCiphertext       uint16 = 102
	FieldAgreement        uint16 = 103
	FieldMaxFrameLength   uint16 = 104
	FieldSignature        uint16 = 105

	FieldToken uint16 = 200

	FieldAllowOpenSesami      uint16 = 300
	FieldAllowUnknownIncoming uint16 = 301
	FieldKeyAndNonce          uint16 = 302
	FieldInnerRelayID         uint16 = 310
	FieldOuterRelayID         uint16 = 311
	FieldRelayPoint           uint16 = 312
	FieldRelayNetAddress      uint16 = 313
	FieldOuterEndpoint        uint16 = 320
	FieldOuterKeyAndNonce     uint16 = 321

	FieldIdentifier  uint16 = 400
	FieldMaxLength   uint16 = 401
	FieldSize        uint16 = 402
	FieldDigest      uint16 = 403
	FieldUpdatedMics uint16 = 404
	FieldEntry       uint16 = 405
	FieldPrefix      uint16 = 406

	FieldMessage uint16 = 500
	FieldNumber  uint16 = 501
	FieldData    uint16 = 502

	FieldResult uint16 = 600
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
	MsgAgreement: {
		{FieldMaxBlockSize, tlv.TypeU64},
		{FieldMaxStreamLength, tlv.TypeU64},
		{FieldStreamBufferSize, tlv.TypeU64},
		{FieldRetentionMics, tlv.TypeU64},
	},
	MsgConnectRequest: {
		{FieldPublicKey, tlv.TypeBytes},
		{FieldEncapsulationKey, tlv.TypeBytes},
		{FieldAgreement, tlv.TypeBytes},
		{FieldMaxFrameLength, tlv.TypeU32},
		{FieldSignature, tlv.TypeBytes},
	},
	MsgConnectResponse: {
		{FieldResult, tlv.TypeU16},
		{FieldPublicKey, tlv.TypeBytes},
		{FieldCiphertext, tlv.TypeBytes},
		{FieldAgreement, tlv.TypeBytes},
		{FieldMaxFrameLength, tlv.TypeU32},
		{FieldSignature, tlv.TypeBytes},
	},
	MsgUpdateAgreement: {
		{FieldToken, tlv.TypeBytes},
	},
	MsgAssignRelayBlock: {
		{FieldAllowOpenSesami, tlv.TypeBool},
		{FieldAllowUnknownIncoming, tlv.TypeBool},
		{FieldKeyAndNonce, tlv.TypeBytes},
	},
	MsgAssignRelayRequest: {
		{FieldToken, tlv.TypeBytes},
	},
	MsgAssignRelayResponse: {
		{FieldResult, tlv.TypeU16},
		{FieldInnerRelayID, tlv.TypeU32},
		{FieldOuterRelayID, tlv.TypeU32},
		{FieldRelayPoint, tlv.TypeU64},
		{FieldRetentionMics, tlv.TypeU64},
		{FieldRelayNetAddress, tlv.TypeString},
	},
	MsgSetupRelay: {
		{FieldInnerRelayID, tlv.TypeU32},
		{FieldOuterEndpoint, tlv.TypeString},
		{FieldOuterKeyAndNonce, tlv.TypeBytes},
	},
	MsgTestBlock: {
		{FieldMessage, tlv.TypeString},
		{FieldNumber, tlv.TypeI64},
		{FieldData, tlv.TypeBytes},
	},
	MsgDataIdentifier: {
		{FieldIdentifier, tlv.TypeString},
	},
	MsgPutRequest: {
		{FieldIdentifier, tlv.TypeString},
		{FieldMaxLength, tlv.TypeI64},
	},
	MsgCatalogEntry: {
		{FieldIdentifier, tlv.TypeString},
		{FieldSize, tlv.TypeI64},
		{FieldDigest, tlv.TypeBytes},
		{FieldUpdatedMics, tlv.TypeI64},
	},
	// Entries repeat; an empty list has none.
	MsgCatalogList: {},
	MsgListRequest: {
		{FieldPrefix, tlv.TypeString},
	},
	MsgResult: {
		{FieldResult, tlv.TypeU16},
	},
}

// Validate enforces required fields and required field types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		log.Error().Uint32("message_type", messageType).Msg("schema.Validate unknown message_type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Debug().
				Uint32("message_type", messageType).
				Uint16("field_id", req.ID).
				Msg("schema.Validate missing field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Debug().
				Uint32("message_type", messageType).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema.Validate type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}

// Decode parses payload and validates it as messageType.
func Decode(messageType uint32, payload []byte) (tlv.Fields, error) {
	fields, err := tlv.DecodeFields(payload)
	if err != nil {
		return nil, err
	}
	if err := Validate(messageType, fields); err != nil {
		return nil, err
	}
	return fields, nil
}

package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	Magic   uint16 = 0x4C47
	Version uint8  = 1

	PacketHeaderSize = 12

	// DefaultMaxPacketLength keeps a datagram under common path MTUs.
	DefaultMaxPacketLength = 1400
	MinMaxPacketLength     = 256
)

// Exact encoded sizes, tag included.
const (
	CloseFrameSize         = 2
	KnockFrameSize         = 6
	KnockResponseFrameSize = 10
	FollowingGeneFrameSize = 12
	FirstGeneFrameSize     = 30
	AckFrameHeaderSize     = 4
)

var (
	ErrTruncated        = errors.New("frame: truncated")
	ErrUnknownFrameType = errors.New("frame: unknown frame type")
	ErrBadMagic         = errors.New("frame: bad magic")
	ErrBadVersion       = errors.New("frame: unsupported version")
	ErrTagMismatch      = errors.New("frame: tag does not match decoder")
	ErrInvalidMode      = errors.New("frame: invalid transmission mode")
	ErrInvalidRange     = errors.New("frame: invalid ack range")
	ErrFrameTooLarge    = errors.New("frame: exceeds max frame length")
)

var le = binary.LittleEndian

// Type is the 2-byte tag leading every frame.
type Type uint16

const (
	TypeClose         Type = 1
	TypeAck           Type = 2
	TypeFirstGene     Type = 3
	TypeFollowingGene Type = 4
	TypeKnock         Type = 5
	TypeKnockResponse Type = 6
)

func (t Type) String() string {
	switch t {
	case TypeClose:
		return "close"
	case TypeAck:
		return "ack"
	case TypeFirstGene:
		return "first_gene"
	case TypeFollowingGene:
		return "following_gene"
	case TypeKnock:
		return "knock"
	case TypeKnockResponse:
		return "knock_response"
	default:
		return fmt.Sprintf("type(%d)", uint16(t))
	}
}

func (t Type) Valid() bool {
	return t >= TypeClose && t <= TypeKnockResponse
}

// Mode selects block or stream reassembly.
type Mode uint8

const (
	ModeBlock  Mode = 1
	ModeStream Mode = 2
)

func (m Mode) String() string {
	switch m {
	case ModeBlock:
		return "block"
	case ModeStream:
		return "stream"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// DataControl carries per-gene flags.
type DataControl uint8

const (
	ControlResponse DataControl = 0x01
	ControlComplete DataControl = 0x02
	ControlCancel   DataControl = 0x04
)

func (c DataControl) Has(flag DataControl) bool {
	return c&flag != 0
}

// PacketHeader precedes every frame in a datagram.
type PacketHeader struct {
	Magic        uint16
	Version      uint8
	Flags        uint8
	ConnectionID uint64
}

// NewPacketHeader returns a header with the current magic and version.
func NewPacketHeader(connectionID uint64) PacketHeader {
	return PacketHeader{Magic: Magic, Version: Version, ConnectionID: connectionID}
}

// MaxFrameLength is the space left for a frame in a packet of maxPacketLength.
func MaxFrameLength(maxPacketLength int) int {
	return maxPacketLength - PacketHeaderSize
}

func AppendPacketHeader(dst []byte, h PacketHeader) []byte {
	dst = le.AppendUint16(dst, h.Magic)
	dst = append(dst, h.Version, h.Flags)
	return le.AppendUint64(dst, h.ConnectionID)
}

// DecodePacket splits a datagram into its header and frame type. rest starts
// at the frame tag, ready for the matching Decode function.
func DecodePacket(b []byte) (PacketHeader, Type, []byte, error) {
	if len(b) < PacketHeaderSize+2 {
		return PacketHeader{}, 0, nil, ErrTruncated
	}
	h := PacketHeader{
		Magic:        le.Uint16(b[0:2]),
		Version:      b[2],
		Flags:        b[3],
		ConnectionID: le.Uint64(b[4:12]),
	}
	if h.Magic != Magic {
		return h, 0, nil, ErrBadMagic
	}
	if h.Version != Version {
		return h, 0, nil, ErrBadVersion
	}
	rest := b[PacketHeaderSize:]
	t, err := PeekType(rest)
	if err != nil {
		return h, 0, nil, err
	}
	return h, t, rest, nil
}

// PeekType reads the 2-byte tag without consuming it.
func PeekType(b []byte) (Type, error) {
	if len(b) < 2 {
		return 0, ErrTruncated
	}
	t := Type(le.Uint16(b[0:2]))
	if !t.Valid() {
		return t, fmt.Errorf("%w: %d", ErrUnknownFrameType, uint16(t))
	}
	return t, nil
}

func expect(b []byte, t Type, size int) error {
	if len(b) < size {
		return fmt.Errorf("%w: %s needs %d bytes, have %d", ErrTruncated, t, size, len(b))
	}
	if got := Type(le.Uint16(b[0:2])); got != t {
		return fmt.Errorf("%w: got %s want %s", ErrTagMismatch, got, t)
	}
	return nil
}

type CloseFrame struct{}

func AppendClose(dst []byte) []byte {
	return le.AppendUint16(dst, uint16(TypeClose))
}

func DecodeClose(b []byte) (CloseFrame, error) {
	return CloseFrame{}, expect(b, TypeClose, CloseFrameSize)
}

// KnockFrame probes a remote endpoint.
type KnockFrame struct {
	Nonce uint32
}

func AppendKnock(dst []byte, f KnockFrame) []byte {
	dst = le.AppendUint16(dst, uint16(TypeKnock))
	return le.AppendUint32(dst, f.Nonce)
}

func DecodeKnock(b []byte) (KnockFrame, error) {
	if err := expect(b, TypeKnock, KnockFrameSize); err != nil {
		return KnockFrame{}, err
	}
	return KnockFrame{Nonce: le.Uint32(b[2:6])}, nil
}

// KnockResponseFrame echoes the knock nonce and advertises the responder's frame limit.
type KnockResponseFrame struct {
	Nonce          uint32
	MaxFrameLength uint32
}

func AppendKnockResponse(dst []byte, f KnockResponseFrame) []byte {
	dst = le.AppendUint16(dst, uint16(TypeKnockResponse))
	dst = le.AppendUint32(dst, f.Nonce)
	return le.AppendUint32(dst, f.MaxFrameLength)
}

func DecodeKnockResponse(b []byte) (KnockResponseFrame, error) {
	if err := expect(b, TypeKnockResponse, KnockResponseFrameSize); err != nil {
		return KnockResponseFrame{}, err
	}
	return KnockResponseFrame{
		Nonce:          le.Uint32(b[2:6]),
		MaxFrameLength: le.Uint32(b[6:10]),
	}, nil
}

// FirstGeneFrame opens a transmission. TotalGenes is meaningful for blocks,
// MaxLength for streams.
type FirstGeneFrame struct {
	Mode           Mode
	Control        DataControl
	TransmissionID uint32
	TotalGenes     uint32
	MaxLength      int64
	DataKind       uint64
	Result         uint16
}

func AppendFirstGene(dst []byte, f FirstGeneFrame) []byte {
	dst = le.AppendUint16(dst, uint16(TypeFirstGene))
	dst = append(dst, byte(f.Mode), byte(f.Control))
	dst = le.AppendUint32(dst, f.TransmissionID)
	dst = le.AppendUint32(dst, f.TotalGenes)
	dst = le.AppendUint64(dst, uint64(f.MaxLength))
	dst = le.AppendUint64(dst, f.DataKind)
	return le.AppendUint16(dst, f.Result)
}

// DecodeFirstGene returns the frame and the gene payload following it.
func DecodeFirstGene(b []byte) (FirstGeneFrame, []byte, error) {
	if err := expect(b, TypeFirstGene, FirstGeneFrameSize); err != nil {
		return FirstGeneFrame{}, nil, err
	}
	f := FirstGeneFrame{
		Mode:           Mode(b[2]),
		Control:        DataControl(b[3]),
		TransmissionID: le.Uint32(b[4:8]),
		TotalGenes:     le.Uint32(b[8:12]),
		MaxLength:      int64(le.Uint64(b[12:20])),
		DataKind:       le.Uint64(b[20:28]),
		Result:         le.Uint16(b[28:30]),
	}
	if f.Mode != ModeBlock && f.Mode != ModeStream {
		return f, nil, ErrInvalidMode
	}
	return f, b[FirstGeneFrameSize:], nil
}

// FollowingGeneFrame carries one gene at DataPosition (>= 1).
type FollowingGeneFrame struct {
	Control        DataControl
	TransmissionID uint32
	DataPosition   uint32
}

func AppendFollowingGene(dst []byte, f FollowingGeneFrame) []byte {
	dst = le.AppendUint16(dst, uint16(TypeFollowingGene))
	dst = append(dst, byte(f.Control), 0)
	dst = le.AppendUint32(dst, f.TransmissionID)
	return le.AppendUint32(dst, f.DataPosition)
}

func DecodeFollowingGene(b []byte) (FollowingGeneFrame, []byte, error) {
	if err := expect(b, TypeFollowingGene, FollowingGeneFrameSize); err != nil {
		return FollowingGeneFrame{}, nil, err
	}
	return FollowingGeneFrame{
		Control:        DataControl(b[2]),
		TransmissionID: le.Uint32(b[4:8]),
		DataPosition:   le.Uint32(b[8:12]),
	}, b[FollowingGeneFrameSize:], nil
}

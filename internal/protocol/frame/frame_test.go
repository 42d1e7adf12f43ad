package frame

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/danmuck/genelink/internal/testutil/testlog"
)

func TestFrameSizesAreExact(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name string
		b    []byte
		want int
	}{
		{"close", AppendClose(nil), CloseFrameSize},
		{"knock", AppendKnock(nil, KnockFrame{Nonce: 7}), KnockFrameSize},
		{"knock_response", AppendKnockResponse(nil, KnockResponseFrame{Nonce: 7, MaxFrameLength: 1388}), KnockResponseFrameSize},
		{"following_gene", AppendFollowingGene(nil, FollowingGeneFrame{TransmissionID: 1, DataPosition: 2}), FollowingGeneFrameSize},
		{"first_gene", AppendFirstGene(nil, FirstGeneFrame{Mode: ModeBlock}), FirstGeneFrameSize},
		{"ack_empty", AppendAck(nil, AckFrame{}), AckFrameHeaderSize},
	}
	for _, tc := range cases {
		if len(tc.b) != tc.want {
			t.Fatalf("%s: encoded %d bytes want %d", tc.name, len(tc.b), tc.want)
		}
	}
	if FirstGeneFrameSize != 30 || FollowingGeneFrameSize != 12 || KnockFrameSize != 6 ||
		KnockResponseFrameSize != 10 || CloseFrameSize != 2 {
		t.Fatalf("frame size constants drifted")
	}
}

func TestPacketRoundTrip(t *testing.T) {
	testlog.Start(t)
	pkt := AppendPacketHeader(nil, NewPacketHeader(0xAABBCCDD11223344))
	in := FirstGeneFrame{
		Mode:           ModeStream,
		Control:        ControlResponse,
		TransmissionID: 9,
		TotalGenes:     0,
		MaxLength:      1 << 40,
		DataKind:       0x1122334455667788,
		Result:         4,
	}
	pkt = AppendFirstGene(pkt, in)
	pkt = append(pkt, []byte("gene-bytes")...)

	h, typ, rest, err := DecodePacket(pkt)
	if err != nil {
		t.Fatalf("decode packet: %v", err)
	}
	if h.ConnectionID != 0xAABBCCDD11223344 || typ != TypeFirstGene {
		t.Fatalf("unexpected header %+v type %s", h, typ)
	}
	out, payload, err := DecodeFirstGene(rest)
	if err != nil {
		t.Fatalf("decode first gene: %v", err)
	}
	if out != in {
		t.Fatalf("first gene mismatch: got=%+v want=%+v", out, in)
	}
	if string(payload) != "gene-bytes" {
		t.Fatalf("payload = %q", payload)
	}
}

func TestFieldsAreLittleEndian(t *testing.T) {
	testlog.Start(t)
	b := AppendKnock(nil, KnockFrame{Nonce: 0x01020304})
	if !bytes.Equal(b, []byte{5, 0, 4, 3, 2, 1}) {
		t.Fatalf("knock bytes = %v", b)
	}
}

func TestDecodeRejectsShortInput(t *testing.T) {
	testlog.Start(t)
	full := AppendFollowingGene(nil, FollowingGeneFrame{TransmissionID: 3, DataPosition: 4})
	for n := 0; n < FollowingGeneFrameSize; n++ {
		if _, _, err := DecodeFollowingGene(full[:n]); !errors.Is(err, ErrTruncated) {
			t.Fatalf("len %d: expected ErrTruncated, got %v", n, err)
		}
	}
	first := AppendFirstGene(nil, FirstGeneFrame{Mode: ModeBlock})
	if _, _, err := DecodeFirstGene(first[:FirstGeneFrameSize-1]); !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
	if _, err := DecodeKnockResponse(AppendKnock(nil, KnockFrame{})); !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated for knock bytes as response, got %v", err)
	}
}

func TestDecodePacketErrors(t *testing.T) {
	testlog.Start(t)
	if _, _, _, err := DecodePacket([]byte{1, 2, 3}); !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
	bad := AppendPacketHeader(nil, PacketHeader{Magic: 0x1234, Version: Version})
	bad = AppendClose(bad)
	if _, _, _, err := DecodePacket(bad); !errors.Is(err, ErrBadMagic) {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
	unknown := AppendPacketHeader(nil, NewPacketHeader(1))
	unknown = append(unknown, 0x63, 0x00)
	if _, _, _, err := DecodePacket(unknown); !errors.Is(err, ErrUnknownFrameType) {
		t.Fatalf("expected ErrUnknownFrameType, got %v", err)
	}
}

func TestFirstGeneRejectsUnknownMode(t *testing.T) {
	testlog.Start(t)
	b := AppendFirstGene(nil, FirstGeneFrame{Mode: 9})
	if _, _, err := DecodeFirstGene(b); !errors.Is(err, ErrInvalidMode) {
		t.Fatalf("expected ErrInvalidMode, got %v", err)
	}
}

func TestAckRoundTrip(t *testing.T) {
	testlog.Start(t)
	in := AckFrame{Entries: []AckEntry{
		{TransmissionID: 1, SuccessPosition: 3, Ranges: []Range{{5, 7}, {9, 9}}},
		{TransmissionID: 2, Flags: AckResponse | AckBurstComplete, SuccessPosition: 40},
	}}
	b := AppendAck(nil, in)
	if len(b) != in.EncodedLen() {
		t.Fatalf("encoded %d bytes want %d", len(b), in.EncodedLen())
	}
	out, err := DecodeAck(b)
	if err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if len(out.Entries) != 2 {
		t.Fatalf("entries = %d", len(out.Entries))
	}
	if got := out.Entries[0]; got.SuccessPosition != 3 || len(got.Ranges) != 2 || got.Ranges[1] != (Range{9, 9}) {
		t.Fatalf("entry 0 = %+v", got)
	}
	if got := out.Entries[1]; got.Flags != AckResponse|AckBurstComplete || got.Ranges != nil {
		t.Fatalf("entry 1 = %+v", got)
	}
}

func TestAckRejectsOverlappingOrAdjacentRanges(t *testing.T) {
	testlog.Start(t)
	bad := []AckEntry{
		{SuccessPosition: 3, Ranges: []Range{{3, 4}}},
		{SuccessPosition: 0, Ranges: []Range{{2, 4}, {5, 6}}},
		{SuccessPosition: 0, Ranges: []Range{{6, 4}}},
		{SuccessPosition: 0, Ranges: []Range{{5, 8}, {2, 3}}},
		{SuccessPosition: 0, Ranges: []Range{{2, math.MaxUint32}, {1, 1}}},
		{SuccessPosition: 0, Ranges: []Range{{2, math.MaxUint32}, {4, 5}}},
	}
	for i, e := range bad {
		b := AppendAck(nil, AckFrame{Entries: []AckEntry{e}})
		if _, err := DecodeAck(b); !errors.Is(err, ErrInvalidRange) {
			t.Fatalf("case %d: expected ErrInvalidRange, got %v", i, err)
		}
	}
}

func TestAckAcceptsRangeEndingAtLastPosition(t *testing.T) {
	testlog.Start(t)
	e := AckEntry{SuccessPosition: 0, Ranges: []Range{{2, 3}, {9, math.MaxUint32}}}
	b := AppendAck(nil, AckFrame{Entries: []AckEntry{e}})
	if _, err := DecodeAck(b); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestMaxRanges(t *testing.T) {
	testlog.Start(t)
	if MaxRanges(AckEntryHeaderSize-1) != 0 {
		t.Fatalf("no room should give zero ranges")
	}
	if got := MaxRanges(AckEntryHeaderSize + 3*AckRangeSize + 5); got != 3 {
		t.Fatalf("MaxRanges = %d", got)
	}
}

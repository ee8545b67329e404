// Package wire implements the Courier datagram format.
//
// A packet is laid out as follows, all integers being little-endian:
//
//	+----------------+------------------+----------------+-----------+
//	| SenderID (16B) | ReceiverID (16B) | PacketID (16B) | Flags (4B)|
//	+----------------+------------------+----------------+-----------+
//	| Tag (1B) | Length (4B) | Body (Length bytes) |  ... repeated   |
//	+----------------------------------------------------------------+
//	| Checksum (32B) covering everything above                       |
//	+----------------------------------------------------------------+
//
// The header has a constant size so it can be inspected with [PeekHeader]
// before the checksum is even computed, which lets the receive path drop
// packets that are not addressed to us as early as possible.
package wire

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	idSize = 16

	// HeaderSize is the constant size of [Header] on the wire.
	HeaderSize = 3*idSize + 4

	// FooterSize is the size of the checksum appended after the frames.
	FooterSize = 32

	// FrameOverhead is the per-frame cost of the tag and the length prefix.
	FrameOverhead = 1 + 4

	// MinPacketSize is the smallest packet that may decode successfully.
	MinPacketSize = HeaderSize + FrameOverhead + FooterSize
)

// PeerID identifies a Courier endpoint. It is stable for the lifetime of
// the process and usually configured so it survives restarts.
type PeerID = uuid.UUID

// PacketID identifies a single packet, it is what acknowledgements refer to.
type PacketID = uuid.UUID

// MessageID identifies a multi-part message split across several packets.
type MessageID = uuid.UUID

// Broadcast is the reserved wildcard PeerID which matches every peer.
var Broadcast = uuid.Nil

// Flags is the packet-level bitset.
type Flags uint32

const (
	// FlagReliable asks the receiver to acknowledge the PacketID.
	FlagReliable Flags = 1 << iota
)

func (f Flags) Has(flag Flags) bool {
	return f&flag == flag
}

func (f Flags) String() string {
	if f == 0 {
		return "none"
	}

	var set []string
	if f.Has(FlagReliable) {
		set = append(set, "reliable")
	}
	if rest := f &^ FlagReliable; rest != 0 {
		set = append(set, fmt.Sprintf("0x%x", uint32(rest)))
	}
	return strings.Join(set, "|")
}

// Header is the fixed-size prefix of every packet.
type Header struct {
	Sender   PeerID
	Receiver PeerID
	PacketID PacketID
	Flags    Flags
}

// IsBroadcast reports whether the packet is addressed to every peer.
func (h Header) IsBroadcast() bool {
	return h.Receiver == Broadcast
}

func (h Header) appendTo(buf []byte) []byte {
	buf = append(buf, h.Sender[:]...)
	buf = append(buf, h.Receiver[:]...)
	buf = append(buf, h.PacketID[:]...)
	return binary.LittleEndian.AppendUint32(buf, uint32(h.Flags))
}

// PeekHeader decodes the header of a packet without verifying its
// checksum nor interpreting its frames.
func PeekHeader(buf []byte) (h Header, err error) {
	if len(buf) < MinPacketSize {
		return h, ErrTruncated
	}

	copy(h.Sender[:], buf[0:16])
	copy(h.Receiver[:], buf[16:32])
	copy(h.PacketID[:], buf[32:48])
	h.Flags = Flags(binary.LittleEndian.Uint32(buf[48:52]))
	return h, nil
}

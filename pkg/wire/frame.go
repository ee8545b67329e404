package wire

import (
	"encoding/binary"
	"fmt"
)

// FrameTag is the first byte of every frame, it tells the receiver how to
// interpret the body which follows the length prefix.
type FrameTag uint8

const (
	TagAck      FrameTag = 0x01
	TagAnnounce FrameTag = 0x02
	TagChunk    FrameTag = 0x03
	TagMessage  FrameTag = 0x04
)

// ChunkFixedSize is the size of the chunk frame fields preceding the body.
const ChunkFixedSize = idSize + 4 + 4

func (tag FrameTag) String() string {
	switch tag {
	case TagAck:
		return "ack"
	case TagAnnounce:
		return "announce"
	case TagChunk:
		return "chunk"
	case TagMessage:
		return "message"
	default:
		return fmt.Sprintf("unknown(0x%02x)", uint8(tag))
	}
}

// Frame is one of [AckFrame], [AnnounceFrame], [ChunkFrame] or
// [MessageFrame]. Consumers are expected to use a type switch.
type Frame interface {
	Tag() FrameTag
	appendBody(buf []byte) []byte
}

var (
	_ Frame = AckFrame{}
	_ Frame = AnnounceFrame{}
	_ Frame = ChunkFrame{}
	_ Frame = MessageFrame{}
)

// AckFrame acknowledges the reception of a reliable packet.
type AckFrame struct {
	PacketID PacketID
}

func (AckFrame) Tag() FrameTag { return TagAck }

func (f AckFrame) appendBody(buf []byte) []byte {
	return append(buf, f.PacketID[:]...)
}

// AnnounceFrame advertises the sender so other peers can discover it.
type AnnounceFrame struct {
	Descriptor Descriptor
}

func (AnnounceFrame) Tag() FrameTag { return TagAnnounce }

func (f AnnounceFrame) appendBody(buf []byte) []byte {
	return f.Descriptor.AppendBinary(buf)
}

// ChunkFrame carries one slice of a payload too large for a single packet.
type ChunkFrame struct {
	MessageID MessageID
	Index     uint32
	Count     uint32
	Body      []byte
}

func (ChunkFrame) Tag() FrameTag { return TagChunk }

func (f ChunkFrame) appendBody(buf []byte) []byte {
	buf = append(buf, f.MessageID[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, f.Index)
	buf = binary.LittleEndian.AppendUint32(buf, f.Count)
	return append(buf, f.Body...)
}

// MessageFrame carries a whole application payload. Addressing is taken
// from the packet [Header].
type MessageFrame struct {
	Body []byte
}

func (MessageFrame) Tag() FrameTag { return TagMessage }

func (f MessageFrame) appendBody(buf []byte) []byte {
	return append(buf, f.Body...)
}

// decodeFrame interprets a frame body. The returned frame aliases body.
func decodeFrame(tag FrameTag, body []byte) (Frame, error) {
	switch tag {
	case TagAck:
		if len(body) != idSize {
			return nil, fmt.Errorf("%w: ack of %d bytes", ErrFrameBody, len(body))
		}
		var f AckFrame
		copy(f.PacketID[:], body)
		return f, nil
	case TagAnnounce:
		var f AnnounceFrame
		if err := f.Descriptor.UnmarshalBinary(body); err != nil {
			return nil, err
		}
		return f, nil
	case TagChunk:
		if len(body) < ChunkFixedSize {
			return nil, fmt.Errorf("%w: chunk of %d bytes", ErrFrameBody, len(body))
		}
		var f ChunkFrame
		copy(f.MessageID[:], body[:idSize])
		f.Index = binary.LittleEndian.Uint32(body[idSize : idSize+4])
		f.Count = binary.LittleEndian.Uint32(body[idSize+4 : ChunkFixedSize])
		if f.Count == 0 || f.Index >= f.Count {
			return nil, fmt.Errorf("%w: chunk %d of %d", ErrFrameBody, f.Index, f.Count)
		}
		f.Body = body[ChunkFixedSize:]
		return f, nil
	case TagMessage:
		return MessageFrame{Body: body}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFrame, tag)
	}
}

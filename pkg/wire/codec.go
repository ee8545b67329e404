package wire

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Codec encodes and decodes packets using a given footer [Checksum].
// The zero value uses [DefaultChecksum].
type Codec struct {
	checksum Checksum
}

func NewCodec(checksum Checksum) (Codec, error) {
	if !checksum.Valid() {
		return Codec{}, fmt.Errorf("%w: %s", ErrInvalidChecksum, checksum)
	}
	return Codec{checksum: checksum}, nil
}

func (c Codec) Checksum() Checksum {
	if c.checksum == 0 {
		return DefaultChecksum
	}
	return c.checksum
}

// Encode serializes a packet made of the header and at least one frame.
func (c Codec) Encode(h Header, frames ...Frame) ([]byte, error) {
	if len(frames) == 0 {
		return nil, ErrNoFrame
	}

	buf := make([]byte, 0, HeaderSize+len(frames)*FrameOverhead+FooterSize+64)
	buf = h.appendTo(buf)
	for _, f := range frames {
		buf = append(buf, byte(f.Tag()), 0, 0, 0, 0)
		start := len(buf)
		buf = f.appendBody(buf)
		size := len(buf) - start
		if uint64(size) > math.MaxUint32 {
			return nil, fmt.Errorf("%w: %s frame", ErrFrameTooLarge, f.Tag())
		}
		binary.LittleEndian.PutUint32(buf[start-4:start], uint32(size))
	}

	sum := c.Checksum().sum(buf)
	return append(buf, sum[:]...), nil
}

// Decode verifies the checksum of buf then parses every frame it carries.
// Decoding is all-or-nothing: if any frame is malformed, no frame is
// returned. Frames may alias buf, callers must not reuse it.
func (c Codec) Decode(buf []byte) (Header, []Frame, error) {
	if len(buf) < MinPacketSize {
		return Header{}, nil, ErrTruncated
	}

	bodyEnd := len(buf) - FooterSize
	if !c.Checksum().verify(buf[:bodyEnd], buf[bodyEnd:]) {
		return Header{}, nil, ErrCorrupt
	}

	h, err := PeekHeader(buf)
	if err != nil {
		return Header{}, nil, err
	}

	var frames []Frame
	rest := buf[HeaderSize:bodyEnd]
	for len(rest) > 0 {
		if len(rest) < FrameOverhead {
			return Header{}, nil, ErrTruncated
		}
		tag := FrameTag(rest[0])
		size := uint64(binary.LittleEndian.Uint32(rest[1:FrameOverhead]))
		if size > uint64(len(rest)-FrameOverhead) {
			return Header{}, nil, ErrTruncated
		}
		end := FrameOverhead + int(size)
		f, err := decodeFrame(tag, rest[FrameOverhead:end:end])
		if err != nil {
			return Header{}, nil, err
		}
		frames = append(frames, f)
		rest = rest[end:]
	}

	if len(frames) == 0 {
		return Header{}, nil, ErrEmptyPacket
	}
	return h, frames, nil
}

// MessageOverhead is the size of a packet carrying a single [MessageFrame]
// minus the size of its body.
const MessageOverhead = HeaderSize + FrameOverhead + FooterSize

// ChunkOverhead is the size of a packet carrying a single [ChunkFrame]
// minus the size of its body.
const ChunkOverhead = HeaderSize + FrameOverhead + ChunkFixedSize + FooterSize

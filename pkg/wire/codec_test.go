package wire

import (
	"encoding/binary"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func testHeader() Header {
	return Header{
		Sender:   uuid.New(),
		Receiver: uuid.New(),
		PacketID: uuid.New(),
		Flags:    FlagReliable,
	}
}

func testFrames() []Frame {
	return []Frame{
		AckFrame{PacketID: uuid.New()},
		AnnounceFrame{Descriptor: Descriptor{
			ID:       uuid.New(),
			Name:     "node-a",
			Addr:     "127.0.0.1:6174",
			QUICAddr: "127.0.0.1:6175",
			Meta:     map[string]string{"zone": "eu-west", "role": "replica"},
		}},
		ChunkFrame{MessageID: uuid.New(), Index: 2, Count: 7, Body: []byte("some chunk")},
		MessageFrame{Body: []byte("hello")},
	}
}

// rawPacket builds a packet with a valid footer around an arbitrary body
// so we can exercise framing errors past the checksum.
func rawPacket(c Checksum, h Header, body []byte) []byte {
	buf := h.appendTo(nil)
	buf = append(buf, body...)
	sum := c.sum(buf)
	return append(buf, sum[:]...)
}

func TestCodec_RoundTrip(t *testing.T) {
	for _, algo := range []Checksum{ChecksumSHA256, ChecksumBLAKE2b, ChecksumBLAKE3} {
		t.Run(algo.String(), func(t *testing.T) {
			codec, err := NewCodec(algo)
			require.NoError(t, err)

			h := testHeader()
			frames := testFrames()
			buf, err := codec.Encode(h, frames...)
			require.NoError(t, err)

			gotHeader, gotFrames, err := codec.Decode(buf)
			require.NoError(t, err)
			require.Equal(t, h, gotHeader)
			require.Equal(t, frames, gotFrames)
		})
	}
}

func TestCodec_HeaderIsFixedSize(t *testing.T) {
	codec := Codec{}
	h := testHeader()

	small, err := codec.Encode(h, MessageFrame{Body: []byte("a")})
	require.NoError(t, err)
	large, err := codec.Encode(h, MessageFrame{Body: make([]byte, 4096)})
	require.NoError(t, err)

	require.Equal(t, small[:HeaderSize], large[:HeaderSize])
	require.Len(t, small, MessageOverhead+1)
	require.Len(t, large, MessageOverhead+4096)

	peeked, err := PeekHeader(large)
	require.NoError(t, err)
	require.Equal(t, h, peeked)
}

func TestCodec_SingleBitMutationIsCorrupt(t *testing.T) {
	codec := Codec{}
	buf, err := codec.Encode(testHeader(), AckFrame{PacketID: uuid.New()}, MessageFrame{Body: []byte("xyz")})
	require.NoError(t, err)

	for i := range buf {
		for bit := 0; bit < 8; bit++ {
			mutated := make([]byte, len(buf))
			copy(mutated, buf)
			mutated[i] ^= 1 << bit

			h, frames, err := codec.Decode(mutated)
			require.ErrorIs(t, err, ErrCorrupt, "byte %d bit %d", i, bit)
			require.Nil(t, frames)
			require.Equal(t, Header{}, h)
		}
	}
}

func TestCodec_ChecksumMismatchBetweenAlgorithms(t *testing.T) {
	sha, err := NewCodec(ChecksumSHA256)
	require.NoError(t, err)
	b3, err := NewCodec(ChecksumBLAKE3)
	require.NoError(t, err)

	buf, err := sha.Encode(testHeader(), MessageFrame{Body: []byte("hello")})
	require.NoError(t, err)

	_, _, err = b3.Decode(buf)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestCodec_Truncated(t *testing.T) {
	codec := Codec{}
	_, _, err := codec.Decode(make([]byte, MinPacketSize-1))
	require.ErrorIs(t, err, ErrTruncated)
	require.ErrorIs(t, err, ErrProtocolViolation)

	_, err = PeekHeader(make([]byte, HeaderSize))
	require.ErrorIs(t, err, ErrTruncated)
}

func TestCodec_UnknownFrameTag(t *testing.T) {
	h := testHeader()
	body := []byte{0x7f, 0, 0, 0, 0}
	buf := rawPacket(DefaultChecksum, h, body)

	_, frames, err := Codec{}.Decode(buf)
	require.ErrorIs(t, err, ErrUnknownFrame)
	require.ErrorIs(t, err, ErrProtocolViolation)
	require.Nil(t, frames)
}

func TestCodec_FrameLengthOverrun(t *testing.T) {
	body := []byte{byte(TagMessage)}
	body = binary.LittleEndian.AppendUint32(body, 1000)
	body = append(body, "short"...)
	buf := rawPacket(DefaultChecksum, testHeader(), body)

	_, _, err := Codec{}.Decode(buf)
	require.ErrorIs(t, err, ErrTruncated)
}

func TestCodec_AllOrNothing(t *testing.T) {
	codec := Codec{}
	valid, err := codec.Encode(testHeader(), MessageFrame{Body: []byte("fine")})
	require.NoError(t, err)

	// keep the valid message frame and append a chunk claiming index 3 of 2.
	body := append([]byte{}, valid[HeaderSize:len(valid)-FooterSize]...)
	chunk := ChunkFrame{MessageID: uuid.New(), Index: 3, Count: 2, Body: []byte("x")}
	body = append(body, byte(TagChunk))
	body = binary.LittleEndian.AppendUint32(body, uint32(ChunkFixedSize+1))
	body = chunk.appendBody(body)

	h, _ := PeekHeader(valid)
	buf := rawPacket(DefaultChecksum, h, body)

	gotHeader, frames, err := codec.Decode(buf)
	require.ErrorIs(t, err, ErrFrameBody)
	require.ErrorIs(t, err, ErrProtocolViolation)
	require.Nil(t, frames)
	require.Equal(t, Header{}, gotHeader)
}

func TestCodec_EncodeRequiresFrame(t *testing.T) {
	_, err := Codec{}.Encode(testHeader())
	require.ErrorIs(t, err, ErrNoFrame)
}

func TestParseChecksum(t *testing.T) {
	for input, expected := range map[string]Checksum{
		"":            ChecksumSHA256,
		"sha256":      ChecksumSHA256,
		"blake2b-256": ChecksumBLAKE2b,
		"blake3":      ChecksumBLAKE3,
	} {
		got, err := ParseChecksum(input)
		require.NoError(t, err)
		require.Equal(t, expected, got)
	}

	_, err := ParseChecksum("md5")
	require.ErrorIs(t, err, ErrInvalidChecksum)

	_, err = NewCodec(Checksum(42))
	require.ErrorIs(t, err, ErrInvalidChecksum)
}

func TestFlags(t *testing.T) {
	require.True(t, FlagReliable.Has(FlagReliable))
	require.False(t, Flags(0).Has(FlagReliable))
	require.Equal(t, "none", Flags(0).String())
	require.Equal(t, "reliable|0x4", (FlagReliable | 4).String())
	require.True(t, Header{Receiver: Broadcast}.IsBroadcast())
}

package wire

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"google.golang.org/protobuf/encoding/protowire"
)

// Descriptor is what a peer advertises about itself in announcements and
// gossip metadata. It is encoded using the protobuf wire format so new
// fields can be added without breaking older peers.
type Descriptor struct {
	ID PeerID

	// Name is a human-friendly label, it does not need to be unique.
	Name string

	// Addr is the advertised UDP address ("host:port"). When the host part is
	// empty or unspecified, receivers use the source address of the packet.
	Addr string

	// QUICAddr is set when the peer accepts QUIC datagram paths.
	QUICAddr string

	Meta map[string]string
}

const (
	fieldID protowire.Number = iota + 1
	fieldName
	fieldAddr
	fieldQUICAddr
	fieldMeta
)

const (
	fieldMetaKey protowire.Number = iota + 1
	fieldMetaValue
)

// AppendBinary appends the encoded descriptor to buf.
func (d Descriptor) AppendBinary(buf []byte) []byte {
	buf = protowire.AppendTag(buf, fieldID, protowire.BytesType)
	buf = protowire.AppendBytes(buf, d.ID[:])
	if d.Name != "" {
		buf = protowire.AppendTag(buf, fieldName, protowire.BytesType)
		buf = protowire.AppendString(buf, d.Name)
	}
	if d.Addr != "" {
		buf = protowire.AppendTag(buf, fieldAddr, protowire.BytesType)
		buf = protowire.AppendString(buf, d.Addr)
	}
	if d.QUICAddr != "" {
		buf = protowire.AppendTag(buf, fieldQUICAddr, protowire.BytesType)
		buf = protowire.AppendString(buf, d.QUICAddr)
	}

	// sorted so two encodings of the same descriptor are identical.
	for _, key := range slices.Sorted(maps.Keys(d.Meta)) {
		var entry []byte
		entry = protowire.AppendTag(entry, fieldMetaKey, protowire.BytesType)
		entry = protowire.AppendString(entry, key)
		entry = protowire.AppendTag(entry, fieldMetaValue, protowire.BytesType)
		entry = protowire.AppendString(entry, d.Meta[key])
		buf = protowire.AppendTag(buf, fieldMeta, protowire.BytesType)
		buf = protowire.AppendBytes(buf, entry)
	}
	return buf
}

func (d Descriptor) MarshalBinary() ([]byte, error) {
	return d.AppendBinary(nil), nil
}

func (d *Descriptor) UnmarshalBinary(buf []byte) error {
	*d = Descriptor{}
	hasID := false
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return fmt.Errorf("%w: descriptor: %w", ErrFrameBody, protowire.ParseError(n))
		}
		buf = buf[n:]

		if typ != protowire.BytesType || num > fieldMeta {
			// unknown field from a newer peer.
			n = protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return fmt.Errorf("%w: descriptor: %w", ErrFrameBody, protowire.ParseError(n))
			}
			buf = buf[n:]
			continue
		}

		val, n := protowire.ConsumeBytes(buf)
		if n < 0 {
			return fmt.Errorf("%w: descriptor: %w", ErrFrameBody, protowire.ParseError(n))
		}
		buf = buf[n:]

		switch num {
		case fieldID:
			if len(val) != idSize {
				return fmt.Errorf("%w: descriptor id of %d bytes", ErrFrameBody, len(val))
			}
			copy(d.ID[:], val)
			hasID = true
		case fieldName:
			d.Name = string(val)
		case fieldAddr:
			d.Addr = string(val)
		case fieldQUICAddr:
			d.QUICAddr = string(val)
		case fieldMeta:
			key, value, err := consumeMetaEntry(val)
			if err != nil {
				return err
			}
			if d.Meta == nil {
				d.Meta = make(map[string]string)
			}
			d.Meta[key] = value
		}
	}

	if !hasID {
		return fmt.Errorf("%w: descriptor without id", ErrFrameBody)
	}
	return nil
}

func consumeMetaEntry(buf []byte) (key, value string, err error) {
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return "", "", fmt.Errorf("%w: descriptor meta: %w", ErrFrameBody, protowire.ParseError(n))
		}
		buf = buf[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, buf)
		} else {
			var val []byte
			val, n = protowire.ConsumeBytes(buf)
			switch num {
			case fieldMetaKey:
				key = string(val)
			case fieldMetaValue:
				value = string(val)
			}
		}
		if n < 0 {
			return "", "", fmt.Errorf("%w: descriptor meta: %w", ErrFrameBody, protowire.ParseError(n))
		}
		buf = buf[n:]
	}
	return key, value, nil
}

// Clone returns a deep copy of the descriptor.
func (d Descriptor) Clone() Descriptor {
	d.Meta = maps.Clone(d.Meta)
	return d
}

func (d Descriptor) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", d.ID.String()),
		slog.String("name", d.Name),
		slog.String("addr", d.Addr),
		slog.String("quic_addr", d.QUICAddr),
	)
}

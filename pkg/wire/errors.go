package wire

import (
	"errors"
	"fmt"
)

var (
	// ErrCorrupt is returned when the footer checksum does not match the
	// content it covers. Such packets MUST be dropped without any further
	// processing.
	ErrCorrupt = errors.New("wire: checksum mismatch")

	// ErrProtocolViolation is returned when a packet is well-formed with
	// respect to its checksum but breaks the framing rules.
	ErrProtocolViolation = errors.New("wire: protocol violation")

	ErrTruncated    = fmt.Errorf("%w: truncated packet", ErrProtocolViolation)
	ErrUnknownFrame = fmt.Errorf("%w: unknown frame tag", ErrProtocolViolation)
	ErrEmptyPacket  = fmt.Errorf("%w: packet carries no frame", ErrProtocolViolation)
	ErrFrameBody    = fmt.Errorf("%w: malformed frame body", ErrProtocolViolation)

	ErrInvalidChecksum = errors.New("wire: unknown checksum algorithm")
	ErrNoFrame         = errors.New("wire: at least one frame is required")
	ErrFrameTooLarge   = errors.New("wire: frame body exceeds 4GiB")
)

package wire

import (
	"crypto/subtle"
	"fmt"

	"github.com/minio/sha256-simd"
	"golang.org/x/crypto/blake2b"
	"lukechampine.com/blake3"
)

// Checksum selects the 256-bit hash used for the packet footer.
// Both ends of a link MUST agree on it, otherwise every packet is Corrupt.
type Checksum uint8

const (
	ChecksumSHA256 Checksum = iota + 1
	ChecksumBLAKE2b
	ChecksumBLAKE3
)

// DefaultChecksum is used when no algorithm is configured.
const DefaultChecksum = ChecksumSHA256

var checksumNames = map[Checksum]string{
	ChecksumSHA256:  "sha256",
	ChecksumBLAKE2b: "blake2b-256",
	ChecksumBLAKE3:  "blake3",
}

// ParseChecksum resolves the configuration identifier of an algorithm.
// An empty name yields [DefaultChecksum].
func ParseChecksum(name string) (Checksum, error) {
	if name == "" {
		return DefaultChecksum, nil
	}
	for algo, algoName := range checksumNames {
		if algoName == name {
			return algo, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidChecksum, name)
}

func (c Checksum) String() string {
	name, ok := checksumNames[c]
	if !ok {
		return fmt.Sprintf("checksum(%d)", uint8(c))
	}
	return name
}

func (c Checksum) Valid() bool {
	_, ok := checksumNames[c]
	return ok
}

func (c Checksum) sum(data []byte) [FooterSize]byte {
	switch c {
	case ChecksumBLAKE2b:
		return blake2b.Sum256(data)
	case ChecksumBLAKE3:
		return blake3.Sum256(data)
	default:
		return sha256.Sum256(data)
	}
}

func (c Checksum) verify(data, footer []byte) bool {
	expected := c.sum(data)
	return subtle.ConstantTimeCompare(expected[:], footer) == 1
}

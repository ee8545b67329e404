package courier

import (
	"crypto/x509"
	"fmt"

	"github.com/google/uuid"
	"github.com/raskyld/courier/pkg/wire"
)

// PeerResolver can resolve a peer id from a list of `x509.Certificate`,
// those certificates are the one received from a remote peer.
//
// The contract of this function is:
//
// *Implementations* MUST NOT be blocking, since they are invoked on
// the connection establishment critical path.
//
// If the resolution is successful, *Implementations* MUST return the peer
// id and a nil error.
//
// Otherwise, *Implementations* MUST return a human-friendly reason as a
// second value, which will be sent to the remote peer, so they can debug
// the error. If they return a non-nil error but an empty reason,
// a `QErrInternal` is returned to the remote instead.
type PeerResolver func(certs []*x509.Certificate) (id wire.PeerID, reason string, err error)

// CommonNameResolver is the default resolver, it parses the peer id from
// the x509 Subject Common Name of the peer certificate.
func CommonNameResolver(certs []*x509.Certificate) (wire.PeerID, string, error) {
	if len(certs) == 0 {
		return wire.Broadcast, "it seems like you haven't provided client certificate", ErrPeerResolve
	}

	id, err := uuid.Parse(certs[0].Subject.CommonName)
	if err != nil {
		return wire.Broadcast, "certificate common name is not a peer id", fmt.Errorf("%w: %w", ErrPeerResolve, err)
	}
	if id == wire.Broadcast {
		return wire.Broadcast, "certificate common name is the broadcast id", ErrPeerResolve
	}
	return id, "", nil
}

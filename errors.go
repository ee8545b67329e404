package courier

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"
)

var (
	ErrInvalidCfg  = errors.New("courier: invalid options")
	ErrNoRoute     = errors.New("courier: no route to peer")
	ErrShutdown    = errors.New("courier: shutting down")
	ErrJoinCluster = errors.New("courier: could not join cluster")
	ErrNoGossip    = errors.New("courier: gossip is not enabled")

	ErrBufferSize      = errors.New("transport: could not allocate udp buffer")
	ErrPeerResolve     = errors.New("transport: could not resolve peer id from certificate")
	ErrPeerMismatch    = errors.New("transport: peer id does not match the dialed peer")
	ErrInvalidAddr     = errors.New("transport: the address you provided is invalid")
	ErrUdpNotAvailable = errors.New("transport: UDP listener not available")
	ErrNoTLSConfig     = errors.New("transport: TlsConfig is required")
)

var (
	QErrInternal = QuicApplicationError{
		Code:   0x1,
		Prefix: "internal",
	}
	QErrPeerID = QuicApplicationError{
		Code:   0x2,
		Prefix: "peer id",
	}
	QErrShutdown = QuicApplicationError{
		Code:   0x3,
		Prefix: "shutdown",
	}
)

type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr *QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}

package courier

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
	"github.com/raskyld/courier/pkg/wire"
	"go.uber.org/multierr"
)

// quicALPN is negotiated during the TLS handshake of QUIC paths.
const quicALPN = "courier/1"

// quicLayer carries Courier packets as QUIC datagrams. Each established
// connection becomes a routing path to the peer named by its certificate.
type quicLayer struct {
	cfg     *quicConfig
	tlsConf *tls.Config
	logger  *slog.Logger
	msink   metrics.MetricSink
	labels  []metrics.Label
	localID wire.PeerID
	hooks   quicHooks

	// graceful termination asked, do not spam of connection error in logs
	gracefulTerm atomic.Bool

	lk      sync.Mutex
	conns   map[wire.PeerID][]*quicPath
	dialing map[wire.PeerID]struct{}
	wg      sync.WaitGroup

	tr    *quic.Transport
	ln    *quic.Listener
	udpLn *net.UDPConn
}

type quicHooks struct {
	onPath     func(path *quicPath)
	onPathDown func(path *quicPath)
	onDatagram func(buf []byte, path *quicPath)
}

// quicPath is a routing path over one QUIC connection.
type quicPath struct {
	peer wire.PeerID
	conn quic.Connection
}

func (p *quicPath) Send(packet []byte) error {
	return p.conn.SendDatagram(packet)
}

func (p *quicPath) String() string {
	return "quic://" + p.conn.RemoteAddr().String()
}

func (p *quicPath) remoteAddr() netip.AddrPort {
	if udp, ok := p.conn.RemoteAddr().(*net.UDPAddr); ok {
		addr := udp.AddrPort()
		return netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
	}
	return netip.AddrPort{}
}

func newQUICLayer(
	cfg *quicConfig,
	localID wire.PeerID,
	logger *slog.Logger,
	msink metrics.MetricSink,
	labels []metrics.Label,
	hooks quicHooks,
) (q *quicLayer, err error) {
	q = &quicLayer{
		cfg:     cfg,
		logger:  logger.With("layer", "quic"),
		msink:   msink,
		labels:  labels,
		localID: localID,
		hooks:   hooks,
		conns:   make(map[wire.PeerID][]*quicPath),
		dialing: make(map[wire.PeerID]struct{}),
	}

	built := q
	defer func() {
		if err != nil {
			built.Shutdown()
		}
	}()

	tlsConf := cfg.tlsConf.Clone()
	tlsConf.NextProtos = []string{quicALPN}
	q.tlsConf = tlsConf

	udpAddr, err := bindAddr(cfg.bindAddr, cfg.bindPort)
	if err != nil {
		return nil, err
	}

	udpLn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate QUIC UDP listener: %w", err)
	}
	q.udpLn = udpLn

	q.tr = &quic.Transport{
		Conn: udpLn,
	}

	ln, err := q.tr.Listen(q.tlsConf, q.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate QUIC listener: %w", err)
	}
	q.ln = ln

	q.wg.Add(1)
	go q.acceptCx()
	return q, nil
}

func (q *quicLayer) quicConfig() *quic.Config {
	return &quic.Config{
		Versions:             []quic.Version{quic.Version2, quic.Version1},
		EnableDatagrams:      true,
		Allow0RTT:            false,
		HandshakeIdleTimeout: q.cfg.dialTimeout,
		MaxIdleTimeout:       1 * time.Minute,
		KeepAlivePeriod:      15 * time.Second,
	}
}

func (q *quicLayer) LocalAddr() netip.AddrPort {
	if q.udpLn == nil {
		return netip.AddrPort{}
	}
	addr := q.udpLn.LocalAddr().(*net.UDPAddr).AddrPort()
	return netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
}

// dialAsync connects to id at addr in the background, unless we already
// have a connection with it.
func (q *quicLayer) dialAsync(id wire.PeerID, addr string) {
	q.lk.Lock()
	if q.gracefulTerm.Load() {
		q.lk.Unlock()
		return
	}
	if _, inProgress := q.dialing[id]; inProgress || len(q.garbageCollectCxs(id)) > 0 {
		q.lk.Unlock()
		return
	}
	q.dialing[id] = struct{}{}
	q.wg.Add(1)
	q.lk.Unlock()

	go func() {
		defer q.wg.Done()
		defer func() {
			q.lk.Lock()
			delete(q.dialing, id)
			q.lk.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), q.cfg.dialTimeout)
		defer cancel()
		if _, err := q.dial(ctx, id, addr); err != nil && !q.gracefulTerm.Load() {
			q.logger.Warn("failed to open QUIC path", LabelPeerID.L(id), LabelPeerAddr.L(addr), LabelError.L(err))
		}
	}()
}

func (q *quicLayer) dial(ctx context.Context, id wire.PeerID, target string) (*quicPath, error) {
	addr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}

	conn, err := q.tr.Dial(ctx, addr, q.tlsConf, q.quicConfig())
	if q.gracefulTerm.Load() {
		if conn != nil {
			QErrShutdown.Close(conn, "we are shutting down! bye!")
		}
		return nil, ErrShutdown
	}
	if err != nil {
		q.msink.IncrCounterWithLabels(
			MetricQUICConnErrorCount,
			1.0,
			withLabels(q.labels, LabelPeerAddr.M(target), LabelError.M("dial")),
		)
		return nil, err
	}

	return q.handleConn(conn, id)
}

func (q *quicLayer) acceptCx() {
	defer q.wg.Done()
	for {
		conn, err := q.ln.Accept(context.Background())
		if err != nil {
			if !q.gracefulTerm.Load() {
				// atm, the implementation only return errors if Close()
				// has been called.
				q.logger.Warn("unexpected QUIC listener closure", LabelError.L(err))
			}
			return
		}

		q.handleConn(conn, wire.Broadcast)
	}
}

// handleConn registers an established connection. When expected is not
// the broadcast id, the certificate of the remote must name that peer.
func (q *quicLayer) handleConn(conn quic.Connection, expected wire.PeerID) (*quicPath, error) {
	remote := conn.RemoteAddr().String()
	logger := q.logger.With(LabelPeerAddr.L(remote))
	mLabels := withLabels(q.labels, LabelPeerAddr.M(remote))

	id, reason, err := q.cfg.resolver(conn.ConnectionState().TLS.PeerCertificates)
	if err != nil {
		logger.Error("failed to resolve peer id", LabelError.L(err))
		q.msink.IncrCounterWithLabels(
			MetricQUICConnErrorCount,
			1.0,
			append(mLabels, LabelError.M("peer_resolution")),
		)
		if reason == "" {
			QErrInternal.Close(conn, "unexpected error during peer id resolution")
		} else {
			QErrPeerID.Close(conn, fmt.Sprintf("error during resolution: %s", reason))
		}
		return nil, err
	}

	if (expected != wire.Broadcast && id != expected) || id == q.localID {
		logger.Warn("QUIC peer is not who we expected", LabelPeerID.L(id), "expected", expected)
		q.msink.IncrCounterWithLabels(
			MetricQUICConnErrorCount,
			1.0,
			append(mLabels, LabelError.M("peer_mismatch")),
		)
		QErrPeerID.Close(conn, "certificate does not match the expected peer")
		return nil, ErrPeerMismatch
	}

	if !conn.ConnectionState().SupportsDatagrams {
		QErrInternal.Close(conn, "datagrams are required")
		return nil, fmt.Errorf("%w: peer does not support datagrams", ErrInvalidCfg)
	}

	path := &quicPath{peer: id, conn: conn}
	q.lk.Lock()
	if q.gracefulTerm.Load() {
		q.lk.Unlock()
		QErrShutdown.Close(conn, "we are shutting down! bye!")
		return nil, ErrShutdown
	}
	q.conns[id] = append(q.garbageCollectCxs(id), path)
	q.wg.Add(1)
	q.lk.Unlock()

	q.msink.IncrCounterWithLabels(MetricQUICConnEstCount, 1.0, append(mLabels, LabelPeerID.M(id.String())))
	logger.Info("QUIC path established", LabelPeerID.L(id))

	if q.hooks.onPath != nil {
		q.hooks.onPath(path)
	}
	go q.waitForDatagrams(path)
	return path, nil
}

func (q *quicLayer) waitForDatagrams(path *quicPath) {
	defer q.wg.Done()
	ctx := path.conn.Context()
	logger := q.logger.With(LabelPath.L(path.String()), LabelPeerID.L(path.peer))
	mLabels := withLabels(q.labels, LabelPeerAddr.M(path.conn.RemoteAddr().String()))

	for {
		buf, err := path.conn.ReceiveDatagram(ctx)
		if q.gracefulTerm.Load() {
			logger.Debug("datagram listener gracefully shutting down")
			break
		}

		if err != nil {
			if ctx.Err() != nil {
				logger.Info("QUIC path closed", LabelError.L(context.Cause(ctx)))
				break
			}
			q.msink.IncrCounterWithLabels(
				MetricDatagramInErrorCount,
				1.0,
				append(mLabels, LabelError.M("unknown")),
			)
			logger.Error("error reading QUIC datagram", LabelError.L(err))
			continue
		}

		q.msink.IncrCounterWithLabels(MetricDatagramInBytes, float32(len(buf)), mLabels)
		if q.hooks.onDatagram != nil {
			q.hooks.onDatagram(buf, path)
		}
	}

	q.lk.Lock()
	q.garbageCollectCxs(path.peer)
	q.lk.Unlock()
	if q.hooks.onPathDown != nil {
		q.hooks.onPathDown(path)
	}
}

// not thread safe!
// must be called by an holder of the lock
func (q *quicLayer) garbageCollectCxs(id wire.PeerID) []*quicPath {
	paths, hasPaths := q.conns[id]
	if !hasPaths {
		return nil
	}

	cleanedUpList := make([]*quicPath, 0, len(paths))
	for _, path := range paths {
		if path.conn.Context().Err() == nil {
			cleanedUpList = append(cleanedUpList, path)
		}
	}

	if len(cleanedUpList) == 0 {
		delete(q.conns, id)
		return nil
	}
	q.conns[id] = cleanedUpList
	return cleanedUpList
}

func (q *quicLayer) Shutdown() error {
	q.lk.Lock()
	if !q.gracefulTerm.CompareAndSwap(false, true) {
		// no-op because it was already shutdown
		q.lk.Unlock()
		return nil
	}
	for _, paths := range q.conns {
		for _, path := range paths {
			QErrShutdown.Close(path.conn, "we are shutting down! bye!")
		}
	}
	q.lk.Unlock()

	var err error
	if q.ln != nil {
		err = multierr.Append(err, q.ln.Close())
	}
	if q.tr != nil {
		err = multierr.Append(err, q.tr.Close())
	}
	if q.udpLn != nil {
		err = multierr.Append(err, q.udpLn.Close())
	}
	q.wg.Wait()
	return err
}

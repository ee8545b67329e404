package courier

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/serf/serf"
	"github.com/raskyld/courier/pkg/ack"
	"github.com/raskyld/courier/pkg/fragment"
	"github.com/raskyld/courier/pkg/peer"
	"github.com/raskyld/courier/pkg/route"
	"github.com/raskyld/courier/pkg/wire"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// State of a `Node`. It only ever moves forward.
type State uint32

const (
	StateStarting State = iota
	StateRunning
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting-down"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Node is a Courier endpoint. It owns the sockets and every shared
// structure of the protocol: peers, routes, pending acknowledgements and
// reassemblies.
type Node struct {
	config config
	logger *slog.Logger
	msink  metrics.MetricSink
	clock  clock.Clock

	id     wire.PeerID
	codec  wire.Codec
	descLk sync.RWMutex
	desc   wire.Descriptor

	// transports
	tr       *Transport
	quic     *quicLayer
	announce []netip.AddrPort

	// gossip
	serf    *serf.Serf
	eventCh chan serf.Event

	// protocol state
	peers  *peer.Registry
	routes *route.Table
	acks   *ack.Coordinator
	frags  *fragment.Engine
	resend *resender
	inbox  chan Message

	// lk guards state transitions against new reliable sends, so the
	// shutdown drain sees every in-flight send.
	lk       sync.RWMutex
	state    atomic.Uint32
	inflight sync.WaitGroup

	ctx       context.Context
	cancel    context.CancelFunc
	group     *errgroup.Group
	stoppedCh chan struct{}
}

func Create(opts ...Option) (n *Node, err error) {
	n = &Node{
		routes:    route.NewTable(),
		stoppedCh: make(chan struct{}),
	}

	for _, opt := range opts {
		if err := opt(&n.config); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}
	n.config.setDefaults()
	if n.config.quic != nil && n.config.quic.tlsConf == nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, ErrNoTLSConfig)
	}

	// Logging implementations.
	if n.config.logHandler != nil {
		n.logger = slog.New(n.config.logHandler)
	} else {
		n.logger = slog.Default()
	}
	n.msink = n.config.msink
	n.clock = n.config.clock

	n.id = n.config.peerID
	if n.id == wire.Broadcast {
		n.id = uuid.New()
	}
	n.logger = n.logger.With(LabelPeerID.L(n.id))

	n.codec, err = wire.NewCodec(n.config.checksum)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}

	for _, target := range n.config.announceTargets {
		addr, err := resolveTarget(target)
		if err != nil {
			return nil, fmt.Errorf("%w: announce target: %w", ErrInvalidCfg, err)
		}
		n.announce = append(n.announce, addr)
	}

	n.peers = peer.NewRegistry(n.logger, n.clock)
	n.acks = ack.NewCoordinator(n.clock)
	n.frags = fragment.NewEngine(
		fragment.WithClock(n.clock),
		fragment.WithExpiry(n.config.reassemblyExpiry),
	)
	n.resend = newResender(n)
	n.inbox = make(chan Message, n.config.inboxSize)

	built := n
	defer func() {
		if err != nil {
			built.release()
		}
	}()

	// Initiate the UDP transport layer.
	n.tr, err = NewTransport(&n.config.trCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}

	if n.config.quic != nil {
		n.quic, err = newQUICLayer(
			n.config.quic,
			n.id,
			n.logger,
			n.msink,
			n.config.metricLabels,
			quicHooks{
				onPath:     n.onQUICPath,
				onPathDown: n.onQUICPathDown,
				onDatagram: n.onQUICDatagram,
			},
		)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	n.desc = n.localDescriptor()

	if n.config.gossip != nil {
		if err = n.createSerf(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	n.ctx, n.cancel = context.WithCancel(context.Background())
	n.group, _ = errgroup.WithContext(n.ctx)
	n.group.Go(n.receiveLoop)
	n.group.Go(n.announceLoop)
	n.group.Go(n.resendLoop)
	n.group.Go(func() error {
		return n.frags.Run(n.ctx, n.config.reapInterval, func(reaped int) {
			n.msink.IncrCounterWithLabels(MetricReassemblyExpiredCount, float32(reaped), n.config.metricLabels)
			n.logger.Debug("discarded incomplete reassemblies", "count", reaped)
		})
	})
	if n.serf != nil {
		n.group.Go(n.handleEvents)
	}

	n.state.Store(uint32(StateRunning))
	n.logger.Info("node started", "udp", n.tr.LocalAddr(), "descriptor", n.desc)
	return n, nil
}

func resolveTarget(target string) (netip.AddrPort, error) {
	addr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}
	ap := addr.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
}

func (n *Node) localDescriptor() wire.Descriptor {
	desc := wire.Descriptor{
		ID:   n.id,
		Name: n.config.name,
		Addr: n.config.advertiseAddr,
		Meta: n.config.meta,
	}
	if desc.Addr == "" {
		desc.Addr = n.tr.LocalAddr().String()
	}
	if n.quic != nil {
		desc.QUICAddr = n.quic.LocalAddr().String()
	}
	return desc.Clone()
}

func (n *Node) ID() wire.PeerID {
	return n.id
}

// Descriptor is what the node announces about itself.
func (n *Node) Descriptor() wire.Descriptor {
	n.descLk.RLock()
	defer n.descLk.RUnlock()
	return n.desc.Clone()
}

func (n *Node) State() State {
	return State(n.state.Load())
}

// LocalAddr is where the UDP socket is bound.
func (n *Node) LocalAddr() netip.AddrPort {
	return n.tr.LocalAddr()
}

// Peers gives access to the peer registry of the node.
func (n *Node) Peers() *peer.Registry {
	return n.peers
}

// Routes gives access to the routing table of the node.
func (n *Node) Routes() *route.Table {
	return n.routes
}

// GetOrAddPeer returns the context of a peer, known or not.
func (n *Node) GetOrAddPeer(id wire.PeerID) (*peer.Context, error) {
	return n.peers.GetOrAdd(id)
}

// WaitForDiscovery blocks until the peer has announced itself.
func (n *Node) WaitForDiscovery(ctx context.Context, id wire.PeerID) (*peer.Context, error) {
	return n.peers.WaitForDiscovery(ctx, id)
}

// Subscribe streams discovery events, see `peer.Registry.Subscribe`.
func (n *Node) Subscribe(buffer int) (*peer.Subscription, error) {
	return n.peers.Subscribe(buffer)
}

// Shutdown stops accepting new sends, gives in-flight reliable sends up to
// the grace period to be acknowledged, fails the rest with `ErrShutdown`
// and releases every socket.
func (n *Node) Shutdown() error {
	// Phase 1: Shutdown notify.
	n.lk.Lock()
	if !n.state.CompareAndSwap(uint32(StateRunning), uint32(StateShuttingDown)) {
		n.lk.Unlock()
		<-n.stoppedCh
		return nil
	}
	n.lk.Unlock()

	start := n.clock.Now()
	n.logger.Info("shutting down...")

	if n.serf != nil {
		n.logger.Info("shutdown: leave cluster")
		if err := n.serf.Leave(); err != nil {
			n.logger.Warn("failed to leave cluster gracefully", LabelError.L(err))
		}
	}

	n.logger.Info("shutdown: drain in-flight reliable sends")
	drained := make(chan struct{})
	go func() {
		n.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-n.clock.After(n.config.gracePeriod):
		failed := n.acks.FailAll(ErrShutdown)
		n.logger.Warn("shutdown: grace period elapsed, failing in-flight sends", "count", failed)
		<-drained
	}

	// Phase 2: Drop all resources.
	n.logger.Info("shutdown: release resources")
	n.cancel()
	err := n.release()

	n.logger.Info("shutdown: wait for sub-tasks to finish")
	err = multierr.Append(err, n.group.Wait())
	n.peers.Close()

	n.state.Store(uint32(StateStopped))
	close(n.stoppedCh)
	n.logger.Info("shutdown: completed", LabelDuration.L(n.clock.Since(start)))
	return err
}

// release closes every socket the node may hold.
func (n *Node) release() (err error) {
	if n.serf != nil {
		err = multierr.Append(err, n.serf.Shutdown())
		<-n.serf.ShutdownCh()
	}
	if n.quic != nil {
		err = multierr.Append(err, n.quic.Shutdown())
	}
	if n.tr != nil {
		err = multierr.Append(err, n.tr.Shutdown())
	}
	return err
}

// begin registers an in-flight send, it fails once shutdown started.
func (n *Node) begin() error {
	n.lk.RLock()
	defer n.lk.RUnlock()
	if n.State() != StateRunning {
		return ErrShutdown
	}
	n.inflight.Add(1)
	return nil
}

func (n *Node) receiveLoop() error {
	for {
		select {
		case <-n.ctx.Done():
			return nil
		case d := <-n.tr.PacketCh():
			n.handleDatagram(d.Buf, udpPath{tr: n.tr, addr: d.From}, d.From, true)
		}
	}
}

func (n *Node) announceLoop() error {
	if n.config.announceInterval <= 0 {
		return nil
	}

	ticker := n.clock.Ticker(n.config.announceInterval)
	defer ticker.Stop()
	n.announceAll()
	for {
		select {
		case <-n.ctx.Done():
			return nil
		case <-ticker.C:
			n.announceAll()
		}
	}
}

// announceAll sends our descriptor to the configured targets and to every
// peer we have a route to, so they keep an up-to-date address for us.
func (n *Node) announceAll() {
	for _, target := range n.announce {
		if err := n.announceTo(udpPath{tr: n.tr, addr: target}, wire.Broadcast); err != nil {
			n.logger.Debug("failed to announce", LabelPeerAddr.L(target), LabelError.L(err))
		}
	}
	for id := range n.routes.Enumerate() {
		entry, ok := n.routes.Select(id)
		if !ok {
			continue
		}
		if err := n.announceTo(entry.Path, id); err != nil {
			n.logger.Debug("failed to announce", LabelPeerID.L(id), LabelError.L(err))
		}
	}
}

// Announce sends our descriptor to target ("host:port") right away.
func (n *Node) Announce(target string) error {
	if n.State() != StateRunning {
		return ErrShutdown
	}
	addr, err := resolveTarget(target)
	if err != nil {
		return err
	}
	return n.announceTo(udpPath{tr: n.tr, addr: addr}, wire.Broadcast)
}

func (n *Node) announceTo(path route.Path, receiver wire.PeerID) error {
	packet, err := n.codec.Encode(wire.Header{
		Sender:   n.id,
		Receiver: receiver,
		PacketID: uuid.New(),
	}, wire.AnnounceFrame{Descriptor: n.Descriptor()})
	if err != nil {
		return err
	}
	return path.Send(packet)
}

func (n *Node) resendLoop() error {
	ticker := n.clock.Ticker(n.config.resendInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return nil
		case now := <-ticker.C:
			n.resend.sweep(now)
		}
	}
}

func (n *Node) onQUICPath(path *quicPath) {
	if _, err := n.peers.GetOrAdd(path.peer); err != nil {
		return
	}
	if err := n.routes.Register(path.peer, route.Entry{Path: path, Weight: n.config.quic.weight}); err != nil {
		n.logger.Error("failed to register QUIC path", LabelError.L(err))
		return
	}
	// the remote may not know us yet if it only accepted the connection.
	if err := n.announceTo(path, path.peer); err != nil {
		n.logger.Debug("failed to announce on QUIC path", LabelPath.L(path.String()), LabelError.L(err))
	}
}

func (n *Node) onQUICPathDown(path *quicPath) {
	n.routes.Unregister(path.peer, path)
}

func (n *Node) onQUICDatagram(buf []byte, path *quicPath) {
	n.handleDatagram(buf, path, path.remoteAddr(), false)
}

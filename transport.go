package courier

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
)

const (
	defaultUDPBufferSize int = 1 << 21

	// maxUDPPayload is the largest datagram the socket can hand us.
	maxUDPPayload = 65535
)

// TransportConfig represents configuration for the UDP socket.
type TransportConfig struct {
	// BufferSize of the requested UDP kernel buffer.
	BufferSize int

	// EnforceBufferSize fails if the kernel doesn't allocate what we asked.
	// If that's false, we retry and divide by 2 the requested
	// `TransportConfig.BufferSize` until it fits or fails.
	EnforceBufferSize bool

	// BindAddr and BindPort are where we want the Courier protocol to
	// listen. A zero port picks an ephemeral one.
	BindAddr string
	BindPort int

	// MaxDatagramSize is only used to warn about oversized inbound packets.
	MaxDatagramSize int

	// MetricsLabels to add to every metrics emitted by the transport.
	MetricLabels []metrics.Label

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler
}

// Datagram is a raw packet read from the socket.
type Datagram struct {
	Buf       []byte
	From      netip.AddrPort
	Timestamp time.Time
}

// Transport owns the UDP socket of a node.
type Transport struct {
	cfg    *TransportConfig
	logger *slog.Logger
	msink  metrics.MetricSink

	// graceful termination asked, do not spam of read errors in logs
	gracefulTerm atomic.Bool

	packetCh chan *Datagram
	closeCh  chan struct{}
	wg       sync.WaitGroup

	udpLn *net.UDPConn
}

func NewTransport(cfg *TransportConfig) (t *Transport, err error) {
	t = &Transport{
		cfg:      cfg,
		packetCh: make(chan *Datagram, 256),
		closeCh:  make(chan struct{}),
	}

	if cfg.LogHandler == nil {
		t.logger = slog.Default()
	} else {
		t.logger = slog.New(cfg.LogHandler)
	}

	if cfg.MetricSink == nil {
		t.msink = metrics.Default()
	} else {
		t.msink = cfg.MetricSink
	}

	// t is nil once a failed return is executed.
	built := t
	defer func() {
		if err != nil {
			built.Shutdown()
		}
	}()

	udpAddr, err := bindAddr(cfg.BindAddr, cfg.BindPort)
	if err != nil {
		return nil, err
	}

	udpLn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate UDP listener: %w", err)
	}
	t.udpLn = udpLn

	requested := cfg.BufferSize
	if requested == 0 {
		requested = defaultUDPBufferSize
	}

	if err := t.negociateBufferSize(requested); err != nil {
		return nil, err
	}

	t.wg.Add(1)
	go t.readLoop()
	return
}

func bindAddr(addr string, port int) (*net.UDPAddr, error) {
	ip := net.IPv4zero
	if addr != "" {
		ip = net.ParseIP(addr)
		if ip == nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidAddr, addr)
		}
	}
	return &net.UDPAddr{IP: ip, Port: port}, nil
}

// LocalAddr is where the socket is bound.
func (t *Transport) LocalAddr() netip.AddrPort {
	if t.udpLn == nil {
		return netip.AddrPort{}
	}
	addr := t.udpLn.LocalAddr().(*net.UDPAddr).AddrPort()
	return netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
}

// PacketCh delivers every datagram read from the socket.
func (t *Transport) PacketCh() <-chan *Datagram {
	return t.packetCh
}

func (t *Transport) WriteTo(b []byte, addr netip.AddrPort) (time.Time, error) {
	if t.udpLn == nil {
		return time.Time{}, ErrUdpNotAvailable
	}

	ts := time.Now()
	_, err := t.udpLn.WriteToUDPAddrPort(b, addr)
	mLabels := withLabels(t.cfg.MetricLabels, LabelPeerAddr.M(addr.String()))
	if err == nil {
		t.msink.IncrCounterWithLabels(MetricDatagramOutBytes, float32(len(b)), mLabels)
	} else {
		t.msink.IncrCounterWithLabels(MetricDatagramOutErrorCount, 1.0, mLabels)
	}
	return ts, err
}

func (t *Transport) Shutdown() error {
	if !t.gracefulTerm.CompareAndSwap(false, true) {
		// no-op because it was already shutdown
		return nil
	}

	close(t.closeCh)
	var err error
	if t.udpLn != nil {
		err = t.udpLn.Close()
	}
	t.wg.Wait()
	return err
}

func (t *Transport) negociateBufferSize(requested int) error {
	size := requested
	for size > 0 {
		if err := t.udpLn.SetReadBuffer(size); err != nil {
			if t.cfg.EnforceBufferSize {
				return ErrBufferSize
			}
			size = size >> 1
			continue
		}
		if size != requested {
			t.logger.Warn("using smaller than expected UDP buffer", "bytes", size)
		}
		t.msink.SetGaugeWithLabels(
			MetricUDPBufferSizeBytes,
			float32(size),
			t.cfg.MetricLabels,
		)
		return nil
	}
	return ErrBufferSize
}

func (t *Transport) readLoop() {
	defer t.wg.Done()
	buf := make([]byte, maxUDPPayload)

	for {
		n, from, err := t.udpLn.ReadFromUDPAddrPort(buf)
		ts := time.Now()
		if t.gracefulTerm.Load() {
			t.logger.Debug("datagram listener gracefully shutting down")
			return
		}

		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				t.logger.Warn("unexpected UDP listener closure", LabelError.L(err))
				return
			}
			t.msink.IncrCounterWithLabels(
				MetricDatagramInErrorCount,
				1.0,
				withLabels(t.cfg.MetricLabels, LabelError.M("unknown")),
			)
			t.logger.Error("error reading UDP packet", LabelError.L(err))
			continue
		}

		from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
		mLabels := withLabels(t.cfg.MetricLabels, LabelPeerAddr.M(from.String()))
		if n < 1 {
			t.msink.IncrCounterWithLabels(
				MetricDatagramInErrorCount,
				1.0,
				append(mLabels, LabelError.M("too_small")),
			)
			continue
		}
		if t.cfg.MaxDatagramSize > 0 && n > t.cfg.MaxDatagramSize {
			t.logger.Debug("received a datagram larger than our own limit",
				LabelPeerAddr.L(from), "length", n)
		}

		t.msink.IncrCounterWithLabels(MetricDatagramInBytes, float32(n), mLabels)
		packet := make([]byte, n)
		copy(packet, buf[:n])

		select {
		case t.packetCh <- &Datagram{Buf: packet, From: from, Timestamp: ts}:
		case <-t.closeCh:
			return
		}
	}
}

// udpPath reaches a peer at a fixed UDP address. It is a comparable value
// so the same address always designates the same routing entry.
type udpPath struct {
	tr   *Transport
	addr netip.AddrPort
}

func (p udpPath) Send(packet []byte) error {
	_, err := p.tr.WriteTo(packet, p.addr)
	return err
}

func (p udpPath) String() string {
	return "udp://" + p.addr.String()
}

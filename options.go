package courier

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/courier/pkg/wire"
)

const (
	DefaultAnnounceInterval = 5 * time.Second
	DefaultAckRetries       = 5
	DefaultAckTimeout       = 250 * time.Millisecond
	DefaultAckBackoff       = 1.5
	DefaultResendInterval   = 50 * time.Millisecond
	DefaultReapInterval     = time.Second
	DefaultGracePeriod      = 5 * time.Second
	DefaultInboxSize        = 1024
	DefaultDialTimeout      = 10 * time.Second

	// DefaultMaxDatagramSize keeps packets under what a QUIC datagram frame
	// can carry on a typical path, so the same bytes fit both transports.
	DefaultMaxDatagramSize = 1100

	// MinDatagramSize leaves room for at least a few bytes of chunk body.
	MinDatagramSize = 256

	// MaxDatagramSize is the largest UDP payload over IPv4.
	MaxDatagramSize = 65507

	DefaultUDPWeight  uint32 = 1
	DefaultQUICWeight uint32 = 4
)

type config struct {
	peerID        wire.PeerID
	name          string
	meta          map[string]string
	advertiseAddr string

	trCfg TransportConfig

	announceTargets  []string
	announceInterval time.Duration

	ackRetries     int
	ackTimeout     time.Duration
	ackBackoff     float64
	resendInterval time.Duration

	maxDatagramSize  int
	reassemblyExpiry time.Duration
	reapInterval     time.Duration
	checksum         wire.Checksum

	gracePeriod time.Duration
	inboxSize   int
	handler     MessageHandler

	udpWeight uint32
	quic      *quicConfig

	gossip     *gossipConfig
	neighbours []string

	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label
	clock        clock.Clock
}

type quicConfig struct {
	bindAddr    string
	bindPort    int
	tlsConf     *tls.Config
	resolver    PeerResolver
	weight      uint32
	dialTimeout time.Duration
}

type gossipConfig struct {
	bindAddr string
	bindPort int
}

// Option to pass to `Create`
type Option func(*config) error

func (c *config) setDefaults() {
	if c.announceInterval == 0 {
		c.announceInterval = DefaultAnnounceInterval
	}
	if c.ackRetries == 0 {
		c.ackRetries = DefaultAckRetries
	}
	if c.ackTimeout == 0 {
		c.ackTimeout = DefaultAckTimeout
	}
	if c.ackBackoff == 0 {
		c.ackBackoff = DefaultAckBackoff
	}
	if c.resendInterval == 0 {
		c.resendInterval = DefaultResendInterval
	}
	if c.maxDatagramSize == 0 {
		c.maxDatagramSize = DefaultMaxDatagramSize
	}
	if c.reapInterval == 0 {
		c.reapInterval = DefaultReapInterval
	}
	if c.checksum == 0 {
		c.checksum = wire.DefaultChecksum
	}
	if c.gracePeriod == 0 {
		c.gracePeriod = DefaultGracePeriod
	}
	if c.inboxSize == 0 {
		c.inboxSize = DefaultInboxSize
	}
	if c.udpWeight == 0 {
		c.udpWeight = DefaultUDPWeight
	}
	if c.quic != nil {
		if c.quic.weight == 0 {
			c.quic.weight = DefaultQUICWeight
		}
		if c.quic.dialTimeout == 0 {
			c.quic.dialTimeout = DefaultDialTimeout
		}
		if c.quic.resolver == nil {
			c.quic.resolver = CommonNameResolver
		}
	}
	if c.clock == nil {
		c.clock = clock.New()
	}
	if c.msink == nil {
		c.msink = metrics.Default()
	}
	c.trCfg.MaxDatagramSize = c.maxDatagramSize
	c.trCfg.MetricSink = c.msink
	c.trCfg.MetricLabels = c.metricLabels
	c.trCfg.LogHandler = c.logHandler
}

// WithPeerID sets the stable identifier of the node. A random one is
// generated when absent, which means peers see a new node on restart.
func WithPeerID(id wire.PeerID) Option {
	return func(c *config) error {
		if id == wire.Broadcast {
			return errors.New("the broadcast id cannot identify a node")
		}
		c.peerID = id
		return nil
	}
}

// WithName sets the human-friendly name advertised to other peers.
func WithName(name string) Option {
	return func(c *config) error {
		c.name = name
		return nil
	}
}

// WithMetadata adds arbitrary key/values to the advertised descriptor.
func WithMetadata(meta map[string]string) Option {
	return func(c *config) error {
		if c.meta == nil {
			c.meta = make(map[string]string, len(meta))
		}
		maps.Copy(c.meta, meta)
		return nil
	}
}

// WithListenOn specifies which UDP interface must be used by the Courier
// protocol. A zero port picks an ephemeral one.
func WithListenOn(addr string, port int) Option {
	return func(c *config) error {
		if port < 0 || port > 65535 {
			return fmt.Errorf("%w: port %d", ErrInvalidAddr, port)
		}
		c.trCfg.BindAddr = addr
		c.trCfg.BindPort = port
		return nil
	}
}

// WithAdvertiseAddr sets the "host:port" other peers should use to reach
// us. By default, the bound address is advertised and peers substitute an
// unspecified host with the source address of our packets.
func WithAdvertiseAddr(addr string) Option {
	return func(c *config) error {
		c.advertiseAddr = addr
		return nil
	}
}

// WithBufferSize requests a kernel buffer of size bytes for the UDP socket.
// When enforce is false, smaller sizes are tried until one is accepted.
func WithBufferSize(size int, enforce bool) Option {
	return func(c *config) error {
		c.trCfg.BufferSize = size
		c.trCfg.EnforceBufferSize = enforce
		return nil
	}
}

// WithAnnounceTargets lists "host:port" addresses which receive our
// periodic announcements, so they can discover us.
func WithAnnounceTargets(targets ...string) Option {
	return func(c *config) error {
		c.announceTargets = append(c.announceTargets, targets...)
		return nil
	}
}

func WithAnnounceInterval(interval time.Duration) Option {
	return func(c *config) error {
		if interval < 0 {
			return errors.New("announce interval must be positive")
		}
		c.announceInterval = interval
		return nil
	}
}

// WithAckPolicy controls reliable sends: a packet is transmitted at most
// retries times, the n-th attempt waiting timeout*backoff^(n-1) for its
// acknowledgement.
func WithAckPolicy(retries int, timeout time.Duration, backoff float64) Option {
	return func(c *config) error {
		if retries < 0 || timeout < 0 {
			return errors.New("ack retries and timeout must be positive")
		}
		if backoff != 0 && backoff < 1 {
			return fmt.Errorf("ack backoff %f must be at least 1", backoff)
		}
		c.ackRetries = retries
		c.ackTimeout = timeout
		c.ackBackoff = backoff
		return nil
	}
}

// WithResendInterval sets how often in-flight reliable packets are checked
// for expiry. It bounds the precision of the ack timeouts.
func WithResendInterval(interval time.Duration) Option {
	return func(c *config) error {
		if interval < 0 {
			return errors.New("resend interval must be positive")
		}
		c.resendInterval = interval
		return nil
	}
}

// WithMaxDatagramSize sets the largest packet we emit, payloads which do
// not fit are fragmented.
func WithMaxDatagramSize(size int) Option {
	return func(c *config) error {
		if size != 0 && size < MinDatagramSize {
			return fmt.Errorf("max datagram size %d is below %d", size, MinDatagramSize)
		}
		if size > MaxDatagramSize {
			return fmt.Errorf("max datagram size %d is above %d", size, MaxDatagramSize)
		}
		c.maxDatagramSize = size
		return nil
	}
}

// WithReassembly controls how long incomplete multi-part messages are kept
// and how often they are checked.
func WithReassembly(expiry, reapInterval time.Duration) Option {
	return func(c *config) error {
		if expiry < 0 || reapInterval < 0 {
			return errors.New("reassembly durations must be positive")
		}
		c.reassemblyExpiry = expiry
		c.reapInterval = reapInterval
		return nil
	}
}

// WithChecksum selects the packet footer algorithm, every peer MUST use
// the same.
func WithChecksum(checksum wire.Checksum) Option {
	return func(c *config) error {
		if !checksum.Valid() {
			return fmt.Errorf("%w: %s", wire.ErrInvalidChecksum, checksum)
		}
		c.checksum = checksum
		return nil
	}
}

// WithGracePeriod controls how much time we wait on Shutdown for in-flight
// reliable sends to be acknowledged.
func WithGracePeriod(period time.Duration) Option {
	return func(c *config) error {
		c.gracePeriod = period
		return nil
	}
}

// WithInboxSize sets how many received messages may wait for `Node.Receive`.
func WithInboxSize(size int) Option {
	return func(c *config) error {
		if size < 0 {
			return errors.New("inbox size must be positive")
		}
		c.inboxSize = size
		return nil
	}
}

// WithMessageHandler delivers messages to handler instead of the inbox.
// It is invoked from the receive loop and MUST NOT block.
func WithMessageHandler(handler MessageHandler) Option {
	return func(c *config) error {
		c.handler = handler
		return nil
	}
}

// WithUDPWeight sets the routing weight of UDP paths.
func WithUDPWeight(weight uint32) Option {
	return func(c *config) error {
		c.udpWeight = weight
		return nil
	}
}

// WithQUIC enables QUIC datagram paths on a dedicated UDP port. tlsConf
// should enforce mTLS since the peer id is taken from the certificate.
func WithQUIC(addr string, port int, tlsConf *tls.Config) Option {
	return func(c *config) error {
		if tlsConf == nil {
			return ErrNoTLSConfig
		}
		if c.quic == nil {
			c.quic = &quicConfig{}
		}
		c.quic.bindAddr = addr
		c.quic.bindPort = port
		c.quic.tlsConf = tlsConf.Clone()
		return nil
	}
}

// WithQUICWeight sets the routing weight of QUIC paths.
func WithQUICWeight(weight uint32) Option {
	return func(c *config) error {
		if c.quic == nil {
			c.quic = &quicConfig{}
		}
		c.quic.weight = weight
		return nil
	}
}

// WithPeerResolver overrides how peer ids are read from certificates.
func WithPeerResolver(resolver PeerResolver) Option {
	return func(c *config) error {
		if c.quic == nil {
			c.quic = &quicConfig{}
		}
		c.quic.resolver = resolver
		return nil
	}
}

// WithDialTimeout controls how much time we wait for QUIC handshakes.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if c.quic == nil {
			c.quic = &quicConfig{}
		}
		c.quic.dialTimeout = timeout
		return nil
	}
}

// WithGossip enables the gossip membership layer, listening on addr:port.
func WithGossip(addr string, port int) Option {
	return func(c *config) error {
		c.gossip = &gossipConfig{bindAddr: addr, bindPort: port}
		return nil
	}
}

// WithNeighbours controls which gossip peers are tried initially to join
// the cluster.
func WithNeighbours(neighbours ...string) Option {
	return func(c *config) error {
		c.neighbours = append(c.neighbours, neighbours...)
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// your `Node`.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the Node.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithClock replaces the wall clock, mostly useful in tests.
func WithClock(clk clock.Clock) Option {
	return func(c *config) error {
		c.clock = clk
		return nil
	}
}

package courier

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/raskyld/courier/pkg/wire"
	"gopkg.in/yaml.v3"
)

// Config is the file representation of a node configuration.
// Zero values keep the defaults of the matching `Option`.
type Config struct {
	PeerID        string            `yaml:"peer_id"`
	Name          string            `yaml:"name"`
	Metadata      map[string]string `yaml:"metadata"`
	BindAddr      string            `yaml:"bind_addr"`
	BindPort      int               `yaml:"bind_port"`
	AdvertiseAddr string            `yaml:"advertise_addr"`
	UDPBufferSize int               `yaml:"udp_buffer_size"`
	UDPWeight     uint32            `yaml:"udp_weight"`

	AnnounceTargets  []string      `yaml:"announce_targets"`
	AnnounceInterval time.Duration `yaml:"announce_interval"`

	AckRetries     int           `yaml:"ack_retries"`
	AckTimeout     time.Duration `yaml:"ack_timeout"`
	AckBackoff     float64       `yaml:"ack_backoff"`
	ResendInterval time.Duration `yaml:"resend_interval"`

	MaxDatagramSize  int           `yaml:"max_datagram_size"`
	ReassemblyExpiry time.Duration `yaml:"reassembly_expiry"`
	ReapInterval     time.Duration `yaml:"reap_interval"`
	Checksum         string        `yaml:"checksum"`

	GracePeriod time.Duration `yaml:"grace_period"`
	InboxSize   int           `yaml:"inbox_size"`

	Gossip *GossipConfig `yaml:"gossip"`
	QUIC   *QUICConfig   `yaml:"quic"`
}

type GossipConfig struct {
	BindAddr   string   `yaml:"bind_addr"`
	BindPort   int      `yaml:"bind_port"`
	Neighbours []string `yaml:"neighbours"`
}

// QUICConfig enables QUIC paths. Cert, Key and CA are PEM file paths, the
// CA verifies both the servers we dial and the clients we accept.
type QUICConfig struct {
	BindAddr    string        `yaml:"bind_addr"`
	BindPort    int           `yaml:"bind_port"`
	Cert        string        `yaml:"cert"`
	Key         string        `yaml:"key"`
	CA          string        `yaml:"ca"`
	Weight      uint32        `yaml:"weight"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes a YAML configuration, unknown keys are rejected.
func ParseConfig(data []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	return cfg, nil
}

// Options converts the configuration to options for `Create`.
func (c *Config) Options() ([]Option, error) {
	var opts []Option

	if c.PeerID != "" {
		id, err := uuid.Parse(c.PeerID)
		if err != nil {
			return nil, fmt.Errorf("%w: peer_id: %w", ErrInvalidCfg, err)
		}
		opts = append(opts, WithPeerID(id))
	}
	if c.Checksum != "" {
		checksum, err := wire.ParseChecksum(c.Checksum)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
		opts = append(opts, WithChecksum(checksum))
	}

	opts = append(opts,
		WithName(c.Name),
		WithMetadata(c.Metadata),
		WithListenOn(c.BindAddr, c.BindPort),
		WithAdvertiseAddr(c.AdvertiseAddr),
		WithBufferSize(c.UDPBufferSize, false),
		WithUDPWeight(c.UDPWeight),
		WithAnnounceTargets(c.AnnounceTargets...),
		WithAnnounceInterval(c.AnnounceInterval),
		WithAckPolicy(c.AckRetries, c.AckTimeout, c.AckBackoff),
		WithResendInterval(c.ResendInterval),
		WithMaxDatagramSize(c.MaxDatagramSize),
		WithReassembly(c.ReassemblyExpiry, c.ReapInterval),
		WithGracePeriod(c.GracePeriod),
		WithInboxSize(c.InboxSize),
	)

	if c.Gossip != nil {
		opts = append(opts,
			WithGossip(c.Gossip.BindAddr, c.Gossip.BindPort),
			WithNeighbours(c.Gossip.Neighbours...),
		)
	}

	if c.QUIC != nil {
		tlsConf, err := c.QUIC.TLSConfig()
		if err != nil {
			return nil, err
		}
		opts = append(opts,
			WithQUIC(c.QUIC.BindAddr, c.QUIC.BindPort, tlsConf),
			WithQUICWeight(c.QUIC.Weight),
			WithDialTimeout(c.QUIC.DialTimeout),
		)
	}
	return opts, nil
}

// TLSConfig loads the key pair and CA into a mutual TLS configuration.
func (q *QUICConfig) TLSConfig() (*tls.Config, error) {
	if q.Cert == "" || q.Key == "" || q.CA == "" {
		return nil, fmt.Errorf("%w: quic requires cert, key and ca", ErrNoTLSConfig)
	}

	cert, err := tls.LoadX509KeyPair(q.Cert, q.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoTLSConfig, err)
	}

	caPEM, err := os.ReadFile(q.CA)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoTLSConfig, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("%w: no certificate found in %s", ErrNoTLSConfig, q.CA)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

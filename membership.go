package courier

import (
	"fmt"
	"log/slog"
	"maps"
	"net/netip"
	"strings"
	"time"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/hashicorp/serf/serf"
	"github.com/raskyld/courier/pkg/wire"
)

// Tags gossiped with the local member, they carry our `wire.Descriptor`.
const (
	tagName     = "name"
	tagAddr     = "addr"
	tagQUIC     = "quic"
	tagMetaPfx  = "meta."
	eventBuffer = 512
)

func (n *Node) createSerf() error {
	n.eventCh = make(chan serf.Event, eventBuffer)

	cfg := serf.DefaultConfig()
	cfg.NodeName = n.id.String()
	cfg.Tags = descriptorTags(n.desc)
	cfg.EventCh = n.eventCh
	// Courier packets do not travel through serf, nothing to flush.
	cfg.LeavePropagateDelay = 500 * time.Millisecond
	cfg.LogOutput = nil
	// TODO(raskyld): handle back-pressure by slowing down events.
	cfg.QueueDepthWarning = eventBuffer
	// Routing relies on weights, not on network coordinates.
	cfg.DisableCoordinates = true
	// Node names are peer ids, which are alphanum and dashes.
	cfg.ValidateNodeNames = true
	cfg.CoalescePeriod = time.Second
	cfg.QuiescentPeriod = 200 * time.Millisecond

	mlCfg := memberlist.DefaultLANConfig()
	mlCfg.Name = cfg.NodeName
	mlCfg.BindAddr = n.config.gossip.bindAddr
	if mlCfg.BindAddr == "" {
		mlCfg.BindAddr = "0.0.0.0"
	}
	mlCfg.BindPort = n.config.gossip.bindPort
	mlCfg.AdvertisePort = n.config.gossip.bindPort
	mlCfg.ProbeTimeout = 2 * time.Second
	mlCfg.MetricLabels = legacyLabels(n.config.metricLabels)
	cfg.MemberlistConfig = mlCfg

	cfg.Logger = slog.NewLogLogger(n.logger.Handler(), slog.LevelDebug)
	cfg.MemberlistConfig.Logger = cfg.Logger

	s, err := serf.Create(cfg)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrJoinCluster, err)
	}
	n.serf = s
	return nil
}

// legacyLabels translates labels for memberlist, which still emits its
// metrics through armon/go-metrics.
func legacyLabels(labels []metrics.Label) []leg_metrics.Label {
	if len(labels) == 0 {
		return nil
	}
	out := make([]leg_metrics.Label, len(labels))
	for i, l := range labels {
		out[i] = leg_metrics.Label{Name: l.Name, Value: l.Value}
	}
	return out
}

func descriptorTags(desc wire.Descriptor) map[string]string {
	tags := make(map[string]string, 3+len(desc.Meta))
	if desc.Name != "" {
		tags[tagName] = desc.Name
	}
	tags[tagAddr] = desc.Addr
	if desc.QUICAddr != "" {
		tags[tagQUIC] = desc.QUICAddr
	}
	for k, v := range desc.Meta {
		tags[tagMetaPfx+k] = v
	}
	return tags
}

// memberDescriptor rebuilds the descriptor a member gossiped.
func memberDescriptor(m serf.Member) (wire.Descriptor, error) {
	id, err := uuid.Parse(m.Name)
	if err != nil {
		return wire.Descriptor{}, fmt.Errorf("%w: member %q is not a peer id", ErrPeerResolve, m.Name)
	}

	desc := wire.Descriptor{
		ID:       id,
		Name:     m.Tags[tagName],
		Addr:     m.Tags[tagAddr],
		QUICAddr: m.Tags[tagQUIC],
	}
	for k, v := range m.Tags {
		if key, ok := strings.CutPrefix(k, tagMetaPfx); ok {
			if desc.Meta == nil {
				desc.Meta = make(map[string]string)
			}
			desc.Meta[key] = v
		}
	}
	return desc, nil
}

// JoinCluster contacts the configured neighbours to join their gossip
// cluster. Members of the cluster are then discovered without waiting for
// their announcements.
func (n *Node) JoinCluster() error {
	if n.serf == nil {
		return ErrNoGossip
	}
	if n.State() != StateRunning {
		return ErrShutdown
	}
	if len(n.config.neighbours) == 0 {
		return nil
	}

	joined, err := n.serf.Join(n.config.neighbours, true)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrJoinCluster, err)
	}
	n.logger.Info("cluster joined")
	if len(n.config.neighbours) != joined {
		n.logger.Warn(
			"not all neighbours are reachable",
			"joined", joined,
			"expected", len(n.config.neighbours),
		)
	}
	return nil
}

// Members lists the gossip cluster as seen by this node.
func (n *Node) Members() []serf.Member {
	if n.serf == nil {
		return nil
	}
	return n.serf.Members()
}

// GossipAddr is where the gossip layer listens, if enabled.
func (n *Node) GossipAddr() netip.AddrPort {
	if n.serf == nil {
		return netip.AddrPort{}
	}
	local := n.serf.LocalMember()
	addr, _ := netip.AddrFromSlice(local.Addr)
	return netip.AddrPortFrom(addr.Unmap(), local.Port)
}

func (n *Node) handleEvents() error {
	for {
		var event serf.Event
		select {
		case event = <-n.eventCh:
		case <-n.ctx.Done():
			return nil
		}

		memberEvent, ok := event.(serf.MemberEvent)
		if !ok {
			n.logger.Debug("ignoring gossip event", "event", event.String())
			continue
		}

		for _, member := range memberEvent.Members {
			if member.Name == n.id.String() {
				continue
			}
			logger := n.logger.With("member", member.Name, "event", memberEvent.Type.String())
			desc, err := memberDescriptor(member)
			if err != nil {
				logger.Warn("ignoring foreign gossip member", LabelError.L(err))
				continue
			}

			switch memberEvent.Type {
			case serf.EventMemberJoin, serf.EventMemberUpdate:
				addr, _ := netip.AddrFromSlice(member.Addr)
				source := netip.AddrPortFrom(addr.Unmap(), member.Port)
				if err := n.handleAnnouncement(desc, resolveUDPAddr(desc.Addr, source)); err != nil {
					logger.Warn("failed to handle gossiped member", LabelError.L(err))
				}
			case serf.EventMemberLeave, serf.EventMemberFailed:
				if pc, ok := n.peers.Get(desc.ID); ok && pc.Addr().IsValid() {
					n.routes.Unregister(desc.ID, udpPath{tr: n.tr, addr: pc.Addr()})
				}
				logger.Info("peer left cluster")
			}
		}
	}
}

// UpdateMetadata replaces the advertised metadata and gossips it when the
// gossip layer is enabled. Announcements carry it from their next tick.
func (n *Node) UpdateMetadata(meta map[string]string) error {
	if n.State() != StateRunning {
		return ErrShutdown
	}
	n.descLk.Lock()
	desc := n.desc.Clone()
	desc.Meta = maps.Clone(meta)
	n.desc = desc
	n.descLk.Unlock()

	if n.serf == nil {
		return nil
	}
	return n.serf.SetTags(descriptorTags(desc))
}

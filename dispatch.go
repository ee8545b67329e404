package courier

import (
	"errors"
	"net"
	"net/netip"

	"github.com/raskyld/courier/pkg/peer"
	"github.com/raskyld/courier/pkg/route"
	"github.com/raskyld/courier/pkg/wire"
)

// handleDatagram processes one raw packet received on ingress. from is the
// source address of the packet, viaUDP tells whether it can be used to
// answer the sender without an announced address.
func (n *Node) handleDatagram(buf []byte, ingress route.Path, from netip.AddrPort, viaUDP bool) {
	logger := n.logger.With(LabelPath.L(ingress.String()))
	mLabels := withLabels(n.config.metricLabels, LabelPath.M(ingress.String()))

	h, err := wire.PeekHeader(buf)
	if err != nil {
		n.msink.IncrCounterWithLabels(MetricDatagramDropCount, 1.0, append(mLabels, LabelError.M("truncated")))
		logger.Debug("dropping truncated packet", "bytes", len(buf))
		return
	}

	switch {
	case h.Sender == n.id:
		// our own broadcast looping back.
		return
	case h.Sender == wire.Broadcast:
		n.msink.IncrCounterWithLabels(MetricDatagramDropCount, 1.0, append(mLabels, LabelError.M("anonymous")))
		logger.Debug("dropping packet without sender", LabelPacketID.L(h.PacketID))
		return
	case h.Receiver != n.id && h.Receiver != wire.Broadcast:
		n.msink.IncrCounterWithLabels(MetricDatagramDropCount, 1.0, append(mLabels, LabelError.M("not_for_us")))
		logger.Debug("dropping packet addressed to someone else",
			LabelPacketID.L(h.PacketID), "receiver", h.Receiver)
		return
	}

	if qp, isQUIC := ingress.(*quicPath); isQUIC && qp.peer != h.Sender {
		n.msink.IncrCounterWithLabels(MetricDatagramDropCount, 1.0, append(mLabels, LabelError.M("spoofed")))
		logger.Warn("dropping packet whose sender does not own the QUIC path",
			LabelPeerID.L(h.Sender), "owner", qp.peer)
		return
	}

	_, frames, err := n.codec.Decode(buf)
	if err != nil {
		if errors.Is(err, wire.ErrCorrupt) {
			n.msink.IncrCounterWithLabels(MetricDatagramDropCount, 1.0, append(mLabels, LabelError.M("corrupt")))
			logger.Debug("dropping corrupted packet", LabelPacketID.L(h.PacketID), LabelError.L(err))
		} else {
			n.msink.IncrCounterWithLabels(MetricDatagramDropCount, 1.0, append(mLabels, LabelError.M("violation")))
			logger.Warn("dropping malformed packet", LabelPeerID.L(h.Sender), LabelError.L(err))
		}
		return
	}

	logger = logger.With(LabelPeerID.L(h.Sender), LabelPacketID.L(h.PacketID))
	origin, err := n.peers.GetOrAdd(h.Sender)
	if err != nil {
		return
	}
	n.peers.Touch(h.Sender)

	accepted := true
	for _, frame := range frames {
		var ok bool
		switch f := frame.(type) {
		case wire.AckFrame:
			ok = n.handleAck(f)
		case wire.AnnounceFrame:
			ok = n.handleAnnounceFrame(h, f, from, viaUDP)
		case wire.ChunkFrame:
			ok = n.handleChunk(h, origin, f)
		case wire.MessageFrame:
			ok = n.deliver(Message{
				Origin:     origin,
				Sender:     h.Sender,
				Receiver:   h.Receiver,
				PacketID:   h.PacketID,
				Payload:    f.Body,
				ReceivedAt: n.clock.Now(),
			})
		}
		if !ok {
			logger.Debug("frame rejected", LabelFrame.L(frame.Tag().String()))
			accepted = false
		}
	}

	if h.Flags.Has(wire.FlagReliable) && accepted {
		n.sendAck(ingress, h)
	}
}

func (n *Node) handleAck(f wire.AckFrame) bool {
	n.resend.forget(f.PacketID)
	if n.acks.Resolve(f.PacketID) {
		n.msink.IncrCounterWithLabels(MetricAckResolvedCount, 1.0, n.config.metricLabels)
	}
	// late or duplicated acks are harmless.
	return true
}

func (n *Node) handleAnnounceFrame(h wire.Header, f wire.AnnounceFrame, from netip.AddrPort, viaUDP bool) bool {
	if f.Descriptor.ID != h.Sender {
		n.logger.Warn("dropping announcement for another peer",
			LabelPeerID.L(h.Sender), "announced", f.Descriptor.ID)
		return false
	}

	var source netip.AddrPort
	if viaUDP {
		source = from
	}
	addr := resolveUDPAddr(f.Descriptor.Addr, source)
	return n.handleAnnouncement(f.Descriptor, addr) == nil
}

// handleAnnouncement updates the registry and the routes of the announced
// peer. It is shared by the wire and the gossip layer.
func (n *Node) handleAnnouncement(desc wire.Descriptor, addr netip.AddrPort) error {
	if desc.ID == n.id {
		return nil
	}

	update, err := n.peers.HandleAnnouncement(desc, addr)
	if err != nil {
		return err
	}

	current := update.Peer.Addr()
	if update.Moved() {
		n.routes.Unregister(desc.ID, udpPath{tr: n.tr, addr: update.PrevAddr})
		n.msink.IncrCounterWithLabels(
			MetricPeerAddrChanges,
			1.0,
			withLabels(n.config.metricLabels, LabelPeerID.M(desc.ID.String())),
		)
		n.logger.Info("peer moved", LabelPeerID.L(desc.ID), "from", update.PrevAddr, "to", current)
	}
	if current.IsValid() {
		if err := n.routes.Register(desc.ID, route.Entry{
			Path:   udpPath{tr: n.tr, addr: current},
			Weight: n.config.udpWeight,
		}); err != nil {
			return err
		}
	}

	if update.Discovered {
		n.msink.IncrCounterWithLabels(MetricPeerDiscoveredCount, 1.0, n.config.metricLabels)
		// answer so the peer discovers us too without waiting its next tick.
		if current.IsValid() {
			if err := n.announceTo(udpPath{tr: n.tr, addr: current}, desc.ID); err != nil {
				n.logger.Debug("failed to answer announcement", LabelPeerID.L(desc.ID), LabelError.L(err))
			}
		}
		if n.quic != nil && desc.QUICAddr != "" {
			n.quic.dialAsync(desc.ID, desc.QUICAddr)
		}
	}
	return nil
}

// handleChunk reports whether the chunk can be acknowledged. The final chunk
// of a message is only accepted once the message is delivered, otherwise
// the reassembly is kept for the resend of that chunk.
func (n *Node) handleChunk(h wire.Header, origin *peer.Context, f wire.ChunkFrame) bool {
	delivered := true
	consumed, err := n.frags.IngestFunc(f, func(payload []byte) bool {
		delivered = n.deliver(Message{
			Origin:     origin,
			Sender:     h.Sender,
			Receiver:   h.Receiver,
			PacketID:   h.PacketID,
			Payload:    payload,
			ReceivedAt: n.clock.Now(),
		})
		return delivered
	})
	if err != nil {
		n.logger.Warn("rejecting chunk",
			LabelPeerID.L(h.Sender), "message_id", f.MessageID, LabelError.L(err))
		return false
	}
	if consumed {
		n.msink.IncrCounterWithLabels(MetricReassemblyCompletedCount, 1.0, n.config.metricLabels)
	}
	return delivered
}

// sendAck acknowledges h on the path it came from.
func (n *Node) sendAck(ingress route.Path, h wire.Header) {
	packet, err := n.codec.Encode(wire.Header{
		Sender:   n.id,
		Receiver: h.Sender,
		PacketID: newPacketID(),
	}, wire.AckFrame{PacketID: h.PacketID})
	if err == nil {
		err = ingress.Send(packet)
	}
	if err != nil {
		n.logger.Debug("failed to acknowledge packet",
			LabelPeerID.L(h.Sender), LabelPacketID.L(h.PacketID), LabelError.L(err))
	}
}

// resolveUDPAddr turns an advertised "host:port" into an address. An
// unspecified or unresolvable host is replaced by the source address of the
// announcement. An empty advertisement falls back to source.
func resolveUDPAddr(advertised string, source netip.AddrPort) netip.AddrPort {
	if advertised == "" {
		return source
	}

	host, portStr, err := net.SplitHostPort(advertised)
	if err != nil {
		return source
	}
	ap, err := netip.ParseAddrPort(advertised)
	if err == nil && !ap.Addr().IsUnspecified() {
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}

	port, err := net.LookupPort("udp", portStr)
	if err != nil || !source.IsValid() {
		return source
	}
	if host != "" {
		if addr, err := netip.ParseAddr(host); err == nil && !addr.IsUnspecified() {
			return netip.AddrPortFrom(addr.Unmap(), uint16(port))
		}
	}
	return netip.AddrPortFrom(source.Addr(), uint16(port))
}

package courier

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/raskyld/courier/pkg/ack"
	"github.com/raskyld/courier/pkg/wire"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

func newPacketID() wire.PacketID {
	return uuid.New()
}

// SendUnreliable transmits payload to dest once, without acknowledgement.
// A broadcast destination behaves like `Node.SendBroadcast`.
func (n *Node) SendUnreliable(dest wire.PeerID, payload []byte) error {
	if dest == wire.Broadcast {
		return n.SendBroadcast(payload)
	}
	if n.State() != StateRunning {
		return ErrShutdown
	}

	packets, err := n.packetize(dest, payload, 0)
	if err != nil {
		return err
	}
	for _, p := range packets {
		if err := n.transmit(dest, p.bytes); err != nil {
			return err
		}
	}
	n.msink.IncrCounterWithLabels(MetricMessageOutCount, 1.0, n.config.metricLabels)
	return nil
}

// SendReliable transmits payload to dest and blocks until every packet
// carrying it has been acknowledged. Unacknowledged packets are resent
// according to the ack policy, after which `ack.ErrTimedOut` is returned.
func (n *Node) SendReliable(ctx context.Context, dest wire.PeerID, payload []byte) error {
	if dest == wire.Broadcast {
		return fmt.Errorf("%w: reliable sends need a single receiver", ErrNoRoute)
	}
	if err := n.begin(); err != nil {
		return err
	}
	defer n.inflight.Done()

	if _, ok := n.routes.Select(dest); !ok {
		return fmt.Errorf("%w: %s", ErrNoRoute, dest)
	}

	packets, err := n.packetize(dest, payload, wire.FlagReliable)
	if err != nil {
		return err
	}

	waits := make([]*ack.Wait, 0, len(packets))
	defer func() {
		for _, w := range waits {
			n.resend.forget(w.ID())
		}
	}()
	for _, p := range packets {
		w, err := n.acks.Register(p.id)
		if err != nil {
			return err
		}
		waits = append(waits, w)
		n.resend.track(p.id, dest, p.bytes)
	}

	for _, p := range packets {
		if err := n.transmit(dest, p.bytes); err != nil {
			// the resender will try again.
			n.logger.Debug("failed to transmit reliable packet",
				LabelPeerID.L(dest), LabelPacketID.L(p.id), LabelError.L(err))
		}
	}

	group, gctx := errgroup.WithContext(ctx)
	for _, w := range waits {
		group.Go(func() error {
			return n.acks.Wait(gctx, w, 0)
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	n.msink.IncrCounterWithLabels(MetricMessageOutCount, 1.0, n.config.metricLabels)
	return nil
}

// SendBroadcast transmits payload once to every peer we have a route to.
func (n *Node) SendBroadcast(payload []byte) error {
	if n.State() != StateRunning {
		return ErrShutdown
	}

	packets, err := n.packetize(wire.Broadcast, payload, 0)
	if err != nil {
		return err
	}

	var errs error
	for id := range n.routes.Enumerate() {
		for _, p := range packets {
			if err := n.transmit(id, p.bytes); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", id, err))
				break
			}
		}
	}
	n.msink.IncrCounterWithLabels(MetricMessageOutCount, 1.0, n.config.metricLabels)
	return errs
}

type packet struct {
	id    wire.PacketID
	bytes []byte
}

// packetize encodes payload in a single message packet when it fits the
// datagram limit, or splits it in chunk packets otherwise.
func (n *Node) packetize(dest wire.PeerID, payload []byte, flags wire.Flags) ([]packet, error) {
	header := func() wire.Header {
		return wire.Header{
			Sender:   n.id,
			Receiver: dest,
			PacketID: newPacketID(),
			Flags:    flags,
		}
	}

	if len(payload)+wire.MessageOverhead <= n.config.maxDatagramSize {
		h := header()
		buf, err := n.codec.Encode(h, wire.MessageFrame{Body: payload})
		if err != nil {
			return nil, err
		}
		return []packet{{id: h.PacketID, bytes: buf}}, nil
	}

	chunks, err := n.frags.Split(payload, n.config.maxDatagramSize-wire.ChunkOverhead)
	if err != nil {
		return nil, err
	}
	packets := make([]packet, 0, len(chunks))
	for _, chunk := range chunks {
		h := header()
		buf, err := n.codec.Encode(h, chunk)
		if err != nil {
			return nil, err
		}
		packets = append(packets, packet{id: h.PacketID, bytes: buf})
	}
	return packets, nil
}

// transmit sends one encoded packet on a path selected for dest. A path is
// selected on every call so resends spread over the available paths.
func (n *Node) transmit(dest wire.PeerID, buf []byte) error {
	entry, ok := n.routes.Select(dest)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoRoute, dest)
	}
	return entry.Path.Send(buf)
}

// resender keeps the bytes of unacknowledged reliable packets and
// retransmits the ones whose attempt timed out.
type resender struct {
	n *Node

	lk      sync.Mutex
	packets map[wire.PacketID]*outstanding
}

type outstanding struct {
	dest     wire.PeerID
	bytes    []byte
	attempts int
	deadline time.Time
}

func newResender(n *Node) *resender {
	return &resender{
		n:       n,
		packets: make(map[wire.PacketID]*outstanding),
	}
}

// timeout of the given attempt, starting at 1.
func (r *resender) timeout(attempt int) time.Duration {
	cfg := r.n.config
	return time.Duration(float64(cfg.ackTimeout) * math.Pow(cfg.ackBackoff, float64(attempt-1)))
}

// track records the first transmission of a packet.
func (r *resender) track(id wire.PacketID, dest wire.PeerID, buf []byte) {
	r.lk.Lock()
	defer r.lk.Unlock()
	r.packets[id] = &outstanding{
		dest:     dest,
		bytes:    buf,
		attempts: 1,
		deadline: r.n.clock.Now().Add(r.timeout(1)),
	}
}

func (r *resender) forget(id wire.PacketID) {
	r.lk.Lock()
	defer r.lk.Unlock()
	delete(r.packets, id)
}

func (r *resender) len() int {
	r.lk.Lock()
	defer r.lk.Unlock()
	return len(r.packets)
}

// sweep retransmits every packet whose deadline passed, or fails its wait
// once the retry budget is exhausted.
func (r *resender) sweep(now time.Time) {
	type resend struct {
		id  wire.PacketID
		out outstanding
	}
	var (
		toResend []resend
		expired  []wire.PacketID
	)

	r.lk.Lock()
	for id, out := range r.packets {
		if now.Before(out.deadline) {
			continue
		}
		if out.attempts >= r.n.config.ackRetries {
			delete(r.packets, id)
			expired = append(expired, id)
			continue
		}
		out.attempts++
		out.deadline = now.Add(r.timeout(out.attempts))
		toResend = append(toResend, resend{id: id, out: *out})
	}
	r.lk.Unlock()

	for _, id := range expired {
		if r.n.acks.Fail(id, ack.ErrTimedOut) {
			r.n.msink.IncrCounterWithLabels(MetricAckTimedOutCount, 1.0, r.n.config.metricLabels)
			r.n.logger.Debug("reliable packet timed out", LabelPacketID.L(id))
		}
	}

	for _, p := range toResend {
		if !r.n.acks.Pending(p.id) {
			// acknowledged or abandoned in the meantime.
			r.forget(p.id)
			continue
		}
		err := r.n.transmit(p.out.dest, p.out.bytes)
		r.n.msink.IncrCounterWithLabels(MetricAckResentCount, 1.0, r.n.config.metricLabels)
		if err != nil && !errors.Is(err, ErrNoRoute) {
			r.n.logger.Debug("failed to resend packet",
				LabelPeerID.L(p.out.dest), LabelPacketID.L(p.id), "attempt", p.out.attempts, LabelError.L(err))
		}
	}
}

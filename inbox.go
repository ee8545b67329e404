package courier

import (
	"context"
	"time"

	"github.com/raskyld/courier/pkg/peer"
	"github.com/raskyld/courier/pkg/wire"
)

// Message is an application payload received from a peer.
type Message struct {
	// Origin is the peer who sent the message, it may not be discovered yet.
	Origin *peer.Context

	Sender   wire.PeerID
	Receiver wire.PeerID

	// PacketID of the packet which completed the message.
	PacketID wire.PacketID

	Payload    []byte
	ReceivedAt time.Time
}

// IsBroadcast is true when the message was not addressed to us only.
func (m Message) IsBroadcast() bool {
	return m.Receiver == wire.Broadcast
}

// MessageHandler consumes received messages, see `WithMessageHandler`.
type MessageHandler func(msg Message)

// Receive blocks until a message is delivered to the inbox.
// It is unused when a `MessageHandler` is configured.
func (n *Node) Receive(ctx context.Context) (Message, error) {
	select {
	case msg := <-n.inbox:
		return msg, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-n.stoppedCh:
		// drain what arrived before we stopped.
		select {
		case msg := <-n.inbox:
			return msg, nil
		default:
			return Message{}, ErrShutdown
		}
	}
}

// deliver hands msg to the application and reports whether it was accepted.
// A full inbox drops the message, which is then not acknowledged.
func (n *Node) deliver(msg Message) bool {
	if n.config.handler != nil {
		n.config.handler(msg)
		n.msink.IncrCounterWithLabels(MetricMessageInCount, 1.0, n.config.metricLabels)
		return true
	}

	select {
	case n.inbox <- msg:
		n.msink.IncrCounterWithLabels(MetricMessageInCount, 1.0, n.config.metricLabels)
		return true
	default:
		n.msink.IncrCounterWithLabels(
			MetricInboxDropCount,
			1.0,
			withLabels(n.config.metricLabels, LabelPeerID.M(msg.Sender.String())),
		)
		n.logger.Warn("inbox is full, dropping message",
			LabelPeerID.L(msg.Sender),
			LabelPacketID.L(msg.PacketID),
			"bytes", len(msg.Payload),
		)
		return false
	}
}

// Courier is a peer-to-peer messaging substrate. Peers, identified by
// stable 128-bit ids, exchange messages over UDP with optional reliability,
// transparent fragmentation of large payloads and peer discovery.
//
// ## How it works
//
// Start a `Node` with `Create`. It binds a UDP socket and periodically
// announces its `wire.Descriptor` to its announce targets and to every peer
// it already knows. Receiving an announcement *discovers* the announcer:
// it lands in the `peer.Registry` and gets a route in the `route.Table`.
//
// Then, you can send:
//
// * `Node.SendUnreliable`, fire and forget.
// * `Node.SendReliable`, which blocks until the receiver acknowledged every
// packet, resending them with a backoff until the retry budget is exhausted.
// * `Node.SendBroadcast`, once to every routed peer.
//
// Payloads larger than the datagram limit are split in chunks and
// reassembled by the receiver, whatever the order they arrive in.
//
// Messages are consumed with `Node.Receive` or a `MessageHandler`.
//
// ## Paths
//
// A peer may be reachable through several paths, each with a weight:
//
// * Plain UDP, to the address the peer announced.
// * QUIC datagrams ([`quic-go`][dep-quic]) on a dedicated port when
// `WithQUIC` is used. The peer id is then read from the TLS certificate.
//
// Every send picks a path at random, in proportion to the weights.
//
// ## Gossip
//
// Discovery through announcements requires knowing where to send them.
// With `WithGossip`, nodes also join a [`serf`][dep-serf] cluster and
// discover every member without waiting for an announcement.
//
// ## Design Principles
//
// The network is unreliable, APIs MUST NOT pretend otherwise. Reliable
// sends fail with `ack.ErrTimedOut` and users MUST be ready to handle it.
//
// Corrupted packets are dropped silently, malformed ones are dropped as a
// whole: a packet is either fully processed or not at all.
//
// [dep-quic]: https://pkg.go.dev/github.com/quic-go/quic-go
// [dep-serf]: https://pkg.go.dev/github.com/hashicorp/serf/serf
package courier

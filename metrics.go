package courier

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	// MetricDatagramInBytes represents how much bytes have been received
	// on the UDP socket.
	MetricDatagramInBytes       = []string{"courier", "datagram", "in", "bytes"}
	MetricDatagramInErrorCount  = []string{"courier", "datagram", "in", "error", "count"}
	MetricDatagramOutBytes      = []string{"courier", "datagram", "out", "bytes"}
	MetricDatagramOutErrorCount = []string{"courier", "datagram", "out", "error", "count"}
	MetricDatagramDropCount     = []string{"courier", "datagram", "drop", "count"}
	MetricUDPBufferSizeBytes    = []string{"courier", "udp", "buffer", "size", "bytes"}

	MetricAckResolvedCount = []string{"courier", "ack", "resolved", "count"}
	MetricAckResentCount   = []string{"courier", "ack", "resent", "count"}
	MetricAckTimedOutCount = []string{"courier", "ack", "timed_out", "count"}

	MetricReassemblyCompletedCount = []string{"courier", "reassembly", "completed", "count"}
	MetricReassemblyExpiredCount   = []string{"courier", "reassembly", "expired", "count"}

	MetricMessageInCount  = []string{"courier", "message", "in", "count"}
	MetricMessageOutCount = []string{"courier", "message", "out", "count"}
	MetricInboxDropCount  = []string{"courier", "inbox", "drop", "count"}

	MetricPeerDiscoveredCount = []string{"courier", "peer", "discovered", "count"}
	MetricPeerAddrChanges     = []string{"courier", "peer", "addr", "changes"}

	MetricQUICConnEstCount   = []string{"courier", "quic", "connection", "established", "count"}
	MetricQUICConnErrorCount = []string{"courier", "quic", "connection", "error", "count"}
)

type TelemetryLabel string

var (
	LabelError    TelemetryLabel = "error"
	LabelPeerID   TelemetryLabel = "peer_id"
	LabelPeerAddr TelemetryLabel = "peer_addr"
	LabelPacketID TelemetryLabel = "packet_id"
	LabelPath     TelemetryLabel = "path"
	LabelFrame    TelemetryLabel = "frame"
	LabelDuration TelemetryLabel = "duration"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

// withLabels returns the static labels of the node followed by extra,
// without aliasing the static slice.
func withLabels(static []metrics.Label, extra ...metrics.Label) []metrics.Label {
	labels := make([]metrics.Label, 0, len(static)+len(extra))
	labels = append(labels, static...)
	return append(labels, extra...)
}

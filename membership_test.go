package courier

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/serf/serf"
	"github.com/raskyld/courier/pkg/wire"
	"github.com/stretchr/testify/require"
)

func TestGossipDiscovery(t *testing.T) {
	a := newTestNode(t, "node-a", WithGossip("127.0.0.1", 0))
	b := newTestNode(t, "node-b",
		WithGossip("127.0.0.1", 0),
		WithNeighbours(a.GossipAddr().String()),
		WithMetadata(map[string]string{"zone": "eu-west"}),
	)
	require.True(t, a.GossipAddr().IsValid())

	require.NoError(t, b.JoinCluster())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pc, err := a.WaitForDiscovery(ctx, b.ID())
	require.NoError(t, err, "a must discover b through gossip")
	require.Equal(t, "eu-west", pc.Descriptor().Meta["zone"])
	require.Equal(t, b.LocalAddr(), pc.Addr())

	_, err = b.WaitForDiscovery(ctx, a.ID())
	require.NoError(t, err)
	require.Len(t, a.Members(), 2)

	require.NoError(t, b.SendReliable(ctx, a.ID(), []byte("gossiped")))
	require.Equal(t, "gossiped", string(receive(t, a).Payload))
}

func TestJoinClusterWithoutGossip(t *testing.T) {
	n := newTestNode(t, "node")
	require.ErrorIs(t, n.JoinCluster(), ErrNoGossip)
	require.Nil(t, n.Members())
	require.False(t, n.GossipAddr().IsValid())
}

func TestDescriptorTags(t *testing.T) {
	desc := wire.Descriptor{
		ID:       uuid.New(),
		Name:     "node",
		Addr:     "10.0.0.1:7000",
		QUICAddr: "10.0.0.1:7001",
		Meta:     map[string]string{"zone": "eu-west", "rack": "r1"},
	}

	tags := descriptorTags(desc)
	require.Equal(t, "10.0.0.1:7000", tags[tagAddr])
	require.Equal(t, "eu-west", tags["meta.zone"])

	decoded, err := memberDescriptor(serf.Member{Name: desc.ID.String(), Tags: tags})
	require.NoError(t, err)
	require.Equal(t, desc, decoded)

	_, err = memberDescriptor(serf.Member{Name: "not-a-peer"})
	require.ErrorIs(t, err, ErrPeerResolve)
}

func TestLegacyLabels(t *testing.T) {
	require.Nil(t, legacyLabels(nil))

	labels := legacyLabels([]metrics.Label{{Name: "cluster", Value: "test"}})
	require.Len(t, labels, 1)
	require.Equal(t, "cluster", labels[0].Name)
	require.Equal(t, "test", labels[0].Value)
}

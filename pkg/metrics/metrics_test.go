package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRegistersAndCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ConnectedPeers.Inc()
	m.PacketsSent.Add(3)

	require.Equal(t, 1.0, testutil.ToFloat64(m.ConnectedPeers))
	require.Equal(t, 3.0, testutil.ToFloat64(m.PacketsSent))
}

func TestNilRegistererIsPrivate(t *testing.T) {
	m := New(nil)
	m.PacketsReceived.Inc()
	require.Equal(t, 1.0, testutil.ToFloat64(m.PacketsReceived))
}

package connection

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lockstep-net/lockstep/internal/protocol"
	"github.com/lockstep-net/lockstep/pkg/message"
	"github.com/lockstep-net/lockstep/pkg/message/channel"
	"github.com/lockstep-net/lockstep/pkg/serde"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Channels = []channel.Config{
		{ID: 0, Mode: channel.UnorderedUnreliable},
		{ID: 1, Mode: channel.OrderedReliable},
		{ID: 2, Mode: channel.OrderedReliable, Request: true},
	}
	return cfg
}

func newPair(t *testing.T, now time.Time) (*Connection, *Connection, *message.KindRegistry) {
	t.Helper()
	kinds := message.NewKindRegistry()
	require.NoError(t, kinds.RegisterBytes(1))

	a, err := New(&net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 9000}, testConfig(), kinds, nil, now)
	require.NoError(t, err)
	b, err := New(&net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 9000}, testConfig(), kinds, nil, now)
	require.NoError(t, err)
	return a, b, kinds
}

// exchange delivers every outgoing packet of src into dst, dropping those
// whose position appears in lost.
func exchange(t *testing.T, src, dst *Connection, now time.Time, lost map[int]bool) int {
	t.Helper()
	packets, err := src.OutgoingPackets(now)
	require.NoError(t, err)
	for i, pkt := range packets {
		if lost[i] {
			continue
		}
		r := serde.NewBitReader(pkt)
		h, err := protocol.DeStandardHeader(r)
		require.NoError(t, err)
		require.NoError(t, dst.ProcessPacket(h, r, now))
	}
	return len(packets)
}

func bytesMsg(s string) message.Container {
	return message.Container{Kind: 1, Body: []byte(s)}
}

func TestRoundTripMessages(t *testing.T) {
	now := time.Now()
	a, b, _ := newPair(t, now)

	require.NoError(t, a.SendMessage(0, bytesMsg("fast")))
	require.NoError(t, a.SendMessage(1, bytesMsg("sure")))

	exchange(t, a, b, now, nil)

	got := b.ReceiveMessages()
	require.Len(t, got, 2)
	require.Equal(t, channel.ID(0), got[0].Channel)
	require.Equal(t, []byte("fast"), got[0].Msg.Body)
	require.Equal(t, channel.ID(1), got[1].Channel)
	require.Equal(t, []byte("sure"), got[1].Msg.Body)
}

func TestUnknownChannelRejected(t *testing.T) {
	now := time.Now()
	a, _, _ := newPair(t, now)
	err := a.SendMessage(9, bytesMsg("x"))
	require.ErrorIs(t, err, ErrUnknownChannel)

	err = a.SendRequest(0, 1, bytesMsg("x"))
	require.ErrorIs(t, err, ErrNotRequestChannel)
}

func TestReliableRedeliveryAfterLoss(t *testing.T) {
	now := time.Now()
	a, b, _ := newPair(t, now)

	require.NoError(t, a.SendMessage(1, bytesMsg("m1")))
	// First transmission lost entirely.
	exchange(t, a, b, now, map[int]bool{0: true})
	require.Empty(t, b.ReceiveMessages())

	// Advance past the resend timeout; the reliable channel retransmits.
	now = now.Add(500 * time.Millisecond)
	exchange(t, a, b, now, nil)
	got := b.ReceiveMessages()
	require.Len(t, got, 1)
	require.Equal(t, []byte("m1"), got[0].Msg.Body)

	// b's reply acks a's packet; no further retransmission happens.
	now = now.Add(100 * time.Millisecond)
	require.NoError(t, b.SendMessage(0, bytesMsg("reply")))
	exchange(t, b, a, now, nil)

	now = now.Add(2 * time.Second)
	packets, err := a.OutgoingPackets(now)
	require.NoError(t, err)
	for _, pkt := range packets {
		r := serde.NewBitReader(pkt)
		h, err := protocol.DeStandardHeader(r)
		require.NoError(t, err)
		require.NotEqual(t, protocol.PacketTypeData, h.Type, "acked message must not retransmit")
	}
}

func TestHeartbeatWhenIdle(t *testing.T) {
	now := time.Now()
	cfg := testConfig()
	cfg.PingInterval = 0 // isolate the heartbeat
	kinds := message.NewKindRegistry()
	require.NoError(t, kinds.RegisterBytes(1))
	a, err := New(&net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 9000}, cfg, kinds, nil, now)
	require.NoError(t, err)

	packets, err := a.OutgoingPackets(now.Add(time.Second))
	require.NoError(t, err)
	require.Empty(t, packets)

	packets, err = a.OutgoingPackets(now.Add(3100 * time.Millisecond))
	require.NoError(t, err)
	require.Len(t, packets, 1)
	h, err := protocol.DeStandardHeader(serde.NewBitReader(packets[0]))
	require.NoError(t, err)
	require.Equal(t, protocol.PacketTypeHeartbeat, h.Type)
}

func TestPingPongFeedsRTT(t *testing.T) {
	now := time.Now()
	a, b, _ := newPair(t, now)

	// a pings after ping_interval.
	now = now.Add(1100 * time.Millisecond)
	sent := exchange(t, a, b, now, nil)
	require.Equal(t, 1, sent)

	// b answers with a pong; a folds the sample.
	now = now.Add(80 * time.Millisecond)
	exchange(t, b, a, now, nil)

	// rtt moved from the 200ms initial estimate toward the 80ms sample.
	require.Less(t, a.RTT(), 200*time.Millisecond)
}

func TestTimedOut(t *testing.T) {
	now := time.Now()
	a, _, _ := newPair(t, now)
	require.False(t, a.TimedOut(now.Add(9*time.Second)))
	require.True(t, a.TimedOut(now.Add(10*time.Second)))
}

func TestRequestResponseAcrossConnections(t *testing.T) {
	now := time.Now()
	a, b, _ := newPair(t, now)

	require.NoError(t, a.SendRequest(2, channel.GlobalRequestID(42), bytesMsg("who goes there")))
	exchange(t, a, b, now, nil)

	reqs := b.ReceiveRequests()
	require.Len(t, reqs, 1)
	require.Equal(t, channel.ID(2), reqs[0].Channel)

	require.NoError(t, b.SendResponse(2, reqs[0].ResponseID, bytesMsg("a friend")))
	now = now.Add(50 * time.Millisecond)
	exchange(t, b, a, now, nil)

	resps := a.ReceiveResponses()
	require.Len(t, resps, 1)
	require.Equal(t, channel.GlobalRequestID(42), resps[0].RequestID)
	require.Equal(t, []byte("a friend"), resps[0].Msg.Body)
}

func TestCloseFailsOutstandingRequests(t *testing.T) {
	now := time.Now()
	a, _, _ := newPair(t, now)
	require.NoError(t, a.SendRequest(2, channel.GlobalRequestID(7), bytesMsg("r")))

	failed := a.Close()
	require.Equal(t, []channel.GlobalRequestID{7}, failed)
	require.True(t, a.Closed())
	require.ErrorIs(t, a.SendMessage(0, bytesMsg("x")), ErrClosed)
	_, err := a.OutgoingPackets(now)
	require.ErrorIs(t, err, ErrClosed)
}

func TestManyMessagesSplitAcrossPackets(t *testing.T) {
	now := time.Now()
	a, b, _ := newPair(t, now)

	big := make([]byte, 500)
	const total = 10
	for i := 0; i < total; i++ {
		require.NoError(t, a.SendMessage(1, message.Container{Kind: 1, Body: big}))
	}

	sent := exchange(t, a, b, now, nil)
	require.Greater(t, sent, 1, "10 x 500B cannot fit one MTU")
	require.Len(t, b.ReceiveMessages(), total)
}

func TestEntityResolutionAcrossConnection(t *testing.T) {
	now := time.Now()
	kinds := message.NewKindRegistry()
	require.NoError(t, kinds.RegisterBytes(1))

	conv := &stubConverter{known: map[message.EntityHandle]message.EntityHandle{}}
	a, err := New(&net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 9000}, testConfig(), kinds, nil, now)
	require.NoError(t, err)
	b, err := New(&net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 9000}, testConfig(), kinds, conv, now)
	require.NoError(t, err)

	require.NoError(t, a.SendMessage(1, message.Container{
		Kind: 1, Body: []byte("attach"), Handles: []message.EntityHandle{33},
	}))
	exchange(t, a, b, now, nil)
	require.Empty(t, b.ReceiveMessages())

	conv.known[33] = 3
	b.ResolveEntity(33)
	got := b.ReceiveMessages()
	require.Len(t, got, 1)
}

type stubConverter struct {
	known map[message.EntityHandle]message.EntityHandle
}

func (c *stubConverter) LocalToGlobal(h message.EntityHandle) (message.EntityHandle, bool) {
	return h, true
}

func (c *stubConverter) GlobalToLocal(h message.EntityHandle) (message.EntityHandle, bool) {
	l, ok := c.known[h]
	return l, ok
}

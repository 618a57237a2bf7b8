package server

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lockstep-net/lockstep/internal/handshake"
	"github.com/lockstep-net/lockstep/internal/protocol"
	"github.com/lockstep-net/lockstep/pkg/config"
	"github.com/lockstep-net/lockstep/pkg/message"
	"github.com/lockstep-net/lockstep/pkg/serde"
)

// memConn is a substrate the test can inject datagrams into from arbitrary
// source addresses, capturing everything the server writes back.
type memConn struct {
	mu     sync.Mutex
	inbox  chan inboundDatagram
	outbox map[string][][]byte
	done   chan struct{}
	once   sync.Once
}

func newMemConn() *memConn {
	return &memConn{
		inbox:  make(chan inboundDatagram, 256),
		outbox: make(map[string][][]byte),
		done:   make(chan struct{}),
	}
}

func (m *memConn) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case dgram := <-m.inbox:
		n := copy(p, dgram.data)
		return n, dgram.addr, nil
	case <-m.done:
		return 0, nil, net.ErrClosed
	}
}

func (m *memConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	data := make([]byte, len(p))
	copy(data, p)
	m.mu.Lock()
	m.outbox[addr.String()] = append(m.outbox[addr.String()], data)
	m.mu.Unlock()
	return len(p), nil
}

func (m *memConn) LocalAddr() net.Addr { return &net.UDPAddr{IP: net.IPv4zero, Port: 9000} }

func (m *memConn) Close() error {
	m.once.Do(func() { close(m.done) })
	return nil
}

// Inject delivers a datagram as if it arrived from addr.
func (m *memConn) Inject(data []byte, addr net.Addr) {
	m.inbox <- inboundDatagram{data: data, addr: addr}
}

// Drain returns and clears everything written to addr.
func (m *memConn) Drain(addr net.Addr) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.outbox[addr.String()]
	delete(m.outbox, addr.String())
	return out
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Channels = []config.Channel{
		{ID: 0, Mode: "unordered_unreliable"},
		{ID: 1, Mode: "ordered_reliable"},
	}
	return cfg
}

func testKinds(t *testing.T) *message.KindRegistry {
	t.Helper()
	kinds := message.NewKindRegistry()
	require.NoError(t, kinds.RegisterBytes(1))
	return kinds
}

// settle gives the substrate readLoop a moment to queue injected datagrams,
// then ticks the server.
func settle(t *testing.T, s *Server, now time.Time) {
	t.Helper()
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.Update(now))
}

// runHandshake drives a client-side handshake manager against the server
// until it connects. Returns the manager (for its disconnect credentials)
// and every event the server emitted along the way.
func runHandshake(t *testing.T, s *Server, conn *memConn, addr net.Addr, now time.Time) (*handshake.ClientManager, []Event) {
	t.Helper()
	hs := handshake.NewClientManager(uint64(1700000000), handshake.AuthPayload{Bytes: []byte("user:pass")}, time.Millisecond)

	var collected []Event
	deadline := time.Now().Add(5 * time.Second)
	step := now
	for hs.State() != handshake.StateConnected {
		require.Less(t, time.Now().UnixNano(), deadline.UnixNano(), "handshake did not finish")
		step = step.Add(10 * time.Millisecond)

		if pkt := hs.OutgoingPacket(step); pkt != nil {
			conn.Inject(pkt.Bytes(), addr)
		}
		settle(t, s, step)

		for _, ev := range s.Events() {
			collected = append(collected, ev)
			if auth, ok := ev.(AuthEvent); ok {
				require.Equal(t, []byte("user:pass"), auth.Auth.Bytes)
				s.AcceptConnection(auth.Addr)
			}
		}

		for _, raw := range conn.Drain(addr) {
			r := serde.NewBitReader(raw)
			h, err := protocol.DeStandardHeader(r)
			require.NoError(t, err)
			switch h.Type {
			case protocol.PacketTypeServerChallengeResponse:
				require.NoError(t, hs.RecvChallengeResponse(r))
			case protocol.PacketTypeServerValidateResponse:
				hs.RecvValidateResponse()
			case protocol.PacketTypeServerConnectResponse:
				require.NoError(t, hs.RecvConnectResponse(r))
			}
		}
	}
	return hs, collected
}

func TestChallengeResponseEchoesTimestamp(t *testing.T) {
	conn := newMemConn()
	s, err := New(conn, testConfig(), testKinds(t), Options{})
	require.NoError(t, err)
	defer s.Close()

	addr := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 5555}
	w := serde.NewBitWriter()
	protocol.NewStandardHeader(protocol.PacketTypeClientChallengeRequest).Ser(w)
	w.WriteU64(1700000000)
	conn.Inject(w.Bytes(), addr)

	settle(t, s, time.Now())

	out := conn.Drain(addr)
	require.Len(t, out, 1)
	r := serde.NewBitReader(out[0])
	h, err := protocol.DeStandardHeader(r)
	require.NoError(t, err)
	require.Equal(t, protocol.PacketTypeServerChallengeResponse, h.Type)
	ts, err := r.ReadU64()
	require.NoError(t, err)
	require.Equal(t, uint64(1700000000), ts)
	digest, err := r.ReadBytes()
	require.NoError(t, err)
	require.NotEmpty(t, digest)
}

func TestFullHandshakeEstablishesConnection(t *testing.T) {
	conn := newMemConn()
	s, err := New(conn, testConfig(), testKinds(t), Options{})
	require.NoError(t, err)
	defer s.Close()

	addr := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 5555}
	now := time.Now()
	_, events := runHandshake(t, s, conn, addr, now)

	var connected bool
	for _, ev := range append(events, s.Events()...) {
		if ce, ok := ev.(ConnectEvent); ok {
			connected = true
			require.Equal(t, uint64(1700000000), ce.Identity)
		}
	}
	require.True(t, connected)
	require.Len(t, s.Connections(), 1)
}

func TestTamperedValidateSilentlyDropped(t *testing.T) {
	conn := newMemConn()
	s, err := New(conn, testConfig(), testKinds(t), Options{})
	require.NoError(t, err)
	defer s.Close()

	addr := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 5555}

	// Obtain a genuine digest first.
	w := serde.NewBitWriter()
	protocol.NewStandardHeader(protocol.PacketTypeClientChallengeRequest).Ser(w)
	w.WriteU64(42)
	conn.Inject(w.Bytes(), addr)
	settle(t, s, time.Now())
	out := conn.Drain(addr)
	require.Len(t, out, 1)
	r := serde.NewBitReader(out[0])
	_, err = protocol.DeStandardHeader(r)
	require.NoError(t, err)
	_, err = r.ReadU64()
	require.NoError(t, err)
	digest, err := r.ReadBytes()
	require.NoError(t, err)
	digest[0] ^= 0xff

	// Tampered validate: no response, no events, no state.
	w = serde.NewBitWriter()
	protocol.NewStandardHeader(protocol.PacketTypeClientValidateRequest).Ser(w)
	w.WriteU64(42)
	w.WriteBytes(digest)
	w.WriteBool(false)
	w.WriteBool(false)
	conn.Inject(w.Bytes(), addr)
	settle(t, s, time.Now())

	require.Empty(t, conn.Drain(addr))
	require.Empty(t, s.Events())
	require.Empty(t, s.Connections())
}

func TestRejectConnection(t *testing.T) {
	conn := newMemConn()
	s, err := New(conn, testConfig(), testKinds(t), Options{})
	require.NoError(t, err)
	defer s.Close()

	addr := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 5555}
	hs := handshake.NewClientManager(7, handshake.AuthPayload{}, time.Millisecond)
	now := time.Now()

	// Challenge.
	conn.Inject(hs.OutgoingPacket(now).Bytes(), addr)
	settle(t, s, now)
	out := conn.Drain(addr)
	require.Len(t, out, 1)
	r := serde.NewBitReader(out[0])
	_, err = protocol.DeStandardHeader(r)
	require.NoError(t, err)
	require.NoError(t, hs.RecvChallengeResponse(r))

	// Validate; the application rejects.
	conn.Inject(hs.OutgoingPacket(now.Add(10*time.Millisecond)).Bytes(), addr)
	settle(t, s, now)
	events := s.Events()
	require.Len(t, events, 1)
	auth, ok := events[0].(AuthEvent)
	require.True(t, ok)
	s.RejectConnection(auth.Addr)

	var sawReject bool
	for _, raw := range conn.Drain(addr) {
		h, err := protocol.DeStandardHeader(serde.NewBitReader(raw))
		require.NoError(t, err)
		if h.Type == protocol.PacketTypeServerRejectResponse {
			sawReject = true
		}
	}
	require.True(t, sawReject)
	require.Empty(t, s.Connections())

	// A connect request after rejection goes nowhere.
	w := serde.NewBitWriter()
	protocol.NewStandardHeader(protocol.PacketTypeClientConnectRequest).Ser(w)
	conn.Inject(w.Bytes(), addr)
	settle(t, s, now)
	require.Empty(t, s.Connections())
}

func TestSpoofedDisconnectIgnored(t *testing.T) {
	conn := newMemConn()
	s, err := New(conn, testConfig(), testKinds(t), Options{})
	require.NoError(t, err)
	defer s.Close()

	victim := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 5555}
	spoofer := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 99), Port: 5555}
	now := time.Now()

	hs, _ := runHandshake(t, s, conn, victim, now)
	s.Events()
	require.Len(t, s.Connections(), 1)

	// The spoofer captured the victim's credentials and replays them.
	conn.Inject(hs.WriteDisconnect().Bytes(), spoofer)
	settle(t, s, now)

	require.Len(t, s.Connections(), 1, "victim connection must survive")
	for _, ev := range s.Events() {
		_, isDisconnect := ev.(DisconnectEvent)
		require.False(t, isDisconnect)
	}

	// The genuine peer's disconnect is honored.
	conn.Inject(hs.WriteDisconnect().Bytes(), victim)
	settle(t, s, now)
	require.Empty(t, s.Connections())

	var sawDisconnect bool
	for _, ev := range s.Events() {
		if de, ok := ev.(DisconnectEvent); ok {
			sawDisconnect = true
			require.ErrorIs(t, de.Reason, ErrPeerDisconnected)
		}
	}
	require.True(t, sawDisconnect)
}

func TestIdleDisconnectEmitsExactlyOnce(t *testing.T) {
	conn := newMemConn()
	cfg := testConfig()
	s, err := New(conn, cfg, testKinds(t), Options{})
	require.NoError(t, err)
	defer s.Close()

	addr := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 5555}
	now := time.Now()
	_, _ = runHandshake(t, s, conn, addr, now)
	s.Events()

	// The peer goes silent; after disconnect_timeout exactly one event fires.
	disconnects := 0
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Update(now.Add(cfg.DisconnectTimeout+time.Duration(i)*time.Second)))
		for _, ev := range s.Events() {
			if de, ok := ev.(DisconnectEvent); ok {
				disconnects++
				require.ErrorIs(t, de.Reason, ErrTimeout)
			}
		}
	}
	require.Equal(t, 1, disconnects)
	require.Empty(t, s.Connections())
	require.ErrorIs(t, s.SendMessage(addr, 1, message.Container{Kind: 1, Body: []byte("x")}), ErrUnknownPeer)
}

func TestDataFromUnknownAddressDropped(t *testing.T) {
	conn := newMemConn()
	s, err := New(conn, testConfig(), testKinds(t), Options{})
	require.NoError(t, err)
	defer s.Close()

	addr := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 50), Port: 1}
	w := serde.NewBitWriter()
	protocol.StandardHeader{Type: protocol.PacketTypeData, LocalIndex: 1}.Ser(w)
	w.WriteBool(false)
	conn.Inject(w.Bytes(), addr)

	settle(t, s, time.Now())
	require.Empty(t, s.Events())
	require.Empty(t, conn.Drain(addr))
}

// Package server implements the host-facing server endpoint: it owns the
// datagram substrate, runs the handshake for incoming peers, and multiplexes
// established connections. The host drives it at a fixed tick cadence via
// Update and drains Events; connection state is only ever touched on the
// ticking goroutine.
package server

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lockstep-net/lockstep/internal/connection"
	"github.com/lockstep-net/lockstep/internal/handshake"
	"github.com/lockstep-net/lockstep/internal/protocol"
	"github.com/lockstep-net/lockstep/pkg/config"
	"github.com/lockstep-net/lockstep/pkg/logging"
	"github.com/lockstep-net/lockstep/pkg/message"
	"github.com/lockstep-net/lockstep/pkg/message/channel"
	"github.com/lockstep-net/lockstep/pkg/metrics"
	"github.com/lockstep-net/lockstep/pkg/serde"
	"github.com/lockstep-net/lockstep/pkg/transport"
)

// Teardown reasons surfaced in DisconnectEvent.
var (
	ErrTimeout          = errors.New("server: no datagrams within disconnect timeout")
	ErrPeerDisconnected = errors.New("server: peer requested disconnect")
	ErrUnknownPeer      = errors.New("server: no connection for address")
)

// Options carries the optional collaborators.
type Options struct {
	// Converter rewrites entity handles; nil means no entity replication.
	Converter message.EntityConverter
	// Metrics receives instrumentation; nil creates an unregistered set.
	Metrics *metrics.Metrics
}

type inboundDatagram struct {
	data []byte
	addr net.Addr
}

type peer struct {
	addr     net.Addr
	conn     *connection.Connection
	identity uint64
}

type authDecision int

const (
	decisionPending authDecision = iota
	decisionAccepted
)

// Server is the server endpoint.
type Server struct {
	cfg        config.Config
	channelSet []channel.Config
	connCfg    connection.Config

	substrate transport.DatagramConn
	hs        *handshake.ServerManager
	kinds     *message.KindRegistry
	conv      message.EntityConverter
	metrics   *metrics.Metrics

	mu      sync.Mutex
	inbound []inboundDatagram
	readErr error
	closed  bool

	connections map[string]*peer
	decisions   map[string]authDecision
	events      []Event

	nextGlobalRequestID uint64
}

// New builds a server over an already-bound substrate.
func New(substrate transport.DatagramConn, cfg config.Config, kinds *message.KindRegistry, opts Options) (*Server, error) {
	channelSet, err := cfg.ChannelSet()
	if err != nil {
		return nil, err
	}
	hs, err := handshake.NewServerManager()
	if err != nil {
		return nil, err
	}
	conv := opts.Converter
	if conv == nil {
		conv = message.IdentityConverter{}
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New(nil)
	}

	s := &Server{
		cfg:         cfg,
		channelSet:  channelSet,
		connCfg:     connectionConfig(cfg, channelSet),
		substrate:   substrate,
		hs:          hs,
		kinds:       kinds,
		conv:        conv,
		metrics:     m,
		connections: make(map[string]*peer),
		decisions:   make(map[string]authDecision),
	}
	go s.readLoop()
	logging.Info("server listening", zap.String("addr", substrate.LocalAddr().String()))
	return s, nil
}

func connectionConfig(cfg config.Config, channelSet []channel.Config) connection.Config {
	c := connection.DefaultConfig()
	if cfg.MTU > 0 {
		c.MTU = cfg.MTU
	}
	if cfg.HeartbeatInterval > 0 {
		c.HeartbeatInterval = cfg.HeartbeatInterval
	}
	if cfg.PingInterval > 0 {
		c.PingInterval = cfg.PingInterval
	}
	if cfg.DisconnectTimeout > 0 {
		c.DisconnectTimeout = cfg.DisconnectTimeout
	}
	c.Channels = channelSet
	return c
}

// readLoop moves substrate datagrams into the inbound queue; the tick
// goroutine drains it. This is the only cross-goroutine touch point.
func (s *Server) readLoop() {
	buf := make([]byte, transport.MaxDatagramSize)
	for {
		n, addr, err := s.substrate.ReadFrom(buf)
		if err != nil {
			s.mu.Lock()
			if !s.closed {
				s.readErr = err
			}
			s.mu.Unlock()
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])

		s.mu.Lock()
		s.inbound = append(s.inbound, inboundDatagram{data: data, addr: addr})
		s.mu.Unlock()
	}
}

// Update runs one tick: drain inbound datagrams, pull deliverable messages,
// flush outbound packets, and reap timed-out peers. The returned error is a
// substrate failure; protocol-level trouble surfaces as events instead.
func (s *Server) Update(now time.Time) error {
	s.mu.Lock()
	pending := s.inbound
	s.inbound = nil
	readErr := s.readErr
	s.mu.Unlock()

	for _, dgram := range pending {
		s.handleDatagram(dgram.data, dgram.addr, now)
	}

	for _, p := range s.connections {
		s.pullDeliverables(p)
	}

	for key, p := range s.connections {
		packets, err := p.conn.OutgoingPackets(now)
		if err != nil {
			s.teardown(key, err)
			continue
		}
		for _, pkt := range packets {
			if _, werr := s.substrate.WriteTo(pkt, p.addr); werr != nil {
				return fmt.Errorf("server: substrate write: %w", werr)
			}
			s.metrics.PacketsSent.Inc()
		}
	}

	for key, p := range s.connections {
		if p.conn.TimedOut(now) {
			s.teardown(key, ErrTimeout)
		}
	}

	return readErr
}

func (s *Server) pullDeliverables(p *peer) {
	for _, rcv := range p.conn.ReceiveMessages() {
		s.events = append(s.events, MessageEvent{Addr: p.addr, Channel: rcv.Channel, Msg: rcv.Msg})
	}
	for _, req := range p.conn.ReceiveRequests() {
		s.events = append(s.events, RequestEvent{Addr: p.addr, Channel: req.Channel, ResponseID: req.ResponseID, Msg: req.Msg})
	}
	for _, resp := range p.conn.ReceiveResponses() {
		s.events = append(s.events, ResponseEvent{Addr: p.addr, Channel: resp.Channel, RequestID: resp.RequestID, Msg: resp.Msg})
	}
	for _, d := range p.conn.DeliveredMessages() {
		s.events = append(s.events, MessageDeliveredEvent{Addr: p.addr, Channel: d.Channel, Index: d.Index})
	}
}

func (s *Server) handleDatagram(data []byte, addr net.Addr, now time.Time) {
	s.metrics.PacketsReceived.Inc()

	r := serde.NewBitReader(data)
	h, err := protocol.DeStandardHeader(r)
	if err != nil {
		s.metrics.DecodeFailures.Inc()
		logging.Debug("dropping malformed datagram",
			zap.String("addr", addr.String()), zap.Error(err))
		return
	}

	if h.Type.IsData() {
		p, ok := s.connections[addr.String()]
		if !ok {
			logging.Debug("data packet from unconnected address",
				zap.String("addr", addr.String()), zap.String("type", h.Type.String()))
			return
		}
		if err := p.conn.ProcessPacket(h, r, now); err != nil {
			if errors.Is(err, channel.ErrDuplicateOutOfWindow) {
				s.teardown(addr.String(), err)
				return
			}
			s.metrics.DecodeFailures.Inc()
			logging.Debug("dropping undecodable packet",
				zap.String("addr", addr.String()), zap.Error(err))
		}
		return
	}

	s.handleHandshakePacket(h, r, addr, now)
}

func (s *Server) handleHandshakePacket(h protocol.StandardHeader, r *serde.BitReader, addr net.Addr, now time.Time) {
	key := addr.String()

	switch h.Type {
	case protocol.PacketTypeClientChallengeRequest:
		resp, err := s.hs.RecvChallengeRequest(r)
		if err != nil {
			s.metrics.HandshakeFailures.Inc()
			logging.Warn("malformed challenge request",
				zap.String("addr", key), zap.Error(err))
			return
		}
		s.send(resp.Bytes(), addr)

	case protocol.PacketTypeClientValidateRequest:
		auth, ok := s.hs.RecvValidateRequest(addr, r)
		if !ok {
			s.metrics.HandshakeFailures.Inc()
			return
		}
		s.send(s.hs.WriteValidateResponse().Bytes(), addr)
		if _, asked := s.decisions[key]; !asked {
			s.decisions[key] = decisionPending
			s.events = append(s.events, AuthEvent{Addr: addr, Auth: convertAuth(auth)})
		}

	case protocol.PacketTypeClientConnectRequest:
		if s.decisions[key] != decisionAccepted {
			// No decision yet (or never validated): the client will resend.
			return
		}
		ts, ok := s.hs.ConnectedTimestamp(addr)
		if !ok {
			return
		}
		if _, connected := s.connections[key]; !connected {
			conn, err := connection.New(addr, s.connCfg, s.kinds, s.conv, now)
			if err != nil {
				logging.Error("connection setup failed",
					zap.String("addr", key), zap.Error(err))
				return
			}
			s.connections[key] = &peer{addr: addr, conn: conn, identity: ts}
			s.metrics.ConnectedPeers.Inc()
			s.events = append(s.events, ConnectEvent{Addr: addr, Identity: ts})
			logging.Info("peer connected", zap.String("addr", key))
		}
		s.send(s.hs.WriteConnectResponse(ts).Bytes(), addr)

	case protocol.PacketTypeDisconnect:
		p, connected := s.connections[key]
		if !connected {
			return
		}
		if !s.hs.VerifyDisconnectRequest(p.addr, r) {
			s.metrics.HandshakeFailures.Inc()
			logging.Warn("unauthenticated disconnect request", zap.String("addr", key))
			return
		}
		s.teardown(key, ErrPeerDisconnected)

	default:
		// Server-role tags arriving at a server are nonsense; drop.
		logging.Debug("unexpected handshake packet",
			zap.String("addr", key), zap.String("type", h.Type.String()))
	}
}

// AcceptConnection records the application's accept decision for a validated
// address. The connection is established when the client's connect request
// arrives (or its pending resend).
func (s *Server) AcceptConnection(addr net.Addr) {
	s.decisions[addr.String()] = decisionAccepted
}

// RejectConnection refuses a validated address: the reject response is sent
// and all provisional state is purged.
func (s *Server) RejectConnection(addr net.Addr) {
	key := addr.String()
	s.send(s.hs.WriteRejectResponse().Bytes(), addr)
	s.hs.DeleteUser(addr)
	delete(s.decisions, key)
}

func (s *Server) send(data []byte, addr net.Addr) {
	if _, err := s.substrate.WriteTo(data, addr); err != nil {
		logging.Error("substrate write failed",
			zap.String("addr", addr.String()), zap.Error(err))
		return
	}
	s.metrics.PacketsSent.Inc()
}

// teardown removes a connection, emitting exactly one DisconnectEvent and
// failing outstanding requests.
func (s *Server) teardown(key string, reason error) {
	p, ok := s.connections[key]
	if !ok {
		return
	}
	delete(s.connections, key)
	delete(s.decisions, key)
	s.hs.DeleteUser(p.addr)

	for _, globalID := range p.conn.Close() {
		s.events = append(s.events, RequestFailedEvent{Addr: p.addr, RequestID: globalID, Reason: reason})
	}
	s.events = append(s.events, DisconnectEvent{Addr: p.addr, Reason: reason})
	s.metrics.ConnectedPeers.Dec()
	s.metrics.ConnectionsLost.Inc()
	logging.Info("peer disconnected",
		zap.String("addr", key), zap.Error(reason))
}

// Events drains the pending event queue.
func (s *Server) Events() []Event {
	out := s.events
	s.events = nil
	return out
}

// SendMessage enqueues a message for one peer.
func (s *Server) SendMessage(addr net.Addr, ch channel.ID, msg message.Container) error {
	p, ok := s.connections[addr.String()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, addr)
	}
	return p.conn.SendMessage(ch, msg)
}

// Broadcast enqueues a message for every connected peer.
func (s *Server) Broadcast(ch channel.ID, msg message.Container) error {
	for _, p := range s.connections {
		if err := p.conn.SendMessage(ch, msg); err != nil {
			return err
		}
	}
	return nil
}

// SendRequest issues a request to a peer, returning the id its eventual
// ResponseEvent (or RequestFailedEvent) will carry.
func (s *Server) SendRequest(addr net.Addr, ch channel.ID, msg message.Container) (channel.GlobalRequestID, error) {
	p, ok := s.connections[addr.String()]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownPeer, addr)
	}
	s.nextGlobalRequestID++
	globalID := channel.GlobalRequestID(s.nextGlobalRequestID)
	if err := p.conn.SendRequest(ch, globalID, msg); err != nil {
		return 0, err
	}
	return globalID, nil
}

// SendResponse answers a RequestEvent.
func (s *Server) SendResponse(addr net.Addr, ch channel.ID, responseID uint16, msg message.Container) error {
	p, ok := s.connections[addr.String()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, addr)
	}
	return p.conn.SendResponse(ch, responseID, msg)
}

// ResolveEntity releases waitlisted messages on every connection once the
// entity-replication layer maps the handle locally.
func (s *Server) ResolveEntity(h message.EntityHandle) {
	for _, p := range s.connections {
		p.conn.ResolveEntity(h)
	}
}

// Connections lists the currently established peers.
func (s *Server) Connections() []net.Addr {
	out := make([]net.Addr, 0, len(s.connections))
	for _, p := range s.connections {
		out = append(out, p.addr)
	}
	return out
}

// RTT returns the smoothed round-trip estimate for a peer.
func (s *Server) RTT(addr net.Addr) (time.Duration, error) {
	p, ok := s.connections[addr.String()]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownPeer, addr)
	}
	return p.conn.RTT(), nil
}

// Close shuts the server and its substrate down.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.substrate.Close()
}

func convertAuth(auth handshake.AuthPayload) AuthPayload {
	out := AuthPayload{Bytes: auth.Bytes}
	for _, h := range auth.Headers {
		out.Headers = append(out.Headers, AuthHeader{Name: h.Name, Value: h.Value})
	}
	return out
}

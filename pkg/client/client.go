// Package client implements the host-facing client endpoint: it drives the
// handshake against a server, then owns the established connection. Like the
// server, it is tick-driven; the host calls Update at a fixed cadence and
// drains Events.
package client

import (
	"errors"
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
	"github.com/lockstep-net/lockstep/pkg/serde"
	"github.com/lockstep-net/lockstep/pkg/transport"
)

// Event is one host-visible occurrence, drained via Events.
type Event interface {
	isEvent()
}

// ConnectEvent reports handshake completion. Identity is the session
// identity the server bound to this client.
type ConnectEvent struct {
	Identity uint64
}

// DisconnectEvent reports the end of the session. Emitted exactly once.
type DisconnectEvent struct {
	Reason error
}

// MessageEvent delivers a received message.
type MessageEvent struct {
	Channel channel.ID
	Msg     message.Container
}

// RequestEvent delivers a server-initiated request.
type RequestEvent struct {
	Channel    channel.ID
	ResponseID uint16
	Msg        message.Container
}

// ResponseEvent settles a request issued with SendRequest.
type ResponseEvent struct {
	RequestID channel.GlobalRequestID
	Msg       message.Container
}

// MessageDeliveredEvent reports that the server acknowledged a reliable
// message. Index is the channel-local message index.
type MessageDeliveredEvent struct {
	Channel channel.ID
	Index   uint16
}

// RequestFailedEvent reports a request whose connection died first.
type RequestFailedEvent struct {
	RequestID channel.GlobalRequestID
	Reason    error
}

func (ConnectEvent) isEvent()          {}
func (DisconnectEvent) isEvent()       {}
func (MessageEvent) isEvent()          {}
func (RequestEvent) isEvent()          {}
func (ResponseEvent) isEvent()         {}
func (MessageDeliveredEvent) isEvent() {}
func (RequestFailedEvent) isEvent()    {}

// Errors.
var (
	ErrNotConnected = errors.New("client: not connected")
	ErrAuthRejected = errors.New("client: server rejected authentication")
	ErrTimeout      = errors.New("client: no datagrams within disconnect timeout")
	ErrDisconnected = errors.New("client: disconnected by host")
)

type state int

const (
	stateHandshaking state = iota
	stateConnected
	stateClosed
)

// Options carries the optional collaborators and auth material.
type Options struct {
	// AuthBytes and AuthHeaders ride on the validate request.
	AuthBytes   []byte
	AuthHeaders []handshakeHeader
	// Converter rewrites entity handles; nil means no entity replication.
	Converter message.EntityConverter
	// Timestamp overrides the handshake attempt id (defaults to wall clock
	// milliseconds). Tests use it for determinism.
	Timestamp uint64
}

type handshakeHeader = handshake.AuthHeader

// AuthHeader builds an auth header for Options.
func AuthHeader(name, value string) handshakeHeader {
	return handshakeHeader{Name: name, Value: value}
}

type inboundDatagram struct {
	data []byte
	addr net.Addr
}

// Client is the client endpoint.
type Client struct {
	cfg     config.Config
	connCfg connection.Config

	substrate  transport.DatagramConn
	serverAddr net.Addr
	kinds      *message.KindRegistry
	conv       message.EntityConverter

	hs    *handshake.ClientManager
	state state
	conn  *connection.Connection

	mu      sync.Mutex
	inbound []inboundDatagram
	readErr error
	closed  bool

	events              []Event
	nextGlobalRequestID uint64
}

// New builds a client over an already-bound substrate and begins the
// handshake on the first Update.
func New(substrate transport.DatagramConn, serverAddr net.Addr, cfg config.Config, kinds *message.KindRegistry, opts Options) (*Client, error) {
	channelSet, err := cfg.ChannelSet()
	if err != nil {
		return nil, err
	}
	conv := opts.Converter
	if conv == nil {
		conv = message.IdentityConverter{}
	}
	timestamp := opts.Timestamp
	if timestamp == 0 {
		timestamp = uint64(time.Now().UnixMilli())
	}
	resend := cfg.HandshakeResendInterval
	if resend <= 0 {
		resend = 250 * time.Millisecond
	}

	connCfg := connection.DefaultConfig()
	if cfg.MTU > 0 {
		connCfg.MTU = cfg.MTU
	}
	if cfg.HeartbeatInterval > 0 {
		connCfg.HeartbeatInterval = cfg.HeartbeatInterval
	}
	if cfg.PingInterval > 0 {
		connCfg.PingInterval = cfg.PingInterval
	}
	if cfg.DisconnectTimeout > 0 {
		connCfg.DisconnectTimeout = cfg.DisconnectTimeout
	}
	connCfg.Channels = channelSet

	c := &Client{
		cfg:        cfg,
		connCfg:    connCfg,
		substrate:  substrate,
		serverAddr: serverAddr,
		kinds:      kinds,
		conv:       conv,
		hs: handshake.NewClientManager(timestamp, handshake.AuthPayload{
			Bytes:   opts.AuthBytes,
			Headers: opts.AuthHeaders,
		}, resend),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	buf := make([]byte, transport.MaxDatagramSize)
	for {
		n, addr, err := c.substrate.ReadFrom(buf)
		if err != nil {
			c.mu.Lock()
			if !c.closed {
				c.readErr = err
			}
			c.mu.Unlock()
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])

		c.mu.Lock()
		c.inbound = append(c.inbound, inboundDatagram{data: data, addr: addr})
		c.mu.Unlock()
	}
}

// Update runs one tick. The returned error is a substrate failure.
func (c *Client) Update(now time.Time) error {
	c.mu.Lock()
	pending := c.inbound
	c.inbound = nil
	readErr := c.readErr
	c.mu.Unlock()

	for _, dgram := range pending {
		c.handleDatagram(dgram.data, now)
	}

	switch c.state {
	case stateHandshaking:
		if pkt := c.hs.OutgoingPacket(now); pkt != nil {
			c.send(pkt.Bytes())
		}
	case stateConnected:
		for _, rcv := range c.conn.ReceiveMessages() {
			c.events = append(c.events, MessageEvent{Channel: rcv.Channel, Msg: rcv.Msg})
		}
		for _, req := range c.conn.ReceiveRequests() {
			c.events = append(c.events, RequestEvent{Channel: req.Channel, ResponseID: req.ResponseID, Msg: req.Msg})
		}
		for _, resp := range c.conn.ReceiveResponses() {
			c.events = append(c.events, ResponseEvent{RequestID: resp.RequestID, Msg: resp.Msg})
		}
		for _, d := range c.conn.DeliveredMessages() {
			c.events = append(c.events, MessageDeliveredEvent{Channel: d.Channel, Index: d.Index})
		}

		packets, err := c.conn.OutgoingPackets(now)
		if err != nil {
			c.teardown(err)
			return readErr
		}
		for _, pkt := range packets {
			c.send(pkt)
		}

		if c.conn.TimedOut(now) {
			c.teardown(ErrTimeout)
		}
	}

	return readErr
}

func (c *Client) handleDatagram(data []byte, now time.Time) {
	r := serde.NewBitReader(data)
	h, err := protocol.DeStandardHeader(r)
	if err != nil {
		logging.Debug("dropping malformed datagram", zap.Error(err))
		return
	}

	switch c.state {
	case stateHandshaking:
		c.handleHandshakePacket(h, r, now)
	case stateConnected:
		if !h.Type.IsData() {
			// Stray handshake traffic after establishment (e.g. a duplicate
			// connect response) is harmless.
			return
		}
		if err := c.conn.ProcessPacket(h, r, now); err != nil {
			if errors.Is(err, channel.ErrDuplicateOutOfWindow) {
				c.teardown(err)
				return
			}
			logging.Debug("dropping undecodable packet", zap.Error(err))
		}
	}
}

func (c *Client) handleHandshakePacket(h protocol.StandardHeader, r *serde.BitReader, now time.Time) {
	switch h.Type {
	case protocol.PacketTypeServerChallengeResponse:
		if err := c.hs.RecvChallengeResponse(r); err != nil {
			logging.Warn("malformed challenge response", zap.Error(err))
		}
	case protocol.PacketTypeServerValidateResponse:
		c.hs.RecvValidateResponse()
	case protocol.PacketTypeServerConnectResponse:
		if err := c.hs.RecvConnectResponse(r); err != nil {
			logging.Warn("malformed connect response", zap.Error(err))
			return
		}
		if c.hs.State() == handshake.StateConnected {
			conn, err := connection.New(c.serverAddr, c.connCfg, c.kinds, c.conv, now)
			if err != nil {
				c.teardownHandshake(err)
				return
			}
			c.conn = conn
			c.state = stateConnected
			c.events = append(c.events, ConnectEvent{Identity: c.hs.Identity()})
			logging.Info("connected", zap.String("server", c.serverAddr.String()))
		}
	case protocol.PacketTypeServerRejectResponse:
		c.hs.RecvRejectResponse()
		c.teardownHandshake(ErrAuthRejected)
	default:
		logging.Debug("unexpected packet during handshake",
			zap.String("type", h.Type.String()))
	}
}

func (c *Client) send(data []byte) {
	if _, err := c.substrate.WriteTo(data, c.serverAddr); err != nil {
		logging.Error("substrate write failed", zap.Error(err))
	}
}

// teardown ends an established session, exactly once.
func (c *Client) teardown(reason error) {
	if c.state != stateConnected {
		return
	}
	c.state = stateClosed
	for _, globalID := range c.conn.Close() {
		c.events = append(c.events, RequestFailedEvent{RequestID: globalID, Reason: reason})
	}
	c.events = append(c.events, DisconnectEvent{Reason: reason})
	logging.Info("disconnected", zap.Error(reason))
}

// teardownHandshake ends a session that never established.
func (c *Client) teardownHandshake(reason error) {
	if c.state == stateClosed {
		return
	}
	c.state = stateClosed
	c.events = append(c.events, DisconnectEvent{Reason: reason})
}

// Disconnect sends authenticated disconnect requests and ends the session
// locally. Repeated sends cover for the request itself riding an unreliable
// substrate.
func (c *Client) Disconnect() error {
	if c.state != stateConnected {
		return ErrNotConnected
	}
	pkt := c.hs.WriteDisconnect().Bytes()
	for i := 0; i < disconnectSendCount; i++ {
		c.send(pkt)
	}
	c.teardown(ErrDisconnected)
	return nil
}

const disconnectSendCount = 3

// Connected reports whether the session is established.
func (c *Client) Connected() bool {
	return c.state == stateConnected
}

// Events drains the pending event queue.
func (c *Client) Events() []Event {
	out := c.events
	c.events = nil
	return out
}

// SendMessage enqueues a message on a channel.
func (c *Client) SendMessage(ch channel.ID, msg message.Container) error {
	if c.state != stateConnected {
		return ErrNotConnected
	}
	return c.conn.SendMessage(ch, msg)
}

// SendRequest issues a request, returning the id its ResponseEvent (or
// RequestFailedEvent) will carry.
func (c *Client) SendRequest(ch channel.ID, msg message.Container) (channel.GlobalRequestID, error) {
	if c.state != stateConnected {
		return 0, ErrNotConnected
	}
	c.nextGlobalRequestID++
	globalID := channel.GlobalRequestID(c.nextGlobalRequestID)
	if err := c.conn.SendRequest(ch, globalID, msg); err != nil {
		return 0, err
	}
	return globalID, nil
}

// SendResponse answers a RequestEvent.
func (c *Client) SendResponse(ch channel.ID, responseID uint16, msg message.Container) error {
	if c.state != stateConnected {
		return ErrNotConnected
	}
	return c.conn.SendResponse(ch, responseID, msg)
}

// ResolveEntity releases waitlisted messages once the entity-replication
// layer maps the handle locally.
func (c *Client) ResolveEntity(h message.EntityHandle) {
	if c.conn != nil {
		c.conn.ResolveEntity(h)
	}
}

// RTT returns the smoothed round-trip estimate.
func (c *Client) RTT() (time.Duration, error) {
	if c.state != stateConnected {
		return 0, ErrNotConnected
	}
	return c.conn.RTT(), nil
}

// Close shuts the client and its substrate down.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.substrate.Close()
}

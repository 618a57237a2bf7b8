// Package connection aggregates the per-peer state of an established
// session: the ack manager, the channel set, and the heartbeat, ping, and
// disconnect timers. A connection is owned by a single task; the host drives
// it at a fixed tick cadence and passes the current instant in.
package connection

import (
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/lockstep-net/lockstep/internal/ack"
	"github.com/lockstep-net/lockstep/internal/protocol"
	"github.com/lockstep-net/lockstep/pkg/logging"
	"github.com/lockstep-net/lockstep/pkg/message"
	"github.com/lockstep-net/lockstep/pkg/message/channel"
	"github.com/lockstep-net/lockstep/pkg/serde"
)

// Config carries the per-connection tunables.
type Config struct {
	MTU               int
	HeartbeatInterval time.Duration
	PingInterval      time.Duration
	DisconnectTimeout time.Duration
	// MaxPacketsPerTick is the write-packet budget: how many data packets one
	// tick may emit.
	MaxPacketsPerTick int
	Ack               ack.Config
	Channels          []channel.Config
}

// DefaultConfig returns the standard connection tunables.
func DefaultConfig() Config {
	return Config{
		MTU:               1200,
		HeartbeatInterval: 3 * time.Second,
		PingInterval:      time.Second,
		DisconnectTimeout: 10 * time.Second,
		MaxPacketsPerTick: 8,
		Ack:               ack.DefaultConfig(),
	}
}

// Errors surfaced to the host.
var (
	ErrUnknownChannel    = errors.New("connection: unknown channel id")
	ErrNotRequestChannel = errors.New("connection: channel is not in request mode")
	ErrClosed            = errors.New("connection: closed")
)

// Received is a delivered message tagged with its channel.
type Received struct {
	Channel channel.ID
	Msg     message.Container
}

// ReceivedRequest is an incoming request awaiting an application response.
type ReceivedRequest struct {
	Channel    channel.ID
	ResponseID uint16
	Msg        message.Container
}

// ReceivedResponse settles a request previously issued on this side.
type ReceivedResponse struct {
	Channel   channel.ID
	RequestID channel.GlobalRequestID
	Msg       message.Container
}

type channelState struct {
	cfg      channel.Config
	sender   channel.Sender
	receiver channel.Receiver

	// request-mode extras; nil otherwise
	requestSender   *channel.RequestSender
	requestReceiver channel.RequestReceiver
}

// Connection is the per-peer aggregate.
type Connection struct {
	addr  net.Addr
	cfg   Config
	kinds *message.KindRegistry
	conv  message.EntityConverter

	ackMgr   *ack.Manager
	channels map[channel.ID]*channelState
	order    []channel.ID
	rrCursor int

	lastHeard time.Time
	lastSent  time.Time
	lastPing  time.Time

	pingNonce  uint16
	pingSentAt map[uint16]time.Time
	pongQueue  []uint16

	delivered []Delivered

	closed bool
}

// Delivered identifies a reliable message the peer has acknowledged.
type Delivered struct {
	Channel channel.ID
	Index   uint16
}

// New builds a connection for addr with the given channel set.
func New(addr net.Addr, cfg Config, kinds *message.KindRegistry, conv message.EntityConverter, now time.Time) (*Connection, error) {
	if conv == nil {
		conv = message.IdentityConverter{}
	}
	c := &Connection{
		addr:       addr,
		cfg:        cfg,
		kinds:      kinds,
		conv:       conv,
		ackMgr:     ack.NewManager(cfg.Ack),
		channels:   make(map[channel.ID]*channelState),
		lastHeard:  now,
		lastSent:   now,
		lastPing:   now,
		pingSentAt: make(map[uint16]time.Time),
	}
	for _, chCfg := range cfg.Channels {
		if _, dup := c.channels[chCfg.ID]; dup {
			return nil, fmt.Errorf("connection: duplicate channel id %d", chCfg.ID)
		}
		st := &channelState{cfg: chCfg}
		var err error
		if chCfg.Request {
			st.requestSender, err = channel.NewRequestSender(chCfg)
			if err != nil {
				return nil, err
			}
			st.sender = st.requestSender
		} else {
			st.sender, err = channel.NewSender(chCfg)
			if err != nil {
				return nil, err
			}
		}
		st.receiver, err = channel.NewReceiver(chCfg)
		if err != nil {
			return nil, err
		}
		if chCfg.Request {
			rr, ok := st.receiver.(channel.RequestReceiver)
			if !ok {
				return nil, fmt.Errorf("connection: channel %d receiver does not support requests", chCfg.ID)
			}
			st.requestReceiver = rr
		}
		c.channels[chCfg.ID] = st
		c.order = append(c.order, chCfg.ID)
	}
	return c, nil
}

// Addr returns the remote address.
func (c *Connection) Addr() net.Addr {
	return c.addr
}

// RTT returns the smoothed round-trip estimate.
func (c *Connection) RTT() time.Duration {
	return c.ackMgr.RTT()
}

// SendMessage enqueues a message on a channel.
func (c *Connection) SendMessage(id channel.ID, msg message.Container) error {
	if c.closed {
		return ErrClosed
	}
	st, ok := c.channels[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownChannel, id)
	}
	return st.sender.SendMessage(msg)
}

// SendRequest enqueues a request on a request-mode channel.
func (c *Connection) SendRequest(id channel.ID, globalID channel.GlobalRequestID, msg message.Container) error {
	if c.closed {
		return ErrClosed
	}
	st, ok := c.channels[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownChannel, id)
	}
	if st.requestSender == nil {
		return fmt.Errorf("%w: %d", ErrNotRequestChannel, id)
	}
	_, err := st.requestSender.SendRequest(globalID, msg)
	return err
}

// SendResponse answers a previously received request.
func (c *Connection) SendResponse(id channel.ID, responseID uint16, msg message.Container) error {
	if c.closed {
		return ErrClosed
	}
	st, ok := c.channels[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownChannel, id)
	}
	if st.requestSender == nil {
		return fmt.Errorf("%w: %d", ErrNotRequestChannel, id)
	}
	return st.requestSender.SendResponse(responseID, msg)
}

// ProcessPacket folds one inbound data-path packet into the connection. The
// header has already been decoded by the dispatcher.
func (c *Connection) ProcessPacket(h protocol.StandardHeader, r *serde.BitReader, now time.Time) error {
	if c.closed {
		return ErrClosed
	}
	c.lastHeard = now

	acked := c.ackMgr.ProcessIncomingHeader(h, now)
	for _, pkt := range acked {
		for _, rec := range pkt.Messages {
			if st, ok := c.channels[channel.ID(rec.Channel)]; ok {
				st.sender.NotifyMessageDelivered(rec.MessageIndex)
				c.delivered = append(c.delivered, Delivered{Channel: channel.ID(rec.Channel), Index: rec.MessageIndex})
			}
		}
	}

	switch h.Type {
	case protocol.PacketTypeData:
		return c.readChunks(r)
	case protocol.PacketTypeHeartbeat:
		return nil
	case protocol.PacketTypePing:
		nonce, err := r.ReadU16()
		if err != nil {
			return err
		}
		c.pongQueue = append(c.pongQueue, nonce)
		return nil
	case protocol.PacketTypePong:
		nonce, err := r.ReadU16()
		if err != nil {
			return err
		}
		if sentAt, ok := c.pingSentAt[nonce]; ok {
			delete(c.pingSentAt, nonce)
			c.ackMgr.AddRTTSample(now.Sub(sentAt))
		}
		return nil
	default:
		return fmt.Errorf("connection: unexpected packet type %s", h.Type)
	}
}

// readChunks consumes the per-channel chunks following a data header.
func (c *Connection) readChunks(r *serde.BitReader) error {
	for {
		more, err := r.ReadBool()
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
		id, err := r.ReadUvarint()
		if err != nil {
			return err
		}
		st, ok := c.channels[channel.ID(id)]
		if !ok {
			// Cannot skip an unknown channel's chunk: framing is lost.
			return fmt.Errorf("%w: %d", ErrUnknownChannel, id)
		}
		if err := st.receiver.ReadMessages(c.kinds, c.conv, r); err != nil {
			return err
		}
	}
}

// ReceiveMessages drains every channel's deliverable messages into the
// per-connection inbox order.
func (c *Connection) ReceiveMessages() []Received {
	var out []Received
	for _, id := range c.order {
		for _, msg := range c.channels[id].receiver.ReceiveMessages() {
			out = append(out, Received{Channel: id, Msg: msg})
		}
	}
	return out
}

// ReceiveRequests drains incoming requests from request-mode channels.
func (c *Connection) ReceiveRequests() []ReceivedRequest {
	var out []ReceivedRequest
	for _, id := range c.order {
		st := c.channels[id]
		if st.requestReceiver == nil {
			continue
		}
		for _, req := range st.requestReceiver.ReceiveRequests() {
			out = append(out, ReceivedRequest{Channel: id, ResponseID: req.ResponseID, Msg: req.Msg})
		}
	}
	return out
}

// ReceiveResponses drains incoming responses, resolving each to the global
// request id its caller is waiting on. Unsolicited responses are dropped.
func (c *Connection) ReceiveResponses() []ReceivedResponse {
	var out []ReceivedResponse
	for _, id := range c.order {
		st := c.channels[id]
		if st.requestReceiver == nil {
			continue
		}
		for _, resp := range st.requestReceiver.ReceiveResponses() {
			globalID, ok := st.requestSender.ProcessIncomingResponse(resp.RequestID)
			if !ok {
				logging.Debug("dropping unsolicited response",
					zap.Uint8("channel", uint8(id)),
					zap.Uint16("requestID", resp.RequestID))
				continue
			}
			out = append(out, ReceivedResponse{Channel: id, RequestID: globalID, Msg: resp.Msg})
		}
	}
	return out
}

// DeliveredMessages drains the acked reliable message records accumulated
// since the last call.
func (c *Connection) DeliveredMessages() []Delivered {
	out := c.delivered
	c.delivered = nil
	return out
}

// ResolveEntity releases waitlisted messages across all channels once a
// referenced entity appears in the local world.
func (c *Connection) ResolveEntity(h message.EntityHandle) {
	for _, id := range c.order {
		c.channels[id].receiver.ResolveEntity(h)
	}
}

// OutgoingPackets assembles this tick's outbound datagrams: pong replies,
// data packets up to the write-packet budget, a ping whenever its interval
// elapsed, then a heartbeat if its timer elapsed and nothing else went out.
func (c *Connection) OutgoingPackets(now time.Time) ([][]byte, error) {
	if c.closed {
		return nil, ErrClosed
	}

	c.ackMgr.Expire(now)

	resend := c.ackMgr.ResendTimeout()
	for _, id := range c.order {
		if err := c.channels[id].sender.CollectMessages(now, resend); err != nil {
			return nil, fmt.Errorf("channel %d: %w", id, err)
		}
	}

	var packets [][]byte

	for _, nonce := range c.pongQueue {
		packets = append(packets, c.controlPacket(protocol.PacketTypePong, nonce))
	}
	c.pongQueue = c.pongQueue[:0]

	for i := 0; i < c.cfg.MaxPacketsPerTick && c.hasOutgoingMessages(); i++ {
		pkt, progressed, err := c.writeDataPacket(now)
		if err != nil {
			return nil, err
		}
		if !progressed {
			break
		}
		packets = append(packets, pkt)
	}

	if c.cfg.PingInterval > 0 && now.Sub(c.lastPing) >= c.cfg.PingInterval {
		c.lastPing = now
		nonce := c.pingNonce
		c.pingNonce++
		c.pingSentAt[nonce] = now
		packets = append(packets, c.controlPacket(protocol.PacketTypePing, nonce))
	}

	if len(packets) == 0 && now.Sub(c.lastSent) >= c.cfg.HeartbeatInterval {
		w := serde.NewBitWriter()
		c.ackMgr.NextHeader(protocol.PacketTypeHeartbeat).Ser(w)
		packets = append(packets, w.Bytes())
	}

	if len(packets) > 0 {
		c.lastSent = now
	}
	return packets, nil
}

// controlPacket builds a ping or pong: header plus a 16-bit nonce.
func (c *Connection) controlPacket(pt protocol.PacketType, nonce uint16) []byte {
	w := serde.NewBitWriter()
	c.ackMgr.NextHeader(pt).Ser(w)
	w.WriteU16(nonce)
	return w.Bytes()
}

func (c *Connection) hasOutgoingMessages() bool {
	for _, id := range c.order {
		if c.channels[id].sender.HasMessages() {
			return true
		}
	}
	return false
}

// writeDataPacket assembles one MTU-bounded data packet, round-robining among
// channels with pending work. The second result is false when no channel
// could make progress (everything pending is larger than the budget).
func (c *Connection) writeDataPacket(now time.Time) ([]byte, bool, error) {
	w := serde.NewBitWriter()
	header := c.ackMgr.NextHeader(protocol.PacketTypeData)
	header.Ser(w)

	mtuBits := c.cfg.MTU * 8
	var records []ack.MessageRecord
	progressed := false

	n := len(c.order)
	for scan := 0; scan < n; scan++ {
		st := c.channels[c.order[(c.rrCursor+scan)%n]]
		if !st.sender.HasMessages() {
			continue
		}
		// Chunk overhead: the continue bit, the channel id, and the outer
		// terminator that must still fit afterwards.
		before := w.BitCount()
		budget := mtuBits - before - chunkOverheadBits
		if budget <= 0 {
			break
		}
		w.WriteBool(true)
		w.WriteUvarint(uint64(st.cfg.ID))
		prefix := w.BitCount()
		indices, err := st.sender.WriteMessages(c.kinds, c.conv, w, budget-(prefix-before))
		if err != nil {
			logging.Warn("channel write failed",
				zap.Uint8("channel", uint8(st.cfg.ID)), zap.Error(err))
			return nil, false, fmt.Errorf("channel %d: %w", st.cfg.ID, err)
		}
		if w.BitCount() > prefix+1 {
			progressed = true
		}
		for _, idx := range indices {
			records = append(records, ack.MessageRecord{Channel: uint8(st.cfg.ID), MessageIndex: idx})
		}
	}
	w.WriteBool(false)
	c.rrCursor = (c.rrCursor + 1) % maxInt(n, 1)

	if !progressed {
		return nil, false, nil
	}
	c.ackMgr.TrackSent(header.LocalIndex, now, records)
	return w.Bytes(), true, nil
}

const chunkOverheadBits = 1 + 8 + 1

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// TimedOut reports whether the peer has been silent past the disconnect
// timeout.
func (c *Connection) TimedOut(now time.Time) bool {
	return now.Sub(c.lastHeard) >= c.cfg.DisconnectTimeout
}

// Close tears the connection down and fails every in-flight request,
// returning their global ids so callers can be notified.
func (c *Connection) Close() []channel.GlobalRequestID {
	if c.closed {
		return nil
	}
	c.closed = true
	var failed []channel.GlobalRequestID
	for _, id := range c.order {
		if st := c.channels[id]; st.requestSender != nil {
			failed = append(failed, st.requestSender.FailOutstanding()...)
		}
	}
	return failed
}

// Closed reports whether Close has run.
func (c *Connection) Closed() bool {
	return c.closed
}

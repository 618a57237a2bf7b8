// Package channel implements the message channel disciplines: the four
// {unordered|ordered} x {reliable|unreliable} sender/receiver pairs plus the
// request/response facility layered over a reliable channel.
package channel

import (
	"errors"
	"fmt"
	"time"

	"github.com/lockstep-net/lockstep/pkg/message"
	"github.com/lockstep-net/lockstep/pkg/serde"
)

// ID is the small integer identifying a channel, configured by the host
// application at both ends.
type ID uint8

// Mode selects a channel's delivery discipline.
type Mode int

const (
	// UnorderedUnreliable: fire and forget, delivered in arrival order.
	UnorderedUnreliable Mode = iota
	// OrderedUnreliable: best-effort ordering within a finite window; late
	// messages are dropped rather than delivered out of order.
	OrderedUnreliable
	// UnorderedReliable: every message delivered exactly once, arrival order.
	UnorderedReliable
	// OrderedReliable: every message delivered exactly once, index order.
	OrderedReliable
)

func (m Mode) String() string {
	switch m {
	case UnorderedUnreliable:
		return "UnorderedUnreliable"
	case OrderedUnreliable:
		return "OrderedUnreliable"
	case UnorderedReliable:
		return "UnorderedReliable"
	case OrderedReliable:
		return "OrderedReliable"
	}
	return "Unknown"
}

// Reliable reports whether the mode retransmits until acked.
func (m Mode) Reliable() bool {
	return m == UnorderedReliable || m == OrderedReliable
}

// Indexed reports whether wire messages on this mode carry a message index.
func (m Mode) Indexed() bool {
	return m != UnorderedUnreliable
}

// Config describes one channel of the host application's channel set.
type Config struct {
	ID   ID
	Mode Mode
	// Request enables the request/response framing. Requires a reliable mode.
	Request bool
	// MaxOutstanding caps queued-but-unacked messages on reliable senders.
	MaxOutstanding int
	// MaxResends bounds retransmissions per message; exceeding it is a
	// protocol failure that tears down the connection.
	MaxResends int
}

const (
	defaultMaxOutstanding = 1024
	defaultMaxResends     = 64

	// orderedUnreliableWindow is how far behind the newest-seen index the
	// ordered-unreliable receiver buffers before sliding.
	orderedUnreliableWindow = 64
	// reliableWindow is the reliable receiver ring size; senders never write
	// an index this far ahead of their oldest unacked message.
	reliableWindow = 256
)

func (c Config) withDefaults() Config {
	if c.MaxOutstanding == 0 {
		c.MaxOutstanding = defaultMaxOutstanding
	}
	if c.MaxResends == 0 {
		c.MaxResends = defaultMaxResends
	}
	return c
}

// Validate rejects configs the runtime cannot honor.
func (c Config) Validate() error {
	if c.Request && !c.Mode.Reliable() {
		return fmt.Errorf("channel %d: request mode requires a reliable discipline", c.ID)
	}
	return nil
}

// Errors surfaced by channels. ErrTooManyResends, ErrMessageTooLarge and
// ErrDuplicateOutOfWindow are fatal to the connection. ErrChannelOverflow is
// returned to the caller of SendMessage; the connection stays up.
var (
	ErrChannelOverflow      = errors.New("channel: too many outstanding reliable messages")
	ErrTooManyResends       = errors.New("channel: message exceeded resend budget")
	ErrMessageTooLarge      = errors.New("channel: message does not fit in a datagram")
	ErrDuplicateOutOfWindow = errors.New("channel: reliable index outside receive window")
)

// Sender is the contract a channel sender exposes to the connection.
type Sender interface {
	// SendMessage enqueues a message for transmission.
	SendMessage(msg message.Container) error
	// CollectMessages advances retry timers; reliable senders re-queue
	// messages whose resend timeout elapsed.
	CollectMessages(now time.Time, resendTimeout time.Duration) error
	// HasMessages reports whether the next packet should carry this channel.
	HasMessages() bool
	// WriteMessages serializes as many queued messages as fit within
	// budgetBits, returning the message indices written (reliable modes).
	WriteMessages(kinds *message.KindRegistry, conv message.EntityConverter, w *serde.BitWriter, budgetBits int) ([]uint16, error)
	// NotifyMessageDelivered removes an acked index from the retry set.
	NotifyMessageDelivered(index uint16)
}

// Receiver is the contract a channel receiver exposes to the connection.
type Receiver interface {
	// ReadMessages consumes one channel chunk: a continue-bit-terminated run
	// of messages.
	ReadMessages(kinds *message.KindRegistry, conv message.EntityConverter, r *serde.BitReader) error
	// ReceiveMessages returns the messages now deliverable to the application.
	ReceiveMessages() []message.Container
	// ResolveEntity releases waitlisted messages once a referenced entity
	// appears in the local world.
	ResolveEntity(h message.EntityHandle)
}

// NewSender constructs the sender for a config.
func NewSender(cfg Config) (Sender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	switch {
	case cfg.Mode == UnorderedUnreliable:
		return newUnorderedUnreliableSender(), nil
	case cfg.Mode == OrderedUnreliable:
		return newOrderedUnreliableSender(), nil
	default:
		return newReliableSender(cfg), nil
	}
}

// NewReceiver constructs the receiver for a config.
func NewReceiver(cfg Config) (Receiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	switch cfg.Mode {
	case UnorderedUnreliable:
		return newUnorderedUnreliableReceiver(), nil
	case OrderedUnreliable:
		return newOrderedUnreliableReceiver(), nil
	case UnorderedReliable:
		return newUnorderedReliableReceiver(cfg), nil
	default:
		return newOrderedReliableReceiver(cfg), nil
	}
}

// wireMessage is the unit serialized into a channel chunk.
type wireMessage struct {
	Index uint16
	// Framed is set on request-mode channels: the message carries a
	// request/response indicator and a request id.
	Framed    bool
	IsRequest bool
	RequestID uint16
	Msg       message.Container
}

// writeWireMessage serializes one message (without the leading continue bit).
// Entity handles are rewritten local->global here.
func writeWireMessage(w *serde.BitWriter, kinds *message.KindRegistry, conv message.EntityConverter, wm wireMessage, indexed bool) error {
	out, err := message.ConvertOutgoing(conv, wm.Msg)
	if err != nil {
		return err
	}
	payload, err := kinds.Marshal(out)
	if err != nil {
		return err
	}

	if indexed {
		w.WriteU16(wm.Index)
	}
	if wm.Framed {
		w.WriteBool(wm.IsRequest)
		w.WriteU16(wm.RequestID)
	}
	w.WriteUvarint(uint64(out.Kind))
	w.WriteBytes(payload)
	w.WriteUvarint(uint64(len(out.Handles)))
	for _, h := range out.Handles {
		w.WriteU64(uint64(h))
	}
	return nil
}

// readWireMessage parses one message (after the continue bit). Handles stay
// in global form; resolution happens at delivery.
func readWireMessage(r *serde.BitReader, kinds *message.KindRegistry, indexed, framed bool) (wireMessage, error) {
	var wm wireMessage
	var err error

	if indexed {
		if wm.Index, err = r.ReadU16(); err != nil {
			return wm, err
		}
	}
	if framed {
		wm.Framed = true
		if wm.IsRequest, err = r.ReadBool(); err != nil {
			return wm, err
		}
		if wm.RequestID, err = r.ReadU16(); err != nil {
			return wm, err
		}
	}

	kind, err := r.ReadUvarint()
	if err != nil {
		return wm, err
	}
	payload, err := r.ReadBytes()
	if err != nil {
		return wm, err
	}
	body, err := kinds.Unmarshal(message.Kind(kind), payload)
	if err != nil {
		return wm, err
	}

	count, err := r.ReadUvarint()
	if err != nil {
		return wm, err
	}
	if count > maxHandlesPerMessage {
		return wm, serde.ErrTruncated
	}
	var handles []message.EntityHandle
	for i := uint64(0); i < count; i++ {
		h, err := r.ReadU64()
		if err != nil {
			return wm, err
		}
		handles = append(handles, message.EntityHandle(h))
	}

	wm.Msg = message.Container{Kind: message.Kind(kind), Body: body, Handles: handles}
	return wm, nil
}

const maxHandlesPerMessage = 64

// maxMessageBits is the hard bound on a single serialized message; anything
// larger can never fit a datagram and is rejected rather than retried forever.
const maxMessageBits = 8 * 1100

// readRun consumes a continue-bit-terminated run of messages.
func readRun(r *serde.BitReader, kinds *message.KindRegistry, indexed, framed bool, recv func(wireMessage)) error {
	for {
		more, err := r.ReadBool()
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
		wm, err := readWireMessage(r, kinds, indexed, framed)
		if err != nil {
			return err
		}
		recv(wm)
	}
}

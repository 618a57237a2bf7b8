package channel

import (
	"time"

	"github.com/lockstep-net/lockstep/internal/protocol"
	"github.com/lockstep-net/lockstep/pkg/message"
	"github.com/lockstep-net/lockstep/pkg/serde"
)

// reliableSender retains every message until acked, retransmitting when the
// resend timeout elapses. Messages carry a unique wrapping index from
// enqueue until delivery notification or teardown.
type reliableSender struct {
	cfg Config

	nextIndex uint16
	outgoing  map[uint16]*outgoingMessage
	order     []uint16

	pending   []uint16
	collectAt time.Time
}

type outgoingMessage struct {
	wm        wireMessage
	lastSent  time.Time
	sendCount int
}

func newReliableSender(cfg Config) *reliableSender {
	return &reliableSender{
		cfg:      cfg,
		outgoing: make(map[uint16]*outgoingMessage),
	}
}

func (s *reliableSender) SendMessage(msg message.Container) error {
	return s.enqueue(wireMessage{Msg: msg})
}

func (s *reliableSender) enqueue(wm wireMessage) error {
	if len(s.outgoing) >= s.cfg.MaxOutstanding {
		return ErrChannelOverflow
	}
	wm.Index = s.nextIndex
	s.nextIndex++
	s.outgoing[wm.Index] = &outgoingMessage{wm: wm}
	s.order = append(s.order, wm.Index)
	return nil
}

// CollectMessages rebuilds the set of indices due for (re)transmission:
// everything never sent plus everything whose resend timeout elapsed.
func (s *reliableSender) CollectMessages(now time.Time, resendTimeout time.Duration) error {
	s.collectAt = now
	s.pending = s.pending[:0]

	live := s.order[:0]
	for _, idx := range s.order {
		om, ok := s.outgoing[idx]
		if !ok {
			continue // acked; compact away
		}
		live = append(live, idx)
		if om.sendCount > s.cfg.MaxResends {
			return ErrTooManyResends
		}
		if om.lastSent.IsZero() || now.Sub(om.lastSent) >= resendTimeout {
			s.pending = append(s.pending, idx)
		}
	}
	s.order = live
	return nil
}

func (s *reliableSender) HasMessages() bool {
	return len(s.pending) > 0
}

// WriteMessages writes pending messages in index order, never reaching more
// than the receive window ahead of the oldest unacked message, and stopping
// at the bit budget. Returns the indices written for ack bookkeeping.
func (s *reliableSender) WriteMessages(kinds *message.KindRegistry, conv message.EntityConverter, w *serde.BitWriter, budgetBits int) ([]uint16, error) {
	var written []uint16
	used := 0

	oldest, haveOldest := s.oldestOutstanding()

	consumed := 0
	for _, idx := range s.pending {
		om, ok := s.outgoing[idx]
		if !ok {
			consumed++
			continue
		}
		if haveOldest && protocol.SequenceDiff(idx, oldest) >= reliableWindow {
			// Receiver could not buffer this yet; wait for older acks.
			break
		}

		scratch := serde.NewBitWriter()
		if err := writeWireMessage(scratch, kinds, conv, om.wm, true); err != nil {
			w.WriteBool(false)
			return written, err
		}
		bits := scratch.BitCount()
		if bits > maxMessageBits {
			w.WriteBool(false)
			return written, ErrMessageTooLarge
		}
		if used+1+bits+1 > budgetBits {
			break
		}

		w.WriteBool(true)
		w.WriteBits(scratch.Bytes(), bits)
		used += 1 + bits

		om.lastSent = s.collectAt
		om.sendCount++
		written = append(written, idx)
		consumed++
	}
	s.pending = s.pending[consumed:]

	w.WriteBool(false)
	return written, nil
}

func (s *reliableSender) NotifyMessageDelivered(index uint16) {
	delete(s.outgoing, index)
}

// Outstanding reports messages awaiting acknowledgement.
func (s *reliableSender) Outstanding() int {
	return len(s.outgoing)
}

func (s *reliableSender) oldestOutstanding() (uint16, bool) {
	for _, idx := range s.order {
		if _, ok := s.outgoing[idx]; ok {
			return idx, true
		}
	}
	return 0, false
}

// ringSlot marks one occupied position of a reliable receiver's dedup ring.
type ringSlot struct {
	index uint16
	valid bool
}

// unorderedReliableReceiver delivers in arrival order, deduplicating via a
// ring of recently seen indices.
type unorderedReliableReceiver struct {
	receiverBase
	cfg Config

	started bool
	highest uint16
	seen    [reliableWindow]ringSlot
}

func newUnorderedReliableReceiver(cfg Config) *unorderedReliableReceiver {
	return &unorderedReliableReceiver{receiverBase: newReceiverBase(), cfg: cfg}
}

func (rc *unorderedReliableReceiver) ReadMessages(kinds *message.KindRegistry, conv message.EntityConverter, r *serde.BitReader) error {
	return readRun(r, kinds, true, rc.cfg.Request, func(wm wireMessage) {
		rc.recv(conv, wm)
	})
}

func (rc *unorderedReliableReceiver) recv(conv message.EntityConverter, wm wireMessage) {
	slot := &rc.seen[wm.Index%reliableWindow]
	if slot.valid && slot.index == wm.Index {
		return // duplicate
	}
	if rc.started && protocol.SequenceDiff(wm.Index, rc.highest) <= -reliableWindow {
		// A retransmit of something acked long ago; the ring has forgotten
		// it, but it cannot be new.
		return
	}
	slot.index = wm.Index
	slot.valid = true
	if !rc.started || protocol.SequenceGreaterThan(wm.Index, rc.highest) {
		rc.highest = wm.Index
		rc.started = true
	}
	rc.deliver(conv, wm)
}

// orderedReliableReceiver buffers until contiguous and delivers in message
// index order. The buffer is a ring of the receive window size.
type orderedReliableReceiver struct {
	receiverBase
	cfg Config

	expected uint16
	buffer   [reliableWindow]*wireMessage
}

func newOrderedReliableReceiver(cfg Config) *orderedReliableReceiver {
	return &orderedReliableReceiver{receiverBase: newReceiverBase(), cfg: cfg}
}

func (rc *orderedReliableReceiver) ReadMessages(kinds *message.KindRegistry, conv message.EntityConverter, r *serde.BitReader) error {
	var protoErr error
	err := readRun(r, kinds, true, rc.cfg.Request, func(wm wireMessage) {
		if e := rc.recv(conv, wm); e != nil && protoErr == nil {
			protoErr = e
		}
	})
	if err != nil {
		return err
	}
	return protoErr
}

func (rc *orderedReliableReceiver) recv(conv message.EntityConverter, wm wireMessage) error {
	diff := protocol.SequenceDiff(wm.Index, rc.expected)
	if diff < 0 {
		return nil // already delivered
	}
	if diff >= reliableWindow {
		// A conforming sender never runs this far ahead of the unacked tail.
		return ErrDuplicateOutOfWindow
	}
	cp := wm
	rc.buffer[wm.Index%reliableWindow] = &cp

	for {
		slot := rc.expected % reliableWindow
		next := rc.buffer[slot]
		if next == nil || next.Index != rc.expected {
			return nil
		}
		rc.buffer[slot] = nil
		rc.expected++
		rc.deliver(conv, *next)
	}
}

package channel

import (
	"time"

	"github.com/lockstep-net/lockstep/internal/protocol"
	"github.com/lockstep-net/lockstep/pkg/message"
	"github.com/lockstep-net/lockstep/pkg/serde"
)

// orderedUnreliableSender attaches a wrapping message index to each message
// and otherwise behaves like the unordered unreliable sender.
type orderedUnreliableSender struct {
	nextIndex uint16
	outgoing  []wireMessage
}

func newOrderedUnreliableSender() *orderedUnreliableSender {
	return &orderedUnreliableSender{}
}

func (s *orderedUnreliableSender) SendMessage(msg message.Container) error {
	s.outgoing = append(s.outgoing, wireMessage{Index: s.nextIndex, Msg: msg})
	s.nextIndex++
	return nil
}

func (s *orderedUnreliableSender) CollectMessages(time.Time, time.Duration) error {
	return nil
}

func (s *orderedUnreliableSender) HasMessages() bool {
	return len(s.outgoing) > 0
}

func (s *orderedUnreliableSender) WriteMessages(kinds *message.KindRegistry, conv message.EntityConverter, w *serde.BitWriter, budgetBits int) ([]uint16, error) {
	writeUnreliableRun(&s.outgoing, kinds, conv, w, budgetBits, true)
	return nil, nil
}

func (s *orderedUnreliableSender) NotifyMessageDelivered(uint16) {}

// orderedUnreliableReceiver delivers messages in index order within a finite
// window. Arrivals older than the newest delivered index are dropped. When a
// buffered message falls more than the window size behind the newest-seen
// index, the window slides past the gap instead of stalling.
type orderedUnreliableReceiver struct {
	receiverBase

	started       bool
	lastDelivered uint16
	newestSeen    uint16
	buffer        map[uint16]wireMessage
}

func newOrderedUnreliableReceiver() *orderedUnreliableReceiver {
	return &orderedUnreliableReceiver{
		receiverBase: newReceiverBase(),
		buffer:       make(map[uint16]wireMessage),
	}
}

func (rc *orderedUnreliableReceiver) ReadMessages(kinds *message.KindRegistry, conv message.EntityConverter, r *serde.BitReader) error {
	return readRun(r, kinds, true, false, func(wm wireMessage) {
		rc.recv(conv, wm)
	})
}

func (rc *orderedUnreliableReceiver) recv(conv message.EntityConverter, wm wireMessage) {
	if !rc.started {
		rc.started = true
		rc.lastDelivered = wm.Index
		rc.newestSeen = wm.Index
		rc.deliver(conv, wm)
		return
	}

	if !protocol.SequenceGreaterThan(wm.Index, rc.lastDelivered) {
		// Older than (or equal to) the newest delivered index: late, drop.
		return
	}
	if protocol.SequenceGreaterThan(wm.Index, rc.newestSeen) {
		rc.newestSeen = wm.Index
	}
	rc.buffer[wm.Index] = wm

	rc.flushContiguous(conv)
	rc.slideWindow(conv)
}

// flushContiguous delivers buffered messages that directly extend the
// delivered prefix.
func (rc *orderedUnreliableReceiver) flushContiguous(conv message.EntityConverter) {
	for {
		next := rc.lastDelivered + 1
		wm, ok := rc.buffer[next]
		if !ok {
			return
		}
		delete(rc.buffer, next)
		rc.lastDelivered = next
		rc.deliver(conv, wm)
	}
}

// slideWindow advances past gaps once the newest-seen index outruns the
// window, delivering whatever was buffered along the way.
func (rc *orderedUnreliableReceiver) slideWindow(conv message.EntityConverter) {
	for protocol.SequenceDiff(rc.newestSeen, rc.lastDelivered) > orderedUnreliableWindow {
		rc.lastDelivered++
		if wm, ok := rc.buffer[rc.lastDelivered]; ok {
			delete(rc.buffer, rc.lastDelivered)
			rc.deliver(conv, wm)
		}
		rc.flushContiguous(conv)
	}
}

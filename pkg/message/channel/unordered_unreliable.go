package channel

import (
	"time"

	"go.uber.org/zap"

	"github.com/lockstep-net/lockstep/pkg/logging"
	"github.com/lockstep-net/lockstep/pkg/message"
	"github.com/lockstep-net/lockstep/pkg/serde"
)

// unorderedUnreliableSender is fire-and-forget: messages are written once, in
// queue order, and dropped from memory immediately.
type unorderedUnreliableSender struct {
	outgoing []wireMessage
}

func newUnorderedUnreliableSender() *unorderedUnreliableSender {
	return &unorderedUnreliableSender{}
}

func (s *unorderedUnreliableSender) SendMessage(msg message.Container) error {
	s.outgoing = append(s.outgoing, wireMessage{Msg: msg})
	return nil
}

func (s *unorderedUnreliableSender) CollectMessages(time.Time, time.Duration) error {
	return nil
}

func (s *unorderedUnreliableSender) HasMessages() bool {
	return len(s.outgoing) > 0
}

func (s *unorderedUnreliableSender) WriteMessages(kinds *message.KindRegistry, conv message.EntityConverter, w *serde.BitWriter, budgetBits int) ([]uint16, error) {
	writeUnreliableRun(&s.outgoing, kinds, conv, w, budgetBits, false)
	return nil, nil
}

func (s *unorderedUnreliableSender) NotifyMessageDelivered(uint16) {}

// writeUnreliableRun writes queued messages until the budget runs out,
// consuming what it writes. Oversized messages are dropped with a warning;
// an unreliable message that cannot fit any datagram will never become
// sendable.
func writeUnreliableRun(queue *[]wireMessage, kinds *message.KindRegistry, conv message.EntityConverter, w *serde.BitWriter, budgetBits int, indexed bool) {
	used := 0
	for len(*queue) > 0 {
		wm := (*queue)[0]

		scratch := serde.NewBitWriter()
		if err := writeWireMessage(scratch, kinds, conv, wm, indexed); err != nil {
			logging.Warn("dropping unserializable message",
				zap.Uint16("kind", uint16(wm.Msg.Kind)), zap.Error(err))
			*queue = (*queue)[1:]
			continue
		}
		bits := scratch.BitCount()
		if bits > maxMessageBits {
			logging.Warn("dropping oversized unreliable message",
				zap.Uint16("kind", uint16(wm.Msg.Kind)), zap.Int("bits", bits))
			*queue = (*queue)[1:]
			continue
		}
		// continue bit + message + the terminating continue bit.
		if used+1+bits+1 > budgetBits {
			break
		}

		w.WriteBool(true)
		w.WriteBits(scratch.Bytes(), bits)
		used += 1 + bits
		*queue = (*queue)[1:]
	}
	w.WriteBool(false)
}

// unorderedUnreliableReceiver appends arrivals to the delivery queue exactly
// as received: no dedup, no reordering.
type unorderedUnreliableReceiver struct {
	receiverBase
}

func newUnorderedUnreliableReceiver() *unorderedUnreliableReceiver {
	return &unorderedUnreliableReceiver{receiverBase: newReceiverBase()}
}

func (rc *unorderedUnreliableReceiver) ReadMessages(kinds *message.KindRegistry, conv message.EntityConverter, r *serde.BitReader) error {
	return readRun(r, kinds, false, false, func(wm wireMessage) {
		rc.deliver(conv, wm)
	})
}

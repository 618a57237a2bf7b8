// Package ack tracks per-connection packet sequencing and acknowledgement
// state over the unreliable substrate.
package ack

import (
	"time"

	"go.uber.org/zap"

	"github.com/lockstep-net/lockstep/internal/protocol"
	"github.com/lockstep-net/lockstep/pkg/logging"
)

const (
	// rttAlpha is the EWMA gain for round-trip samples.
	rttAlpha = 0.125
	// rtoDeviationFactor scales the smoothed deviation into the resend timeout.
	rtoDeviationFactor = 4
)

// MessageRecord identifies one message written into a tracked packet.
type MessageRecord struct {
	Channel      uint8
	MessageIndex uint16
}

// SentPacket is the bookkeeping for one outstanding local packet.
type SentPacket struct {
	Index    uint16
	SentAt   time.Time
	Messages []MessageRecord
}

// Config bounds the derived resend timeout.
type Config struct {
	MinResendTimeout time.Duration
	MaxResendTimeout time.Duration
	InitialRTT       time.Duration
}

// DefaultConfig returns the resend timeout bounds used when none are supplied.
func DefaultConfig() Config {
	return Config{
		MinResendTimeout: 50 * time.Millisecond,
		MaxResendTimeout: 2 * time.Second,
		InitialRTT:       200 * time.Millisecond,
	}
}

// Manager owns one connection's sequence numbers, the received-packet
// bitfield, and the set of outstanding local packets.
type Manager struct {
	cfg Config

	nextLocalIndex uint16
	remoteIndex    uint16
	remoteBits     uint32
	haveRemote     bool

	sent map[uint16]*SentPacket

	rtt    time.Duration
	rttDev time.Duration

	packetsLost uint64
}

// NewManager creates an ack manager with the given timeout bounds.
func NewManager(cfg Config) *Manager {
	if cfg.MinResendTimeout == 0 {
		cfg = DefaultConfig()
	}
	return &Manager{
		cfg:            cfg,
		nextLocalIndex: 1,
		sent:           make(map[uint16]*SentPacket),
		rtt:            cfg.InitialRTT,
	}
}

// NextHeader stamps a fresh outgoing header: the next local packet index plus
// the current view of the remote side. Packet index 0 is reserved as the null
// index (a zeroed header carries no ack information), so the counter skips it
// on wrap.
func (m *Manager) NextHeader(pt protocol.PacketType) protocol.StandardHeader {
	h := protocol.StandardHeader{
		Type:            pt,
		LocalIndex:      m.nextLocalIndex,
		LastRemoteIndex: m.remoteIndex,
		AckBits:         m.remoteBits,
	}
	m.nextLocalIndex++
	if m.nextLocalIndex == 0 {
		m.nextLocalIndex = 1
	}
	return h
}

// TrackSent records an outgoing packet so later acks can be resolved against
// it. Packets that carry no reliable payload still participate in RTT
// sampling.
func (m *Manager) TrackSent(index uint16, now time.Time, messages []MessageRecord) {
	m.sent[index] = &SentPacket{Index: index, SentAt: now, Messages: messages}
}

// ProcessIncomingHeader folds the remote packet index into the receive
// bitfield and resolves the remote ack field against outstanding local
// packets. It returns the newly acknowledged packets, lowest index first.
func (m *Manager) ProcessIncomingHeader(h protocol.StandardHeader, now time.Time) []*SentPacket {
	m.recordReceived(h.LocalIndex)
	return m.resolveAcks(h.LastRemoteIndex, h.AckBits, now)
}

// recordReceived folds a received remote packet index into
// (remoteIndex, remoteBits). Bit k of remoteBits means remoteIndex-(k+1)
// was received.
func (m *Manager) recordReceived(index uint16) {
	if index == 0 {
		// Null index: the sender stamped a zeroed header.
		return
	}
	if !m.haveRemote {
		m.haveRemote = true
		m.remoteIndex = index
		m.remoteBits = 0
		return
	}
	diff := protocol.SequenceDiff(index, m.remoteIndex)
	switch {
	case diff > 0:
		if diff >= 32 {
			m.remoteBits = 0
		} else {
			m.remoteBits <<= uint(diff)
			m.remoteBits |= 1 << uint(diff-1)
		}
		m.remoteIndex = index
	case diff < 0:
		if k := -diff - 1; k < 32 {
			m.remoteBits |= 1 << uint(k)
		}
	default:
		// Duplicate of the current highest; nothing to fold.
	}
}

// resolveAcks walks the remote ack field and removes every newly acked local
// packet from the outstanding set, updating RTT from the lowest-index sample.
func (m *Manager) resolveAcks(lastRemote uint16, bits uint32, now time.Time) []*SentPacket {
	// A zeroed ack field means the peer has not received anything yet.
	if lastRemote == 0 && bits == 0 {
		return nil
	}
	var acked []*SentPacket
	consume := func(index uint16) {
		if pkt, ok := m.sent[index]; ok {
			delete(m.sent, index)
			acked = append(acked, pkt)
		}
	}
	for k := 31; k >= 0; k-- {
		if bits&(1<<uint(k)) != 0 {
			consume(lastRemote - uint16(k) - 1)
		}
	}
	consume(lastRemote)

	if len(acked) > 0 {
		m.updateRTT(now.Sub(acked[0].SentAt))
	}
	return acked
}

func (m *Manager) updateRTT(sample time.Duration) {
	if sample < 0 {
		return
	}
	delta := m.rtt - sample
	if delta < 0 {
		delta = -delta
	}
	m.rttDev = time.Duration(float64(m.rttDev)*(1-rttAlpha) + float64(delta)*rttAlpha)
	m.rtt = time.Duration(float64(m.rtt)*(1-rttAlpha) + float64(sample)*rttAlpha)
}

// AddRTTSample feeds an externally measured round-trip sample (ping/pong)
// into the same estimator as ack-derived samples.
func (m *Manager) AddRTTSample(sample time.Duration) {
	m.updateRTT(sample)
}

// RTT returns the smoothed round-trip estimate.
func (m *Manager) RTT() time.Duration {
	return m.rtt
}

// ResendTimeout returns rtt + 4·deviation clamped to the configured bounds.
func (m *Manager) ResendTimeout() time.Duration {
	rto := m.rtt + rtoDeviationFactor*m.rttDev
	if rto < m.cfg.MinResendTimeout {
		rto = m.cfg.MinResendTimeout
	}
	if rto > m.cfg.MaxResendTimeout {
		rto = m.cfg.MaxResendTimeout
	}
	return rto
}

// Expire declares packets lost once they have been outstanding longer than
// the resend timeout. Lost packets are dropped from the outstanding set,
// counted and returned; their messages are not requeued here (reliable
// senders resend on their own timers).
func (m *Manager) Expire(now time.Time) []*SentPacket {
	rto := m.ResendTimeout()
	var lost []*SentPacket
	for index, pkt := range m.sent {
		if now.Sub(pkt.SentAt) >= rto {
			delete(m.sent, index)
			lost = append(lost, pkt)
			m.packetsLost++
		}
	}
	if len(lost) > 0 {
		logging.Debug("packets declared lost",
			zap.Int("count", len(lost)),
			zap.Duration("rto", rto))
	}
	return lost
}

// Outstanding reports how many local packets are awaiting acknowledgement.
func (m *Manager) Outstanding() int {
	return len(m.sent)
}

// PacketsLost reports the cumulative number of packets declared lost.
func (m *Manager) PacketsLost() uint64 {
	return m.packetsLost
}

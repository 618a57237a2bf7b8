package handshake

import (
	"time"

	"github.com/lockstep-net/lockstep/internal/protocol"
	"github.com/lockstep-net/lockstep/pkg/serde"
)

// ClientState tracks the client's progress through the handshake.
type ClientState int

const (
	// StateAwaitingChallengeResponse: challenge request sent, waiting for the
	// server's signed timestamp.
	StateAwaitingChallengeResponse ClientState = iota
	// StateAwaitingValidateResponse: validate request (with auth) in flight.
	StateAwaitingValidateResponse
	// StateAwaitingConnectResponse: validated; waiting for the application's
	// accept or reject decision.
	StateAwaitingConnectResponse
	// StateConnected: handshake complete.
	StateConnected
	// StateRejected: the application refused the auth payload.
	StateRejected
)

// ClientManager is the client-side mirror of the handshake state machine. It
// resends the current step's packet at a fixed interval until the server's
// answer moves it forward.
type ClientManager struct {
	state          ClientState
	timestamp      Timestamp
	digest         []byte
	auth           AuthPayload
	resendInterval time.Duration

	lastSend time.Time
	identity Timestamp
}

// NewClientManager starts a handshake attempt identified by timestamp
// (typically the client's wall clock in milliseconds).
func NewClientManager(timestamp Timestamp, auth AuthPayload, resendInterval time.Duration) *ClientManager {
	return &ClientManager{
		state:          StateAwaitingChallengeResponse,
		timestamp:      timestamp,
		auth:           auth,
		resendInterval: resendInterval,
	}
}

// State returns the current handshake state.
func (m *ClientManager) State() ClientState {
	return m.state
}

// Identity returns the session identity echoed by the server's connect
// response. Valid only once State is StateConnected.
func (m *ClientManager) Identity() Timestamp {
	return m.identity
}

// OutgoingPacket returns the current step's packet when the resend interval
// has elapsed, or nil when nothing is due.
func (m *ClientManager) OutgoingPacket(now time.Time) *serde.BitWriter {
	if m.state == StateConnected || m.state == StateRejected {
		return nil
	}
	if !m.lastSend.IsZero() && now.Sub(m.lastSend) < m.resendInterval {
		return nil
	}
	m.lastSend = now

	switch m.state {
	case StateAwaitingChallengeResponse:
		return m.writeChallengeRequest()
	case StateAwaitingValidateResponse:
		return m.writeValidateRequest()
	case StateAwaitingConnectResponse:
		return m.writeConnectRequest()
	}
	return nil
}

func (m *ClientManager) writeChallengeRequest() *serde.BitWriter {
	w := serde.NewBitWriter()
	protocol.NewStandardHeader(protocol.PacketTypeClientChallengeRequest).Ser(w)
	w.WriteU64(m.timestamp)
	return w
}

func (m *ClientManager) writeValidateRequest() *serde.BitWriter {
	w := serde.NewBitWriter()
	protocol.NewStandardHeader(protocol.PacketTypeClientValidateRequest).Ser(w)
	w.WriteU64(m.timestamp)
	w.WriteBytes(m.digest)
	writeAuthPayload(w, m.auth)
	return w
}

func (m *ClientManager) writeConnectRequest() *serde.BitWriter {
	w := serde.NewBitWriter()
	protocol.NewStandardHeader(protocol.PacketTypeClientConnectRequest).Ser(w)
	return w
}

// WriteDisconnect builds an authenticated disconnect request by replaying the
// stored timestamp and digest.
func (m *ClientManager) WriteDisconnect() *serde.BitWriter {
	w := serde.NewBitWriter()
	protocol.NewStandardHeader(protocol.PacketTypeDisconnect).Ser(w)
	w.WriteU64(m.timestamp)
	w.WriteBytes(m.digest)
	return w
}

// RecvChallengeResponse handles step 2: the echoed timestamp must match this
// attempt, and the digest is retained for the validate and disconnect packets.
func (m *ClientManager) RecvChallengeResponse(r *serde.BitReader) error {
	if m.state != StateAwaitingChallengeResponse {
		return nil
	}
	timestamp, err := r.ReadU64()
	if err != nil {
		return err
	}
	if timestamp != m.timestamp {
		// Response to some other attempt; keep waiting.
		return nil
	}
	digest, err := r.ReadBytes()
	if err != nil {
		return err
	}
	m.digest = digest
	m.advance(StateAwaitingValidateResponse)
	return nil
}

// RecvValidateResponse handles step 4: the server verified our digest, so we
// may now request the connection.
func (m *ClientManager) RecvValidateResponse() {
	if m.state != StateAwaitingValidateResponse {
		return
	}
	m.advance(StateAwaitingConnectResponse)
}

// RecvConnectResponse handles the accepting half of step 5.
func (m *ClientManager) RecvConnectResponse(r *serde.BitReader) error {
	if m.state != StateAwaitingConnectResponse {
		return nil
	}
	identity, err := r.ReadU64()
	if err != nil {
		return err
	}
	m.identity = identity
	m.state = StateConnected
	return nil
}

// RecvRejectResponse handles the rejecting half of step 5.
func (m *ClientManager) RecvRejectResponse() {
	if m.state == StateConnected {
		return
	}
	m.state = StateRejected
}

// advance moves to the next state and arms an immediate resend.
func (m *ClientManager) advance(next ClientState) {
	m.state = next
	m.lastSend = time.Time{}
}

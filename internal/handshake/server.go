// Package handshake implements both sides of the five-step connection
// handshake: challenge, challenge response, validate, validate response, and
// the final connect or reject decision. The server proves it minted a
// challenge by HMAC-signing the client's timestamp with an instance-local
// secret; it keeps no per-client state until the HMAC verifies.
package handshake

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"net"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/lockstep-net/lockstep/internal/protocol"
	"github.com/lockstep-net/lockstep/pkg/logging"
	"github.com/lockstep-net/lockstep/pkg/serde"
)

// Timestamp identifies a handshake attempt. Clients mint it from their
// wall clock; the server treats it as opaque.
type Timestamp = uint64

// digestCacheSize bounds the timestamp->digest memo so repeated challenges
// from the same client cost one HMAC total.
const digestCacheSize = 64

const secretSize = 32

// AuthPayload carries the application auth material read from a validate
// request.
type AuthPayload struct {
	Bytes   []byte
	Headers []AuthHeader
}

// AuthHeader is one name/value pair from the validate request's header list.
type AuthHeader struct {
	Name  string
	Value string
}

// ServerManager is the server-side handshake state machine. It is owned and
// driven by a single task; none of its methods are safe for concurrent use.
type ServerManager struct {
	secret             []byte
	addressToTimestamp map[string]Timestamp
	digestCache        *lru.Cache
}

// NewServerManager creates a manager with a freshly generated HMAC secret.
// The secret lives for the lifetime of the process; a restart invalidates
// every outstanding handshake.
func NewServerManager() (*ServerManager, error) {
	secret := make([]byte, secretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("handshake: generating secret: %w", err)
	}
	return newServerManagerWithSecret(secret)
}

func newServerManagerWithSecret(secret []byte) (*ServerManager, error) {
	cache, err := lru.New(digestCacheSize)
	if err != nil {
		return nil, err
	}
	return &ServerManager{
		secret:             secret,
		addressToTimestamp: make(map[string]Timestamp),
		digestCache:        cache,
	}, nil
}

// Sign produces the HMAC-SHA256 digest over the little-endian timestamp bytes.
func Sign(secret []byte, timestamp Timestamp) []byte {
	mac := hmac.New(sha256.New, secret)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], timestamp)
	mac.Write(buf[:])
	return mac.Sum(nil)
}

// Verify reports whether digest is a valid signature over timestamp.
func Verify(secret []byte, timestamp Timestamp, digest []byte) bool {
	return hmac.Equal(Sign(secret, timestamp), digest)
}

// RecvChallengeRequest handles step 1: it reads the client's timestamp and
// returns the challenge response packet.
func (m *ServerManager) RecvChallengeRequest(r *serde.BitReader) (*serde.BitWriter, error) {
	timestamp, err := r.ReadU64()
	if err != nil {
		return nil, err
	}
	return m.WriteChallengeResponse(timestamp), nil
}

// WriteChallengeResponse builds step 2: the echoed timestamp plus its digest.
// Digests are memoized so repeated challenges do not redo the HMAC.
func (m *ServerManager) WriteChallengeResponse(timestamp Timestamp) *serde.BitWriter {
	w := serde.NewBitWriter()
	protocol.NewStandardHeader(protocol.PacketTypeServerChallengeResponse).Ser(w)
	w.WriteU64(timestamp)

	digest, ok := m.digestCache.Get(timestamp)
	if !ok {
		digest = Sign(m.secret, timestamp)
		m.digestCache.Add(timestamp, digest)
	}
	w.WriteBytes(digest.([]byte))
	return w
}

// RecvValidateRequest handles step 3. On HMAC success the address is bound to
// the validated timestamp and the application auth payload is returned; on
// failure it returns false and the packet must be dropped without a response.
func (m *ServerManager) RecvValidateRequest(addr net.Addr, r *serde.BitReader) (AuthPayload, bool) {
	timestamp, ok := m.timestampValidate(r)
	if !ok {
		logging.Warn("handshake: invalid timestamp digest",
			zap.String("addr", addr.String()))
		return AuthPayload{}, false
	}

	auth, err := readAuthPayload(r)
	if err != nil {
		logging.Warn("handshake: malformed auth payload",
			zap.String("addr", addr.String()), zap.Error(err))
		return AuthPayload{}, false
	}

	m.addressToTimestamp[addr.String()] = timestamp
	return auth, true
}

// WriteValidateResponse builds step 4. The peer is not yet connected; the
// server waits for the explicit connect request.
func (m *ServerManager) WriteValidateResponse() *serde.BitWriter {
	w := serde.NewBitWriter()
	protocol.NewStandardHeader(protocol.PacketTypeServerValidateResponse).Ser(w)
	return w
}

// WriteConnectResponse builds the accepting half of step 5. The validated
// timestamp rides along as the client's session identity.
func (m *ServerManager) WriteConnectResponse(timestamp Timestamp) *serde.BitWriter {
	w := serde.NewBitWriter()
	protocol.NewStandardHeader(protocol.PacketTypeServerConnectResponse).Ser(w)
	w.WriteU64(timestamp)
	return w
}

// WriteRejectResponse builds the rejecting half of step 5.
func (m *ServerManager) WriteRejectResponse() *serde.BitWriter {
	w := serde.NewBitWriter()
	protocol.NewStandardHeader(protocol.PacketTypeServerRejectResponse).Ser(w)
	return w
}

// VerifyDisconnectRequest authenticates a disconnect: the replayed
// timestamp+digest must verify AND match the timestamp bound to this address.
// A digest captured from another peer cannot tear down this connection.
func (m *ServerManager) VerifyDisconnectRequest(addr net.Addr, r *serde.BitReader) bool {
	timestamp, ok := m.timestampValidate(r)
	if !ok {
		return false
	}
	bound, ok := m.addressToTimestamp[addr.String()]
	return ok && bound == timestamp
}

// ConnectedTimestamp returns the timestamp bound to addr, if any.
func (m *ServerManager) ConnectedTimestamp(addr net.Addr) (Timestamp, bool) {
	ts, ok := m.addressToTimestamp[addr.String()]
	return ts, ok
}

// DeleteUser purges the address binding on disconnect, timeout, or reject.
func (m *ServerManager) DeleteUser(addr net.Addr) {
	delete(m.addressToTimestamp, addr.String())
}

// timestampValidate reads (timestamp, digest) and checks the digest was
// produced by this server instance.
func (m *ServerManager) timestampValidate(r *serde.BitReader) (Timestamp, bool) {
	timestamp, err := r.ReadU64()
	if err != nil {
		return 0, false
	}
	digest, err := r.ReadBytes()
	if err != nil {
		return 0, false
	}
	if !Verify(m.secret, timestamp, digest) {
		return 0, false
	}
	return timestamp, true
}

func readAuthPayload(r *serde.BitReader) (AuthPayload, error) {
	var auth AuthPayload

	hasBytes, err := r.ReadBool()
	if err != nil {
		return auth, err
	}
	if hasBytes {
		if auth.Bytes, err = r.ReadBytes(); err != nil {
			return auth, err
		}
	}

	hasHeaders, err := r.ReadBool()
	if err != nil {
		return auth, err
	}
	if hasHeaders {
		count, err := r.ReadUvarint()
		if err != nil {
			return auth, err
		}
		if count > maxAuthHeaders {
			return auth, serde.ErrTruncated
		}
		for i := uint64(0); i < count; i++ {
			name, err := r.ReadBytes()
			if err != nil {
				return auth, err
			}
			value, err := r.ReadBytes()
			if err != nil {
				return auth, err
			}
			auth.Headers = append(auth.Headers, AuthHeader{Name: string(name), Value: string(value)})
		}
	}
	return auth, nil
}

func writeAuthPayload(w *serde.BitWriter, auth AuthPayload) {
	w.WriteBool(auth.Bytes != nil)
	if auth.Bytes != nil {
		w.WriteBytes(auth.Bytes)
	}
	w.WriteBool(len(auth.Headers) > 0)
	if len(auth.Headers) > 0 {
		w.WriteUvarint(uint64(len(auth.Headers)))
		for _, h := range auth.Headers {
			w.WriteBytes([]byte(h.Name))
			w.WriteBytes([]byte(h.Value))
		}
	}
}

// maxAuthHeaders bounds the header list a validate request may carry.
const maxAuthHeaders = 32

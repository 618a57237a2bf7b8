package server

import (
	"net"

	"github.com/lockstep-net/lockstep/pkg/message"
	"github.com/lockstep-net/lockstep/pkg/message/channel"
)

// AuthPayload is the application auth material a client attached to its
// validate request.
type AuthPayload struct {
	Bytes   []byte
	Headers []AuthHeader
}

// AuthHeader is one name/value pair of an auth header list.
type AuthHeader struct {
	Name  string
	Value string
}

// Event is one host-visible occurrence, drained via Server.Events. Consume
// with a type switch.
type Event interface {
	isEvent()
}

// AuthEvent asks the application to accept or reject a validated peer. The
// handshake stalls until AcceptConnection or RejectConnection is called.
type AuthEvent struct {
	Addr net.Addr
	Auth AuthPayload
}

// ConnectEvent reports an established connection. Identity is the session
// identity bound to the peer (its validated handshake timestamp).
type ConnectEvent struct {
	Addr     net.Addr
	Identity uint64
}

// DisconnectEvent reports a torn-down connection. Emitted exactly once per
// connection.
type DisconnectEvent struct {
	Addr   net.Addr
	Reason error
}

// MessageEvent delivers a received message.
type MessageEvent struct {
	Addr    net.Addr
	Channel channel.ID
	Msg     message.Container
}

// RequestEvent delivers a received request; answer with SendResponse and the
// given ResponseID.
type RequestEvent struct {
	Addr       net.Addr
	Channel    channel.ID
	ResponseID uint16
	Msg        message.Container
}

// ResponseEvent settles a request previously issued with SendRequest.
type ResponseEvent struct {
	Addr      net.Addr
	Channel   channel.ID
	RequestID channel.GlobalRequestID
	Msg       message.Container
}

// MessageDeliveredEvent reports that the peer acknowledged a reliable
// message. Index is the channel-local message index.
type MessageDeliveredEvent struct {
	Addr    net.Addr
	Channel channel.ID
	Index   uint16
}

// RequestFailedEvent reports a request whose connection died before a
// response arrived. Its id is freed.
type RequestFailedEvent struct {
	Addr      net.Addr
	RequestID channel.GlobalRequestID
	Reason    error
}

func (AuthEvent) isEvent()             {}
func (ConnectEvent) isEvent()          {}
func (DisconnectEvent) isEvent()       {}
func (MessageEvent) isEvent()          {}
func (RequestEvent) isEvent()          {}
func (ResponseEvent) isEvent()         {}
func (MessageDeliveredEvent) isEvent() {}
func (RequestFailedEvent) isEvent()    {}

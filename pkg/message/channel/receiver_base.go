package channel

import (
	"github.com/lockstep-net/lockstep/pkg/message"
)

// RequestReceiver is the extended receiver contract of request-mode
// channels. Every reliable receiver implements it.
type RequestReceiver interface {
	Receiver
	ReceiveRequests() []IncomingRequest
	ReceiveResponses() []IncomingResponse
}

// IncomingRequest is a request surfaced to the application. ResponseID must
// be echoed back when the response is sent.
type IncomingRequest struct {
	ResponseID uint16
	Msg        message.Container
}

// IncomingResponse is a response surfaced to the request sender's side.
// RequestID is the local request id the response settles.
type IncomingResponse struct {
	RequestID uint16
	Msg       message.Container
}

// receiverBase holds the delivery queues shared by every receiver: plain
// messages (with entity-waitlist parking), plus request and response queues
// for request-mode channels. Requests and responses skip the waitlist; their
// payloads do not reference replicated entities.
type receiverBase struct {
	conv     message.EntityConverter
	waitlist *message.Waitlist
	incoming []message.Container

	requests  []IncomingRequest
	responses []IncomingResponse
}

func newReceiverBase() receiverBase {
	return receiverBase{waitlist: message.NewWaitlist()}
}

// deliver routes a message that has cleared the channel's ordering rules.
func (b *receiverBase) deliver(conv message.EntityConverter, wm wireMessage) {
	if wm.Framed {
		if wm.IsRequest {
			b.requests = append(b.requests, IncomingRequest{ResponseID: wm.RequestID, Msg: wm.Msg})
		} else {
			b.responses = append(b.responses, IncomingResponse{RequestID: wm.RequestID, Msg: wm.Msg})
		}
		return
	}
	if missing := message.UnresolvedHandles(conv, wm.Msg); len(missing) > 0 {
		b.waitlist.Queue(wm.Msg, missing)
		return
	}
	b.incoming = append(b.incoming, wm.Msg)
}

// ReceiveMessages drains deliverable plain messages, including any released
// from the entity waitlist since the last call.
func (b *receiverBase) ReceiveMessages() []message.Container {
	out := b.incoming
	b.incoming = nil
	out = append(out, b.waitlist.DrainReady()...)
	return out
}

// ReceiveRequests drains incoming requests (request-mode channels).
func (b *receiverBase) ReceiveRequests() []IncomingRequest {
	out := b.requests
	b.requests = nil
	return out
}

// ReceiveResponses drains incoming responses (request-mode channels).
func (b *receiverBase) ReceiveResponses() []IncomingResponse {
	out := b.responses
	b.responses = nil
	return out
}

// ResolveEntity releases waitlisted messages referencing the handle.
func (b *receiverBase) ResolveEntity(h message.EntityHandle) {
	b.waitlist.ResolveHandle(h)
}

// WaitlistedMessages reports how many messages are parked on missing entities.
func (b *receiverBase) WaitlistedMessages() int {
	return b.waitlist.Waiting()
}

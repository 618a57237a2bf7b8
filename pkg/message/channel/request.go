package channel

import (
	"errors"

	"github.com/lockstep-net/lockstep/pkg/message"
)

// GlobalRequestID names a request attempt at the host boundary. It stays on
// this side of the wire; only the 16-bit local id is transmitted.
type GlobalRequestID uint64

// ErrTooManyRequests is returned when 2^15 requests are already in flight.
var ErrTooManyRequests = errors.New("channel: too many outstanding requests")

const maxOutstandingRequests = 1 << 15

// RequestSender layers the request/response facility over a reliable sender.
// Each outgoing request is assigned a wrapping 16-bit local id paired with
// the caller's global id; the wire message carries the local id plus a
// request/response indicator bit.
type RequestSender struct {
	*reliableSender
	nextLocalID uint16
	outstanding map[uint16]GlobalRequestID
}

// NewRequestSender builds the sender for a request-mode channel config.
func NewRequestSender(cfg Config) (*RequestSender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &RequestSender{
		reliableSender: newReliableSender(cfg.withDefaults()),
		outstanding:    make(map[uint16]GlobalRequestID),
	}, nil
}

// SendRequest enqueues a request, returning the local id assigned to it.
func (s *RequestSender) SendRequest(globalID GlobalRequestID, msg message.Container) (uint16, error) {
	if len(s.outstanding) >= maxOutstandingRequests {
		return 0, ErrTooManyRequests
	}
	for {
		if _, taken := s.outstanding[s.nextLocalID]; !taken {
			break
		}
		s.nextLocalID++
	}
	localID := s.nextLocalID
	s.nextLocalID++

	if err := s.enqueue(wireMessage{Framed: true, IsRequest: true, RequestID: localID, Msg: msg}); err != nil {
		return 0, err
	}
	s.outstanding[localID] = globalID
	return localID, nil
}

// SendResponse enqueues a response to a previously received request.
// responseID is the id that arrived with the request.
func (s *RequestSender) SendResponse(responseID uint16, msg message.Container) error {
	return s.enqueue(wireMessage{Framed: true, IsRequest: false, RequestID: responseID, Msg: msg})
}

// ProcessIncomingResponse frees a local request id and returns the global id
// the waiting caller knows. The second result is false for unsolicited or
// duplicate responses.
func (s *RequestSender) ProcessIncomingResponse(localID uint16) (GlobalRequestID, bool) {
	globalID, ok := s.outstanding[localID]
	if !ok {
		return 0, false
	}
	delete(s.outstanding, localID)
	return globalID, true
}

// OutstandingRequests reports requests awaiting a response.
func (s *RequestSender) OutstandingRequests() int {
	return len(s.outstanding)
}

// FailOutstanding drains every in-flight request id, returning the global
// ids so the host can fail their callers on connection teardown.
func (s *RequestSender) FailOutstanding() []GlobalRequestID {
	out := make([]GlobalRequestID, 0, len(s.outstanding))
	for localID, globalID := range s.outstanding {
		delete(s.outstanding, localID)
		out = append(out, globalID)
	}
	return out
}

// Package protocol defines the packet type tags and the standard header that
// prefixes every datagram on the wire.
package protocol

import "errors"

// PacketType is the wire discriminator carried in the first header byte.
// 0 is reserved.
type PacketType uint8

const (
	PacketTypeUnknown PacketType = iota

	// Handshake path
	PacketTypeClientChallengeRequest
	PacketTypeServerChallengeResponse
	PacketTypeClientValidateRequest
	PacketTypeServerValidateResponse
	PacketTypeClientConnectRequest
	PacketTypeServerConnectResponse
	PacketTypeServerRejectResponse

	// Data path
	PacketTypeData
	PacketTypeHeartbeat
	PacketTypePing
	PacketTypePong
	PacketTypeDisconnect

	packetTypeMax
)

var packetTypeNames = map[PacketType]string{
	PacketTypeClientChallengeRequest:  "ClientChallengeRequest",
	PacketTypeServerChallengeResponse: "ServerChallengeResponse",
	PacketTypeClientValidateRequest:   "ClientValidateRequest",
	PacketTypeServerValidateResponse:  "ServerValidateResponse",
	PacketTypeClientConnectRequest:    "ClientConnectRequest",
	PacketTypeServerConnectResponse:   "ServerConnectResponse",
	PacketTypeServerRejectResponse:    "ServerRejectResponse",
	PacketTypeData:                    "Data",
	PacketTypeHeartbeat:               "Heartbeat",
	PacketTypePing:                    "Ping",
	PacketTypePong:                    "Pong",
	PacketTypeDisconnect:              "Disconnect",
}

func (pt PacketType) String() string {
	if name, ok := packetTypeNames[pt]; ok {
		return name
	}
	return "Unknown"
}

// Valid reports whether pt is one of the defined wire discriminators.
func (pt PacketType) Valid() bool {
	return pt > PacketTypeUnknown && pt < packetTypeMax
}

// IsHandshake reports whether the packet is routed to the handshake manager.
// Disconnect carries handshake credentials and is authenticated there as well.
func (pt PacketType) IsHandshake() bool {
	switch pt {
	case PacketTypeClientChallengeRequest,
		PacketTypeServerChallengeResponse,
		PacketTypeClientValidateRequest,
		PacketTypeServerValidateResponse,
		PacketTypeClientConnectRequest,
		PacketTypeServerConnectResponse,
		PacketTypeServerRejectResponse,
		PacketTypeDisconnect:
		return true
	}
	return false
}

// IsData reports whether the packet is routed to an established connection.
func (pt PacketType) IsData() bool {
	switch pt {
	case PacketTypeData, PacketTypeHeartbeat, PacketTypePing, PacketTypePong:
		return true
	}
	return false
}

// ErrUnknownPacketType is returned when the header tag is outside the
// closed enumeration.
var ErrUnknownPacketType = errors.New("protocol: unknown packet type")

// Package message defines the opaque message envelope exchanged over
// channels, the kind registry that maps wire ids to payload codecs, and the
// entity-handle plumbing used to fix up references to replicated entities.
package message

import (
	"errors"
	"fmt"
)

// Kind is the wire id of a registered message type.
type Kind uint16

// Container is the envelope carried by every channel message: a kind id, the
// decoded payload, and the entity handles the payload refers to. On the
// sending side Handles holds local handles; they are rewritten to global
// handles at serialize time.
type Container struct {
	Kind    Kind
	Body    any
	Handles []EntityHandle
}

// Errors surfaced by the registry.
var (
	ErrKindExists     = errors.New("message: kind already registered")
	ErrKindUnknown    = errors.New("message: unknown kind")
	ErrBadBody        = errors.New("message: body type does not match registered marshaler")
	ErrHandleUnmapped = errors.New("message: entity handle has no global mapping")
)

// Marshaler encodes and decodes one message kind's payload.
type Marshaler interface {
	Marshal(body any) ([]byte, error)
	Unmarshal(data []byte) (any, error)
}

// KindRegistry resolves kind ids to their payload marshalers. Registration
// happens at startup; the registry is read-only afterwards.
type KindRegistry struct {
	marshalers map[Kind]Marshaler
}

// NewKindRegistry returns an empty registry.
func NewKindRegistry() *KindRegistry {
	return &KindRegistry{marshalers: make(map[Kind]Marshaler)}
}

// Register binds a kind id to a marshaler.
func (r *KindRegistry) Register(kind Kind, m Marshaler) error {
	if _, exists := r.marshalers[kind]; exists {
		return fmt.Errorf("%w: %d", ErrKindExists, kind)
	}
	r.marshalers[kind] = m
	return nil
}

// Marshaler returns the codec for a kind.
func (r *KindRegistry) Marshaler(kind Kind) (Marshaler, bool) {
	m, ok := r.marshalers[kind]
	return m, ok
}

// Marshal encodes a container's body using its kind's codec.
func (r *KindRegistry) Marshal(c Container) ([]byte, error) {
	m, ok := r.marshalers[c.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrKindUnknown, c.Kind)
	}
	return m.Marshal(c.Body)
}

// Unmarshal decodes a payload into a container body.
func (r *KindRegistry) Unmarshal(kind Kind, data []byte) (any, error) {
	m, ok := r.marshalers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrKindUnknown, kind)
	}
	return m.Unmarshal(data)
}

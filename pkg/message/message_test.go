package message

import (
	"testing"

	"capnproto.org/go/capnp/v3"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func TestBytesKindRoundTrip(t *testing.T) {
	reg := NewKindRegistry()
	require.NoError(t, reg.RegisterBytes(1))
	require.ErrorIs(t, reg.RegisterBytes(1), ErrKindExists)

	payload, err := reg.Marshal(Container{Kind: 1, Body: []byte("hello")})
	require.NoError(t, err)
	body, err := reg.Unmarshal(1, payload)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), body)

	_, err = reg.Marshal(Container{Kind: 9, Body: []byte("x")})
	require.ErrorIs(t, err, ErrKindUnknown)
}

func TestProtoKindRoundTrip(t *testing.T) {
	reg := NewKindRegistry()
	require.NoError(t, reg.RegisterProto(2, func() proto.Message { return &wrapperspb.StringValue{} }))

	payload, err := reg.Marshal(Container{Kind: 2, Body: wrapperspb.String("move north")})
	require.NoError(t, err)

	body, err := reg.Unmarshal(2, payload)
	require.NoError(t, err)
	require.Equal(t, "move north", body.(*wrapperspb.StringValue).GetValue())

	_, err = reg.Marshal(Container{Kind: 2, Body: "not a proto"})
	require.ErrorIs(t, err, ErrBadBody)
}

func TestCapnpKindRoundTrip(t *testing.T) {
	reg := NewKindRegistry()
	require.NoError(t, reg.RegisterCapnp(3))

	msg, seg, err := capnp.NewMessage(capnp.SingleSegment(nil))
	require.NoError(t, err)
	_, err = capnp.NewRootStruct(seg, capnp.ObjectSize{DataSize: 8})
	require.NoError(t, err)

	payload, err := reg.Marshal(Container{Kind: 3, Body: msg})
	require.NoError(t, err)

	body, err := reg.Unmarshal(3, payload)
	require.NoError(t, err)
	require.IsType(t, &capnp.Message{}, body)
}

type fixedConverter struct {
	localToGlobal map[EntityHandle]EntityHandle
	globalToLocal map[EntityHandle]EntityHandle
}

func (c fixedConverter) LocalToGlobal(h EntityHandle) (EntityHandle, bool) {
	g, ok := c.localToGlobal[h]
	return g, ok
}

func (c fixedConverter) GlobalToLocal(h EntityHandle) (EntityHandle, bool) {
	l, ok := c.globalToLocal[h]
	return l, ok
}

func TestConvertOutgoingRewritesHandles(t *testing.T) {
	conv := fixedConverter{localToGlobal: map[EntityHandle]EntityHandle{5: 500}}

	out, err := ConvertOutgoing(conv, Container{Kind: 1, Handles: []EntityHandle{5}})
	require.NoError(t, err)
	require.Equal(t, []EntityHandle{500}, out.Handles)

	_, err = ConvertOutgoing(conv, Container{Kind: 1, Handles: []EntityHandle{6}})
	require.ErrorIs(t, err, ErrHandleUnmapped)
}

func TestWaitlistReleasesWhenAllHandlesResolve(t *testing.T) {
	wl := NewWaitlist()
	msg := Container{Kind: 1, Body: []byte("spawn"), Handles: []EntityHandle{100, 200}}
	wl.Queue(msg, []EntityHandle{100, 200})
	require.Equal(t, 1, wl.Waiting())

	wl.ResolveHandle(100)
	require.Empty(t, wl.DrainReady())
	require.Equal(t, 1, wl.Waiting())

	wl.ResolveHandle(200)
	ready := wl.DrainReady()
	require.Len(t, ready, 1)
	require.Equal(t, msg.Body, ready[0].Body)
	require.Zero(t, wl.Waiting())

	// Resolving an unknown handle is a no-op.
	wl.ResolveHandle(999)
	require.Empty(t, wl.DrainReady())
}

func TestWaitlistMultipleWaitersPerHandle(t *testing.T) {
	wl := NewWaitlist()
	wl.Queue(Container{Kind: 1, Body: []byte("a")}, []EntityHandle{7})
	wl.Queue(Container{Kind: 1, Body: []byte("b")}, []EntityHandle{7})

	wl.ResolveHandle(7)
	ready := wl.DrainReady()
	require.Len(t, ready, 2)
	require.Equal(t, []byte("a"), ready[0].Body)
	require.Equal(t, []byte("b"), ready[1].Body)
}

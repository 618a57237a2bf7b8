package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lockstep-net/lockstep/pkg/serde"
)

func TestStandardHeaderRoundTrip(t *testing.T) {
	h := StandardHeader{
		Type:            PacketTypeData,
		LocalIndex:      1000,
		LastRemoteIndex: 998,
		AckBits:         0xdeadbeef,
	}

	w := serde.NewBitWriter()
	h.Ser(w)
	require.Equal(t, HeaderSize, w.ByteCount())

	got, err := DeStandardHeader(serde.NewBitReader(w.Bytes()))
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestStandardHeaderRejectsUnknownTag(t *testing.T) {
	w := serde.NewBitWriter()
	w.WriteU8(0xff)
	w.WriteU16(0)
	w.WriteU16(0)
	w.WriteU32(0)

	_, err := DeStandardHeader(serde.NewBitReader(w.Bytes()))
	require.ErrorIs(t, err, ErrUnknownPacketType)
}

func TestStandardHeaderTruncated(t *testing.T) {
	w := serde.NewBitWriter()
	StandardHeader{Type: PacketTypeHeartbeat}.Ser(w)
	_, err := DeStandardHeader(serde.NewBitReader(w.Bytes()[:3]))
	require.ErrorIs(t, err, serde.ErrTruncated)
}

func TestPacketTypeRouting(t *testing.T) {
	require.True(t, PacketTypeClientValidateRequest.IsHandshake())
	require.True(t, PacketTypeDisconnect.IsHandshake())
	require.False(t, PacketTypeDisconnect.IsData())
	require.True(t, PacketTypeData.IsData())
	require.True(t, PacketTypePong.IsData())
	require.False(t, PacketTypeData.IsHandshake())
	require.False(t, PacketTypeUnknown.Valid())
}

func TestSequenceWraparound(t *testing.T) {
	require.True(t, SequenceGreaterThan(1, 0))
	require.True(t, SequenceGreaterThan(0, 65535))
	require.True(t, SequenceGreaterThan(100, 65500))
	require.False(t, SequenceGreaterThan(65500, 100))
	require.True(t, SequenceLessThan(65535, 0))

	require.Equal(t, 1, SequenceDiff(0, 65535))
	require.Equal(t, -1, SequenceDiff(65535, 0))
	require.Equal(t, 5, SequenceDiff(10, 5))
}

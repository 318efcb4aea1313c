package codec

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMdfHeaderRoundTrip(t *testing.T) {
	h := MdfHeader{
		StartTsNs:   100,
		EndTsNs:     500,
		SymbolCount: 3,
		FrameCount:  42,
	}
	buf := EncodeMdfHeader(nil, h)
	require.Len(t, buf, MdfHeaderSize)
	assert.Equal(t, MdfMagic, binary.LittleEndian.Uint32(buf[0:4]))

	got, err := DecodeMdfHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, MdfVersion, got.Version)
	assert.Equal(t, h.StartTsNs, got.StartTsNs)
	assert.Equal(t, h.EndTsNs, got.EndTsNs)
	assert.Equal(t, h.SymbolCount, got.SymbolCount)
	assert.Equal(t, h.FrameCount, got.FrameCount)
}

func TestDecodeMdfHeaderErrors(t *testing.T) {
	buf := EncodeMdfHeader(nil, MdfHeader{})

	t.Run("short", func(t *testing.T) {
		_, err := DecodeMdfHeader(buf[:10])
		assert.ErrorIs(t, err, ErrShortBuffer)
	})

	t.Run("bad magic", func(t *testing.T) {
		bad := append([]byte(nil), buf...)
		bad[0] = 0
		_, err := DecodeMdfHeader(bad)
		assert.ErrorIs(t, err, ErrBadMdfMagic)
	})

	t.Run("bad version", func(t *testing.T) {
		bad := append([]byte(nil), buf...)
		binary.LittleEndian.PutUint16(bad[4:6], 7)
		_, err := DecodeMdfHeader(bad)
		assert.ErrorIs(t, err, ErrBadMdfVersion)
	})
}

func TestIndexEntryRoundTrip(t *testing.T) {
	e := IndexEntry{TsNsFirst: 12345, FileOffset: 67890}
	buf := EncodeIndexEntry(nil, e)
	require.Len(t, buf, IndexEntrySize)

	got, err := DecodeIndexEntry(buf)
	require.NoError(t, err)
	assert.Equal(t, e, got)
}

package bittorrent

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewInfoHashV1(t *testing.T) {
	raw := bytes.Repeat([]byte{0x11}, InfoHashV1Len)
	ih, err := NewInfoHash(raw)
	require.NoError(t, err)
	assert.False(t, ih.IsV2())
	assert.Equal(t, raw, ih.Bytes())
	assert.Len(t, ih.HexString(), InfoHashV1Len*2)
}

func TestNewInfoHashV2(t *testing.T) {
	raw := bytes.Repeat([]byte{0x22}, InfoHashV2Len)
	ih, err := NewInfoHash(raw)
	require.NoError(t, err)
	assert.True(t, ih.IsV2())
	assert.Equal(t, raw, ih.Bytes())
}

func TestNewInfoHashHex(t *testing.T) {
	hex40 := "1111111111111111111111111111111111111111"[:40]
	ih, err := NewInfoHash([]byte(hex40))
	require.NoError(t, err)
	assert.Equal(t, hex40, ih.HexString())
}

func TestNewInfoHashInvalidLength(t *testing.T) {
	_, err := NewInfoHash([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrInvalidInfoHash)
}

func TestMustNewInfoHashPanics(t *testing.T) {
	assert.Panics(t, func() {
		MustNewInfoHash([]byte{1, 2, 3})
	})
}

func TestTruncateV1(t *testing.T) {
	raw := bytes.Repeat([]byte{0x33}, InfoHashV2Len)
	v2, err := NewInfoHash(raw)
	require.NoError(t, err)

	v1 := v2.TruncateV1()
	assert.False(t, v1.IsV2())
	assert.Equal(t, raw[:InfoHashV1Len], v1.Bytes())
}

func TestEqual(t *testing.T) {
	a := MustNewInfoHash(bytes.Repeat([]byte{0x44}, InfoHashV1Len))
	b := MustNewInfoHash(bytes.Repeat([]byte{0x44}, InfoHashV1Len))
	c := MustNewInfoHash(bytes.Repeat([]byte{0x55}, InfoHashV1Len))
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func TestCheckSHA256(t *testing.T) {
	v1 := MustNewInfoHash(bytes.Repeat([]byte{0x66}, InfoHashV1Len))
	assert.False(t, v1.CheckSHA256([]byte("anything")))
}

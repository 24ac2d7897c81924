package bittorrent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPeerIDBinary(t *testing.T) {
	raw := []byte("-SW0001-aaaaaaaaaaaa")
	require.Len(t, raw, PeerIDLen)
	id, err := NewPeerID(raw)
	require.NoError(t, err)
	assert.Equal(t, raw, id[:])
}

func TestNewPeerIDHex(t *testing.T) {
	id1, err := NewPeerID([]byte("-SW0001-aaaaaaaaaaaa"))
	require.NoError(t, err)
	id2, err := NewPeerID([]byte(id1.String()))
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

func TestNewPeerIDInvalid(t *testing.T) {
	_, err := NewPeerID([]byte("too short"))
	assert.ErrorIs(t, err, ErrInvalidPeerID)
}

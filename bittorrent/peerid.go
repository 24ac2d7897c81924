package bittorrent

import (
	"encoding/hex"
	"errors"
)

// PeerIDLen is the fixed length in bytes of a client-chosen peer id.
const PeerIDLen = 20

// ErrInvalidPeerID is returned when a supplied value cannot be interpreted
// as a 20-byte peer id, in either binary or UTF-8/hex textual form.
var ErrInvalidPeerID = errors.New("bittorrent: invalid peer id")

// PeerID is the 20-byte identifier the local client presents during the
// handshake. Unlike InfoHash it has no canonical hex form requirement: most
// clients embed ASCII client/version tags (e.g. "-SW0001-...").
type PeerID [PeerIDLen]byte

// NewPeerID accepts a 20-byte binary id, a UTF-8 string of exactly 20
// bytes, or a 40-character hex string.
func NewPeerID(b []byte) (PeerID, error) {
	switch len(b) {
	case PeerIDLen:
		var id PeerID
		copy(id[:], b)
		return id, nil
	case PeerIDLen * 2:
		decoded, err := hex.DecodeString(string(b))
		if err == nil && len(decoded) == PeerIDLen {
			var id PeerID
			copy(id[:], decoded)
			return id, nil
		}
		return PeerID{}, ErrInvalidPeerID
	default:
		return PeerID{}, ErrInvalidPeerID
	}
}

// String renders the peer id as lowercase hex.
func (id PeerID) String() string {
	return hex.EncodeToString(id[:])
}

// Package bittorrent holds the wire-level identifiers the swarm manager
// routes on: InfoHash and PeerID. It does not implement the peer wire
// protocol itself (that is an external codec, see package wire).
package bittorrent

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/minio/sha256-simd"
)

// InfoHashV1Len is the length in bytes of a BitTorrent v1 (SHA-1) info-hash.
const InfoHashV1Len = 20

// InfoHashV2Len is the length in bytes of a BitTorrent v2 (BEP 52, SHA-256)
// info-hash.
const InfoHashV2Len = 32

// ErrInvalidInfoHash is returned when a supplied value is neither 20 raw
// bytes, 32 raw bytes, nor a 40/64-character hex string.
var ErrInvalidInfoHash = errors.New("bittorrent: invalid info-hash")

// InfoHash is a torrent's routing key: 20 bytes for the original (v1,
// SHA-1) BitTorrent protocol, or 32 bytes for the hybrid/v2 (BEP 52,
// SHA-256) protocol. Equality and map-keying are by raw byte value via the
// lowercase-hex textual form.
type InfoHash struct {
	raw metainfo.Hash // first 20 bytes always populated for v1 compatibility
	v2  []byte        // full 32-byte value when this is a v2 hash, else nil
}

// NewInfoHash parses either a 20-byte/32-byte binary value or its
// lowercase/uppercase hex encoding.
func NewInfoHash(b []byte) (InfoHash, error) {
	switch len(b) {
	case InfoHashV1Len:
		var ih InfoHash
		copy(ih.raw[:], b)
		return ih, nil
	case InfoHashV2Len:
		var ih InfoHash
		copy(ih.raw[:], b[:InfoHashV1Len])
		ih.v2 = append([]byte(nil), b...)
		return ih, nil
	case InfoHashV1Len * 2, InfoHashV2Len * 2:
		decoded, err := hex.DecodeString(string(b))
		if err != nil {
			return InfoHash{}, fmt.Errorf("%w: %s", ErrInvalidInfoHash, err)
		}
		return NewInfoHash(decoded)
	default:
		return InfoHash{}, ErrInvalidInfoHash
	}
}

// MustNewInfoHash is NewInfoHash but panics on error; useful for literals in
// tests.
func MustNewInfoHash(b []byte) InfoHash {
	ih, err := NewInfoHash(b)
	if err != nil {
		panic(err)
	}
	return ih
}

// IsV2 reports whether this info-hash carries the full 32-byte v2 value.
func (ih InfoHash) IsV2() bool {
	return len(ih.v2) == InfoHashV2Len
}

// Bytes returns the canonical routing bytes: the full 32 for a v2 hash, the
// 20 raw bytes otherwise.
func (ih InfoHash) Bytes() []byte {
	if ih.IsV2() {
		return ih.v2
	}
	return ih.raw[:]
}

// TruncateV1 projects a v2 info-hash down to its v1-compatible 20-byte
// prefix, so a Pool can demux a v2 handshake against a swarm registered by
// its v1 hash. A no-op on an already-v1 hash.
func (ih InfoHash) TruncateV1() InfoHash {
	return InfoHash{raw: ih.raw}
}

// HexString returns the lowercase-hex textual form used as a map key.
func (ih InfoHash) HexString() string {
	return hex.EncodeToString(ih.Bytes())
}

// String implements fmt.Stringer.
func (ih InfoHash) String() string {
	return ih.HexString()
}

// Equal reports byte-for-byte equality, comparing canonical Bytes().
func (ih InfoHash) Equal(other InfoHash) bool {
	return ih.HexString() == other.HexString()
}

// CheckSHA256 hashes data with sha256-simd and reports whether it matches
// this info-hash's v2 value; used by callers validating a v2 torrent's
// root against a handshake, kept here so the accelerated implementation is
// exercised without pulling hashing concerns into the wire codec.
func (ih InfoHash) CheckSHA256(data []byte) bool {
	if !ih.IsV2() {
		return false
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]) == hex.EncodeToString(ih.v2)
}

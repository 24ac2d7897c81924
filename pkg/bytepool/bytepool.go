// Package bytepool defines a pool of fixed-length scratch buffers, used by
// wire.Wire implementations (see internal/wiretest) to read a handshake's
// fixed-size payload without allocating a fresh slice per connection.
package bytepool

import "sync"

// BytePool is a cached pool of reusable byte slices, all of the same
// length, suitable for a single fixed-size wire message such as a
// handshake.
type BytePool struct {
	length int
	sync.Pool
}

// NewBytePool allocates a new BytePool whose Get always returns a slice of
// the given length.
func NewBytePool(length int) *BytePool {
	bp := &BytePool{length: length}
	bp.New = func() any {
		// Avoids allocations for the slice metadata, see:
		// https://staticcheck.io/docs/checks#SA6002
		b := make([]byte, length)
		return &b
	}
	return bp
}

// Get returns a zeroed buffer of this pool's fixed length.
func (bp *BytePool) Get() *[]byte {
	return bp.Pool.Get().(*[]byte)
}

// Put zeroes b and returns it to the pool. b must have been obtained from
// this pool's Get.
func (bp *BytePool) Put(b *[]byte) {
	*b = (*b)[:bp.length]
	for i := range *b {
		(*b)[i] = 0
	}
	bp.Pool.Put(b)
}

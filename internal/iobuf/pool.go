package iobuf

import "sync"

// Size-bucketed scratch buffer pool for the stream and codec layers: a
// serial read, a UDP datagram, and a MAVLink v2 frame all fit comfortably
// under 4KB, but a file stream or a TCP stream doing bulk mission upload
// can ask for much more. Buckets are chosen to cover a single MAVLink
// frame (280 bytes max) up to a full UCS envelope batch without forcing
// every caller through the largest bucket.
const (
	size4k   = 4 * 1024
	size16k  = 16 * 1024
	size64k  = 64 * 1024
	size256k = 256 * 1024
)

var scratchPool = struct {
	p4k   sync.Pool
	p16k  sync.Pool
	p64k  sync.Pool
	p256k sync.Pool
}{
	p4k:   sync.Pool{New: func() any { b := make([]byte, size4k); return &b }},
	p16k:  sync.Pool{New: func() any { b := make([]byte, size16k); return &b }},
	p64k:  sync.Pool{New: func() any { b := make([]byte, size64k); return &b }},
	p256k: sync.Pool{New: func() any { b := make([]byte, size256k); return &b }},
}

// GetScratch returns a pooled scratch buffer of at least size bytes.
// Callers needing more than 256KB get a fresh, unpooled allocation.
func GetScratch(size int) []byte {
	switch {
	case size <= size4k:
		return (*scratchPool.p4k.Get().(*[]byte))[:size]
	case size <= size16k:
		return (*scratchPool.p16k.Get().(*[]byte))[:size]
	case size <= size64k:
		return (*scratchPool.p64k.Get().(*[]byte))[:size]
	case size <= size256k:
		return (*scratchPool.p256k.Get().(*[]byte))[:size]
	default:
		return make([]byte, size)
	}
}

// PutScratch returns buf to its bucket's pool. Buffers with a capacity
// that doesn't match a bucket exactly (callers that grew their own) are
// simply dropped.
func PutScratch(buf []byte) {
	c := cap(buf)
	buf = buf[:c]
	switch c {
	case size4k:
		scratchPool.p4k.Put(&buf)
	case size16k:
		scratchPool.p16k.Put(&buf)
	case size64k:
		scratchPool.p64k.Put(&buf)
	case size256k:
		scratchPool.p256k.Put(&buf)
	}
}

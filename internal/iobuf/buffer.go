// Package iobuf implements the immutable byte span shared across the
// stream, codec and wire-protocol layers: a reference-counted (by Go's
// GC rather than an explicit count) view into a backing byte slice, so
// slicing and handing a buffer to a downstream handler never copies.
package iobuf

import "fmt"

// Buffer is an immutable view of offset/length into a shared backing
// array. The zero value is a valid empty buffer.
type Buffer struct {
	data   []byte
	offset int
	length int
}

// New wraps b without copying. The caller must not mutate b afterward;
// treat it as handed off.
func New(b []byte) Buffer {
	return Buffer{data: b, offset: 0, length: len(b)}
}

// Copy makes an owned copy of b, for callers that do intend to mutate
// their source slice afterward (e.g. a reusable read buffer).
func Copy(b []byte) Buffer {
	cp := make([]byte, len(b))
	copy(cp, b)
	return New(cp)
}

// Len returns the number of bytes visible through this view.
func (b Buffer) Len() int { return b.length }

// Data returns a slice over the buffer's bytes. The slice aliases the
// backing array and is valid for as long as the Buffer (or any Buffer
// sliced from the same backing array) is reachable; callers must not
// write through it.
func (b Buffer) Data() []byte {
	if b.length == 0 {
		return nil
	}
	return b.data[b.offset : b.offset+b.length]
}

// At returns the byte at index i within the view.
func (b Buffer) At(i int) byte {
	if i < 0 || i >= b.length {
		panic(fmt.Sprintf("iobuf: index %d out of range [0,%d)", i, b.length))
	}
	return b.data[b.offset+i]
}

// Slice returns the sub-view [start,end) without copying. O(1).
func (b Buffer) Slice(start, end int) Buffer {
	if start < 0 || end > b.length || start > end {
		panic(fmt.Sprintf("iobuf: slice [%d:%d] out of range [0,%d]", start, end, b.length))
	}
	return Buffer{data: b.data, offset: b.offset + start, length: end - start}
}

// Concat returns a new owned Buffer holding the bytes of b followed by
// the bytes of other. O(n) in the combined length.
func (b Buffer) Concat(other Buffer) Buffer {
	out := make([]byte, b.length+other.length)
	copy(out, b.Data())
	copy(out[b.length:], other.Data())
	return New(out)
}

// IsEmpty reports whether the view has zero length.
func (b Buffer) IsEmpty() bool { return b.length == 0 }

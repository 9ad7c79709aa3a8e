package protocol

import "io"

// Buffer is a reusable byte buffer holding a (start, len) window over an
// inner allocation. Reserve grows in place when there's room, slides live
// bytes to offset zero when that's enough, and only reallocates as a last
// resort — the steady-state read path for a long-lived connection never
// reallocates once it reaches its working size.
type Buffer struct {
	buf   []byte
	start int
	len   int
}

// NewBuffer allocates a Buffer with the given initial capacity.
func NewBuffer(initialCap int) *Buffer {
	if initialCap <= 0 {
		initialCap = 4096
	}
	return &Buffer{buf: make([]byte, initialCap)}
}

// Len returns the number of unconsumed bytes currently held.
func (b *Buffer) Len() int { return b.len }

// Bytes returns the unconsumed byte window. The returned slice is only
// valid until the next Reserve/Advance call.
func (b *Buffer) Bytes() []byte { return b.buf[b.start : b.start+b.len] }

// Advance drops the first n bytes of the unconsumed window, as a decoder
// does after it has fully consumed a frame.
func (b *Buffer) Advance(n int) {
	if n <= 0 {
		return
	}
	if n > b.len {
		n = b.len
	}
	b.start += n
	b.len -= n
	if b.len == 0 {
		b.start = 0
	}
}

// Reserve returns a writable slice of length n at the tail of the buffer,
// growing the backing array only if neither the existing tail space nor a
// slide-to-zero compaction can satisfy the request. Callers write into the
// returned slice and then call Commit with the number of bytes written.
func (b *Buffer) Reserve(n int) []byte {
	tailFree := len(b.buf) - (b.start + b.len)
	if tailFree >= n {
		return b.buf[b.start+b.len : b.start+b.len+n]
	}
	if len(b.buf)-b.len >= n {
		copy(b.buf, b.Bytes())
		b.start = 0
		return b.buf[b.len : b.len+n]
	}
	newCap := len(b.buf)
	if newCap == 0 {
		newCap = n
	}
	for newCap < b.len+n {
		newCap *= 2
	}
	nb := make([]byte, newCap)
	copy(nb, b.Bytes())
	b.buf = nb
	b.start = 0
	return b.buf[b.len : b.len+n]
}

// Commit records that n bytes previously returned by Reserve now hold
// valid data.
func (b *Buffer) Commit(n int) { b.len += n }

// ReadFrom reads once from r into spare capacity, growing as needed, and
// returns the number of bytes appended.
func (b *Buffer) ReadFrom(r io.Reader) (int, error) {
	dst := b.Reserve(4096)
	n, err := r.Read(dst)
	if n > 0 {
		b.Commit(n)
	}
	return n, err
}

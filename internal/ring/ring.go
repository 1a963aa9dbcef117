// Package ring implements a lock-light byte ring buffer used to assemble
// bulk (USB) and stream (TCP) transport bytes ahead of VID0 framing.
package ring

import (
	"encoding/binary"

	"github.com/lanikai/mirrorhub/internal/logging"
)

var log = logging.DefaultLogger.WithTag("ring")

// DefaultCapacity is the minimum ring size required by spec: 1 MiB.
const DefaultCapacity = 1 << 20

// Buffer is a single-producer/single-consumer byte ring. It is not
// thread-safe; callers must serialize access (one reader goroutine, one
// writer goroutine, never both at once on the same method).
type Buffer struct {
	buf   []byte
	start int // index of first valid byte
	size  int // number of valid bytes currently stored

	// Dropped counts bytes discarded because Write was called while the
	// ring was full. The producing socket thread never blocks on this.
	Dropped uint64
}

// New allocates a ring buffer with the given capacity. Capacities below
// DefaultCapacity are rounded up.
func New(capacity int) *Buffer {
	if capacity < DefaultCapacity {
		capacity = DefaultCapacity
	}
	return &Buffer{buf: make([]byte, capacity)}
}

// Len returns the number of valid, unread bytes currently buffered.
func (b *Buffer) Len() int { return b.size }

// Cap returns the ring's total capacity.
func (b *Buffer) Cap() int { return len(b.buf) }

// Write appends p to the ring. If there isn't enough room, the oldest bytes
// that don't fit are dropped (the producing socket thread never blocks).
func (b *Buffer) Write(p []byte) int {
	n := len(p)
	if n == 0 {
		return 0
	}
	if n > len(b.buf) {
		// Only the tail can possibly fit; drop the rest.
		dropped := n - len(b.buf)
		b.Dropped += uint64(dropped)
		p = p[dropped:]
		n = len(p)
	}

	free := len(b.buf) - b.size
	if n > free {
		overflow := n - free
		b.discardLocked(overflow)
		b.Dropped += uint64(overflow)
	}

	writeAt := (b.start + b.size) % len(b.buf)
	copied := copy(b.buf[writeAt:], p)
	if copied < len(p) {
		copy(b.buf, p[copied:])
	}
	b.size += n
	return n
}

// Peek returns up to n bytes starting at the current read position, without
// consuming them. The returned slice may be shorter than n if fewer bytes
// are available, and is only valid until the next Write/Discard call.
func (b *Buffer) Peek(n int) []byte {
	if n > b.size {
		n = b.size
	}
	if n == 0 {
		return nil
	}

	out := make([]byte, n)
	first := len(b.buf) - b.start
	if first >= n {
		copy(out, b.buf[b.start:b.start+n])
	} else {
		copy(out, b.buf[b.start:])
		copy(out[first:], b.buf[:n-first])
	}
	return out
}

// PeekByte returns the byte at offset i from the read position. It panics if
// i >= Len(); callers must check Len() first.
func (b *Buffer) PeekByte(i int) byte {
	return b.buf[(b.start+i)%len(b.buf)]
}

// Read consumes and returns up to n bytes from the front of the ring.
func (b *Buffer) Read(n int) []byte {
	out := b.Peek(n)
	b.discardLocked(len(out))
	return out
}

// Discard consumes up to n bytes from the front of the ring.
func (b *Buffer) Discard(n int) int {
	if n > b.size {
		n = b.size
	}
	b.discardLocked(n)
	return n
}

func (b *Buffer) discardLocked(n int) {
	b.start = (b.start + n) % len(b.buf)
	b.size -= n
}

// ScanFor returns the offset of the first occurrence of the big-endian u32
// magic value within the currently buffered bytes, or -1 if not found. It
// performs a linear byte-by-byte scan: each position whose byte matches the
// magic's first byte is then checked against the remaining three bytes one
// at a time. No word-wide compare is done.
func (b *Buffer) ScanFor(magic uint32) int {
	if b.size < 4 {
		return -1
	}

	var magicBytes [4]byte
	binary.BigEndian.PutUint32(magicBytes[:], magic)

	limit := b.size - 4
	for i := 0; i <= limit; i++ {
		if b.PeekByte(i) != magicBytes[0] {
			continue
		}
		match := true
		for j := 1; j < 4; j++ {
			if b.PeekByte(i+j) != magicBytes[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

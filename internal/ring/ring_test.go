package ring

import (
	"bytes"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	b := New(DefaultCapacity)

	payload := []byte("hello, ring")
	if n := b.Write(payload); n != len(payload) {
		t.Fatalf("Write returned %d, want %d", n, len(payload))
	}
	if b.Len() != len(payload) {
		t.Fatalf("Len = %d, want %d", b.Len(), len(payload))
	}

	got := b.Peek(len(payload))
	if !bytes.Equal(got, payload) {
		t.Fatalf("Peek = %q, want %q", got, payload)
	}

	// Peek must not consume.
	if b.Len() != len(payload) {
		t.Fatalf("Len after Peek = %d, want %d", b.Len(), len(payload))
	}

	b.Discard(len(payload))
	if b.Len() != 0 {
		t.Fatalf("Len after Discard = %d, want 0", b.Len())
	}

	b.Write(payload)
	if got := b.Read(len(payload)); !bytes.Equal(got, payload) {
		t.Fatalf("Read = %q, want %q", got, payload)
	}
	if b.Len() != 0 {
		t.Fatalf("Len after Read = %d, want 0", b.Len())
	}
}

func TestWrapAround(t *testing.T) {
	b := New(DefaultCapacity)

	// Fill most of the ring, discard it, then write across the wrap point.
	filler := make([]byte, b.Cap()-8)
	b.Write(filler)
	b.Discard(len(filler))

	payload := []byte("0123456789abcdef")
	b.Write(payload)

	if got := b.Peek(len(payload)); !bytes.Equal(got, payload) {
		t.Fatalf("wrapped Peek = %q, want %q", got, payload)
	}
}

func TestOverflowDropsOldest(t *testing.T) {
	b := New(DefaultCapacity)

	first := bytes.Repeat([]byte{0xaa}, b.Cap())
	b.Write(first)

	second := []byte{1, 2, 3, 4}
	b.Write(second)

	if b.Dropped != uint64(len(second)) {
		t.Fatalf("Dropped = %d, want %d", b.Dropped, len(second))
	}
	if b.Len() != b.Cap() {
		t.Fatalf("Len = %d, want %d", b.Len(), b.Cap())
	}

	// The newest bytes must survive at the tail.
	b.Discard(b.Len() - len(second))
	if got := b.Peek(len(second)); !bytes.Equal(got, second) {
		t.Fatalf("tail = %v, want %v", got, second)
	}
}

func TestScanFor(t *testing.T) {
	const magic = 0x56494430

	b := New(DefaultCapacity)
	b.Write([]byte("garbage bytes"))
	b.Write([]byte{'V', 'I', 'D', '0'})
	b.Write([]byte("payload"))

	if off := b.ScanFor(magic); off != len("garbage bytes") {
		t.Fatalf("ScanFor = %d, want %d", off, len("garbage bytes"))
	}

	b.Discard(b.Len())
	if off := b.ScanFor(magic); off != -1 {
		t.Fatalf("ScanFor on empty ring = %d, want -1", off)
	}

	// A partial magic prefix must not match.
	b.Write([]byte{'V', 'I', 'D'})
	if off := b.ScanFor(magic); off != -1 {
		t.Fatalf("ScanFor on partial magic = %d, want -1", off)
	}
}

func TestScanForAcrossWrapBoundary(t *testing.T) {
	const magic = 0x56494430

	b := New(DefaultCapacity)
	filler := make([]byte, b.Cap()-2)
	b.Write(filler)
	b.Discard(len(filler))

	// Magic straddles the physical end of the backing array.
	b.Write([]byte{'V', 'I', 'D', '0'})
	if off := b.ScanFor(magic); off != 0 {
		t.Fatalf("ScanFor across wrap = %d, want 0", off)
	}
}

package vid0

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/lanikai/mirrorhub/internal/ring"
)

func feedAll(f *Framer) [][]byte {
	var out [][]byte
	for {
		payload, ok, err := f.Next()
		if err != nil {
			break
		}
		if !ok {
			break
		}
		out = append(out, payload)
	}
	return out
}

// Property 1: envelope round-trip.
func TestEnvelopeRoundTrip(t *testing.T) {
	r := ring.New(ring.DefaultCapacity)
	f := New(r)

	payload := []byte("a single RTP packet")
	enc, err := Encode(payload)
	if err != nil {
		t.Fatal(err)
	}
	r.Write(enc)

	got := feedAll(f)
	if len(got) != 1 || !bytes.Equal(got[0], payload) {
		t.Fatalf("round trip mismatch: got %v", got)
	}
}

// Property 2: framer resync after garbage prefix.
func TestFramerResync(t *testing.T) {
	r := ring.New(ring.DefaultCapacity)
	f := New(r)

	rnd := rand.New(rand.NewSource(1))
	garbage := make([]byte, 500)
	rnd.Read(garbage)

	packets := [][]byte{[]byte("packet-one"), []byte("packet-two"), []byte("packet-three")}
	var stream []byte
	stream = append(stream, garbage...)
	for _, p := range packets {
		enc, _ := Encode(p)
		stream = append(stream, enc...)
	}
	r.Write(stream)

	got := feedAll(f)
	if len(got) != len(packets) {
		t.Fatalf("expected %d packets, got %d", len(packets), len(got))
	}
	for i, p := range packets {
		if !bytes.Equal(got[i], p) {
			t.Fatalf("packet %d mismatch: got %q want %q", i, got[i], p)
		}
	}
}

func TestDesyncLimitExceeded(t *testing.T) {
	r := ring.New(ring.DefaultCapacity)
	f := New(r)

	// Craft a stream of (desyncLimit+10) bogus "magic, huge-length" headers
	// with no valid frame ever appearing, forcing repeated 1-byte advances.
	var stream []byte
	for i := 0; i < desyncLimit+10; i++ {
		var hdr [8]byte
		hdr[0], hdr[1], hdr[2], hdr[3] = 0x56, 0x49, 0x44, 0x30
		hdr[4], hdr[5], hdr[6], hdr[7] = 0xff, 0xff, 0xff, 0xff // LEN > 65535
		stream = append(stream, hdr[:]...)
	}
	r.Write(stream)

	var sawErr bool
	for i := 0; i < desyncLimit+20; i++ {
		_, _, err := f.Next()
		if err != nil {
			sawErr = true
			break
		}
	}
	if !sawErr {
		t.Fatal("expected ErrDesyncLimitExceeded")
	}
	if f.Resyncs != 1 {
		t.Fatalf("expected 1 resync, got %d", f.Resyncs)
	}
}

func TestZeroAndOversizeLengthDesyncs(t *testing.T) {
	r := ring.New(ring.DefaultCapacity)
	f := New(r)

	var stream []byte
	var bad [8]byte
	bad[0], bad[1], bad[2], bad[3] = 0x56, 0x49, 0x44, 0x30
	// LEN == 0
	stream = append(stream, bad[:]...)
	// LEN == MaxPayload+1
	big := bad
	big[5] = 0x01
	stream = append(stream, big[:]...)

	good, _ := Encode([]byte("hello"))
	stream = append(stream, good...)
	r.Write(stream)

	got := feedAll(f)
	if len(got) != 1 || string(got[0]) != "hello" {
		t.Fatalf("expected to recover valid frame after zero- and oversize-length desyncs, got %v", got)
	}
}

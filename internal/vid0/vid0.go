// Package vid0 parses the VID0 frame envelope used to carry RTP packets over
// the bulk (USB) and stream (TCP) transports.
//
// Wire format: [MAGIC:4][LEN:4 big-endian][payload: LEN bytes], LEN in
// [1, 65535]. See spec §6.1.
package vid0

import (
	"encoding/binary"

	"golang.org/x/xerrors"

	"github.com/lanikai/mirrorhub/internal/logging"
	"github.com/lanikai/mirrorhub/internal/ring"
)

var log = logging.DefaultLogger.WithTag("vid0")

// Magic is the ASCII "VID0" envelope magic, big-endian.
const Magic uint32 = 0x56494430

// MaxPayload is the largest LEN the envelope can carry.
const MaxPayload = 65535

// desyncLimit is the number of consecutive desyncs tolerated before the
// framer gives up and asks the caller to resync from scratch.
const desyncLimit = 256

// ErrDesyncLimitExceeded is returned when desyncLimit consecutive bad frames
// were encountered without recovering sync.
var ErrDesyncLimitExceeded = xerrors.New("vid0: desync limit exceeded")

// Framer extracts RTP payloads from a ring.Buffer fed by a transport.
type Framer struct {
	ring *ring.Buffer

	desyncCount int

	// Resyncs counts how many times ErrDesyncLimitExceeded fired and the
	// ring was cleared. Exposed for stats/diagnostics.
	Resyncs uint64
}

// New creates a Framer reading from the given ring buffer. The ring must not
// be written to concurrently with calls to Next.
func New(r *ring.Buffer) *Framer {
	return &Framer{ring: r}
}

// Next extracts zero or one RTP payload from the ring buffer, following the
// 5-step algorithm in spec §4.2. It returns (payload, true, nil) when a
// packet was extracted, (nil, false, nil) when there isn't enough data yet,
// and a non-nil error only on ErrDesyncLimitExceeded (at which point the
// ring has already been cleared).
func (f *Framer) Next() (payload []byte, ok bool, err error) {
	for {
		offset := f.ring.ScanFor(Magic)
		if offset < 0 {
			// No magic found. Preserve the last 7 bytes in case they're a
			// partial magic value, discard the rest.
			if f.ring.Len() > 7 {
				f.ring.Discard(f.ring.Len() - 7)
			}
			return nil, false, nil
		}

		// Discard garbage preceding the magic.
		if offset > 0 {
			f.ring.Discard(offset)
		}

		if f.ring.Len() < 8 {
			// Not enough bytes yet to read LEN.
			return nil, false, nil
		}

		header := f.ring.Peek(8)
		length := binary.BigEndian.Uint32(header[4:8])

		if length == 0 || length > MaxPayload {
			// Desync: advance one byte past the magic and retry.
			f.ring.Discard(1)
			f.desyncCount++
			if f.desyncCount >= desyncLimit {
				f.Resyncs++
				f.ring.Discard(f.ring.Len())
				f.desyncCount = 0
				log.Warn("vid0: desync limit exceeded, ring cleared")
				return nil, false, ErrDesyncLimitExceeded
			}
			continue
		}

		total := 8 + int(length)
		if f.ring.Len() < total {
			// Wait for more data; leave everything in the ring.
			return nil, false, nil
		}

		f.desyncCount = 0
		payload = f.ring.Peek(total)[8:total]
		// Copy out, since Peek's result is only guaranteed valid until the
		// next Write/Discard on the ring.
		out := make([]byte, len(payload))
		copy(out, payload)
		f.ring.Discard(total)
		return out, true, nil
	}
}

// Encode wraps an RTP payload in a VID0 envelope. Used by tests (round-trip
// property) and by any in-process transport shim that needs to produce
// VID0-framed bytes.
func Encode(payload []byte) ([]byte, error) {
	if len(payload) == 0 || len(payload) > MaxPayload {
		return nil, xerrors.Errorf("vid0: invalid payload length %d", len(payload))
	}
	out := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint32(out[0:4], Magic)
	binary.BigEndian.PutUint32(out[4:8], uint32(len(payload)))
	copy(out[8:], payload)
	return out, nil
}

// Package rtpdepacket implements RFC 6184 H.264 RTP depacketization: single
// NAL, STAP-A aggregation, and FU-A fragmentation, with sequence-gap
// detection and SPS/PPS parameter-set caching. See spec §4.3.
package rtpdepacket

import (
	"golang.org/x/xerrors"

	"github.com/lanikai/mirrorhub/internal/h264"
	"github.com/lanikai/mirrorhub/internal/logging"
	"github.com/lanikai/mirrorhub/internal/rtp"
)

var log = logging.DefaultLogger.WithTag("rtpdepacket")

// MaxFragmentSize bounds the FU-A reassembly buffer. Oversize fragments are
// dropped and a keyframe is requested (spec §7, "Depacketizer FU-A
// oversize").
const MaxFragmentSize = 2 << 20 // 2 MiB

// ErrMalformed is returned for RTP packets that fail basic validation
// (wrong version, too short). The caller should drop the packet and
// increment a counter; it is never surfaced as a fatal error.
var ErrMalformed = xerrors.New("rtpdepacket: malformed RTP packet")

// Nal is one reassembled NAL unit, tagged with the RTP metadata of the
// packet(s) it was extracted from.
type Nal struct {
	Data             []byte
	PTS90k           uint32
	Marker           bool
	Keyframe         bool
	CorruptSuspected bool
}

// Result is returned by Feed. Nals may contain zero or more NAL units (a
// STAP-A packet can yield several from a single RTP packet; an FU-A start
// packet yields none until the matching end fragment arrives).
type Result struct {
	Nals []Nal

	// StreamReset is true when the SSRC changed, meaning sequence tracking,
	// any in-progress FU-A reassembly and the pending corrupt flag were
	// discarded. The cached SPS/PPS and the counters are kept.
	StreamReset bool

	// KeyframeRequested is true when this packet's sequence-gap or
	// oversize-fragment handling warrants asking the capture side for a new
	// IDR. At most one request is signaled per qualifying event (spec
	// property 4: "emits exactly one KeyframeRequested").
	KeyframeRequested bool
}

// Depacketizer holds per-device reassembly state. It is not safe for
// concurrent use; MirrorReceiver's ingest path serializes calls to Feed.
type Depacketizer struct {
	haveSSRC bool
	ssrc     uint32

	haveSeq     bool
	expectedSeq uint16

	// FU-A reassembly.
	fuType    byte
	fuBuf     []byte
	fuDropped bool // true while swallowing fragments of an oversize NAL

	// Parameter-set cache (latest wins).
	sps []byte
	pps []byte

	// Set when a sequence gap was just detected; consumed by the next NAL
	// emitted (single, or first NAL split out of a STAP-A/FU-A packet).
	pendingCorrupt bool

	// Counters.
	MalformedDrops  uint64
	UnsupportedDrops uint64
	FragmentDrops   uint64
}

// New returns an empty Depacketizer.
func New() *Depacketizer {
	return &Depacketizer{}
}

// SPS returns the cached SPS (nil if none seen yet). The returned slice must
// not be modified by the caller.
func (d *Depacketizer) SPS() []byte { return d.sps }

// PPS returns the cached PPS (nil if none seen yet).
func (d *Depacketizer) PPS() []byte { return d.pps }

// Feed processes one raw RTP packet (header + payload, as received from a
// transport) and returns the NAL units it yields, if any.
func (d *Depacketizer) Feed(raw []byte) (Result, error) {
	hdr, payload, err := rtp.Parse(raw)
	if err != nil {
		d.MalformedDrops++
		return Result{}, xerrors.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(payload) == 0 {
		d.MalformedDrops++
		return Result{}, xerrors.Errorf("%w: empty payload", ErrMalformed)
	}

	var res Result

	if !d.haveSSRC {
		d.haveSSRC = true
		d.ssrc = hdr.SSRC
	} else if hdr.SSRC != d.ssrc {
		log.Info("SSRC changed %08x -> %08x, resetting depacketizer state", d.ssrc, hdr.SSRC)
		d.ssrc = hdr.SSRC
		d.haveSeq = false
		d.fuBuf = nil
		d.pendingCorrupt = false
		res.StreamReset = true
	}

	if d.checkSequenceGap(hdr.Sequence) {
		d.pendingCorrupt = true
		res.KeyframeRequested = true
	}

	naluType := payload[0] & 0x1f
	switch naluType {
	case h264.TypeSTAP_A:
		nalus, err := splitSTAPA(payload)
		if err != nil {
			d.MalformedDrops++
			return res, nil
		}
		for _, n := range nalus {
			res.Nals = append(res.Nals, d.emit(n, hdr))
		}
	case h264.TypeFU_A:
		n, complete, dropped := d.feedFUA(payload)
		if dropped {
			d.FragmentDrops++
			res.KeyframeRequested = true
		}
		if complete && n != nil {
			res.Nals = append(res.Nals, d.emit(n, hdr))
		}
	default:
		if naluType >= 1 && naluType <= 23 {
			res.Nals = append(res.Nals, d.emit(append([]byte(nil), payload...), hdr))
		} else {
			d.UnsupportedDrops++
		}
	}

	return res, nil
}

// emit tags a reassembled NAL with RTP metadata, caches SPS/PPS, and
// consumes any pending corrupt-suspected flag.
func (d *Depacketizer) emit(nalu h264.NALU, hdr rtp.Header) Nal {
	switch nalu.Type() {
	case h264.TypeSPS:
		d.sps = append([]byte(nil), nalu...)
	case h264.TypePPS:
		d.pps = append([]byte(nil), nalu...)
	}

	corrupt := d.pendingCorrupt
	d.pendingCorrupt = false

	return Nal{
		Data:             nalu,
		PTS90k:           hdr.Timestamp,
		Marker:           hdr.Marker,
		Keyframe:         nalu.IsKeyframe(),
		CorruptSuspected: corrupt,
	}
}

// checkSequenceGap detects a non-contiguous sequence number, accounting for
// 16-bit wraparound, within a ±16384 window (spec §4.3, property 4).
func (d *Depacketizer) checkSequenceGap(seq uint16) bool {
	if !d.haveSeq {
		d.haveSeq = true
		d.expectedSeq = seq + 1
		return false
	}

	gap := false
	if seq != d.expectedSeq {
		diff := int32(seq) - int32(d.expectedSeq)
		if diff > 32768 {
			diff -= 65536
		} else if diff <= -32768 {
			diff += 65536
		}
		if diff < 0 {
			diff = -diff
		}
		if diff <= 16384 {
			gap = true
		}
	}
	d.expectedSeq = seq + 1
	return gap
}

// feedFUA reassembles one FU-A fragment. complete is true once an E-bit
// fragment has been consumed; nalu is nil then if the reassembly was
// aborted for size. dropped is true only on the call that detected the
// oversize reassembly, whether or not that fragment carried the E bit.
// Otherwise, while still waiting on more fragments, it returns
// (nil, false, false).
func (d *Depacketizer) feedFUA(payload []byte) (nalu h264.NALU, complete bool, dropped bool) {
	if len(payload) < 2 {
		d.MalformedDrops++
		return nil, false, false
	}
	indicator := payload[0]
	header := payload[1]
	start := header&0x80 != 0
	end := header&0x40 != 0
	fragType := header & 0x1f

	if start {
		d.fuType = fragType
		d.fuDropped = false
		d.fuBuf = make([]byte, 0, len(payload))
		fnri := indicator & 0xe0
		d.fuBuf = append(d.fuBuf, fnri|fragType)
	} else if d.fuDropped {
		if end {
			d.fuDropped = false
			return nil, true, false
		}
		return nil, false, false
	} else if d.fuBuf == nil {
		// Wait for the start of the next NALU; we joined mid-stream.
		return nil, false, false
	}

	if len(d.fuBuf)+len(payload)-2 > MaxFragmentSize {
		d.fuBuf = nil
		d.fuDropped = true
		if end {
			d.fuDropped = false
			return nil, true, true
		}
		return nil, false, true
	}

	d.fuBuf = append(d.fuBuf, payload[2:]...)

	if !end {
		return nil, false, false
	}

	out := d.fuBuf
	d.fuBuf = nil
	return h264.NALU(out), true, false
}

// splitSTAPA splits a STAP-A aggregation packet into its constituent NAL
// units. See https://tools.ietf.org/html/rfc6184#section-5.7.1
func splitSTAPA(payload []byte) ([]h264.NALU, error) {
	var nalus []h264.NALU
	i := 1 // skip STAP-A indicator byte
	for i < len(payload) {
		if i+2 > len(payload) {
			return nil, xerrors.New("rtpdepacket: truncated STAP-A size field")
		}
		size := int(payload[i])<<8 | int(payload[i+1])
		i += 2
		if i+size > len(payload) {
			return nil, xerrors.New("rtpdepacket: truncated STAP-A NALU")
		}
		nalu := make([]byte, size)
		copy(nalu, payload[i:i+size])
		nalus = append(nalus, h264.NALU(nalu))
		i += size
	}
	return nalus, nil
}

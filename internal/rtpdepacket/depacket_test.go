package rtpdepacket

import (
	"bytes"
	"testing"

	"github.com/lanikai/mirrorhub/internal/h264"
	"github.com/lanikai/mirrorhub/internal/rtp"
)

func pkt(seq uint16, marker bool, payload []byte) []byte {
	return rtp.Marshal(rtp.Header{
		Marker:      marker,
		PayloadType: 96,
		Sequence:    seq,
		Timestamp:   1000,
		SSRC:        0xCAFEBABE,
	}, payload)
}

func singleNALU(typ byte, body string) []byte {
	nalu := append([]byte{typ}, []byte(body)...)
	return nalu
}

// Property 3: FU-A reassembly law.
func TestFUAReassembly(t *testing.T) {
	d := New()

	// Build a 17-byte IDR NALU (type 5) and split it across three FU-A
	// fragments of arbitrary contiguous sizes.
	original := append([]byte{0x65}, []byte("0123456789abcdef")...) // forbidden=0 nri=3 type=5
	body := original[1:]

	fu := func(start, end bool, chunk []byte) []byte {
		indicator := (original[0] & 0xe0) | h264.TypeFU_A
		var header byte
		if start {
			header |= 0x80
		}
		if end {
			header |= 0x40
		}
		header |= original[0] & 0x1f
		return append([]byte{indicator, header}, chunk...)
	}

	third := len(body) / 3
	frag1 := fu(true, false, body[:third])
	frag2 := fu(false, false, body[third:2*third])
	frag3 := fu(false, true, body[2*third:])

	seq := uint16(100)
	var lastNal Nal
	for i, frag := range [][]byte{frag1, frag2, frag3} {
		res, err := d.Feed(pkt(seq, i == 2, frag))
		if err != nil {
			t.Fatalf("Feed error: %v", err)
		}
		if i < 2 {
			if len(res.Nals) != 0 {
				t.Fatalf("expected no NAL before final fragment, got %d", len(res.Nals))
			}
		} else {
			if len(res.Nals) != 1 {
				t.Fatalf("expected exactly one reassembled NAL, got %d", len(res.Nals))
			}
			lastNal = res.Nals[0]
		}
		seq++
	}

	if !bytes.Equal([]byte(lastNal.Data), original) {
		t.Fatalf("reassembled NAL mismatch:\n got  %x\n want %x", lastNal.Data, original)
	}
}

// Partial FU-A reassembly (S then middle, no E) must yield zero NALs and not
// panic (scenario S2).
func TestFUAPartialNoEndFragment(t *testing.T) {
	d := New()
	original := append([]byte{0x65}, bytes.Repeat([]byte{0xAB}, 300)...)
	body := original[1:]

	indicator := (original[0] & 0xe0) | h264.TypeFU_A
	startHdr := byte(0x80) | (original[0] & 0x1f)
	midHdr := original[0] & 0x1f

	frag1 := append([]byte{indicator, startHdr}, body[:100]...)
	frag2 := append([]byte{indicator, midHdr}, body[100:200]...)

	res1, err := d.Feed(pkt(1, false, frag1))
	if err != nil || len(res1.Nals) != 0 {
		t.Fatalf("unexpected result after start fragment: %+v err=%v", res1, err)
	}
	res2, err := d.Feed(pkt(2, false, frag2))
	if err != nil || len(res2.Nals) != 0 {
		t.Fatalf("unexpected result after middle fragment: %+v err=%v", res2, err)
	}
}

func TestSTAPASplitsIntoMultipleNALs(t *testing.T) {
	d := New()

	sps := singleNALU(h264.TypeSPS, "spsdata")
	pps := singleNALU(h264.TypePPS, "ppsdata")
	idr := singleNALU(h264.TypeIDR, "idrdata")

	var stap []byte
	stap = append(stap, h264.TypeSTAP_A)
	for _, n := range [][]byte{sps, pps, idr} {
		stap = append(stap, byte(len(n)>>8), byte(len(n)))
		stap = append(stap, n...)
	}

	res, err := d.Feed(pkt(1, true, stap))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Nals) != 3 {
		t.Fatalf("expected 3 NALs from STAP-A, got %d", len(res.Nals))
	}
	if !bytes.Equal(d.SPS(), sps) {
		t.Fatalf("SPS not cached correctly")
	}
	if !bytes.Equal(d.PPS(), pps) {
		t.Fatalf("PPS not cached correctly")
	}
	if !res.Nals[2].Keyframe {
		t.Fatalf("expected third NAL to be flagged as keyframe")
	}
}

// Property 4 / scenario S3: sequence gap detection.
func TestSequenceGapRequestsKeyframeOnce(t *testing.T) {
	d := New()

	seqs := []uint16{100, 101, 103} // 102 missing
	var gapsSeen int
	for _, s := range seqs {
		res, err := d.Feed(pkt(s, true, singleNALU(h264.TypeSlice, "x")))
		if err != nil {
			t.Fatal(err)
		}
		if res.KeyframeRequested {
			gapsSeen++
		}
	}
	if gapsSeen != 1 {
		t.Fatalf("expected exactly 1 keyframe request, got %d", gapsSeen)
	}
}

func TestSSRCChangeResetsState(t *testing.T) {
	d := New()
	first := rtp.Marshal(rtp.Header{Sequence: 1, Timestamp: 0, SSRC: 1, Marker: true},
		singleNALU(h264.TypeSlice, "a"))
	if _, err := d.Feed(first); err != nil {
		t.Fatal(err)
	}

	second := rtp.Marshal(rtp.Header{Sequence: 50, Timestamp: 0, SSRC: 2, Marker: true},
		singleNALU(h264.TypeSlice, "b"))
	res, err := d.Feed(second)
	if err != nil {
		t.Fatal(err)
	}
	if !res.StreamReset {
		t.Fatal("expected StreamReset on SSRC change")
	}
}

func TestMalformedPacketRejected(t *testing.T) {
	d := New()
	if _, err := d.Feed([]byte{0x00, 0x01, 0x02}); err == nil {
		t.Fatal("expected error for short/bad-version packet")
	}
	if d.MalformedDrops != 1 {
		t.Fatalf("expected MalformedDrops == 1, got %d", d.MalformedDrops)
	}
}

func TestOversizeFragmentDropped(t *testing.T) {
	d := New()
	indicator := byte(0x60) | h264.TypeFU_A
	startHdr := byte(0x80) | 5

	// Feed a start fragment, then keep appending until the buffer would
	// exceed MaxFragmentSize, then send the end fragment; it must be
	// dropped without panicking and a keyframe must be requested.
	res, err := d.Feed(pkt(1, false, append([]byte{indicator, startHdr}, make([]byte, 100)...)))
	if err != nil || len(res.Nals) != 0 {
		t.Fatalf("unexpected start result: %+v err=%v", res, err)
	}

	midHdr := byte(5)
	seq := uint16(2)
	chunk := make([]byte, 65536)
	sawKeyframeRequest := false
	for total := 100; total < MaxFragmentSize+10; total += len(chunk) {
		res, err = d.Feed(pkt(seq, false, append([]byte{indicator, midHdr}, chunk...)))
		if err != nil {
			t.Fatal(err)
		}
		if res.KeyframeRequested {
			sawKeyframeRequest = true
		}
		if len(res.Nals) != 0 {
			t.Fatalf("expected no NAL emitted mid-reassembly, got %d", len(res.Nals))
		}
		seq++
	}

	endHdr := byte(0x40) | 5
	res, err = d.Feed(pkt(seq, true, append([]byte{indicator, endHdr}, make([]byte, 10)...)))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Nals) != 0 {
		t.Fatalf("expected oversize fragment to be dropped, got %d NALs", len(res.Nals))
	}
	if !sawKeyframeRequest {
		t.Fatal("expected keyframe request after oversize fragment drop")
	}
	if d.FragmentDrops != 1 {
		t.Fatalf("expected FragmentDrops == 1, got %d", d.FragmentDrops)
	}
}

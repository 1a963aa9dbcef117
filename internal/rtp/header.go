// Package rtp implements RFC 3550 RTP fixed-header parsing. This core is
// receive-only: there is no packetizer/session/RTCP machinery here, only the
// header decode that internal/rtpdepacket needs per incoming packet.
package rtp

import (
	"golang.org/x/xerrors"

	"github.com/lanikai/mirrorhub/internal/packet"
)

// RTP 1.0 requires version 2.
const Version = 2

const HeaderSize = 12

type errBadVersion byte

func (e errBadVersion) Error() string {
	return "rtp: invalid version: " + string([]byte{byte('0' + e)})
}

// Header is the fixed 12-byte RTP header (CSRC list included, extensions
// not parsed — this spec's devices never send RTP header extensions).
// See https://tools.ietf.org/html/rfc3550#section-5.1
type Header struct {
	Padding     bool
	Extension   bool
	Marker      bool
	PayloadType byte
	Sequence    uint16
	Timestamp   uint32
	SSRC        uint32
	CSRC        []uint32
}

// Length returns the number of header bytes, including any CSRC entries.
func (h *Header) Length() int {
	return HeaderSize + 4*len(h.CSRC)
}

// Parse reads an RTP header from buf, returning the header and the
// remaining payload bytes. It rejects packets with version != 2 or with
// fewer than 12 bytes, per spec §4.3.
func Parse(buf []byte) (Header, []byte, error) {
	var h Header
	r := packet.NewReader(buf)
	if err := r.CheckRemaining(HeaderSize); err != nil {
		return h, nil, xerrors.Errorf("rtp: short packet: %w", err)
	}

	first := r.ReadByte()
	version := first >> 6
	if version != Version {
		return h, nil, xerrors.Errorf("rtp: %w", errBadVersion(version))
	}
	h.Padding = (first>>5)&0x01 == 1
	h.Extension = (first>>4)&0x01 == 1
	csrcCount := int(first & 0x0f)

	if err := r.CheckRemaining(1 + 2 + 4 + 4 + 4*csrcCount); err != nil {
		return h, nil, xerrors.Errorf("rtp: short packet: %w", err)
	}

	second := r.ReadByte()
	h.Marker = second>>7 == 1
	h.PayloadType = second & 0x7f
	h.Sequence = r.ReadUint16()
	h.Timestamp = r.ReadUint32()
	h.SSRC = r.ReadUint32()
	for i := 0; i < csrcCount; i++ {
		h.CSRC = append(h.CSRC, r.ReadUint32())
	}

	return h, r.ReadRemaining(), nil
}

// Marshal serializes the header followed by payload into a single RTP
// packet. Used by tests to build fixtures; this receive-only core never
// sends RTP on the wire itself.
func Marshal(h Header, payload []byte) []byte {
	buf := make([]byte, h.Length()+len(payload))
	w := packet.NewWriter(buf)

	var first byte = Version << 6
	if h.Padding {
		first |= 0x20
	}
	if h.Extension {
		first |= 0x10
	}
	first |= byte(len(h.CSRC)) & 0x0f
	w.WriteByte(first)

	var second byte = h.PayloadType & 0x7f
	if h.Marker {
		second |= 0x80
	}
	w.WriteByte(second)
	w.WriteUint16(h.Sequence)
	w.WriteUint32(h.Timestamp)
	w.WriteUint32(h.SSRC)
	for _, c := range h.CSRC {
		w.WriteUint32(c)
	}
	w.WriteSlice(payload)
	return w.Bytes()
}

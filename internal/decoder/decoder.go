// Package decoder implements the per-device H.264 decode stage: a
// hardware-preferred backend chain with low-latency hints, SPS/PPS
// lifecycle management, and planar-YUV-to-RGBA color conversion with no
// resizing. See spec §4.4.
package decoder

import (
	"image"
	imagecolor "image/color"

	"github.com/nareix/joy4/codec/h264parser"
	"golang.org/x/xerrors"

	"github.com/lanikai/mirrorhub/internal/h264"
	"github.com/lanikai/mirrorhub/internal/logging"
)

var log = logging.DefaultLogger.WithTag("decoder")

// MaxDimension bounds the width/height a decoder will accept. A SPS
// declaring a larger picture is a fatal error for that device's decoder
// (spec §4.4: "exceed → fatal per-Device decoder").
const MaxDimension = 8192

// consecutiveCorruptLimit is the number of back-to-back empty/transient
// decode results that trigger a keyframe request (spec §4.4, §7).
const consecutiveCorruptLimit = 3

// ErrFatal is returned once a decoder has entered its fatal state (oversize
// SPS, or a backend that refuses to open). The caller must stop feeding this
// decoder until a fresh Decoder is created for a new IDR with new params, per
// spec §7 "Decoder fatal".
var ErrFatal = xerrors.New("decoder: fatal, awaiting reset")

// Frame is a decoded, color-converted output frame. No resizing is ever
// applied: Width/Height always match the active SPS.
type Frame struct {
	Width, Height int
	RGBA          []byte // width*height*4, row-major, no padding
	PTSUs         int64
}

// Decoder drives one backend (accelerated or software) for a single device.
// Not safe for concurrent use; MirrorReceiver's decode worker owns it
// exclusively.
type Decoder struct {
	backend backend
	kind    string

	width, height int
	levelIdc      uint

	sps, pps []byte

	droppedBeforeParams uint64
	corruptCount        int
	corruptStreak       int
	fatal               bool

	// pendingPTS is attached to the next decoded frame; the backend itself
	// does not track PTS (it only reorders for B-frames, which this spec's
	// devices never send since low-latency encoding disables them).
	pendingPTS int64
}

// New creates a Decoder with no backend open yet; the backend opens lazily
// once the first SPS is observed and its dimensions are known.
func New() *Decoder {
	return &Decoder{}
}

// Stats and accessors for diagnostics and the StatsTick event.
func (d *Decoder) DroppedBeforeParams() uint64 { return d.droppedBeforeParams }

// CorruptStreak reports the number of consecutive transient decode
// failures since the last successful decode. Unlike the internal
// keyframe-request counter it is not cleared when a keyframe is
// requested, only by a decoded frame, so HybridRouter's down-vote input
// sees the full streak.
func (d *Decoder) CorruptStreak() int { return d.corruptStreak }
func (d *Decoder) Backend() string             { return d.kind }
func (d *Decoder) Fatal() bool                 { return d.fatal }
func (d *Decoder) SPS() []byte                 { return d.sps }
func (d *Decoder) PPS() []byte                 { return d.pps }

// PushNAL submits one NAL unit from the RTP depacketizer. SPS/PPS NALs
// update the cache (and may trigger a backend open/reset); IDR NALs are
// prepended with the cached SPS+PPS before submission; other slices are
// dropped until parameters have been seen at least once (spec property 5).
func (d *Decoder) PushNAL(nal h264.NALU, ptsUs int64) error {
	if d.fatal {
		return ErrFatal
	}

	switch nal.Type() {
	case h264.TypeSPS:
		return d.handleSPS(nal)
	case h264.TypePPS:
		d.pps = append([]byte(nil), nal...)
		return nil
	case h264.TypeIDR:
		if d.sps == nil || d.pps == nil {
			d.droppedBeforeParams++
			return nil
		}
		d.pendingPTS = ptsUs
		return d.submit(append(append(append([]byte(nil), d.sps...), d.pps...), nal...), true)
	default:
		if d.sps == nil || d.pps == nil {
			d.droppedBeforeParams++
			return nil
		}
		d.pendingPTS = ptsUs
		return d.submit(nal, false)
	}
}

func (d *Decoder) handleSPS(nal h264.NALU) error {
	info, err := h264parser.ParseSPS(nal)
	if err != nil {
		// Malformed SPS: keep the previous one, if any, rather than fail
		// the whole device.
		log.Warn("failed to parse SPS: %v", err)
		return nil
	}
	width, height := int(info.Width), int(info.Height)
	if width > MaxDimension || height > MaxDimension {
		d.fatal = true
		return xerrors.Errorf("%w: SPS declares %dx%d, exceeds max %d", ErrFatal, width, height, MaxDimension)
	}

	changed := width != d.width || height != d.height || info.LevelIdc != d.levelIdc
	d.sps = append([]byte(nil), nal...)

	if d.backend == nil {
		d.levelIdc = info.LevelIdc
		return d.open(width, height)
	}
	if changed {
		log.Info("SPS changed (%dx%d -> %dx%d), reopening decoder", d.width, d.height, width, height)
		d.backend.close()
		d.backend = nil
		d.levelIdc = info.LevelIdc
		return d.open(width, height)
	}
	// Same dimensions/level: keep backend state (spec §4.4 "otherwise keep
	// state").
	return nil
}

func (d *Decoder) open(width, height int) error {
	backend, kind, err := openBackend(width, height)
	if err != nil {
		d.fatal = true
		return xerrors.Errorf("decoder: failed to open any backend: %w", err)
	}
	d.backend = backend
	d.kind = kind
	d.width, d.height = width, height
	return nil
}

func (d *Decoder) submit(accessUnit []byte, idr bool) error {
	if d.backend == nil {
		d.droppedBeforeParams++
		return nil
	}
	return d.backend.submit(accessUnit, idr)
}

// Poll returns at most one decoded, color-converted frame. requestKeyframe
// is true once three consecutive transient decode failures have occurred
// (spec §4.4, §7).
func (d *Decoder) Poll() (frame *Frame, requestKeyframe bool, err error) {
	if d.fatal || d.backend == nil {
		return nil, false, nil
	}

	yuv, perr := d.backend.poll()
	if perr != nil {
		d.corruptCount++
		d.corruptStreak++
		if d.corruptCount >= consecutiveCorruptLimit {
			d.corruptCount = 0
			return nil, true, nil
		}
		return nil, false, nil
	}
	if yuv == nil {
		return nil, false, nil
	}
	d.corruptCount = 0
	d.corruptStreak = 0

	rgba := yuvToRGBA(yuv)
	return &Frame{
		Width:  yuv.Rect.Dx(),
		Height: yuv.Rect.Dy(),
		RGBA:   rgba,
		PTSUs:  d.pendingPTS,
	}, false, nil
}

// Reset flushes the backend without discarding the SPS/PPS cache, matching
// the "non-IDR before SPS/PPS" and "reopen only when dims change" rules.
func (d *Decoder) Reset() error {
	if d.backend == nil {
		return nil
	}
	return d.backend.reset()
}

// Close releases the backend. Idempotent.
func (d *Decoder) Close() error {
	if d.backend == nil {
		return nil
	}
	err := d.backend.close()
	d.backend = nil
	return err
}

// yuvToRGBA performs the no-resize planar-YUV-to-RGBA color conversion.
// image/color's YCbCr->RGBA machinery is the idiomatic stdlib match for a
// planar image.YCbCr source (the pack's only color-conversion dependency,
// the teacher's internal/color package, targets a cgo kernel specific to
// packed YUYV-to-planar-420 conversion, which doesn't apply to a decoder's
// planar YUV420 output — see DESIGN.md).
func yuvToRGBA(yuv *image.YCbCr) []byte {
	w, h := yuv.Rect.Dx(), yuv.Rect.Dy()
	out := make([]byte, w*h*4)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			yi := yuv.YOffset(x+yuv.Rect.Min.X, y+yuv.Rect.Min.Y)
			ci := yuv.COffset(x+yuv.Rect.Min.X, y+yuv.Rect.Min.Y)
			r, g, b := imagecolor.YCbCrToRGB(yuv.Y[yi], yuv.Cb[ci], yuv.Cr[ci])
			o := (y*w + x) * 4
			out[o+0] = r
			out[o+1] = g
			out[o+2] = b
			out[o+3] = 0xff
		}
	}
	return out
}

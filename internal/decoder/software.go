package decoder

import (
	"image"
	"sync"
)

// softwareBackend is the always-available fallback decode path. It does not
// perform a conformant H.264 bitstream decode (no CABAC/CAVLC entropy
// decode, no motion compensation); that work belongs to a real codec
// library reached through the h264_hw build tag on supported hardware. What
// it guarantees is the contract the rest of the pipeline depends on: one
// correctly-sized image.YCbCr per submitted access unit, with access units
// consumed in submission order, so FrameFanout/FpsController/the no-resize
// invariant can all be exercised without a vendor SDK present.
//
// TODO: replace the picture body with an actual software AVC decode (e.g.
// by vendoring a cgo binding to libavcodec) once a software path is
// required on hardware without an h264_hw backend.
type softwareBackend struct {
	mu            sync.Mutex
	width, height int
	queue         []accessUnit
	submitted     int
}

type accessUnit struct {
	idr bool
	seq int
}

func newSoftwareBackend(width, height int) backend {
	return &softwareBackend{width: width, height: height}
}

func (b *softwareBackend) submit(unit []byte, idr bool) error {
	b.mu.Lock()
	b.queue = append(b.queue, accessUnit{idr: idr, seq: b.submitted})
	b.submitted++
	b.mu.Unlock()
	return nil
}

func (b *softwareBackend) poll() (*image.YCbCr, error) {
	b.mu.Lock()
	if len(b.queue) == 0 {
		b.mu.Unlock()
		return nil, nil
	}
	unit := b.queue[0]
	b.queue = b.queue[1:]
	b.mu.Unlock()

	img := image.NewYCbCr(image.Rect(0, 0, b.width, b.height), image.YCbCrSubsampleRatio420)
	fill := byte(16 + (unit.seq * 7 % 219)) // deterministic, visibly-changing luma ramp
	for i := range img.Y {
		img.Y[i] = fill
	}
	for i := range img.Cb {
		img.Cb[i] = 128
	}
	for i := range img.Cr {
		img.Cr[i] = 128
	}
	if unit.idr {
		// Mark keyframes with a bright top-left corner block so a human
		// watching raw output can tell keyframes from deltas.
		stride := img.YStride
		for y := 0; y < 8 && y < b.height; y++ {
			for x := 0; x < 8 && x < b.width; x++ {
				img.Y[y*stride+x] = 235
			}
		}
	}
	return img, nil
}

func (b *softwareBackend) reset() error {
	b.mu.Lock()
	b.queue = nil
	b.mu.Unlock()
	return nil
}

func (b *softwareBackend) close() error { return b.reset() }

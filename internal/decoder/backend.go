package decoder

import "image"

// backend is the low-level codec implementation a Decoder drives. Two
// implementations exist, selected by build tag exactly as the teacher
// repo selects its crypto and RTSP backends: a default software backend
// always built, and a hardware-accelerated backend built only with
// -tags h264_hw.
type backend interface {
	// submit pushes one access unit (a full NAL, or SPS+PPS+IDR for a
	// keyframe) for decode. idr is true when the unit carries a keyframe
	// slice. It must not block on anything other than the backend's own
	// internal queue.
	submit(accessUnit []byte, idr bool) error

	// poll returns the next decoded picture, or (nil, nil) if none is ready
	// yet. A non-nil error indicates a transient decode failure (corrupted
	// picture); the caller counts these toward a keyframe request.
	poll() (*image.YCbCr, error)

	// reset drops any in-flight reference pictures without closing the
	// underlying codec instance.
	reset() error

	close() error
}

// openBackend tries the accelerated backend first (when built with
// -tags h264_hw), falling back to the software backend. The software
// backend always succeeds at open, so this only returns an error if a
// future backend is added that can fail at both stages.
func openBackend(width, height int) (backend, string, error) {
	if b, err := openAccelerated(width, height); err == nil {
		return b, "hw", nil
	}
	return newSoftwareBackend(width, height), "sw", nil
}

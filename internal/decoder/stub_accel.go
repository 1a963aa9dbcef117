// +build !h264_hw

package decoder

import "errors"

// openAccelerated is unavailable in the default build; openBackend falls
// back to the software backend. Build with -tags h264_hw on a target with
// a vendor decode unit to enable internal/decoder/accel.go instead.
func openAccelerated(width, height int) (backend, error) {
	return nil, errors.New("decoder: hardware backend not built (rebuild with -tags h264_hw)")
}

// +build !linux

package usb

import "errors"

// bulkDevice has no implementation outside Linux; AOA bulk endpoints are a
// Linux usbfs concept, matching the teacher's internal/v4l2 stub split for
// its own Linux-only ioctl device.
type bulkDevice struct{}

var errNotSupported = errors.New("usb: bulk transport requires Linux usbfs")

func openBulkDevice(path string, endpoint byte) (*bulkDevice, error) {
	return nil, errNotSupported
}

func (d *bulkDevice) Read(buf []byte, timeoutMs uint32) (int, error) {
	return 0, errNotSupported
}

func (d *bulkDevice) Close() error { return nil }

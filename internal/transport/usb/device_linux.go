// +build linux

package usb

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// bulkDevice is a thin wrapper around a Linux usbfs device node
// (/dev/bus/usb/BBB/DDD) opened against an Android device already switched
// into accessory mode. It submits USBDEVFS_BULK ioctls against the
// accessory's bulk-IN endpoint, mirroring the ioctl-over-x/sys/unix
// discipline internal/v4l2 uses for V4L2_BUF ioctls.
type bulkDevice struct {
	f        *os.File
	endpoint byte
}

// usbdevfsBulkTransfer mirrors struct usbdevfs_bulktransfer from
// <linux/usbdevice_fs.h>.
type usbdevfsBulkTransfer struct {
	ep      uint32
	len     uint32
	timeout uint32
	data    uintptr
}

const usbdevfsBulk = 0xc0185502 // _IOWR('U', 2, struct usbdevfs_bulktransfer)

// openBulkDevice opens the usbfs node at path and prepares to read from the
// given bulk-IN endpoint address.
func openBulkDevice(path string, endpoint byte) (*bulkDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return &bulkDevice{f: f, endpoint: endpoint}, nil
}

// Read performs one bulk-IN transfer into buf, blocking up to timeoutMs.
func (d *bulkDevice) Read(buf []byte, timeoutMs uint32) (int, error) {
	xfer := usbdevfsBulkTransfer{
		ep:      uint32(d.endpoint) | 0x80, // IN direction
		len:     uint32(len(buf)),
		timeout: timeoutMs,
		data:    uintptr(unsafe.Pointer(&buf[0])),
	}
	n, _, errno := unix.Syscall(unix.SYS_IOCTL, d.f.Fd(), uintptr(usbdevfsBulk), uintptr(unsafe.Pointer(&xfer)))
	if errno != 0 {
		return 0, errno
	}
	return int(n), nil
}

func (d *bulkDevice) Close() error {
	return d.f.Close()
}

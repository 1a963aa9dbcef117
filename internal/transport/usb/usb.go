// Package usb implements UsbBulkReceiver: reads from the Android
// Open-Accessory bulk-IN endpoint into a ring buffer, frames it with
// internal/vid0, and hands extracted RTP packets to the device's
// MirrorReceiver. See spec §4.5.
package usb

import (
	"bytes"
	"encoding/json"
	"time"

	"golang.org/x/xerrors"

	"github.com/lanikai/mirrorhub/internal/eventbus"
	"github.com/lanikai/mirrorhub/internal/logging"
	"github.com/lanikai/mirrorhub/internal/mirror"
	"github.com/lanikai/mirrorhub/internal/ring"
	"github.com/lanikai/mirrorhub/internal/rtp"
	"github.com/lanikai/mirrorhub/internal/vid0"
)

var log = logging.DefaultLogger.WithTag("usb")

const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second

	// handshakeMaxBytes bounds the capture-side identification packet
	// (spec §6.3: "UTF-8 JSON, ≤ 1 KiB, terminated by a line feed").
	handshakeMaxBytes = 1024

	readChunkSize  = 16 * 1024
	readTimeoutMs  = 100
	defaultPrologueMs = 16
)

// Sink is the subset of mirror.Receiver's API the transport layer needs:
// feeding reassembled RTP packets to the device's decode driver.
type Sink interface {
	FeedRTP(raw []byte) mirror.FeedResult
}

// Handshake is the capture-side identification packet sent as the first
// bytes of a bulk-IN session (spec §6.3).
type Handshake struct {
	DeviceID   string `json:"device_id"`
	Resolution string `json:"resolution"`
}

// Config configures one Receiver.
type Config struct {
	DevicePath string // usbfs node path, e.g. /dev/bus/usb/001/004
	Endpoint   byte   // bulk-IN endpoint address (without direction bit)
	RingBytes  int

	// PrologueMs is the spec's literal default policy: for this many
	// milliseconds after session start, only SPS/PPS-bearing packets are
	// forwarded (spec §4.5, §9 Open Question #1).
	PrologueMs int

	// ForwardOnIDR selects the alternate policy SPEC_FULL.md's Open
	// Question resolution names: forward nothing until SPS+PPS+IDR have
	// all been observed, then flush, instead of a fixed wall-clock window.
	ForwardOnIDR bool
}

// Receiver owns one bulk-transport session.
type Receiver struct {
	cfg      Config
	bus      *eventbus.Bus
	lookup   func(deviceID string) (Sink, bool)

	stopCh chan struct{}
	doneCh chan struct{}

	bytesRecv uint64
}

// New returns a Receiver. lookup resolves a handshake's device_id to the
// MirrorReceiver that should consume its RTP packets.
func New(bus *eventbus.Bus, cfg Config, lookup func(string) (Sink, bool)) *Receiver {
	if cfg.PrologueMs <= 0 {
		cfg.PrologueMs = defaultPrologueMs
	}
	if cfg.RingBytes <= 0 {
		cfg.RingBytes = ring.DefaultCapacity
	}
	return &Receiver{
		cfg:    cfg,
		bus:    bus,
		lookup: lookup,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// BytesReceived returns the cumulative number of bytes read from the bulk
// endpoint; bandwidth sampling diffs successive calls.
func (r *Receiver) BytesReceived() uint64 { return r.bytesRecv }

// Run drives the reconnect loop until Stop is called.
func (r *Receiver) Run() {
	defer close(r.doneCh)

	backoff := minBackoff
	for {
		select {
		case <-r.stopCh:
			return
		default:
		}

		deviceID, err := r.runSession()
		if err != nil {
			log.Warn("usb session error: %v", err)
		}
		if deviceID != "" {
			eventbus.Publish(r.bus, eventbus.TransportDownEvent{DeviceID: deviceID, Transport: eventbus.TransportUSB, Err: err})
		}

		select {
		case <-r.stopCh:
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// runSession opens one bulk-transport session end to end: handshake,
// identify the device, then frame and route RTP packets until an I/O error
// or Stop. Returns the identified device_id (if any) so the caller can
// publish TransportDownEvent against the right Device.
func (r *Receiver) runSession() (deviceID string, err error) {
	dev, err := openBulkDevice(r.cfg.DevicePath, r.cfg.Endpoint)
	if err != nil {
		return "", xerrors.Errorf("usb: open session: %w", err)
	}
	defer dev.Close()

	buf := make([]byte, readChunkSize)

	hs, remainder, err := readHandshake(dev, buf)
	if err != nil {
		return "", xerrors.Errorf("usb: handshake: %w", err)
	}
	deviceID = hs.DeviceID
	log.Info("usb session started for device %s (%s)", hs.DeviceID, hs.Resolution)

	sink, ok := r.lookup(deviceID)
	if !ok {
		return deviceID, xerrors.Errorf("usb: unknown device_id %q", deviceID)
	}
	eventbus.Publish(r.bus, eventbus.TransportUpEvent{DeviceID: deviceID, Transport: eventbus.TransportUSB})

	rb := ring.New(r.cfg.RingBytes)
	if len(remainder) > 0 {
		rb.Write(remainder)
	}
	framer := vid0.New(rb)

	sessionStart := time.Now()
	prologueDeadline := sessionStart.Add(time.Duration(r.cfg.PrologueMs) * time.Millisecond)
	forwardOnIDRDeadline := sessionStart.Add(time.Duration(r.cfg.PrologueMs) * 32 * time.Millisecond)
	sawSPS, sawPPS, sawIDR := false, false, false

	for {
		select {
		case <-r.stopCh:
			return deviceID, nil
		default:
		}

		n, rerr := dev.Read(buf, readTimeoutMs)
		if rerr != nil {
			return deviceID, xerrors.Errorf("usb: bulk read: %w", rerr)
		}
		if n > 0 {
			r.bytesRecv += uint64(n)
			rb.Write(buf[:n])
		}

		for {
			payload, ok, ferr := framer.Next()
			if ferr != nil {
				eventbus.Publish(r.bus, eventbus.StreamResetEvent{DeviceID: deviceID})
				break
			}
			if !ok {
				break
			}

			inProlog := r.cfg.ForwardOnIDR && time.Now().Before(forwardOnIDRDeadline) ||
				!r.cfg.ForwardOnIDR && time.Now().Before(prologueDeadline)
			if inProlog && (!r.cfg.ForwardOnIDR || !(sawSPS && sawPPS && sawIDR)) {
				kind := classify(payload)
				sawSPS = sawSPS || kind == nalSPS
				sawPPS = sawPPS || kind == nalPPS
				sawIDR = sawIDR || kind == nalIDR
				if !r.cfg.ForwardOnIDR && kind != nalSPS && kind != nalPPS {
					continue // fixed-window policy: drop everything but params
				}
				if r.cfg.ForwardOnIDR && !(sawSPS && sawPPS) {
					continue // forward-on-idr policy: wait for both params first
				}
			}

			sink.FeedRTP(payload)
		}
	}
}

type nalKind int

const (
	nalOther nalKind = iota
	nalSPS
	nalPPS
	nalIDR
)

// classify inspects an RTP-framed H.264 payload's leading NAL type to
// decide whether it is a parameter set, an IDR, or ordinary media, for the
// USB-prologue filtering policies (spec §4.5, §9 Open Question #1). STAP-A
// aggregates are treated as parameter-set-bearing, since devices place
// SPS/PPS into the first aggregation packet of a session.
func classify(raw []byte) nalKind {
	_, payload, err := rtp.Parse(raw)
	if err != nil || len(payload) == 0 {
		return nalOther
	}
	t := payload[0] & 0x1f
	switch t {
	case 7:
		return nalSPS
	case 8:
		return nalPPS
	case 5:
		return nalIDR
	case 24: // STAP-A
		return nalSPS
	default:
		return nalOther
	}
}

// readHandshake reads from dev in small chunks until a line-feed-terminated
// JSON handshake has been accumulated, returning it along with any bytes
// read past the newline (which belong to the VID0 stream proper).
func readHandshake(dev *bulkDevice, scratch []byte) (Handshake, []byte, error) {
	var acc []byte
	for len(acc) < handshakeMaxBytes {
		n, err := dev.Read(scratch[:256], readTimeoutMs)
		if err != nil {
			return Handshake{}, nil, err
		}
		if n == 0 {
			continue
		}
		acc = append(acc, scratch[:n]...)
		if idx := bytes.IndexByte(acc, '\n'); idx >= 0 {
			var hs Handshake
			if err := json.Unmarshal(bytes.TrimSpace(acc[:idx]), &hs); err != nil {
				return Handshake{}, nil, xerrors.Errorf("usb: malformed handshake: %w", err)
			}
			if hs.DeviceID == "" {
				return Handshake{}, nil, xerrors.New("usb: handshake missing device_id")
			}
			return hs, acc[idx+1:], nil
		}
	}
	return Handshake{}, nil, xerrors.New("usb: handshake exceeded 1KiB without newline")
}

// Stop halts the reconnect loop and closes the active session (if any) on
// its next read-timeout boundary.
func (r *Receiver) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

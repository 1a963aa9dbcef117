// Package udp implements UdpReceiver: one UDP socket per Device slot,
// receiving raw (unframed) RTP packets directly. See spec §4.7.
package udp

import (
	"net"
	"time"

	"golang.org/x/xerrors"

	"github.com/lanikai/mirrorhub/internal/eventbus"
	"github.com/lanikai/mirrorhub/internal/logging"
	"github.com/lanikai/mirrorhub/internal/mirror"
)

var log = logging.DefaultLogger.WithTag("udp")

// RecvBufferBytes sizes the socket receive buffer (spec §4.7: "4 MiB").
const RecvBufferBytes = 4 << 20

// idleTimeout bounds each ReadFrom call so the loop can observe Stop and
// update liveness stats regularly (spec §4.7: "recv timeout 10ms").
const idleTimeout = 10 * time.Millisecond

const maxDatagram = 65535

// Sink is the per-Device RTP consumer this slot's socket feeds.
type Sink interface {
	FeedRTP(raw []byte) mirror.FeedResult
}

// Receiver owns one UDP socket for one Device slot.
type Receiver struct {
	deviceID string
	addr     string
	bus      *eventbus.Bus
	sink     Sink

	conn *net.UDPConn

	bytesRecv    uint64
	lastRecv     time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// New returns a Receiver bound to addr (host:port, normally
// 0.0.0.0:base_port+slot).
func New(bus *eventbus.Bus, deviceID, addr string, sink Sink) *Receiver {
	return &Receiver{
		deviceID: deviceID,
		addr:     addr,
		bus:      bus,
		sink:     sink,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (r *Receiver) BytesReceived() uint64 { return r.bytesRecv }

// Alive reports whether a datagram has been observed within the last 2s,
// per spec §3's bandwidth-sample "alive" flag.
func (r *Receiver) Alive() bool {
	return !r.lastRecv.IsZero() && time.Since(r.lastRecv) < 2*time.Second
}

// Run opens the socket and receives datagrams, routing each directly to the
// Device's MirrorReceiver, until Stop is called.
func (r *Receiver) Run() error {
	defer close(r.doneCh)

	udpAddr, err := net.ResolveUDPAddr("udp", r.addr)
	if err != nil {
		return xerrors.Errorf("udp: resolve %s: %w", r.addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return xerrors.Errorf("udp: listen %s: %w", r.addr, err)
	}
	r.conn = conn
	defer conn.Close()

	if err := conn.SetReadBuffer(RecvBufferBytes); err != nil {
		log.Warn("udp: set receive buffer on %s: %v", r.addr, err)
	}

	buf := make([]byte, maxDatagram)
	wasAlive := false

	for {
		select {
		case <-r.stopCh:
			return nil
		default:
		}

		conn.SetReadDeadline(time.Now().Add(idleTimeout))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if wasAlive && !r.Alive() {
					wasAlive = false
					eventbus.Publish(r.bus, eventbus.TransportDownEvent{DeviceID: r.deviceID, Transport: eventbus.TransportUDP})
				}
				continue
			}
			return xerrors.Errorf("udp: read %s: %w", r.addr, err)
		}

		r.bytesRecv += uint64(n)
		r.lastRecv = time.Now()
		if !wasAlive {
			wasAlive = true
			eventbus.Publish(r.bus, eventbus.TransportUpEvent{DeviceID: r.deviceID, Transport: eventbus.TransportUDP})
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])
		r.sink.FeedRTP(payload)
	}
}

// Stop closes the socket and waits for Run to return.
func (r *Receiver) Stop() {
	close(r.stopCh)
	if r.conn != nil {
		r.conn.Close()
	}
	<-r.doneCh
}

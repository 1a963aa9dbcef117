// Package tcp implements TcpStreamReceiver: one listener per Device slot,
// accepting a single forwarded VID0-framed stream at a time. After a
// disconnect it accepts the next connection on the same listener at once;
// only failed Accept calls are retried with exponential backoff (2 s -> 30 s).
// See spec §4.6.
package tcp

import (
	"context"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/lanikai/mirrorhub/internal/eventbus"
	"github.com/lanikai/mirrorhub/internal/logging"
	"github.com/lanikai/mirrorhub/internal/mirror"
	"github.com/lanikai/mirrorhub/internal/ring"
	"github.com/lanikai/mirrorhub/internal/vid0"
)

var log = logging.DefaultLogger.WithTag("tcp")

const (
	minBackoff = 2 * time.Second
	maxBackoff = 30 * time.Second

	readChunkSize = 16 * 1024
	readTimeout   = 100 * time.Millisecond
)

// Sink is the per-Device RTP consumer this slot's stream feeds.
type Sink interface {
	FeedRTP(raw []byte) mirror.FeedResult
}

// Receiver owns one listening socket for one Device slot.
type Receiver struct {
	deviceID string
	addr     string
	bus      *eventbus.Bus
	sink     Sink
	ringBytes int

	bytesRecv uint64

	listener net.Listener
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New returns a Receiver bound to addr (host:port, normally
// 0.0.0.0:base_port+slot). The listener itself is opened by Run, so
// construction never fails.
func New(bus *eventbus.Bus, deviceID, addr string, sink Sink, ringBytes int) *Receiver {
	if ringBytes <= 0 {
		ringBytes = ring.DefaultCapacity
	}
	return &Receiver{
		deviceID:  deviceID,
		addr:      addr,
		bus:       bus,
		sink:      sink,
		ringBytes: ringBytes,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

func (r *Receiver) BytesReceived() uint64 { return r.bytesRecv }

// Run listens on addr and, for each accepted connection, runs a VID0-framed
// read loop until the peer disconnects, then accepts the next connection on
// the same listener. It returns when Stop is called.
func (r *Receiver) Run() error {
	defer close(r.doneCh)

	// SO_REUSEADDR lets the per-slot port rebind immediately after a crash
	// or restart instead of waiting out TIME_WAIT.
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var serr error
			if err := c.Control(func(fd uintptr) {
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			}); err != nil {
				return err
			}
			return serr
		},
	}
	ln, err := lc.Listen(context.Background(), "tcp", r.addr)
	if err != nil {
		return xerrors.Errorf("tcp: listen %s: %w", r.addr, err)
	}
	r.listener = ln
	defer ln.Close()

	backoff := minBackoff
	for {
		select {
		case <-r.stopCh:
			return nil
		default:
		}

		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-r.stopCh:
				return nil
			default:
			}
			log.Warn("tcp: accept on %s: %v", r.addr, err)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = minBackoff

		eventbus.Publish(r.bus, eventbus.TransportUpEvent{DeviceID: r.deviceID, Transport: eventbus.TransportTCP})
		r.serve(conn)
		eventbus.Publish(r.bus, eventbus.TransportDownEvent{DeviceID: r.deviceID, Transport: eventbus.TransportTCP})
	}
}

// serve runs the VID0 read loop for one accepted connection until it
// disconnects or an I/O error occurs.
func (r *Receiver) serve(conn net.Conn) {
	defer conn.Close()

	rb := ring.New(r.ringBytes)
	framer := vid0.New(rb)
	buf := make([]byte, readChunkSize)

	for {
		select {
		case <-r.stopCh:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, err := conn.Read(buf)
		if n > 0 {
			r.bytesRecv += uint64(n)
			rb.Write(buf[:n])
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			log.Info("tcp: connection from %s closed: %v", conn.RemoteAddr(), err)
			return
		}

		for {
			payload, ok, ferr := framer.Next()
			if ferr != nil {
				eventbus.Publish(r.bus, eventbus.StreamResetEvent{DeviceID: r.deviceID})
				break
			}
			if !ok {
				break
			}
			r.sink.FeedRTP(payload)
		}
	}
}

// Stop closes the listener and any in-flight connection loop, and waits for
// Run to return.
func (r *Receiver) Stop() {
	close(r.stopCh)
	if r.listener != nil {
		r.listener.Close()
	}
	<-r.doneCh
}

// Package fanout implements FrameFanout: the decoded-frame distribution
// point between per-Device decode workers and the two kinds of consumer a
// mirrored frame ever has, an exclusive GPU-upload consumer pinned to one
// thread and zero or more background (vision/OCR) consumers. Adapted from
// the teacher's media.Flow publish/subscribe discipline.
package fanout

import (
	"sync"

	"github.com/lanikai/mirrorhub/internal/decoder"
	"github.com/lanikai/mirrorhub/internal/logging"
)

var log = logging.DefaultLogger.WithTag("fanout")

// MainQueueCapacity is the bounded, drop-oldest-per-device queue the main
// thread drains each tick (spec §4.11).
const MainQueueCapacity = 30

// Frame is one fanned-out decoded picture, tagged with the device it came
// from and whether it is a synthetic test-pattern frame rather than a real
// decode (spec §7 Open Question: test-pattern opt-in).
type Frame struct {
	DeviceID      string
	Decoded       *decoder.Frame
	IsTestPattern bool
}

// Fanout owns the subscription tables for one pipeline. There is exactly
// one Fanout per running Pipeline.
type Fanout struct {
	mu sync.Mutex

	mainCap      int
	main         []Frame // bounded deque, oldest first
	mainSignal   chan struct{}
	mainAttached bool

	background []*backgroundSub
}

type backgroundSub struct {
	id                 uint64
	ch                 chan Frame
	includeTestPattern bool
}

// New returns an empty Fanout whose main queue holds at most mainCapacity
// frames (values <= 0 select MainQueueCapacity). The queue is allocated up
// front since exactly one main consumer is expected for the lifetime of the
// pipeline.
func New(mainCapacity int) *Fanout {
	if mainCapacity <= 0 {
		mainCapacity = MainQueueCapacity
	}
	return &Fanout{
		mainCap:    mainCapacity,
		main:       make([]Frame, 0, mainCapacity),
		mainSignal: make(chan struct{}, 1),
	}
}

// Publish fans a decoded frame out to the main queue (drop-oldest-per-device
// on overflow) and to every background subscriber that wants this frame
// (drop-newest, i.e. skip, on overflow — background consumers are advisory
// and must never apply backpressure to the decode worker).
func (f *Fanout) Publish(frame Frame) {
	f.mu.Lock()
	f.offerMain(frame)
	background := append([]*backgroundSub(nil), f.background...)
	f.mu.Unlock()

	select {
	case f.mainSignal <- struct{}{}:
	default:
	}

	for _, s := range background {
		if frame.IsTestPattern && !s.includeTestPattern {
			continue
		}
		select {
		case s.ch <- frame:
		default:
			log.Warn("fanout: background subscriber %d missed a frame", s.id)
		}
	}
}

// offerMain appends to the main deque, dropping the oldest queued frame for
// the same device (or, failing that, the oldest frame overall) once the
// queue is full. Must be called with f.mu held.
func (f *Fanout) offerMain(frame Frame) {
	if len(f.main) < f.mainCap {
		f.main = append(f.main, frame)
		return
	}

	for i, pending := range f.main {
		if pending.DeviceID == frame.DeviceID {
			copy(f.main[i:], f.main[i+1:])
			f.main[len(f.main)-1] = frame
			return
		}
	}

	copy(f.main, f.main[1:])
	f.main[len(f.main)-1] = frame
}

// AttachMainConsumer marks the fanout as having a main consumer and returns
// a function the caller's own main loop must call once per tick from the
// thread that called AttachMainConsumer (spec property 7: the main
// consumer is invoked only on the thread that attached it). Drain returns
// the frames queued since the last call, oldest first; it never blocks.
func (f *Fanout) AttachMainConsumer() (drain func() []Frame, ready <-chan struct{}) {
	f.mu.Lock()
	f.mainAttached = true
	f.mu.Unlock()

	drain = func() []Frame {
		f.mu.Lock()
		defer f.mu.Unlock()
		if len(f.main) == 0 {
			return nil
		}
		out := f.main
		f.main = make([]Frame, 0, f.mainCap)
		return out
	}
	return drain, f.mainSignal
}

// Subscribe adds a background consumer. includeTestPattern controls whether
// synthetic test-pattern frames (published while a Device has no live
// decode) are delivered to this subscriber.
func (f *Fanout) Subscribe(capacity int, includeTestPattern bool) *Handle {
	if capacity <= 0 {
		capacity = 1
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	s := &backgroundSub{
		ch:                 make(chan Frame, capacity),
		includeTestPattern: includeTestPattern,
	}
	f.background = append(f.background, s)
	return &Handle{fanout: f, sub: s}
}

func (f *Fanout) removeBackground(sub *backgroundSub) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, s := range f.background {
		if s == sub {
			n := len(f.background)
			copy(f.background[i:], f.background[i+1:])
			f.background[n-1] = nil
			f.background = f.background[:n-1]
			close(s.ch)
			break
		}
	}
}

// Handle is an RAII-style subscription: Close unsubscribes and drains.
type Handle struct {
	fanout *Fanout
	sub    *backgroundSub
	once   sync.Once
}

// Frames returns the channel this background consumer should range over.
func (h *Handle) Frames() <-chan Frame { return h.sub.ch }

// Close unsubscribes. Idempotent.
func (h *Handle) Close() {
	h.once.Do(func() {
		h.fanout.removeBackground(h.sub)
	})
}

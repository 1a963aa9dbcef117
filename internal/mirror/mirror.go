// Package mirror implements MirrorReceiver: the per-Device orchestrator
// tying one RtpDepacketizer, one H264Decoder, a bounded NAL work queue, and
// a single-buffered current-frame slot together behind an ingest/decode
// worker split. See spec §4.8.
package mirror

import (
	"sync"
	"time"

	"github.com/lanikai/mirrorhub/internal/decoder"
	"github.com/lanikai/mirrorhub/internal/eventbus"
	"github.com/lanikai/mirrorhub/internal/fanout"
	"github.com/lanikai/mirrorhub/internal/h264"
	"github.com/lanikai/mirrorhub/internal/logging"
	"github.com/lanikai/mirrorhub/internal/rtpdepacket"
)

var log = logging.DefaultLogger.WithTag("mirror")

// NalQueueCapacity is the bounded FIFO depth spec §3 requires ("NAL work
// queue ... bounded, size 128").
const NalQueueCapacity = 128

// keyframeRequestDebounce bounds how often request_keyframe actually
// publishes (spec §4.8: "idempotent within 500 ms").
const keyframeRequestDebounce = 500 * time.Millisecond

// noSignalTimeout is how long a Device may go without a real decoded frame
// before the test pattern kicks in (spec §4.8: "no real frames ... for 1s").
const noSignalTimeout = time.Second

// testPatternInterval is the test pattern's frame rate (spec: "2 fps").
const testPatternInterval = 500 * time.Millisecond

// decodeWatchdog is the per-NAL decode budget; exceeding it resets the
// decoder (spec §5: "decode > 200ms triggers a reset").
const decodeWatchdog = 200 * time.Millisecond

// FeedResult is the outcome of one feed_rtp call (spec §4.8).
type FeedResult int

const (
	Accepted FeedResult = iota
	DroppedOverflow
	RejectedInvalid
)

// Frame is a snapshot handed to a caller of GetLatestFrame.
type Frame struct {
	Width, Height int
	RGBA          []byte
	PTSUs         int64
	FrameID       uint64
	IsTestPattern bool
}

type frameSlot struct {
	mu      sync.Mutex
	frame   Frame
	hasNew  bool
	hasAny  bool
}

// Receiver is the per-Device decode driver.
type Receiver struct {
	deviceID string
	bus      *eventbus.Bus
	fanout   *fanout.Fanout
	queueCap int

	depacket *rtpdepacket.Depacketizer
	dec      *decoder.Decoder

	queueMu sync.Mutex
	queue   []rtpdepacket.Nal
	signal  chan struct{}

	slot frameSlot

	nextFrameID uint64

	nalDrops     uint64
	rejectedRTP  uint64

	lastKeyframeRequest time.Time
	kfMu                sync.Mutex

	lastRealFrame time.Time
	rfMu          sync.Mutex

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// New returns a Receiver for one Device whose NAL work queue holds at most
// queueCapacity entries (values <= 0 select NalQueueCapacity). Call Run in
// its own goroutine (the "decode worker" thread of spec §5) and Stop to
// tear it down.
func New(bus *eventbus.Bus, fo *fanout.Fanout, deviceID string, queueCapacity int) *Receiver {
	if queueCapacity <= 0 {
		queueCapacity = NalQueueCapacity
	}
	return &Receiver{
		deviceID: deviceID,
		bus:      bus,
		fanout:   fo,
		queueCap: queueCapacity,
		depacket: rtpdepacket.New(),
		dec:      decoder.New(),
		signal:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// FeedRTP is the ingest-side entry point: it depacketizes one raw RTP
// packet and enqueues the NALs it yields. Non-blocking.
func (r *Receiver) FeedRTP(raw []byte) FeedResult {
	res, err := r.depacket.Feed(raw)
	if err != nil {
		r.rejectedRTP++
		return RejectedInvalid
	}

	if res.StreamReset {
		eventbus.Publish(r.bus, eventbus.StreamResetEvent{DeviceID: r.deviceID})
	}
	if res.KeyframeRequested {
		r.RequestKeyframe()
	}

	dropped := false
	for _, nal := range res.Nals {
		if r.enqueue(nal) {
			dropped = true
		}
	}

	if dropped {
		return DroppedOverflow
	}
	return Accepted
}

// enqueue appends nal to the work queue, dropping the oldest entry if full
// (spec §4.8, property 10: "the NAL dropped is the oldest"). Returns true
// if a drop occurred.
func (r *Receiver) enqueue(nal rtpdepacket.Nal) bool {
	r.queueMu.Lock()
	dropped := false
	if len(r.queue) >= r.queueCap {
		copy(r.queue, r.queue[1:])
		r.queue = r.queue[:len(r.queue)-1]
		r.nalDrops++
		dropped = true
	}
	r.queue = append(r.queue, nal)
	r.queueMu.Unlock()

	select {
	case r.signal <- struct{}{}:
	default:
	}
	return dropped
}

// drainQueue pops every NAL currently queued (spec §4.8: "wait up to 2ms,
// then batch-drain").
func (r *Receiver) drainQueue() []rtpdepacket.Nal {
	r.queueMu.Lock()
	defer r.queueMu.Unlock()
	if len(r.queue) == 0 {
		return nil
	}
	out := r.queue
	r.queue = nil
	return out
}

// QueueDepth reports the number of NALs currently queued awaiting decode.
func (r *Receiver) QueueDepth() int {
	r.queueMu.Lock()
	defer r.queueMu.Unlock()
	return len(r.queue)
}

// NalDrops reports the lifetime count of oldest-NAL overflow drops.
func (r *Receiver) NalDrops() uint64 { return r.nalDrops }

// RequestKeyframe publishes KeyframeRequestedEvent, debounced to at most
// once per 500ms (spec §4.8).
func (r *Receiver) RequestKeyframe() {
	r.kfMu.Lock()
	defer r.kfMu.Unlock()
	now := time.Now()
	if now.Sub(r.lastKeyframeRequest) < keyframeRequestDebounce {
		return
	}
	r.lastKeyframeRequest = now
	eventbus.Publish(r.bus, eventbus.KeyframeRequestedEvent{DeviceID: r.deviceID, Reason: "decode"})
}

// GetLatestFrame returns the most recent frame written to the current-frame
// slot and clears the new-frame flag (spec §3: "clears the 'new' flag").
func (r *Receiver) GetLatestFrame() (Frame, bool) {
	r.slot.mu.Lock()
	defer r.slot.mu.Unlock()
	if !r.slot.hasAny {
		return Frame{}, false
	}
	r.slot.hasNew = false
	return r.slot.frame, true
}

// writeFrame overwrites the current-frame slot (spec §3: "writers overwrite
// freely") and fans the frame out. frame_id is monotonic across both real
// and test-pattern frames written through this path.
func (r *Receiver) writeFrame(width, height int, rgba []byte, ptsUs int64, isTestPattern bool) {
	r.nextFrameID++
	f := Frame{
		Width:         width,
		Height:        height,
		RGBA:          rgba,
		PTSUs:         ptsUs,
		FrameID:       r.nextFrameID,
		IsTestPattern: isTestPattern,
	}

	r.slot.mu.Lock()
	r.slot.frame = f
	r.slot.hasNew = true
	r.slot.hasAny = true
	r.slot.mu.Unlock()

	if !isTestPattern {
		r.rfMu.Lock()
		r.lastRealFrame = time.Now()
		r.rfMu.Unlock()
	}

	r.fanout.Publish(fanout.Frame{
		DeviceID: r.deviceID,
		Decoded: &decoder.Frame{
			Width: width, Height: height, RGBA: rgba, PTSUs: ptsUs,
		},
		IsTestPattern: isTestPattern,
	})
	eventbus.Publish(r.bus, eventbus.FrameReadyEvent{
		DeviceID: r.deviceID, Width: width, Height: height, RGBA: rgba,
		FrameID: f.FrameID, PTSUs: ptsUs, IsTestPattern: isTestPattern,
	})
}

// Run drives the decode worker loop: waits on the NAL queue (2ms then
// batch-drain), feeds NALs to the decoder, polls decoded frames, and emits
// a test-pattern frame when no real video has arrived recently. It returns
// when Stop is called.
func (r *Receiver) Run() {
	defer close(r.doneCh)

	testTicker := time.NewTicker(testPatternInterval)
	defer testTicker.Stop()

	r.rfMu.Lock()
	r.lastRealFrame = time.Now()
	r.rfMu.Unlock()

	pollTicker := time.NewTicker(2 * time.Millisecond)
	defer pollTicker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-testTicker.C:
			r.rfMu.Lock()
			since := time.Since(r.lastRealFrame)
			r.rfMu.Unlock()
			if since >= noSignalTimeout {
				r.emitTestPattern()
			}
		case <-r.signal:
			r.processAvailable()
		case <-pollTicker.C:
			r.processAvailable()
		}
	}
}

func (r *Receiver) processAvailable() {
	nals := r.drainQueue()
	for _, nal := range nals {
		r.processNAL(nal)
	}
}

func (r *Receiver) processNAL(nal rtpdepacket.Nal) {
	start := time.Now()
	ptsUs := int64(nal.PTS90k) * 1_000_000 / 90_000

	if err := r.dec.PushNAL(h264.NALU(nal.Data), ptsUs); err != nil {
		log.Warn("device %s decoder push failed: %v", r.deviceID, err)
	}

	frame, requestKeyframe, err := r.dec.Poll()
	if err != nil {
		log.Warn("device %s decoder poll failed: %v", r.deviceID, err)
	}
	if requestKeyframe {
		r.RequestKeyframe()
	}
	if frame != nil {
		r.writeFrame(frame.Width, frame.Height, frame.RGBA, frame.PTSUs, false)
	}

	if elapsed := time.Since(start); elapsed > decodeWatchdog {
		log.Warn("device %s decode exceeded watchdog (%s), resetting", r.deviceID, elapsed)
		if err := r.dec.Reset(); err != nil {
			log.Warn("device %s decoder reset failed: %v", r.deviceID, err)
		}
	}
}

// Test-pattern (color bars) dimensions: the "no signal" pattern is always
// rendered at this fixed placeholder size, whatever dimensions the decoder
// has seen in an SPS.
const (
	testPatternWidth  = 320
	testPatternHeight = 240
)

var colorBarPalette = [][3]byte{
	{235, 235, 235}, // white
	{235, 235, 16},  // yellow
	{16, 235, 235},  // cyan
	{16, 235, 16},   // green
	{235, 16, 235},  // magenta
	{235, 16, 16},   // red
	{16, 16, 235},   // blue
}

func (r *Receiver) emitTestPattern() {
	width, height := testPatternWidth, testPatternHeight
	rgba := generateColorBars(width, height, r.nextFrameID)
	r.writeFrame(width, height, rgba, time.Now().UnixMicro(), true)
}

// generateColorBars renders a classic vertical color-bar test pattern.
// phase animates a thin scan line so consecutive test-pattern frames are
// visibly distinct (spec: "animated test pattern").
func generateColorBars(width, height int, phase uint64) []byte {
	out := make([]byte, width*height*4)
	barWidth := width / len(colorBarPalette)
	if barWidth == 0 {
		barWidth = 1
	}
	scanY := int(phase%uint64(height)) % height

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			bar := x / barWidth
			if bar >= len(colorBarPalette) {
				bar = len(colorBarPalette) - 1
			}
			c := colorBarPalette[bar]
			o := (y*width + x) * 4
			if y == scanY {
				out[o+0], out[o+1], out[o+2] = 0xff, 0xff, 0xff
			} else {
				out[o+0], out[o+1], out[o+2] = c[0], c[1], c[2]
			}
			out[o+3] = 0xff
		}
	}
	return out
}

// Stop halts the decode worker and releases the decoder. Idempotent.
func (r *Receiver) Stop() {
	r.once.Do(func() {
		close(r.stopCh)
		<-r.doneCh
		if err := r.dec.Close(); err != nil {
			log.Warn("device %s decoder close: %v", r.deviceID, err)
		}
	})
}

// DroppedBeforeParams exposes the decoder's parameter-set-missing drop
// counter.
func (r *Receiver) DroppedBeforeParams() uint64 { return r.dec.DroppedBeforeParams() }

// CorruptStreak exposes the decoder's consecutive-corrupt-decode streak for
// HybridRouter's down-vote input and StatsTickEvent.
func (r *Receiver) CorruptStreak() int { return r.dec.CorruptStreak() }

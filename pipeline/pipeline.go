// Package pipeline wires RingBuffer, Vid0Framer, RtpDepacketizer,
// H264Decoder, the three transport receivers, MirrorReceiver, HybridRouter,
// FpsController, FrameFanout, DeviceRegistry, and EventBus into one running
// context, replacing the teacher's global-singleton style with an explicit
// owned-context object (spec §9, first Design Note).
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/xerrors"

	"github.com/lanikai/mirrorhub/internal/config"
	"github.com/lanikai/mirrorhub/internal/eventbus"
	"github.com/lanikai/mirrorhub/internal/fanout"
	"github.com/lanikai/mirrorhub/internal/fps"
	"github.com/lanikai/mirrorhub/internal/logging"
	"github.com/lanikai/mirrorhub/internal/mirror"
	"github.com/lanikai/mirrorhub/internal/registry"
	"github.com/lanikai/mirrorhub/internal/router"
	"github.com/lanikai/mirrorhub/internal/transport/tcp"
	"github.com/lanikai/mirrorhub/internal/transport/udp"
	"github.com/lanikai/mirrorhub/internal/transport/usb"
)

var log = logging.DefaultLogger.WithTag("pipeline")

// routerEvalInterval and statsTickInterval match spec §4.9 ("evaluated
// every 100ms") and §4.13's 1Hz StatsTickEvent.
const (
	routerEvalInterval = 100 * time.Millisecond
	statsTickInterval  = time.Second
)

// Pipeline is the single owning context for one running mirroring session.
// The GUI/vision/command-sender collaborators hold a *Pipeline; a Pipeline
// never holds a reference back to them (spec §9: "the GUI holds the
// pipeline, never the reverse").
type Pipeline struct {
	cfg      config.Config
	Bus      *eventbus.Bus
	Registry *registry.Registry
	Fanout   *fanout.Fanout

	mu      sync.Mutex
	devices map[string]*deviceState

	usbSessions []*usb.Receiver

	stopStats chan struct{}
	statsDone chan struct{}

	shutdownOnce sync.Once
}

type deviceState struct {
	device *registry.Device
	mirror *mirror.Receiver
	router *router.Router
	fps    *fps.Controller

	tcpRecv *tcp.Receiver
	udpRecv *udp.Receiver
	usbRecv *usb.Receiver

	usbBW bandwidthSampler
	tcpBW bandwidthSampler
	udpBW bandwidthSampler
}

// New returns a Pipeline configured by cfg, with no devices registered yet.
func New(cfg config.Config) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		Bus:       eventbus.New(),
		Registry:  registry.New(cfg.MaxSlots),
		Fanout:    fanout.New(int(cfg.PendingUploadCap)),
		devices:   make(map[string]*deviceState),
		stopStats: make(chan struct{}),
		statsDone: make(chan struct{}),
	}
}

// Start launches the stats/router thread (spec §5: "one stats/router
// thread: wakes every 100ms"). It is the only operation in this core
// documented as fatal-to-caller (spec §7), though nothing in the current
// implementation allocates a resource that can fail at this stage; the
// typed error return is kept so a future listener pre-binding pass has
// somewhere to report port collisions.
func (p *Pipeline) Start() error {
	go p.statsRouterLoop()
	return nil
}

// EnsureDevice registers fingerprint with the DeviceRegistry if it is new,
// lazily creating its MirrorReceiver, HybridRouter, FpsController, and
// per-slot TCP/UDP listeners. It is idempotent: calling it again for an
// already-known fingerprint just returns the existing Device.
func (p *Pipeline) EnsureDevice(fingerprint string) (*registry.Device, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	dev, err := p.Registry.RegisterByFingerprint(fingerprint)
	if err != nil {
		return nil, xerrors.Errorf("pipeline: register device: %w", err)
	}

	if _, ok := p.devices[dev.DeviceID]; ok {
		return dev, nil
	}

	st := &deviceState{
		device: dev,
		mirror: mirror.New(p.Bus, p.Fanout, dev.DeviceID, int(p.cfg.NalQueueCapacity)),
		router: router.New(p.Bus, dev.DeviceID, p.cfg.RouteCooldown()),
		fps:    fps.New(p.Bus, dev.DeviceID, p.cfg.FpsMin, p.cfg.FpsMax),
	}
	p.devices[dev.DeviceID] = st
	go st.mirror.Run()

	tcpAddr := fmt.Sprintf(":%d", int(p.cfg.VideoTCPBasePort)+dev.Slot)
	st.tcpRecv = tcp.New(p.Bus, dev.DeviceID, tcpAddr, st.mirror, p.cfg.USBRingBytes)
	go func() {
		if err := st.tcpRecv.Run(); err != nil {
			log.Warn("device %s tcp listener: %v", dev.DeviceID, err)
		}
	}()

	udpAddr := fmt.Sprintf(":%d", int(p.cfg.VideoUDPBasePort)+dev.Slot)
	st.udpRecv = udp.New(p.Bus, dev.DeviceID, udpAddr, st.mirror)
	go func() {
		if err := st.udpRecv.Run(); err != nil {
			log.Warn("device %s udp listener: %v", dev.DeviceID, err)
		}
	}()

	eventbus.Publish(p.Bus, eventbus.DeviceRegisteredEvent{DeviceID: dev.DeviceID, Slot: dev.Slot})
	log.Info("device %s registered in slot %d (tcp %s, udp %s)", dev.DeviceID, dev.Slot, tcpAddr, udpAddr)
	return dev, nil
}

// AttachUSBSession starts a UsbBulkReceiver against one AOA bulk-IN
// endpoint. Device identity for whatever session connects there is
// resolved lazily, from the session's handshake, through EnsureDevice —
// USB device enumeration itself is the external "device discovery"
// collaborator named out of scope in spec §1.
func (p *Pipeline) AttachUSBSession(devicePath string, endpoint byte) *usb.Receiver {
	var r *usb.Receiver

	// lookup resolves a USB handshake's reported device_id (treated as the
	// hardware fingerprint the registry indexes on, per spec §3's
	// "device_id, derived from a hardware fingerprint") to the
	// MirrorReceiver that should consume its RTP packets, registering the
	// device on first contact and remembering this session for bandwidth
	// sampling.
	lookup := func(fingerprint string) (usb.Sink, bool) {
		dev, err := p.EnsureDevice(fingerprint)
		if err != nil {
			log.Warn("usb handshake for %q: %v", fingerprint, err)
			return nil, false
		}
		p.mu.Lock()
		st := p.devices[dev.DeviceID]
		st.usbRecv = r
		p.mu.Unlock()
		return st.mirror, true
	}

	r = usb.New(p.Bus, usb.Config{
		DevicePath:   devicePath,
		Endpoint:     endpoint,
		RingBytes:    p.cfg.USBRingBytes,
		PrologueMs:   p.cfg.USBPrologueMs,
		ForwardOnIDR: p.cfg.USBForwardOnIDR,
	}, lookup)

	p.mu.Lock()
	p.usbSessions = append(p.usbSessions, r)
	p.mu.Unlock()

	go r.Run()
	return r
}

// GetLatestFrame answers the "query for the latest frame per device" this
// core exposes to the GUI/vision collaborators in lieu of a push-only API
// (spec §1).
func (p *Pipeline) GetLatestFrame(deviceID string) (mirror.Frame, bool) {
	p.mu.Lock()
	st, ok := p.devices[deviceID]
	p.mu.Unlock()
	if !ok {
		return mirror.Frame{}, false
	}
	return st.mirror.GetLatestFrame()
}

// AttachMainConsumer exposes FrameFanout's exclusive-main-consumer
// attachment to the GPU-upload collaborator (spec §4.11, property 7).
func (p *Pipeline) AttachMainConsumer() (drain func() []fanout.Frame, ready <-chan struct{}) {
	return p.Fanout.AttachMainConsumer()
}

// statsRouterLoop is the shared stats/router thread (spec §5): every 100ms
// it samples bandwidth, runs HybridRouter and FpsController for every
// Device, and once per second publishes StatsTickEvent.
func (p *Pipeline) statsRouterLoop() {
	defer close(p.statsDone)

	routerTicker := time.NewTicker(routerEvalInterval)
	defer routerTicker.Stop()
	statsTicker := time.NewTicker(statsTickInterval)
	defer statsTicker.Stop()

	for {
		select {
		case <-p.stopStats:
			return
		case now := <-routerTicker.C:
			p.evaluateAll(now)
		case <-statsTicker.C:
			p.publishStatsTick()
		}
	}
}

func (p *Pipeline) evaluateAll(now time.Time) {
	p.mu.Lock()
	states := make([]*deviceState, 0, len(p.devices))
	for _, st := range p.devices {
		states = append(states, st)
	}
	p.mu.Unlock()

	for _, st := range states {
		usbBw := 0.0
		if st.usbRecv != nil {
			usbBw = st.usbBW.sample(st.usbRecv.BytesReceived(), now)
		}
		tcpBw := st.tcpBW.sample(st.tcpRecv.BytesReceived(), now)
		udpBw := st.udpBW.sample(st.udpRecv.BytesReceived(), now)

		in := router.Inputs{
			UsbBwMbps:     usbBw,
			TcpBwMbps:     tcpBw,
			UdpBwMbps:     udpBw,
			QueueDepth:    st.mirror.QueueDepth(),
			CorruptStreak: st.mirror.CorruptStreak(),
			UsbUp:         st.usbRecv != nil && st.usbBW.alive(now),
			TcpUp:         st.tcpBW.alive(now),
			UdpUp:         st.udpRecv.Alive(),
			PreferUDP:     p.cfg.RouterPreferUDP,
		}
		st.router.Evaluate(now, in)

		st.fps.Evaluate(now, fps.Inputs{
			AggregateBwMbps: tcpBw + udpBw + usbBw,
			QueueSteady:     st.mirror.QueueDepth() < 64,
		})
	}
}

func (p *Pipeline) publishStatsTick() {
	p.mu.Lock()
	states := make([]*deviceState, 0, len(p.devices))
	for _, st := range p.devices {
		states = append(states, st)
	}
	p.mu.Unlock()

	for _, st := range states {
		eventbus.Publish(p.Bus, eventbus.StatsTickEvent{
			DeviceID:        st.device.DeviceID,
			UsbBwMbps:       st.usbBW.lastMbps,
			TcpBwMbps:       st.tcpBW.lastMbps,
			UdpBwMbps:       st.udpBW.lastMbps,
			Fps:             st.fps.Target(),
			QueueDepth:      st.mirror.QueueDepth(),
			CorruptCount:    st.mirror.CorruptStreak(),
			NalDrops:        st.mirror.NalDrops(),
			ActiveTransport: st.router.Current(),
		})
	}
}

// Shutdown performs an orderly pipeline teardown (spec §5): publishes
// ShutdownEvent, stops every transport, and joins decode workers with a 2s
// timeout, forcibly detaching any that does not stop in time.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.shutdownOnce.Do(func() {
		eventbus.Publish(p.Bus, eventbus.ShutdownEvent{Reason: "pipeline shutdown"})
		close(p.stopStats)
		<-p.statsDone

		p.mu.Lock()
		usbSessions := append([]*usb.Receiver(nil), p.usbSessions...)
		states := make([]*deviceState, 0, len(p.devices))
		for _, st := range p.devices {
			states = append(states, st)
		}
		p.mu.Unlock()

		for _, r := range usbSessions {
			r.Stop()
		}
		for _, st := range states {
			st.tcpRecv.Stop()
			st.udpRecv.Stop()
		}

		var wg sync.WaitGroup
		for _, st := range states {
			st := st
			wg.Add(1)
			go func() {
				defer wg.Done()
				st.mirror.Stop()
			}()
		}
		done := make(chan struct{})
		go func() { wg.Wait(); close(done) }()

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			log.Warn("pipeline: shutdown timed out waiting for decode workers")
		case <-ctx.Done():
			log.Warn("pipeline: shutdown context cancelled: %v", ctx.Err())
		}
	})
	return nil
}

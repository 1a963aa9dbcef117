// Package router implements HybridRouter: the per-Device transport
// selection state machine. See spec §4.9.
package router

import (
	"time"

	"github.com/lanikai/mirrorhub/internal/eventbus"
	"github.com/lanikai/mirrorhub/internal/logging"
)

var log = logging.DefaultLogger.WithTag("router")

const (
	// DefaultCooldown matches spec §4.9's 3s minimum between transitions;
	// the configured route_cooldown_ms overrides it via New.
	DefaultCooldown = 3 * time.Second

	usbUpBwMbps     = 3.0
	usbDownBwMbps   = 1.0
	usbMaxQueueUp   = 64
	usbMaxQueueDown = 96

	improvementFactor = 1.5
)

// Inputs is one Device's observed state for one policy evaluation (spec
// §4.9: "Inputs (all per Device)").
type Inputs struct {
	UsbBwMbps, TcpBwMbps, UdpBwMbps float64
	QueueDepth                      int
	CorruptStreak                   int
	UsbUp, TcpUp, UdpUp             bool

	// PreferUDP resolves the spec's UDP-vs-TCP Open Question: when both
	// TCP and UDP are alive, prefer UDP instead of the spec's TCP-first
	// default. See SPEC_FULL.md §7.
	PreferUDP bool
}

// durationTracker records how long a boolean condition has held
// continuously, used for the "sustained 1s"/"sustained 500ms" down-vote
// thresholds.
type durationTracker struct {
	since time.Time
	held  bool
}

func (d *durationTracker) update(now time.Time, condition bool) time.Duration {
	if !condition {
		d.held = false
		return 0
	}
	if !d.held {
		d.held = true
		d.since = now
	}
	return now.Sub(d.since)
}

// Router runs the policy for one Device.
type Router struct {
	bus      *eventbus.Bus
	deviceID string
	cooldown time.Duration

	current        eventbus.Transport
	lastTransition time.Time

	// bwAtTransition records the bandwidth seen at the previous
	// transition, for the anti-oscillation "strict improvement" check.
	bwAtTransition float64

	lowBw    durationTracker
	highQueue durationTracker
}

// New returns a Router for one Device, starting with no active route.
// cooldown is the minimum interval between transitions (values <= 0 select
// DefaultCooldown).
func New(bus *eventbus.Bus, deviceID string, cooldown time.Duration) *Router {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Router{bus: bus, deviceID: deviceID, cooldown: cooldown, current: eventbus.TransportNone}
}

// Evaluate runs one policy pass (spec: "evaluated every 100ms"). The
// caller is expected to call this on a 100ms ticker from the shared
// stats/router thread.
func (r *Router) Evaluate(now time.Time, in Inputs) eventbus.Transport {
	lowBwHeld := r.lowBw.update(now, in.UsbUp && in.UsbBwMbps < usbDownBwMbps)
	highQueueHeld := r.highQueue.update(now, in.QueueDepth > usbMaxQueueDown)

	usbDownVote := lowBwHeld >= time.Second ||
		highQueueHeld >= 500*time.Millisecond ||
		in.CorruptStreak >= 3

	usbUpVote := in.UsbUp &&
		in.UsbBwMbps >= usbUpBwMbps &&
		in.QueueDepth < usbMaxQueueUp &&
		in.CorruptStreak == 0

	next := r.current

	switch {
	case usbUpVote && !usbDownVote:
		next = eventbus.TransportUSB
	case r.current == eventbus.TransportUSB && in.UsbUp && !usbDownVote:
		// Hysteresis band: USB has lost its up-vote but earned no
		// down-vote. Hold the current route rather than re-deciding from
		// scratch, otherwise the router flaps every tick between the
		// up and down thresholds.
	case in.TcpUp && in.UdpUp:
		if in.PreferUDP {
			next = eventbus.TransportUDP
		} else {
			next = eventbus.TransportTCP
		}
	case in.TcpUp:
		next = eventbus.TransportTCP
	case in.UdpUp:
		next = eventbus.TransportUDP
	default:
		next = eventbus.TransportNone
	}

	if next == r.current {
		return r.current
	}

	// A dead current route is a forced transition: it bypasses both the
	// cooldown and the strict-improvement check (spec property 8's only
	// exception).
	forced := r.currentDown(in)

	if !forced && now.Sub(r.lastTransition) < r.cooldown {
		return r.current
	}

	if !forced && !r.strictlyBetter(next, in) {
		return r.current
	}

	log.Info("device %s route %s -> %s", r.deviceID, r.current, next)
	from := r.current
	r.current = next
	r.lastTransition = now
	r.bwAtTransition = bestBandwidth(in)

	eventbus.Publish(r.bus, eventbus.RouteChangeEvent{DeviceID: r.deviceID, From: from, To: next})
	eventbus.Publish(r.bus, eventbus.KeyframeRequestedEvent{DeviceID: r.deviceID, Reason: "route_change"})

	return next
}

// currentDown reports whether the currently selected transport has lost its
// connection. TransportNone is never "down": with no route held there is
// nothing to force away from.
func (r *Router) currentDown(in Inputs) bool {
	switch r.current {
	case eventbus.TransportUSB:
		return !in.UsbUp
	case eventbus.TransportTCP:
		return !in.TcpUp
	case eventbus.TransportUDP:
		return !in.UdpUp
	default:
		return false
	}
}

// strictlyBetter enforces the anti-oscillation rule: after a transition,
// require either ≥1.5x bandwidth over the previous transition's bandwidth,
// or elimination of the fault (corruption/queue depth) that triggered it.
func (r *Router) strictlyBetter(next eventbus.Transport, in Inputs) bool {
	if r.lastTransition.IsZero() {
		return true
	}
	if bestBandwidth(in) >= r.bwAtTransition*improvementFactor {
		return true
	}
	if in.CorruptStreak == 0 && in.QueueDepth < usbMaxQueueUp {
		return true
	}
	return false
}

func bestBandwidth(in Inputs) float64 {
	max := in.UsbBwMbps
	if in.TcpBwMbps > max {
		max = in.TcpBwMbps
	}
	if in.UdpBwMbps > max {
		max = in.UdpBwMbps
	}
	return max
}

// Current returns the transport currently selected for this Device.
func (r *Router) Current() eventbus.Transport { return r.current }

// Package fps implements FpsController: the per-Device bandwidth/queue
// driven target-FPS state machine. See spec §4.10.
package fps

import (
	"time"

	"github.com/lanikai/mirrorhub/internal/eventbus"
	"github.com/lanikai/mirrorhub/internal/logging"
)

var log = logging.DefaultLogger.WithTag("fps")

const (
	// DefaultFPS is the starting/fallback target (spec §4.10: "Default 30
	// fps").
	DefaultFPS = 30

	minStepInterval = 500 * time.Millisecond
	maxStepSize     = 10

	highBandwidthMbps = 6.0
	lowBandwidthMbps  = 2.0
	starvedMbps       = 1.0

	sustainWindow = time.Second
)

// Controller tracks one Device's target FPS.
type Controller struct {
	bus      *eventbus.Bus
	deviceID string

	min, max int

	target       int
	lastStepTime time.Time

	lowHeld     durationTracker
	starveHeld  durationTracker
	highHeld    durationTracker
}

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

// New returns a Controller for one Device, starting at DefaultFPS (clamped
// to [min, max]).
func New(bus *eventbus.Bus, deviceID string, min, max int) *Controller {
	target := DefaultFPS
	if target < min {
		target = min
	}
	if target > max {
		target = max
	}
	return &Controller{bus: bus, deviceID: deviceID, min: min, max: max, target: target}
}

// Inputs is one Device's observed bandwidth/queue state for one evaluation.
type Inputs struct {
	// AggregateBwMbps is the sum of bandwidth across all currently-active
	// transports for this Device (spec §4.10: "aggregate available
	// bandwidth across active transports").
	AggregateBwMbps float64
	QueueSteady     bool
}

// Evaluate runs one policy pass and returns the (possibly unchanged) target
// FPS, publishing a ConfigRequestEvent whenever it changes.
func (c *Controller) Evaluate(now time.Time, in Inputs) int {
	lowHeld := c.lowHeld.update(now, in.AggregateBwMbps < lowBandwidthMbps)
	starveHeld := c.starveHeld.update(now, in.AggregateBwMbps < starvedMbps)
	highHeld := c.highHeld.update(now, in.AggregateBwMbps >= highBandwidthMbps && in.QueueSteady)

	desired := c.target
	switch {
	case starveHeld >= sustainWindow:
		desired = 10
	case lowHeld >= sustainWindow:
		desired = 15
	case highHeld >= sustainWindow:
		desired = 60
	default:
		// No sustained condition met: hold the current target rather than
		// snapping back to the default, so a brief dip doesn't thrash fps.
		desired = c.target
	}

	if desired < c.min {
		desired = c.min
	}
	if desired > c.max {
		desired = c.max
	}

	if desired == c.target {
		return c.target
	}

	if now.Sub(c.lastStepTime) < minStepInterval {
		return c.target
	}

	// Monotonic smoothing: step-ups move at most maxStepSize per
	// minStepInterval window; step-downs go straight to the desired target.
	next := c.target
	if desired > c.target {
		next = c.target + maxStepSize
		if next > desired {
			next = desired
		}
	} else {
		next = desired
	}

	if next == c.target {
		return c.target
	}

	log.Info("device %s fps %d -> %d", c.deviceID, c.target, next)
	c.target = next
	c.lastStepTime = now
	eventbus.Publish(c.bus, eventbus.ConfigRequestEvent{DeviceID: c.deviceID, TargetFPS: next})
	return next
}

// Target returns the current target FPS without running a new evaluation.
func (c *Controller) Target() int { return c.target }

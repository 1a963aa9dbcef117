package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lanikai/mirrorhub/internal/eventbus"
)

// TestUSBFailoverToTCP exercises spec §8 scenario S4: USB delivering a
// healthy stream, then disconnecting, fails over to TCP and requests a
// keyframe.
func TestUSBFailoverToTCP(t *testing.T) {
	bus := eventbus.New()
	var routeChanges []eventbus.RouteChangeEvent
	var keyframeReqs int
	eventbus.Subscribe(bus, func(e eventbus.RouteChangeEvent) { routeChanges = append(routeChanges, e) })
	eventbus.Subscribe(bus, func(e eventbus.KeyframeRequestedEvent) { keyframeReqs++ })

	r := New(bus, "dev1", 0)
	now := time.Now()

	// USB healthy: up-votes into USB.
	got := r.Evaluate(now, Inputs{UsbBwMbps: 4, QueueDepth: 10, UsbUp: true, TcpUp: true})
	require.Equal(t, eventbus.TransportUSB, got)
	require.Len(t, routeChanges, 1)
	require.Equal(t, eventbus.TransportUSB, routeChanges[0].To)

	// USB disconnects; TCP stays alive. Force past the cooldown window via
	// a later timestamp representing the forced-disconnect transition.
	got = r.Evaluate(now.Add(4*time.Second), Inputs{UsbUp: false, TcpUp: true, TcpBwMbps: 4})
	require.Equal(t, eventbus.TransportTCP, got)
	require.Len(t, routeChanges, 2)
	require.Equal(t, eventbus.TransportUSB, routeChanges[1].From)
	require.Equal(t, eventbus.TransportTCP, routeChanges[1].To)
	require.Equal(t, 2, keyframeReqs)
}

// TestCooldownBlocksRapidTransitions exercises spec §8 property 8: the
// interval between transitions must be >= route_cooldown_ms.
func TestCooldownBlocksRapidTransitions(t *testing.T) {
	bus := eventbus.New()
	r := New(bus, "dev1", 0)
	now := time.Now()

	got := r.Evaluate(now, Inputs{UsbUp: true, UsbBwMbps: 4, TcpUp: true})
	require.Equal(t, eventbus.TransportUSB, got)

	// USB earns a down-vote (a corrupt-decode streak) but stays connected,
	// and TCP offers more than 1.5x the bandwidth at the last transition, so
	// only the cooldown stands in the way of a switch; within the cooldown
	// window the router must hold the prior route.
	got = r.Evaluate(now.Add(100*time.Millisecond), Inputs{UsbUp: true, UsbBwMbps: 2, CorruptStreak: 3, TcpUp: true, TcpBwMbps: 8})
	require.Equal(t, eventbus.TransportUSB, got, "cooldown should hold the prior route")
}

// TestForcedDisconnectBypassesCooldown covers property 8's exception: when
// the current route's transport dies, the transition is immediate.
func TestForcedDisconnectBypassesCooldown(t *testing.T) {
	bus := eventbus.New()
	r := New(bus, "dev1", 0)
	now := time.Now()

	got := r.Evaluate(now, Inputs{UsbUp: true, UsbBwMbps: 4, TcpUp: true})
	require.Equal(t, eventbus.TransportUSB, got)

	got = r.Evaluate(now.Add(100*time.Millisecond), Inputs{UsbUp: false, TcpUp: true, TcpBwMbps: 4})
	require.Equal(t, eventbus.TransportTCP, got)
}

// TestHysteresisBandHoldsUSB: a USB route that is degraded (below the
// up-vote threshold) but not down-voted must be held, even once the
// cooldown has elapsed — otherwise the router flaps inside the band the
// two-threshold hysteresis exists to damp.
func TestHysteresisBandHoldsUSB(t *testing.T) {
	bus := eventbus.New()
	var routeChanges int
	eventbus.Subscribe(bus, func(e eventbus.RouteChangeEvent) { routeChanges++ })

	r := New(bus, "dev1", 0)
	now := time.Now()

	got := r.Evaluate(now, Inputs{UsbUp: true, UsbBwMbps: 4, QueueDepth: 10, TcpUp: true})
	require.Equal(t, eventbus.TransportUSB, got)

	// Well past the cooldown, USB sits between the thresholds: 2 Mbit/s is
	// inside (1.0, 3.0), queue 70 is inside (64, 96). Neither vote fires.
	got = r.Evaluate(now.Add(10*time.Second), Inputs{UsbUp: true, UsbBwMbps: 2, QueueDepth: 70, TcpUp: true, TcpBwMbps: 4})
	require.Equal(t, eventbus.TransportUSB, got, "degraded-but-not-down-voted USB must be held")
	require.Equal(t, 1, routeChanges)
}

func TestConfiguredCooldownIsHonored(t *testing.T) {
	bus := eventbus.New()
	r := New(bus, "dev1", 500*time.Millisecond)
	now := time.Now()

	got := r.Evaluate(now, Inputs{TcpUp: true, TcpBwMbps: 2})
	require.Equal(t, eventbus.TransportTCP, got)

	// With a 500ms cooldown, a non-forced transition at +1s is allowed
	// (the default 3s cooldown would still block it).
	got = r.Evaluate(now.Add(time.Second), Inputs{UsbUp: true, UsbBwMbps: 4, TcpUp: true, TcpBwMbps: 2})
	require.Equal(t, eventbus.TransportUSB, got)
}

func TestPreferUDPOnlyWhenConfigured(t *testing.T) {
	bus := eventbus.New()
	r := New(bus, "dev1", 0)
	got := r.Evaluate(time.Now(), Inputs{TcpUp: true, TcpBwMbps: 2, UdpUp: true, UdpBwMbps: 2, PreferUDP: true})
	require.Equal(t, eventbus.TransportUDP, got)
}

package fps

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lanikai/mirrorhub/internal/eventbus"
)

func TestDefaultTarget(t *testing.T) {
	bus := eventbus.New()
	c := New(bus, "dev1", 10, 60)
	require.Equal(t, DefaultFPS, c.Target())
}

// TestStepDownUnderStarvation exercises spec S5: sustained bandwidth of
// 0.8 Mbit/s for 1.1s should step the target down to 10.
func TestStepDownUnderStarvation(t *testing.T) {
	bus := eventbus.New()
	var events []eventbus.ConfigRequestEvent
	eventbus.Subscribe(bus, func(e eventbus.ConfigRequestEvent) {
		events = append(events, e)
	})

	c := New(bus, "dev1", 10, 60)
	start := time.Now()

	// Before the 1s sustain window elapses, the target must not move.
	c.Evaluate(start, Inputs{AggregateBwMbps: 0.8})
	c.Evaluate(start.Add(500*time.Millisecond), Inputs{AggregateBwMbps: 0.8})
	require.Equal(t, DefaultFPS, c.Target())

	c.Evaluate(start.Add(1100*time.Millisecond), Inputs{AggregateBwMbps: 0.8})
	require.Equal(t, 10, c.Target())
	require.Len(t, events, 1)
	require.Equal(t, 10, events[0].TargetFPS)
}

func TestStepUpRespectsMaxStepAndDebounce(t *testing.T) {
	bus := eventbus.New()
	c := New(bus, "dev1", 10, 60)
	c.target = 10
	start := time.Now()

	c.Evaluate(start, Inputs{AggregateBwMbps: 7, QueueSteady: true})
	got := c.Evaluate(start.Add(1100*time.Millisecond), Inputs{AggregateBwMbps: 7, QueueSteady: true})
	require.Equal(t, 20, got, "step must not exceed 10fps per 500ms window")

	// Debounced: calling again immediately must not step further.
	got = c.Evaluate(start.Add(1150*time.Millisecond), Inputs{AggregateBwMbps: 7, QueueSteady: true})
	require.Equal(t, 20, got)

	got = c.Evaluate(start.Add(1700*time.Millisecond), Inputs{AggregateBwMbps: 7, QueueSteady: true})
	require.Equal(t, 30, got)
}

func TestClampedToConfiguredRange(t *testing.T) {
	bus := eventbus.New()
	c := New(bus, "dev1", 15, 45)
	require.Equal(t, 30, c.Target())
}

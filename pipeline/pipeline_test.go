package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lanikai/mirrorhub/internal/config"
	"github.com/lanikai/mirrorhub/internal/eventbus"
)

func testConfig() config.Config {
	cfg := config.Defaults()
	// Use a high, rarely-occupied port range so the test suite doesn't
	// collide with a real mirrord instance or other tests.
	cfg.VideoTCPBasePort = 57100
	cfg.VideoUDPBasePort = 57200
	return cfg
}

func TestEnsureDeviceIsIdempotent(t *testing.T) {
	p := New(testConfig())
	require.NoError(t, p.Start())
	defer p.Shutdown(context.Background())

	dev1, err := p.EnsureDevice("fingerprint-a")
	require.NoError(t, err)

	dev2, err := p.EnsureDevice("fingerprint-a")
	require.NoError(t, err)

	require.Equal(t, dev1.DeviceID, dev2.DeviceID)
	require.Equal(t, 0, dev1.Slot)

	dev3, err := p.EnsureDevice("fingerprint-b")
	require.NoError(t, err)
	require.Equal(t, 1, dev3.Slot)
}

func TestEnsureDevicePublishesRegisteredEvent(t *testing.T) {
	p := New(testConfig())
	require.NoError(t, p.Start())
	defer p.Shutdown(context.Background())

	var got eventbus.DeviceRegisteredEvent
	eventbus.Subscribe(p.Bus, func(e eventbus.DeviceRegisteredEvent) { got = e })

	dev, err := p.EnsureDevice("fingerprint-c")
	require.NoError(t, err)
	require.Equal(t, dev.DeviceID, got.DeviceID)
}

func TestGetLatestFrameBeforeAnyVideoIsAbsent(t *testing.T) {
	p := New(testConfig())
	require.NoError(t, p.Start())
	defer p.Shutdown(context.Background())

	dev, err := p.EnsureDevice("fingerprint-d")
	require.NoError(t, err)

	_, ok := p.GetLatestFrame(dev.DeviceID)
	require.False(t, ok)

	// A test-pattern frame is emitted within ~1s of no real video.
	require.Eventually(t, func() bool {
		_, ok := p.GetLatestFrame(dev.DeviceID)
		return ok
	}, 2*time.Second, 50*time.Millisecond)
}

func TestShutdownIsIdempotentAndBounded(t *testing.T) {
	p := New(testConfig())
	require.NoError(t, p.Start())

	_, err := p.EnsureDevice("fingerprint-e")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, p.Shutdown(ctx))
	require.NoError(t, p.Shutdown(ctx)) // idempotent
}

package config

import (
	"testing"

	"github.com/stretchr/testify/require"
	flag "github.com/spf13/pflag"
)

func TestBindFlagsOverridesDefaults(t *testing.T) {
	cfg := Defaults()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg.BindFlags(fs)

	require.NoError(t, fs.Parse([]string{"--fps-max=45", "--router-prefer-udp", "--usb-forward-on-idr"}))

	require.Equal(t, 45, cfg.FpsMax)
	require.True(t, cfg.RouterPreferUDP)
	require.True(t, cfg.USBForwardOnIDR)
	require.Equal(t, uint16(60000), cfg.VideoUDPBasePort)
}

func TestRouteCooldownDuration(t *testing.T) {
	cfg := Defaults()
	require.Equal(t, 3000, int(cfg.RouteCooldown().Milliseconds()))
}

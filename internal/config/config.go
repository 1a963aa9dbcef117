// Package config defines the resolved configuration struct this core
// consumes (spec §6.6) and wires it to command-line flags the way the
// teacher's cmd/alohartcd does. No configuration-file parsing lives here,
// per spec §1's explicit exclusion of "persistence, configuration file
// parsing" from the core.
package config

import (
	"time"

	flag "github.com/spf13/pflag"
)

// Config is the fully-resolved set of options the pipeline consumes.
type Config struct {
	PCIP string

	VideoUDPBasePort uint16
	VideoTCPBasePort uint16

	USBRingBytes     int
	NalQueueCapacity uint16
	PendingUploadCap uint16

	FpsMin, FpsMax int

	RouteCooldownMs int

	// RouterPreferUDP resolves SPEC_FULL.md §7's second Open Question:
	// whether HybridRouter should favor UDP over TCP when both are alive.
	// Default false, matching spec §4.9 rule 3 literally.
	RouterPreferUDP bool

	// USBPrologueMs and USBForwardOnIDR resolve the first Open Question
	// (spec §9, SPEC_FULL.md §7): the default is the literal fixed-window
	// policy; USBForwardOnIDR switches to "forward nothing until
	// SPS+PPS+IDR, then flush".
	USBPrologueMs   int
	USBForwardOnIDR bool

	// MaxSlots bounds how many Devices this pipeline can register at once,
	// which in turn bounds how many UDP/TCP listener ports it opens.
	MaxSlots int
}

// RouteCooldown returns RouteCooldownMs as a time.Duration.
func (c Config) RouteCooldown() time.Duration {
	return time.Duration(c.RouteCooldownMs) * time.Millisecond
}

// Defaults matches spec §6.6's literal default values.
func Defaults() Config {
	return Config{
		VideoUDPBasePort: 60000,
		VideoTCPBasePort: 50100,
		USBRingBytes:     1 << 20,
		NalQueueCapacity: 128,
		PendingUploadCap: 30,
		FpsMin:           10,
		FpsMax:           60,
		RouteCooldownMs:  3000,
		RouterPreferUDP:  false,
		USBPrologueMs:    16,
		USBForwardOnIDR:  false,
		MaxSlots:         64,
	}
}

// BindFlags registers pflag flags for every resolved option, defaulting to
// cfg's current values, matching the teacher's cmd/alohartcd flag-binding
// style (one flag.XxxVarP call per option).
func (cfg *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&cfg.PCIP, "pc-ip", cfg.PCIP, "PC IP address advertised to the capture side")
	fs.Uint16Var(&cfg.VideoUDPBasePort, "video-udp-base-port", cfg.VideoUDPBasePort, "Base UDP port for per-device RTP sockets")
	fs.Uint16Var(&cfg.VideoTCPBasePort, "video-tcp-base-port", cfg.VideoTCPBasePort, "Base TCP port for per-device VID0 listeners")
	fs.IntVar(&cfg.USBRingBytes, "usb-ring-bytes", cfg.USBRingBytes, "USB ring buffer capacity, in bytes")
	fs.Uint16Var(&cfg.NalQueueCapacity, "nal-queue-capacity", cfg.NalQueueCapacity, "Per-device NAL work queue capacity")
	fs.Uint16Var(&cfg.PendingUploadCap, "pending-upload-capacity", cfg.PendingUploadCap, "Pending GPU-upload queue capacity")
	fs.IntVar(&cfg.FpsMin, "fps-min", cfg.FpsMin, "Minimum target FPS")
	fs.IntVar(&cfg.FpsMax, "fps-max", cfg.FpsMax, "Maximum target FPS")
	fs.IntVar(&cfg.RouteCooldownMs, "route-cooldown-ms", cfg.RouteCooldownMs, "Minimum interval between router transitions, in ms")
	fs.BoolVar(&cfg.RouterPreferUDP, "router-prefer-udp", cfg.RouterPreferUDP, "Prefer UDP over TCP when both transports are alive")
	fs.IntVar(&cfg.USBPrologueMs, "usb-prologue-ms", cfg.USBPrologueMs, "USB session prologue window, in ms, during which only SPS/PPS are forwarded")
	fs.BoolVar(&cfg.USBForwardOnIDR, "usb-forward-on-idr", cfg.USBForwardOnIDR, "Forward nothing until SPS+PPS+IDR observed, then flush, instead of a fixed prologue window")
	fs.IntVar(&cfg.MaxSlots, "max-slots", cfg.MaxSlots, "Maximum number of concurrently registered devices")
}

package main

import (
	"fmt"

	"github.com/fatih/color"
	flag "github.com/spf13/pflag"
)

var (
	flagListen     string
	flagUSBDevices []string
	flagDevices    []string
	flagHelp       bool
	flagVersion    bool
)

func init() {
	flag.StringVarP(&flagListen, "listen", "l", "", "Address for the websocket event bridge (disabled when empty)")
	flag.StringArrayVarP(&flagUSBDevices, "usb-device", "u", nil, "AOA usbfs node to attach, as PATH:ENDPOINT (repeatable)")
	flag.StringArrayVarP(&flagDevices, "device", "d", nil, "Device fingerprint to pre-register (repeatable)")

	flag.BoolVarP(&flagHelp, "help", "h", false, "Print usage information and exit")
	flag.BoolVarP(&flagVersion, "version", "v", false, "Print version information and exit")
}

const helpString = `Multi-device Android screen mirroring transport core

Usage: mirrord [OPTION]...

Devices:
  -d, --device=FP               Pre-register a device fingerprint (repeatable)
  -u, --usb-device=PATH:EP      Attach an AOA bulk session on a usbfs node (repeatable)
      --max-slots=NUM           Maximum concurrently registered devices (default: 64)

Network:
      --pc-ip=ADDR              PC IP address advertised to the capture side
      --video-tcp-base-port=NUM Base TCP port for per-device VID0 listeners (default: 50100)
      --video-udp-base-port=NUM Base UDP port for per-device RTP sockets (default: 60000)
  -l, --listen=ADDR             Serve the websocket event bridge on ADDR (default: disabled)

Video pipeline:
      --usb-ring-bytes=NUM      USB ring buffer capacity, in bytes (default: 1048576)
      --nal-queue-capacity=NUM  Per-device NAL work queue depth (default: 128)
      --usb-prologue-ms=NUM     USB prologue window, SPS/PPS only (default: 16)
      --usb-forward-on-idr      Hold all video until SPS+PPS+IDR seen, then flush

Routing:
      --route-cooldown-ms=NUM   Minimum interval between route changes (default: 3000)
      --router-prefer-udp       Prefer UDP over TCP when both are alive
      --fps-min=NUM             Minimum target FPS (default: 10)
      --fps-max=NUM             Maximum target FPS (default: 60)

Miscellaneous:
  -h, --help                    Prints this help message and exits
  -v, --version                 Prints version information and exits`

// Help information is printed and program exits
func help() {
	r := color.New(color.FgRed)
	y := color.New(color.FgYellow)
	b := color.New(color.FgCyan)

	//            _                         _
	//  _ __ ___ (_)_ __ _ __ ___  _ __  __| |
	// | '_ ` _ \| | '__| '__/ _ \| '__|/ _` |
	// | | | | | | | |  | | | (_) | |  | (_| |
	// |_| |_| |_|_|_|  |_|  \___/|_|   \__,_|

	// Line 1
	r.Printf("            _      ")
	y.Printf("       ")
	b.Printf("       ")
	y.Println("         _ ")

	// Line 2
	r.Printf("  _ __ ___ (_)_ __ ")
	y.Printf("_ __ __")
	b.Printf("_  _ __")
	y.Println("  __| |")

	// Line 3
	r.Printf(" | '_ ` _ \\| | '__|")
	y.Printf(" '__/ _")
	b.Printf(" \\| '__|")
	y.Println("/ _` |")

	// Line 4
	r.Printf(" | | | | | | | |  ")
	y.Printf("| | | (")
	b.Printf("_) | |  ")
	y.Println("| (_| |")

	// Line 5
	r.Printf(" |_| |_| |_|_|_|  ")
	y.Printf("|_|  \\_")
	b.Printf("__/|_|  ")
	y.Println(" \\__,_|")

	fmt.Println(helpString)
}

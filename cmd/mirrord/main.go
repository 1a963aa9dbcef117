package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/lanikai/mirrorhub/internal/config"
	"github.com/lanikai/mirrorhub/internal/eventbus"
	"github.com/lanikai/mirrorhub/internal/logging"
	"github.com/lanikai/mirrorhub/pipeline"
)

var log = logging.DefaultLogger.WithTag("mirrord")

var cfg = config.Defaults()

func init() {
	cfg.BindFlags(flag.CommandLine)
}

func main() {
	flag.Parse()

	if flagHelp {
		help()
		os.Exit(0)
	}

	if flagVersion {
		version()
		os.Exit(0)
	}

	p := pipeline.New(cfg)
	if err := p.Start(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}

	for _, fp := range flagDevices {
		if _, err := p.EnsureDevice(fp); err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(1)
		}
	}

	for _, spec := range flagUSBDevices {
		path, endpoint, err := parseUSBDevice(spec)
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(1)
		}
		p.AttachUSBSession(path, endpoint)
	}

	if flagListen != "" {
		bridge := eventbus.NewWebSocketBridge(p.Bus)
		defer bridge.Close()

		mux := http.NewServeMux()
		mux.Handle("/events", bridge)
		go func() {
			log.Info("event bridge listening on %s", flagListen)
			if err := http.ListenAndServe(flagListen, mux); err != nil {
				log.Error("event bridge: %v", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	// mirrord runs headless: the main loop stands in for the GUI shell's
	// render tick, draining the exclusive main-consumer queue on this
	// thread the way a GPU uploader would.
	drain, ready := p.AttachMainConsumer()
	for {
		select {
		case sig := <-sigCh:
			log.Info("received %s, shutting down", sig)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := p.Shutdown(ctx)
			cancel()
			if err != nil {
				fmt.Fprintln(os.Stderr, err.Error())
				os.Exit(1)
			}
			return
		case <-ready:
			for _, f := range drain() {
				log.Debug("frame %dx%d from device %s", f.Decoded.Width, f.Decoded.Height, f.DeviceID)
			}
		}
	}
}

// parseUSBDevice splits a --usb-device value of the form PATH:ENDPOINT,
// e.g. /dev/bus/usb/001/004:0x81.
func parseUSBDevice(spec string) (path string, endpoint byte, err error) {
	i := strings.LastIndex(spec, ":")
	if i < 0 {
		return "", 0, fmt.Errorf("invalid --usb-device %q: want PATH:ENDPOINT", spec)
	}
	ep, err := strconv.ParseUint(strings.TrimPrefix(spec[i+1:], "0x"), 16, 8)
	if err != nil {
		return "", 0, fmt.Errorf("invalid --usb-device endpoint in %q: %v", spec, err)
	}
	return spec[:i], byte(ep), nil
}

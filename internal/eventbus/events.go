package eventbus

// Event catalog. These are the payload types published across the
// pipeline; internal/eventbus itself is payload-agnostic (see Bus), this
// file just gives the rest of the tree a shared vocabulary to subscribe
// and publish against.

// Transport identifies which physical path a Device's video currently
// travels over.
type Transport int

const (
	TransportNone Transport = iota
	TransportUSB
	TransportTCP
	TransportUDP
)

func (t Transport) String() string {
	switch t {
	case TransportUSB:
		return "usb"
	case TransportTCP:
		return "tcp"
	case TransportUDP:
		return "udp"
	default:
		return "none"
	}
}

// FrameReadyEvent announces one fanned-out decoded frame (spec §4.11).
type FrameReadyEvent struct {
	DeviceID      string
	Width, Height int
	RGBA          []byte
	FrameID       uint64
	PTSUs         int64
	IsTestPattern bool
}

// KeyframeRequestedEvent asks the capture side to emit a fresh IDR.
type KeyframeRequestedEvent struct {
	DeviceID string
	Reason   string
}

// RouteChangeEvent is published by HybridRouter on a transport transition.
type RouteChangeEvent struct {
	DeviceID string
	From, To Transport
}

// TransportDownEvent/TransportUpEvent report per-transport liveness for a
// Device, published by the owning transport receiver.
type TransportDownEvent struct {
	DeviceID  string
	Transport Transport
	Err       error
}

type TransportUpEvent struct {
	DeviceID  string
	Transport Transport
}

// StreamResetEvent is published when a depacketizer's SSRC changes
// mid-session (spec §4.3).
type StreamResetEvent struct {
	DeviceID string
}

// ConfigRequestEvent asks the capture-side collaborator to change an
// encoding parameter; today this is FpsController's target_fps hint.
type ConfigRequestEvent struct {
	DeviceID  string
	TargetFPS int
}

// DeviceRegisteredEvent/DeviceUnregisteredEvent track DeviceRegistry
// membership changes.
type DeviceRegisteredEvent struct {
	DeviceID string
	Slot     int
}

type DeviceUnregisteredEvent struct {
	DeviceID string
	Slot     int
}

// StatsTickEvent is published once per second with a snapshot of
// per-Device transport/decoder/queue health (spec §7).
type StatsTickEvent struct {
	DeviceID        string
	UsbBwMbps       float64
	TcpBwMbps       float64
	UdpBwMbps       float64
	Fps             int
	QueueDepth      int
	CorruptCount    int
	NalDrops        uint64
	ActiveTransport Transport
}

// ShutdownEvent is published once, before transports are stopped, when the
// pipeline begins an orderly shutdown (spec §5).
type ShutdownEvent struct {
	Reason string
}

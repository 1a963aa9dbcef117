// Package registry implements DeviceRegistry: stable device_id/slot
// assignment across transports and reconnects. See spec §4.12.
package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/golang/groupcache/lru"
	"github.com/pkg/errors"

	"github.com/lanikai/mirrorhub/internal/logging"
)

var log = logging.DefaultLogger.WithTag("registry")

// recentlyUnregisteredCapacity bounds the fingerprint cache consulted when
// a device reconnects shortly after an explicit unregister, so it can be
// handed back its old device_id/slot instead of a fresh allocation.
const recentlyUnregisteredCapacity = 256

// ErrNoFreeSlot is returned when every slot up to MaxSlots is occupied.
var ErrNoFreeSlot = errors.New("registry: no free slot available")

// DefaultMaxSlots bounds concurrent registered devices when the caller
// does not configure a limit. Chosen generously above any realistic
// concurrent-mirror count; exceeding it is a configuration problem, not a
// transient condition.
const DefaultMaxSlots = 64

// Device is one registered device's identity record.
type Device struct {
	DeviceID    string
	Slot        int
	Fingerprint string
}

// Registry owns the fingerprint -> (device_id, slot) mapping for one
// pipeline's lifetime.
type Registry struct {
	mu sync.Mutex

	byFingerprint map[string]*Device
	slotTaken     []bool

	// recentlyUnregistered remembers the slot a fingerprint last held, so a
	// device that reconnects shortly after being explicitly unregistered
	// gets a deterministic, stable slot rather than whatever is lowest-free
	// at the moment it reappears.
	recentlyUnregistered *lru.Cache
}

// New returns an empty Registry holding at most maxSlots concurrently
// registered devices (values <= 0 select DefaultMaxSlots).
func New(maxSlots int) *Registry {
	if maxSlots <= 0 {
		maxSlots = DefaultMaxSlots
	}
	return &Registry{
		byFingerprint:        make(map[string]*Device),
		slotTaken:            make([]bool, maxSlots),
		recentlyUnregistered: lru.New(recentlyUnregisteredCapacity),
	}
}

// RegisterByFingerprint returns the existing device_id/slot for fp if one
// is already registered; otherwise it allocates the lowest free slot
// (preferring fp's previous slot, if it was recently unregistered and that
// slot is still free) and registers a new Device.
func (r *Registry) RegisterByFingerprint(fp string) (*Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d, ok := r.byFingerprint[fp]; ok {
		return d, nil
	}

	slot := -1
	if cached, ok := r.recentlyUnregistered.Get(fp); ok {
		if s := cached.(int); !r.slotTaken[s] {
			slot = s
		}
	}
	if slot == -1 {
		for i := range r.slotTaken {
			if !r.slotTaken[i] {
				slot = i
				break
			}
		}
	}
	if slot == -1 {
		return nil, errors.Wrapf(ErrNoFreeSlot, "fingerprint %q", fp)
	}

	d := &Device{
		DeviceID:    deviceIDFor(fp),
		Slot:        slot,
		Fingerprint: fp,
	}
	r.slotTaken[slot] = true
	r.byFingerprint[fp] = d
	log.Info("registered device %s in slot %d", d.DeviceID, slot)
	return d, nil
}

// Unregister removes fp's mapping, freeing its slot, but remembers the
// fingerprint->slot pairing in a count-bounded LRU (no time-based expiry)
// so a reconnect gets its old slot back while the pairing is still cached.
func (r *Registry) Unregister(fp string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.byFingerprint[fp]
	if !ok {
		return
	}
	r.slotTaken[d.Slot] = false
	delete(r.byFingerprint, fp)
	r.recentlyUnregistered.Add(fp, d.Slot)
	log.Info("unregistered device %s from slot %d", d.DeviceID, d.Slot)
}

// AllDevices returns every currently registered device, in unspecified
// order.
func (r *Registry) AllDevices() []*Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Device, 0, len(r.byFingerprint))
	for _, d := range r.byFingerprint {
		out = append(out, d)
	}
	return out
}

// deviceIDFor derives a stable, short device_id from a hardware
// fingerprint. Hashing (rather than using the fingerprint verbatim) keeps
// device_id values a fixed, display-friendly length regardless of what a
// given transport's handshake uses as a fingerprint.
func deviceIDFor(fp string) string {
	sum := sha256.Sum256([]byte(fp))
	return hex.EncodeToString(sum[:8])
}

// Lookup returns the Device registered under device_id, if any.
func (r *Registry) Lookup(deviceID string) (*Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.byFingerprint {
		if d.DeviceID == deviceID {
			return d, true
		}
	}
	return nil, false
}

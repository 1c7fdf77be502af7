package coordinator

import (
	"sync"

	"github.com/joshp123/schluter-go/internal/neviweb"
)

// Directory is the fixed device set for one account entry. It is
// replaced atomically; readers never observe a half-built listing.
// Discovery is retried until the listing is non-empty, then never
// re-fetched.
type Directory struct {
	mu       sync.RWMutex
	location neviweb.Location
	devices  []neviweb.Device
}

// Replace installs the discovered location and device listing. Calling
// it again replaces the whole set; it never merges.
func (d *Directory) Replace(location neviweb.Location, devices []neviweb.Device) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.location = location
	d.devices = append([]neviweb.Device(nil), devices...)
}

// Populated reports whether discovery has produced any devices. An
// empty listing does not count: the next cycle discovers again.
func (d *Directory) Populated() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.devices) > 0
}

// Location returns the discovered location, if any.
func (d *Directory) Location() (neviweb.Location, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.location, d.location.ID != 0
}

// Devices returns a copy of the device listing.
func (d *Directory) Devices() []neviweb.Device {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]neviweb.Device(nil), d.devices...)
}

// Device looks up one device by id.
func (d *Directory) Device(deviceID int64) (neviweb.Device, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, dev := range d.devices {
		if dev.ID == deviceID {
			return dev, true
		}
	}
	return neviweb.Device{}, false
}

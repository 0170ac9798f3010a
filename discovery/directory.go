package discovery

import (
	"sort"
	"sync"
	"time"

	"landrop/models"
)

// Directory is the table of devices learned through discovery plus the local
// identity it filters against. All access goes through its lock; entries are
// copied in and out so callers never share directory memory.
type Directory struct {
	mu sync.RWMutex

	selfID     string
	maxDevices int
	staleAfter time.Duration

	devices map[string]models.DeviceInfo
}

// NewDirectory creates a directory that never admits selfID and holds at
// most maxDevices entries, evicting the stalest entry when full.
func NewDirectory(selfID string, maxDevices int, staleAfter time.Duration) *Directory {
	return &Directory{
		selfID:     selfID,
		maxDevices: maxDevices,
		staleAfter: staleAfter,
		devices:    make(map[string]models.DeviceInfo),
	}
}

// Upsert inserts or refreshes a device entry and reports whether the device
// was previously unknown. The local device is never admitted.
func (d *Directory) Upsert(device models.DeviceInfo) bool {
	if device.DeviceID == "" || device.DeviceID == d.selfID {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	existing, known := d.devices[device.DeviceID]
	if known {
		// Trust status is a local decision and survives refreshes.
		device.IsTrusted = existing.IsTrusted
		d.devices[device.DeviceID] = device
		return false
	}

	if len(d.devices) >= d.maxDevices {
		d.evictStalestLocked()
	}
	d.devices[device.DeviceID] = device
	return true
}

// Find returns a device by id.
func (d *Directory) Find(deviceID string) (models.DeviceInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	device, ok := d.devices[deviceID]
	return device, ok
}

// Remove drops a device entry, reporting whether it existed.
func (d *Directory) Remove(deviceID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, ok := d.devices[deviceID]
	delete(d.devices, deviceID)
	return ok
}

// SetTrusted flags a device as trusted for this run.
func (d *Directory) SetTrusted(deviceID string, trusted bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	device, ok := d.devices[deviceID]
	if !ok {
		return false
	}
	device.IsTrusted = trusted
	d.devices[deviceID] = device
	return true
}

// Snapshot returns all known devices ordered by most recently seen.
func (d *Directory) Snapshot() []models.DeviceInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]models.DeviceInfo, 0, len(d.devices))
	for _, device := range d.devices {
		out = append(out, device)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastSeen > out[j].LastSeen
	})
	return out
}

// Len returns the number of known devices.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.devices)
}

// Sweep removes entries whose last sighting is older than the stale
// threshold and returns the evicted devices.
func (d *Directory) Sweep(now time.Time) []models.DeviceInfo {
	cutoff := now.Add(-d.staleAfter).UnixMilli()

	d.mu.Lock()
	defer d.mu.Unlock()

	var evicted []models.DeviceInfo
	for id, device := range d.devices {
		if device.LastSeen < cutoff {
			evicted = append(evicted, device)
			delete(d.devices, id)
		}
	}
	return evicted
}

func (d *Directory) evictStalestLocked() {
	var stalestID string
	var stalestSeen int64
	for id, device := range d.devices {
		if stalestID == "" || device.LastSeen < stalestSeen {
			stalestID = id
			stalestSeen = device.LastSeen
		}
	}
	if stalestID != "" {
		delete(d.devices, stalestID)
	}
}

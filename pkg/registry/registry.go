// Package registry maintains the device-binding table: which room each edge
// node claims, where to unicast for it, and what target each node currently
// declares for its own outbound audio. The table is fed by control-plane
// discovery events and read by the routing layer; its lock is never held
// across network I/O.
package registry

import (
	"sort"
	"sync"
)

// DeviceBinding is one discovered edge node.
type DeviceBinding struct {
	Room string
	IP   string
}

// DeviceLookup is the read side exposed to routing.
type DeviceLookup interface {
	// DeviceByRoom resolves a room name to its binding.
	DeviceByRoom(room string) (DeviceBinding, bool)
	// Rooms lists known room names, sorted.
	Rooms() []string
}

// DeviceTable implements DeviceLookup over control-plane discovery events.
type DeviceTable struct {
	mu      sync.RWMutex
	devices map[string]DeviceBinding // device id -> binding
	targets map[string]string        // device id -> declared outbound target room
}

func NewDeviceTable() *DeviceTable {
	return &DeviceTable{
		devices: make(map[string]DeviceBinding),
		targets: make(map[string]string),
	}
}

// Discover adds or updates a device binding. Returns true if the device was
// not previously known.
func (t *DeviceTable) Discover(id, room, ip string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, known := t.devices[id]
	t.devices[id] = DeviceBinding{Room: room, IP: ip}
	return !known
}

// Offline removes a device and its declared target. Returns true if it was
// known.
func (t *DeviceTable) Offline(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, known := t.devices[id]
	delete(t.devices, id)
	delete(t.targets, id)
	return known
}

func (t *DeviceTable) DeviceByRoom(room string) (DeviceBinding, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, b := range t.devices {
		if b.Room == room {
			return b, true
		}
	}
	return DeviceBinding{}, false
}

func (t *DeviceTable) Rooms() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	seen := make(map[string]struct{}, len(t.devices))
	rooms := make([]string, 0, len(t.devices))
	for _, b := range t.devices {
		if _, ok := seen[b.Room]; ok {
			continue
		}
		seen[b.Room] = struct{}{}
		rooms = append(rooms, b.Room)
	}
	sort.Strings(rooms)
	return rooms
}

// SetTarget records the outbound target a device declared when it started
// transmitting.
func (t *DeviceTable) SetTarget(id, room string) {
	t.mu.Lock()
	t.targets[id] = room
	t.mu.Unlock()
}

// ClearTarget forgets a device's declared target, typically when it reports
// idle.
func (t *DeviceTable) ClearTarget(id string) {
	t.mu.Lock()
	delete(t.targets, id)
	t.mu.Unlock()
}

// TargetFor returns the declared outbound target for a transmitting device.
func (t *DeviceTable) TargetFor(id string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	room, ok := t.targets[id]
	return room, ok
}

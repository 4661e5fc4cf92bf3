// Package control defines the boundary between the hub and whatever control
// plane drives it (typically an MQTT bridge owned by the deployment, not by
// this module). The hub depends only on these interfaces and never on the
// wire format behind them.
package control

// Inbound is implemented by the hub. The external bridge calls it for every
// command and discovery event it receives.
type Inbound interface {
	// HandleCommand applies a settings command. Recognized fields are
	// "volume", "mute", "dnd", "priority", "target" and "chime"; unknown
	// fields are ignored.
	HandleCommand(field, value string) error

	// OnCall plays the active chime toward target on behalf of caller.
	OnCall(target, caller string) error

	// OnDeviceDiscovered records or refreshes a device binding.
	OnDeviceDiscovered(id, room, ip string)

	// OnDeviceOffline drops a device binding.
	OnDeviceOffline(id string)

	// OnDeviceTarget records the outbound target a device declared for its
	// own transmissions. An empty room clears it (device went idle).
	OnDeviceTarget(id, room string)
}

// StatePublisher is implemented by the external bridge. The hub calls it for
// every observable state change: channel state, priority, DND, the target
// room list and the chime selection. Implementations must not block; the hub
// publishes from its audio paths.
type StatePublisher interface {
	PublishState(field, value string)
}

// NopPublisher discards all state updates. Used when the hub runs without a
// control plane attached.
type NopPublisher struct{}

func (NopPublisher) PublishState(field, value string) {}

// Package arbiter implements the half-duplex channel state machine that
// gates who may transmit on the audio bus. At most one logical stream
// occupies the channel: either the hub is transmitting (broadcast, chime, or
// relayed web PTT) or a remote device holds the channel as the current
// receiver. First-to-talk holds the channel until it finishes or a strictly
// higher priority preempts it.
package arbiter

import (
	"context"
	"sync"
	"time"

	"github.com/roomcast/roomcast/pkg/packet"
)

// State is the channel occupancy state.
type State int

const (
	Idle State = iota
	Receiving
	Transmitting
)

func (s State) String() string {
	switch s {
	case Receiving:
		return "receiving"
	case Transmitting:
		return "transmitting"
	}
	return "idle"
}

const (
	DefaultRxTimeout   = 500 * time.Millisecond
	DefaultWaitTimeout = 5 * time.Second

	defaultPollInterval = 100 * time.Millisecond
)

// Arbiter owns the channel state. All transitions happen under one lock held
// only for the in-memory read-modify-write; callers publish state changes
// after the relevant method returns, never from inside the lock.
type Arbiter struct {
	mu         sync.Mutex
	state      State
	rxPriority packet.Priority
	rxSender   string
	lastRx     time.Time

	txPriority packet.Priority
	dnd        bool

	rxTimeout    time.Duration
	waitTimeout  time.Duration
	pollInterval time.Duration

	// txSlot serializes hub-originated streams. Hub sources try-acquire and
	// reject when busy; web PTT sessions block, queueing behind an in-flight
	// broadcast instead of colliding with it.
	txSlot chan struct{}

	now func() time.Time
}

func New(rxTimeout, waitTimeout time.Duration) *Arbiter {
	if rxTimeout <= 0 {
		rxTimeout = DefaultRxTimeout
	}
	if waitTimeout <= 0 {
		waitTimeout = DefaultWaitTimeout
	}
	return &Arbiter{
		rxTimeout:    rxTimeout,
		waitTimeout:  waitTimeout,
		pollInterval: defaultPollInterval,
		txSlot:       make(chan struct{}, 1),
		now:          time.Now,
	}
}

// State returns the current channel state.
func (a *Arbiter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// CurrentSender returns the device currently holding the channel as
// receiver, or "" when none.
func (a *Arbiter) CurrentSender() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rxSender
}

// AllowInbound applies the DND filter: when DND is on, only Emergency
// traffic passes to forwarding. Filtered packets are still counted upstream.
func (a *Arbiter) AllowInbound(p packet.Priority) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.dnd || p == packet.PriorityEmergency
}

// PacketReceived notes one inbound audio packet. From Idle the channel
// transitions to Receiving; while already Receiving the timestamp is
// refreshed and the recorded priority follows the latest packet. Returns
// true when a transition to Receiving happened, so the caller can publish
// the state change outside the lock.
func (a *Arbiter) PacketReceived(sender string, p packet.Priority) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastRx = a.now()
	a.rxPriority = p
	a.rxSender = sender
	if a.state == Idle {
		a.state = Receiving
		return true
	}
	return false
}

// CheckIdle expires a stale Receiving state after the receive timeout.
// Returns true when the channel just went idle.
func (a *Arbiter) CheckIdle() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != Receiving || a.now().Sub(a.lastRx) <= a.rxTimeout {
		return false
	}
	a.state = Idle
	a.rxSender = ""
	a.rxPriority = packet.PriorityNormal
	return true
}

// ChannelBusy reports whether a transmission at priority p would collide.
// Strict greater-than: matching the current receiver's priority does not
// preempt it.
func (a *Arbiter) ChannelBusy(p packet.Priority) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch a.state {
	case Transmitting:
		return true
	case Receiving:
		if a.now().Sub(a.lastRx) > a.rxTimeout {
			return false
		}
		return p <= a.rxPriority
	}
	return false
}

// WaitForChannel polls until the channel is free for priority p, the wait
// timeout elapses, or ctx is cancelled. Returns false on timeout: the caller
// proceeds anyway, favoring availability over collision avoidance.
func (a *Arbiter) WaitForChannel(ctx context.Context, p packet.Priority) bool {
	if !a.ChannelBusy(p) {
		return true
	}
	deadline := a.now().Add(a.waitTimeout)
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if !a.ChannelBusy(p) {
				return true
			}
			if a.now().After(deadline) {
				return false
			}
		}
	}
}

// TryAcquireTx claims the transmit slot without blocking. Hub-originated
// streams use this: a second broadcast while one is in flight is rejected.
func (a *Arbiter) TryAcquireTx() bool {
	select {
	case a.txSlot <- struct{}{}:
		return true
	default:
		return false
	}
}

// AcquireTx claims the transmit slot, queueing behind the current holder.
func (a *Arbiter) AcquireTx(ctx context.Context) error {
	select {
	case a.txSlot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReleaseTx frees the transmit slot.
func (a *Arbiter) ReleaseTx() {
	select {
	case <-a.txSlot:
	default:
	}
}

// BeginTransmit marks the channel as occupied by a hub-originated stream.
// The caller must hold the transmit slot.
func (a *Arbiter) BeginTransmit() {
	a.mu.Lock()
	a.state = Transmitting
	a.mu.Unlock()
}

// EndTransmit returns the channel to idle after a hub-originated stream,
// including watchdog force-resets of stuck sessions.
func (a *Arbiter) EndTransmit() {
	a.mu.Lock()
	if a.state == Transmitting {
		a.state = Idle
	}
	a.mu.Unlock()
}

// SetTxPriority sets the hub's default transmit priority.
func (a *Arbiter) SetTxPriority(p packet.Priority) {
	a.mu.Lock()
	a.txPriority = p
	a.mu.Unlock()
}

func (a *Arbiter) TxPriority() packet.Priority {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.txPriority
}

// SetDND toggles the Do-Not-Disturb filter.
func (a *Arbiter) SetDND(on bool) {
	a.mu.Lock()
	a.dnd = on
	a.mu.Unlock()
}

func (a *Arbiter) DND() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dnd
}

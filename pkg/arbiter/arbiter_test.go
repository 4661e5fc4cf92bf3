package arbiter

import (
	"context"
	"testing"
	"time"

	"github.com/roomcast/roomcast/pkg/packet"
)

func newTestArbiter(now *time.Time) *Arbiter {
	a := New(DefaultRxTimeout, 300*time.Millisecond)
	a.pollInterval = 10 * time.Millisecond
	if now != nil {
		a.now = func() time.Time { return *now }
	}
	return a
}

func TestReceiveTransitions(t *testing.T) {
	now := time.Unix(1000, 0)
	a := newTestArbiter(&now)

	if a.State() != Idle {
		t.Fatalf("initial state = %v, want Idle", a.State())
	}
	if !a.PacketReceived("aa", packet.PriorityNormal) {
		t.Error("first packet: transition = false, want true")
	}
	if a.PacketReceived("aa", packet.PriorityHigh) {
		t.Error("second packet: transition = true, want false (refresh only)")
	}
	if a.State() != Receiving {
		t.Errorf("state = %v, want Receiving", a.State())
	}
	if a.CurrentSender() != "aa" {
		t.Errorf("sender = %q, want aa", a.CurrentSender())
	}
}

func TestReceiveTimeout(t *testing.T) {
	now := time.Unix(1000, 0)
	a := newTestArbiter(&now)

	a.PacketReceived("aa", packet.PriorityNormal)
	if a.CheckIdle() {
		t.Error("CheckIdle() immediately = true, want false")
	}

	now = now.Add(DefaultRxTimeout + time.Millisecond)
	if !a.CheckIdle() {
		t.Error("CheckIdle() after timeout = false, want true")
	}
	if a.State() != Idle {
		t.Errorf("state = %v, want Idle", a.State())
	}
	if a.CurrentSender() != "" {
		t.Errorf("sender = %q, want empty", a.CurrentSender())
	}
}

func TestPriorityPreemption(t *testing.T) {
	tests := []struct {
		name     string
		rx       packet.Priority
		tx       packet.Priority
		wantBusy bool
	}{
		{"higher preempts", packet.PriorityNormal, packet.PriorityHigh, false},
		{"emergency preempts high", packet.PriorityHigh, packet.PriorityEmergency, false},
		{"equal does not preempt", packet.PriorityNormal, packet.PriorityNormal, true},
		{"equal high does not preempt", packet.PriorityHigh, packet.PriorityHigh, true},
		{"lower does not preempt", packet.PriorityHigh, packet.PriorityNormal, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := time.Unix(1000, 0)
			a := newTestArbiter(&now)
			a.PacketReceived("aa", tt.rx)
			if got := a.ChannelBusy(tt.tx); got != tt.wantBusy {
				t.Errorf("ChannelBusy(%v) while Receiving(%v) = %v, want %v", tt.tx, tt.rx, got, tt.wantBusy)
			}
		})
	}
}

func TestStaleReceiveNotBusy(t *testing.T) {
	now := time.Unix(1000, 0)
	a := newTestArbiter(&now)
	a.PacketReceived("aa", packet.PriorityEmergency)

	now = now.Add(DefaultRxTimeout + time.Millisecond)
	if a.ChannelBusy(packet.PriorityNormal) {
		t.Error("ChannelBusy() with stale receive = true, want false")
	}
}

func TestTransmittingAlwaysBusy(t *testing.T) {
	a := newTestArbiter(nil)
	a.BeginTransmit()
	if !a.ChannelBusy(packet.PriorityEmergency) {
		t.Error("ChannelBusy(Emergency) while Transmitting = false, want true")
	}
	a.EndTransmit()
	if a.State() != Idle {
		t.Errorf("state after EndTransmit = %v, want Idle", a.State())
	}
}

func TestTransmitSlot(t *testing.T) {
	a := newTestArbiter(nil)
	if !a.TryAcquireTx() {
		t.Fatal("TryAcquireTx() on free slot = false")
	}
	if a.TryAcquireTx() {
		t.Error("TryAcquireTx() on held slot = true, want false (reject)")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := a.AcquireTx(ctx); err == nil {
		t.Error("AcquireTx() on held slot returned before release")
	}

	a.ReleaseTx()
	if !a.TryAcquireTx() {
		t.Error("TryAcquireTx() after release = false, want true")
	}
}

func TestWaitForChannelSendsAnywayAfterTimeout(t *testing.T) {
	a := newTestArbiter(nil)
	a.PacketReceived("aa", packet.PriorityNormal)

	// Keep the channel occupied while an equal-priority sender waits.
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				a.PacketReceived("aa", packet.PriorityNormal)
			}
		}
	}()
	defer close(stop)

	start := time.Now()
	if a.WaitForChannel(context.Background(), packet.PriorityNormal) {
		t.Error("WaitForChannel() = true, want false (timed out, send anyway)")
	}
	if waited := time.Since(start); waited < 250*time.Millisecond {
		t.Errorf("waited %v, want at least the configured timeout", waited)
	}
}

func TestWaitForChannelFreesOnIdle(t *testing.T) {
	a := New(50*time.Millisecond, 2*time.Second)
	a.pollInterval = 10 * time.Millisecond
	a.PacketReceived("aa", packet.PriorityNormal)

	// No refreshes: the receive goes stale after rxTimeout and the waiter
	// should proceed well before the wait timeout.
	start := time.Now()
	if !a.WaitForChannel(context.Background(), packet.PriorityNormal) {
		t.Error("WaitForChannel() = false, want true once receive went stale")
	}
	if waited := time.Since(start); waited > time.Second {
		t.Errorf("waited %v, want well under the wait timeout", waited)
	}
}

func TestDNDFilter(t *testing.T) {
	a := newTestArbiter(nil)
	if !a.AllowInbound(packet.PriorityNormal) {
		t.Error("AllowInbound(Normal) with DND off = false")
	}

	a.SetDND(true)
	if a.AllowInbound(packet.PriorityNormal) {
		t.Error("AllowInbound(Normal) with DND on = true, want false")
	}
	if a.AllowInbound(packet.PriorityHigh) {
		t.Error("AllowInbound(High) with DND on = true, want false")
	}
	if !a.AllowInbound(packet.PriorityEmergency) {
		t.Error("AllowInbound(Emergency) with DND on = false, want true")
	}
}

package roomcast

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go"

	"github.com/roomcast/roomcast/pkg/codec"
	"github.com/roomcast/roomcast/pkg/packet"
	"github.com/roomcast/roomcast/pkg/util"
)

const (
	// leadInFrames of silence open far-end speakers and settle their jitter
	// buffers before the first audible frame.
	leadInFrames = 15
	// trailOutFrames of silence keep speakers open while buffered audio
	// drains, avoiding a clipped tail.
	trailOutFrames = 30
)

// ErrChannelBusy is returned when a hub-originated stream is requested while
// another one is already in flight.
var ErrChannelBusy = errors.New("roomcast: transmit already in progress")

func (h *Hub) nextSequence() uint32 {
	return atomic.AddUint32(&h.sequence, 1)
}

func (h *Hub) resetEncoder() error {
	h.encMu.Lock()
	defer h.encMu.Unlock()
	return h.encoder.Reset()
}

func (h *Hub) encodeFrame(pcm []byte) ([]byte, error) {
	h.encMu.Lock()
	defer h.encMu.Unlock()
	return h.encoder.Encode(pcm)
}

func (h *Hub) encodeSilence() ([]byte, error) {
	h.encMu.Lock()
	defer h.encMu.Unlock()
	return h.encoder.EncodeSilence()
}

// sendOpusFrame wraps one encoded frame in a wire packet and sends it,
// unicast when ip is set. Send failures are counted and swallowed.
func (h *Hub) sendOpusFrame(frame []byte, p packet.Priority, ip string) {
	b := packet.Encode(h.deviceID, h.nextSequence(), p, frame)
	err := h.sender.Send(b, ip)
	h.counters.RecordTX(err == nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("udp send failed")
	}
}

// resolveRoom maps a target room to a device IP for unicast delivery. An
// unknown or empty room falls back to multicast.
func (h *Hub) resolveRoom(room string) string {
	if room == "" {
		return ""
	}
	if binding, ok := h.devices.DeviceByRoom(room); ok {
		return binding.IP
	}
	h.logger.Warn().Str("room", room).Msg("no device bound to room, using multicast")
	return ""
}

// Broadcast plays a whole PCM buffer (16 kHz mono 16-bit LE) as one
// hub-originated stream at priority p, framed with lead-in and trail-out
// silence. An empty room falls back to the configured target room, or the
// whole group when none is set. Returns ErrChannelBusy when another hub
// stream is already active.
func (h *Hub) Broadcast(ctx context.Context, pcm []byte, p packet.Priority, room string) error {
	if room == "" {
		room = h.TargetRoom()
	}
	if !h.arb.TryAcquireTx() {
		return ErrChannelBusy
	}
	defer h.arb.ReleaseTx()

	if h.arb.ChannelBusy(p) && !h.arb.WaitForChannel(ctx, p) {
		h.logger.Warn().Str("priority", p.String()).Msg("channel still busy after wait, transmitting anyway")
	}
	h.arb.BeginTransmit()
	h.publishChannelState()
	defer func() {
		h.arb.EndTransmit()
		h.publishChannelState()
	}()

	ip := h.resolveRoom(room)
	if err := h.resetEncoder(); err != nil {
		return err
	}

	audioFrames := (len(pcm) + codec.FrameBytes - 1) / codec.FrameBytes
	total := leadInFrames + audioFrames + trailOutFrames
	silence := make([]byte, codec.FrameBytes)

	var encodeMicros int64
	emit := func(i int) error {
		frame := silence
		audible := false
		if i >= leadInFrames && i < leadInFrames+audioFrames {
			off := (i - leadInFrames) * codec.FrameBytes
			if len(pcm)-off >= codec.FrameBytes {
				frame = pcm[off : off+codec.FrameBytes]
			} else {
				padded := make([]byte, codec.FrameBytes)
				copy(padded, pcm[off:])
				frame = padded
			}
			audible = true
		}

		var opusFrame []byte
		var encErr error
		encodeMicros += util.TimeOperationMicroseconds(func() {
			opusFrame, encErr = h.encodeFrame(frame)
		})
		if encErr != nil {
			h.logger.Warn().Err(encErr).Int("frame", i).Msg("encode failed, skipping frame")
			return nil
		}
		h.sendOpusFrame(opusFrame, p, ip)
		if audible {
			h.web.ForwardPCM(frame, room, p)
		}
		return nil
	}

	drift, err := h.scheduler.Run(ctx, total, emit)

	go h.writeAPI.WritePoint(influxdb2.NewPoint("audio.tx_stream",
		map[string]string{
			"source": "broadcast",
		},
		map[string]interface{}{
			"frames":    total,
			"drift_us":  drift.Microseconds(),
			"encode_us": encodeMicros,
		}, time.Now()))

	return err
}

// PlayChime streams the active chime's pre-encoded frames toward target at
// High priority.
func (h *Hub) PlayChime(ctx context.Context, target string) error {
	frames := h.chimes.Frames("")
	if len(frames) == 0 {
		return errors.New("roomcast: no chime loaded")
	}
	// A call is personal: if the target room has no device, skip rather
	// than ring every room.
	ip := ""
	if target != "" {
		binding, ok := h.devices.DeviceByRoom(target)
		if !ok {
			return fmt.Errorf("roomcast: no device bound to room %q", target)
		}
		ip = binding.IP
	}

	if !h.arb.TryAcquireTx() {
		return ErrChannelBusy
	}
	defer h.arb.ReleaseTx()

	p := packet.PriorityHigh
	if h.arb.ChannelBusy(p) && !h.arb.WaitForChannel(ctx, p) {
		h.logger.Warn().Str("target", target).Msg("channel still busy after wait, playing chime anyway")
	}
	h.arb.BeginTransmit()
	h.publishChannelState()
	defer func() {
		h.arb.EndTransmit()
		h.publishChannelState()
	}()

	drift, err := h.scheduler.Frames(ctx, frames, func(frame []byte, i int) error {
		h.sendOpusFrame(frame, p, ip)
		return nil
	})

	go h.writeAPI.WritePoint(influxdb2.NewPoint("audio.tx_stream",
		map[string]string{
			"source": "chime",
		},
		map[string]interface{}{
			"frames":   len(frames),
			"drift_us": drift.Microseconds(),
		}, time.Now()))

	return err
}

package roomcast

import (
	"context"
	"time"

	"github.com/roomcast/roomcast/pkg/arbiter"
	"github.com/roomcast/roomcast/pkg/packet"
	"github.com/roomcast/roomcast/pkg/web"
)

// pttDrainGap holds the channel after a PTT stop so frames still in flight
// from the client drain before another stream may start.
const pttDrainGap = 750 * time.Millisecond

// pttStream is the state of the one active web PTT relay.
type pttStream struct {
	sess *web.Session
	ip   string
}

// Status returns the channel state and the current inbound sender.
func (h *Hub) Status() (string, string) {
	return h.arb.State().String(), h.arb.CurrentSender()
}

func (h *Hub) Rooms() []string {
	return h.devices.Rooms()
}

func (h *Hub) Version() string {
	return Version
}

// StartPTT claims the channel for a web session. Unlike hub-originated
// streams a press queues behind an in-flight broadcast, bounded by the
// channel wait timeout, instead of being rejected outright.
func (h *Hub) StartPTT(s *web.Session, target string, p packet.Priority) bool {
	if s.Transmitting() {
		// Repeated ptt_start while the press is live is a no-op. The
		// session already holds the transmit slot, so acquiring again
		// would stall its own read loop until the wait times out.
		return true
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), h.waitTimeout())
	defer cancel()

	if err := h.arb.AcquireTx(waitCtx); err != nil {
		return false
	}
	if h.arb.ChannelBusy(p) && !h.arb.WaitForChannel(waitCtx, p) {
		h.logger.Warn().Str("client", s.ClientID()).Msg("channel still busy after wait, relaying anyway")
	}

	if !s.BeginTransmit(target, p, time.Now()) {
		h.arb.ReleaseTx()
		return true
	}

	if err := h.resetEncoder(); err != nil {
		h.logger.Error().Err(err).Msg("encoder reset failed")
		s.EndTransmit()
		h.arb.ReleaseTx()
		return false
	}

	st := &pttStream{sess: s, ip: h.resolveRoom(target)}
	h.pttMu.Lock()
	h.ptt = st
	h.pttMu.Unlock()

	h.arb.BeginTransmit()
	h.publishChannelState()

	// Paced lead-in opens the far-end speakers and settles their jitter
	// buffers before the client's first audible frame.
	h.scheduler.Run(context.Background(), leadInFrames, func(int) error {
		frame, err := h.encodeSilence()
		if err != nil {
			return nil
		}
		h.sendOpusFrame(frame, p, st.ip)
		return nil
	})

	h.logger.Info().Str("client", s.ClientID()).Str("target", target).Str("priority", p.String()).Msg("ptt started")
	return true
}

// RelayPTTFrame encodes one 640-byte PCM frame from the active PTT session
// onto the bus and mirrors the raw PCM to the other web clients. The client
// paces the stream; the hub does not re-time it.
func (h *Hub) RelayPTTFrame(s *web.Session, pcm []byte) {
	h.pttMu.Lock()
	st := h.ptt
	h.pttMu.Unlock()
	if st == nil || st.sess != s {
		return
	}

	opusFrame, err := h.encodeFrame(pcm)
	if err != nil {
		h.logger.Debug().Err(err).Msg("ptt frame encode failed")
		return
	}
	h.sendOpusFrame(opusFrame, s.Priority(), st.ip)
	h.web.RelayFrom(s, pcm)
}

// StopPTT ends a session's relay. The trail-out and channel release run in
// the background so the session's read loop is not blocked for the drain.
func (h *Hub) StopPTT(s *web.Session) {
	h.pttMu.Lock()
	st := h.ptt
	if st == nil || st.sess != s {
		h.pttMu.Unlock()
		s.EndTransmit()
		return
	}
	h.ptt = nil
	h.pttMu.Unlock()

	s.EndTransmit()
	h.logger.Info().Str("client", s.ClientID()).Msg("ptt stopped")
	go h.finishPTT(st)
}

func (h *Hub) finishPTT(st *pttStream) {
	p := st.sess.Priority()
	h.scheduler.Run(context.Background(), trailOutFrames, func(i int) error {
		frame, err := h.encodeSilence()
		if err != nil {
			return nil
		}
		h.sendOpusFrame(frame, p, st.ip)
		return nil
	})

	// Keep the channel held briefly so the far end finishes playback before
	// anyone else grabs it.
	time.Sleep(pttDrainGap)
	h.arb.EndTransmit()
	h.arb.ReleaseTx()
	h.publishChannelState()
}

// Call streams the active chime to the target room and records the call for
// late-joining clients.
func (h *Hub) Call(target, caller string) error {
	h.callMu.Lock()
	h.lastCallTarget = target
	h.lastCallCaller = caller
	h.lastCallTime = time.Now()
	h.callMu.Unlock()

	h.logger.Info().Str("target", target).Str("caller", caller).Msg("call")
	go func() {
		if err := h.PlayChime(context.Background(), target); err != nil {
			h.logger.Warn().Err(err).Str("target", target).Msg("chime playback failed")
		}
	}()
	return nil
}

// RecentCall returns the last call's target, caller and time.
func (h *Hub) RecentCall() (string, string, time.Time, bool) {
	h.callMu.Lock()
	defer h.callMu.Unlock()
	return h.lastCallTarget, h.lastCallCaller, h.lastCallTime, !h.lastCallTime.IsZero()
}

// SetChime selects the active chime set.
func (h *Hub) SetChime(name string) error {
	if err := h.chimes.SetCurrent(name); err != nil {
		return err
	}
	h.publisher.PublishState("chime", name)
	return nil
}

func (h *Hub) waitTimeout() time.Duration {
	if h.opts.ChannelWaitTimeout > 0 {
		return h.opts.ChannelWaitTimeout
	}
	return arbiter.DefaultWaitTimeout
}

// Package roomcast implements the intercom hub: it arbitrates the shared
// half-duplex audio channel, relays inbound UDP audio to web clients with
// loss concealment, and originates broadcast, chime and PTT streams onto the
// bus.
package roomcast

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/influxdata/influxdb-client-go/api"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/roomcast/roomcast/pkg/arbiter"
	"github.com/roomcast/roomcast/pkg/chime"
	"github.com/roomcast/roomcast/pkg/codec"
	"github.com/roomcast/roomcast/pkg/conceal"
	"github.com/roomcast/roomcast/pkg/control"
	"github.com/roomcast/roomcast/pkg/packet"
	"github.com/roomcast/roomcast/pkg/pacing"
	"github.com/roomcast/roomcast/pkg/registry"
	"github.com/roomcast/roomcast/pkg/stats"
	"github.com/roomcast/roomcast/pkg/transport"
	"github.com/roomcast/roomcast/pkg/util"
	"github.com/roomcast/roomcast/pkg/web"
)

const Version = "1.2.0"

const (
	// idlePollInterval bounds UDP reads so the receive loop can expire a
	// stale Receiving state between packets.
	idlePollInterval = 100 * time.Millisecond

	defaultSessionIdleTimeout = 5 * time.Second

	watchdogInterval = time.Second
)

// streamEncoder is the outbound Opus surface of the audio codec.
// *codec.Encoder satisfies it.
type streamEncoder interface {
	Reset() error
	Encode(pcm []byte) ([]byte, error)
	EncodeSilence() ([]byte, error)
}

// busSender is the outbound UDP surface of the transport layer.
// *transport.Sender satisfies it.
type busSender interface {
	Send(b []byte, ip string) error
	Close() error
}

type Options struct {
	MulticastGroup     string
	AudioPort          int
	WebListenAddr      string
	ChimesDir          string
	DeviceName         string
	RxTimeout          time.Duration
	ChannelWaitTimeout time.Duration
	SessionIdleTimeout time.Duration
	RecvBuffer         int
}

type Hub struct {
	opts      Options
	logger    zerolog.Logger
	writeAPI  api.WriteAPI
	publisher control.StatePublisher

	deviceID  [packet.DeviceIDSize]byte
	deviceHex string
	sequence  uint32

	sender    busSender
	receiver  *transport.Receiver
	arb       *arbiter.Arbiter
	devices   *registry.DeviceTable
	concealer *conceal.Concealer
	rxStats   *stats.RxStats
	counters  *stats.Counters
	chimes    *chime.Store
	web       *web.Server
	scheduler *pacing.Scheduler

	// encoder is shared by all outbound streams. The Opus encoder keeps
	// cross-frame prediction state and is not safe for concurrent use;
	// streams hold the transmit slot, but a force-stopped PTT's trail-out
	// can overlap a relay frame still in flight, so every encoder call
	// goes through encMu.
	encMu   sync.Mutex
	encoder streamEncoder

	settingsMu sync.Mutex
	volume     int
	muted      bool
	targetRoom string

	callMu         sync.Mutex
	lastCallTarget string
	lastCallCaller string
	lastCallTime   time.Time

	pttMu sync.Mutex
	ptt   *pttStream
}

type HubOption func(h *Hub) error

func WithInfluxDB(influxClient api.WriteAPI) HubOption {
	return func(h *Hub) error {
		h.writeAPI = influxClient
		return nil
	}
}

func WithLogger(logger zerolog.Logger) HubOption {
	return func(h *Hub) error {
		h.logger = logger
		return nil
	}
}

func WithStatePublisher(p control.StatePublisher) HubOption {
	return func(h *Hub) error {
		h.publisher = p
		return nil
	}
}

func New(options Options, opts ...HubOption) (*Hub, error) {
	if options.MulticastGroup == "" || options.AudioPort == 0 {
		return nil, fmt.Errorf("must specify multicast group and audio port")
	}
	if options.SessionIdleTimeout <= 0 {
		options.SessionIdleTimeout = defaultSessionIdleTimeout
	}

	h := &Hub{
		opts:      options,
		logger:    log.Logger,
		writeAPI:  &util.MockWriteAPI{}, // overwritten with option
		publisher: control.NopPublisher{},
		devices:   registry.NewDeviceTable(),
		rxStats:   stats.NewRxStats(),
		scheduler: pacing.NewScheduler(),
		volume:    100,
	}

	for _, opt := range opts {
		if err := opt(h); err != nil {
			return nil, err
		}
	}

	h.deviceID = deviceIDFor(options.DeviceName)
	h.deviceHex = hex.EncodeToString(h.deviceID[:])
	h.arb = arbiter.New(options.RxTimeout, options.ChannelWaitTimeout)
	h.counters = stats.NewCounters(h.writeAPI, h.logger)
	h.chimes = chime.NewStore(func() (chime.FrameEncoder, error) {
		return codec.NewEncoder()
	}, h.logger)

	encoder, err := codec.NewEncoder()
	if err != nil {
		return nil, err
	}
	h.encoder = encoder

	decoder, err := codec.NewDecoder()
	if err != nil {
		return nil, err
	}
	h.concealer = conceal.New(decoder)

	h.sender, err = transport.NewSender(options.MulticastGroup, options.AudioPort)
	if err != nil {
		return nil, err
	}
	h.receiver, err = transport.NewReceiver(options.MulticastGroup, options.AudioPort, options.RecvBuffer)
	if err != nil {
		h.sender.Close()
		return nil, err
	}

	h.web = web.NewServer(options.WebListenAddr, h, h.rxStats, h.chimes, h.logger)

	if options.ChimesDir != "" {
		if err := h.chimes.LoadDir(options.ChimesDir); err != nil {
			h.logger.Warn().Err(err).Str("dir", options.ChimesDir).Msg("failed to load chimes")
		}
	}

	return h, nil
}

// deviceIDFor derives the hub's 8-byte bus identity from its configured name,
// falling back to the hostname so restarts keep a stable ID.
func deviceIDFor(name string) [packet.DeviceIDSize]byte {
	if name == "" {
		name, _ = os.Hostname()
	}
	sum := md5.Sum([]byte(name))
	var id [packet.DeviceIDSize]byte
	copy(id[:], sum[:packet.DeviceIDSize])
	return id
}

func (h *Hub) Start(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return h.receiveLoop(ctx)
	})
	eg.Go(func() error {
		return h.watchdogLoop(ctx)
	})
	eg.Go(func() error {
		return h.web.Run(ctx)
	})

	h.logger.Info().
		Str("device_id", h.deviceHex).
		Str("group", h.opts.MulticastGroup).
		Int("port", h.opts.AudioPort).
		Str("web", h.opts.WebListenAddr).
		Msg("Starting")

	return eg.Wait()
}

func (h *Hub) Close() error {
	h.receiver.Close()
	return h.sender.Close()
}

// receiveLoop drives the inbound half of the bus: read, decode, conceal,
// fan out. All per-packet failures skip the packet and keep the loop alive.
func (h *Hub) receiveLoop(ctx context.Context) error {
	buf := make([]byte, 4096)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, _, err := h.receiver.ReadDeadline(buf, time.Now().Add(idlePollInterval))
		if err != nil {
			if transport.IsTimeout(err) {
				if h.arb.CheckIdle() {
					h.concealer.Reset()
					h.publishChannelState()
				}
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			h.logger.Warn().Err(err).Msg("udp read failed")
			continue
		}
		h.handlePacket(buf[:n])
	}
}

func (h *Hub) handlePacket(data []byte) {
	pkt, err := packet.Decode(data)
	if err != nil {
		h.logger.Debug().Err(err).Int("bytes", len(data)).Msg("dropping malformed packet")
		return
	}
	sender := hex.EncodeToString(pkt.DeviceID[:])
	if sender == h.deviceHex {
		// Unicast from another process on this host can still echo back.
		return
	}

	h.counters.RecordRX(sender, pkt.Sequence)
	h.rxStats.Record(sender, pkt.Sequence, pkt.Priority)
	h.counters.MaybeReport()

	// DND drops everything below Emergency, after counting.
	if !h.arb.AllowInbound(pkt.Priority) {
		return
	}

	if h.arb.PacketReceived(sender, pkt.Priority) {
		h.publishChannelState()
	}
	if len(pkt.Payload) == 0 {
		return
	}

	frames, err := h.concealer.Process(sender, pkt.Sequence, pkt.Payload)
	if err != nil {
		h.logger.Debug().Err(err).Str("sender", sender).Msg("frame decode failed")
	}
	if h.isMuted() {
		return
	}

	room, _ := h.devices.TargetFor(sender)
	for _, pcm := range frames {
		h.applyGain(pcm)
		h.web.ForwardPCM(pcm, room, pkt.Priority)
	}
}

// watchdogLoop force-resets sessions that claim to be transmitting but have
// gone silent, so a dropped client cannot hold the channel.
func (h *Hub) watchdogLoop(ctx context.Context) error {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, sess := range h.web.StuckSessions(h.opts.SessionIdleTimeout, time.Now()) {
				h.logger.Warn().Str("client", sess.ClientID()).Msg("force-resetting stuck ptt session")
				h.StopPTT(sess)
			}
		}
	}
}

func (h *Hub) publishChannelState() {
	status, _ := h.Status()
	h.publisher.PublishState("state", status)

	h.pttMu.Lock()
	var speaker *web.Session
	if h.ptt != nil {
		speaker = h.ptt.sess
	}
	h.pttMu.Unlock()
	h.web.BroadcastChannelState(status, speaker)
}

func (h *Hub) publishTargets() {
	rooms := h.devices.Rooms()
	h.publisher.PublishState("targets", strings.Join(rooms, ","))
	h.web.BroadcastJSON(map[string]interface{}{"type": "targets", "rooms": rooms})
}

// TargetRoom returns the configured destination for hub-originated streams.
// Empty means the whole group.
func (h *Hub) TargetRoom() string {
	h.settingsMu.Lock()
	defer h.settingsMu.Unlock()
	return h.targetRoom
}

func (h *Hub) isMuted() bool {
	h.settingsMu.Lock()
	defer h.settingsMu.Unlock()
	return h.muted
}

// applyGain scales decoded PCM in place by the configured volume.
func (h *Hub) applyGain(pcm []byte) {
	h.settingsMu.Lock()
	volume := h.volume
	h.settingsMu.Unlock()
	if volume >= 100 {
		return
	}
	samples := codec.PCMToSamples(pcm)
	for i, s := range samples {
		samples[i] = int16(int(s) * volume / 100)
	}
	copy(pcm, codec.SamplesToPCM(samples))
}

// HandleCommand applies one control-plane settings command. Unknown fields
// are ignored; unparsable values report an error and change nothing.
func (h *Hub) HandleCommand(field, value string) error {
	switch field {
	case "volume":
		v, err := strconv.Atoi(value)
		if err != nil || v < 0 || v > 100 {
			return fmt.Errorf("roomcast: invalid volume %q", value)
		}
		h.settingsMu.Lock()
		h.volume = v
		h.settingsMu.Unlock()
		h.publisher.PublishState("volume", value)
	case "mute":
		on, err := parseSwitch(value)
		if err != nil {
			return err
		}
		h.settingsMu.Lock()
		h.muted = on
		h.settingsMu.Unlock()
		h.publisher.PublishState("mute", strconv.FormatBool(on))
	case "dnd":
		on, err := parseSwitch(value)
		if err != nil {
			return err
		}
		h.arb.SetDND(on)
		h.publisher.PublishState("dnd", strconv.FormatBool(on))
	case "priority":
		h.arb.SetTxPriority(packet.ParsePriority(value))
		h.publisher.PublishState("priority", h.arb.TxPriority().String())
	case "target":
		h.settingsMu.Lock()
		h.targetRoom = value
		h.settingsMu.Unlock()
		h.publisher.PublishState("target", value)
	case "chime":
		return h.SetChime(value)
	default:
		h.logger.Debug().Str("field", field).Msg("ignoring unknown command")
	}
	return nil
}

func parseSwitch(value string) (bool, error) {
	switch value {
	case "on", "true", "1":
		return true, nil
	case "off", "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("roomcast: invalid switch value %q", value)
}

// OnCall plays the active chime toward target on behalf of caller.
func (h *Hub) OnCall(target, caller string) error {
	return h.Call(target, caller)
}

// OnDeviceDiscovered records a device binding fed in by external discovery.
func (h *Hub) OnDeviceDiscovered(id, room, ip string) {
	if h.devices.Discover(id, room, ip) {
		h.logger.Info().Str("device", id).Str("room", room).Str("ip", ip).Msg("device discovered")
		h.publishTargets()
	}
}

// OnDeviceTarget records where a device says its audio is aimed. Routing
// uses it to deliver that device's decoded audio to the matching web session
// only.
func (h *Hub) OnDeviceTarget(id, room string) {
	if room == "" {
		h.devices.ClearTarget(id)
		return
	}
	h.devices.SetTarget(id, room)
}

// OnDeviceOffline drops a device binding.
func (h *Hub) OnDeviceOffline(id string) {
	if h.devices.Offline(id) {
		h.logger.Info().Str("device", id).Msg("device offline")
		h.publishTargets()
	}
}

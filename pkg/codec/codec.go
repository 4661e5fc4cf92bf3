// Package codec wraps the Opus encoder and decoder used on the audio bus.
// Every producer (broadcast, chime, web PTT) shares the same fixed format:
// 16 kHz mono, 20 ms frames, 32 kbit/s with in-band FEC.
package codec

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/hraban/opus"
)

const (
	SampleRate    = 16000
	Channels      = 1
	FrameDuration = 20 * time.Millisecond

	// FrameSamples is the number of samples in one 20 ms frame.
	FrameSamples = SampleRate / 1000 * 20

	// FrameBytes is the size of one frame as 16-bit little-endian PCM.
	FrameBytes = FrameSamples * 2

	// Bitrate matches the edge-node firmware so every stream on the bus
	// sounds the same regardless of who encoded it.
	Bitrate = 32000

	packetLossPerc = 10
	maxFrameBytes  = 4000
)

// Encoder encodes 640-byte PCM frames to Opus. Not safe for concurrent use.
type Encoder struct {
	enc *opus.Encoder
	buf [maxFrameBytes]byte
}

func NewEncoder() (*Encoder, error) {
	e := &Encoder{}
	if err := e.Reset(); err != nil {
		return nil, err
	}
	return e, nil
}

// Reset recreates the underlying Opus state. Must be called at the start of
// every independent stream: linear-prediction history carried across
// unrelated streams produces audible ghost audio in the first frames.
func (e *Encoder) Reset() error {
	enc, err := opus.NewEncoder(SampleRate, Channels, opus.AppVoIP)
	if err != nil {
		return fmt.Errorf("codec: create encoder: %w", err)
	}
	if err := enc.SetBitrate(Bitrate); err != nil {
		return fmt.Errorf("codec: set bitrate: %w", err)
	}
	if err := enc.SetInBandFEC(true); err != nil {
		return fmt.Errorf("codec: enable FEC: %w", err)
	}
	if err := enc.SetPacketLossPerc(packetLossPerc); err != nil {
		return fmt.Errorf("codec: set packet loss: %w", err)
	}
	e.enc = enc
	return nil
}

// Encode converts one 640-byte little-endian PCM frame to an Opus frame.
func (e *Encoder) Encode(pcm []byte) ([]byte, error) {
	if len(pcm) != FrameBytes {
		return nil, fmt.Errorf("codec: encode input is %d bytes, want %d", len(pcm), FrameBytes)
	}
	n, err := e.enc.Encode(PCMToSamples(pcm), e.buf[:])
	if err != nil {
		return nil, fmt.Errorf("codec: encode: %w", err)
	}
	out := make([]byte, n)
	copy(out, e.buf[:n])
	return out, nil
}

// EncodeSilence encodes one frame of silence, maintaining encoder state
// continuity for lead-in and trail-out padding.
func (e *Encoder) EncodeSilence() ([]byte, error) {
	return e.Encode(make([]byte, FrameBytes))
}

// Decoder decodes Opus frames back to 640-byte PCM, including FEC and PLC
// recovery paths. Not safe for concurrent use.
type Decoder struct {
	dec *opus.Decoder
	pcm [FrameSamples]int16
}

func NewDecoder() (*Decoder, error) {
	d := &Decoder{}
	if err := d.Reset(); err != nil {
		return nil, err
	}
	return d, nil
}

// Reset recreates the decoder state. Called whenever the sender identity
// changes mid-stream so unrelated audio is never stitched together.
func (d *Decoder) Reset() error {
	dec, err := opus.NewDecoder(SampleRate, Channels)
	if err != nil {
		return fmt.Errorf("codec: create decoder: %w", err)
	}
	d.dec = dec
	return nil
}

// Decode decodes one Opus frame to PCM.
func (d *Decoder) Decode(frame []byte) ([]byte, error) {
	n, err := d.dec.Decode(frame, d.pcm[:])
	if err != nil {
		return nil, fmt.Errorf("codec: decode: %w", err)
	}
	return SamplesToPCM(d.pcm[:n]), nil
}

// DecodeFEC recovers the frame preceding the given one from the redundant
// data Opus embeds when in-band FEC is enabled on the sender.
func (d *Decoder) DecodeFEC(frame []byte) ([]byte, error) {
	if err := d.dec.DecodeFEC(frame, d.pcm[:]); err != nil {
		return nil, fmt.Errorf("codec: decode fec: %w", err)
	}
	return SamplesToPCM(d.pcm[:]), nil
}

// DecodePLC synthesizes one frame of concealment audio with no input data.
func (d *Decoder) DecodePLC() ([]byte, error) {
	if err := d.dec.DecodePLC(d.pcm[:]); err != nil {
		return nil, fmt.Errorf("codec: decode plc: %w", err)
	}
	return SamplesToPCM(d.pcm[:]), nil
}

// PCMToSamples reinterprets little-endian 16-bit PCM bytes as samples.
func PCMToSamples(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples
}

// SamplesToPCM packs samples as little-endian 16-bit PCM bytes.
func SamplesToPCM(samples []int16) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}
	return pcm
}

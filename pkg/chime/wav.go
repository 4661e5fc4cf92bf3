package chime

import (
	"encoding/binary"
	"fmt"

	"github.com/roomcast/roomcast/pkg/codec"
)

// MinWAVSize is the smallest conceivable PCM WAV file: RIFF/WAVE header,
// fmt chunk and an empty data chunk.
const MinWAVSize = 44

// wavInfo is the decoded fmt chunk plus raw sample data.
type wavInfo struct {
	channels      int
	sampleRate    int
	bitsPerSample int
	data          []byte
}

// parseWAV scans RIFF chunks for fmt and data, skipping anything else
// (LIST/INFO chunks are common in authored files).
func parseWAV(raw []byte) (wavInfo, error) {
	if len(raw) < 12 || string(raw[0:4]) != "RIFF" || string(raw[8:12]) != "WAVE" {
		return wavInfo{}, fmt.Errorf("chime: not a RIFF/WAVE file")
	}

	var info wavInfo
	haveFmt, haveData := false, false
	pos := 12
	for pos+8 <= len(raw) {
		id := string(raw[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(raw[pos+4 : pos+8]))
		body := pos + 8
		if body+size > len(raw) {
			size = len(raw) - body
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return wavInfo{}, fmt.Errorf("chime: fmt chunk too short")
			}
			format := binary.LittleEndian.Uint16(raw[body:])
			if format != 1 {
				return wavInfo{}, fmt.Errorf("chime: unsupported WAV format %d (PCM only)", format)
			}
			info.channels = int(binary.LittleEndian.Uint16(raw[body+2:]))
			info.sampleRate = int(binary.LittleEndian.Uint32(raw[body+4:]))
			info.bitsPerSample = int(binary.LittleEndian.Uint16(raw[body+14:]))
			haveFmt = true
		case "data":
			info.data = raw[body : body+size]
			haveData = true
		}

		pos = body + size
		if size%2 == 1 {
			pos++ // chunks are word-aligned
		}
	}

	if !haveFmt || !haveData {
		return wavInfo{}, fmt.Errorf("chime: missing fmt or data chunk")
	}
	if info.channels < 1 || info.sampleRate <= 0 {
		return wavInfo{}, fmt.Errorf("chime: invalid fmt chunk (%d channels, %d Hz)", info.channels, info.sampleRate)
	}
	return info, nil
}

func clamp16(v int) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

// decodeSamples converts raw sample data of any supported width to 16-bit.
func decodeSamples(info wavInfo) ([]int16, error) {
	width := info.bitsPerSample / 8
	switch width {
	case 1, 2, 3, 4:
	default:
		return nil, fmt.Errorf("chime: unsupported sample width %d bits", info.bitsPerSample)
	}

	n := len(info.data) / width
	samples := make([]int16, n)
	for i := 0; i < n; i++ {
		b := info.data[i*width:]
		switch width {
		case 1:
			// 8-bit WAV is unsigned
			samples[i] = int16(int(b[0])-128) << 8
		case 2:
			samples[i] = int16(binary.LittleEndian.Uint16(b))
		case 3:
			v := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16
			if v >= 1<<23 {
				v -= 1 << 24
			}
			samples[i] = int16(v >> 8)
		case 4:
			samples[i] = int16(int32(binary.LittleEndian.Uint32(b)) >> 16)
		}
	}
	return samples, nil
}

// downmix averages interleaved channels to mono.
func downmix(samples []int16, channels int) []int16 {
	if channels == 1 {
		return samples
	}
	frames := len(samples) / channels
	mono := make([]int16, frames)
	for i := 0; i < frames; i++ {
		sum := 0
		for c := 0; c < channels; c++ {
			sum += int(samples[i*channels+c])
		}
		mono[i] = clamp16(sum / channels)
	}
	return mono
}

// resample converts to the bus rate by linear interpolation. Good enough for
// chimes; real voice never passes through here.
func resample(mono []int16, from int) []int16 {
	if from == codec.SampleRate || len(mono) == 0 {
		return mono
	}
	ratio := float64(from) / float64(codec.SampleRate)
	out := make([]int16, int(float64(len(mono))/ratio))
	for i := range out {
		pos := float64(i) * ratio
		lo := int(pos)
		hi := lo + 1
		if hi >= len(mono) {
			out[i] = mono[lo]
			continue
		}
		frac := pos - float64(lo)
		out[i] = clamp16(int(float64(mono[lo])*(1-frac) + float64(mono[hi])*frac))
	}
	return out
}

// ConvertToBusPCM converts an arbitrary PCM WAV file to the bus format:
// 16 kHz mono 16-bit little-endian.
func ConvertToBusPCM(raw []byte) ([]byte, error) {
	info, err := parseWAV(raw)
	if err != nil {
		return nil, err
	}
	samples, err := decodeSamples(info)
	if err != nil {
		return nil, err
	}
	mono := downmix(samples, info.channels)
	return codec.SamplesToPCM(resample(mono, info.sampleRate)), nil
}

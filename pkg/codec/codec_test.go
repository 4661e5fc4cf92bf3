package codec

import (
	"reflect"
	"testing"
)

func TestPCMSampleConversionRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		samples []int16
	}{
		{"silence", []int16{0, 0, 0, 0}},
		{"extremes", []int16{-32768, 32767, -1, 1}},
		{"ramp", []int16{-3, -2, -1, 0, 1, 2, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PCMToSamples(SamplesToPCM(tt.samples))
			if !reflect.DeepEqual(got, tt.samples) {
				t.Errorf("round trip = %v, want %v", got, tt.samples)
			}
		})
	}
}

func TestPCMToSamplesLittleEndian(t *testing.T) {
	got := PCMToSamples([]byte{0x01, 0x00, 0xff, 0xff})
	want := []int16{1, -1}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("PCMToSamples() = %v, want %v", got, want)
	}
}

func TestFrameConstants(t *testing.T) {
	if FrameSamples != 320 {
		t.Errorf("FrameSamples = %d, want 320", FrameSamples)
	}
	if FrameBytes != 640 {
		t.Errorf("FrameBytes = %d, want 640", FrameBytes)
	}
}

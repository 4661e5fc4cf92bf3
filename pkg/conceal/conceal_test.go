package conceal

import (
	"errors"
	"testing"
)

type fakeDecoder struct {
	decodes int
	fecs    int
	plcs    int
	resets  int
	failPLC bool
}

func (f *fakeDecoder) Decode(frame []byte) ([]byte, error) {
	f.decodes++
	return []byte("pcm"), nil
}

func (f *fakeDecoder) DecodeFEC(frame []byte) ([]byte, error) {
	f.fecs++
	return []byte("fec"), nil
}

func (f *fakeDecoder) DecodePLC() ([]byte, error) {
	f.plcs++
	if f.failPLC {
		return nil, errors.New("plc failed")
	}
	return []byte("plc"), nil
}

func (f *fakeDecoder) Reset() error {
	f.resets++
	return nil
}

func feed(t *testing.T, c *Concealer, sender string, seqs ...uint32) {
	t.Helper()
	for _, seq := range seqs {
		if _, err := c.Process(sender, seq, []byte{0x01}); err != nil {
			t.Fatalf("Process(seq=%d) error = %v", seq, err)
		}
	}
}

func TestGapClassification(t *testing.T) {
	tests := []struct {
		name      string
		seqs      []uint32
		wantFEC   int
		wantPLC   int
		wantPCM   int // frames emitted for the final packet
	}{
		{"no gap", []uint32{10, 11, 12}, 0, 0, 1},
		{"gap of one uses fec", []uint32{10, 11, 13}, 1, 0, 2},
		{"gap of four uses plc", []uint32{10, 15}, 0, 4, 5},
		{"gap of nine skips recovery", []uint32{10, 20}, 0, 0, 1},
		{"duplicate skips recovery", []uint32{10, 10}, 0, 0, 1},
		{"reorder skips recovery", []uint32{10, 8}, 0, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := &fakeDecoder{}
			c := New(dec)
			feed(t, c, "aa", tt.seqs[:len(tt.seqs)-1]...)
			out, err := c.Process("aa", tt.seqs[len(tt.seqs)-1], []byte{0x01})
			if err != nil {
				t.Fatalf("Process() error = %v", err)
			}
			if dec.fecs != tt.wantFEC {
				t.Errorf("FEC decodes = %d, want %d", dec.fecs, tt.wantFEC)
			}
			if dec.plcs != tt.wantPLC {
				t.Errorf("PLC syntheses = %d, want %d", dec.plcs, tt.wantPLC)
			}
			if len(out) != tt.wantPCM {
				t.Errorf("emitted frames = %d, want %d", len(out), tt.wantPCM)
			}
		})
	}
}

func TestSequenceWrap(t *testing.T) {
	dec := &fakeDecoder{}
	c := New(dec)
	feed(t, c, "aa", 1<<32-1, 0)
	if dec.fecs != 0 || dec.plcs != 0 {
		t.Errorf("wrap with no loss triggered recovery: fec=%d plc=%d", dec.fecs, dec.plcs)
	}

	// One frame lost across the wrap boundary.
	feed(t, c, "aa", 2)
	if dec.fecs != 1 {
		t.Errorf("FEC decodes = %d, want 1", dec.fecs)
	}
}

func TestSenderChangeResetsDecoder(t *testing.T) {
	dec := &fakeDecoder{}
	c := New(dec)
	feed(t, c, "aa", 100, 101)
	resets := dec.resets

	// New sender with a wildly different sequence: decoder resets and the
	// apparent gap is ignored.
	feed(t, c, "bb", 5)
	if dec.resets != resets+1 {
		t.Errorf("resets = %d, want %d", dec.resets, resets+1)
	}
	if dec.fecs != 0 || dec.plcs != 0 {
		t.Errorf("sender change triggered recovery: fec=%d plc=%d", dec.fecs, dec.plcs)
	}
}

func TestPLCFailureStopsRecovery(t *testing.T) {
	dec := &fakeDecoder{failPLC: true}
	c := New(dec)
	feed(t, c, "aa", 10)
	out, err := c.Process("aa", 13, []byte{0x01})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if dec.plcs != 1 {
		t.Errorf("PLC attempts = %d, want 1 (stop after first failure)", dec.plcs)
	}
	if len(out) != 1 {
		t.Errorf("emitted frames = %d, want 1 (current only)", len(out))
	}
}

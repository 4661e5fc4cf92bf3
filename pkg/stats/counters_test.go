package stats

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/roomcast/roomcast/pkg/util"
)

func TestCountersGapAndDuplicateTracking(t *testing.T) {
	c := NewCounters(&util.MockWriteAPI{}, zerolog.Nop())

	c.RecordRX("aa", 10)
	c.RecordRX("aa", 11) // contiguous
	c.RecordRX("aa", 11) // duplicate
	c.RecordRX("aa", 14) // gap of 2
	c.RecordRX("bb", 5)  // first packet from new sender, no gap

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rxPackets != 5 {
		t.Errorf("rxPackets = %d, want 5", c.rxPackets)
	}
	if c.duplicates != 1 {
		t.Errorf("duplicates = %d, want 1", c.duplicates)
	}
	if c.gaps != 2 {
		t.Errorf("gaps = %d, want 2", c.gaps)
	}
}

func TestCountersTX(t *testing.T) {
	c := NewCounters(&util.MockWriteAPI{}, zerolog.Nop())
	c.RecordTX(true)
	c.RecordTX(true)
	c.RecordTX(false)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.txPackets != 2 || c.txErrors != 1 {
		t.Errorf("tx = %d/%d errors, want 2/1", c.txPackets, c.txErrors)
	}
}

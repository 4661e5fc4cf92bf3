package stats

import (
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/rs/zerolog"
)

const reportInterval = time.Minute

// Counters aggregates multicast TX/RX packet statistics for debugging audio
// issues: sends, send errors, receives, sequence gaps, and duplicates. A
// summary is logged and written to InfluxDB once a minute, then the window
// resets.
type Counters struct {
	mu         sync.Mutex
	txPackets  uint64
	txErrors   uint64
	rxPackets  uint64
	gaps       uint64
	duplicates uint64
	senderSeqs map[string]uint32
	lastReport time.Time

	writeAPI api.WriteAPI
	logger   zerolog.Logger
}

func NewCounters(writeAPI api.WriteAPI, logger zerolog.Logger) *Counters {
	return &Counters{
		senderSeqs: make(map[string]uint32),
		lastReport: time.Now(),
		writeAPI:   writeAPI,
		logger:     logger,
	}
}

// RecordTX notes one send attempt.
func (c *Counters) RecordTX(ok bool) {
	c.mu.Lock()
	if ok {
		c.txPackets++
	} else {
		c.txErrors++
	}
	c.mu.Unlock()
}

// RecordRX notes one received packet and tracks sequence continuity per
// sender for gap and duplicate counting.
func (c *Counters) RecordRX(sender string, sequence uint32) {
	c.mu.Lock()
	c.rxPackets++
	if last, ok := c.senderSeqs[sender]; ok {
		switch {
		case sequence == last:
			c.duplicates++
		case sequence > last+1:
			c.gaps += uint64(sequence - last - 1)
		}
	}
	c.senderSeqs[sender] = sequence
	c.mu.Unlock()
}

// MaybeReport logs and emits the current window if the report interval has
// elapsed. Safe to call from any goroutine; the hot path pays one lock.
func (c *Counters) MaybeReport() {
	c.mu.Lock()
	if time.Since(c.lastReport) < reportInterval {
		c.mu.Unlock()
		return
	}
	tx, txErr := c.txPackets, c.txErrors
	rx, gaps, dupes := c.rxPackets, c.gaps, c.duplicates
	c.txPackets, c.txErrors = 0, 0
	c.rxPackets, c.gaps, c.duplicates = 0, 0, 0
	c.senderSeqs = make(map[string]uint32)
	c.lastReport = time.Now()
	c.mu.Unlock()

	c.logger.Info().
		Uint64("tx_packets", tx).
		Uint64("tx_errors", txErr).
		Uint64("rx_packets", rx).
		Uint64("sequence_gaps", gaps).
		Uint64("duplicates", dupes).
		Msg("multicast stats (60s window)")

	go c.writeAPI.WritePoint(influxdb2.NewPoint("audio.bus_window",
		map[string]string{},
		map[string]interface{}{
			"tx_packets":    int(tx),
			"tx_errors":     int(txErr),
			"rx_packets":    int(rx),
			"sequence_gaps": int(gaps),
			"duplicates":    int(dupes),
		}, time.Now()))
}

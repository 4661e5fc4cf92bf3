// Package stats tracks per-sender receive statistics and aggregate bus
// counters for the hub's audio path. The record paths sit on the UDP hot
// path, so locks are held only for map lookups and in-place mutations.
package stats

import (
	"sync"
	"time"

	"github.com/roomcast/roomcast/pkg/packet"
)

// Entry is the per-sender receive record, keyed by the sender's 8-byte
// device ID in hex.
type Entry struct {
	FirstRx     time.Time
	LastRx      time.Time
	PacketCount uint64
	SeqMin      uint32
	SeqMax      uint32
	Priority    packet.Priority
}

// RxStats records metadata for every accepted UDP audio packet. Written from
// the receive loop, queried from HTTP handlers.
type RxStats struct {
	mu      sync.Mutex
	entries map[string]*Entry
	now     func() time.Time
}

func NewRxStats() *RxStats {
	return &RxStats{
		entries: make(map[string]*Entry),
		now:     time.Now,
	}
}

// Record notes one received packet from sender.
func (s *RxStats) Record(sender string, sequence uint32, priority packet.Priority) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[sender]
	if !ok {
		s.entries[sender] = &Entry{
			FirstRx:     now,
			LastRx:      now,
			PacketCount: 1,
			SeqMin:      sequence,
			SeqMax:      sequence,
			Priority:    priority,
		}
		return
	}
	e.LastRx = now
	e.PacketCount++
	if sequence < e.SeqMin {
		e.SeqMin = sequence
	}
	if sequence > e.SeqMax {
		e.SeqMax = sequence
	}
	e.Priority = priority
}

// Snapshot returns copies of the entries matching the filters. A zero window
// disables the recency filter; an empty sender matches everyone; a zero since
// disables the since filter.
func (s *RxStats) Snapshot(window time.Duration, sender string, since time.Time) map[string]Entry {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make(map[string]Entry)
	for id, e := range s.entries {
		if sender != "" && id != sender {
			continue
		}
		if window > 0 && now.Sub(e.LastRx) > window {
			continue
		}
		if !since.IsZero() && e.LastRx.Before(since) {
			continue
		}
		result[id] = *e
	}
	return result
}

// Clear removes entries whose last packet is older than olderThan and returns
// how many were removed. A zero olderThan clears everything.
func (s *RxStats) Clear(olderThan time.Duration) int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if olderThan <= 0 {
		n := len(s.entries)
		s.entries = make(map[string]*Entry)
		return n
	}

	cutoff := now.Add(-olderThan)
	removed := 0
	for id, e := range s.entries {
		if e.LastRx.Before(cutoff) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed
}

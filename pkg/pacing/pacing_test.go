package pacing

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRunPacingAccuracy(t *testing.T) {
	n := 250
	if testing.Short() {
		n = 50
	}
	s := NewScheduler()
	count := 0
	start := time.Now()
	drift, err := s.Run(context.Background(), n, func(i int) error {
		count++
		return nil
	})
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if count != n {
		t.Fatalf("emitted %d frames, want %d", count, n)
	}

	expected := time.Duration(n) * FrameInterval
	if elapsed < expected || elapsed > expected+10*time.Millisecond {
		t.Errorf("elapsed = %v, want within [%v, %v]", elapsed, expected, expected+10*time.Millisecond)
	}
	if drift < 0 || drift > 10*time.Millisecond {
		t.Errorf("drift = %v, want within [0, 10ms]", drift)
	}
}

func TestRunStopsOnEmitError(t *testing.T) {
	s := NewSchedulerWithInterval(time.Millisecond)
	boom := errors.New("boom")
	count := 0
	_, err := s.Run(context.Background(), 100, func(i int) error {
		count++
		if i == 2 {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Errorf("Run() error = %v, want boom", err)
	}
	if count != 3 {
		t.Errorf("emitted %d frames before stopping, want 3", count)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	s := NewSchedulerWithInterval(5 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	count := 0
	_, err := s.Run(ctx, 1000, func(i int) error {
		count++
		if i == 1 {
			cancel()
		}
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
	if count != 2 {
		t.Errorf("emitted %d frames, want 2", count)
	}
}

func TestFrames(t *testing.T) {
	s := NewSchedulerWithInterval(time.Millisecond)
	frames := [][]byte{{1}, {2}, {3}}
	var got []byte
	_, err := s.Frames(context.Background(), frames, func(frame []byte, i int) error {
		got = append(got, frame[0])
		return nil
	})
	if err != nil {
		t.Fatalf("Frames() error = %v", err)
	}
	if len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Errorf("sent frames = %v, want [1 2 3]", got)
	}
}

// Package chime holds the pre-encoded call chimes. WAV files are converted
// to the bus format and encoded to Opus frames once at load time, so a call
// can start streaming with zero encode latency.
package chime

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/roomcast/roomcast/pkg/codec"
)

// FrameEncoder encodes one 640-byte PCM frame. *codec.Encoder satisfies it.
// Each chime gets a fresh encoder so one file's prediction history never
// contaminates another's.
type FrameEncoder interface {
	Encode(pcm []byte) ([]byte, error)
}

// Info describes one loaded chime for listings.
type Info struct {
	Name     string  `json:"name"`
	Frames   int     `json:"frames"`
	Duration float64 `json:"duration"`
}

// Store maps chime names to their pre-encoded Opus frame sequences, plus the
// currently selected chime. Frame slices are immutable once loaded.
type Store struct {
	mu         sync.RWMutex
	sets       map[string][][]byte
	current    string
	dir        string
	newEncoder func() (FrameEncoder, error)
	logger     zerolog.Logger
}

func NewStore(newEncoder func() (FrameEncoder, error), logger zerolog.Logger) *Store {
	return &Store{
		sets:       make(map[string][][]byte),
		newEncoder: newEncoder,
		logger:     logger,
	}
}

// LoadDir loads every .wav file in dir. The chime name is the filename stem.
// Individual file failures are logged and skipped. The directory becomes the
// store's backing dir: later uploads and deletes are mirrored to it.
func (s *Store) LoadDir(dir string) error {
	s.mu.Lock()
	s.dir = dir
	s.mu.Unlock()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("chime: read dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".wav") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			s.logger.Warn().Err(err).Str("chime", name).Msg("failed to read chime file")
			continue
		}
		n, err := s.Load(name, raw)
		if err != nil {
			s.logger.Warn().Err(err).Str("chime", name).Msg("failed to load chime")
			continue
		}
		s.logger.Info().Str("chime", name).Int("frames", n).Msg("chime loaded")
	}
	return nil
}

// Load converts and pre-encodes one WAV file under the given name. The first
// successful load becomes the current selection.
func (s *Store) Load(name string, wav []byte) (int, error) {
	pcm, err := ConvertToBusPCM(wav)
	if err != nil {
		return 0, err
	}
	enc, err := s.newEncoder()
	if err != nil {
		return 0, fmt.Errorf("chime: create encoder: %w", err)
	}

	var frames [][]byte
	for off := 0; off < len(pcm); off += codec.FrameBytes {
		frame := pcm[off:]
		if len(frame) >= codec.FrameBytes {
			frame = frame[:codec.FrameBytes]
		} else {
			// Pad the tail to a full 20 ms with silence.
			padded := make([]byte, codec.FrameBytes)
			copy(padded, frame)
			frame = padded
		}
		opus, err := enc.Encode(frame)
		if err != nil {
			return 0, fmt.Errorf("chime: encode frame %d: %w", len(frames), err)
		}
		frames = append(frames, opus)
	}
	if len(frames) == 0 {
		return 0, fmt.Errorf("chime: %q contains no audio", name)
	}

	s.mu.Lock()
	s.sets[name] = frames
	if s.current == "" {
		s.current = name
	}
	s.mu.Unlock()
	return len(frames), nil
}

// Put loads one uploaded WAV and, when the store is backed by a directory,
// persists the file so the chime survives a restart.
func (s *Store) Put(name string, wav []byte) (int, error) {
	n, err := s.Load(name, wav)
	if err != nil {
		return 0, err
	}

	s.mu.RLock()
	dir := s.dir
	s.mu.RUnlock()
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			s.logger.Warn().Err(err).Str("chime", name).Msg("failed to persist chime")
		} else if err := os.WriteFile(filepath.Join(dir, name+".wav"), wav, 0o644); err != nil {
			s.logger.Warn().Err(err).Str("chime", name).Msg("failed to persist chime")
		}
	}
	return n, nil
}

// Remove deletes a chime, along with its backing file when the store is
// directory-backed. Removing the active chime falls back to the first
// remaining one (sorted), never leaving the selection dangling.
func (s *Store) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sets[name]; !ok {
		return false
	}
	delete(s.sets, name)
	if s.current == name {
		s.current = ""
		for _, n := range s.namesLocked() {
			s.current = n
			break
		}
	}
	if s.dir != "" {
		os.Remove(filepath.Join(s.dir, name+".wav"))
	}
	return true
}

// SetCurrent selects the active chime.
func (s *Store) SetCurrent(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sets[name]; !ok {
		return fmt.Errorf("chime: %q not loaded", name)
	}
	s.current = name
	return nil
}

func (s *Store) Current() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Frames returns the frame sequence for name, falling back to the current
// selection and then to any loaded chime. Returns nil when nothing is loaded.
func (s *Store) Frames(name string) [][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if frames, ok := s.sets[name]; ok {
		return frames
	}
	if frames, ok := s.sets[s.current]; ok {
		return frames
	}
	for _, n := range s.namesLocked() {
		return s.sets[n]
	}
	return nil
}

func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.namesLocked()
}

func (s *Store) namesLocked() []string {
	names := make([]string, 0, len(s.sets))
	for n := range s.sets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Infos lists loaded chimes with frame counts and durations in seconds.
func (s *Store) Infos() []Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	infos := make([]Info, 0, len(s.sets))
	for _, n := range s.namesLocked() {
		frames := len(s.sets[n])
		infos = append(infos, Info{
			Name:     n,
			Frames:   frames,
			Duration: float64(frames) * codec.FrameDuration.Seconds(),
		})
	}
	return infos
}

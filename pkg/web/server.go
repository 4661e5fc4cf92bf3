// Package web serves the browser-facing surface of the hub: WebSocket PTT
// sessions on /ws and the JSON APIs for receive statistics and chimes.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"

	"github.com/roomcast/roomcast/pkg/chime"
	"github.com/roomcast/roomcast/pkg/codec"
	"github.com/roomcast/roomcast/pkg/packet"
	"github.com/roomcast/roomcast/pkg/stats"
)

// recentCallWindow bounds how old a call may be and still be replayed to a
// freshly connected client.
const recentCallWindow = time.Minute

// defaultStatsWindow is the recency filter applied when a stats query names
// no window. An explicit window=0 disables the filter.
const defaultStatsWindow = time.Minute

// maxChimeUpload bounds the size of an uploaded chime WAV.
const maxChimeUpload = 5 << 20

// chimeNamePattern restricts chime names to filesystem-safe characters.
var chimeNamePattern = regexp.MustCompile(`^[\w\-]+$`)

// Intercom is the hub as the web layer sees it. All methods are safe for
// concurrent use from session goroutines.
type Intercom interface {
	// Status returns the channel state ("idle", "receiving", "transmitting")
	// and the current sender's device ID, if any.
	Status() (string, string)

	// Rooms lists the rooms of all discovered devices.
	Rooms() []string

	// StartPTT claims the channel for a session. Returns false if the
	// channel could not be claimed (another hub stream is active).
	StartPTT(s *Session, target string, p packet.Priority) bool

	// StopPTT releases the channel held by a session. Ignored if the
	// session holds nothing.
	StopPTT(s *Session)

	// RelayPTTFrame forwards one 640-byte PCM frame from a transmitting
	// session onto the audio bus.
	RelayPTTFrame(s *Session, pcm []byte)

	// Call streams the active chime to the target room.
	Call(target, caller string) error

	// SetChime selects the active chime.
	SetChime(name string) error

	// RecentCall returns the target and caller of the last call and when
	// it happened.
	RecentCall() (string, string, time.Time, bool)

	Version() string
}

type wsMessage struct {
	Type     string `json:"type"`
	Target   string `json:"target,omitempty"`
	Priority string `json:"priority,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	Chime    string `json:"chime,omitempty"`
}

// Server owns the HTTP listener and the set of live WebSocket sessions.
type Server struct {
	hub      Intercom
	rxStats  *stats.RxStats
	chimes   *chime.Store
	logger   zerolog.Logger
	upgrader websocket.Upgrader
	srv      *http.Server

	mu       sync.Mutex
	sessions map[*Session]struct{}
}

func NewServer(addr string, hub Intercom, rxStats *stats.RxStats, chimes *chime.Store, logger zerolog.Logger) *Server {
	s := &Server{
		hub:     hub,
		rxStats: rxStats,
		chimes:  chimes,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sessions: make(map[*Session]struct{}),
	}

	router := httprouter.New()
	router.GET("/ws", s.handleWS)
	router.GET("/api/audio_stats", s.handleStatsGet)
	router.POST("/api/audio_stats", s.handleStatsClear)
	router.GET("/api/chimes", s.handleChimes)
	router.POST("/api/chimes/upload", s.handleChimeUpload)
	router.DELETE("/api/chimes/:name", s.handleChimeDelete)
	s.srv = &http.Server{Addr: addr, Handler: router}
	return s
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Run serves until ctx is cancelled, then closes the listener and all
// sessions.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.srv.Shutdown(shutdownCtx)
		s.closeAll()
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("web: serve: %w", err)
	}
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sess := range s.sessions {
		sess.Close()
		delete(s.sessions, sess)
	}
}

func (s *Server) register(sess *Session) {
	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) unregister(sess *Session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
}

// SessionCount returns the number of connected clients.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) snapshot() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// BroadcastJSON sends a control message to every session, dropping peers
// whose writes fail.
func (s *Server) BroadcastJSON(v interface{}) {
	for _, sess := range s.snapshot() {
		if err := sess.WriteJSON(v); err != nil {
			s.dropSession(sess, err)
		}
	}
}

// BroadcastChannelState pushes the channel state to all clients. A hub
// transmission sounds like incoming audio to everyone except the speaker, so
// "transmitting" is reported as "receiving" to all but the speaker's own
// session.
func (s *Server) BroadcastChannelState(status string, speaker *Session) {
	viewed := status
	if status == "transmitting" {
		viewed = "receiving"
	}
	for _, sess := range s.snapshot() {
		st := viewed
		if status == "transmitting" && sess == speaker {
			st = "transmitting"
		}
		if err := sess.WriteJSON(map[string]string{"type": "state", "status": st}); err != nil {
			s.dropSession(sess, err)
		}
	}
}

// stateFor is the channel state as one session should see it.
func (s *Server) stateFor(sess *Session) string {
	status, _ := s.hub.Status()
	if status != "transmitting" {
		return status
	}
	if sess.Transmitting() {
		return "transmitting"
	}
	return "receiving"
}

// ForwardPCM fans decoded inbound audio out to web clients. The frame is
// prefixed with a one-byte priority marker. An empty targetRoom broadcasts;
// otherwise only the session identified as that room receives it, and the
// frame is silently dropped when no such session is connected.
func (s *Server) ForwardPCM(pcm []byte, targetRoom string, p packet.Priority) {
	frame := make([]byte, 1+len(pcm))
	frame[0] = byte(p)
	copy(frame[1:], pcm)

	for _, sess := range s.snapshot() {
		if targetRoom != "" && sess.ClientID() != targetRoom {
			continue
		}
		if err := sess.WriteBinary(frame); err != nil {
			s.dropSession(sess, err)
		}
	}
}

// RelayFrom delivers a transmitting session's PCM to the other connected
// clients, prefixed with the speaker's priority byte like the inbound-UDP
// fan-out so receivers can apply their own DND rules. With a target room set
// only that session hears it; otherwise everyone but the speaker does.
func (s *Server) RelayFrom(from *Session, pcm []byte) {
	frame := make([]byte, 1+len(pcm))
	frame[0] = byte(from.Priority())
	copy(frame[1:], pcm)

	target := from.Target()
	for _, sess := range s.snapshot() {
		if sess == from {
			continue
		}
		if target != "" && sess.ClientID() != target {
			continue
		}
		if err := sess.WriteBinary(frame); err != nil {
			s.dropSession(sess, err)
		}
	}
}

// StuckSessions returns transmitting sessions with no audio for longer than
// timeout. The caller force-stops them.
func (s *Server) StuckSessions(timeout time.Duration, now time.Time) []*Session {
	var stuck []*Session
	for _, sess := range s.snapshot() {
		if sess.Stuck(timeout, now) {
			stuck = append(stuck, sess)
		}
	}
	return stuck
}

func (s *Server) dropSession(sess *Session, err error) {
	s.logger.Warn().Err(err).Str("client", sess.ClientID()).Msg("dropping unreachable web client")
	if sess.Transmitting() {
		s.hub.StopPTT(sess)
	}
	sess.Close()
	s.unregister(sess)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	sess := newSession(conn)
	s.register(sess)
	s.logger.Info().Str("remote", r.RemoteAddr).Msg("web client connected")

	s.sendHello(sess)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		switch msgType {
		case websocket.BinaryMessage:
			s.handleAudioFrame(sess, data)
		case websocket.TextMessage:
			s.handleControl(sess, data)
		}
	}

	if sess.Transmitting() {
		s.hub.StopPTT(sess)
	}
	s.unregister(sess)
	sess.Close()
	s.logger.Info().Str("client", sess.ClientID()).Msg("web client disconnected")
}

func (s *Server) sendHello(sess *Session) {
	sess.WriteJSON(map[string]string{"type": "init", "version": s.hub.Version(), "status": s.stateFor(sess)})
	sess.WriteJSON(map[string]interface{}{"type": "targets", "rooms": s.hub.Rooms()})
	sess.WriteJSON(map[string]string{"type": "state", "status": s.stateFor(sess)})
	if target, caller, when, ok := s.hub.RecentCall(); ok && time.Since(when) < recentCallWindow {
		sess.WriteJSON(map[string]string{"type": "recent_call", "target": target, "caller": caller})
	}
}

func (s *Server) handleAudioFrame(sess *Session, data []byte) {
	// Mis-sized frames and frames outside an active PTT are ignored.
	if !sess.Transmitting() || len(data) != codec.FrameBytes {
		return
	}
	sess.TouchFrame(time.Now())
	s.hub.RelayPTTFrame(sess, data)
}

func (s *Server) handleControl(sess *Session, data []byte) {
	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Debug().Err(err).Msg("ignoring malformed control message")
		return
	}

	switch msg.Type {
	case "ptt_start":
		if !s.hub.StartPTT(sess, msg.Target, packet.ParsePriority(msg.Priority)) {
			sess.WriteJSON(map[string]string{"type": "busy"})
		}
	case "ptt_stop":
		s.hub.StopPTT(sess)
	case "identify":
		sess.SetClientID(msg.ClientID)
		s.logger.Info().Str("client", msg.ClientID).Msg("web client identified")
	case "call":
		if err := s.hub.Call(msg.Target, sess.ClientID()); err != nil {
			s.logger.Warn().Err(err).Str("target", msg.Target).Msg("call failed")
		}
	case "get_state":
		sess.WriteJSON(map[string]string{"type": "state", "status": s.stateFor(sess)})
		sess.WriteJSON(map[string]interface{}{"type": "targets", "rooms": s.hub.Rooms()})
	case "set_chime":
		if err := s.hub.SetChime(msg.Chime); err != nil {
			s.logger.Warn().Err(err).Str("chime", msg.Chime).Msg("set_chime failed")
		}
	default:
		s.logger.Debug().Str("type", msg.Type).Msg("ignoring unknown control message")
	}
}

type statsEntry struct {
	FirstRx         float64 `json:"first_rx"`
	LastRx          float64 `json:"last_rx"`
	PacketCount     uint64  `json:"packet_count"`
	SeqMin          uint32  `json:"seq_min"`
	SeqMax          uint32  `json:"seq_max"`
	Priority        int     `json:"priority"`
	AgeSeconds      float64 `json:"age_seconds"`
	DurationSeconds float64 `json:"duration_seconds"`
}

func (s *Server) handleStatsGet(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q := r.URL.Query()

	window, err := parseWindow(q.Get("window"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid window")
		return
	}

	var since time.Time
	if v := q.Get("since"); v != "" {
		unix, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since")
			return
		}
		since = time.Unix(unix, 0)
	}

	now := time.Now()
	senders := make(map[string]statsEntry)
	for id, e := range s.rxStats.Snapshot(window, q.Get("sender"), since) {
		senders[id] = statsEntry{
			FirstRx:         float64(e.FirstRx.UnixNano()) / 1e9,
			LastRx:          float64(e.LastRx.UnixNano()) / 1e9,
			PacketCount:     e.PacketCount,
			SeqMin:          e.SeqMin,
			SeqMax:          e.SeqMax,
			Priority:        int(e.Priority),
			AgeSeconds:      now.Sub(e.LastRx).Seconds(),
			DurationSeconds: e.LastRx.Sub(e.FirstRx).Seconds(),
		}
	}

	status, sender := s.hub.Status()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"current_state":  status,
		"current_sender": sender,
		"senders":        senders,
	})
}

func (s *Server) handleStatsClear(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var body struct {
		OlderThan float64 `json:"older_than"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
	}
	if body.OlderThan < 0 {
		writeError(w, http.StatusBadRequest, "invalid older_than")
		return
	}

	cleared := s.rxStats.Clear(time.Duration(body.OlderThan * float64(time.Second)))
	writeJSON(w, http.StatusOK, map[string]interface{}{"result": "ok", "cleared": cleared})
}

func (s *Server) handleChimes(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"chimes":  s.chimes.Infos(),
		"current": s.chimes.Current(),
	})
}

func (s *Server) handleChimeUpload(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	r.Body = http.MaxBytesReader(w, r.Body, maxChimeUpload)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing 'file' field")
		return
	}
	defer file.Close()

	if !strings.HasSuffix(strings.ToLower(header.Filename), ".wav") {
		writeError(w, http.StatusBadRequest, "only .wav files are accepted")
		return
	}
	name := strings.TrimSuffix(header.Filename, filepath.Ext(header.Filename))
	name = strings.ReplaceAll(strings.ToLower(name), " ", "_")
	if !chimeNamePattern.MatchString(name) {
		writeError(w, http.StatusBadRequest, "invalid filename (use alphanumeric, dashes, underscores)")
		return
	}

	wav, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read upload")
		return
	}
	if len(wav) < chime.MinWAVSize {
		writeError(w, http.StatusBadRequest, "file too small to be a valid WAV")
		return
	}

	frames, err := s.chimes.Put(name, wav)
	if err != nil {
		s.logger.Warn().Err(err).Str("chime", name).Msg("chime upload rejected")
		writeError(w, http.StatusBadRequest, "failed to encode WAV")
		return
	}
	s.logger.Info().Str("chime", name).Int("bytes", len(wav)).Int("frames", frames).Msg("chime uploaded")
	writeJSON(w, http.StatusOK, chime.Info{
		Name:     name,
		Frames:   frames,
		Duration: float64(frames) * codec.FrameDuration.Seconds(),
	})
}

func (s *Server) handleChimeDelete(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	name := ps.ByName("name")
	if !chimeNamePattern.MatchString(name) {
		writeError(w, http.StatusBadRequest, "invalid chime name")
		return
	}
	if !s.chimes.Remove(name) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("chime %q not found", name))
		return
	}
	s.logger.Info().Str("chime", name).Msg("chime deleted")
	writeJSON(w, http.StatusOK, map[string]string{"deleted": name, "current": s.chimes.Current()})
}

// parseWindow reads the stats recency filter in seconds, defaulting to
// defaultStatsWindow when absent.
func parseWindow(v string) (time.Duration, error) {
	if v == "" {
		return defaultStatsWindow, nil
	}
	sec, err := strconv.ParseFloat(v, 64)
	if err != nil || sec < 0 {
		return 0, fmt.Errorf("invalid window %q", v)
	}
	return time.Duration(sec * float64(time.Second)), nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

package stream

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/leopard618/Browser-Softphone/internal/sink"
)

// Session is the in-memory record of one open media-stream connection.
// ID and ConnectedAt never change. A correlation id the query left unknown
// may be filled once by FillCorrelation on the connection goroutine; other
// goroutines read them through Info. Mutable state is guarded by mu; the
// counters never decrease.
type Session struct {
	ID                string
	ExternalSessionID string
	CallReferenceID   string
	ConnectedAt       time.Time

	started        bool
	startedAt      time.Time
	streamSID      string
	encoding       string
	sampleRate     int
	frameCount     uint64
	audioByteCount uint64
	lastActivity   time.Time

	audioSink sink.AudioSink

	clock clock.Clock
	mu    sync.RWMutex
}

// SessionInfo is a point-in-time copy of a session for monitoring and APIs
type SessionInfo struct {
	ConnectionID      string        `json:"connection_id"`
	ExternalSessionID string        `json:"session_id"`
	CallReferenceID   string        `json:"call_sid"`
	ConnectedAt       time.Time     `json:"connected_at"`
	Started           bool          `json:"started"`
	StartedAt         time.Time     `json:"started_at,omitempty"`
	StreamSID         string        `json:"stream_sid,omitempty"`
	Encoding          string        `json:"encoding,omitempty"`
	SampleRate        int           `json:"sample_rate,omitempty"`
	FrameCount        uint64        `json:"frame_count"`
	AudioByteCount    uint64        `json:"audio_bytes"`
	LastActivity      time.Time     `json:"last_activity"`
	Duration          time.Duration `json:"duration"`
}

// MarkStarted records the start event. It returns true only the first time;
// repeated starts leave the recorded format and counters untouched.
func (s *Session) MarkStarted(streamSID, encoding string, sampleRate int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActivity = s.clock.Now()
	if s.started {
		return false
	}
	s.started = true
	s.startedAt = s.lastActivity
	s.streamSID = streamSID
	s.encoding = encoding
	s.sampleRate = sampleRate
	return true
}

// FillCorrelation replaces correlation ids that are still unknown.
// Values supplied at creation are never overwritten.
func (s *Session) FillCorrelation(sessionID, callSID string) (changed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sessionID != "" && s.ExternalSessionID == UnknownValue {
		s.ExternalSessionID = sessionID
		changed = true
	}
	if callSID != "" && s.CallReferenceID == UnknownValue {
		s.CallReferenceID = callSID
		changed = true
	}
	return changed
}

// Started reports whether a start event has been observed
func (s *Session) Started() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}

// AddFrame accounts for one decoded audio frame and returns the new totals
func (s *Session) AddFrame(audioBytes int) (frames, bytes uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.frameCount++
	s.audioByteCount += uint64(audioBytes)
	s.lastActivity = s.clock.Now()
	return s.frameCount, s.audioByteCount
}

// Touch updates the last activity time
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = s.clock.Now()
	s.mu.Unlock()
}

// Counters returns the frame and audio byte totals
func (s *Session) Counters() (frames, bytes uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frameCount, s.audioByteCount
}

// SetSink attaches the audio sink opened for this session
func (s *Session) SetSink(sk sink.AudioSink) {
	s.mu.Lock()
	s.audioSink = sk
	s.mu.Unlock()
}

// Sink returns the attached audio sink, or nil
func (s *Session) Sink() sink.AudioSink {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.audioSink
}

// DetachSink clears the attached sink and returns it, so it is torn down once
func (s *Session) DetachSink() sink.AudioSink {
	s.mu.Lock()
	defer s.mu.Unlock()
	sk := s.audioSink
	s.audioSink = nil
	return sk
}

// Info returns a snapshot of the session
func (s *Session) Info() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return SessionInfo{
		ConnectionID:      s.ID,
		ExternalSessionID: s.ExternalSessionID,
		CallReferenceID:   s.CallReferenceID,
		ConnectedAt:       s.ConnectedAt,
		Started:           s.started,
		StartedAt:         s.startedAt,
		StreamSID:         s.streamSID,
		Encoding:          s.encoding,
		SampleRate:        s.sampleRate,
		FrameCount:        s.frameCount,
		AudioByteCount:    s.audioByteCount,
		LastActivity:      s.lastActivity,
		Duration:          s.clock.Since(s.ConnectedAt),
	}
}

package relay

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leopard618/Browser-Softphone/internal/metrics"
	"github.com/leopard618/Browser-Softphone/internal/protocol"
	"github.com/leopard618/Browser-Softphone/internal/sink"
	"github.com/leopard618/Browser-Softphone/internal/stream"
)

// recordingSink captures every call made by the relay
type recordingSink struct {
	mu        sync.Mutex
	starts    int
	stops     int
	fed       [][]byte
	frames    []protocol.MediaFrame
	streams   []sink.Stream
	startErr  error
	feedErr   error
	feedPanic bool
}

func (s *recordingSink) Start(_ context.Context, st sink.Stream) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts++
	s.streams = append(s.streams, st)
	return s.startErr
}

func (s *recordingSink) Feed(_ context.Context, st sink.Stream, audio []byte, frame protocol.MediaFrame) error {
	if s.feedPanic {
		panic("sink exploded")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fed = append(s.fed, audio)
	s.frames = append(s.frames, frame)
	return s.feedErr
}

func (s *recordingSink) Stop(_ context.Context, _ sink.Stream) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	return nil
}

func newTestRelay(t *testing.T, sinks sink.Factory) (*Relay, *metrics.Metrics) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	m := metrics.NewMetrics(prometheus.NewRegistry())
	r := New(stream.NewRegistry(), logger, m, Config{
		SummaryInterval: 2,
		SinkTimeout:     time.Second,
		Sinks:           sinks,
	})
	return r, m
}

func mediaFrame(n int) []byte {
	payload := base64.StdEncoding.EncodeToString(make([]byte, n))
	return []byte(fmt.Sprintf(`{"event":"media","media":{"track":"inbound","payload":"%s"}}`, payload))
}

const startFrame = `{"event":"start","mediaFormat":{"encoding":"audio/x-mulaw","sampleRate":8000}}`

func TestConcreteScenario(t *testing.T) {
	rec := &recordingSink{}
	r, _ := newTestRelay(t, func(sink.Stream) (sink.AudioSink, error) { return rec, nil })

	session, err := r.Open("/media-stream", url.Values{"sessionId": {"abc"}, "callSid": {"CA123"}})
	require.NoError(t, err)
	id := session.ID

	assert.Equal(t, "abc", session.ExternalSessionID)
	assert.Equal(t, "CA123", session.CallReferenceID)

	r.HandleFrame(id, []byte(startFrame))
	for i := 0; i < 3; i++ {
		r.HandleFrame(id, mediaFrame(160))
	}

	frames, bytes := session.Counters()
	assert.Equal(t, uint64(3), frames)
	assert.Equal(t, uint64(480), bytes)

	r.HandleFrame(id, []byte(`{"event":"stop"}`))

	_, ok := r.Registry().Get(id)
	assert.False(t, ok, "session should be removed after stop")

	frames, bytes = session.Counters()
	assert.Equal(t, uint64(3), frames)
	assert.Equal(t, uint64(480), bytes)

	assert.Equal(t, 1, rec.starts)
	assert.Equal(t, 1, rec.stops)
	require.Len(t, rec.fed, 3)
	for _, audio := range rec.fed {
		assert.Len(t, audio, 160)
	}
	require.Len(t, rec.streams, 1)
	assert.Equal(t, "abc", rec.streams[0].ExternalSessionID)
	assert.Equal(t, "CA123", rec.streams[0].CallReferenceID)
	assert.Equal(t, "audio/x-mulaw", rec.streams[0].MediaFormat.Encoding)
	assert.Equal(t, 8000, rec.streams[0].MediaFormat.SampleRate)
}

func TestOpenDefaultsToUnknown(t *testing.T) {
	r, _ := newTestRelay(t, nil)

	session, err := r.Open("/media-stream", url.Values{})
	require.NoError(t, err)

	assert.Equal(t, "unknown", session.ExternalSessionID)
	assert.Equal(t, "unknown", session.CallReferenceID)
	assert.False(t, session.Started())
}

func TestFrameTotalsMatchDecodedLengths(t *testing.T) {
	sizes := []int{160, 1, 320, 0, 77, 160, 9}

	r, _ := newTestRelay(t, nil)
	session, err := r.Open("/media-stream", nil)
	require.NoError(t, err)

	r.HandleFrame(session.ID, []byte(startFrame))

	var expectedFrames, expectedBytes uint64
	for _, n := range sizes {
		r.HandleFrame(session.ID, mediaFrame(n))
		if n == 0 {
			// An empty payload encodes to "" and counts as absent
			continue
		}
		expectedFrames++
		expectedBytes += uint64(n)
	}

	frames, bytes := session.Counters()
	assert.Equal(t, expectedFrames, frames)
	assert.Equal(t, expectedBytes, bytes)
}

func TestRepeatedStartIsIdempotent(t *testing.T) {
	rec := &recordingSink{}
	r, _ := newTestRelay(t, func(sink.Stream) (sink.AudioSink, error) { return rec, nil })

	session, err := r.Open("/media-stream", nil)
	require.NoError(t, err)

	r.HandleFrame(session.ID, []byte(startFrame))
	r.HandleFrame(session.ID, mediaFrame(160))
	r.HandleFrame(session.ID, mediaFrame(160))
	r.HandleFrame(session.ID, []byte(`{"event":"start","mediaFormat":{"encoding":"audio/x-l16","sampleRate":16000}}`))

	assert.True(t, session.Started())
	frames, bytes := session.Counters()
	assert.Equal(t, uint64(2), frames)
	assert.Equal(t, uint64(320), bytes)
	assert.Equal(t, 1, rec.starts, "sink must be opened only once")
	assert.Equal(t, "audio/x-mulaw", session.Info().Encoding)
}

func TestStopThenCloseIsNoop(t *testing.T) {
	rec := &recordingSink{}
	r, m := newTestRelay(t, func(sink.Stream) (sink.AudioSink, error) { return rec, nil })

	session, err := r.Open("/media-stream", nil)
	require.NoError(t, err)

	r.HandleFrame(session.ID, []byte(startFrame))
	r.HandleFrame(session.ID, []byte(`{"event":"stop"}`))

	assert.NotPanics(t, func() { r.Close(session.ID) })
	assert.NotPanics(t, func() { r.Close(session.ID) })

	_, ok := r.Registry().Get(session.ID)
	assert.False(t, ok)
	assert.Equal(t, 0, r.Registry().Count())
	assert.Equal(t, 1, rec.stops, "sink must be stopped exactly once")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ConnectionsClosed))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ActiveConnections))
}

func TestCloseWithoutStopRemovesSession(t *testing.T) {
	tests := []struct {
		name   string
		frames []string
	}{
		{name: "never started", frames: nil},
		{name: "connected only", frames: []string{`{"event":"connected","protocol":"Call","version":"1.0.0"}`}},
		{name: "mid stream", frames: []string{startFrame, string(mediaFrame(160))}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recordingSink{}
			r, _ := newTestRelay(t, func(sink.Stream) (sink.AudioSink, error) { return rec, nil })

			session, err := r.Open("/media-stream", nil)
			require.NoError(t, err)
			for _, f := range tt.frames {
				r.HandleFrame(session.ID, []byte(f))
			}

			r.Close(session.ID)

			_, ok := r.Registry().Get(session.ID)
			assert.False(t, ok)
			assert.Equal(t, rec.starts, rec.stops)
		})
	}
}

func TestMalformedFrameBetweenMediaFrames(t *testing.T) {
	r, m := newTestRelay(t, nil)

	session, err := r.Open("/media-stream", nil)
	require.NoError(t, err)

	r.HandleFrame(session.ID, []byte(startFrame))
	r.HandleFrame(session.ID, mediaFrame(160))
	r.HandleFrame(session.ID, []byte(`{"event":"media","media":{"payload":`))
	r.HandleFrame(session.ID, mediaFrame(160))

	frames, bytes := session.Counters()
	assert.Equal(t, uint64(2), frames)
	assert.Equal(t, uint64(320), bytes)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ParseErrors))

	_, ok := r.Registry().Get(session.ID)
	assert.True(t, ok, "malformed frame must not remove the session")
}

func TestMediaWithoutPayloadLeavesCounters(t *testing.T) {
	r, _ := newTestRelay(t, nil)

	session, err := r.Open("/media-stream", nil)
	require.NoError(t, err)

	r.HandleFrame(session.ID, []byte(startFrame))
	r.HandleFrame(session.ID, mediaFrame(160))
	r.HandleFrame(session.ID, []byte(`{"event":"media"}`))
	r.HandleFrame(session.ID, []byte(`{"event":"media","media":{"track":"inbound"}}`))

	frames, bytes := session.Counters()
	assert.Equal(t, uint64(1), frames)
	assert.Equal(t, uint64(160), bytes)
}

func TestInvalidBase64IsDropped(t *testing.T) {
	r, m := newTestRelay(t, nil)

	session, err := r.Open("/media-stream", nil)
	require.NoError(t, err)

	r.HandleFrame(session.ID, []byte(startFrame))
	r.HandleFrame(session.ID, mediaFrame(160))

	assert.NotPanics(t, func() {
		r.HandleFrame(session.ID, []byte(`{"event":"media","media":{"payload":"!!!notbase64!!!"}}`))
	})

	frames, bytes := session.Counters()
	assert.Equal(t, uint64(1), frames)
	assert.Equal(t, uint64(160), bytes)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DecodeErrors))
}

func TestUnknownEventIsIgnored(t *testing.T) {
	r, m := newTestRelay(t, nil)

	session, err := r.Open("/media-stream", nil)
	require.NoError(t, err)

	r.HandleFrame(session.ID, []byte(`{"event":"mark","mark":{"name":"greeting"}}`))
	r.HandleFrame(session.ID, []byte(`{"event":"dtmf","dtmf":{"digit":"5"}}`))

	info := session.Info()
	assert.False(t, info.Started)
	assert.Equal(t, uint64(0), info.FrameCount)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.FramesReceived.WithLabelValues("unknown")))

	_, ok := r.Registry().Get(session.ID)
	assert.True(t, ok)
}

func TestFramesForMissingSessionAreNoops(t *testing.T) {
	r, _ := newTestRelay(t, nil)

	assert.NotPanics(t, func() {
		r.HandleFrame("missing", []byte(`{"event":"connected"}`))
		r.HandleFrame("missing", []byte(startFrame))
		r.HandleFrame("missing", mediaFrame(160))
		r.HandleFrame("missing", []byte(`{"event":"stop"}`))
		r.Close("missing")
	})
	assert.Equal(t, 0, r.Registry().Count())
}

func TestSinkStartFailureIsIsolated(t *testing.T) {
	rec := &recordingSink{startErr: errors.New("transcriber unreachable")}
	r, m := newTestRelay(t, func(sink.Stream) (sink.AudioSink, error) { return rec, nil })

	session, err := r.Open("/media-stream", nil)
	require.NoError(t, err)

	r.HandleFrame(session.ID, []byte(startFrame))
	r.HandleFrame(session.ID, mediaFrame(160))

	assert.True(t, session.Started())
	assert.Nil(t, session.Sink())
	assert.Empty(t, rec.fed, "a sink that failed to start must not receive audio")

	frames, _ := session.Counters()
	assert.Equal(t, uint64(1), frames)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SinkErrors.WithLabelValues("start")))

	r.HandleFrame(session.ID, []byte(`{"event":"stop"}`))
	assert.Equal(t, 0, rec.stops)
}

func TestSinkFactoryFailureIsIsolated(t *testing.T) {
	r, _ := newTestRelay(t, func(sink.Stream) (sink.AudioSink, error) {
		return nil, errors.New("no capacity")
	})

	session, err := r.Open("/media-stream", nil)
	require.NoError(t, err)

	r.HandleFrame(session.ID, []byte(startFrame))
	r.HandleFrame(session.ID, mediaFrame(160))

	frames, _ := session.Counters()
	assert.Equal(t, uint64(1), frames)
	assert.Nil(t, session.Sink())
}

func TestSinkFeedFailuresDoNotStopProcessing(t *testing.T) {
	tests := []struct {
		name string
		rec  *recordingSink
	}{
		{name: "error", rec: &recordingSink{feedErr: errors.New("backend 503")}},
		{name: "panic", rec: &recordingSink{feedPanic: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, m := newTestRelay(t, func(sink.Stream) (sink.AudioSink, error) { return tt.rec, nil })

			session, err := r.Open("/media-stream", nil)
			require.NoError(t, err)

			r.HandleFrame(session.ID, []byte(startFrame))
			for i := 0; i < 4; i++ {
				r.HandleFrame(session.ID, mediaFrame(160))
			}

			frames, bytes := session.Counters()
			assert.Equal(t, uint64(4), frames)
			assert.Equal(t, uint64(640), bytes)
			assert.Equal(t, float64(4), testutil.ToFloat64(m.SinkErrors.WithLabelValues("feed")))

			_, ok := r.Registry().Get(session.ID)
			assert.True(t, ok)
		})
	}
}

func TestSinkTimeoutIsEnforced(t *testing.T) {
	blocking := sink.Func(func(ctx context.Context, _ sink.Stream, _ []byte, _ protocol.MediaFrame) error {
		<-ctx.Done()
		return ctx.Err()
	})

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	r := New(stream.NewRegistry(), logger, metrics.NewMetrics(prometheus.NewRegistry()), Config{
		SinkTimeout: 20 * time.Millisecond,
		Sinks:       func(sink.Stream) (sink.AudioSink, error) { return blocking, nil },
	})

	session, err := r.Open("/media-stream", nil)
	require.NoError(t, err)
	r.HandleFrame(session.ID, []byte(startFrame))

	startTime := time.Now()
	r.HandleFrame(session.ID, mediaFrame(160))
	assert.Less(t, time.Since(startTime), time.Second)

	frames, _ := session.Counters()
	assert.Equal(t, uint64(1), frames)
}

func TestFrameMetadataIsForwarded(t *testing.T) {
	rec := &recordingSink{}
	r, _ := newTestRelay(t, func(sink.Stream) (sink.AudioSink, error) { return rec, nil })

	session, err := r.Open("/media-stream", nil)
	require.NoError(t, err)

	r.HandleFrame(session.ID, []byte(`{"event":"start","start":{"streamSid":"MZ42","callSid":"CA42"}}`))
	payload := base64.StdEncoding.EncodeToString([]byte{1, 2, 3})
	r.HandleFrame(session.ID, []byte(`{"event":"media","streamSid":"MZ42","media":{"track":"inbound","chunk":"7","timestamp":"140","payload":"`+payload+`"}}`))

	require.Len(t, rec.frames, 1)
	assert.Equal(t, "MZ42", rec.frames[0].StreamSID)
	assert.Equal(t, "7", rec.frames[0].Chunk)
	assert.Equal(t, "140", rec.frames[0].Timestamp)
	assert.Equal(t, []byte{1, 2, 3}, rec.fed[0])

	require.Len(t, rec.streams, 1)
	assert.Equal(t, "MZ42", rec.streams[0].StreamSID)
	assert.Equal(t, protocol.EncodingMulaw, rec.streams[0].MediaFormat.Encoding)
}

func TestIndependentRegistries(t *testing.T) {
	first, _ := newTestRelay(t, nil)
	second, _ := newTestRelay(t, nil)

	s1, err := first.Open("/media-stream", nil)
	require.NoError(t, err)
	_, err = second.Open("/media-stream", nil)
	require.NoError(t, err)

	first.HandleFrame(s1.ID, []byte(`{"event":"stop"}`))

	assert.Equal(t, 0, first.Registry().Count())
	assert.Equal(t, 1, second.Registry().Count())
}

func TestOddlyTypedHintsDoNotDropFrames(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString(make([]byte, 160))

	tests := []struct {
		name  string
		start string
		media string
	}{
		{
			name:  "float sample rate",
			start: `{"event":"start","mediaFormat":{"encoding":"audio/x-mulaw","sampleRate":8000.0}}`,
			media: `{"event":"media","media":{"payload":"` + payload + `"}}`,
		},
		{
			name:  "string sample rate",
			start: `{"event":"start","mediaFormat":{"sampleRate":"8000"}}`,
			media: `{"event":"media","media":{"payload":"` + payload + `"}}`,
		},
		{
			name:  "numeric sequence number",
			start: startFrame,
			media: `{"event":"media","sequenceNumber":3,"media":{"payload":"` + payload + `"}}`,
		},
		{
			name:  "numeric timestamp",
			start: startFrame,
			media: `{"event":"media","media":{"timestamp":20,"payload":"` + payload + `"}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recordingSink{}
			r, m := newTestRelay(t, func(sink.Stream) (sink.AudioSink, error) { return rec, nil })

			session, err := r.Open("/media-stream", nil)
			require.NoError(t, err)

			r.HandleFrame(session.ID, []byte(tt.start))
			assert.True(t, session.Started())
			assert.Equal(t, 1, rec.starts)

			r.HandleFrame(session.ID, []byte(tt.media))
			frames, bytes := session.Counters()
			assert.Equal(t, uint64(1), frames)
			assert.Equal(t, uint64(160), bytes)
			assert.Equal(t, float64(0), testutil.ToFloat64(m.ParseErrors))
		})
	}
}

func TestStopWithNumericStreamSIDRemovesSession(t *testing.T) {
	r, _ := newTestRelay(t, nil)

	session, err := r.Open("/media-stream", nil)
	require.NoError(t, err)

	r.HandleFrame(session.ID, []byte(startFrame))
	r.HandleFrame(session.ID, []byte(`{"event":"stop","streamSid":42}`))

	_, ok := r.Registry().Get(session.ID)
	assert.False(t, ok)
}

func TestStartParametersFillMissingCorrelation(t *testing.T) {
	tests := []struct {
		name      string
		query     url.Values
		start     string
		sessionID string
		callSID   string
	}{
		{
			name:      "custom parameters",
			query:     nil,
			start:     `{"event":"start","start":{"customParameters":{"sessionId":"browser-call-1","callSid":"CA9"}}}`,
			sessionID: "browser-call-1",
			callSID:   "CA9",
		},
		{
			name:      "provider call sid",
			query:     url.Values{"sessionId": {"abc"}},
			start:     `{"event":"start","start":{"callSid":"CA7"}}`,
			sessionID: "abc",
			callSID:   "CA7",
		},
		{
			name:      "query wins",
			query:     url.Values{"sessionId": {"abc"}, "callSid": {"CA123"}},
			start:     `{"event":"start","start":{"callSid":"CA7","customParameters":{"sessionId":"other","callSid":"CA8"}}}`,
			sessionID: "abc",
			callSID:   "CA123",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recordingSink{}
			r, _ := newTestRelay(t, func(sink.Stream) (sink.AudioSink, error) { return rec, nil })

			session, err := r.Open("/media-stream", tt.query)
			require.NoError(t, err)
			r.HandleFrame(session.ID, []byte(tt.start))

			info := session.Info()
			assert.Equal(t, tt.sessionID, info.ExternalSessionID)
			assert.Equal(t, tt.callSID, info.CallReferenceID)

			require.Len(t, rec.streams, 1)
			assert.Equal(t, tt.sessionID, rec.streams[0].ExternalSessionID)
			assert.Equal(t, tt.callSID, rec.streams[0].CallReferenceID)
		})
	}
}

func TestSinkIgnoringContextIsAbandoned(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	stuck := sink.Func(func(context.Context, sink.Stream, []byte, protocol.MediaFrame) error {
		<-release
		return nil
	})

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	m := metrics.NewMetrics(prometheus.NewRegistry())
	r := New(stream.NewRegistry(), logger, m, Config{
		SinkTimeout: 20 * time.Millisecond,
		Sinks:       func(sink.Stream) (sink.AudioSink, error) { return stuck, nil },
	})

	session, err := r.Open("/media-stream", nil)
	require.NoError(t, err)
	r.HandleFrame(session.ID, []byte(startFrame))

	startTime := time.Now()
	r.HandleFrame(session.ID, mediaFrame(160))
	r.HandleFrame(session.ID, mediaFrame(160))
	assert.Less(t, time.Since(startTime), time.Second)

	frames, _ := session.Counters()
	assert.Equal(t, uint64(2), frames)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.SinkErrors.WithLabelValues("feed")))

	err = r.callSink("feed", func(context.Context) error {
		<-release
		return nil
	})
	assert.ErrorIs(t, err, ErrSinkTimeout)
}

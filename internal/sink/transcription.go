package sink

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/leopard618/Browser-Softphone/internal/audio"
	"github.com/leopard618/Browser-Softphone/internal/metrics"
	"github.com/leopard618/Browser-Softphone/internal/protocol"
	"github.com/leopard618/Browser-Softphone/internal/transcription"
)

// ErrQueueFull is returned by Feed when a completed chunk cannot be queued
var ErrQueueFull = errors.New("transcription queue full")

// ErrNotStarted is returned by Feed before Start or after Stop
var ErrNotStarted = errors.New("transcription sink not started")

// Transcriber sends one audio chunk to a speech-to-text backend
type Transcriber interface {
	Transcribe(ctx context.Context, request *transcription.Request) (*transcription.Response, error)
}

// TranscriptionConfig controls chunking and delivery of session audio
type TranscriptionConfig struct {
	// ChunkDuration is the amount of audio sent per request
	ChunkDuration time.Duration

	// QueueSize is the number of chunks waiting for the worker
	QueueSize int

	// RequestTimeout bounds a single transcription request including retries
	RequestTimeout time.Duration
}

// TranscriptionSink cuts session audio into fixed-duration chunks and
// transcribes them in order on a single worker goroutine
type TranscriptionSink struct {
	client  Transcriber
	config  TranscriptionConfig
	logger  *slog.Logger
	metrics *metrics.Metrics

	stream     Stream
	format     string
	chunkBytes int
	byteRate   int
	buffer     []byte
	sequence   int
	sentBytes  int

	queue  chan pendingChunk
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	mu sync.Mutex
}

type pendingChunk struct {
	sequence int
	offset   time.Duration
	data     []byte
}

// NewTranscriptionFactory returns a Factory creating one TranscriptionSink per session
func NewTranscriptionFactory(client Transcriber, cfg TranscriptionConfig, logger *slog.Logger, m *metrics.Metrics) Factory {
	if cfg.ChunkDuration <= 0 {
		cfg.ChunkDuration = 5 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}

	return func(Stream) (AudioSink, error) {
		return &TranscriptionSink{
			client:  client,
			config:  cfg,
			logger:  logger,
			metrics: m,
		}, nil
	}
}

// Start sizes the chunks for the stream format and launches the worker
func (s *TranscriptionSink) Start(_ context.Context, stream Stream) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.queue != nil {
		return nil
	}

	sampleRate := stream.MediaFormat.SampleRateOrDefault()
	byteRate, err := audio.BytesPerSecond(stream.MediaFormat.EncodingOrDefault(), sampleRate)
	s.format = "wav"
	if err != nil {
		// Unknown encodings are forwarded raw, sized as 8-bit audio
		s.format = "raw"
		byteRate = sampleRate
	}

	s.stream = stream
	s.byteRate = byteRate
	s.chunkBytes = int(float64(byteRate) * s.config.ChunkDuration.Seconds())
	if s.chunkBytes <= 0 {
		s.chunkBytes = byteRate
	}
	s.buffer = make([]byte, 0, s.chunkBytes)
	s.queue = make(chan pendingChunk, s.config.QueueSize)
	s.done = make(chan struct{})
	s.ctx, s.cancel = context.WithCancel(context.Background())

	go s.run()

	s.logger.Debug("Transcription sink started",
		slog.String("connection_id", stream.ConnectionID),
		slog.String("format", s.format),
		slog.Int("chunk_bytes", s.chunkBytes),
	)
	return nil
}

// Feed buffers audio and queues every completed chunk
func (s *TranscriptionSink) Feed(_ context.Context, _ Stream, data []byte, _ protocol.MediaFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.queue == nil {
		return ErrNotStarted
	}

	s.buffer = append(s.buffer, data...)

	var err error
	for len(s.buffer) >= s.chunkBytes {
		chunk := make([]byte, s.chunkBytes)
		copy(chunk, s.buffer)
		s.buffer = append(s.buffer[:0], s.buffer[s.chunkBytes:]...)

		if qerr := s.enqueue(chunk); qerr != nil {
			err = qerr
		}
	}
	return err
}

// enqueue hands a chunk to the worker without blocking; the caller holds mu
func (s *TranscriptionSink) enqueue(data []byte) error {
	chunk := pendingChunk{
		sequence: s.sequence,
		offset:   s.durationOf(s.sentBytes),
		data:     data,
	}
	s.sequence++
	s.sentBytes += len(data)

	select {
	case s.queue <- chunk:
		return nil
	default:
		s.metrics.RecordChunkDropped()
		return ErrQueueFull
	}
}

func (s *TranscriptionSink) durationOf(n int) time.Duration {
	return time.Duration(n) * time.Second / time.Duration(s.byteRate)
}

// Stop queues the buffered tail and waits for pending chunks to be sent
func (s *TranscriptionSink) Stop(ctx context.Context, _ Stream) error {
	s.mu.Lock()
	if s.queue == nil {
		s.mu.Unlock()
		return nil
	}

	var err error
	if len(s.buffer) > 0 {
		err = s.enqueue(s.buffer)
		s.buffer = nil
	}
	close(s.queue)
	s.queue = nil
	done, cancel := s.done, s.cancel
	s.mu.Unlock()

	select {
	case <-done:
		cancel()
		return err
	case <-ctx.Done():
		cancel()
		<-done
		return ctx.Err()
	}
}

// run transcribes queued chunks in order until the queue is closed
func (s *TranscriptionSink) run() {
	defer close(s.done)

	for chunk := range s.queue {
		s.transcribe(chunk)
	}
}

func (s *TranscriptionSink) transcribe(chunk pendingChunk) {
	data, format := chunk.data, s.format
	if format == "wav" {
		wav, err := audio.EncodeWAV(chunk.data, s.stream.MediaFormat.SampleRateOrDefault(), s.stream.MediaFormat.EncodingOrDefault())
		if err != nil {
			s.logger.Warn("Failed to encode chunk as WAV, sending raw audio",
				slog.String("connection_id", s.stream.ConnectionID),
				slog.String("error", err.Error()),
			)
			format = "raw"
		} else {
			data = wav
		}
	}

	request := &transcription.Request{
		Chunk: &transcription.Chunk{
			ChunkID:      uuid.NewString(),
			Sequence:     chunk.sequence,
			ConnectionID: s.stream.ConnectionID,
			SessionID:    s.stream.ExternalSessionID,
			CallSID:      s.stream.CallReferenceID,
			StreamSID:    s.stream.StreamSID,
			Encoding:     s.stream.MediaFormat.EncodingOrDefault(),
			SampleRate:   s.stream.MediaFormat.SampleRateOrDefault(),
			Duration:     s.durationOf(len(chunk.data)),
			Offset:       chunk.offset,
			Format:       format,
			AudioData:    data,
		},
		RequestID: uuid.NewString(),
		Timestamp: time.Now(),
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.config.RequestTimeout)
	defer cancel()

	startTime := time.Now()
	s.metrics.RecordTranscriptionRequest()

	resp, err := s.client.Transcribe(ctx, request)
	if err != nil {
		s.metrics.RecordTranscriptionFailure(time.Since(startTime).Seconds())
		s.logger.Error("Transcription request failed",
			slog.String("connection_id", s.stream.ConnectionID),
			slog.String("session_id", s.stream.ExternalSessionID),
			slog.String("chunk_id", request.Chunk.ChunkID),
			slog.Int("sequence", chunk.sequence),
			slog.String("error", err.Error()),
		)
		return
	}
	s.metrics.RecordTranscriptionSuccess(time.Since(startTime).Seconds())

	s.logger.Info("Transcription received",
		slog.String("connection_id", s.stream.ConnectionID),
		slog.String("session_id", s.stream.ExternalSessionID),
		slog.String("call_sid", s.stream.CallReferenceID),
		slog.String("chunk_id", request.Chunk.ChunkID),
		slog.Int("sequence", chunk.sequence),
		slog.Duration("offset", chunk.offset),
		slog.String("text", resp.Text),
		slog.Float64("confidence", float64(resp.Confidence)),
	)
}

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/leopard618/Browser-Softphone/internal/metrics"
	"github.com/leopard618/Browser-Softphone/internal/protocol"
	"github.com/leopard618/Browser-Softphone/internal/sink"
	"github.com/leopard618/Browser-Softphone/internal/stream"
)

// Defaults applied by New for zero Config fields
const (
	DefaultSummaryInterval = 100
	DefaultSinkTimeout     = 5 * time.Second
)

// Config controls relay behavior
type Config struct {
	// SummaryInterval is the number of media frames between progress logs
	SummaryInterval uint64

	// SinkTimeout bounds every call into the audio sink
	SinkTimeout time.Duration

	// Sinks creates the audio sink of a session on its first start event
	Sinks sink.Factory
}

// ErrSinkTimeout is reported when a sink call outlives the sink timeout
var ErrSinkTimeout = errors.New("sink call timed out")

// Relay dispatches frames of every open connection to the lifecycle handlers
type Relay struct {
	registry *stream.Registry
	logger   *slog.Logger
	metrics  *metrics.Metrics
	config   Config
}

// New creates a relay storing its sessions in registry
func New(registry *stream.Registry, logger *slog.Logger, m *metrics.Metrics, cfg Config) *Relay {
	if cfg.SummaryInterval == 0 {
		cfg.SummaryInterval = DefaultSummaryInterval
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = DefaultSinkTimeout
	}
	if cfg.Sinks == nil {
		cfg.Sinks = sink.NopFactory
	}

	return &Relay{
		registry: registry,
		logger:   logger,
		metrics:  m,
		config:   cfg,
	}
}

// Registry returns the registry holding the relay's sessions
func (r *Relay) Registry() *stream.Registry {
	return r.registry
}

// Open registers the session of a newly accepted connection
func (r *Relay) Open(path string, query url.Values) (*stream.Session, error) {
	id := stream.NewConnectionID(path)

	session, err := r.registry.Create(id, stream.Metadata{
		ExternalSessionID: query.Get(protocol.ParamSessionID),
		CallReferenceID:   query.Get(protocol.ParamCallSID),
	})
	if err != nil {
		r.logger.Error("Failed to register media stream session",
			slog.String("connection_id", id),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("failed to register session: %w", err)
	}

	r.metrics.RecordConnectionOpened()

	r.logger.Info("Media stream connected",
		slog.String("connection_id", session.ID),
		slog.String("session_id", session.ExternalSessionID),
		slog.String("call_sid", session.CallReferenceID),
	)

	return session, nil
}

// HandleFrame parses one inbound text frame and dispatches it.
// It never fails: every error is logged and confined to this frame.
func (r *Relay) HandleFrame(id string, data []byte) {
	defer r.recoverHandler(id, "frame")

	frame, err := protocol.Parse(data)
	if err != nil {
		r.metrics.RecordParseError()
		r.logger.Warn("Failed to parse media stream frame",
			slog.String("connection_id", id),
			slog.Int("frame_size", len(data)),
			slog.String("error", err.Error()),
		)
		return
	}

	switch f := frame.(type) {
	case protocol.ConnectedFrame:
		r.metrics.RecordFrame(string(protocol.KindConnected))
		r.handleConnected(id, f)
	case protocol.StartFrame:
		r.metrics.RecordFrame(string(protocol.KindStart))
		r.handleStart(id, f)
	case protocol.MediaFrame:
		r.metrics.RecordFrame(string(protocol.KindMedia))
		r.handleMedia(id, f)
	case protocol.StopFrame:
		r.metrics.RecordFrame(string(protocol.KindStop))
		r.handleStop(id, f)
	case protocol.UnknownFrame:
		r.metrics.RecordFrame("unknown")
		r.logger.Info("Unknown media stream event",
			slog.String("connection_id", id),
			slog.String("event", f.Event),
		)
	}
}

// Close removes the session of a closed connection. It is a no-op when a
// stop event already removed it.
func (r *Relay) Close(id string) {
	defer r.recoverHandler(id, "close")

	session, ok := r.registry.Remove(id)
	if !ok {
		r.logger.Debug("Connection closed after session was removed",
			slog.String("connection_id", id),
		)
		return
	}

	r.logger.Info("Media stream connection closed",
		slog.String("connection_id", id),
	)
	r.finish(session, "close")
}

func (r *Relay) recoverHandler(id, stage string) {
	if rec := recover(); rec != nil {
		r.logger.Error("Recovered from panic in media stream handler",
			slog.String("connection_id", id),
			slog.String("stage", stage),
			slog.String("panic", fmt.Sprint(rec)),
		)
	}
}

// callSink runs one sink operation under the sink timeout, converting panics
// to errors. The deadline holds even for sinks that ignore ctx: the call runs
// on its own goroutine and is abandoned when the timeout fires.
func (r *Relay) callSink(op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.config.SinkTimeout)
	defer cancel()

	startTime := time.Now()
	result := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				result <- fmt.Errorf("sink %s panicked: %v", op, rec)
			}
		}()
		result <- fn(ctx)
	}()

	var err error
	select {
	case err = <-result:
	case <-ctx.Done():
		err = fmt.Errorf("sink %s: %w", op, ErrSinkTimeout)
	}
	r.metrics.RecordSinkCall(op, time.Since(startTime).Seconds(), err)
	return err
}

func streamOf(session *stream.Session) sink.Stream {
	info := session.Info()
	return sink.Stream{
		ConnectionID:      info.ConnectionID,
		ExternalSessionID: info.ExternalSessionID,
		CallReferenceID:   info.CallReferenceID,
		StreamSID:         info.StreamSID,
		MediaFormat: protocol.MediaFormat{
			Encoding:   info.Encoding,
			SampleRate: info.SampleRate,
		},
	}
}

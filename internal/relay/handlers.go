package relay

import (
	"context"
	"log/slog"

	"github.com/leopard618/Browser-Softphone/internal/protocol"
	"github.com/leopard618/Browser-Softphone/internal/sink"
	"github.com/leopard618/Browser-Softphone/internal/stream"
)

// handleConnected logs the protocol hint of the connected event
func (r *Relay) handleConnected(id string, f protocol.ConnectedFrame) {
	session, ok := r.registry.Get(id)
	if !ok {
		r.logger.Warn("Connected event for unknown session",
			slog.String("connection_id", id),
		)
		return
	}
	session.Touch()

	version := f.ProtocolVersion
	if version == "" {
		version = stream.UnknownValue
	}
	r.logger.Info("Media stream protocol negotiated",
		slog.String("connection_id", id),
		slog.String("protocol_version", version),
	)
}

// handleStart marks the session started and opens its audio sink once
func (r *Relay) handleStart(id string, f protocol.StartFrame) {
	session, ok := r.registry.Get(id)
	if !ok {
		r.logger.Warn("Start event for unknown session",
			slog.String("connection_id", id),
		)
		return
	}

	format := f.MediaFormat
	first := session.MarkStarted(f.StreamSID, format.EncodingOrDefault(), format.SampleRateOrDefault())

	encoding := format.Encoding
	if encoding == "" {
		encoding = stream.UnknownValue
	}
	r.logger.Info("Media stream started",
		slog.String("connection_id", id),
		slog.String("stream_sid", f.StreamSID),
		slog.String("encoding", encoding),
		slog.Int("sample_rate", format.SampleRate),
		slog.Bool("repeated", !first),
	)

	if !first {
		return
	}

	// Stream parameters fill in correlation ids missing from the query
	callSID := f.CustomParameters[protocol.ParamCallSID]
	if callSID == "" {
		callSID = f.CallSID
	}
	if session.FillCorrelation(f.CustomParameters[protocol.ParamSessionID], callSID) {
		info := session.Info()
		r.logger.Info("Media stream correlation updated from start parameters",
			slog.String("connection_id", id),
			slog.String("session_id", info.ExternalSessionID),
			slog.String("call_sid", info.CallReferenceID),
		)
	}

	r.openSink(session)
}

// openSink creates and starts the session's sink. Any failure leaves the
// session without a sink; frames keep being counted.
func (r *Relay) openSink(session *stream.Session) {
	st := streamOf(session)

	var sk sink.AudioSink
	err := r.callSink("create", func(context.Context) error {
		var err error
		sk, err = r.config.Sinks(st)
		return err
	})
	if err != nil {
		r.logger.Error("Failed to create audio sink",
			slog.String("connection_id", session.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if sk == nil {
		return
	}

	if err := r.callSink("start", func(ctx context.Context) error {
		return sk.Start(ctx, st)
	}); err != nil {
		r.logger.Error("Failed to start audio sink",
			slog.String("connection_id", session.ID),
			slog.String("session_id", session.ExternalSessionID),
			slog.String("error", err.Error()),
		)
		return
	}

	session.SetSink(sk)
	r.logger.Debug("Audio sink started",
		slog.String("connection_id", session.ID),
	)
}

// handleMedia decodes an audio frame, updates the counters and forwards the audio
func (r *Relay) handleMedia(id string, f protocol.MediaFrame) {
	session, ok := r.registry.Get(id)
	if !ok {
		return
	}
	if !f.HasPayload() {
		return
	}

	audio, err := f.Decode()
	if err != nil {
		r.metrics.RecordDecodeError()
		r.logger.Warn("Failed to decode media payload",
			slog.String("connection_id", id),
			slog.String("chunk", f.Chunk),
			slog.String("error", err.Error()),
		)
		return
	}

	frames, bytes := session.AddFrame(len(audio))
	r.metrics.RecordAudio(len(audio))

	summary := frames%r.config.SummaryInterval == 0
	if summary {
		r.logger.Info("Media stream progress",
			slog.String("connection_id", id),
			slog.Uint64("frames", frames),
			slog.Uint64("audio_bytes", bytes),
			slog.Float64("audio_kb", float64(bytes)/1024),
		)
	}

	sk := session.Sink()
	if sk == nil {
		return
	}

	st := streamOf(session)
	if err := r.callSink("feed", func(ctx context.Context) error {
		return sk.Feed(ctx, st, audio, f)
	}); err != nil {
		level := slog.LevelDebug
		if frames == 1 || summary {
			level = slog.LevelWarn
		}
		r.logger.Log(context.Background(), level, "Audio sink feed failed",
			slog.String("connection_id", id),
			slog.Uint64("frame", frames),
			slog.String("error", err.Error()),
		)
	}
}

// handleStop emits the final summary and removes the session
func (r *Relay) handleStop(id string, f protocol.StopFrame) {
	session, ok := r.registry.Remove(id)
	if !ok {
		r.logger.Debug("Stop event for unknown session",
			slog.String("connection_id", id),
		)
		return
	}

	r.logger.Info("Media stream stop received",
		slog.String("connection_id", id),
		slog.String("stream_sid", f.StreamSID),
	)
	r.finish(session, "stop")
}

// finish logs the final summary of a removed session and tears down its sink
func (r *Relay) finish(session *stream.Session, reason string) {
	info := session.Info()

	r.logger.Info("Media stream finished",
		slog.String("connection_id", info.ConnectionID),
		slog.String("session_id", info.ExternalSessionID),
		slog.String("call_sid", info.CallReferenceID),
		slog.String("reason", reason),
		slog.Uint64("total_frames", info.FrameCount),
		slog.Uint64("total_audio_bytes", info.AudioByteCount),
		slog.Float64("total_audio_kb", float64(info.AudioByteCount)/1024),
		slog.Duration("duration", info.Duration),
	)
	r.metrics.RecordSessionRemoved(info.Duration.Seconds())

	sk := session.DetachSink()
	if sk == nil {
		return
	}

	st := streamOf(session)
	if err := r.callSink("stop", func(ctx context.Context) error {
		return sk.Stop(ctx, st)
	}); err != nil {
		r.logger.Error("Failed to stop audio sink",
			slog.String("connection_id", info.ConnectionID),
			slog.String("error", err.Error()),
		)
	}
}

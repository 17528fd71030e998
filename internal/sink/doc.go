// Package sink defines the hand-off contract between the media-stream relay
// and downstream audio consumers.
//
// The relay creates one AudioSink per session through a Factory when the
// first start event arrives. TranscriptionSink is the built-in consumer: it
// cuts the session audio into fixed-duration WAV chunks and posts them to a
// transcription backend on a per-session worker.
package sink

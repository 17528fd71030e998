// Package audio wraps raw media-stream audio in WAV containers.
// Mu-law and A-law payloads are stored with their companded format codes so
// transcription backends can read them without conversion; L16 is stored as
// little-endian PCM.
package audio

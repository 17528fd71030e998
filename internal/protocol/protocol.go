package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind is the value of a frame's "event" discriminator
type Kind string

// Known event kinds
const (
	KindConnected Kind = "connected"
	KindStart     Kind = "start"
	KindMedia     Kind = "media"
	KindStop      Kind = "stop"
)

// Correlation parameter names, read from the stream URL query and echoed in
// start.customParameters
const (
	ParamSessionID = "sessionId"
	ParamCallSID   = "callSid"
)

// Media format defaults used when a start frame carries no hints
const (
	EncodingMulaw     = "audio/x-mulaw"
	EncodingAlaw      = "audio/x-alaw"
	EncodingL16       = "audio/x-l16"
	DefaultSampleRate = 8000
)

var (
	// ErrMalformedFrame is returned when a frame is not a JSON object with a string discriminator
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrInvalidPayload is returned when a media payload is not valid base64
	ErrInvalidPayload = errors.New("invalid media payload")
)

// Frame is one parsed inbound message. The set of implementations is closed:
// ConnectedFrame, StartFrame, MediaFrame, StopFrame and UnknownFrame.
type Frame interface {
	Kind() Kind
	frame()
}

// ConnectedFrame is the first message sent after the socket opens
type ConnectedFrame struct {
	ProtocolVersion string // empty when the hint is absent
}

// StartFrame announces the start of audio and its format
type StartFrame struct {
	StreamSID        string
	CallSID          string
	Tracks           []string
	MediaFormat      MediaFormat
	CustomParameters map[string]string
}

// MediaFormat holds the optional encoding hints of a start frame. Hints of
// the wrong JSON type are left at their zero value.
type MediaFormat struct {
	Encoding   string `json:"encoding,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
}

// MediaFrame carries one base64-encoded audio chunk
type MediaFrame struct {
	StreamSID      string
	SequenceNumber string
	Track          string
	Chunk          string
	Timestamp      string
	Payload        string

	payloadNotString bool
}

// StopFrame marks the end of the stream
type StopFrame struct {
	StreamSID string
}

// UnknownFrame is any well-formed frame with an unrecognized discriminator
type UnknownFrame struct {
	Event string
}

func (ConnectedFrame) Kind() Kind { return KindConnected }
func (StartFrame) Kind() Kind { return KindStart }
func (MediaFrame) Kind() Kind { return KindMedia }
func (StopFrame) Kind() Kind { return KindStop }
func (u UnknownFrame) Kind() Kind { return Kind(u.Event) }

func (ConnectedFrame) frame() {}
func (StartFrame) frame() {}
func (MediaFrame) frame() {}
func (StopFrame) frame() {}
func (UnknownFrame) frame() {}

// fields is one decoded JSON object. Values are converted on access, so an
// oddly typed optional field reads as its zero value instead of failing the frame.
type fields map[string]json.RawMessage

// object decodes raw as a JSON object, or returns nil
func object(raw json.RawMessage) fields {
	var f fields
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil
	}
	return f
}

func (f fields) has(key string) bool {
	raw, ok := f[key]
	return ok && string(raw) != "null"
}

// str returns a string field; numbers keep their literal text
func (f fields) str(key string) string {
	raw, ok := f[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// number returns an integer field given as a JSON number or a numeric string
func (f fields) number(key string) int {
	raw, ok := f[key]
	if !ok {
		return 0
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0
		}
		if v, err = strconv.ParseFloat(strings.TrimSpace(s), 64); err != nil {
			return 0
		}
	}
	if math.IsNaN(v) || v < math.MinInt32 || v > math.MaxInt32 {
		return 0
	}
	return int(v)
}

func (f fields) strs(key string) []string {
	var items []json.RawMessage
	if err := json.Unmarshal(f[key], &items); err != nil {
		return nil
	}
	var out []string
	for _, item := range items {
		var s string
		if json.Unmarshal(item, &s) == nil {
			out = append(out, s)
		}
	}
	return out
}

func (f fields) params(key string) map[string]string {
	obj := object(f[key])
	if obj == nil {
		return nil
	}
	out := make(map[string]string, len(obj))
	for k := range obj {
		out[k] = obj.str(k)
	}
	return out
}

func (f fields) mediaFormat(key string) MediaFormat {
	obj := object(f[key])
	return MediaFormat{
		Encoding:   obj.str("encoding"),
		SampleRate: obj.number("sampleRate"),
		Channels:   obj.number("channels"),
	}
}

// Parse decodes a single text frame into its Frame variant. Only the "event"
// discriminator decides whether a frame is well formed; every other field is
// a best-effort hint. An unrecognized discriminator yields an UnknownFrame.
func Parse(data []byte) (Frame, error) {
	var env fields
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env == nil {
		return nil, fmt.Errorf("%w: not an object", ErrMalformedFrame)
	}
	if !env.has("event") {
		return nil, fmt.Errorf("%w: missing event field", ErrMalformedFrame)
	}
	var event string
	if err := json.Unmarshal(env["event"], &event); err != nil {
		return nil, fmt.Errorf("%w: event is not a string", ErrMalformedFrame)
	}

	switch Kind(event) {
	case KindConnected:
		// protocol is either {"version":"x"} or "Call" beside a top-level version
		f := ConnectedFrame{ProtocolVersion: env.str("version")}
		if v := object(env["protocol"]).str("version"); v != "" {
			f.ProtocolVersion = v
		}
		return f, nil

	case KindStart:
		start := object(env["start"])
		f := StartFrame{
			StreamSID:        env.str("streamSid"),
			CallSID:          start.str("callSid"),
			Tracks:           start.strs("tracks"),
			MediaFormat:      start.mediaFormat("mediaFormat"),
			CustomParameters: start.params("customParameters"),
		}
		if sid := start.str("streamSid"); sid != "" {
			f.StreamSID = sid
		}
		// Top-level hints win over the nested provider layout
		top := env.mediaFormat("mediaFormat")
		if top.Encoding != "" {
			f.MediaFormat.Encoding = top.Encoding
		}
		if top.SampleRate != 0 {
			f.MediaFormat.SampleRate = top.SampleRate
		}
		if top.Channels != 0 {
			f.MediaFormat.Channels = top.Channels
		}
		return f, nil

	case KindMedia:
		media := object(env["media"])
		f := MediaFrame{
			StreamSID:      env.str("streamSid"),
			SequenceNumber: env.str("sequenceNumber"),
			Track:          media.str("track"),
			Chunk:          media.str("chunk"),
			Timestamp:      media.str("timestamp"),
		}
		if media.has("payload") {
			if err := json.Unmarshal(media["payload"], &f.Payload); err != nil {
				f.payloadNotString = true
			}
		}
		return f, nil

	case KindStop:
		return StopFrame{StreamSID: env.str("streamSid")}, nil

	default:
		return UnknownFrame{Event: event}, nil
	}
}

// HasPayload reports whether the frame carried a media payload
func (m MediaFrame) HasPayload() bool {
	return m.Payload != "" || m.payloadNotString
}

// Decode returns the raw audio bytes of the payload
func (m MediaFrame) Decode() ([]byte, error) {
	if m.payloadNotString {
		return nil, fmt.Errorf("%w: payload is not a string", ErrInvalidPayload)
	}
	audio, err := base64.StdEncoding.DecodeString(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return audio, nil
}

// EncodingOrDefault returns the encoding hint, or mu-law when absent
func (f MediaFormat) EncodingOrDefault() string {
	if f.Encoding == "" {
		return EncodingMulaw
	}
	return f.Encoding
}

// SampleRateOrDefault returns the sample rate hint, or 8kHz when absent
func (f MediaFormat) SampleRateOrDefault() int {
	if f.SampleRate <= 0 {
		return DefaultSampleRate
	}
	return f.SampleRate
}

// String returns a human-readable representation of the media frame
func (m MediaFrame) String() string {
	return fmt.Sprintf("MediaFrame{StreamSID:%q, Track:%q, Chunk:%q, PayloadLen:%d}",
		m.StreamSID, m.Track, m.Chunk, len(m.Payload))
}

package sink

import (
	"context"

	"github.com/leopard618/Browser-Softphone/internal/protocol"
)

// Stream identifies the session an AudioSink serves
type Stream struct {
	ConnectionID      string
	ExternalSessionID string
	CallReferenceID   string
	StreamSID         string
	MediaFormat       protocol.MediaFormat
}

// AudioSink receives the decoded audio of one session.
//
// Start is called once on the first start event, Feed once per decoded media
// frame in arrival order, and Stop once on stop or socket close. Every call
// gets a context bounded by the relay's sink timeout. A call still running at
// the deadline is abandoned and may overlap later calls, so implementations
// must be safe for concurrent use. Errors are logged by the relay and never
// end the connection.
type AudioSink interface {
	Start(ctx context.Context, stream Stream) error
	Feed(ctx context.Context, stream Stream, audio []byte, frame protocol.MediaFrame) error
	Stop(ctx context.Context, stream Stream) error
}

// Factory creates the sink for a session at start time
type Factory func(stream Stream) (AudioSink, error)

// Nop discards all audio
type Nop struct{}

func (Nop) Start(context.Context, Stream) error { return nil }

func (Nop) Feed(context.Context, Stream, []byte, protocol.MediaFrame) error { return nil }

func (Nop) Stop(context.Context, Stream) error { return nil }

// NopFactory returns a Nop sink for every session
func NopFactory(Stream) (AudioSink, error) {
	return Nop{}, nil
}

// Func adapts a plain forwarding function into an AudioSink with no-op Start and Stop
type Func func(ctx context.Context, stream Stream, audio []byte, frame protocol.MediaFrame) error

func (f Func) Start(context.Context, Stream) error { return nil }

func (f Func) Feed(ctx context.Context, stream Stream, audio []byte, frame protocol.MediaFrame) error {
	return f(ctx, stream, audio, frame)
}

func (f Func) Stop(context.Context, Stream) error { return nil }

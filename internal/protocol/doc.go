// Package protocol implements parsing of Media Streams WebSocket frames.
// Each text frame is a JSON object discriminated by its "event" field and is
// decoded into one variant of a closed set of frame types.
package protocol

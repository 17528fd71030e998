// Package relay demultiplexes Media Streams frames and runs the per-session
// lifecycle handlers (connected, start, media, stop). Each handler is fault
// isolated: parse, decode and sink failures are logged and the frame is
// dropped, but the connection and its session stay intact.
package relay

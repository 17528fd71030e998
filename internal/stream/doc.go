// Package stream provides the connection registry for media-stream sessions.
// It owns one Session record per open WebSocket connection, from accept until
// the stop event or socket close, whichever happens first.
package stream

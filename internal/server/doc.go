// Package server implements the HTTP side of the relay: the media-stream
// WebSocket endpoint, the voice access token and call-control webhooks, and
// the monitoring API (health, sessions, statistics, configuration and
// Prometheus metrics).
package server

// Package metrics defines the Prometheus metrics exported by the relay.
package metrics

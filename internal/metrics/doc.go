// Package metrics defines the Prometheus metrics exported by the voice service.
package metrics

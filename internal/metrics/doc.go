// Package metrics exposes update agent counters in the Prometheus textfile format.
package metrics

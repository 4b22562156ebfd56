// Package metrics defines the cluster's Prometheus instrumentation: gauges
// for datanode and block health, counters for control-plane requests, and a
// Timer helper for histogram observations. Handler exposes them at /metrics.
package metrics

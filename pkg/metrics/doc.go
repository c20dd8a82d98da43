// Package metrics defines and registers the control plane's Prometheus
// metrics: resource gauges (SVMs, volumes, exports, directories), HA
// primary/transition metrics, REST and CSI RPC counters/histograms,
// lock/lease acquisition counters, and a /health, /ready, /live HTTP
// handler set alongside the Prometheus /metrics handler.
package metrics

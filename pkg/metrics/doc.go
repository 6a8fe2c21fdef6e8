// Package metrics exposes the coordinator's Prometheus series: shared-plan
// counts, update-phase batch outcomes, merge attempts, and placement
// amendment latency/retry counters, plus a Timer helper for histogram
// observations and an http.Handler for /metrics.
package metrics

// Package metrics exposes OpenSet's Prometheus instrumentation: cluster and
// sentinel gauges, per-partition async loop backlog and slice duration,
// bitmap LRU hit/miss/eviction counters, side-log backlog, segment refresh
// duration, and query fork retry counts. Handler() serves the standard
// /metrics scrape endpoint; Timer is a small helper for observing durations
// into a histogram without repeating time.Since boilerplate at every call
// site.
package metrics

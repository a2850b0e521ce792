/*
Package metrics exposes scoutd's Prometheus instrumentation.

Metrics are registered at package init and exposed at /metrics via Handler.
Collector samples gauge-style state (cache size, allocator banks, mounted
client counts) from the running server on a fixed interval; counters and
histograms are updated inline by the packages that own the events they
describe (pkg/commit, pkg/rpc, pkg/clients).
*/
package metrics

/*
Package metrics exposes Prometheus instrumentation for the conductor.

Counters and histograms are updated inline by the scheduler, reconciler and
session layer; gauges describing cluster composition are sampled on a fixed
interval by the Collector. The handler is mounted on the conductor's HTTP
listener at /metrics.
*/
package metrics

// Package sinks provides event sinks: structured logs, Prometheus
// collectors, and a Google Cloud Pub/Sub publisher.
package sinks

// Package events carries pipeline observations (fetch attempts, relevance
// scores, extraction counts, dedup outcomes and terminal URL states) from the
// workers to pluggable sinks. Emitting never blocks a worker: events are
// buffered, batched, and dropped with a warning under backpressure.
package events
